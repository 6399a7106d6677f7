package unifiedllm

import (
	"context"
	"log/slog"
	"time"
)

// LoggingMiddleware logs each completion with its provider, model, latency and
// token usage. Failures are logged at warn level and returned unchanged.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"provider", req.Provider,
				"model", req.Model,
				"messages", len(req.Messages),
				"duration", time.Since(start),
			}
			if err != nil {
				logger.WarnContext(ctx, "completion failed", append(attrs,
					"error", err,
					"kind", KindOf(err).String(),
					"retryable", IsRetryable(err),
				)...)
				return nil, err
			}
			logger.DebugContext(ctx, "completion finished", append(attrs,
				"response_id", resp.ID,
				"finish_reason", string(resp.FinishReason),
				"input_tokens", resp.Usage.InputTokens,
				"output_tokens", resp.Usage.OutputTokens,
			)...)
			return resp, nil
		}
	}
}
