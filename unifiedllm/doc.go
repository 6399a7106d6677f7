// Package unifiedllm provides a provider-agnostic chat completion client.
//
// # Architecture
//
//   - ProviderAdapter and the shared Request/Response types
//   - error kinds and retry with backoff
//   - Client, which routes by provider name through a middleware chain
//
// Two adapters are provided. OpenAICompatAdapter talks to any
// OpenAI-compatible /chat/completions endpoint and is the default for
// OpenRouter. GollmAdapter wraps gollm (github.com/teilomillet/gollm) for the
// providers gollm supports natively.
//
// # Quick Start
//
//	adapter := unifiedllm.NewOpenAICompatAdapter(os.Getenv("OPENROUTER_API_KEY"))
//	client, err := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openrouter", adapter),
//	    unifiedllm.WithMiddleware(unifiedllm.LoggingMiddleware(slog.Default())),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Model:       "deepseek/deepseek-r1-0528-qwen3-8b:free",
//	    Messages:    []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	    Temperature: unifiedllm.Float64(0.7),
//	})
//	fmt.Println(resp.Text())
//
// # Errors
//
// Every adapter reports failures as *Error tagged with an ErrorKind. IsRetryable
// reports whether an error is transient; RetryMiddleware uses it to retry with
// exponential backoff.
package unifiedllm
