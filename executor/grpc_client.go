package executor

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/LinjingBi/code-agent/agentloop"
)

const (
	serviceName          = "code_executor.CodeExecutor"
	executeCodeMethod    = "/" + serviceName + "/ExecuteCode"
	getToolListMethod    = "/" + serviceName + "/GetToolList"
	DefaultGRPCAddress   = "localhost:50051"
	defaultToolsDeadline = 10 * time.Second
)

// GRPCExecutor runs code on a remote code_executor.CodeExecutor service.
type GRPCExecutor struct {
	target string
	conn   *grpc.ClientConn
}

// GRPCOption configures a GRPCExecutor.
type GRPCOption func(*grpcOptions)

type grpcOptions struct {
	dialOptions []grpc.DialOption
}

// WithDialOptions appends dial options, e.g. a bufconn dialer in tests or
// TLS credentials in production.
func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(o *grpcOptions) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// NewGRPCExecutor creates a client for target. The connection is established
// lazily and re-established by grpc after failures.
func NewGRPCExecutor(target string, opts ...GRPCOption) (*GRPCExecutor, error) {
	if target == "" {
		target = DefaultGRPCAddress
	}
	o := &grpcOptions{
		dialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	conn, err := grpc.NewClient(target, o.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", target, err)
	}
	return &GRPCExecutor{target: target, conn: conn}, nil
}

// Target returns the address the executor talks to.
func (g *GRPCExecutor) Target() string { return g.target }

// Execute implements agentloop.Executor.
func (g *GRPCExecutor) Execute(ctx context.Context, code string) (*agentloop.ExecResult, error) {
	start := time.Now()
	resp := &CodeExecutionResponse{}
	if err := g.conn.Invoke(ctx, executeCodeMethod, &CodeExecutionRequest{Code: code}, resp); err != nil {
		return nil, fmt.Errorf("%s: %w", executeCodeMethod, err)
	}
	return &agentloop.ExecResult{
		Output:     resp.Output,
		Error:      resp.Error,
		ExitCode:   int(resp.ExitCode),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// ListTools implements agentloop.ToolLister.
func (g *GRPCExecutor) ListTools(ctx context.Context) ([]agentloop.ToolDescriptor, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultToolsDeadline)
		defer cancel()
	}
	resp := &GetToolListResponse{}
	if err := g.conn.Invoke(ctx, getToolListMethod, &Empty{}, resp); err != nil {
		return nil, fmt.Errorf("%s: %w", getToolListMethod, err)
	}
	return resp.Tools, nil
}

// Close releases the connection.
func (g *GRPCExecutor) Close() error {
	return g.conn.Close()
}
