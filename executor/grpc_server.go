package executor

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/LinjingBi/code-agent/agentloop"
)

// Server implements the code_executor.CodeExecutor service on top of any
// agentloop.Executor.
type Server struct {
	executor agentloop.Executor
	tools    []agentloop.ToolDescriptor
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTools sets the table returned by GetToolList. Without it the server
// asks the executor, if it is a ToolLister.
func WithTools(tools []agentloop.ToolDescriptor) ServerOption {
	return func(s *Server) {
		s.tools = append([]agentloop.ToolDescriptor(nil), tools...)
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer wraps executor.
func NewServer(executor agentloop.Executor, opts ...ServerOption) *Server {
	s := &Server{executor: executor, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds the service to g. The grpc.Server must be created with
// ServerCodec() so the hand-encoded messages can be decoded.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

// ServerCodec returns the server option installing the message codec.
func ServerCodec() grpc.ServerOption {
	return grpc.ForceServerCodec(codec{})
}

// ExecuteCode runs one snippet. Failures of the code are reported in the
// response; only a failing executor becomes an RPC error.
func (s *Server) ExecuteCode(ctx context.Context, req *CodeExecutionRequest) (*CodeExecutionResponse, error) {
	res, err := s.executor.Execute(ctx, req.Code)
	if err != nil {
		s.logger.Error("execute code", "error", err)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, status.FromContextError(err).Err()
		}
		return nil, status.Errorf(codes.Unavailable, "execute: %v", err)
	}
	if res == nil {
		return nil, status.Error(codes.Internal, "executor returned no result")
	}
	s.logger.Debug("executed code", "exit_code", res.ExitCode, "duration_ms", res.DurationMs)
	return &CodeExecutionResponse{
		Output:   res.Output,
		Error:    res.Error,
		ExitCode: int32(res.ExitCode),
	}, nil
}

// GetToolList returns the tool table.
func (s *Server) GetToolList(ctx context.Context, _ *Empty) (*GetToolListResponse, error) {
	if s.tools != nil {
		return &GetToolListResponse{Tools: s.tools}, nil
	}
	if lister, ok := s.executor.(agentloop.ToolLister); ok {
		tools, err := lister.ListTools(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "list tools: %v", err)
		}
		return &GetToolListResponse{Tools: tools}, nil
	}
	return &GetToolListResponse{Tools: []agentloop.ToolDescriptor{agentloop.FinalAnswerTool}}, nil
}

type codeExecutorServer interface {
	ExecuteCode(context.Context, *CodeExecutionRequest) (*CodeExecutionResponse, error)
	GetToolList(context.Context, *Empty) (*GetToolListResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*codeExecutorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ExecuteCode", Handler: executeCodeHandler},
		{MethodName: "GetToolList", Handler: getToolListHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "code_executor.proto",
}

func executeCodeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CodeExecutionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(codeExecutorServer).ExecuteCode(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeCodeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(codeExecutorServer).ExecuteCode(ctx, req.(*CodeExecutionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getToolListHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(codeExecutorServer).GetToolList(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getToolListMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(codeExecutorServer).GetToolList(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}
