// Package server exposes the agent over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LinjingBi/code-agent/agentloop"
	"github.com/LinjingBi/code-agent/internal/transcript"
)

const maxRequestBytes = 1 << 20

// LoopFactory returns a fresh Loop for one request. The server closes it.
type LoopFactory func() (*agentloop.Loop, error)

// Recorder persists finished runs.
type Recorder interface {
	Save(ctx context.Context, r transcript.Record) error
}

// Server owns the HTTP listener and the routes.
type Server struct {
	newLoop         LoopFactory
	recorder        Recorder
	model           string
	logger          *slog.Logger
	shutdownTimeout time.Duration
	http            *http.Server
	ready           atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithRecorder saves every finished run.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithModel sets the model name stored with recorded runs.
func WithModel(model string) Option {
	return func(s *Server) { s.model = model }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// New creates a server listening on addr.
func New(addr string, newLoop LoopFactory, opts ...Option) *Server {
	s := &Server{
		newLoop:         newLoop,
		logger:          slog.Default(),
		shutdownTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routes wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("POST /chat", s.handleChat)
	return requestLogging(s.logger)(mux)
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	s.http.BaseContext = func(net.Listener) context.Context { return ctx }

	g.Go(func() error {
		s.ready.Store(true)
		s.logger.Info("http server listening", "address", ln.Addr().String())
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.ready.Store(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	RunID       string              `json:"run_id"`
	Status      agentloop.Status    `json:"status"`
	FinalAnswer string              `json:"final_answer,omitempty"`
	Iterations  int                 `json:"iterations"`
	DurationMs  int64               `json:"duration_ms"`
	Transcript  []agentloop.Message `json:"transcript"`
}

type errorResponse struct {
	Error      string              `json:"error"`
	RunID      string              `json:"run_id,omitempty"`
	Phase      agentloop.Phase     `json:"phase,omitempty"`
	Iteration  int                 `json:"iteration,omitempty"`
	Transcript []agentloop.Message `json:"transcript,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Code Agent API is running"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, "ok")
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writePlain(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writePlain(w, http.StatusOK, "ready")
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	question := strings.TrimSpace(req.Message)
	if question == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return
	}

	loop, err := s.newLoop()
	if err != nil {
		s.logger.Error("create loop", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	defer func() {
		if err := loop.Close(); err != nil {
			s.logger.Warn("close loop", "error", err)
		}
	}()

	res, err := loop.Run(r.Context(), question)
	s.record(question, res, err)
	if err != nil {
		status, body := errorStatus(err)
		writeJSON(w, status, body)
		return
	}
	writeJSON(w, http.StatusOK, chatResponse{
		RunID:       res.RunID,
		Status:      res.Status,
		FinalAnswer: res.FinalAnswer,
		Iterations:  res.Iterations,
		DurationMs:  res.Duration.Milliseconds(),
		Transcript:  res.Transcript,
	})
}

func (s *Server) record(question string, res *agentloop.Result, runErr error) {
	if s.recorder == nil {
		return
	}
	var rec transcript.Record
	if runErr == nil {
		rec = transcript.FromResult(question, s.model, res)
	} else {
		var ok bool
		if rec, ok = transcript.FromError(question, s.model, runErr); !ok {
			return
		}
	}
	// The request context may already be cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.recorder.Save(ctx, rec); err != nil {
		s.logger.Error("save transcript", "run_id", rec.RunID, "error", err)
	}
}

func errorStatus(err error) (int, errorResponse) {
	body := errorResponse{Error: err.Error()}
	var lerr *agentloop.LoopError
	if !errors.As(err, &lerr) {
		if errors.Is(err, agentloop.ErrLoopBusy) {
			return http.StatusConflict, body
		}
		return http.StatusInternalServerError, body
	}
	body.RunID = lerr.RunID
	body.Phase = lerr.Phase
	body.Iteration = lerr.Iteration
	body.Transcript = lerr.Transcript
	switch lerr.Phase {
	case agentloop.PhaseCompletion:
		return http.StatusBadGateway, body
	case agentloop.PhaseParse:
		return http.StatusUnprocessableEntity, body
	default:
		return http.StatusServiceUnavailable, body
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
