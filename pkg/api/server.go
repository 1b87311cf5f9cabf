// Package api exposes the chat pipeline over HTTP: synchronous and
// streaming chat, trace lookup, session cancellation, health, and retry
// telemetry for debugging.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/henryperkins/veritas/pkg/events"
	"github.com/henryperkins/veritas/pkg/models"
	"github.com/henryperkins/veritas/pkg/orchestrator"
)

// SessionRunner runs chat sessions. Implemented by the orchestrator.
type SessionRunner interface {
	Run(ctx context.Context, input orchestrator.Input, emitter events.Emitter) (*models.ChatResponse, *models.SessionTrace, error)
	Registry() *orchestrator.Registry
}

// TraceReader loads persisted session traces.
type TraceReader interface {
	GetTrace(ctx context.Context, sessionID string) (*models.SessionTrace, error)
}

// Server is the HTTP front of the service.
type Server struct {
	runner    SessionRunner
	traces    TraceReader
	health    func(ctx context.Context) error
	retries   func() any
	eventBuf  int
	limits    requestLimits
	logger    *slog.Logger
	rateLimit *rateLimiter
	engine    *gin.Engine
}

// Config configures the server.
type Config struct {
	EventBufferSize int
	// RequestsPerMinute bounds each client IP; zero disables limiting.
	RequestsPerMinute int
	// Request size caps; zero selects the default.
	MaxMessages     int
	MaxMessageChars int
	MaxTotalChars   int
}

// Default request size caps.
const (
	defaultMaxMessages     = 64
	defaultMaxMessageChars = 16000
	defaultMaxTotalChars   = 128000
)

// NewServer assembles the router. traces, health, and retries may be
// nil; the matching endpoints then degrade gracefully.
func NewServer(runner SessionRunner, traces TraceReader, health func(ctx context.Context) error, retries func() any, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	eventBuf := cfg.EventBufferSize
	if eventBuf < 1 {
		eventBuf = 256
	}

	limits := requestLimits{
		maxMessages:     cfg.MaxMessages,
		maxMessageChars: cfg.MaxMessageChars,
		maxTotalChars:   cfg.MaxTotalChars,
	}
	if limits.maxMessages < 1 {
		limits.maxMessages = defaultMaxMessages
	}
	if limits.maxMessageChars < 1 {
		limits.maxMessageChars = defaultMaxMessageChars
	}
	if limits.maxTotalChars < 1 {
		limits.maxTotalChars = defaultMaxTotalChars
	}

	s := &Server{
		runner:   runner,
		traces:   traces,
		health:   health,
		retries:  retries,
		eventBuf: eventBuf,
		limits:   limits,
		logger:   logger,
	}
	if cfg.RequestsPerMinute > 0 {
		s.rateLimit = newRateLimiter(cfg.RequestsPerMinute)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	engine.GET("/healthz", s.handleHealth)

	v1 := engine.Group("/api/v1")
	if s.rateLimit != nil {
		v1.Use(s.rateLimit.middleware())
	}
	v1.POST("/chat", s.handleChat)
	v1.POST("/chat/stream", s.handleChatStream)
	v1.GET("/sessions/:id/trace", s.handleTrace)
	v1.POST("/sessions/:id/cancel", s.handleCancel)
	v1.GET("/debug/retries", s.handleRetries)

	s.engine = engine
	return s
}

// Handler returns the HTTP handler for mounting or testing.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen serves until ctx is cancelled, then drains with a shutdown
// budget.
func (s *Server) Listen(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
