package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"studio-agents/internal/config"
	"studio-agents/internal/infra/metrics"
	red "studio-agents/internal/infra/redis"
	"studio-agents/internal/usecase"
)

// SubmitLimiter caps submissions per principal.
type SubmitLimiter interface {
	Admit(ctx context.Context, principal string) (red.Decision, error)
}

// Server exposes request submission and transaction polling.
type Server struct {
	orch    usecase.OrchestratorUseCase
	status  usecase.StatusUseCase
	auth    *AuthManager
	limiter SubmitLimiter
	timeout time.Duration
	ready   func(ctx context.Context) error
	log     *zerolog.Logger
}

// NewServer wires the handlers. auth and limiter may be nil.
func NewServer(
	orch usecase.OrchestratorUseCase,
	status usecase.StatusUseCase,
	auth *AuthManager,
	limiter SubmitLimiter,
	cfg config.HTTPConfig,
	logger *zerolog.Logger,
) *Server {
	l := logger.With().Str("component", "API").Logger()
	return &Server{
		orch:    orch,
		status:  status,
		auth:    auth,
		limiter: limiter,
		timeout: cfg.RequestTimeout,
		log:     &l,
	}
}

// WithHealthCheck makes /health report the result of fn.
func (s *Server) WithHealthCheck(fn func(ctx context.Context) error) *Server {
	s.ready = fn
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), Recover(s.log), RequestLog(s.log))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(Timeout(s.timeout), Authenticate(s.auth))
		r.Post("/requests", s.handleSubmit)
		r.Get("/transactions/{id}", s.handleGetTransaction)
		r.Get("/transactions/{id}/subtasks", s.handleListSubtasks)
	})
	return r
}
