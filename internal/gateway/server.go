// Package gateway serves warden over HTTP: the emailed approval links, the
// operator API, a websocket event stream and Prometheus metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alekspetrov/warden/internal/approval"
	"github.com/alekspetrov/warden/internal/config"
	"github.com/alekspetrov/warden/internal/health"
	"github.com/alekspetrov/warden/internal/logging"
	"github.com/alekspetrov/warden/internal/metrics"
	"github.com/alekspetrov/warden/internal/store"
	"github.com/alekspetrov/warden/internal/task"
)

// Operator performs state-changing operator actions. The orchestrator
// implements it.
type Operator interface {
	CreateTask(ctx context.Context, d task.Draft, actor string) (*store.Task, error)
	MoveTask(ctx context.Context, id int64, to task.Status, actor string) (*store.Task, error)
	ResumeTask(ctx context.Context, id int64) error
	ResetHealth(ctx context.Context, actor string) error
}

// Reader is the read-only view of the store used by the API.
type Reader interface {
	GetTask(id int64) (*store.Task, error)
	ListTasks(f store.TaskFilter) ([]*store.Task, error)
	ListExecutionLog(taskID int64) ([]*store.ExecutionLogEntry, error)
	ListAudit(f store.AuditFilter) ([]*store.AuditEntry, error)
	ListPipelines() ([]*store.Pipeline, error)
}

// Decisions verifies and applies decision tokens. *approval.Service implements it.
type Decisions interface {
	Verify(ctx context.Context, decisionID, token string) (*store.Decision, error)
	Status(ctx context.Context, decisionID, token string) (*store.Decision, error)
	Apply(ctx context.Context, decisionID string, approve bool, who approval.Decider) (*store.Decision, error)
}

// HealthReader exposes the CLI health record. *health.Monitor implements it.
type HealthReader interface {
	Snapshot() (health.Snapshot, error)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Operator  Operator
	Reader    Reader
	Decisions Decisions
	Health    HealthReader
	Hub       *Hub
}

// Server is the HTTP gateway. Server is safe for concurrent use.
type Server struct {
	config *config.GatewayConfig
	deps   Deps
	auth   *Authenticator
	log    *slog.Logger

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer creates a gateway. The operator API requires
// config.OperatorToken; without one it answers 503.
func NewServer(cfg *config.GatewayConfig, deps Deps) *Server {
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}
	return &Server{
		config: cfg,
		deps:   deps,
		auth:   NewAuthenticator(cfg.OperatorToken),
		log:    logging.WithComponent("gateway"),
	}
}

// Hub returns the websocket hub, which is also the server's event sink.
func (s *Server) Hub() *Hub {
	return s.deps.Hub
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/health", s.handleHealth)
	r.Get("/approve", s.handleDecision(true))
	r.Get("/reject", s.handleDecision(false))
	r.Get("/status", s.handleDecisionStatus)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Get("/ws", s.deps.Hub.ServeHTTP)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/tasks", s.handleListTasks)
			r.Post("/tasks", s.handleCreateTask)
			r.Get("/tasks/{id}", s.handleGetTask)
			r.Post("/tasks/{id}/move", s.handleMoveTask)
			r.Post("/tasks/{id}/resume", s.handleResumeTask)
			r.Get("/tasks/{id}/logs", s.handleTaskLogs)
			r.Get("/health", s.handleGetHealth)
			r.Post("/health/reset", s.handleResetHealth)
			r.Get("/audit", s.handleAudit)
			r.Get("/pipelines", s.handlePipelines)
		})
	})
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.log.Info("Gateway starting", slog.String("addr", srv.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the server, waiting up to 30 seconds for open requests.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	s.deps.Hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			// Query strings carry decision tokens and are never logged.
			log.Debug("HTTP request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
