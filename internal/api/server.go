package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/proactiva-us/pipeliner/internal/db"
	"github.com/proactiva-us/pipeliner/internal/orchestrator"
	"github.com/proactiva-us/pipeliner/internal/worktree"
)

// Launcher starts the background runner for a created session. The server
// only creates records; execution is the caller's machinery.
type Launcher func(sessionID string)

// Server is the pipeliner API server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger

	orch   *orchestrator.Orchestrator
	store  *db.ExecDB
	pool   *worktree.Pool
	launch Launcher

	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr         string
	Orchestrator *orchestrator.Orchestrator
	Store        *db.ExecDB
	Pool         *worktree.Pool
	Launch       Launcher
	Logger       *slog.Logger
}

// New creates a new API server.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8314"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:   cfg.Addr,
		mux:    http.NewServeMux(),
		logger: logger,
		orch:   cfg.Orchestrator,
		store:  cfg.Store,
		pool:   cfg.Pool,
		launch: cfg.Launch,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/executions", s.handleCreateExecution)
	s.mux.HandleFunc("GET /api/executions/{id}/status", s.handleExecutionStatus)
	s.mux.HandleFunc("GET /api/executions/{id}/batches", s.handleExecutionBatches)
	s.mux.HandleFunc("GET /api/executions/{id}/tasks/{number}", s.handleExecutionTask)
	s.mux.HandleFunc("GET /api/pool", s.handlePoolStatus)
}

// Handler returns the server's HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
