// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"changewatch/metrics"
	"changewatch/pkg/watch"
	"changewatch/scheduler"
	"changewatch/scraper"
)

// maxRequestBody caps JSON request bodies.
const maxRequestBody = 1 << 20

// Store interface for item lookups and status changes.
type Store interface {
	GetItem(ctx context.Context, id string) (*watch.Item, error)
	SetStatus(ctx context.Context, id string, status watch.Status) error
	ListLogs(ctx context.Context, itemID string, limit int) ([]watch.RequestLog, error)
}

// Checker interface for on-demand checks.
type Checker interface {
	Check(ctx context.Context, item *watch.Item) watch.CheckResult
}

// Poller interface for triggering a tick.
type Poller interface {
	Tick(ctx context.Context) (scheduler.TickStats, error)
}

// Fetcher interface for dry-run requests.
type Fetcher interface {
	Fetch(ctx context.Context, item *watch.Item) (*scraper.Response, error)
}

// Notifier interface for test notifications.
type Notifier interface {
	Send(ctx context.Context, cfg watch.Channel, message string) error
}

// ExtractFunc pulls a value out of a fetched body.
type ExtractFunc func(content []byte, sel watch.Selector) (string, error)

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store      Store
	checker    Checker
	poller     Poller
	fetcher    Fetcher
	notifier   Notifier
	extract    ExtractFunc
	isNotFound IsNotFound
	logger     *slog.Logger
}

// Config holds server configuration.
type Config struct {
	Store      Store
	Checker    Checker
	Poller     Poller
	Fetcher    Fetcher
	Notifier   Notifier
	Extract    ExtractFunc
	IsNotFound IsNotFound
	Logger     *slog.Logger
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		store:      cfg.Store,
		checker:    cfg.Checker,
		poller:     cfg.Poller,
		fetcher:    cfg.Fetcher,
		notifier:   cfg.Notifier,
		extract:    cfg.Extract,
		isNotFound: cfg.IsNotFound,
		logger:     cfg.Logger,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /pollz", s.handlePoll)
	mux.HandleFunc("GET /items/{id}", s.handleItem)
	mux.HandleFunc("POST /items/{id}/run", s.handleRun)
	mux.HandleFunc("POST /items/{id}/toggle", s.handleToggle)
	mux.HandleFunc("GET /items/{id}/logs", s.handleLogs)
	mux.HandleFunc("POST /api/test-request", s.handleTestRequest)
	mux.HandleFunc("POST /api/test-notification", s.handleTestNotification)
	return mux
}

// Serve listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      90 * time.Second, // run-now waits for fetch and notification
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	stats, err := s.poller.Tick(r.Context())
	if errors.Is(err, scheduler.ErrTickInProgress) {
		s.writeJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "stats": stats})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// apiError writes the {"success":false,"error":...} envelope used by /api.
func (s *Server) apiError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
