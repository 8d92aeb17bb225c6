// Package server exposes the review surface: a small JSON API over the
// store for approving, rejecting, and reclassifying suggestions, plus
// status and health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"outlook-organiser/internal/database"
	"outlook-organiser/internal/engine"
	"outlook-organiser/internal/ratelimit"
)

// MoveApplier carries an approved decision out to the mailbox.
// Satisfied by engine.Applier.
type MoveApplier interface {
	Apply(ctx context.Context, email *database.Email, folder, priority, actionType string) error
}

// StatusProvider exposes the engine's degradation and cycle views.
type StatusProvider interface {
	Degradation() *engine.DegradationState
	LastCycle() (*engine.CycleInfo, error)
}

// Server is the review API.
type Server struct {
	db         *database.DB
	status     StatusProvider
	applier    MoveApplier
	reclassify *ratelimit.Limiter
	logger     *slog.Logger
}

// New creates the review API server. applier may be nil (dry-run mode):
// approvals then update the store only.
func New(db *database.DB, status StatusProvider, applier MoveApplier, logger *slog.Logger) *Server {
	return &Server{
		db:         db,
		status:     status,
		applier:    applier,
		reclassify: ratelimit.New(30, time.Minute),
		logger:     logger,
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/api", func(r chi.Router) {
		r.Get("/suggestions/pending", s.handlePendingSuggestions)
		r.Post("/suggestions/{id}/approve", s.handleApproveSuggestion)
		r.Post("/suggestions/{id}/reject", s.handleRejectSuggestion)
		r.Get("/emails/failed", s.handleFailedEmails)
		r.Post("/emails/{id}/reclassify", s.handleReclassify)
		r.Get("/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
	})
	return r
}

// ListenAndServe runs the API until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, host string, port int) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("review api listening", "addr", srv.Addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
