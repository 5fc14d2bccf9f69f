// Package api exposes the HTTP interface for the effectiveness engine.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/steveohanians/pulsedashboard-sub001/internal/config"
	"github.com/steveohanians/pulsedashboard-sub001/internal/metrics"
	"github.com/steveohanians/pulsedashboard-sub001/internal/orchestrator"
	"github.com/steveohanians/pulsedashboard-sub001/internal/progress"
	"github.com/steveohanians/pulsedashboard-sub001/internal/store"
)

const handlerTimeout = 60 * time.Second

// Analyses is the orchestrator surface the handlers consume.
type Analyses interface {
	StartAnalysis(ctx context.Context, clientID uuid.UUID, force bool) (uuid.UUID, error)
	GetProgress(ctx context.Context, runID uuid.UUID) (progress.Record, error)
	GetLatestResults(ctx context.Context, clientID uuid.UUID) (orchestrator.ResultSet, error)
}

// Server wires HTTP handlers to the orchestrator and the progress registry.
type Server struct {
	router   chi.Router
	analyses Analyses
	registry *progress.Registry
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(analyses Analyses, registry *progress.Registry, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		analyses: analyses,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The stream stays outside the timeout wrapper; SSE connections are
		// long-lived by design.
		r.Get("/stream/{client_id}", s.streamProgress)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(handlerTimeout))
			r.Post("/refresh/{client_id}", s.refresh)
			r.Get("/latest/{client_id}", s.latest)
			r.Get("/progress/{run_id}", s.runProgress)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// refresh handles POST /api/v1/refresh/{client_id}?force=true. Processing is
// asynchronous; the response carries the run id to watch.
func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "client_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	runID, err := s.analyses.StartAnalysis(r.Context(), clientID, force)
	if err != nil {
		if errors.Is(err, orchestrator.ErrUnknownClient) {
			writeError(w, http.StatusNotFound, "client not found")
			return
		}
		s.logger.Error("start analysis failed", zap.String("client_id", clientID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start analysis")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID.String()})
}

// latest handles GET /api/v1/latest/{client_id}.
func (s *Server) latest(w http.ResponseWriter, r *http.Request) {
	clientID, err := uuid.Parse(chi.URLParam(r, "client_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid client id")
		return
	}

	results, err := s.analyses.GetLatestResults(r.Context(), clientID)
	if err != nil {
		s.logger.Error("latest results failed", zap.String("client_id", clientID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	writeJSON(w, http.StatusOK, toResultsDTO(results))
}

// runProgress handles GET /api/v1/progress/{run_id}.
func (s *Server) runProgress(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	rec, err := s.analyses.GetProgress(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("progress lookup failed", zap.String("run_id", runID.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	writeJSON(w, http.StatusOK, toProgressDTO(rec))
}
