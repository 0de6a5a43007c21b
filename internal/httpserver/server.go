package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blackmichael/adgate/internal/config"
	"github.com/blackmichael/adgate/internal/domain"
	"github.com/blackmichael/adgate/internal/logger"
	"github.com/blackmichael/adgate/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Engine is the moderation surface exposed over HTTP.
type Engine interface {
	Evaluate(ctx context.Context, listingID string) (*domain.Decision, error)
	Resubmit(ctx context.Context, edit domain.ListingEdit) (*domain.Decision, error)
	Override(ctx context.Context, a domain.ManualAction) (*domain.Decision, error)
	ResetAttempts(ctx context.Context, listingID, moderator string) (int64, error)
	History(ctx context.Context, listingID string) (*domain.AttemptHistory, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Engine Engine

	// Metrics, when set, records request durations and serves /metrics.
	Metrics *metrics.Recorder

	// Checks are run by /health, keyed by dependency name.
	Checks map[string]HealthCheck
}

// Server is the HTTP server for moderation and admin endpoints.
type Server struct {
	engine     Engine
	metrics    *metrics.Recorder
	checks     map[string]HealthCheck
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps, log *zap.Logger) *Server {
	s := &Server{
		engine:  deps.Engine,
		metrics: deps.Metrics,
		checks:  deps.Checks,
		logger:  log.With(zap.String("module", "http")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /listings/{id}/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /listings/{id}/resubmit", s.handleResubmit)
	mux.HandleFunc("POST /listings/{id}/moderation", s.handleModeration)
	mux.HandleFunc("GET /listings/{id}/attempts", s.handleAttempts)
	mux.HandleFunc("POST /listings/{id}/attempts/reset", s.handleResetAttempts)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Evaluations wait on the screener, which may take its full timeout.
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ScreenerTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		logger.FromContext(r.Context(), s.logger).Warn("health check failed", zap.Any("checks", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "checks": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Evaluate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, "evaluate", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type resubmitRequest struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Price       float64           `json:"price"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

func (s *Server) handleResubmit(w http.ResponseWriter, r *http.Request) {
	var req resubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.engine.Resubmit(r.Context(), domain.ListingEdit{
		ListingID:   r.PathValue("id"),
		Title:       req.Title,
		Description: req.Description,
		Price:       req.Price,
		Attributes:  req.Attributes,
	})
	if err != nil {
		s.writeEngineError(w, r, "resubmit", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type moderationRequest struct {
	Moderator string `json:"moderator"`
	Action    string `json:"action"`
	Reason    string `json:"reason,omitempty"`
}

// actionAliases lets callers use verbs instead of recorded action names.
var actionAliases = map[string]domain.Action{
	"approve":  domain.ActionManuallyApproved,
	"reject":   domain.ActionRejected,
	"block":    domain.ActionBlocked,
	"activate": domain.ActionActivated,
}

func (s *Server) handleModeration(w http.ResponseWriter, r *http.Request) {
	var req moderationRequest
	if !s.decode(w, r, &req) {
		return
	}
	action, ok := actionAliases[req.Action]
	if !ok {
		action = domain.Action(req.Action)
	}
	d, err := s.engine.Override(r.Context(), domain.ManualAction{
		ListingID: r.PathValue("id"),
		Moderator: req.Moderator,
		Action:    action,
		Reason:    req.Reason,
	})
	if err != nil {
		s.writeEngineError(w, r, "moderation", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	h, err := s.engine.History(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, "attempts", err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

type resetRequest struct {
	Moderator string `json:"moderator"`
}

func (s *Server) handleResetAttempts(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	n, err := s.engine.ResetAttempts(r.Context(), id, req.Moderator)
	if err != nil {
		s.writeEngineError(w, r, "reset attempts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listing_id": id, "archived": n})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		logger.FromContext(r.Context(), s.logger).Warn("invalid request body", zap.Error(err))
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid request body")
		return false
	}
	return true
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	log := logger.FromContext(r.Context(), s.logger).With(
		zap.String("op", op),
		zap.String("listing_id", r.PathValue("id")),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, domain.ErrListingNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "listing not found")
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrInvalidTransition):
		log.Info("request conflicts with listing state")
		writeError(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, domain.ErrInvalidAction):
		writeError(w, http.StatusUnprocessableEntity, "InvalidAction", err.Error())
	case errors.Is(err, domain.ErrQuotaCheckFailed), errors.Is(err, domain.ErrScreenerUnavailable):
		log.Error("dependency unavailable")
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "dependency unavailable, retry later")
	default:
		log.Error("request failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		reqLogger := s.logger.With(zap.String("request_id", requestID))
		r = r.WithContext(logger.WithContext(r.Context(), reqLogger))

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, wrapped.status, duration)
		}
		reqLogger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.status),
			zap.Duration("duration", duration),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
