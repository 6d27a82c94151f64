package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/controller"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
)

const defaultRequestTimeout = 10 * time.Second

// LaneSource lists the lanes currently running.
type LaneSource interface {
	Lanes() []controller.Progress
}

// SnapshotSource returns the last published snapshot, or nil.
type SnapshotSource interface {
	Latest() *crawler.Snapshot
}

// ReadinessCheck reports whether downstream stores are reachable.
type ReadinessCheck func(ctx context.Context) error

// Deps are the read-only views the server exposes. Nil members disable their routes.
type Deps struct {
	Lanes       LaneSource
	Snapshots   SnapshotSource
	Checkpoints crawler.CheckpointStore
	Ready       ReadinessCheck
	Logger      *zap.Logger
}

// Config controls request handling.
type Config struct {
	// APIKey protects /v1 routes when set.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the running crawl.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Get("/lanes", s.listLanes)
		r.Get("/lanes/{lane}", s.getLane)
		r.Get("/checkpoints/{lane}", s.getCheckpoint)
		r.Get("/summary", s.summary)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listLanes(w http.ResponseWriter, _ *http.Request) {
	lanes := []controller.Progress{}
	if s.deps.Lanes != nil {
		lanes = append(lanes, s.deps.Lanes.Lanes()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"lanes": lanes})
}

func (s *Server) getLane(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "lane")
	if s.deps.Lanes != nil {
		for _, p := range s.deps.Lanes.Lanes() {
			if p.Lane == name {
				writeJSON(w, http.StatusOK, p)
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "lane not running")
}

func (s *Server) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	name := chi.URLParam(r, "lane")
	cp, err := s.deps.Checkpoints.Load(r.Context(), name)
	if err != nil {
		s.logger.Error("load checkpoint failed", zap.String("lane", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load checkpoint")
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "no checkpoint for lane")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

type summaryDTO struct {
	LastUpdate   time.Time   `json:"lastUpdate"`
	TotalCount   int         `json:"totalCount"`
	PeriodCounts map[int]int `json:"periodCounts"`
}

func (s *Server) summary(w http.ResponseWriter, _ *http.Request) {
	var snap *crawler.Snapshot
	if s.deps.Snapshots != nil {
		snap = s.deps.Snapshots.Latest()
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, "no snapshot published by this process")
		return
	}
	writeJSON(w, http.StatusOK, summaryDTO{
		LastUpdate:   snap.LastUpdate,
		TotalCount:   snap.TotalCount,
		PeriodCounts: snap.PeriodCounts,
	})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
