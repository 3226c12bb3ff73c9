// Package api exposes the operator HTTP interface for the pipeline service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boardscout/pipeline/internal/config"
	"github.com/boardscout/pipeline/internal/metrics"
	"github.com/boardscout/pipeline/internal/scrape"
)

// Invalidator drops a cached rate-limit config so store mutations take
// effect before the TTL expires.
type Invalidator interface {
	Invalidate(source, scope string)
}

// Server wires the operator endpoints to the state store and limiter.
type Server struct {
	router      chi.Router
	store       scrape.StateStore
	invalidator Invalidator
	clock       scrape.Clock
	cfg         config.Config
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store scrape.StateStore,
	invalidator Invalidator,
	clock scrape.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:       store,
		invalidator: invalidator,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/ratelimits", func(r chi.Router) {
			r.Get("/", s.listRateLimits)
			r.Put("/{source}", s.setRateLimit)
			r.Post("/{source}/throttle", s.setThrottle)
			r.Delete("/{source}/throttle", s.clearThrottle)
		})
		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", s.listDeadLetters)
			r.Post("/{id}/resolve", s.resolveDeadLetter)
		})
		r.Get("/stats", s.stats)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The state store is the only hard dependency of the operator API.
	if _, err := s.store.ListRateLimits(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "state store unavailable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

func (s *Server) listRateLimits(w http.ResponseWriter, r *http.Request) {
	limits, err := s.store.ListRateLimits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rate limits", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ratelimits": limits}, s.logger)
}

type rateLimitRequest struct {
	Scope             string  `json:"scope"`
	RequestsPerSecond float64 `json:"requests_per_second"`
}

func (s *Server) setRateLimit(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	var req rateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	if req.Scope == "" || req.RequestsPerSecond <= 0 {
		writeError(w, http.StatusBadRequest, "scope and a positive requests_per_second are required", s.logger)
		return
	}
	if err := s.store.SetRateLimitCeiling(r.Context(), source, req.Scope, req.RequestsPerSecond); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set rate limit", s.logger)
		return
	}
	s.invalidate(source, req.Scope)
	writeJSON(w, http.StatusOK, map[string]any{
		"source":              source,
		"scope":               req.Scope,
		"requests_per_second": req.RequestsPerSecond,
	}, s.logger)
}

type throttleRequest struct {
	Scope           string `json:"scope"`
	DurationSeconds int    `json:"duration_seconds"`
	Reason          string `json:"reason"`
}

func (s *Server) setThrottle(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	var req throttleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	if req.Scope == "" || req.DurationSeconds <= 0 {
		writeError(w, http.StatusBadRequest, "scope and a positive duration_seconds are required", s.logger)
		return
	}
	until := s.clock.Now().Add(time.Duration(req.DurationSeconds) * time.Second)
	if err := s.store.SetThrottle(r.Context(), source, req.Scope, until, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to set throttle", s.logger)
		return
	}
	s.invalidate(source, req.Scope)
	writeJSON(w, http.StatusOK, map[string]any{
		"source": source,
		"scope":  req.Scope,
		"until":  until,
		"reason": req.Reason,
	}, s.logger)
}

func (s *Server) clearThrottle(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		writeError(w, http.StatusBadRequest, "scope query parameter is required", s.logger)
		return
	}
	if err := s.store.ClearThrottle(r.Context(), source, scope); err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusNotFound, "rate limit not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to clear throttle", s.logger)
		return
	}
	s.invalidate(source, scope)
	writeJSON(w, http.StatusOK, map[string]string{"source": source, "scope": scope, "throttled": "false"}, s.logger)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	onlyUnresolved := r.URL.Query().Get("unresolved") == "true"
	entries, err := s.store.ListDeadLetters(r.Context(), onlyUnresolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deadletters": entries}, s.logger)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) resolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}
	if err := s.store.ResolveDeadLetter(r.Context(), id, req.Notes); err != nil {
		if errors.Is(err, scrape.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dead letter not found", s.logger)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve dead letter", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "resolved": "true"}, s.logger)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentLog(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read processing log", s.logger)
		return
	}
	limits, err := s.store.ListRateLimits(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list rate limits", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recent":     entries,
		"ratelimits": limits,
	}, s.logger)
}

func (s *Server) invalidate(source, scope string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(source, scope)
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error", logger)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized", zap.NewNop())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
