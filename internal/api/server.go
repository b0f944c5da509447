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

	"github.com/firebuzz-ai/edge-dispatcher/internal/dispatcher"
	"github.com/firebuzz-ai/edge-dispatcher/internal/metrics"
	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

const readyTimeout = 2 * time.Second

// Cache is the subset of the domain cache exposed to operators.
type Cache interface {
	Invalidate(hostname string)
	Purge()
}

// Server wires admin handlers to the router and the domain store.
type Server struct {
	router   chi.Router
	dispatch *dispatcher.Router
	store    routing.Pinger
	cache    Cache
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. store and cache may be nil.
func NewServer(dispatch *dispatcher.Router, store routing.Pinger, cache Cache, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		dispatch: dispatch,
		store:    store,
		cache:    cache,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/resolve/{hostname}", s.resolve)
		r.Route("/cache", func(r chi.Router) {
			r.Post("/purge", s.purgeCache)
			r.Delete("/{hostname}", s.invalidateCache)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "domain store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type resolveResponse struct {
	Hostname    string                `json:"hostname"`
	Route       dispatcher.Route      `json:"route"`
	Environment routing.Environment   `json:"environment"`
	Engine      string                `json:"engine"`
	Fallback    bool                  `json:"fallback"`
	Domain      *routing.DomainConfig `json:"domain,omitempty"`
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	decision, err := s.dispatch.Decide(r.Context(), chi.URLParam(r, "hostname"))
	switch {
	case errors.Is(err, dispatcher.ErrMissingHost):
		writeError(w, http.StatusBadRequest, "missing host")
		return
	case errors.Is(err, routing.ErrNotFound):
		writeError(w, http.StatusNotFound, "unrecognized domain")
		return
	case err != nil:
		s.logger.Error("resolve failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "domain store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		Hostname:    decision.Hostname,
		Route:       decision.Route,
		Environment: decision.Environment,
		Engine:      decision.Engine.String(),
		Fallback:    decision.Fallback,
		Domain:      decision.Domain,
	})
}

func (s *Server) invalidateCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotImplemented, "cache disabled")
		return
	}
	host := routing.NormalizeHost(chi.URLParam(r, "hostname"))
	if host == "" {
		writeError(w, http.StatusBadRequest, "missing host")
		return
	}
	s.cache.Invalidate(host)
	writeJSON(w, http.StatusOK, map[string]string{"hostname": host, "status": "invalidated"})
}

func (s *Server) purgeCache(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusNotImplemented, "cache disabled")
		return
	}
	s.cache.Purge()
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
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
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("admin request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
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
					writeError(w, http.StatusInternalServerError, "internal server error")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
