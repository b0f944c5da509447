package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/firebuzz-ai/edge-dispatcher/internal/metrics"
	"github.com/firebuzz-ai/edge-dispatcher/internal/routing"
)

// StatusClientClosedRequest is recorded when the caller went away before a response.
const StatusClientClosedRequest = 499

// IDGenerator produces request IDs for log correlation.
type IDGenerator interface {
	NewID() (string, error)
}

type stateKey struct{}

// requestState travels from ServeHTTP to the proxy hooks.
type requestState struct {
	decision Decision
	logger   *zap.Logger
	start    time.Time
}

// Handler is the catch-all http.Handler of the dispatcher.
type Handler struct {
	router *Router
	proxy  *httputil.ReverseProxy
	cfg    Config
	ids    IDGenerator
	logger *zap.Logger
}

// New assembles the handler. transport carries every engine request.
func New(router *Router, transport http.RoundTripper, cfg Config, ids IDGenerator, logger *zap.Logger) (*Handler, error) {
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("forward.timeout must not be negative")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	h := &Handler{
		router: router,
		cfg:    cfg,
		ids:    ids,
		logger: logger,
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite:        h.rewrite,
		Transport:      transport,
		FlushInterval:  cfg.FlushInterval,
		ErrorHandler:   h.handleForwardError,
		ModifyResponse: h.observeResponse,
		ErrorLog:       zap.NewStdLog(logger.Named("reverseproxy")),
	}
	return h, nil
}

// ServeHTTP classifies, forwards and relays one request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	logger := h.logger.With(
		zap.String("request_id", h.requestID(r)),
		zap.String("host", r.Host),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	)
	var decision Decision
	defer func() { h.finish(logger, decision, rec, start) }()
	defer h.recoverPanic(logger, rec)

	decision, err := h.router.Decide(r.Context(), r.Host)
	if err != nil {
		h.writeDecisionError(rec, r, logger, err)
		return
	}

	ctx := r.Context()
	if h.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.Timeout)
		defer cancel()
	}
	ctx = context.WithValue(ctx, stateKey{}, &requestState{decision: decision, logger: logger, start: time.Now()})
	h.proxy.ServeHTTP(rec, r.WithContext(ctx))
}

func (h *Handler) writeDecisionError(w *statusRecorder, r *http.Request, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, ErrMissingHost):
		http.Error(w, "missing host", http.StatusBadRequest)
	case errors.Is(err, routing.ErrNotFound):
		http.Error(w, "unrecognized domain", http.StatusNotFound)
	case r.Context().Err() != nil:
		logger.Debug("client went away during domain lookup", zap.Error(err))
		w.status = StatusClientClosedRequest
	default:
		logger.Error("domain lookup failed", zap.Error(err))
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}
}

func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	state := stateFrom(pr.In.Context())
	pr.SetURL(state.decision.Engine)
	// ReverseProxy strips the forwarding headers from Out before Rewrite runs.
	restoreHeader(pr, "Forwarded")
	if h.cfg.SetXForwarded {
		pr.SetXForwarded()
	} else {
		restoreHeader(pr, "X-Forwarded-For")
		restoreHeader(pr, "X-Forwarded-Host")
		restoreHeader(pr, "X-Forwarded-Proto")
	}
	overlayTrustHeaders(pr.Out.Header, state.decision.TrustHeaders())
	if pr.Out.Method == http.MethodGet || pr.Out.Method == http.MethodHead {
		pr.Out.Body = nil
		pr.Out.GetBody = nil
		pr.Out.ContentLength = 0
	}
}

func restoreHeader(pr *httputil.ProxyRequest, name string) {
	if values := pr.In.Header.Values(name); len(values) > 0 {
		pr.Out.Header[name] = append([]string(nil), values...)
	}
}

func (h *Handler) observeResponse(resp *http.Response) error {
	state := stateFrom(resp.Request.Context())
	metrics.ObserveForward(string(state.decision.Environment), time.Since(state.start))
	return nil
}

func (h *Handler) handleForwardError(w http.ResponseWriter, r *http.Request, err error) {
	state := stateFrom(r.Context())
	logger := state.logger.With(
		zap.String("engine", state.decision.Engine.Host),
		zap.String("environment", string(state.decision.Environment)),
	)

	var netErr net.Error
	var opErr *net.OpError
	ctxErr := r.Context().Err()
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		logger.Error("engine timed out", zap.Error(err))
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	case ctxErr != nil, errors.Is(err, context.Canceled):
		logger.Debug("client cancelled forwarded request", zap.Error(err))
		if rec, ok := w.(*statusRecorder); ok {
			rec.status = StatusClientClosedRequest
		}
	case errors.As(err, &opErr) && opErr.Op == "dial":
		logger.Error("engine unreachable", zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Error("engine timed out", zap.Error(err))
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	default:
		logger.Error("forward to engine failed", zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
}

func (h *Handler) recoverPanic(logger *zap.Logger, rec *statusRecorder) {
	p := recover()
	if p == nil {
		return
	}
	if p == http.ErrAbortHandler {
		// The proxy aborts this way when the client connection breaks mid-body.
		rec.status = StatusClientClosedRequest
		panic(p)
	}
	logger.Error("panic while dispatching", zap.Any("panic", p), zap.Stack("stack"))
	if !rec.wroteHeader {
		http.Error(rec, "internal server error", http.StatusInternalServerError)
	} else {
		rec.status = http.StatusInternalServerError
	}
}

func (h *Handler) finish(logger *zap.Logger, decision Decision, rec *statusRecorder, start time.Time) {
	duration := time.Since(start)
	route := string(decision.Route)
	if route == "" {
		route = "none"
	}
	metrics.ObserveDispatch(route, string(decision.Environment), rec.status)

	level := zapcore.InfoLevel
	if rec.status == http.StatusNotFound || rec.status == StatusClientClosedRequest {
		level = zapcore.DebugLevel
	}
	if ce := logger.Check(level, "request dispatched"); ce != nil {
		ce.Write(
			zap.String("route", route),
			zap.String("environment", string(decision.Environment)),
			zap.Bool("fallback", decision.Fallback),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration),
		)
	}
}

func (h *Handler) requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-Id"); id != "" {
		return id
	}
	if h.ids == nil {
		return ""
	}
	id, err := h.ids.NewID()
	if err != nil {
		h.logger.Warn("generate request id", zap.Error(err))
		return ""
	}
	return id
}

func stateFrom(ctx context.Context) *requestState {
	state, _ := ctx.Value(stateKey{}).(*requestState)
	if state == nil {
		// Only reachable if the proxy is invoked outside ServeHTTP.
		panic("dispatcher: request state missing from context")
	}
	return state
}

// statusRecorder captures the status code for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader && code >= http.StatusOK {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	return rw.ResponseWriter.Write(b) //nolint:wrapcheck
}

// Flush flushes buffered data to the client if supported.
func (rw *statusRecorder) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
