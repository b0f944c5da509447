package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapTransportPropagatesTraceContext(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "edge-dispatcher-test", SampleRatio: 1})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var traceparent string
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer engine.Close()

	client := &http.Client{Transport: WrapTransport(http.DefaultTransport, tp)}
	resp, err := client.Get(engine.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotEmpty(t, traceparent, "trace context is injected into engine requests")
}

func TestWrapHandlerContinuesInboundTrace(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "edge-dispatcher-test", SampleRatio: 1})
	require.NoError(t, err)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var traceparent string
	engine := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer engine.Close()

	client := &http.Client{Transport: WrapTransport(http.DefaultTransport, tp)}
	front := WrapHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, engine.URL, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
		w.WriteHeader(resp.StatusCode)
	}), tp)

	const inboundTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	const inboundSpanID = "00f067aa0ba902b7"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Traceparent", "00-"+inboundTraceID+"-"+inboundSpanID+"-01")
	rec := httptest.NewRecorder()
	front.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	parts := strings.Split(traceparent, "-")
	require.Len(t, parts, 4)
	assert.Equal(t, inboundTraceID, parts[1], "engine request stays in the caller's trace")
	assert.NotEqual(t, inboundSpanID, parts[2])
}
