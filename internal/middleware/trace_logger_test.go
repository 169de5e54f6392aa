package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithTraceLoggerAssignsRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var seen string
	h := WithTraceLogger(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
		LoggerFromRequest(r, zap.NewNop()).Info("handled")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	if assert.Equal(t, 1, logs.Len()) {
		ctx := logs.All()[0].ContextMap()
		assert.Equal(t, seen, ctx["request_id"])
		assert.Equal(t, "/health", ctx["path"])
	}
}

func TestWithTraceLoggerKeepsCallerRequestID(t *testing.T) {
	h := WithTraceLogger(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 200))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, strings.Repeat("x", 200), rec.Header().Get(RequestIDHeader))
}

func TestLoggerFromContextFallback(t *testing.T) {
	fallback := zap.NewNop()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Same(t, fallback, LoggerFromRequest(req, fallback))
	assert.Empty(t, RequestID(req.Context()))
}
