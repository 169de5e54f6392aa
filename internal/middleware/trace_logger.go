package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// RequestIDHeader carries the per-request id in both directions.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength bounds ids accepted from callers.
const maxRequestIDLength = 64

type loggerKey struct{}

type requestIDKey struct{}

// WithTraceLogger returns middleware that stores a request-scoped logger in
// the context. The logger carries the request id and path, plus trace and
// span ids when the request is traced.
func WithTraceLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(RequestIDHeader)
			if reqID == "" || len(reqID) > maxRequestIDLength {
				reqID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, reqID)

			fields := []zap.Field{
				zap.String("request_id", reqID),
				zap.String("path", r.URL.Path),
			}
			if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
				fields = append(fields,
					zap.String("trace_id", sc.TraceID().String()),
					zap.String("span_id", sc.SpanID().String()),
				)
			}
			ctx := context.WithValue(r.Context(), loggerKey{}, logger.With(fields...))
			ctx = context.WithValue(ctx, requestIDKey{}, reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestID returns the id assigned by WithTraceLogger, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LoggerFromContext retrieves the logger from context.
// If no logger is found, returns the fallback, annotated with the active
// span when there is one.
func LoggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok {
		return logger
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return fallback.With(
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return fallback
}

// LoggerFromRequest is a convenience function to get logger from HTTP request
func LoggerFromRequest(r *http.Request, fallback *zap.Logger) *zap.Logger {
	return LoggerFromContext(r.Context(), fallback)
}
