package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/config"
	"github.com/patrickwarner/chatads/internal/embedding"
	"github.com/patrickwarner/chatads/internal/geoip"
	"github.com/patrickwarner/chatads/internal/logic/ratelimit"
	"github.com/patrickwarner/chatads/internal/macros"
	"github.com/patrickwarner/chatads/internal/middleware"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/observability"
	"github.com/patrickwarner/chatads/internal/serving"
)

var tracer = otel.Tracer("chatads/api")

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger      *zap.Logger
	Engine      *serving.Orchestrator
	Store       models.Store
	Creators    *models.CreatorCatalog
	GeoIP       *geoip.GeoIP
	// Embedder is probed by /health when the provider supports it.
	Embedder    embedding.Provider
	// Macros expands placeholders in target URLs on click; nil disables it.
	Macros      *macros.Expander
	RateLimiter *ratelimit.CreatorLimiter
	DebugTrace  bool
	TokenSecret []byte
	TokenTTL    time.Duration
	Metrics     observability.MetricsRegistry
	reloadMu    sync.Mutex
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, engine *serving.Orchestrator, store models.Store, creators *models.CreatorCatalog, geo *geoip.GeoIP, limiter *ratelimit.CreatorLimiter, metrics observability.MetricsRegistry, cfg config.Config) *Server {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	if limiter == nil {
		limiter = ratelimit.NewCreatorLimiter(ratelimit.Config{}, metrics)
	}
	return &Server{
		Logger:      logger,
		Engine:      engine,
		Store:       store,
		Creators:    creators,
		GeoIP:       geo,
		RateLimiter: limiter,
		DebugTrace:  cfg.DebugTrace,
		TokenSecret: []byte(cfg.TokenSecret),
		TokenTTL:    cfg.TokenTTL,
		Metrics:     metrics,
	}
}

// Routes returns the HTTP handler serving every endpoint.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/serve", s.ServeHandler).Methods("POST")
	v1.HandleFunc("/impressions", s.ImpressionHandler).Methods("POST")
	v1.HandleFunc("/events", s.EventHandler).Methods("POST")

	r.HandleFunc("/click", s.ClickHandler).Methods("GET")
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "chatads")
}

// Reload refreshes creators and their settings from the store.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.Store == nil || s.Creators == nil {
		return fmt.Errorf("store unavailable")
	}
	creators, err := s.Store.ListCreators(ctx)
	if err != nil {
		return fmt.Errorf("load creators: %w", err)
	}
	s.Creators.ReloadAll(creators)
	return nil
}

// authenticate resolves the X-API-Key header to a creator.
func (s *Server) authenticate(r *http.Request) *models.Creator {
	if s.Creators == nil {
		return nil
	}
	return s.Creators.GetByAPIKey(r.Header.Get("X-API-Key"))
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// writeError maps an engine error to a status code and writes it. Tracking
// endpoints surface upstream failures as 503 so callers retry; serving has
// already degraded by the time an error reaches here.
func writeError(w http.ResponseWriter, err error) int {
	status := http.StatusInternalServerError
	body := errorBody{Error: "internal error"}
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body = errorBody{Error: verr.Msg, Field: verr.Field}
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
		body.Error = err.Error()
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
		body.Error = "not found"
	case errors.Is(err, models.ErrAuthorizationDenied):
		status = http.StatusForbidden
		body.Error = "forbidden"
	case errors.Is(err, models.ErrUpstreamUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
		body.Error = "temporarily unavailable"
	}
	writeJSON(w, status, body)
	return status
}
