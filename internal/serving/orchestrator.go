// Package serving composes embedding, search, selection, pacing, the
// impression ledger and billing into the three engine operations: Serve,
// RecordImpression and TrackEvent.
package serving

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/analytics"
	"github.com/patrickwarner/chatads/internal/billing"
	"github.com/patrickwarner/chatads/internal/db"
	"github.com/patrickwarner/chatads/internal/embedding"
	"github.com/patrickwarner/chatads/internal/ledger"
	"github.com/patrickwarner/chatads/internal/logic"
	"github.com/patrickwarner/chatads/internal/logic/search"
	"github.com/patrickwarner/chatads/internal/logic/selection"
	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/observability"
)

var tracer = otel.Tracer("chatads/serving")

// MaxQueries bounds how many query strings one serve may embed.
const MaxQueries = 3

// CreatorSource resolves creators and their settings. *models.CreatorCatalog
// satisfies it.
type CreatorSource interface {
	Get(id string) *models.Creator
}

// Options are the engine-wide serving defaults.
type Options struct {
	DefaultThreshold float64
	DefaultLimit     int
	MaxLimit         int
	// CreatorDefaults fill settings a creator left unset.
	CreatorDefaults models.CreatorSettings
	FrequencyWindow time.Duration
	TokenSecret     []byte
	// PublicBaseURL prefixes the click-tracking links handed to clients.
	PublicBaseURL string
}

// Deps are the collaborators an Orchestrator drives. Redis and Analytics may
// be nil; the frequency cap and analytics events are then skipped.
type Deps struct {
	Store     models.Store
	Creators  CreatorSource
	Embedder  embedding.Provider
	Ledger    *ledger.Ledger
	Billing   *billing.Service
	Pacing    *logic.PacingController
	Redis     *db.RedisStore
	Analytics analytics.Sink
	Logger    *zap.Logger
	Metrics   observability.MetricsRegistry
}

// Orchestrator runs serve and tracking requests.
type Orchestrator struct {
	store     models.Store
	creators  CreatorSource
	embedder  embedding.Provider
	search    *search.Engine
	policy    *selection.Policy
	pacing    *logic.PacingController
	ledger    *ledger.Ledger
	billing   *billing.Service
	redis     *db.RedisStore
	analytics analytics.Sink
	logger    *zap.Logger
	metrics   observability.MetricsRegistry
	opts      Options
	newID     func() string
}

// New wires an Orchestrator. Missing optional collaborators get working
// defaults over d.Store.
func New(d Deps, opts Options) *Orchestrator {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = observability.NewNoOpRegistry()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.New(d.Store)
	}
	if d.Pacing == nil {
		d.Pacing = logic.NewPacingController(d.Store)
	}
	if d.Billing == nil {
		d.Billing = billing.NewService(d.Store, d.Ledger, billing.Config{RevenueShare: 0.70, MaxRetries: 3}, d.Logger, d.Metrics)
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 3
	}
	if opts.MaxLimit < opts.DefaultLimit {
		opts.MaxLimit = opts.DefaultLimit
	}
	if opts.FrequencyWindow <= 0 {
		opts.FrequencyWindow = logic.DefaultFrequencyWindow
	}
	return &Orchestrator{
		store:     d.Store,
		creators:  d.Creators,
		embedder:  d.Embedder,
		search:    search.NewEngine(d.Store),
		policy:    selection.NewPolicy(d.Store),
		pacing:    d.Pacing,
		ledger:    d.Ledger,
		billing:   d.Billing,
		redis:     d.Redis,
		analytics: d.Analytics,
		logger:    d.Logger,
		metrics:   d.Metrics,
		opts:      opts,
		newID:     uuid.NewString,
	}
}

// Billing exposes the billing service for budget lookups.
func (o *Orchestrator) Billing() *billing.Service {
	return o.billing
}

// settingsFor returns the effective settings of a creator.
func (o *Orchestrator) settingsFor(creatorID string) (models.CreatorSettings, error) {
	if o.creators == nil {
		return models.CreatorSettings{}.WithDefaults(o.opts.CreatorDefaults), nil
	}
	c := o.creators.Get(creatorID)
	if c == nil {
		return models.CreatorSettings{}, fmt.Errorf("creator %s: %w", creatorID, models.ErrNotFound)
	}
	return c.Settings.WithDefaults(o.opts.CreatorDefaults), nil
}

// emit writes an analytics event. Analytics never fails the caller.
func (o *Orchestrator) emit(ctx context.Context, ev analytics.Event) {
	if o.analytics == nil {
		return
	}
	if err := o.analytics.Record(ctx, ev); err != nil {
		if errors.Is(err, analytics.ErrUnavailable) {
			return
		}
		o.logger.Warn("analytics record", zap.Error(err), zap.String("event_type", ev.EventType))
		return
	}
	o.metrics.IncrementEvent(ev.EventType)
}
