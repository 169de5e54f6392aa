package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// SearchQuery is a nearest-neighbour request against the ad embedding
// column. Zero values mean "no restriction".
type SearchQuery struct {
	Embedding     []float32
	AdType        AdType
	Placement     string
	AdSet         AdSetRef
	ExcludeIDs    []string
	IncludeDemo   bool
	MinSimilarity float64
	Limit         int
	Now           time.Time
}

// ScoredAd pairs an ad with its similarity to a query embedding.
type ScoredAd struct {
	Ad         Ad
	Similarity float64
}

// Store is the relational store the engine runs against. Reads outside a
// transaction see committed data only. Every mutation goes through WithTx.
type Store interface {
	GetAd(ctx context.Context, id string) (Ad, error)
	GetCampaign(ctx context.Context, id string) (AdCampaign, error)
	// GetCampaigns returns the campaigns that exist among ids, keyed by id.
	GetCampaigns(ctx context.Context, ids []string) (map[string]AdCampaign, error)
	GetSession(ctx context.Context, id string) (ChatSession, error)
	GetImpression(ctx context.Context, id string) (Impression, error)
	ListImpressionsBySession(ctx context.Context, sessionID string) ([]Impression, error)
	GetClick(ctx context.Context, id string) (Click, error)
	ListCreators(ctx context.Context) ([]Creator, error)
	// SearchAds returns servable ads scoring at least q.MinSimilarity,
	// best first.
	SearchAds(ctx context.Context, q SearchQuery) ([]ScoredAd, error)
	// WithTx runs fn in a single transaction. fn's writes commit together
	// when it returns nil and are discarded otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of row-locked operations available inside WithTx. Lock*
// methods hold the row until the transaction ends.
type Tx interface {
	LockSession(ctx context.Context, id string) (ChatSession, error)
	SetLastDisplayAdAt(ctx context.Context, sessionID string, at time.Time) error

	InsertImpression(ctx context.Context, imp Impression) error
	LockImpression(ctx context.Context, id string) (Impression, error)
	MarkImpressionBilled(ctx context.Context, id string, revenue, payout decimal.Decimal, at time.Time) error

	GetAd(ctx context.Context, id string) (Ad, error)
	LockCampaign(ctx context.Context, id string) (AdCampaign, error)
	UpdateCampaignSpend(ctx context.Context, id string, spent decimal.Decimal, status CampaignStatus) error

	InsertClick(ctx context.Context, c Click) error
	LockClick(ctx context.Context, id string) (Click, error)
	MarkClickBilled(ctx context.Context, id string, at time.Time) error
}
