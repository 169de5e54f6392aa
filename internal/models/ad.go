package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AdType identifies how an ad is rendered inside a chat session.
type AdType string

// Supported ad types. Banner, popup and video are display-class ads and are
// subject to per-session display pacing; hyperlinks and thinking ads are
// rendered inline with the assistant's text and are never paced.
const (
	AdTypeHyperlink AdType = "hyperlink"
	AdTypeBanner    AdType = "banner"
	AdTypePopup     AdType = "popup"
	AdTypeVideo     AdType = "video"
	AdTypeThinking  AdType = "thinking"
)

// AdTypes lists every known ad type in a stable order.
var AdTypes = []AdType{AdTypeHyperlink, AdTypeBanner, AdTypePopup, AdTypeVideo, AdTypeThinking}

// Valid reports whether t is a known ad type.
func (t AdType) Valid() bool {
	for _, known := range AdTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsDisplay reports whether t is a display-class ad type.
func (t AdType) IsDisplay() bool {
	return t == AdTypeBanner || t == AdTypePopup || t == AdTypeVideo
}

// PricingModel defines what kind of event an ad is billed on.
type PricingModel string

const (
	// PricingCPC bills the full bid once per clicked impression.
	PricingCPC PricingModel = "cpc"
	// PricingCPM bills bid/1000 per viewed impression.
	PricingCPM PricingModel = "cpm"
)

// Valid reports whether p is a known pricing model.
func (p PricingModel) Valid() bool {
	return p == PricingCPC || p == PricingCPM
}

// AdStatus is the lifecycle state of a single ad.
type AdStatus string

const (
	AdStatusActive   AdStatus = "active"
	AdStatusPaused   AdStatus = "paused"
	AdStatusArchived AdStatus = "archived"
)

// Ad is a single advertiser creative that can be matched against chat
// content. Ads are created by advertiser tooling and are read-only to the
// serving engine apart from status checks.
type Ad struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"` // Owning AdCampaign.ID.
	Title      string `json:"title"`
	Content    string `json:"content"`
	// TargetURL is where a click on the ad finally lands. Served previews
	// point at the signed click-tracking URL instead.
	TargetURL    string          `json:"target_url"`
	AdType       AdType          `json:"ad_type"`
	Placement    string          `json:"placement"`
	PricingModel PricingModel    `json:"pricing_model"`
	BidAmount    decimal.Decimal `json:"bid_amount"` // CPC bid per click or CPM bid per thousand impressions.
	Currency     string          `json:"currency"`
	Status       AdStatus        `json:"status"`
	// Embedding is the vector representation of Title+Content used for
	// similarity search. It is refreshed by advertiser tooling.
	Embedding []float32 `json:"-"`
	// IsDemo marks sample ads that are only served when explicitly requested.
	IsDemo bool `json:"is_demo"`
	// AdSetID optionally places the ad in a creator-curated custom ad set.
	AdSetID   string     `json:"ad_set_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the ad has been soft-deleted.
func (a Ad) Deleted() bool {
	return a.DeletedAt != nil
}

// Servable reports whether the ad itself may be served. Campaign state is
// checked separately.
func (a Ad) Servable() bool {
	return a.Status == AdStatusActive && !a.Deleted()
}

// Charge returns the amount billed for a single billable event on this ad:
// bid/1000 for CPM and the full bid for CPC.
func (a Ad) Charge() decimal.Decimal {
	if a.PricingModel == PricingCPM {
		return a.BidAmount.Div(decimal.NewFromInt(1000))
	}
	return a.BidAmount
}

// AdPreview is the client-facing representation of a served ad. It is the
// only ad shape that leaves the engine.
type AdPreview struct {
	ID           string  `json:"id"`
	ImpressionID string  `json:"impression_id"` // Ledger row created for this serve.
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	ClickURL     string  `json:"click_url"`
	TargetURL    string  `json:"target_url"`
	AdType       AdType  `json:"ad_type"`
	Placement    string  `json:"placement"`
	Similarity   float64 `json:"similarity"`
}
