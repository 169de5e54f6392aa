package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Impression is the ledger row for a single ad shown in a session. It is
// created exactly once per serving decision and its billing fields are set
// at most once.
type Impression struct {
	ID             string  `json:"id"`
	AdID           string  `json:"ad_id"`
	SessionID      string  `json:"session_id"`
	CreatorID      string  `json:"creator_id"`
	ImpressionType AdType  `json:"impression_type"`
	Placement      string  `json:"placement"`
	Similarity     float64 `json:"similarity"`
	// RevenueAmount is what the advertiser was charged for this impression.
	RevenueAmount decimal.Decimal `json:"revenue_amount"`
	// CreatorPayoutAmount is the creator's share of RevenueAmount.
	CreatorPayoutAmount decimal.Decimal `json:"creator_payout_amount"`
	CreatedAt           time.Time       `json:"created_at"`
	Billed              bool            `json:"billed"`
	BilledAt            *time.Time      `json:"billed_at,omitempty"`
}

// EventType is a post-serve tracking event.
type EventType string

const (
	EventClick      EventType = "click"
	EventView       EventType = "view"
	EventConversion EventType = "conversion"
)

// Valid reports whether e is a known event type.
func (e EventType) Valid() bool {
	return e == EventClick || e == EventView || e == EventConversion
}

// ClickMetadata is free-form context captured with a click.
type ClickMetadata struct {
	SubID      string `json:"sub_id,omitempty"`
	Referer    string `json:"referer,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Click records a click on an impression. At most one click per impression
// is ever billed.
type Click struct {
	ID           string        `json:"id"`
	ImpressionID string        `json:"impression_id"`
	CreatedAt    time.Time     `json:"created_at"`
	BilledAt     *time.Time    `json:"billed_at,omitempty"`
	Metadata     ClickMetadata `json:"metadata"`
}
