package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CampaignStatus is the lifecycle state of an advertiser campaign.
type CampaignStatus string

const (
	CampaignStatusActive CampaignStatus = "active"
	CampaignStatusPaused CampaignStatus = "paused"
	// CampaignStatusExhausted is set by the budget tracker once spend
	// reaches the budget. Exhausted campaigns are excluded from selection.
	CampaignStatusExhausted CampaignStatus = "exhausted"
	CampaignStatusEnded     CampaignStatus = "ended"
)

// AdCampaign groups ads under a single advertiser budget. SpentAmount is
// only ever mutated by the budget tracking service inside a transaction and
// always satisfies 0 <= SpentAmount <= BudgetAmount.
type AdCampaign struct {
	ID           string          `json:"id"`
	AdvertiserID string          `json:"advertiser_id"`
	Name         string          `json:"name"`
	BudgetAmount decimal.Decimal `json:"budget_amount"`
	SpentAmount  decimal.Decimal `json:"spent_amount"`
	Currency     string          `json:"currency"`
	StartDate    *time.Time      `json:"start_date,omitempty"` // nil means no lower bound
	EndDate      *time.Time      `json:"end_date,omitempty"`   // nil means no upper bound
	Status       CampaignStatus  `json:"status"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
}

// Remaining returns the unspent budget, never negative.
func (c AdCampaign) Remaining() decimal.Decimal {
	r := c.BudgetAmount.Sub(c.SpentAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// InFlight reports whether now falls inside the campaign's date range.
func (c AdCampaign) InFlight(now time.Time) bool {
	if c.StartDate != nil && now.Before(*c.StartDate) {
		return false
	}
	if c.EndDate != nil && now.After(*c.EndDate) {
		return false
	}
	return true
}

// Servable reports whether ads of this campaign may be selected at now.
// Any campaign that is not active, is deleted, is outside its flight dates
// or has no budget left is not servable.
func (c AdCampaign) Servable(now time.Time) bool {
	return c.Status == CampaignStatusActive &&
		c.DeletedAt == nil &&
		c.InFlight(now) &&
		c.Remaining().IsPositive()
}
