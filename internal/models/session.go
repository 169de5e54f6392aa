package models

import "time"

// Creator is a chat host (an app or bot builder) that shows ads inside its
// chat sessions and receives a share of the revenue.
type Creator struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	APIKey   string          `json:"-"`
	Settings CreatorSettings `json:"settings"`
}

// CreatorSettings are the per-creator knobs that shape ad serving.
type CreatorSettings struct {
	// AdFrequency caps how many ads one session may receive within the
	// frequency window. Zero disables the cap.
	AdFrequency int `json:"ad_frequency"`
	// RevenueVsRelevance blends bid into ranking: 0 ranks purely on
	// similarity, 1 purely on normalized bid.
	RevenueVsRelevance float64 `json:"revenue_vs_relevance"`
	// MinSecondsBetweenDisplayAds is the per-session cooldown between two
	// display-class ads.
	MinSecondsBetweenDisplayAds int `json:"min_seconds_between_display_ads"`
	// DisplayAdSimilarityThreshold is the minimum similarity a display ad
	// must reach before pacing will let it through. Nil means unset; an
	// explicit 0 is a valid floor.
	DisplayAdSimilarityThreshold *float64 `json:"display_ad_similarity_threshold,omitempty"`
	// MaxAdsPerCampaign limits how many ads of one campaign a single serve
	// may return.
	MaxAdsPerCampaign int `json:"max_ads_per_campaign"`
}

// Default creator settings used when a creator leaves a value unset.
const (
	DefaultMinSecondsBetweenDisplayAds  = 30
	DefaultDisplayAdSimilarityThreshold = 0.35
	DefaultMaxAdsPerCampaign            = 1
)

// WithDefaults fills zero-valued settings with the given fallbacks.
func (s CreatorSettings) WithDefaults(def CreatorSettings) CreatorSettings {
	if s.MinSecondsBetweenDisplayAds <= 0 {
		s.MinSecondsBetweenDisplayAds = def.MinSecondsBetweenDisplayAds
	}
	if s.DisplayAdSimilarityThreshold == nil && def.DisplayAdSimilarityThreshold != nil {
		v := *def.DisplayAdSimilarityThreshold
		s.DisplayAdSimilarityThreshold = &v
	}
	if s.MaxAdsPerCampaign <= 0 {
		s.MaxAdsPerCampaign = def.MaxAdsPerCampaign
	}
	if s.RevenueVsRelevance < 0 {
		s.RevenueVsRelevance = 0
	}
	if s.RevenueVsRelevance > 1 {
		s.RevenueVsRelevance = 1
	}
	return s
}

// DisplayThreshold returns the display similarity floor, 0 when unset.
func (s CreatorSettings) DisplayThreshold() float64 {
	if s.DisplayAdSimilarityThreshold == nil {
		return 0
	}
	return *s.DisplayAdSimilarityThreshold
}

// Threshold returns a pointer to v for CreatorSettings literals.
func Threshold(v float64) *float64 { return &v }

// DisplayCooldown returns the minimum gap between display ads.
func (s CreatorSettings) DisplayCooldown() time.Duration {
	return time.Duration(s.MinSecondsBetweenDisplayAds) * time.Second
}

// ChatSession is one conversation between an end user and a creator's
// assistant. LastDisplayAdAt is owned by the display pacing controller.
type ChatSession struct {
	ID              string     `json:"id"`
	CreatorID       string     `json:"creator_id"`
	StartedAt       time.Time  `json:"started_at"`
	LastDisplayAdAt *time.Time `json:"last_display_ad_at,omitempty"`
}
