package logic

import "github.com/patrickwarner/chatads/internal/models"

// TraceStep records the candidate ads and their campaigns at one selection
// stage.
type TraceStep struct {
	Stage       string            `json:"stage"`
	AdIDs       []string          `json:"ad_ids"`
	CampaignIDs []string          `json:"campaign_ids"`
	Details     map[string]string `json:"details,omitempty"`
}

// SelectionTrace captures the ordered steps of one serve. A nil trace
// ignores every call so callers never need to check.
type SelectionTrace struct {
	Steps []TraceStep `json:"steps"`
}

// AddStep appends a trace entry for the given stage. Duplicate campaign IDs
// are removed.
func (t *SelectionTrace) AddStep(stage string, ads []models.ScoredAd) {
	t.AddStepWithDetails(stage, ads, nil)
}

// AddStepWithDetails appends a trace entry with extra key/value details.
func (t *SelectionTrace) AddStepWithDetails(stage string, ads []models.ScoredAd, details map[string]string) {
	if t == nil {
		return
	}
	step := TraceStep{Stage: stage, AdIDs: []string{}, CampaignIDs: []string{}, Details: details}
	seen := make(map[string]struct{})
	for _, c := range ads {
		step.AdIDs = append(step.AdIDs, c.Ad.ID)
		if _, ok := seen[c.Ad.CampaignID]; !ok {
			seen[c.Ad.CampaignID] = struct{}{}
			step.CampaignIDs = append(step.CampaignIDs, c.Ad.CampaignID)
		}
	}
	t.Steps = append(t.Steps, step)
}
