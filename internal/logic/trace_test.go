package logic

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/patrickwarner/chatads/internal/models"
)

func TestSelectionTrace(t *testing.T) {
	var nilTrace *SelectionTrace
	nilTrace.AddStep("ignored", nil)

	tr := &SelectionTrace{}
	tr.AddStep("search", []models.ScoredAd{
		{Ad: models.Ad{ID: "a1", CampaignID: "c1"}},
		{Ad: models.Ad{ID: "a2", CampaignID: "c1"}},
		{Ad: models.Ad{ID: "a3", CampaignID: "c2"}},
	})
	tr.AddStepWithDetails("pacing", nil, map[string]string{"reason": "cooling_down"})

	assert.Len(t, tr.Steps, 2)
	assert.Equal(t, []string{"a1", "a2", "a3"}, tr.Steps[0].AdIDs)
	assert.Equal(t, []string{"c1", "c2"}, tr.Steps[0].CampaignIDs)
	assert.Empty(t, tr.Steps[1].AdIDs)
	assert.Equal(t, "cooling_down", tr.Steps[1].Details["reason"])
}
