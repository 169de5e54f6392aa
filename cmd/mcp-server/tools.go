package main

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/models"
	"github.com/patrickwarner/chatads/internal/serving"
)

// toolTimeout bounds a single tool call.
const toolTimeout = 10 * time.Second

type ServeAdsInput struct {
	SessionID           string   `json:"session_id"`
	Queries             []string `json:"queries"`
	AdType              string   `json:"ad_type,omitempty"`
	Placement           string   `json:"placement,omitempty"`
	Limit               int      `json:"limit,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	SubID               string   `json:"sub_id,omitempty"`
}

type AdOutput struct {
	ID           string  `json:"id"`
	ImpressionID string  `json:"impression_id"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	ClickURL     string  `json:"click_url"`
	AdType       string  `json:"ad_type"`
	Placement    string  `json:"placement"`
	Similarity   float64 `json:"similarity"`
}

type ServeAdsOutput struct {
	RequestID         string     `json:"request_id"`
	Ads               []AdOutput `json:"ads"`
	ShouldShow        bool       `json:"should_show"`
	Reason            string     `json:"reason"`
	TotalAvailable    int        `json:"total_available"`
	AverageSimilarity float64    `json:"average_similarity"`
	NextEligibleAt    string     `json:"next_eligible_at,omitempty"`
}

type TrackEventInput struct {
	ImpressionID string `json:"impression_id"`
	EventType    string `json:"event_type"`
	SubID        string `json:"sub_id,omitempty"`
}

type TrackEventOutput struct {
	EventID      string `json:"event_id"`
	ImpressionID string `json:"impression_id"`
	AdID         string `json:"ad_id"`
	Billed       bool   `json:"billed"`
	Outcome      string `json:"outcome,omitempty"`
}

type CampaignBudgetInput struct {
	CampaignID string `json:"campaign_id"`
}

// CampaignBudgetOutput carries amounts as decimal strings.
type CampaignBudgetOutput struct {
	CampaignID string `json:"campaign_id"`
	Budget     string `json:"budget"`
	Spent      string `json:"spent"`
	Remaining  string `json:"remaining"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
}

// adServer exposes the engine as MCP tools on behalf of one creator.
type adServer struct {
	engine    *serving.Orchestrator
	creatorID string
	logger    *zap.Logger
}

// ServeAds implements the serve_ads tool.
func (s *adServer) ServeAds(ctx context.Context, req *mcp.CallToolRequest, input ServeAdsInput) (*mcp.CallToolResult, ServeAdsOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	res, err := s.engine.Serve(ctx, serving.ServeRequest{
		CallerCreatorID:     s.creatorID,
		SessionID:           input.SessionID,
		Queries:             input.Queries,
		AdType:              models.AdType(input.AdType),
		Placement:           input.Placement,
		Limit:               input.Limit,
		SimilarityThreshold: input.SimilarityThreshold,
		SubID:               input.SubID,
	})
	if err != nil {
		s.logger.Warn("serve_ads", zap.Error(err), zap.String("session_id", input.SessionID))
		return nil, ServeAdsOutput{}, fmt.Errorf("serve ads: %w", err)
	}

	out := ServeAdsOutput{
		RequestID:         res.RequestID,
		Ads:               make([]AdOutput, 0, len(res.Ads)),
		ShouldShow:        res.ShouldShow,
		Reason:            string(res.Reason),
		TotalAvailable:    res.TotalAvailable,
		AverageSimilarity: res.AverageSimilarity,
	}
	if res.NextEligibleAt != nil {
		out.NextEligibleAt = res.NextEligibleAt.UTC().Format(time.RFC3339)
	}
	for _, ad := range res.Ads {
		out.Ads = append(out.Ads, AdOutput{
			ID:           ad.ID,
			ImpressionID: ad.ImpressionID,
			Title:        ad.Title,
			Content:      ad.Content,
			ClickURL:     ad.ClickURL,
			AdType:       string(ad.AdType),
			Placement:    ad.Placement,
			Similarity:   ad.Similarity,
		})
	}
	return nil, out, nil
}

// TrackEvent implements the track_event tool.
func (s *adServer) TrackEvent(ctx context.Context, req *mcp.CallToolRequest, input TrackEventInput) (*mcp.CallToolResult, TrackEventOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	res, err := s.engine.TrackEvent(ctx, serving.TrackEventRequest{
		CallerCreatorID: s.creatorID,
		ImpressionID:    input.ImpressionID,
		EventType:       models.EventType(input.EventType),
		SubID:           input.SubID,
		Metadata:        models.ClickMetadata{SubID: input.SubID},
	})
	if err != nil {
		s.logger.Warn("track_event", zap.Error(err), zap.String("impression_id", input.ImpressionID))
		return nil, TrackEventOutput{}, fmt.Errorf("track event: %w", err)
	}
	return nil, TrackEventOutput{
		EventID:      res.EventID,
		ImpressionID: res.ImpressionID,
		AdID:         res.AdID,
		Billed:       res.Billed,
		Outcome:      string(res.Outcome),
	}, nil
}

// CampaignBudget implements the campaign_budget tool.
func (s *adServer) CampaignBudget(ctx context.Context, req *mcp.CallToolRequest, input CampaignBudgetInput) (*mcp.CallToolResult, CampaignBudgetOutput, error) {
	if input.CampaignID == "" {
		return nil, CampaignBudgetOutput{}, models.NewValidationError("campaign_id", "is required")
	}
	ctx, cancel := context.WithTimeout(ctx, toolTimeout)
	defer cancel()

	b, err := s.engine.Billing().CampaignBudget(ctx, input.CampaignID)
	if err != nil {
		return nil, CampaignBudgetOutput{}, fmt.Errorf("campaign budget: %w", err)
	}
	return nil, CampaignBudgetOutput{
		CampaignID: b.CampaignID,
		Budget:     b.Budget.String(),
		Spent:      b.Spent.String(),
		Remaining:  b.Remaining.String(),
		Currency:   b.Currency,
		Status:     string(b.Status),
	}, nil
}

// register adds every tool to server.
func (s *adServer) register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "serve_ads",
		Description: "Return ads relevant to the latest chat turn and record an impression for each",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Chat session the ads are shown in",
				},
				"queries": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"minItems":    1,
					"maxItems":    serving.MaxQueries,
					"description": "Recent conversation text to match ads against",
				},
				"ad_type": map[string]interface{}{
					"type":        "string",
					"enum":        []string{"hyperlink", "banner", "popup", "video", "thinking"},
					"description": "Restrict to one ad type (optional)",
				},
				"placement": map[string]interface{}{
					"type":        "string",
					"description": "Placement label (optional)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"minimum":     0,
					"description": "Maximum ads to return (optional)",
				},
				"similarity_threshold": map[string]interface{}{
					"type":        "number",
					"minimum":     -1,
					"maximum":     1,
					"description": "Minimum cosine similarity (optional)",
				},
				"sub_id": map[string]interface{}{
					"type":        "string",
					"description": "Free-form id echoed on click events (optional)",
				},
			},
			"required": []string{"session_id", "queries"},
		},
	}, s.ServeAds)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "track_event",
		Description: "Record a click, view or conversion for a served impression; clicks and views bill the campaign",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"impression_id": map[string]interface{}{
					"type":        "string",
					"description": "Impression id returned by serve_ads",
				},
				"event_type": map[string]interface{}{
					"type": "string",
					"enum": []string{"click", "view", "conversion"},
				},
				"sub_id": map[string]interface{}{
					"type":        "string",
					"description": "Free-form id stored with the event (optional)",
				},
			},
			"required": []string{"impression_id", "event_type"},
		},
	}, s.TrackEvent)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "campaign_budget",
		Description: "Show a campaign's budget, spend and status",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"campaign_id": map[string]interface{}{
					"type":        "string",
					"description": "Campaign id",
				},
			},
			"required": []string{"campaign_id"},
		},
	}, s.CampaignBudget)
}
