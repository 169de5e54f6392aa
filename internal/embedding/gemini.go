package embedding

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/patrickwarner/chatads/internal/observability"
)

// contentEmbedder is the part of genai.Models the provider uses.
type contentEmbedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GeminiProvider embeds text with the Gemini embedding API.
type GeminiProvider struct {
	models     contentEmbedder
	model      string
	dimensions int
	metrics    observability.MetricsRegistry
}

// NewGeminiProvider creates a provider backed by the Gemini API.
func NewGeminiProvider(ctx context.Context, apiKey, model string, dimensions int, metrics observability.MetricsRegistry) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGeminiProvider(client.Models, model, dimensions, metrics), nil
}

func newGeminiProvider(m contentEmbedder, model string, dimensions int, metrics observability.MetricsRegistry) *GeminiProvider {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &GeminiProvider{models: m, model: model, dimensions: dimensions, metrics: metrics}
}

func (g *GeminiProvider) Model() string   { return g.model }
func (g *GeminiProvider) Dimensions() int { return g.dimensions }

// Embed requests a RETRIEVAL_QUERY embedding for text.
func (g *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	start := time.Now()
	outcome := "success"
	defer func() {
		g.metrics.RecordEmbeddingLatency("gemini", time.Since(start))
		g.metrics.IncrementEmbeddingRequests("gemini", outcome)
	}()

	cfg := &genai.EmbedContentConfig{TaskType: "RETRIEVAL_QUERY"}
	if g.dimensions > 0 {
		dims := int32(g.dimensions)
		cfg.OutputDimensionality = &dims
	}
	resp, err := g.models.EmbedContent(ctx, g.model, genai.Text(text), cfg)
	if err != nil {
		outcome = "failure"
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		outcome = "failure"
		return nil, fmt.Errorf("gemini embed: empty response")
	}
	vec := resp.Embeddings[0].Values
	if err := checkDimensions(vec, g.dimensions); err != nil {
		outcome = "failure"
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	return vec, nil
}
