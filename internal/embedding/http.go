package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/chatads/internal/observability"
)

// HTTPProvider calls a self-hosted embedding service.
type HTTPProvider struct {
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// EmbedRequest is the body posted to {baseURL}/embed.
type EmbedRequest struct {
	Model string `json:"model,omitempty"`
	Text  string `json:"text"`
}

// EmbedResponse is the service reply.
type EmbedResponse struct {
	Model     string    `json:"model"`
	Embedding []float32 `json:"embedding"`
}

// NewHTTPProvider creates a provider for the service at baseURL.
func NewHTTPProvider(baseURL, model string, dimensions int, timeout time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:  logger,
		metrics: metrics,
	}
}

func (c *HTTPProvider) Model() string   { return c.model }
func (c *HTTPProvider) Dimensions() int { return c.dimensions }

// Embed posts text to the embedding service.
func (c *HTTPProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	start := time.Now()
	outcome := "success"
	defer func() {
		c.metrics.RecordEmbeddingLatency("http", time.Since(start))
		c.metrics.IncrementEmbeddingRequests("http", outcome)
	}()

	reqBody, err := json.Marshal(EmbedRequest{Model: c.model, Text: text})
	if err != nil {
		outcome = "failure"
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBody))
	if err != nil {
		outcome = "failure"
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		outcome = "failure"
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		outcome = "failure"
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var out EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		outcome = "failure"
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if err := checkDimensions(out.Embedding, c.dimensions); err != nil {
		outcome = "failure"
		return nil, err
	}
	return out.Embedding, nil
}

// HealthCheck checks if the embedding service is available.
func (c *HTTPProvider) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// StatusError is a non-200 reply from the embedding service.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth retrying: rate limiting
// and server errors are, client errors are not.
func (e *StatusError) Retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}
