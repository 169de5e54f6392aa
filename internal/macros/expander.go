// Package macros expands placeholders such as {SUB_ID} in advertiser
// landing URLs at click time, so advertisers can attribute traffic back to
// the chat session and turn that produced it.
package macros

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// ClickContext is the data available to macros when a click is redirected.
type ClickContext struct {
	ImpressionID string
	AdID         string
	CampaignID   string
	SessionID    string
	CreatorID    string
	SubID        string
	Placement    string
	Timestamp    time.Time
}

// ExpansionFunc produces the raw (unescaped) value of a macro.
type ExpansionFunc func(c *ClickContext) (string, error)

// Expander replaces {NAME} placeholders in URLs. Unknown placeholders are
// left untouched.
type Expander struct {
	logger *zap.Logger
	mu     sync.RWMutex
	macros map[string]ExpansionFunc
	// strict makes any expansion failure fail the whole URL.
	strict bool

	expansions *prometheus.CounterVec
	failures   *prometheus.CounterVec
}

// NewExpander builds an Expander with the default macros. Metrics register
// with reg; pass prometheus.NewRegistry() in tests to avoid collisions.
func NewExpander(logger *zap.Logger, reg prometheus.Registerer, strict bool) *Expander {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	e := &Expander{
		logger: logger,
		macros: make(map[string]ExpansionFunc),
		strict: strict,
		expansions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "macro_expansions_total",
			Help: "Total number of macro expansions performed",
		}, []string{"macro", "success"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "macro_expansion_failures_total",
			Help: "Total number of macro expansion failures",
		}, []string{"macro"}),
	}
	e.registerDefaults()
	return e
}

func (e *Expander) registerDefaults() {
	e.macros["IMPRESSION_ID"] = func(c *ClickContext) (string, error) { return c.ImpressionID, nil }
	e.macros["AD_ID"] = func(c *ClickContext) (string, error) { return c.AdID, nil }
	e.macros["CAMPAIGN_ID"] = func(c *ClickContext) (string, error) { return c.CampaignID, nil }
	e.macros["SESSION_ID"] = func(c *ClickContext) (string, error) { return c.SessionID, nil }
	e.macros["CREATOR_ID"] = func(c *ClickContext) (string, error) { return c.CreatorID, nil }
	e.macros["SUB_ID"] = func(c *ClickContext) (string, error) { return c.SubID, nil }
	e.macros["PLACEMENT"] = func(c *ClickContext) (string, error) { return c.Placement, nil }

	e.macros["TIMESTAMP"] = func(c *ClickContext) (string, error) {
		return fmt.Sprintf("%d", c.Timestamp.Unix()), nil
	}
	e.macros["TIMESTAMP_MS"] = func(c *ClickContext) (string, error) {
		return fmt.Sprintf("%d", c.Timestamp.UnixMilli()), nil
	}
	e.macros["ISO_TIMESTAMP"] = func(c *ClickContext) (string, error) {
		return c.Timestamp.UTC().Format(time.RFC3339), nil
	}

	// cache busters
	e.macros["RANDOM"] = func(c *ClickContext) (string, error) {
		return fmt.Sprintf("%d", time.Now().UnixNano()), nil
	}
	e.macros["UUID"] = func(c *ClickContext) (string, error) {
		return uuid.NewString(), nil
	}
}

// Register adds or replaces a macro.
func (e *Expander) Register(name string, fn ExpansionFunc) error {
	if name == "" {
		return fmt.Errorf("macro name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("expansion function cannot be nil")
	}
	e.mu.Lock()
	e.macros[name] = fn
	e.mu.Unlock()
	return nil
}

// Macros returns the registered macro names, sorted.
func (e *Expander) Macros() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.macros))
	for name := range e.macros {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Expand replaces every known placeholder in rawURL with its query-escaped
// value. In lenient mode a failing macro is left in place and logged.
func (e *Expander) Expand(rawURL string, c *ClickContext) (string, error) {
	if rawURL == "" || !strings.Contains(rawURL, "{") {
		return rawURL, nil
	}
	if _, err := url.Parse(rawURL); err != nil {
		return rawURL, fmt.Errorf("parse url: %w", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	var pairs []string
	for name, fn := range e.macros {
		placeholder := "{" + name + "}"
		if !strings.Contains(rawURL, placeholder) {
			continue
		}
		v, err := fn(c)
		if err != nil {
			e.expansions.WithLabelValues(name, "false").Inc()
			e.failures.WithLabelValues(name).Inc()
			if e.strict {
				return "", fmt.Errorf("expand %s: %w", name, err)
			}
			e.logger.Warn("macro expansion failed", zap.String("macro", name), zap.Error(err))
			continue
		}
		e.expansions.WithLabelValues(name, "true").Inc()
		pairs = append(pairs, placeholder, url.QueryEscape(v))
	}
	if len(pairs) == 0 {
		return rawURL, nil
	}
	return strings.NewReplacer(pairs...).Replace(rawURL), nil
}

// Unsupported lists placeholders in rawURL that no macro handles.
func (e *Expander) Unsupported(rawURL string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []string
	rest := rawURL
	for {
		start := strings.Index(rest, "{")
		if start == -1 {
			return out
		}
		end := strings.Index(rest[start:], "}")
		if end == -1 {
			return out
		}
		name := rest[start+1 : start+end]
		if _, ok := e.macros[name]; !ok {
			out = append(out, name)
		}
		rest = rest[start+end+1:]
	}
}
