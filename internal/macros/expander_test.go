package macros

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testContext() *ClickContext {
	return &ClickContext{
		ImpressionID: "imp-1",
		AdID:         "ad-7",
		CampaignID:   "camp-3",
		SessionID:    "sess-9",
		CreatorID:    "cr-1",
		SubID:        "turn 4&x",
		Placement:    "inline",
		Timestamp:    time.Date(2026, 1, 15, 10, 30, 45, 0, time.UTC),
	}
}

func TestExpand(t *testing.T) {
	e := NewExpander(zaptest.NewLogger(t), prometheus.NewRegistry(), false)
	c := testContext()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"no macros", "https://shop.example/landing", "https://shop.example/landing"},
		{"ids", "https://shop.example/?imp={IMPRESSION_ID}&ad={AD_ID}&c={CAMPAIGN_ID}", "https://shop.example/?imp=imp-1&ad=ad-7&c=camp-3"},
		{"escaped sub id", "https://shop.example/?sid={SUB_ID}", "https://shop.example/?sid=turn+4%26x"},
		{"timestamps", "https://shop.example/?t={TIMESTAMP}&iso={ISO_TIMESTAMP}", "https://shop.example/?t=1768473045&iso=2026-01-15T10%3A30%3A45Z"},
		{"repeated", "https://shop.example/{SESSION_ID}/{SESSION_ID}", "https://shop.example/sess-9/sess-9"},
		{"unknown left alone", "https://shop.example/?x={NOPE}&p={PLACEMENT}", "https://shop.example/?x={NOPE}&p=inline"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Expand(tt.raw, c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandCacheBusters(t *testing.T) {
	e := NewExpander(nil, prometheus.NewRegistry(), false)
	got, err := e.Expand("https://shop.example/?r={RANDOM}&u={UUID}", testContext())
	require.NoError(t, err)
	assert.NotContains(t, got, "{")
	assert.Len(t, strings.Split(got, "&u=")[1], 36)
}

func TestExpandFailureModes(t *testing.T) {
	boom := errors.New("boom")

	lenient := NewExpander(zaptest.NewLogger(t), prometheus.NewRegistry(), false)
	require.NoError(t, lenient.Register("BROKEN", func(*ClickContext) (string, error) { return "", boom }))
	got, err := lenient.Expand("https://shop.example/?b={BROKEN}&a={AD_ID}", testContext())
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/?b={BROKEN}&a=ad-7", got)

	strict := NewExpander(zaptest.NewLogger(t), prometheus.NewRegistry(), true)
	require.NoError(t, strict.Register("BROKEN", func(*ClickContext) (string, error) { return "", boom }))
	_, err = strict.Expand("https://shop.example/?b={BROKEN}", testContext())
	assert.ErrorIs(t, err, boom)
}

func TestRegisterAndUnsupported(t *testing.T) {
	e := NewExpander(nil, prometheus.NewRegistry(), false)
	assert.Error(t, e.Register("", func(*ClickContext) (string, error) { return "", nil }))
	assert.Error(t, e.Register("X", nil))

	require.NoError(t, e.Register("MODEL", func(*ClickContext) (string, error) { return "chat", nil }))
	assert.Contains(t, e.Macros(), "MODEL")

	got, err := e.Expand("https://shop.example/?m={MODEL}", testContext())
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example/?m=chat", got)

	assert.Equal(t, []string{"FOO", "BAR"}, e.Unsupported("https://shop.example/{FOO}?a={AD_ID}&b={BAR}"))
	assert.Empty(t, e.Unsupported("https://shop.example/?a={AD_ID}"))
}
