package cost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siphonlog/siphon/models"
)

func tokens(v int64) *int64 { return &v }

func TestCostLongestPrefixMatch(t *testing.T) {
	c := NewCalculator()
	usage := models.Usage{PromptTokens: tokens(1_000_000), CompletionTokens: tokens(1_000_000)}

	// gpt-4o-mini must match its own rate, not the shorter gpt-4o prefix.
	require.InDelta(t, 0.15+0.60, c.Cost("gpt-4o-mini", "OPENAI", usage), 1e-9)
	require.InDelta(t, 2.50+10.00, c.Cost("gpt-4o", "OPENAI", usage), 1e-9)
	// Dated snapshots inherit the family rate.
	require.InDelta(t, 2.50+10.00, c.Cost("gpt-4o-2024-08-06", "OPENAI", usage), 1e-9)
	require.InDelta(t, 3.00+15.00, c.Cost("claude-3-5-sonnet-20241022", "ANTHROPIC", usage), 1e-9)
}

func TestCostUnknownModelIsZero(t *testing.T) {
	c := NewCalculator()
	usage := models.Usage{PromptTokens: tokens(500), CompletionTokens: tokens(500)}
	require.Zero(t, c.Cost("some-local-model", "OPENAI", usage))
	require.Zero(t, c.Cost("", "OPENAI", usage))
}

func TestCostCacheReadDiscount(t *testing.T) {
	c := NewCalculator()
	usage := models.Usage{
		PromptTokens:          tokens(1_000_000),
		PromptCacheReadTokens: tokens(400_000),
		CompletionTokens:      tokens(0),
	}

	// 600k at full prompt rate plus 400k at the cache-read rate.
	want := 0.6*2.50 + 0.4*1.25
	require.InDelta(t, want, c.Cost("gpt-4o", "OPENAI", usage), 1e-9)
}

func TestCostCacheReadClampedToPrompt(t *testing.T) {
	c := NewCalculator()
	usage := models.Usage{
		PromptTokens:          tokens(100_000),
		PromptCacheReadTokens: tokens(250_000),
	}

	// Cache reads can never exceed the prompt total.
	want := 0.1 * 1.25
	require.InDelta(t, want, c.Cost("gpt-4o", "OPENAI", usage), 1e-9)
}

func TestCostNilUsage(t *testing.T) {
	c := NewCalculator()
	require.Zero(t, c.Cost("gpt-4o", "OPENAI", models.Usage{}))
}
