// Package cost computes USD cost from token usage via a static per-model
// rate table. Rates are expressed per million tokens; model matching is
// longest-prefix so dated snapshots (gpt-4o-2024-08-06) inherit their
// family's rates.
package cost

import (
	"strings"

	"github.com/siphonlog/siphon/models"
)

// rate holds USD per one million tokens.
type rate struct {
	Prompt          float64
	Completion      float64
	PromptCacheRead float64
}

var rates = map[string]rate{
	"gpt-4o-mini":       {Prompt: 0.15, Completion: 0.60, PromptCacheRead: 0.075},
	"gpt-4o":            {Prompt: 2.50, Completion: 10.00, PromptCacheRead: 1.25},
	"gpt-4-turbo":       {Prompt: 10.00, Completion: 30.00},
	"gpt-4":             {Prompt: 30.00, Completion: 60.00},
	"gpt-3.5-turbo":     {Prompt: 0.50, Completion: 1.50},
	"o1-mini":           {Prompt: 1.10, Completion: 4.40, PromptCacheRead: 0.55},
	"o1":                {Prompt: 15.00, Completion: 60.00, PromptCacheRead: 7.50},
	"claude-3-5-sonnet": {Prompt: 3.00, Completion: 15.00, PromptCacheRead: 0.30},
	"claude-3-5-haiku":  {Prompt: 0.80, Completion: 4.00, PromptCacheRead: 0.08},
	"claude-3-opus":     {Prompt: 15.00, Completion: 75.00, PromptCacheRead: 1.50},
	"claude-3-haiku":    {Prompt: 0.25, Completion: 1.25, PromptCacheRead: 0.03},
	"gemini-1.5-pro":    {Prompt: 1.25, Completion: 5.00},
	"gemini-1.5-flash":  {Prompt: 0.075, Completion: 0.30},
	"text-embedding-3":  {Prompt: 0.02},
	"text-embedding":    {Prompt: 0.10},
}

type Calculator struct{}

func NewCalculator() *Calculator { return &Calculator{} }

// Cost returns the USD cost for the given usage, 0 when the model is
// unknown. Cache-read tokens replace their share of prompt tokens at the
// discounted rate when one exists.
func (c *Calculator) Cost(model, _ string, usage models.Usage) float64 {
	r, ok := lookup(model)
	if !ok {
		return 0
	}

	prompt := derefInt64(usage.PromptTokens)
	cacheRead := derefInt64(usage.PromptCacheReadTokens)
	if r.PromptCacheRead > 0 && cacheRead > prompt {
		cacheRead = prompt
	}

	var total float64
	if r.PromptCacheRead > 0 {
		total += float64(prompt-cacheRead) * r.Prompt / 1e6
		total += float64(cacheRead) * r.PromptCacheRead / 1e6
	} else {
		total += float64(prompt) * r.Prompt / 1e6
	}
	total += float64(derefInt64(usage.CompletionTokens)) * r.Completion / 1e6
	return total
}

func lookup(model string) (rate, bool) {
	model = strings.ToLower(strings.TrimSpace(model))
	var (
		best    rate
		bestLen = -1
	)
	for prefix, r := range rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = r, len(prefix)
		}
	}
	return best, bestLen >= 0
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
