package usage

import (
	"math"
	"strings"
)

// ModelPricing is USD per 1M tokens for one model family.
type ModelPricing struct {
	Model            string
	InputUSDPer1M    float64
	CachedInputUSD1M float64
	OutputUSDPer1M   float64
	Source           string
}

// Pricing snapshot date: 2026-02-27, manual snapshot for local estimation.
var pricingTable = map[string]ModelPricing{
	"deepseek-chat":     {"deepseek-chat", 0.28, 0.028, 0.42, "deepseek-pricing-2026-02-27"},
	"deepseek-reasoner": {"deepseek-reasoner", 0.28, 0.028, 0.42, "deepseek-pricing-2026-02-27"},
	"gpt-5":             {"gpt-5", 1.25, 0.125, 10.00, "openai-pricing-2026-02-27"},
	"gpt-5-mini":        {"gpt-5-mini", 0.25, 0.025, 2.00, "openai-pricing-2026-02-27"},
	"gpt-5-nano":        {"gpt-5-nano", 0.05, 0.005, 0.40, "openai-pricing-2026-02-27"},
	"gpt-4.1":           {"gpt-4.1", 2.00, 0.50, 8.00, "openai-pricing-2026-02-27"},
	"gpt-4.1-mini":      {"gpt-4.1-mini", 0.40, 0.10, 1.60, "openai-pricing-2026-02-27"},
	"gpt-4.1-nano":      {"gpt-4.1-nano", 0.10, 0.025, 0.40, "openai-pricing-2026-02-27"},
	"gpt-4o":            {"gpt-4o", 2.50, 1.25, 10.00, "openai-pricing-2026-02-27"},
	"gpt-4o-mini":       {"gpt-4o-mini", 0.15, 0.075, 0.60, "openai-pricing-2026-02-27"},
}

// ResolveModelPricing looks up pricing by exact lowercase match, then by
// table-key prefix.
func ResolveModelPricing(model string) (ModelPricing, bool) {
	normalized := strings.ToLower(strings.TrimSpace(model))
	if normalized == "" {
		return ModelPricing{}, false
	}
	if pricing, ok := pricingTable[normalized]; ok {
		return pricing, true
	}
	for key, pricing := range pricingTable {
		if strings.HasPrefix(normalized, key) {
			return pricing, true
		}
	}
	return ModelPricing{}, false
}

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}

// CostBreakdown renders a pricing payload for one state. Unpriced models
// yield a zero-cost breakdown with priced=false.
func CostBreakdown(s State) map[string]interface{} {
	normalized := s.Normalize()
	input := normalized.InputTokens
	cached := normalized.InputCacheReadTokens
	if cached > input {
		cached = input
	}
	uncached := input - cached
	output := normalized.OutputTokens

	pricing, priced := ResolveModelPricing(normalized.Model)
	payload := map[string]interface{}{
		"model":                 normalized.Model,
		"uncached_input_tokens": uncached,
		"cached_input_tokens":   cached,
		"output_tokens":         output,
		"priced":                priced,
	}
	if !priced {
		payload["source"] = "unpriced"
		payload["total_cost_usd"] = 0.0
		return payload
	}

	cost := float64(uncached)/1e6*pricing.InputUSDPer1M +
		float64(cached)/1e6*pricing.CachedInputUSD1M +
		float64(output)/1e6*pricing.OutputUSDPer1M
	payload["source"] = pricing.Source
	payload["total_cost_usd"] = round8(cost)
	return payload
}
