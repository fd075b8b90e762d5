package runtime

import (
	"math"
	"strings"
)

// ModelPricing is the price per million tokens for a model.
type ModelPricing struct {
	Input      float64
	Output     float64
	CacheRead  float64
	CacheWrite float64
}

var modelPricing = map[string]ModelPricing{
	"claude-opus-4-5":   {Input: 5.00, Output: 25.00, CacheRead: 0.50, CacheWrite: 6.25},
	"claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
	"claude-haiku-4-5":  {Input: 1.00, Output: 5.00, CacheRead: 0.10, CacheWrite: 1.25},
	"claude-opus-4-1":   {Input: 15.00, Output: 75.00, CacheRead: 1.50, CacheWrite: 18.75},
	"claude-opus-4":     {Input: 15.00, Output: 75.00, CacheRead: 1.50, CacheWrite: 18.75},
	"claude-sonnet-4":   {Input: 3.00, Output: 15.00, CacheRead: 0.30, CacheWrite: 3.75},
	"claude-3-5-haiku":  {Input: 0.80, Output: 4.00, CacheRead: 0.08, CacheWrite: 1.00},
}

var defaultPricing = modelPricing["claude-sonnet-4-5"]

// PricingFor returns pricing for model, matching dated model IDs by their
// family prefix. Unknown models are priced as the default model.
func PricingFor(model string) ModelPricing {
	if p, ok := modelPricing[model]; ok {
		return p
	}
	best := ""
	for key := range modelPricing {
		if strings.HasPrefix(model, key) && len(key) > len(best) {
			best = key
		}
	}
	if best != "" {
		return modelPricing[best]
	}
	return defaultPricing
}

// Cost estimates the USD cost of a result's token usage, rounded to
// millionths of a dollar.
func Cost(model string, input, output, cacheRead, cacheWrite int64) float64 {
	p := PricingFor(model)
	total := float64(input)*p.Input/1_000_000 +
		float64(output)*p.Output/1_000_000 +
		float64(cacheRead)*p.CacheRead/1_000_000 +
		float64(cacheWrite)*p.CacheWrite/1_000_000
	return math.Round(total*1_000_000) / 1_000_000
}
