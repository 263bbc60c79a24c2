package trace

import "strings"

// modelPrice is USD per million tokens
type modelPrice struct {
	prefix string
	input  float64
	output float64
}

// Pricing is matched by longest prefix so dated model ids
// ("claude-3-5-haiku-20241022") resolve without per-release entries.
// Unknown models cost zero.
var pricingTable = []modelPrice{
	{prefix: "claude-opus-4", input: 15, output: 75},
	{prefix: "claude-sonnet-4", input: 3, output: 15},
	{prefix: "claude-3-5-sonnet", input: 3, output: 15},
	{prefix: "claude-3-5-haiku", input: 0.80, output: 4},
	{prefix: "claude-3-opus", input: 15, output: 75},
	{prefix: "claude-3-haiku", input: 0.25, output: 1.25},
}

// EstimateCost returns the USD cost of a call mix against the baked-in
// per-model pricing table
func EstimateCost(model string, inputTokens, outputTokens int) float64 {
	var best *modelPrice
	for i := range pricingTable {
		p := &pricingTable[i]
		if !strings.HasPrefix(model, p.prefix) {
			continue
		}
		if best == nil || len(p.prefix) > len(best.prefix) {
			best = p
		}
	}
	if best == nil {
		return 0
	}
	return float64(inputTokens)/1e6*best.input + float64(outputTokens)/1e6*best.output
}
