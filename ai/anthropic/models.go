package anthropic

// Model describes a Claude model's limits and pricing.
// Prices are in USD per million tokens.
type Model struct {
	ID            string
	ContextWindow int
	MaxOutput     int
	InputPrice    float64 // USD per 1M input tokens
	OutputPrice   float64 // USD per 1M output tokens
	Vision        bool
}

// Models lists the Claude models the adapter accepts.
// Source: https://www.anthropic.com/pricing
var Models = []Model{
	{ID: "claude-sonnet-4-20250514", ContextWindow: 200000, MaxOutput: 64000, InputPrice: 3.00, OutputPrice: 15.00, Vision: true},
	{ID: "claude-opus-4-20250514", ContextWindow: 200000, MaxOutput: 32000, InputPrice: 15.00, OutputPrice: 75.00, Vision: true},
	{ID: "claude-3-5-sonnet-20241022", ContextWindow: 200000, MaxOutput: 8192, InputPrice: 3.00, OutputPrice: 15.00, Vision: true},
	{ID: "claude-3-5-haiku-20241022", ContextWindow: 200000, MaxOutput: 8192, InputPrice: 0.80, OutputPrice: 4.00},
	{ID: "claude-3-haiku-20240307", ContextWindow: 200000, MaxOutput: 4096, InputPrice: 0.25, OutputPrice: 1.25, Vision: true},
}

// DefaultPricingFallback is the fallback cost per request when model pricing is unknown
// Set to $0.01 (1 cent) per request as a conservative estimate
const DefaultPricingFallback = 0.01

// GetModel returns a model by id, if known
func GetModel(id string) (Model, bool) {
	for _, m := range Models {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// CalculateCost computes the cost of an API call based on token usage
// Returns cost in USD
func CalculateCost(model string, inputTokens, outputTokens int) float64 {
	m, found := GetModel(model)
	if !found {
		return DefaultPricingFallback
	}

	inputCost := (float64(inputTokens) / 1_000_000.0) * m.InputPrice
	outputCost := (float64(outputTokens) / 1_000_000.0) * m.OutputPrice
	return inputCost + outputCost
}
