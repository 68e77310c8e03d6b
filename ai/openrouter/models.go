package openrouter

// Model describes a routed model's limits and pricing.
// Prices are in USD per million tokens
type Model struct {
	ID              string
	ContextWindow   int
	MaxOutput       int
	PromptPrice     float64 // USD per 1M prompt tokens
	CompletionPrice float64 // USD per 1M completion tokens
}

// Models contains hardcoded pricing for common OpenRouter models
// TODO: pull pricing from the OpenRouter /models endpoint at startup
var Models = []Model{
	{ID: "openai/gpt-4o", ContextWindow: 128000, MaxOutput: 16384, PromptPrice: 2.50, CompletionPrice: 10.00},
	{ID: "openai/gpt-4o-mini", ContextWindow: 128000, MaxOutput: 16384, PromptPrice: 0.15, CompletionPrice: 0.60},
	{ID: "anthropic/claude-3.5-sonnet", ContextWindow: 200000, MaxOutput: 8192, PromptPrice: 3.00, CompletionPrice: 15.00},
	{ID: "anthropic/claude-3-haiku", ContextWindow: 200000, MaxOutput: 4096, PromptPrice: 0.25, CompletionPrice: 1.25},
	{ID: "meta-llama/llama-3.1-70b-instruct", ContextWindow: 131072, MaxOutput: 4096, PromptPrice: 0.52, CompletionPrice: 0.75},
	{ID: "meta-llama/llama-3.1-8b-instruct", ContextWindow: 131072, MaxOutput: 4096, PromptPrice: 0.055, CompletionPrice: 0.055},
}

// DefaultPricingFallback is the fallback cost per request when model pricing is unknown
// Set to $0.01 (1 cent) per request as a conservative estimate
const DefaultPricingFallback = 0.01

// GetModel returns pricing information for a model, if available
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
func CalculateCost(model string, promptTokens, completionTokens int) float64 {
	m, found := GetModel(model)
	if !found {
		return DefaultPricingFallback
	}

	promptCost := (float64(promptTokens) / 1_000_000.0) * m.PromptPrice
	completionCost := (float64(completionTokens) / 1_000_000.0) * m.CompletionPrice
	return promptCost + completionCost
}
