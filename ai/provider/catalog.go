package provider

import (
	"fmt"
	"unicode/utf8"
)

// EstimateTokens approximates the token count of text at four characters per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// FindModel returns the catalog entry for id.
func FindModel(models []ModelInfo, id string) (ModelInfo, bool) {
	for _, m := range models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Cost prices usage against a model's per-1k rates.
func (m ModelInfo) Cost(u Usage) float64 {
	return float64(u.PromptTokens)/1000*m.InputCostPer1K + float64(u.CompletionTokens)/1000*m.OutputCostPer1K
}

// EstimateCost prices a prompt before it is sent, assuming the completion
// uses expectedOutput tokens. Unknown models estimate to zero.
func EstimateCost(a Adapter, model, prompt string, expectedOutput int) float64 {
	m, ok := FindModel(a.Models(), model)
	if !ok {
		return 0
	}
	return m.Cost(NewUsage(a.EstimateTokens(prompt), expectedOutput))
}

// cheapestModel returns the model with the lowest combined per-1k price.
func cheapestModel(models []ModelInfo) (ModelInfo, bool) {
	if len(models) == 0 {
		return ModelInfo{}, false
	}
	best := models[0]
	for _, m := range models[1:] {
		if m.InputCostPer1K+m.OutputCostPer1K < best.InputCostPer1K+best.OutputCostPer1K {
			best = m
		}
	}
	return best, true
}

// maxContext returns the largest context window in the catalog.
func maxContext(models []ModelInfo) int {
	max := 0
	for _, m := range models {
		if m.ContextWindow > max {
			max = m.ContextWindow
		}
	}
	return max
}

// configLimits are the adapter-specific bounds applied by validateConfig.
type configLimits struct {
	maxTemperature float64
	penalties      bool // frequency/presence penalties accepted
	strictModels   bool // reject models outside the catalog
	maxStop        int
}

func validateConfig(kind Type, cfg ModelConfig, models []ModelInfo, limits configLimits) []string {
	var problems []string

	if cfg.Model != "" {
		if m, ok := FindModel(models, cfg.Model); ok {
			if cfg.MaxTokens != nil && m.MaxOutput > 0 && *cfg.MaxTokens > m.MaxOutput {
				problems = append(problems, fmt.Sprintf("max_tokens %d exceeds %s output limit of %d", *cfg.MaxTokens, m.ID, m.MaxOutput))
			}
		} else if limits.strictModels {
			problems = append(problems, fmt.Sprintf("unsupported model for %s: %s", kind, cfg.Model))
		}
	}
	if cfg.Temperature != nil && (*cfg.Temperature < 0 || *cfg.Temperature > limits.maxTemperature) {
		problems = append(problems, fmt.Sprintf("temperature must be between 0 and %.1f, got %.2f", limits.maxTemperature, *cfg.Temperature))
	}
	if cfg.MaxTokens != nil && *cfg.MaxTokens < 1 {
		problems = append(problems, fmt.Sprintf("max_tokens must be at least 1, got %d", *cfg.MaxTokens))
	}
	if cfg.TopP != nil && (*cfg.TopP < 0 || *cfg.TopP > 1) {
		problems = append(problems, fmt.Sprintf("top_p must be between 0 and 1, got %.2f", *cfg.TopP))
	}
	penalties := []struct {
		name  string
		value *float64
	}{
		{"frequency_penalty", cfg.FrequencyPenalty},
		{"presence_penalty", cfg.PresencePenalty},
	}
	for _, p := range penalties {
		if p.value == nil {
			continue
		}
		if !limits.penalties {
			problems = append(problems, fmt.Sprintf("%s does not support %s", kind, p.name))
		} else if *p.value < -2 || *p.value > 2 {
			problems = append(problems, fmt.Sprintf("%s must be between -2 and 2, got %.2f", p.name, *p.value))
		}
	}
	if limits.maxStop > 0 && len(cfg.StopSequences) > limits.maxStop {
		problems = append(problems, fmt.Sprintf("at most %d stop sequences allowed, got %d", limits.maxStop, len(cfg.StopSequences)))
	}

	return problems
}
