// Package provider normalizes the model backends behind one Adapter contract
// and routes invocations through a Registry.
package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/teranos/docpipe/errors"
)

// Type identifies a model backend. The set is closed; every Type has exactly
// one adapter implementation registered at startup.
type Type string

const (
	TypeOpenAI     Type = "openai"     // general purpose, system default
	TypeAnthropic  Type = "anthropic"  // Direct Anthropic API (Claude), largest context
	TypePerplexity Type = "perplexity" // search-backed models with citations
	TypeOpenRouter Type = "openrouter" // OpenRouter gateway to cheap hosted models
	TypeOllama     Type = "ollama"     // Ollama or any local server, zero cost
)

// Types lists every known adapter type in registration order.
var Types = []Type{TypeOpenAI, TypeAnthropic, TypePerplexity, TypeOpenRouter, TypeOllama}

var typeAliases = map[string]Type{
	"openai":     TypeOpenAI,
	"gpt":        TypeOpenAI,
	"chatgpt":    TypeOpenAI,
	"anthropic":  TypeAnthropic,
	"claude":     TypeAnthropic,
	"perplexity": TypePerplexity,
	"pplx":       TypePerplexity,
	"openrouter": TypeOpenRouter,
	"or":         TypeOpenRouter,
	"ollama":     TypeOllama,
	"local":      TypeOllama,
	"localai":    TypeOllama,
}

// ParseType parses a provider name, accepting common aliases
func ParseType(name string) (Type, error) {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return t, nil
	}
	return "", errors.NewValidationError("unknown provider: %s (valid: openai, anthropic, perplexity, openrouter, ollama)", name)
}

// Capabilities are the optional features an adapter supports.
type Capabilities struct {
	Streaming       bool `json:"streaming"`
	Vision          bool `json:"vision"`
	FunctionCalling bool `json:"function_calling"`
	Embeddings      bool `json:"embeddings"`
	Search          bool `json:"search"`
	JSONMode        bool `json:"json_mode"`
}

// ModelInfo describes one model an adapter can serve.
type ModelInfo struct {
	ID              string   `json:"id"`
	ContextWindow   int      `json:"context_window"`
	MaxOutput       int      `json:"max_output"`
	InputCostPer1K  float64  `json:"input_cost_per_1k"`
	OutputCostPer1K float64  `json:"output_cost_per_1k"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// ModelConfig holds per-call generation settings. Nil pointers mean "use the
// adapter default".
type ModelConfig struct {
	Model            string   `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	StopSequences    []string `json:"stop_sequences,omitempty"`
	JSONOutput       bool     `json:"json_output,omitempty"`
}

// Merge returns c with every unset field taken from defaults.
func (c ModelConfig) Merge(defaults ModelConfig) ModelConfig {
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.Temperature == nil {
		c.Temperature = defaults.Temperature
	}
	if c.MaxTokens == nil {
		c.MaxTokens = defaults.MaxTokens
	}
	if c.TopP == nil {
		c.TopP = defaults.TopP
	}
	if c.FrequencyPenalty == nil {
		c.FrequencyPenalty = defaults.FrequencyPenalty
	}
	if c.PresencePenalty == nil {
		c.PresencePenalty = defaults.PresencePenalty
	}
	if len(c.StopSequences) == 0 {
		c.StopSequences = defaults.StopSequences
	}
	c.JSONOutput = c.JSONOutput || defaults.JSONOutput
	return c
}

// Usage is token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a Usage whose total is always prompt + completion.
func NewUsage(prompt, completion int) Usage {
	if prompt < 0 {
		prompt = 0
	}
	if completion < 0 {
		completion = 0
	}
	return Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

// Response is the normalized result of one Invoke.
type Response struct {
	Content          string          `json:"content"`
	Model            string          `json:"model"`
	Provider         Type            `json:"provider"`
	Usage            Usage           `json:"usage"`
	Cost             float64         `json:"cost"`
	FinishReason     string          `json:"finish_reason,omitempty"`
	Raw              json.RawMessage `json:"raw,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
}

// Adapter normalizes one external model API.
//
// Invoke errors are marked with errors.ErrTransientProvider or
// errors.ErrPermanentProvider. Embed returns a capability error on adapters
// without embeddings support.
type Adapter interface {
	Type() Type
	Name() string
	Description() string
	Available() bool
	Models() []ModelInfo
	Capabilities() Capabilities
	Invoke(ctx context.Context, prompt, model string, cfg ModelConfig) (*Response, error)
	EstimateTokens(text string) int
	DefaultConfig() ModelConfig
	ValidateConfig(cfg ModelConfig) []string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
