package provider

import (
	"context"
	"time"

	"github.com/teranos/docpipe/ai/anthropic"
	"github.com/teranos/docpipe/errors"
)

// AnthropicAdapter serves Claude models through the Messages API.
type AnthropicAdapter struct {
	client   *anthropic.Client
	defaults ModelConfig
}

// NewAnthropicAdapter wraps client. defaults fill unset call settings.
func NewAnthropicAdapter(client *anthropic.Client, defaults ModelConfig) *AnthropicAdapter {
	if defaults.Model == "" {
		defaults.Model = anthropic.DefaultModel
	}
	return &AnthropicAdapter{client: client, defaults: defaults}
}

func (a *AnthropicAdapter) Type() Type          { return TypeAnthropic }
func (a *AnthropicAdapter) Name() string        { return "Anthropic" }
func (a *AnthropicAdapter) Description() string { return "Claude models with 200k-token context windows" }
func (a *AnthropicAdapter) Available() bool     { return a.client.IsConfigured() }

func (a *AnthropicAdapter) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Vision: true, FunctionCalling: true}
}

func (a *AnthropicAdapter) Models() []ModelInfo {
	models := make([]ModelInfo, 0, len(anthropic.Models))
	for _, m := range anthropic.Models {
		info := ModelInfo{
			ID:              m.ID,
			ContextWindow:   m.ContextWindow,
			MaxOutput:       m.MaxOutput,
			InputCostPer1K:  m.InputPrice / 1000,
			OutputCostPer1K: m.OutputPrice / 1000,
			Capabilities:    []string{"text"},
		}
		if m.Vision {
			info.Capabilities = append(info.Capabilities, "vision")
		}
		models = append(models, info)
	}
	return models
}

func (a *AnthropicAdapter) EstimateTokens(text string) int { return EstimateTokens(text) }
func (a *AnthropicAdapter) DefaultConfig() ModelConfig     { return a.defaults }

func (a *AnthropicAdapter) ValidateConfig(cfg ModelConfig) []string {
	return validateConfig(TypeAnthropic, cfg, a.Models(), configLimits{maxTemperature: 1, strictModels: true, maxStop: 8})
}

// Invoke sends the prompt as a single user message.
func (a *AnthropicAdapter) Invoke(ctx context.Context, prompt, model string, cfg ModelConfig) (*Response, error) {
	cfg = cfg.Merge(a.defaults)
	if model == "" {
		model = cfg.Model
	}

	req := anthropic.MessagesRequest{
		Model:         model,
		Messages:      []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature:   cfg.Temperature,
		TopP:          cfg.TopP,
		StopSequences: cfg.StopSequences,
	}
	if cfg.MaxTokens != nil {
		req.MaxTokens = *cfg.MaxTokens
	}

	start := time.Now()
	resp, raw, err := a.client.CreateMessage(ctx, req)
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyStatus(apiErr.StatusCode, errors.Wrap(err, "anthropic call failed"))
		}
		if !a.client.IsConfigured() {
			return nil, errors.MarkPermanent(err)
		}
		return nil, classifyError(errors.Wrap(err, "anthropic call failed"))
	}

	if resp.Model != "" {
		model = resp.Model
	}
	return &Response{
		Content:          resp.Text(),
		Model:            model,
		Provider:         TypeAnthropic,
		Usage:            NewUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Cost:             anthropic.CalculateCost(model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		FinishReason:     resp.StopReason,
		Raw:              raw,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// Embed is unsupported; Anthropic has no embeddings endpoint.
func (a *AnthropicAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.NewCapabilityError(string(TypeAnthropic), "embeddings")
}
