package provider

import (
	"context"
	"strings"
	"time"

	"github.com/teranos/docpipe/ai/openrouter"
	"github.com/teranos/docpipe/errors"
)

// OpenRouterAdapter serves hosted models through the OpenRouter gateway.
// Any routed model id is accepted; catalog entries only add pricing and limits.
type OpenRouterAdapter struct {
	client   *openrouter.Client
	defaults ModelConfig
}

// NewOpenRouterAdapter wraps client. defaults fill unset call settings.
func NewOpenRouterAdapter(client *openrouter.Client, defaults ModelConfig) *OpenRouterAdapter {
	if defaults.Model == "" {
		defaults.Model = openrouter.DefaultModel
	}
	return &OpenRouterAdapter{client: client, defaults: defaults}
}

func (a *OpenRouterAdapter) Type() Type          { return TypeOpenRouter }
func (a *OpenRouterAdapter) Name() string        { return "OpenRouter" }
func (a *OpenRouterAdapter) Description() string { return "Gateway to low-cost hosted models" }
func (a *OpenRouterAdapter) Available() bool     { return a.client.IsConfigured() }

func (a *OpenRouterAdapter) Capabilities() Capabilities {
	return Capabilities{JSONMode: true}
}

func (a *OpenRouterAdapter) Models() []ModelInfo {
	models := make([]ModelInfo, 0, len(openrouter.Models))
	for _, m := range openrouter.Models {
		models = append(models, ModelInfo{
			ID:              m.ID,
			ContextWindow:   m.ContextWindow,
			MaxOutput:       m.MaxOutput,
			InputCostPer1K:  m.PromptPrice / 1000,
			OutputCostPer1K: m.CompletionPrice / 1000,
			Capabilities:    []string{"text"},
		})
	}
	return models
}

func (a *OpenRouterAdapter) EstimateTokens(text string) int { return EstimateTokens(text) }
func (a *OpenRouterAdapter) DefaultConfig() ModelConfig     { return a.defaults }

func (a *OpenRouterAdapter) ValidateConfig(cfg ModelConfig) []string {
	return validateConfig(TypeOpenRouter, cfg, a.Models(), configLimits{maxTemperature: 2, penalties: true, maxStop: 4})
}

func (a *OpenRouterAdapter) Invoke(ctx context.Context, prompt, model string, cfg ModelConfig) (*Response, error) {
	cfg = cfg.Merge(a.defaults)
	if model == "" {
		model = cfg.Model
	}

	req := openrouter.ChatCompletionRequest{
		Model:            model,
		Messages:         []openrouter.Message{openrouter.NewTextMessage("user", prompt)},
		Temperature:      cfg.Temperature,
		MaxTokens:        cfg.MaxTokens,
		TopP:             cfg.TopP,
		FrequencyPenalty: cfg.FrequencyPenalty,
		PresencePenalty:  cfg.PresencePenalty,
		Stop:             cfg.StopSequences,
	}
	if cfg.JSONOutput {
		req.ResponseFormat = &openrouter.ResponseFormat{Type: "json_object"}
	}

	start := time.Now()
	resp, raw, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openrouter.APIError
		if errors.As(err, &apiErr) {
			return nil, classifyStatus(apiErr.StatusCode, errors.Wrap(err, "openrouter call failed"))
		}
		if !a.client.IsConfigured() {
			return nil, errors.MarkPermanent(err)
		}
		return nil, classifyError(errors.Wrap(err, "openrouter call failed"))
	}

	choice := resp.Choices[0]
	usage := NewUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return &Response{
		Content:          strings.TrimSpace(choice.Message.TextContent()),
		Model:            model,
		Provider:         TypeOpenRouter,
		Usage:            usage,
		Cost:             openrouter.CalculateCost(model, usage.PromptTokens, usage.CompletionTokens),
		FinishReason:     choice.FinishReason,
		Raw:              raw,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// Embed is unsupported through the gateway.
func (a *OpenRouterAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.NewCapabilityError(string(TypeOpenRouter), "embeddings")
}
