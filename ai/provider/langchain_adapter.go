package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"

	"github.com/teranos/docpipe/errors"
)

// LangChainConfig describes one backend served through a langchaingo model.
type LangChainConfig struct {
	Type         Type
	Name         string
	Description  string
	Model        llms.Model          // nil when the backend is not configured
	Embedder     embeddings.Embedder // nil when embeddings are unsupported
	Models       []ModelInfo
	Capabilities Capabilities
	Defaults     ModelConfig
	StrictModels bool // reject model ids outside Models
}

// LangChainAdapter adapts a langchaingo llms.Model. It backs the openai,
// perplexity and ollama types, which differ only in endpoint and catalog.
type LangChainAdapter struct {
	cfg LangChainConfig
}

// NewLangChainAdapter creates an adapter from cfg.
func NewLangChainAdapter(cfg LangChainConfig) *LangChainAdapter {
	cfg.Capabilities.Embeddings = cfg.Embedder != nil
	return &LangChainAdapter{cfg: cfg}
}

func (a *LangChainAdapter) Type() Type                 { return a.cfg.Type }
func (a *LangChainAdapter) Name() string               { return a.cfg.Name }
func (a *LangChainAdapter) Description() string        { return a.cfg.Description }
func (a *LangChainAdapter) Available() bool            { return a.cfg.Model != nil }
func (a *LangChainAdapter) Models() []ModelInfo        { return a.cfg.Models }
func (a *LangChainAdapter) Capabilities() Capabilities { return a.cfg.Capabilities }
func (a *LangChainAdapter) DefaultConfig() ModelConfig { return a.cfg.Defaults }
func (a *LangChainAdapter) EstimateTokens(text string) int {
	return EstimateTokens(text)
}

func (a *LangChainAdapter) ValidateConfig(cfg ModelConfig) []string {
	return validateConfig(a.cfg.Type, cfg, a.cfg.Models, configLimits{
		maxTemperature: 2,
		penalties:      true,
		strictModels:   a.cfg.StrictModels,
		maxStop:        4,
	})
}

func (a *LangChainAdapter) Invoke(ctx context.Context, prompt, model string, cfg ModelConfig) (*Response, error) {
	if a.cfg.Model == nil {
		return nil, errors.MarkPermanent(errors.Newf("%s adapter is not configured", a.cfg.Type))
	}
	cfg = cfg.Merge(a.cfg.Defaults)
	if model == "" {
		model = cfg.Model
	}

	start := time.Now()
	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}
	resp, err := a.cfg.Model.GenerateContent(ctx, messages, a.callOptions(model, cfg)...)
	if err != nil {
		return nil, classifyError(errors.Wrapf(err, "%s call failed", a.cfg.Type))
	}
	if len(resp.Choices) == 0 {
		return nil, errors.MarkTransient(errors.Newf("no response choices from %s", a.cfg.Type))
	}

	choice := resp.Choices[0]
	content := strings.TrimSpace(choice.Content)

	usage := NewUsage(infoInt(choice.GenerationInfo, "PromptTokens"), infoInt(choice.GenerationInfo, "CompletionTokens"))
	if usage.TotalTokens == 0 {
		// some local servers omit counts
		usage = NewUsage(EstimateTokens(prompt), EstimateTokens(content))
	}

	var cost float64
	if m, ok := FindModel(a.cfg.Models, model); ok {
		cost = m.Cost(usage)
	}

	raw, _ := json.Marshal(map[string]any{
		"content":         choice.Content,
		"stop_reason":     choice.StopReason,
		"generation_info": choice.GenerationInfo,
	})

	return &Response{
		Content:          content,
		Model:            model,
		Provider:         a.cfg.Type,
		Usage:            usage,
		Cost:             cost,
		FinishReason:     choice.StopReason,
		Raw:              raw,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

func (a *LangChainAdapter) callOptions(model string, cfg ModelConfig) []llms.CallOption {
	opts := []llms.CallOption{llms.WithModel(model)}
	if cfg.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*cfg.Temperature))
	}
	if cfg.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*cfg.MaxTokens))
	}
	if cfg.TopP != nil {
		opts = append(opts, llms.WithTopP(*cfg.TopP))
	}
	if cfg.FrequencyPenalty != nil {
		opts = append(opts, llms.WithFrequencyPenalty(*cfg.FrequencyPenalty))
	}
	if cfg.PresencePenalty != nil {
		opts = append(opts, llms.WithPresencePenalty(*cfg.PresencePenalty))
	}
	if len(cfg.StopSequences) > 0 {
		opts = append(opts, llms.WithStopWords(cfg.StopSequences))
	}
	if cfg.JSONOutput && a.cfg.Capabilities.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

// Embed returns one vector per text.
func (a *LangChainAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if a.cfg.Embedder == nil {
		return nil, errors.NewCapabilityError(string(a.cfg.Type), "embeddings")
	}
	vectors, err := a.cfg.Embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classifyError(errors.Wrapf(err, "%s embeddings failed", a.cfg.Type))
	}
	return vectors, nil
}

// infoInt reads a token count from langchaingo generation info, whose value
// types differ between backends.
func infoInt(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
