package provider

import (
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/ai/anthropic"
	"github.com/teranos/docpipe/ai/openrouter"
	"github.com/teranos/docpipe/am"
	"github.com/teranos/docpipe/errors"
)

// PerplexityBaseURL is Perplexity's OpenAI-compatible endpoint.
const PerplexityBaseURL = "https://api.perplexity.ai"

var openAIModels = []ModelInfo{
	{ID: "gpt-4o", ContextWindow: 128000, MaxOutput: 16384, InputCostPer1K: 0.0025, OutputCostPer1K: 0.01, Capabilities: []string{"text", "vision", "json"}},
	{ID: "gpt-4o-mini", ContextWindow: 128000, MaxOutput: 16384, InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006, Capabilities: []string{"text", "vision", "json"}},
	{ID: "gpt-4-turbo", ContextWindow: 128000, MaxOutput: 4096, InputCostPer1K: 0.01, OutputCostPer1K: 0.03, Capabilities: []string{"text", "vision", "json"}},
}

var perplexityModels = []ModelInfo{
	{ID: "sonar", ContextWindow: 127000, MaxOutput: 8000, InputCostPer1K: 0.001, OutputCostPer1K: 0.001, Capabilities: []string{"text", "search", "citations"}},
	{ID: "sonar-pro", ContextWindow: 200000, MaxOutput: 8000, InputCostPer1K: 0.003, OutputCostPer1K: 0.015, Capabilities: []string{"text", "search", "citations"}},
	{ID: "sonar-reasoning", ContextWindow: 127000, MaxOutput: 8000, InputCostPer1K: 0.001, OutputCostPer1K: 0.005, Capabilities: []string{"text", "search", "citations"}},
}

var ollamaModels = []ModelInfo{
	{ID: "llama3.2:3b", ContextWindow: 131072, MaxOutput: 4096, Capabilities: []string{"text", "local"}},
	{ID: "llama3.1:8b", ContextWindow: 131072, MaxOutput: 4096, Capabilities: []string{"text", "local"}},
	{ID: "nomic-embed-text", ContextWindow: 8192, Capabilities: []string{"embeddings", "local"}},
}

// NewRegistryFromConfig builds the registry with every adapter type. Adapters
// without credentials (or disabled in config) are registered but unavailable.
func NewRegistryFromConfig(cfg *am.Config, log *zap.SugaredLogger) (*Registry, error) {
	defaultType := TypeOpenAI
	if cfg.Providers.Default != "" {
		t, err := ParseType(cfg.Providers.Default)
		if err != nil {
			return nil, errors.Wrap(err, "invalid providers.default")
		}
		defaultType = t
	}

	reg := NewRegistry(defaultType, cfg.Providers.FallbackModel, log)

	builders := []struct {
		t     Type
		build func(am.ProviderConfig) (Adapter, error)
	}{
		{TypeOpenAI, newOpenAIAdapter},
		{TypeAnthropic, newAnthropicAdapter},
		{TypePerplexity, newPerplexityAdapter},
		{TypeOpenRouter, newOpenRouterAdapter},
		{TypeOllama, newOllamaAdapter},
	}

	for _, b := range builders {
		pc, _ := cfg.Providers.Provider(string(b.t))
		adapter, err := b.build(pc)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create %s adapter", b.t)
		}
		if err := reg.Register(NewGuard(adapter, guardConfig(pc))); err != nil {
			return nil, err
		}
		reg.logger.Debugw("Registered provider adapter", "provider", b.t, "available", adapter.Available())
	}

	return reg, nil
}

func guardConfig(pc am.ProviderConfig) GuardConfig {
	return GuardConfig{
		MaxConcurrency:    pc.MaxConcurrency,
		RequestsPerMinute: pc.RequestsPerMinute,
		Timeout:           time.Duration(pc.TimeoutSeconds) * time.Second,
	}
}

func defaultsFrom(pc am.ProviderConfig, model string) ModelConfig {
	if pc.Model != "" {
		model = pc.Model
	}
	return ModelConfig{Model: model, Temperature: pc.Temperature, MaxTokens: pc.MaxTokens}
}

func newAnthropicAdapter(pc am.ProviderConfig) (Adapter, error) {
	apiKey := pc.APIKey
	if !pc.Enabled {
		apiKey = ""
	}
	client := anthropic.NewClient(anthropic.Config{
		APIKey:  apiKey,
		BaseURL: pc.BaseURL,
		Timeout: time.Duration(pc.TimeoutSeconds) * time.Second,
	})
	return NewAnthropicAdapter(client, defaultsFrom(pc, anthropic.DefaultModel)), nil
}

func newOpenRouterAdapter(pc am.ProviderConfig) (Adapter, error) {
	apiKey := pc.APIKey
	if !pc.Enabled {
		apiKey = ""
	}
	client := openrouter.NewClient(openrouter.Config{
		APIKey:  apiKey,
		BaseURL: pc.BaseURL,
		Timeout: time.Duration(pc.TimeoutSeconds) * time.Second,
	})
	return NewOpenRouterAdapter(client, defaultsFrom(pc, openrouter.DefaultModel)), nil
}

func newOpenAIAdapter(pc am.ProviderConfig) (Adapter, error) {
	cfg := LangChainConfig{
		Type:         TypeOpenAI,
		Name:         "OpenAI",
		Description:  "General-purpose GPT models with JSON mode and embeddings",
		Models:       openAIModels,
		Capabilities: Capabilities{Streaming: true, Vision: true, FunctionCalling: true, JSONMode: true},
		Defaults:     defaultsFrom(pc, "gpt-4o"),
	}
	if pc.Enabled && pc.APIKey != "" {
		opts := []openai.Option{openai.WithToken(pc.APIKey), openai.WithModel(cfg.Defaults.Model)}
		if pc.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pc.BaseURL))
		}
		llm, err := openai.New(append(opts, openai.WithEmbeddingModel("text-embedding-3-small"))...)
		if err != nil {
			return nil, err
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, err
		}
		cfg.Model, cfg.Embedder = llm, embedder
	}
	return NewLangChainAdapter(cfg), nil
}

func newPerplexityAdapter(pc am.ProviderConfig) (Adapter, error) {
	cfg := LangChainConfig{
		Type:         TypePerplexity,
		Name:         "Perplexity",
		Description:  "Search-backed Sonar models with citations and real-time data",
		Models:       perplexityModels,
		Capabilities: Capabilities{Streaming: true, Search: true},
		Defaults:     defaultsFrom(pc, "sonar-pro"),
		StrictModels: true,
	}
	if pc.Enabled && pc.APIKey != "" {
		baseURL := pc.BaseURL
		if baseURL == "" {
			baseURL = PerplexityBaseURL
		}
		llm, err := openai.New(
			openai.WithToken(pc.APIKey),
			openai.WithModel(cfg.Defaults.Model),
			openai.WithBaseURL(baseURL),
		)
		if err != nil {
			return nil, err
		}
		cfg.Model = llm
	}
	return NewLangChainAdapter(cfg), nil
}

func newOllamaAdapter(pc am.ProviderConfig) (Adapter, error) {
	cfg := LangChainConfig{
		Type:         TypeOllama,
		Name:         "Ollama",
		Description:  "Local models at zero cost",
		Models:       withModel(ollamaModels, pc.Model),
		Capabilities: Capabilities{Streaming: true, JSONMode: true},
		Defaults:     defaultsFrom(pc, "llama3.2:3b"),
	}
	if pc.Enabled {
		opts := []ollama.Option{ollama.WithModel(cfg.Defaults.Model)}
		if pc.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(pc.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, err
		}
		embedder, err := embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, err
		}
		cfg.Model, cfg.Embedder = llm, embedder
	}
	return NewLangChainAdapter(cfg), nil
}

// withModel adds a configured local model to the catalog so it is priced (at zero).
func withModel(models []ModelInfo, id string) []ModelInfo {
	if id == "" {
		return models
	}
	if _, ok := FindModel(models, id); ok {
		return models
	}
	return append([]ModelInfo{{ID: id, Capabilities: []string{"text", "local"}}}, models...)
}

var _ llms.Model = (*openai.LLM)(nil)
var _ llms.Model = (*ollama.LLM)(nil)
