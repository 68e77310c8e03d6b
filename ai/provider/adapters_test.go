package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/teranos/docpipe/ai/anthropic"
	"github.com/teranos/docpipe/ai/openrouter"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/internal/util"
)

func anthropicAdapterFor(t *testing.T, handler http.HandlerFunc) *AnthropicAdapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := anthropic.NewClient(anthropic.Config{APIKey: "test-key"})
	client.SetHTTPClient(server.Client())
	client.SetBaseURL(server.URL)
	return NewAnthropicAdapter(client, ModelConfig{Temperature: util.Ptr(0.2)})
}

func TestAnthropicAdapter_Invoke(t *testing.T) {
	adapter := anthropicAdapterFor(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropic.MessagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-5-haiku-20241022", req.Model)
		assert.Equal(t, 0.2, *req.Temperature)
		assert.Equal(t, 512, req.MaxTokens)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "Budget: $500", req.Messages[0].Content)

		w.Write([]byte(`{"id":"msg_1","content":[{"type":"text","text":"{\"budget\":500}"}],
			"model":"claude-3-5-haiku-20241022","stop_reason":"end_turn",
			"usage":{"input_tokens":1000,"output_tokens":1000}}`))
	})

	resp, err := adapter.Invoke(context.Background(), "Budget: $500", "claude-3-5-haiku-20241022", ModelConfig{MaxTokens: util.Ptr(512)})
	require.NoError(t, err)

	assert.Equal(t, `{"budget":500}`, resp.Content)
	assert.Equal(t, TypeAnthropic, resp.Provider)
	assert.Equal(t, "end_turn", resp.FinishReason)
	assert.Equal(t, NewUsage(1000, 1000), resp.Usage)
	assert.InDelta(t, 0.0048, resp.Cost, 1e-9)
	assert.Contains(t, string(resp.Raw), "msg_1")
	assert.True(t, adapter.Available())
}

func TestAnthropicAdapter_ErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		want   errors.Kind
	}{
		{529, errors.KindTransientProvider},
		{429, errors.KindTransientProvider},
		{401, errors.KindPermanentProvider},
		{400, errors.KindPermanentProvider},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			adapter := anthropicAdapterFor(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"type":"error","error":{"type":"x","message":"nope"}}`))
			})
			_, err := adapter.Invoke(context.Background(), "p", "", ModelConfig{})
			require.Error(t, err)
			assert.Equal(t, tt.want, errors.KindOf(err))
		})
	}
}

func TestAnthropicAdapter_Contract(t *testing.T) {
	adapter := NewAnthropicAdapter(anthropic.NewClient(anthropic.Config{}), ModelConfig{})

	assert.False(t, adapter.Available())
	assert.Equal(t, anthropic.DefaultModel, adapter.DefaultConfig().Model)
	assert.False(t, adapter.Capabilities().Embeddings)
	assert.Equal(t, 200000, maxContext(adapter.Models()))

	_, err := adapter.Embed(context.Background(), []string{"x"})
	assert.True(t, errors.Is(err, errors.ErrCapability))
	assert.True(t, errors.IsPermanent(err))

	_, err = adapter.Invoke(context.Background(), "p", "", ModelConfig{})
	assert.Equal(t, errors.KindPermanentProvider, errors.KindOf(err))

	assert.NotEmpty(t, adapter.ValidateConfig(ModelConfig{Model: "gpt-4o"}))
	assert.Empty(t, adapter.ValidateConfig(ModelConfig{Model: anthropic.DefaultModel}))
}

func TestOpenRouterAdapter_Invoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openrouter.ChatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, openrouter.DefaultModel, req.Model)
		require.NotNil(t, req.ResponseFormat)

		w.Write([]byte(`{"id":"gen-1","model":"openai/gpt-4o-mini",
			"choices":[{"message":{"role":"assistant","content":" {\"a\":1} "},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":2000,"completion_tokens":1000,"total_tokens":9999}}`))
	}))
	defer server.Close()

	client := openrouter.NewClient(openrouter.Config{APIKey: "k"})
	client.SetHTTPClient(server.Client())
	client.SetBaseURL(server.URL)
	adapter := NewOpenRouterAdapter(client, ModelConfig{})

	resp, err := adapter.Invoke(context.Background(), "p", "", ModelConfig{JSONOutput: true})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, resp.Content)
	assert.Equal(t, 3000, resp.Usage.TotalTokens, "total is always prompt + completion")
	assert.InDelta(t, 0.0009, resp.Cost, 1e-9)
	assert.Equal(t, "stop", resp.FinishReason)
}

// fakeLLM is a langchaingo model answering from a fixed response.
type fakeLLM struct {
	resp    *llms.ContentResponse
	err     error
	options llms.CallOptions
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, opt := range options {
		opt(&f.options)
	}
	return f.resp, f.err
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

type fakeEmbedder struct{}

func (fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1}
	}
	return out, nil
}

func (fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}

func TestLangChainAdapter_Invoke(t *testing.T) {
	llm := &fakeLLM{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:    `{"a":1}`,
		StopReason: "stop",
		GenerationInfo: map[string]any{
			"PromptTokens":     1000,
			"CompletionTokens": 500,
			"TotalTokens":      1500,
		},
	}}}}

	adapter := NewLangChainAdapter(LangChainConfig{
		Type:         TypeOpenAI,
		Name:         "OpenAI",
		Model:        llm,
		Models:       []ModelInfo{largeModel},
		Capabilities: Capabilities{JSONMode: true},
		Defaults:     ModelConfig{Model: "gpt-4o", Temperature: util.Ptr(0.3)},
	})

	resp, err := adapter.Invoke(context.Background(), "extract", "", ModelConfig{MaxTokens: util.Ptr(800), JSONOutput: true})
	require.NoError(t, err)

	assert.Equal(t, `{"a":1}`, resp.Content)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, NewUsage(1000, 500), resp.Usage)
	assert.InDelta(t, 0.0025+0.005, resp.Cost, 1e-9)
	assert.Equal(t, "stop", resp.FinishReason)

	assert.Equal(t, "gpt-4o", llm.options.Model)
	assert.Equal(t, 0.3, llm.options.Temperature)
	assert.Equal(t, 800, llm.options.MaxTokens)
	assert.True(t, llm.options.JSONMode)
}

func TestLangChainAdapter_EstimatesMissingUsage(t *testing.T) {
	llm := &fakeLLM{resp: &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "12345678"}}}}
	adapter := NewLangChainAdapter(LangChainConfig{Type: TypeOllama, Model: llm, Defaults: ModelConfig{Model: "llama3.2:3b"}})

	resp, err := adapter.Invoke(context.Background(), "abcd", "", ModelConfig{JSONOutput: true})
	require.NoError(t, err)
	assert.Equal(t, NewUsage(1, 2), resp.Usage)
	assert.Equal(t, 0.0, resp.Cost)
	assert.False(t, llm.options.JSONMode, "json mode only when the backend supports it")
}

func TestLangChainAdapter_Errors(t *testing.T) {
	t.Run("unconfigured", func(t *testing.T) {
		adapter := NewLangChainAdapter(LangChainConfig{Type: TypePerplexity})
		assert.False(t, adapter.Available())
		_, err := adapter.Invoke(context.Background(), "p", "sonar", ModelConfig{})
		assert.Equal(t, errors.KindPermanentProvider, errors.KindOf(err))
	})

	t.Run("status error", func(t *testing.T) {
		llm := &fakeLLM{err: errors.New("API returned unexpected status code: 503: overloaded")}
		adapter := NewLangChainAdapter(LangChainConfig{Type: TypeOpenAI, Model: llm})
		_, err := adapter.Invoke(context.Background(), "p", "gpt-4o", ModelConfig{})
		assert.Equal(t, errors.KindTransientProvider, errors.KindOf(err))
	})

	t.Run("no choices", func(t *testing.T) {
		llm := &fakeLLM{resp: &llms.ContentResponse{}}
		adapter := NewLangChainAdapter(LangChainConfig{Type: TypeOpenAI, Model: llm})
		_, err := adapter.Invoke(context.Background(), "p", "gpt-4o", ModelConfig{})
		assert.Equal(t, errors.KindTransientProvider, errors.KindOf(err))
	})
}

func TestLangChainAdapter_Embed(t *testing.T) {
	withEmbedder := NewLangChainAdapter(LangChainConfig{Type: TypeOllama, Model: &fakeLLM{}, Embedder: fakeEmbedder{}})
	assert.True(t, withEmbedder.Capabilities().Embeddings)

	vectors, err := withEmbedder.Embed(context.Background(), []string{"ab", "abcd"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {4, 1}}, vectors)

	without := NewLangChainAdapter(LangChainConfig{Type: TypePerplexity, Model: &fakeLLM{}})
	_, err = without.Embed(context.Background(), []string{"x"})
	assert.True(t, errors.Is(err, errors.ErrCapability))
}
