package provider

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/internal/util"
)

var (
	miniModel  = ModelInfo{ID: "gpt-4o-mini", ContextWindow: 128000, MaxOutput: 16384, InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006}
	largeModel = ModelInfo{ID: "gpt-4o", ContextWindow: 128000, MaxOutput: 16384, InputCostPer1K: 0.0025, OutputCostPer1K: 0.01}
)

func newTestRegistry(t *testing.T, adapters ...Adapter) *Registry {
	t.Helper()
	reg := NewRegistry(TypeOpenAI, "gpt-4o-mini", zaptest.NewLogger(t).Sugar())
	for _, a := range adapters {
		require.NoError(t, reg.Register(a))
	}
	return reg
}

func TestParseType(t *testing.T) {
	tests := []struct {
		input   string
		want    Type
		wantErr bool
	}{
		{"openai", TypeOpenAI, false},
		{"Claude", TypeAnthropic, false},
		{" pplx ", TypePerplexity, false},
		{"or", TypeOpenRouter, false},
		{"local", TypeOllama, false},
		{"watson", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrValidation))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	reg := newTestRegistry(t, newFake(TypeOpenAI, "gpt-4o"))
	err := reg.Register(newFake(TypeOpenAI, "gpt-4o"))
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
	assert.Len(t, reg.Adapters(), 1)
}

func TestResolve(t *testing.T) {
	openaiFake := newFake(TypeOpenAI, "gpt-4o", largeModel, miniModel)
	claude := newFake(TypeAnthropic, "claude-sonnet-4-20250514")
	offline := newFake(TypeOllama, "llama3.2:3b")
	offline.available = false
	reg := newTestRegistry(t, openaiFake, claude, offline)

	tests := []struct {
		name            string
		provider, model string
		defaults        Defaults
		wantType        Type
		wantModel       string
		wantSubstituted bool
	}{
		{
			name:     "requested provider and model win",
			provider: "anthropic", model: "claude-3-5-haiku-20241022",
			defaults: Defaults{Provider: "openai", Model: "gpt-4o"},
			wantType: TypeAnthropic, wantModel: "claude-3-5-haiku-20241022",
		},
		{
			name:     "template defaults apply without a request",
			defaults: Defaults{Provider: "claude", Model: "claude-3-5-haiku-20241022"},
			wantType: TypeAnthropic, wantModel: "claude-3-5-haiku-20241022",
		},
		{
			name:     "template model applies to the same requested provider",
			provider: "anthropic",
			defaults: Defaults{Provider: "claude", Model: "claude-opus-4-20250514"},
			wantType: TypeAnthropic, wantModel: "claude-opus-4-20250514",
		},
		{
			name:     "adapter default model fills the gap",
			provider: "anthropic",
			wantType: TypeAnthropic, wantModel: "claude-sonnet-4-20250514",
		},
		{
			name:     "unrecognized name falls back to the system default",
			provider: "watson", model: "watson-large",
			wantType: TypeOpenAI, wantModel: "gpt-4o", wantSubstituted: true,
		},
		{
			name:     "unavailable adapter falls back to the system default",
			provider: "ollama",
			wantType: TypeOpenAI, wantModel: "gpt-4o", wantSubstituted: true,
		},
		{
			name:     "nothing requested uses the system default",
			wantType: TypeOpenAI, wantModel: "gpt-4o",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := reg.Resolve(tt.provider, tt.model, tt.defaults)
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, res.Adapter.Type())
			assert.Equal(t, tt.wantModel, res.Model)
			assert.Equal(t, tt.wantSubstituted, res.Substituted)
		})
	}
}

func TestResolve_NoDefaultAvailable(t *testing.T) {
	openaiFake := newFake(TypeOpenAI, "gpt-4o")
	openaiFake.available = false
	reg := newTestRegistry(t, openaiFake)

	_, err := reg.Resolve("mystery", "", Defaults{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestInvokeWithFallback_UsesDefaultAdapter(t *testing.T) {
	openaiFake := newFake(TypeOpenAI, "gpt-4o", largeModel, miniModel)
	openaiFake.caps.JSONMode = true
	broken := newFake(TypePerplexity, "sonar-pro").failing(errors.MarkTransient(errors.New("503 upstream")))
	reg := newTestRegistry(t, openaiFake, broken)

	var mu sync.Mutex
	var attempts []Attempt
	reg.SetObserver(func(ctx context.Context, jobID string, a Attempt) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "job-1", jobID)
		attempts = append(attempts, a)
	})

	res, err := reg.Resolve("perplexity", "", Defaults{})
	require.NoError(t, err)

	resp, err := reg.InvokeWithFallback(context.Background(), Invocation{
		JobID:      "job-1",
		Prompt:     "summarize",
		Resolution: res,
		Config:     ModelConfig{MaxTokens: util.Ptr(100000), JSONOutput: true},
	})
	require.NoError(t, err)
	assert.Equal(t, TypeOpenAI, resp.Provider)
	assert.Equal(t, "gpt-4o-mini", resp.Model)

	assert.Equal(t, 1, broken.callCount())
	require.Equal(t, 1, openaiFake.callCount())
	call := openaiFake.lastCall()
	assert.Equal(t, "gpt-4o-mini", call.model)
	assert.Equal(t, 16384, *call.cfg.MaxTokens, "max tokens clamped to the fallback model")
	assert.True(t, call.cfg.JSONOutput)

	require.Len(t, attempts, 2)
	assert.Equal(t, TypePerplexity, attempts[0].Provider)
	assert.False(t, attempts[0].Fallback)
	assert.Error(t, attempts[0].Err)
	assert.Equal(t, TypeOpenAI, attempts[1].Provider)
	assert.True(t, attempts[1].Fallback)
	assert.NoError(t, attempts[1].Err)
}

func TestInvokeWithFallback_BothFail(t *testing.T) {
	openaiFake := newFake(TypeOpenAI, "gpt-4o", miniModel).failing(errors.MarkTransient(errors.New("429 rate limited")))
	broken := newFake(TypeAnthropic, "claude").failing(errors.MarkPermanent(errors.New("401 invalid key")))
	reg := newTestRegistry(t, openaiFake, broken)

	res, err := reg.Resolve("anthropic", "", Defaults{})
	require.NoError(t, err)

	_, err = reg.InvokeWithFallback(context.Background(), Invocation{JobID: "job-2", Prompt: "p", Resolution: res})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback to openai")
	assert.True(t, errors.Is(err, errors.ErrTransientProvider))
	assert.Equal(t, 1, openaiFake.callCount())
	assert.Equal(t, 1, broken.callCount())
}

func TestInvokeWithFallback_DefaultFailureIsFinal(t *testing.T) {
	openaiFake := newFake(TypeOpenAI, "gpt-4o", miniModel).failing(errors.New("connection reset by peer"))
	reg := newTestRegistry(t, openaiFake)

	res, err := reg.Resolve("", "", Defaults{})
	require.NoError(t, err)

	_, err = reg.InvokeWithFallback(context.Background(), Invocation{Prompt: "p", Resolution: res})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransientProvider), "unmarked errors are classified")
	assert.Equal(t, 1, openaiFake.callCount())
}

func TestInvokeWithFallback_CancelledContextSkipsFallback(t *testing.T) {
	openaiFake := newFake(TypeOpenAI, "gpt-4o", miniModel)
	ctx, cancel := context.WithCancel(context.Background())
	broken := newFake(TypeOpenRouter, "openai/gpt-4o-mini")
	broken.respond = func(context.Context, string, string) (*Response, error) {
		cancel()
		return nil, context.Canceled
	}
	reg := newTestRegistry(t, openaiFake, broken)

	res, err := reg.Resolve("openrouter", "", Defaults{})
	require.NoError(t, err)

	_, err = reg.InvokeWithFallback(ctx, Invocation{Prompt: "p", Resolution: res})
	require.Error(t, err)
	assert.Equal(t, 0, openaiFake.callCount())
}

func TestFallbackModelFor(t *testing.T) {
	reg := NewRegistry(TypeOpenAI, "gpt-4o-mini", nil)

	assert.Equal(t, "gpt-4o-mini", reg.fallbackModelFor(newFake(TypeOpenAI, "gpt-4o", largeModel, miniModel)))
	assert.Equal(t, "gpt-4o-mini", reg.fallbackModelFor(newFake(TypeOpenAI, "gpt-4o")), "empty catalog accepts any model")

	cheap := ModelInfo{ID: "llama3.2:3b"}
	assert.Equal(t, "llama3.2:3b", reg.fallbackModelFor(newFake(TypeOllama, "llama3.1:8b", ModelInfo{ID: "llama3.1:8b", InputCostPer1K: 0.1}, cheap)))
}
