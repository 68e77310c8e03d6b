package provider

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/docpipe/am"
)

func defaultConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestNewRegistryFromConfig_RegistersEveryType(t *testing.T) {
	cfg := defaultConfig(t)

	reg, err := NewRegistryFromConfig(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	adapters := reg.Adapters()
	require.Len(t, adapters, len(Types))
	for i, a := range adapters {
		assert.Equal(t, Types[i], a.Type())
		assert.False(t, a.Available(), "%s has no credentials", a.Type())
		_, guarded := a.(*Guard)
		assert.True(t, guarded)
	}
	assert.Equal(t, TypeOpenAI, reg.DefaultType())
}

func TestNewRegistryFromConfig_Credentials(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Providers.OpenAI.APIKey = "sk-test"
	cfg.Providers.Anthropic.APIKey = "sk-ant-test"
	cfg.Providers.Perplexity.APIKey = "pplx-test"
	cfg.Providers.Perplexity.Enabled = false
	cfg.Providers.Ollama.Enabled = true

	reg, err := NewRegistryFromConfig(cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	available := map[Type]bool{}
	for _, a := range reg.Adapters() {
		available[a.Type()] = a.Available()
	}
	assert.True(t, available[TypeOpenAI])
	assert.True(t, available[TypeAnthropic])
	assert.False(t, available[TypePerplexity], "disabled in config")
	assert.False(t, available[TypeOpenRouter])
	assert.True(t, available[TypeOllama])

	openaiAdapter, _ := reg.Get(TypeOpenAI)
	assert.True(t, openaiAdapter.Capabilities().Embeddings)
	assert.Equal(t, "gpt-4o", openaiAdapter.DefaultConfig().Model)

	// zero-cost local models win the budget rule
	assert.Equal(t, TypeOllama, reg.RecommendForTask("summary", Requirements{Budget: 0.001}))
	assert.Equal(t, TypeAnthropic, reg.RecommendForTask("comparison", Requirements{ContextLength: 180000}))
}

func TestNewRegistryFromConfig_InvalidDefault(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Providers.Default = "watson"

	_, err := NewRegistryFromConfig(cfg, nil)
	require.Error(t, err)
}
