package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecommendForTask(t *testing.T) {
	openaiFake := newFake(TypeOpenAI, "gpt-4o", largeModel, miniModel)
	openaiFake.caps = Capabilities{Vision: true, Embeddings: true}
	claude := newFake(TypeAnthropic, "claude-sonnet-4-20250514",
		ModelInfo{ID: "claude-sonnet-4-20250514", ContextWindow: 200000, InputCostPer1K: 0.003, OutputCostPer1K: 0.015})
	claude.caps = Capabilities{Vision: true}
	pplx := newFake(TypePerplexity, "sonar-pro",
		ModelInfo{ID: "sonar", ContextWindow: 127000, InputCostPer1K: 0.001, OutputCostPer1K: 0.001})
	pplx.caps = Capabilities{Search: true}
	router := newFake(TypeOpenRouter, "meta-llama/llama-3.1-8b-instruct",
		ModelInfo{ID: "meta-llama/llama-3.1-8b-instruct", ContextWindow: 131072, InputCostPer1K: 0.000055, OutputCostPer1K: 0.000055})

	reg := newTestRegistry(t, openaiFake, claude, pplx, router)

	tests := []struct {
		name string
		req  Requirements
		want Type
	}{
		{"no requirements uses the default", Requirements{}, TypeOpenAI},
		{"large context", Requirements{ContextLength: 150000}, TypeAnthropic},
		{"context below threshold", Requirements{ContextLength: 50000}, TypeOpenAI},
		{"citations", Requirements{NeedsCitations: true}, TypePerplexity},
		{"real time", Requirements{NeedsRealTime: true}, TypePerplexity},
		{"low budget", Requirements{Budget: 0.01}, TypeOpenRouter},
		{"generous budget", Requirements{Budget: 5}, TypeOpenAI},
		{"large context beats citations", Requirements{ContextLength: 150000, NeedsCitations: true}, TypeAnthropic},
		{"vision goes to the first capable adapter", Requirements{NeedsVision: true}, TypeOpenAI},
		{"embeddings", Requirements{NeedsEmbeddings: true}, TypeOpenAI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reg.RecommendForTask("extraction", tt.req))
		})
	}
}

func TestRecommendForTask_SkipsUnavailable(t *testing.T) {
	openaiFake := newFake(TypeOpenAI, "gpt-4o", largeModel)
	pplx := newFake(TypePerplexity, "sonar-pro")
	pplx.caps = Capabilities{Search: true}
	pplx.available = false

	reg := newTestRegistry(t, openaiFake, pplx)
	assert.Equal(t, TypeOpenAI, reg.RecommendForTask("analysis", Requirements{NeedsCitations: true}))
}
