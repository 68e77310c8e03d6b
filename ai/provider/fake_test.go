package provider

import (
	"context"
	"sync"

	"github.com/teranos/docpipe/errors"
)

type fakeCall struct {
	prompt string
	model  string
	cfg    ModelConfig
}

// fakeAdapter records calls and answers through respond.
type fakeAdapter struct {
	kind      Type
	available bool
	models    []ModelInfo
	caps      Capabilities
	defaults  ModelConfig
	respond   func(ctx context.Context, prompt, model string) (*Response, error)

	mu    sync.Mutex
	calls []fakeCall
}

func newFake(kind Type, defaultModel string, models ...ModelInfo) *fakeAdapter {
	return &fakeAdapter{
		kind:      kind,
		available: true,
		models:    models,
		defaults:  ModelConfig{Model: defaultModel},
	}
}

func (f *fakeAdapter) failing(err error) *fakeAdapter {
	f.respond = func(context.Context, string, string) (*Response, error) { return nil, err }
	return f
}

func (f *fakeAdapter) Type() Type                     { return f.kind }
func (f *fakeAdapter) Name() string                   { return string(f.kind) }
func (f *fakeAdapter) Description() string            { return "fake " + string(f.kind) }
func (f *fakeAdapter) Available() bool                { return f.available }
func (f *fakeAdapter) Models() []ModelInfo            { return f.models }
func (f *fakeAdapter) Capabilities() Capabilities     { return f.caps }
func (f *fakeAdapter) EstimateTokens(text string) int { return EstimateTokens(text) }
func (f *fakeAdapter) DefaultConfig() ModelConfig     { return f.defaults }
func (f *fakeAdapter) ValidateConfig(cfg ModelConfig) []string {
	return validateConfig(f.kind, cfg, f.models, configLimits{maxTemperature: 2, penalties: true})
}

func (f *fakeAdapter) Invoke(ctx context.Context, prompt, model string, cfg ModelConfig) (*Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{prompt: prompt, model: model, cfg: cfg})
	f.mu.Unlock()

	if f.respond != nil {
		return f.respond(ctx, prompt, model)
	}
	return &Response{
		Content:  "ok from " + string(f.kind),
		Model:    model,
		Provider: f.kind,
		Usage:    NewUsage(10, 5),
		Cost:     0.002,
	}, nil
}

func (f *fakeAdapter) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.NewCapabilityError(string(f.kind), "embeddings")
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeAdapter) lastCall() fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}
