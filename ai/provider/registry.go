package provider

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
)

// Defaults are the template-level provider settings consulted by Resolve.
type Defaults struct {
	Provider string
	Model    string
}

// Resolution is the adapter and model chosen for a job.
type Resolution struct {
	Adapter     Adapter
	Model       string
	Requested   string // provider name as requested, before substitution
	Substituted bool   // the system default replaced the requested adapter
}

// Invocation is one prompt routed through InvokeWithFallback.
type Invocation struct {
	JobID      string
	Prompt     string
	Resolution Resolution
	Config     ModelConfig
}

// Attempt is one adapter call made by InvokeWithFallback.
type Attempt struct {
	Provider Type
	Model    string
	Config   ModelConfig
	Started  time.Time
	Duration time.Duration
	Response *Response
	Err      error
	Fallback bool
}

// Observer is notified of every adapter attempt, successful or not.
type Observer func(ctx context.Context, jobID string, attempt Attempt)

// Registry holds the adapter set. Adapters are registered at startup and
// read concurrently afterwards.
type Registry struct {
	mu            sync.RWMutex
	adapters      map[Type]Adapter
	order         []Type
	defaultType   Type
	fallbackModel string
	observer      Observer
	logger        *zap.SugaredLogger
}

// NewRegistry creates an empty registry whose system default is defaultType.
// fallbackModel is the smaller model used when a failed call is retried on
// the default adapter.
func NewRegistry(defaultType Type, fallbackModel string, log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Registry{
		adapters:      make(map[Type]Adapter),
		defaultType:   defaultType,
		fallbackModel: fallbackModel,
		logger:        log.Named("providers"),
	}
}

// Register adds an adapter. Each type may be registered once.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.Type()]; exists {
		return errors.NewConflictError("adapter %s already registered", a.Type())
	}
	r.adapters[a.Type()] = a
	r.order = append(r.order, a.Type())
	return nil
}

// SetObserver installs the attempt observer (usage tracking).
func (r *Registry) SetObserver(fn Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = fn
}

// Get returns the adapter registered for t.
func (r *Registry) Get(t Type) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[t]
	return a, ok
}

// Adapters returns registered adapters in registration order.
func (r *Registry) Adapters() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.adapters[t])
	}
	return out
}

// DefaultType returns the system default adapter type.
func (r *Registry) DefaultType() Type {
	return r.defaultType
}

// usable returns the adapter for t if it is registered and available.
func (r *Registry) usable(t Type) (Adapter, bool) {
	a, ok := r.Get(t)
	if !ok || !a.Available() {
		return nil, false
	}
	return a, true
}

// Resolve picks the adapter and model for a job. The requested provider wins,
// then the template default; an unregistered or unavailable choice falls over
// to the system default adapter, whose default model then applies.
func (r *Registry) Resolve(requestedProvider, requestedModel string, defaults Defaults) (Resolution, error) {
	name, model := requestedProvider, requestedModel
	if name == "" {
		name = defaults.Provider
		if model == "" {
			model = defaults.Model
		}
	} else if model == "" && defaults.Provider != "" && sameType(name, defaults.Provider) {
		model = defaults.Model
	}

	res := Resolution{Requested: name}
	if name != "" {
		if t, err := ParseType(name); err == nil {
			res.Adapter, _ = r.usable(t)
		}
	}

	if res.Adapter == nil {
		def, ok := r.usable(r.defaultType)
		if !ok {
			return Resolution{}, errors.Mark(
				errors.Newf("no available provider adapter (default %s is not configured)", r.defaultType),
				errors.ErrServiceUnavailable)
		}
		res.Adapter = def
		if name != "" {
			res.Substituted = true
			model = ""
			r.logger.Infow("Requested provider unavailable, using system default",
				"requested", name, logger.FieldProvider, def.Type())
		}
	}

	if model == "" {
		model = res.Adapter.DefaultConfig().Model
	}
	res.Model = model
	return res, nil
}

func sameType(a, b string) bool {
	ta, errA := ParseType(a)
	tb, errB := ParseType(b)
	return errA == nil && errB == nil && ta == tb
}

// InvokeWithFallback calls the resolved adapter. When that fails and the
// resolved adapter is not the system default, the call is retried once on the
// default adapter with the fallback model. A second failure is returned with
// the first attached as a secondary error.
func (r *Registry) InvokeWithFallback(ctx context.Context, inv Invocation) (*Response, error) {
	primary := inv.Resolution.Adapter
	if primary == nil {
		return nil, errors.New("invocation has no resolved adapter")
	}

	resp, err := r.attempt(ctx, inv.JobID, primary, inv.Resolution.Model, inv.Prompt, inv.Config, false)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	def, ok := r.usable(r.defaultType)
	if !ok || primary.Type() == def.Type() {
		return nil, err
	}

	model := r.fallbackModelFor(def)
	r.logger.Warnw("Provider call failed, falling back to default adapter",
		logger.FieldJobID, inv.JobID,
		logger.FieldProvider, primary.Type(),
		"fallback_provider", def.Type(),
		"fallback_model", model,
		logger.FieldError, err)

	resp, fallbackErr := r.attempt(ctx, inv.JobID, def, model, inv.Prompt, fallbackConfig(inv.Config, def, model), true)
	if fallbackErr == nil {
		return resp, nil
	}
	return nil, errors.WithSecondaryError(
		errors.Wrapf(fallbackErr, "fallback to %s after %s failed", def.Type(), primary.Type()), err)
}

func (r *Registry) attempt(ctx context.Context, jobID string, a Adapter, model, prompt string, cfg ModelConfig, fallback bool) (*Response, error) {
	started := time.Now()
	resp, err := a.Invoke(ctx, prompt, model, cfg)
	if err != nil {
		err = classifyError(err)
	}

	r.mu.RLock()
	observer := r.observer
	r.mu.RUnlock()
	if observer != nil {
		observer(ctx, jobID, Attempt{
			Provider: a.Type(),
			Model:    model,
			Config:   cfg,
			Started:  started,
			Duration: time.Since(started),
			Response: resp,
			Err:      err,
			Fallback: fallback,
		})
	}
	return resp, err
}

// fallbackModelFor picks the configured fallback model when the default
// adapter serves it, otherwise the adapter's cheapest model.
func (r *Registry) fallbackModelFor(def Adapter) string {
	models := def.Models()
	if r.fallbackModel != "" {
		if _, ok := FindModel(models, r.fallbackModel); ok || len(models) == 0 {
			return r.fallbackModel
		}
	}
	if m, ok := cheapestModel(models); ok {
		return m.ID
	}
	return def.DefaultConfig().Model
}

// fallbackConfig keeps the caller's generation settings but drops model
// specifics the fallback model may not accept.
func fallbackConfig(cfg ModelConfig, def Adapter, model string) ModelConfig {
	cfg.Model = model
	if m, ok := FindModel(def.Models(), model); ok && cfg.MaxTokens != nil && m.MaxOutput > 0 && *cfg.MaxTokens > m.MaxOutput {
		clamped := m.MaxOutput
		cfg.MaxTokens = &clamped
	}
	if !def.Capabilities().JSONMode {
		cfg.JSONOutput = false
	}
	return cfg
}
