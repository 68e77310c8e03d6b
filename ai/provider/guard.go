package provider

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/teranos/docpipe/errors"
)

// GuardConfig bounds calls to one adapter.
type GuardConfig struct {
	MaxConcurrency    int           // 0 = unbounded
	RequestsPerMinute int           // 0 = unlimited
	Timeout           time.Duration // per-call deadline, 0 = none
}

// Guard wraps an Adapter with a concurrency cap, a request rate and a per-call
// timeout. Every other method delegates to the wrapped adapter.
type Guard struct {
	Adapter
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	timeout time.Duration
}

// NewGuard wraps a with the limits in cfg.
func NewGuard(a Adapter, cfg GuardConfig) *Guard {
	g := &Guard{Adapter: a, timeout: cfg.Timeout}
	if cfg.MaxConcurrency > 0 {
		g.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrency))
	}
	if cfg.RequestsPerMinute > 0 {
		burst := cfg.MaxConcurrency
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
	}
	return g
}

// Unwrap returns the guarded adapter.
func (g *Guard) Unwrap() Adapter {
	return g.Adapter
}

// Invoke waits for a slot and a rate token, then calls the adapter under the
// per-call timeout.
func (g *Guard) Invoke(ctx context.Context, prompt, model string, cfg ModelConfig) (*Response, error) {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, errors.MarkTransient(errors.Wrapf(err, "waiting for %s call slot", g.Type()))
		}
		defer g.sem.Release(1)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, errors.MarkTransient(errors.Wrapf(err, "waiting for %s rate limit", g.Type()))
		}
	}

	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.Adapter.Invoke(callCtx, prompt, model, cfg)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = errors.Mark(errors.MarkTransient(errors.Wrapf(err, "%s call timed out after %s", g.Type(), g.timeout)), errors.ErrTimeout)
	}
	return resp, err
}

// Embed applies the same slot and timeout limits as Invoke.
func (g *Guard) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return nil, errors.MarkTransient(errors.Wrapf(err, "waiting for %s call slot", g.Type()))
		}
		defer g.sem.Release(1)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.Adapter.Embed(ctx, texts)
}
