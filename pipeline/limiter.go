package pipeline

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/teranos/docpipe/errors"
)

// anonymousKey buckets submissions that carry no organization.
const anonymousKey = "_"

// SubmitLimiter throttles job submissions per organization with one token
// bucket per organization.
type SubmitLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewSubmitLimiter allows perMinute submissions per organization with the
// given burst. perMinute <= 0 disables the limit.
func NewSubmitLimiter(perMinute, burst int) *SubmitLimiter {
	if burst <= 0 {
		burst = max(perMinute, 1)
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Limit(float64(perMinute) / 60)
	}
	return &SubmitLimiter{limit: limit, burst: burst, buckets: make(map[string]*rate.Limiter)}
}

// Allow takes one token from the organization's bucket or returns an error
// marked errors.ErrRateLimited.
func (l *SubmitLimiter) Allow(organizationID string) error {
	if l == nil || l.limit == rate.Inf {
		return nil
	}
	key := organizationID
	if key == "" {
		key = anonymousKey
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	if !b.Allow() {
		return errors.WithHint(
			errors.NewRateLimitedError("too many submissions for organization %q", organizationID),
			"retry after a short pause")
	}
	return nil
}
