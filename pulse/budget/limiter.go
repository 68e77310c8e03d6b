package budget

import (
	"fmt"
	"sync"
	"time"

	"github.com/teranos/docpipe/errors"
)

// ErrRateLimited is returned by Allow when the window is full.
var ErrRateLimited = errors.New("provider call rate limit reached")

// Limiter caps provider calls per sliding one-minute window.
// A limit of zero or less never refuses a call.
type Limiter struct {
	maxCallsPerMinute int
	window            time.Duration
	mu                sync.Mutex
	callTimes         []time.Time
	timeNow           func() time.Time // Injectable for testing
}

// NewLimiter creates a limiter allowing maxCallsPerMinute calls per minute.
func NewLimiter(maxCallsPerMinute int) *Limiter {
	return NewLimiterWithClock(maxCallsPerMinute, time.Now)
}

// NewLimiterWithClock creates a limiter that reads time from timeNow.
func NewLimiterWithClock(maxCallsPerMinute int, timeNow func() time.Time) *Limiter {
	return &Limiter{
		maxCallsPerMinute: maxCallsPerMinute,
		window:            time.Minute,
		callTimes:         make([]time.Time, 0, max(maxCallsPerMinute, 0)),
		timeNow:           timeNow,
	}
}

// Allow records a call, or returns ErrRateLimited when the window is full.
func (r *Limiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxCallsPerMinute <= 0 {
		return nil
	}
	now := r.timeNow()
	r.removeExpiredCalls(now)

	if len(r.callTimes) >= r.maxCallsPerMinute {
		err := errors.Wrapf(ErrRateLimited, "%d calls in the last minute", len(r.callTimes))
		return errors.WithDetail(err, fmt.Sprintf("Max calls per minute: %d", r.maxCallsPerMinute))
	}
	r.callTimes = append(r.callTimes, now)
	return nil
}

// Release returns the most recent slot taken by Allow, for a caller that
// reserved a call and then had nothing to call for.
func (r *Limiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.callTimes); n > 0 {
		r.callTimes = r.callTimes[:n-1]
	}
}

// NextSlot returns how long until Allow would accept a call. It is zero
// when a call is allowed now or the limiter is unlimited.
func (r *Limiter) NextSlot() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxCallsPerMinute <= 0 {
		return 0
	}
	now := r.timeNow()
	r.removeExpiredCalls(now)
	if len(r.callTimes) < r.maxCallsPerMinute {
		return 0
	}
	oldest := r.callTimes[len(r.callTimes)-r.maxCallsPerMinute]
	return max(oldest.Add(r.window).Sub(now), 0)
}

func (r *Limiter) removeExpiredCalls(now time.Time) {
	cutoff := now.Add(-r.window)
	expired := 0
	for _, callTime := range r.callTimes {
		if callTime.After(cutoff) {
			break
		}
		expired++
	}
	r.callTimes = r.callTimes[expired:]
}

// Stats returns the calls in the current window and how many remain.
// An unlimited limiter reports -1 remaining.
func (r *Limiter) Stats() (callsInWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeExpiredCalls(r.timeNow())
	callsInWindow = len(r.callTimes)
	if r.maxCallsPerMinute <= 0 {
		return callsInWindow, -1
	}
	return callsInWindow, max(r.maxCallsPerMinute-callsInWindow, 0)
}
