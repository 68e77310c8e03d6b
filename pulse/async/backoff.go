package async

import (
	"time"

	"github.com/teranos/docpipe/errors"
)

// MaxBackoff caps the delay between attempts.
const MaxBackoff = time.Hour

// RetryPolicy decides what happens to a job after a failed attempt.
type RetryPolicy struct {
	BaseDelay time.Duration
	// ShortCircuitPermanent fails a job on its first permanent provider
	// error instead of spending the remaining attempts.
	ShortCircuitPermanent bool
}

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	Retry      bool
	RetryCount int
	Delay      time.Duration
}

// NextDelay is base·2^retryCount, capped at MaxBackoff.
func NextDelay(retryCount int, base time.Duration) time.Duration {
	if base <= 0 || retryCount < 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		if d >= MaxBackoff/2 {
			return MaxBackoff
		}
		d *= 2
	}
	return min(d, MaxBackoff)
}

// Decide counts the failed attempt against maxRetries. The job is retried
// while the incremented counter stays below maxRetries, so RetryCount never
// exceeds it.
func (p RetryPolicy) Decide(retryCount, maxRetries int, err error) Decision {
	next := min(retryCount+1, maxRetries)
	if next >= maxRetries {
		return Decision{RetryCount: next}
	}
	if p.ShortCircuitPermanent && errors.IsPermanent(err) {
		return Decision{RetryCount: next}
	}
	return Decision{Retry: true, RetryCount: next, Delay: NextDelay(next, p.BaseDelay)}
}
