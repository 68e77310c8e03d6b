package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/docpipe/errors"
)

func TestSubmitLimiterBurstPerOrganization(t *testing.T) {
	l := NewSubmitLimiter(60, 2)

	assert.NoError(t, l.Allow("acme"))
	assert.NoError(t, l.Allow("acme"))
	err := l.Allow("acme")
	assert.True(t, errors.Is(err, errors.ErrRateLimited))
	assert.NotEmpty(t, errors.GetAllHints(err))

	assert.NoError(t, l.Allow("globex"), "buckets are per organization")
	assert.NoError(t, l.Allow(""))
}

func TestSubmitLimiterDisabled(t *testing.T) {
	var nilLimiter *SubmitLimiter
	assert.NoError(t, nilLimiter.Allow("acme"))

	l := NewSubmitLimiter(0, 0)
	for i := 0; i < 100; i++ {
		assert.NoError(t, l.Allow("acme"))
	}
}
