package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestNotFoundSurvivesWrapping(t *testing.T) {
	err := NewNotFoundError("template %s not found", "tpl-1")
	wrapped := Wrap(err, "failed to load template")

	assert.True(t, IsNotFoundError(wrapped))
	assert.False(t, IsInvalidRequestError(wrapped))
	assert.Contains(t, wrapped.Error(), "tpl-1")
}

func TestValidationErrorIsInvalidRequest(t *testing.T) {
	err := NewValidationError("priority must be between 1 and 5, got %d", 9)

	assert.True(t, Is(err, ErrValidation))
	assert.True(t, IsInvalidRequestError(err))
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestKindOf(t *testing.T) {
	base := New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"unmarked", base, KindInternal},
		{"transient", MarkTransient(base), KindTransientProvider},
		{"permanent", MarkPermanent(base), KindPermanentProvider},
		{"capability", NewCapabilityError("perplexity", "embeddings"), KindPermanentProvider},
		{"post-processing", NewPostProcessingError(base, "trim"), KindPostProcessing},
		{"document", NewDocumentUnavailableError(base, "https://docs.example/1"), KindDocumentUnavailable},
		{"wrapped transient", Wrap(MarkTransient(base), "provider call failed"), KindTransientProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestCapabilityErrorIsPermanent(t *testing.T) {
	err := NewCapabilityError("anthropic", "embeddings")

	assert.True(t, Is(err, ErrCapability))
	assert.True(t, IsPermanent(err))
	assert.Equal(t, "anthropic does not support embeddings", err.Error())
}

func TestDocumentUnavailableDetails(t *testing.T) {
	err := NewDocumentUnavailableError(fmt.Errorf("status 404"), "https://docs.example/tender.txt")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Document URL: https://docs.example/tender.txt", details[0])
}

func TestMarkNil(t *testing.T) {
	assert.NoError(t, MarkTransient(nil))
	assert.NoError(t, MarkPermanent(nil))
}
