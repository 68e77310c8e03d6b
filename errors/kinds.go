package errors

import "fmt"

// Pipeline failure kinds. Errors are marked with one of these references
// via Mark, so classification survives any amount of wrapping.
var (
	// ErrValidation rejects a submission synchronously; the job is never enqueued.
	ErrValidation = New("validation error")

	// ErrTransientProvider covers timeouts, rate limits and 5xx responses.
	ErrTransientProvider = New("transient provider error")

	// ErrPermanentProvider covers bad credentials and malformed requests.
	ErrPermanentProvider = New("permanent provider error")

	// ErrCapability is a permanent provider error for unsupported operations.
	ErrCapability = New("capability not supported")

	// ErrPostProcessing covers failing post-processing rules and required-JSON parse failures.
	ErrPostProcessing = New("post-processing error")

	// ErrDocumentUnavailable is returned when document content cannot be fetched.
	ErrDocumentUnavailable = New("document unavailable")
)

// Kind is the persisted classification of a pipeline failure.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindTransientProvider   Kind = "transient_provider"
	KindPermanentProvider   Kind = "permanent_provider"
	KindPostProcessing      Kind = "post_processing"
	KindDocumentUnavailable Kind = "document_unavailable"
	KindInternal            Kind = "internal"
)

// KindOf classifies err. Unmarked errors are internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrValidation):
		return KindValidation
	case Is(err, ErrTransientProvider):
		return KindTransientProvider
	case Is(err, ErrPermanentProvider), Is(err, ErrCapability):
		return KindPermanentProvider
	case Is(err, ErrPostProcessing):
		return KindPostProcessing
	case Is(err, ErrDocumentUnavailable):
		return KindDocumentUnavailable
	default:
		return KindInternal
	}
}

// IsPermanent reports whether retrying err cannot help.
func IsPermanent(err error) bool {
	return KindOf(err) == KindPermanentProvider
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Mark(Mark(Newf(format, args...), ErrValidation), ErrInvalidRequest)
}

// MarkValidation marks an existing error as a validation failure.
func MarkValidation(err error) error {
	if err == nil {
		return nil
	}
	return Mark(Mark(err, ErrValidation), ErrInvalidRequest)
}

// MarkTransient marks err as a transient provider failure.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrTransientProvider)
}

// MarkPermanent marks err as a permanent provider failure.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return Mark(err, ErrPermanentProvider)
}

// NewCapabilityError reports that a provider does not support an operation.
func NewCapabilityError(provider, operation string) error {
	err := Newf("%s does not support %s", provider, operation)
	return Mark(Mark(err, ErrCapability), ErrPermanentProvider)
}

// NewPostProcessingError wraps a failing post-processing rule.
func NewPostProcessingError(err error, rule string) error {
	return Mark(Wrapf(err, "post-processing rule %q failed", rule), ErrPostProcessing)
}

// NewDocumentUnavailableError marks a document fetch failure.
func NewDocumentUnavailableError(err error, url string) error {
	wrapped := Wrap(err, "failed to fetch document content")
	wrapped = WithDetail(wrapped, fmt.Sprintf("Document URL: %s", url))
	return Mark(wrapped, ErrDocumentUnavailable)
}
