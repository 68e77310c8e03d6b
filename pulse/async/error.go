package async

import (
	"time"

	"github.com/teranos/docpipe/errors"
)

// ErrorDetails is the structured form of a job's last failure, persisted
// next to error_message.
type ErrorDetails struct {
	Kind      errors.Kind `json:"kind"`
	Stage     string      `json:"stage,omitempty"`
	Attempt   int         `json:"attempt"`
	Retryable bool        `json:"retryable"`
	Details   []string    `json:"details,omitempty"`
	Hints     []string    `json:"hints,omitempty"`
	At        time.Time   `json:"at"`
}

// ClassifyError describes err as it occurred in stage during attempt.
// Classification follows the error's kind marker, never its message text.
func ClassifyError(stage string, attempt int, err error, at time.Time) *ErrorDetails {
	if err == nil {
		return nil
	}
	kind := errors.KindOf(err)
	return &ErrorDetails{
		Kind:      kind,
		Stage:     stage,
		Attempt:   attempt,
		Retryable: kind != errors.KindPermanentProvider && kind != errors.KindValidation,
		Details:   errors.GetAllDetails(err),
		Hints:     errors.GetAllHints(err),
		At:        at.UTC(),
	}
}
