// Package result holds the persisted output of a completed job attempt and
// the post-processing that turns a provider response into it.
package result

import (
	"math"
	"time"
)

// ValidationStatus of a result's extracted data.
type ValidationStatus string

const (
	StatusPending       ValidationStatus = "pending"
	StatusValid         ValidationStatus = "valid"
	StatusInvalid       ValidationStatus = "invalid"
	StatusPartial       ValidationStatus = "partial"
	StatusNotApplicable ValidationStatus = "not_applicable"
)

// ParseValidationStatus returns the status named s, or false.
func ParseValidationStatus(s string) (ValidationStatus, bool) {
	switch st := ValidationStatus(s); st {
	case StatusPending, StatusValid, StatusInvalid, StatusPartial, StatusNotApplicable:
		return st, true
	}
	return "", false
}

// Severities of a validation error
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// ValidationError is one problem found in the extracted data.
type ValidationError struct {
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Entity is something the model detected in the document.
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Relationship links two detected entities.
type Relationship struct {
	From       string  `json:"from"`
	To         string  `json:"to"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Feedback is a reviewer's comment on a result.
type Feedback struct {
	By      string    `json:"by"`
	Rating  int       `json:"rating,omitempty"`
	Comment string    `json:"comment,omitempty"`
	At      time.Time `json:"at"`
}

// Result is the output of one successful job attempt.
type Result struct {
	ID               string            `json:"id"`
	JobID            string            `json:"job_id"`
	RawContent       string            `json:"raw_content"`
	ExtractedData    map[string]any    `json:"extracted_data,omitempty"`
	Summary          string            `json:"summary,omitempty"`
	Confidence       float64           `json:"confidence"`
	ValidationStatus ValidationStatus  `json:"validation_status"`
	ValidationErrors []ValidationError `json:"validation_errors,omitempty"`
	Entities         []Entity          `json:"entities,omitempty"`
	Relationships    []Relationship    `json:"relationships,omitempty"`

	RequiresHumanReview bool       `json:"requires_human_review"`
	ReviewedBy          string     `json:"reviewed_by,omitempty"`
	ReviewedAt          *time.Time `json:"reviewed_at,omitempty"`
	ReviewNotes         string     `json:"review_notes,omitempty"`
	Feedback            []Feedback `json:"feedback,omitempty"`

	ExportedAt        *time.Time `json:"exported_at,omitempty"`
	ExportedBy        string     `json:"exported_by,omitempty"`
	ExportFormat      string     `json:"export_format,omitempty"`
	IntegratedWith    string     `json:"integrated_with,omitempty"`
	IntegrationStatus string     `json:"integration_status,omitempty"`

	Superseded bool      `json:"superseded"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RequiresReview reports whether confidence falls below threshold.
func RequiresReview(confidence, threshold float64) bool {
	return confidence < threshold
}

// Clamp bounds a confidence to [0,1].
func Clamp(c float64) float64 {
	switch {
	case math.IsNaN(c) || c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
