// Package knowledge holds the domain context injected into prompts: rules,
// compliance requirements, evaluation criteria and the like. Entries are
// versioned in chains; only the latest version of a chain is retrievable.
package knowledge

import (
	"strings"
	"time"

	"github.com/teranos/docpipe/errors"
)

// Type classifies a knowledge entry.
type Type string

const (
	TypeRules              Type = "rules"
	TypeCompliance         Type = "compliance"
	TypeTechnicalSpec      Type = "technical_spec"
	TypeEvaluationCriteria Type = "evaluation_criteria"
	TypeLegal              Type = "legal"
	TypeStandards          Type = "standards"
	TypeBestPractice       Type = "best_practice"
	TypeFAQ                Type = "faq"
	TypeGlossary           Type = "glossary"
	TypeCustom             Type = "custom"
)

// Types lists every knowledge type.
var Types = []Type{
	TypeRules, TypeCompliance, TypeTechnicalSpec, TypeEvaluationCriteria, TypeLegal,
	TypeStandards, TypeBestPractice, TypeFAQ, TypeGlossary, TypeCustom,
}

// ParseType accepts canonical, hyphenated and upper-case spellings.
func ParseType(s string) (Type, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for _, t := range Types {
		if string(t) == norm {
			return t, nil
		}
	}
	return "", errors.NewValidationError("unknown knowledge type: %q", s)
}

// Source records where an entry came from.
type Source string

const (
	SourceManual      Source = "manual"
	SourceUpload      Source = "upload"
	SourceScrape      Source = "scrape"
	SourceAPI         Source = "api"
	SourceAIGenerated Source = "ai_generated"
	SourceFeedback    Source = "feedback"
)

var sources = map[Source]bool{
	SourceManual: true, SourceUpload: true, SourceScrape: true,
	SourceAPI: true, SourceAIGenerated: true, SourceFeedback: true,
}

// ReviewAction is one entry in an entry's review history.
type ReviewAction struct {
	Action string    `json:"action"` // verified, deactivated, superseded
	By     string    `json:"by,omitempty"`
	Notes  string    `json:"notes,omitempty"`
	At     time.Time `json:"at"`
}

// Entry is a unit of retrievable domain context.
type Entry struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Type           Type           `json:"type"`
	Source         Source         `json:"source"`
	Content        string         `json:"content"`
	StructuredData map[string]any `json:"structured_data,omitempty"`
	Categories     []string       `json:"categories,omitempty"`
	Keywords       []string       `json:"keywords,omitempty"`
	Language       string         `json:"language,omitempty"`

	OrganizationID  string     `json:"organization_id,omitempty"`
	IsPublic        bool       `json:"is_public"`
	Priority        int        `json:"priority"`
	ConfidenceScore float64    `json:"confidence_score"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	IsActive        bool       `json:"is_active"`

	UsageCount int        `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`

	ChainID           string `json:"chain_id"`
	Version           int    `json:"version"`
	PreviousVersionID string `json:"previous_version_id,omitempty"`
	IsLatestVersion   bool   `json:"is_latest_version"`

	IsVerified    bool           `json:"is_verified"`
	VerifiedBy    string         `json:"verified_by,omitempty"`
	VerifiedAt    *time.Time     `json:"verified_at,omitempty"`
	ReviewHistory []ReviewAction `json:"review_history,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Score is the similarity to the query of a semantic search.
	Score float64 `json:"score,omitempty"`
}

// Validate checks the entry before it is stored.
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return errors.NewValidationError("knowledge entry title is required")
	}
	if strings.TrimSpace(e.Content) == "" {
		return errors.NewValidationError("knowledge entry %q has no content", e.Title)
	}
	if _, err := ParseType(string(e.Type)); err != nil {
		return err
	}
	if e.Source != "" && !sources[e.Source] {
		return errors.NewValidationError("unknown knowledge source %q", e.Source)
	}
	if e.ConfidenceScore < 0 || e.ConfidenceScore > 1 {
		return errors.NewValidationError("confidence score must be between 0 and 1, got %g", e.ConfidenceScore)
	}
	return nil
}
