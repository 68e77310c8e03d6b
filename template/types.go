// Package template stores the prompt recipes jobs are processed with.
//
// A Template carries the prompt parts (system text, user text, worked
// examples), an optional extraction schema, the default provider/model and
// generation settings, and ordered pre/post-processing rules. Templates are
// versioned with semantic versions and are never hard-deleted while a job
// still references them.
package template

import (
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/errors"
)

// ProcessingType is what a job asks the pipeline to do with a document.
type ProcessingType string

const (
	TypeTenderExtraction ProcessingType = "tender_extraction"
	TypeTenderAnalysis   ProcessingType = "tender_analysis"
	TypeComplianceCheck  ProcessingType = "compliance_check"
	TypeDocumentSummary  ProcessingType = "document_summary"
	TypeDataExtraction   ProcessingType = "data_extraction"
	TypeClassification   ProcessingType = "classification"
	TypeTranslation      ProcessingType = "translation"
	TypeComparison       ProcessingType = "comparison"
	TypeValidation       ProcessingType = "validation"
	TypeCustom           ProcessingType = "custom"
)

// ProcessingTypes lists every processing type.
var ProcessingTypes = []ProcessingType{
	TypeTenderExtraction, TypeTenderAnalysis, TypeComplianceCheck, TypeDocumentSummary,
	TypeDataExtraction, TypeClassification, TypeTranslation, TypeComparison,
	TypeValidation, TypeCustom,
}

var processingAliases = map[string]ProcessingType{
	"extraction": TypeTenderExtraction,
	"analysis":   TypeTenderAnalysis,
	"compliance": TypeComplianceCheck,
	"summary":    TypeDocumentSummary,
}

// ParseProcessingType accepts the canonical names, hyphenated or upper-case
// spellings ("COMPLIANCE-CHECK") and the short aliases ("summary").
func ParseProcessingType(s string) (ProcessingType, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for _, pt := range ProcessingTypes {
		if string(pt) == norm {
			return pt, nil
		}
	}
	if pt, ok := processingAliases[norm]; ok {
		return pt, nil
	}
	return "", errors.NewValidationError("unknown processing type: %q", s)
}

// Output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Example is one worked input/output pair shown to the model.
type Example struct {
	Input  string `json:"input" yaml:"input"`
	Output string `json:"output" yaml:"output"`
}

// Variable is a named {{placeholder}} the user prompt expects.
type Variable struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Schema describes the structured data an extraction should produce.
type Schema struct {
	Name   string  `json:"name,omitempty" yaml:"name,omitempty"`
	Fields []Field `json:"fields" yaml:"fields"`
}

// Field is one schema field. Object fields nest further Fields.
type Field struct {
	Name        string  `json:"name" yaml:"name"`
	Type        string  `json:"type" yaml:"type"` // string, number, boolean, date, object, array
	Required    bool    `json:"required,omitempty" yaml:"required,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []Field `json:"fields,omitempty" yaml:"fields,omitempty"`
}

var fieldTypes = map[string]bool{
	"string": true, "number": true, "boolean": true, "date": true, "object": true, "array": true,
}

// ChangelogEntry records one version of a template.
type ChangelogEntry struct {
	Version string    `json:"version"`
	Note    string    `json:"note,omitempty"`
	By      string    `json:"by,omitempty"`
	At      time.Time `json:"at"`
}

// Template is a reusable prompt/processing recipe for one processing type.
type Template struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	ProcessingType ProcessingType `json:"processing_type"`

	SystemPrompt     string     `json:"system_prompt,omitempty"`
	UserPrompt       string     `json:"user_prompt,omitempty"`
	Examples         []Example  `json:"examples,omitempty"`
	Variables        []Variable `json:"variables,omitempty"`
	ExtractionSchema *Schema    `json:"extraction_schema,omitempty"`
	OutputFormat     string     `json:"output_format,omitempty"`

	DefaultProvider        string               `json:"default_provider,omitempty"`
	DefaultModel           string               `json:"default_model,omitempty"`
	ModelConfig            provider.ModelConfig `json:"model_config"`
	PreProcessingRules     []Rule               `json:"pre_processing_rules,omitempty"`
	PostProcessingRules    []Rule               `json:"post_processing_rules,omitempty"`
	SupportedFileTypes     []string             `json:"supported_file_types,omitempty"`
	MaxFileSize            int64                `json:"max_file_size,omitempty"`
	RequiredKnowledgeTypes []string             `json:"required_knowledge_types,omitempty"`
	ConfidenceThreshold    *float64             `json:"confidence_threshold,omitempty"`

	IsActive       bool   `json:"is_active"`
	IsDefault      bool   `json:"is_default"`
	OrganizationID string `json:"organization_id,omitempty"` // empty = global

	UsageCount          int     `json:"usage_count"`
	SuccessCount        int     `json:"success_count"`
	SuccessRate         float64 `json:"success_rate"`
	AverageCost         float64 `json:"average_cost"`
	AverageProcessingMs float64 `json:"average_processing_ms"`

	AllowedRoles []string `json:"allowed_roles,omitempty"`
	AllowedUsers []string `json:"allowed_users,omitempty"`

	Version    string           `json:"version"`
	Changelog  []ChangelogEntry `json:"changelog,omitempty"`
	SourceFile string           `json:"source_file,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WantsJSON reports whether the template asks for structured output.
func (t *Template) WantsJSON() bool {
	return t.OutputFormat == FormatJSON || t.ExtractionSchema != nil
}

// Accepts reports whether a document of the given type and size fits the
// template's file restrictions. Empty restrictions accept everything.
func (t *Template) Accepts(fileType string, size int64) bool {
	if t.MaxFileSize > 0 && size > t.MaxFileSize {
		return false
	}
	if len(t.SupportedFileTypes) == 0 || fileType == "" {
		return true
	}
	ft := strings.TrimPrefix(strings.ToLower(fileType), ".")
	for _, s := range t.SupportedFileTypes {
		if strings.TrimPrefix(strings.ToLower(s), ".") == ft {
			return true
		}
	}
	return false
}

// CanUse checks the template ACL. Empty lists allow everyone; otherwise the
// user must be listed or hold one of the listed roles.
func (t *Template) CanUse(userID string, roles []string) bool {
	if len(t.AllowedUsers) == 0 && len(t.AllowedRoles) == 0 {
		return true
	}
	for _, u := range t.AllowedUsers {
		if u == userID {
			return true
		}
	}
	for _, want := range t.AllowedRoles {
		for _, have := range roles {
			if strings.EqualFold(want, have) {
				return true
			}
		}
	}
	return false
}

// Validate checks the template invariants before it is stored.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.NewValidationError("template name is required")
	}
	if _, err := ParseProcessingType(string(t.ProcessingType)); err != nil {
		return err
	}
	if t.IsDefault && t.OrganizationID != "" {
		return errors.NewValidationError("default template %q must be global, not owned by organization %s", t.Name, t.OrganizationID)
	}
	switch t.OutputFormat {
	case "", FormatText, FormatJSON:
	default:
		return errors.NewValidationError("unknown output format %q (valid: text, json)", t.OutputFormat)
	}
	if t.ConfidenceThreshold != nil && (*t.ConfidenceThreshold < 0 || *t.ConfidenceThreshold > 1) {
		return errors.NewValidationError("confidence threshold must be between 0 and 1, got %g", *t.ConfidenceThreshold)
	}
	if t.DefaultProvider != "" {
		if _, err := provider.ParseType(t.DefaultProvider); err != nil {
			return err
		}
	}
	if t.Version != "" {
		if _, err := semver.StrictNewVersion(t.Version); err != nil {
			return errors.NewValidationError("invalid template version %q: %v", t.Version, err)
		}
	}
	if t.ExtractionSchema != nil {
		if err := validateFields(t.ExtractionSchema.Fields, ""); err != nil {
			return err
		}
	}
	for _, rules := range [][]Rule{t.PreProcessingRules, t.PostProcessingRules} {
		for _, r := range rules {
			if err := r.Validate(); err != nil {
				return err
			}
		}
	}
	for _, v := range t.Variables {
		if v.Name == "" {
			return errors.NewValidationError("template variable without a name")
		}
	}
	return nil
}

func validateFields(fields []Field, prefix string) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		path := prefix + f.Name
		if f.Name == "" {
			return errors.NewValidationError("schema field under %q has no name", prefix)
		}
		if seen[f.Name] {
			return errors.NewValidationError("duplicate schema field %q", path)
		}
		seen[f.Name] = true
		if !fieldTypes[f.Type] {
			return errors.NewValidationError("schema field %q has unknown type %q", path, f.Type)
		}
		if len(f.Fields) > 0 {
			if f.Type != "object" && f.Type != "array" {
				return errors.NewValidationError("schema field %q of type %s cannot nest fields", path, f.Type)
			}
			if err := validateFields(f.Fields, path+"."); err != nil {
				return err
			}
		}
	}
	return nil
}
