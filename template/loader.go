package template

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/logger"
)

// FileExtension is the extension of template files.
const FileExtension = ".md"

// frontmatter is the YAML header of a template file. The markdown body
// after the header is the user prompt.
type frontmatter struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	ProcessingType string `yaml:"processing_type"`
	Version        string `yaml:"version"`

	// Model may be "provider/model" (e.g. "anthropic/claude-sonnet-4-20250514")
	Provider         string   `yaml:"provider,omitempty"`
	Model            string   `yaml:"model,omitempty"`
	Temperature      *float64 `yaml:"temperature,omitempty"`
	MaxTokens        *int     `yaml:"max_tokens,omitempty"`
	TopP             *float64 `yaml:"top_p,omitempty"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `yaml:"presence_penalty,omitempty"`
	Stop             []string `yaml:"stop,omitempty"`

	System       string     `yaml:"system,omitempty"`
	OutputFormat string     `yaml:"output_format,omitempty"`
	Examples     []Example  `yaml:"examples,omitempty"`
	Variables    []Variable `yaml:"variables,omitempty"`
	Schema       *Schema    `yaml:"schema,omitempty"`

	PreProcessing       []Rule   `yaml:"pre_processing,omitempty"`
	PostProcessing      []Rule   `yaml:"post_processing,omitempty"`
	FileTypes           []string `yaml:"file_types,omitempty"`
	MaxFileSize         int64    `yaml:"max_file_size,omitempty"`
	KnowledgeTypes      []string `yaml:"knowledge_types,omitempty"`
	ConfidenceThreshold *float64 `yaml:"confidence_threshold,omitempty"`

	Default      bool     `yaml:"default,omitempty"`
	Organization string   `yaml:"organization,omitempty"`
	AllowedRoles []string `yaml:"allowed_roles,omitempty"`
	AllowedUsers []string `yaml:"allowed_users,omitempty"`
}

// Parse builds a template from a document with YAML frontmatter:
//
//	---
//	name: tender-extraction
//	processing_type: tender_extraction
//	model: anthropic/claude-sonnet-4-20250514
//	temperature: 0.2
//	---
//	Extract the budget from {{document}}
//
// A document without frontmatter is rejected: the processing type is required.
func Parse(content string) (*Template, error) {
	tpl, err := parse(content)
	if err != nil {
		return nil, err
	}
	if err := tpl.Validate(); err != nil {
		return nil, err
	}
	return tpl, nil
}

func parse(content string) (*Template, error) {
	header, body, ok := splitFrontmatter(content)
	if !ok {
		return nil, errors.NewValidationError("template file has no YAML frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to parse frontmatter YAML"), errors.ErrValidation)
	}

	pt, err := ParseProcessingType(fm.ProcessingType)
	if err != nil {
		return nil, err
	}

	providerName, model := fm.Provider, fm.Model
	if providerName == "" {
		if prefix, rest, found := strings.Cut(model, "/"); found {
			if _, perr := provider.ParseType(prefix); perr == nil {
				providerName, model = prefix, rest
			}
		}
	}

	tpl := &Template{
		Name:           fm.Name,
		Description:    fm.Description,
		ProcessingType: pt,
		Version:        fm.Version,
		SystemPrompt:   strings.TrimSpace(fm.System),
		UserPrompt:     body,
		Examples:       fm.Examples,
		Variables:      fm.Variables,
		OutputFormat:   fm.OutputFormat,

		ExtractionSchema: fm.Schema,
		DefaultProvider:  providerName,
		DefaultModel:     model,
		ModelConfig: provider.ModelConfig{
			Temperature:      fm.Temperature,
			MaxTokens:        fm.MaxTokens,
			TopP:             fm.TopP,
			FrequencyPenalty: fm.FrequencyPenalty,
			PresencePenalty:  fm.PresencePenalty,
			StopSequences:    fm.Stop,
		},

		PreProcessingRules:     fm.PreProcessing,
		PostProcessingRules:    fm.PostProcessing,
		SupportedFileTypes:     fm.FileTypes,
		MaxFileSize:            fm.MaxFileSize,
		RequiredKnowledgeTypes: fm.KnowledgeTypes,
		ConfidenceThreshold:    fm.ConfidenceThreshold,

		IsDefault:      fm.Default,
		OrganizationID: fm.Organization,
		AllowedRoles:   fm.AllowedRoles,
		AllowedUsers:   fm.AllowedUsers,
	}
	return tpl, nil
}

// LoadFile parses a template file. The template name defaults to the file
// name without extension.
func LoadFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read template %s", path)
	}
	tpl, err := parse(string(data))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid template %s", path)
	}
	if tpl.Name == "" {
		tpl.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := tpl.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid template %s", path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	tpl.SourceFile = abs
	return tpl, nil
}

// Import loads a template file and stores it, keyed by its path. A changed
// file produces a new version of the existing template; an unchanged file
// is a no-op. The boolean reports whether anything was written.
func (s *Store) Import(ctx context.Context, path, actor string) (*Template, bool, error) {
	tpl, err := LoadFile(path)
	if err != nil {
		return nil, false, err
	}
	tpl.CreatedBy = actor

	existing, err := s.GetBySourceFile(ctx, tpl.SourceFile)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		created, err := s.Create(ctx, tpl)
		return created, err == nil, err
	}
	if !existing.IsActive {
		// the file came back after being removed
		if err := s.setActive(ctx, existing.ID, true); err != nil {
			return nil, false, err
		}
		existing.IsActive = true
		if sameContent(existing, tpl) {
			return existing, true, nil
		}
	}
	if sameContent(existing, tpl) {
		return existing, false, nil
	}

	opts := UpdateOptions{Note: "imported from " + filepath.Base(path), Actor: actor}
	if tpl.Version != "" {
		if _, verr := nextVersion(existing.Version, tpl.Version, ""); verr != nil {
			s.logger.Warnw("Template file version is not newer, bumping patch",
				logger.FieldTemplateID, existing.ID,
				"file_version", tpl.Version,
				"stored_version", existing.Version)
			tpl.Version = ""
		}
	}
	opts.Version = tpl.Version
	tpl.ID = existing.ID
	if opts.Version == "" {
		tpl.Version = existing.Version
	}
	updated, err := s.Update(ctx, tpl, opts)
	return updated, err == nil, err
}

// ImportDir imports every template file directly inside dir.
func (s *Store) ImportDir(ctx context.Context, dir, actor string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read template directory %s", dir)
	}
	imported := 0
	for _, e := range entries {
		if e.IsDir() || !isTemplateFile(e.Name()) {
			continue
		}
		_, changed, err := s.Import(ctx, filepath.Join(dir, e.Name()), actor)
		if err != nil {
			return imported, err
		}
		if changed {
			imported++
		}
	}
	return imported, nil
}

// DeactivateSource deactivates the template imported from path, if any.
func (s *Store) DeactivateSource(ctx context.Context, path string) error {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	tpl, err := s.GetBySourceFile(ctx, path)
	if err != nil || tpl == nil || !tpl.IsActive {
		return err
	}
	return s.Deactivate(ctx, tpl.ID)
}

func splitFrontmatter(content string) (header, body string, ok bool) {
	content = strings.TrimPrefix(content, "\ufeff")
	trimmed := strings.TrimLeft(content, " \t\r\n")
	if !strings.HasPrefix(trimmed, "---") {
		return "", content, false
	}
	rest := strings.TrimLeft(strings.TrimPrefix(trimmed, "---"), " \t")
	rest = strings.TrimPrefix(strings.TrimPrefix(rest, "\r"), "\n")

	// the closing delimiter must be on its own line
	end := -1
	if strings.HasPrefix(rest, "---") {
		end = 0
	} else if i := strings.Index(rest, "\n---"); i >= 0 {
		end = i + 1
	}
	if end < 0 {
		return "", content, false
	}
	header = rest[:end]
	body = rest[end+3:]
	return header, strings.TrimSpace(body), true
}

func isTemplateFile(name string) bool {
	return strings.HasSuffix(name, FileExtension) && !strings.HasPrefix(name, ".")
}

// sameContent compares the parts of a template that a file controls.
func sameContent(stored, loaded *Template) bool {
	a, b := *stored, *loaded
	for _, t := range []*Template{&a, &b} {
		t.ID, t.Version, t.Changelog = "", "", nil
		t.CreatedBy, t.CreatedAt, t.UpdatedAt = "", time.Time{}, time.Time{}
		t.IsActive = true
		t.UsageCount, t.SuccessCount = 0, 0
		t.SuccessRate, t.AverageCost, t.AverageProcessingMs = 0, 0, 0
	}
	return reflect.DeepEqual(normalize(a), normalize(b))
}

// normalize maps empty slices to nil so stored and parsed templates compare equal.
func normalize(t Template) Template {
	if len(t.Examples) == 0 {
		t.Examples = nil
	}
	if len(t.Variables) == 0 {
		t.Variables = nil
	}
	if len(t.PreProcessingRules) == 0 {
		t.PreProcessingRules = nil
	}
	if len(t.PostProcessingRules) == 0 {
		t.PostProcessingRules = nil
	}
	if len(t.SupportedFileTypes) == 0 {
		t.SupportedFileTypes = nil
	}
	if len(t.RequiredKnowledgeTypes) == 0 {
		t.RequiredKnowledgeTypes = nil
	}
	if len(t.AllowedRoles) == 0 {
		t.AllowedRoles = nil
	}
	if len(t.AllowedUsers) == 0 {
		t.AllowedUsers = nil
	}
	if len(t.ModelConfig.StopSequences) == 0 {
		t.ModelConfig.StopSequences = nil
	}
	return t
}
