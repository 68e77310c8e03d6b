package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/internal/util"
)

func TestParseProcessingType(t *testing.T) {
	tests := []struct {
		in   string
		want ProcessingType
	}{
		{"tender_extraction", TypeTenderExtraction},
		{"TENDER_EXTRACTION", TypeTenderExtraction},
		{"compliance-check", TypeComplianceCheck},
		{"summary", TypeDocumentSummary},
		{" custom ", TypeCustom},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProcessingType(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseProcessingType("poetry")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func validTemplate() *Template {
	return &Template{
		Name:           "tender-extraction",
		ProcessingType: TypeTenderExtraction,
		UserPrompt:     "Extract the budget.",
	}
}

func TestTemplateValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Template)
		wantErr string
	}{
		{"valid", func(*Template) {}, ""},
		{"missing name", func(t *Template) { t.Name = " " }, "name is required"},
		{"unknown type", func(t *Template) { t.ProcessingType = "poetry" }, "unknown processing type"},
		{"org-owned default", func(t *Template) { t.IsDefault = true; t.OrganizationID = "org-1" }, "must be global"},
		{"bad output format", func(t *Template) { t.OutputFormat = "xml" }, "unknown output format"},
		{"threshold out of range", func(t *Template) { t.ConfidenceThreshold = util.Ptr(1.2) }, "confidence threshold"},
		{"unknown provider", func(t *Template) { t.DefaultProvider = "watson" }, "unknown provider"},
		{"bad version", func(t *Template) { t.Version = "v1" }, "invalid template version"},
		{"unknown rule", func(t *Template) { t.PostProcessingRules = []Rule{{Type: "sparkle"}} }, "unknown processing rule"},
		{"nested under string", func(t *Template) {
			t.ExtractionSchema = &Schema{Fields: []Field{{Name: "budget", Type: "string", Fields: []Field{{Name: "x", Type: "number"}}}}}
		}, "cannot nest"},
		{"duplicate field", func(t *Template) {
			t.ExtractionSchema = &Schema{Fields: []Field{{Name: "a", Type: "string"}, {Name: "a", Type: "number"}}}
		}, "duplicate schema field"},
		{"nested object", func(t *Template) {
			t.ExtractionSchema = &Schema{Fields: []Field{{Name: "buyer", Type: "object", Fields: []Field{{Name: "name", Type: "string", Required: true}}}}}
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := validTemplate()
			tt.mutate(tpl)
			err := tpl.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.IsInvalidRequestError(err), "validation errors map to invalid request")
		})
	}
}

func TestTemplateCanUse(t *testing.T) {
	open := validTemplate()
	assert.True(t, open.CanUse("anyone", nil))

	restricted := validTemplate()
	restricted.AllowedUsers = []string{"u-1"}
	restricted.AllowedRoles = []string{"procurement-officer"}

	assert.True(t, restricted.CanUse("u-1", nil))
	assert.True(t, restricted.CanUse("u-2", []string{"Procurement-Officer"}))
	assert.False(t, restricted.CanUse("u-2", []string{"bidder"}))
}

func TestTemplateAccepts(t *testing.T) {
	tpl := validTemplate()
	tpl.SupportedFileTypes = []string{".pdf", "docx"}
	tpl.MaxFileSize = 1024

	assert.True(t, tpl.Accepts("pdf", 100))
	assert.True(t, tpl.Accepts(".DOCX", 100))
	assert.False(t, tpl.Accepts("xlsx", 100))
	assert.False(t, tpl.Accepts("pdf", 2048))
	assert.True(t, tpl.Accepts("", 10), "unknown type is not rejected")
}

func TestWantsJSON(t *testing.T) {
	tpl := validTemplate()
	assert.False(t, tpl.WantsJSON())

	tpl.ExtractionSchema = &Schema{Fields: []Field{{Name: "budget", Type: "number"}}}
	assert.True(t, tpl.WantsJSON())

	tpl.ExtractionSchema = nil
	tpl.OutputFormat = FormatJSON
	assert.True(t, tpl.WantsJSON())
}

func TestDefaultPrompt(t *testing.T) {
	for _, pt := range ProcessingTypes {
		prompt := DefaultPrompt(pt, "Budget: $500")
		assert.True(t, strings.HasPrefix(prompt, DefaultInstruction(pt)), pt)
		assert.True(t, strings.HasSuffix(prompt, "Budget: $500"), pt)
	}
	assert.Equal(t, DefaultInstruction(TypeCustom), DefaultInstruction("unheard-of"))
	assert.Equal(t, FormatJSON, DefaultOutputFormat(TypeTenderExtraction))
	assert.Equal(t, FormatText, DefaultOutputFormat(TypeDocumentSummary))
}
