package result

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/template"
)

func TestProcessStructuredRoundTrip(t *testing.T) {
	out, err := Process(`{"a":1}`, Options{JSON: true})
	require.NoError(t, err)
	assert.True(t, out.Parsed)
	assert.Equal(t, map[string]any{"a": float64(1)}, out.ExtractedData)
	assert.Empty(t, out.ValidationErrors)
	assert.Equal(t, DefaultConfidence, out.Confidence)
}

func TestProcessMalformedFallsBackToRaw(t *testing.T) {
	out, err := Process("not json", Options{JSON: true, DefaultConfidence: 0.9})
	require.NoError(t, err, "a parse failure is not an error")
	assert.False(t, out.Parsed)
	assert.Equal(t, map[string]any{RawKey: "not json"}, out.ExtractedData)
	require.Len(t, out.ValidationErrors, 1)
	assert.Equal(t, SeverityWarning, out.ValidationErrors[0].Severity)
	assert.InDelta(t, 0.45, out.Confidence, 1e-9)
}

func TestProcessArrayIsNotAnObject(t *testing.T) {
	out, err := Process(`[1,2]`, Options{JSON: true})
	require.NoError(t, err)
	assert.False(t, out.Parsed)
	assert.Equal(t, "[1,2]", out.ExtractedData[RawKey])
}

func TestProcessText(t *testing.T) {
	out, err := Process("First paragraph.\n\nSecond.", Options{})
	require.NoError(t, err)
	assert.Nil(t, out.ExtractedData)
	assert.Equal(t, "First paragraph.", out.Summary)
	assert.Equal(t, "First paragraph.\n\nSecond.", out.Content)
}

func TestProcessRules(t *testing.T) {
	rules := []template.Rule{{Type: template.RuleStripCodeFences}, {Type: template.RuleRequireJSON}}

	out, err := Process("```json\n{\"budget\": 500}\n```", Options{JSON: true, Rules: rules})
	require.NoError(t, err)
	assert.Equal(t, float64(500), out.ExtractedData["budget"])

	again, err := Process(out.Content, Options{JSON: true, Rules: rules})
	require.NoError(t, err)
	assert.Equal(t, out.Content, again.Content, "rules are idempotent")

	_, err = Process("not json", Options{JSON: true, Rules: rules})
	require.Error(t, err)
	assert.Equal(t, errors.KindPostProcessing, errors.KindOf(err))
}

func TestProcessConfidence(t *testing.T) {
	tests := []struct {
		name    string
		content string
		opts    Options
		want    float64
	}{
		{"reported by the model", `{"confidence": 0.3}`, Options{JSON: true}, 0.3},
		{"confidence_score key", `{"confidence_score": 0.6}`, Options{JSON: true}, 0.6},
		{"clamped high", `{"confidence": 7}`, Options{JSON: true}, 1},
		{"clamped low", `{"confidence": -2}`, Options{JSON: true}, 0},
		{"truncated output", "text", Options{FinishReason: "length", DefaultConfidence: 0.8}, 0.4},
		{"configured default", "text", Options{DefaultConfidence: 0.7}, 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Process(tt.content, tt.opts)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, out.Confidence, 1e-9)
		})
	}
}

func TestProcessEntities(t *testing.T) {
	out, err := Process(`{
		"summary": "Road works tender",
		"entities": [{"type": "organization", "name": "City of Ghent", "confidence": 0.9}, {"type": "amount"}, "junk"],
		"relationships": [{"from": "City of Ghent", "to": "Lot 1", "type": "issues"}, {"from": "x"}]
	}`, Options{JSON: true})
	require.NoError(t, err)
	assert.Equal(t, "Road works tender", out.Summary)
	assert.Equal(t, []Entity{{Type: "organization", Value: "City of Ghent", Confidence: 0.9}}, out.Entities)
	assert.Equal(t, []Relationship{{From: "City of Ghent", To: "Lot 1", Type: "issues"}}, out.Relationships)
}

func TestCheckSchema(t *testing.T) {
	schema := &template.Schema{Fields: []template.Field{
		{Name: "title", Type: "string", Required: true},
		{Name: "budget", Type: "number", Required: true},
		{Name: "deadline", Type: "date"},
		{Name: "buyer", Type: "object", Fields: []template.Field{{Name: "name", Type: "string", Required: true}}},
	}}

	errs := CheckSchema(schema, map[string]any{
		"budget":   "500",
		"deadline": "2026-05-01",
		"buyer":    map[string]any{},
	})
	assert.Equal(t, []ValidationError{
		{Field: "title", Message: "required field is missing", Severity: SeverityError},
		{Field: "budget", Message: "expected number", Severity: SeverityError},
		{Field: "buyer.name", Message: "required field is missing", Severity: SeverityError},
	}, errs)

	assert.Nil(t, CheckSchema(nil, map[string]any{}))
}

func TestRequiresReviewAndClamp(t *testing.T) {
	assert.True(t, RequiresReview(0.69, 0.7))
	assert.False(t, RequiresReview(0.7, 0.7))
	assert.Equal(t, 0.0, Clamp(-0.1))
	assert.Equal(t, 1.0, Clamp(1.2))
	assert.Equal(t, 0.5, Clamp(0.5))
}
