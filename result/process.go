package result

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teranos/docpipe/internal/util"
	"github.com/teranos/docpipe/template"
)

// DefaultConfidence is assigned when neither the response nor the
// configuration says otherwise.
const DefaultConfidence = 0.8

// RawKey holds the unparsed content when structured output was expected but
// the response was not a JSON object.
const RawKey = "raw"

const summaryChars = 500

// Options drive Process.
type Options struct {
	JSON              bool
	Rules             []template.Rule
	Schema            *template.Schema
	FinishReason      string
	DefaultConfidence float64
}

// Output is a processed provider response, ready to persist.
type Output struct {
	Content          string
	ExtractedData    map[string]any
	Parsed           bool // ExtractedData came from a strict JSON parse
	Summary          string
	Confidence       float64
	ValidationErrors []ValidationError
	Entities         []Entity
	Relationships    []Relationship
}

// Process applies post-processing rules to content and, for structured
// output, parses it strictly. A response that is not a JSON object falls back
// to {raw: content}; only a failing rule is an error.
func Process(content string, opts Options) (*Output, error) {
	processed, err := template.ApplyRules(content, opts.Rules)
	if err != nil {
		return nil, err
	}

	out := &Output{Content: processed}
	confidence := opts.DefaultConfidence
	if confidence <= 0 {
		confidence = DefaultConfidence
	}

	if opts.JSON {
		if data, ok := ParseStructured(processed); ok {
			out.ExtractedData = data
			out.Parsed = true
			out.ValidationErrors = CheckSchema(opts.Schema, data)
			if c, ok := number(data["confidence"]); ok {
				confidence = c
			} else if c, ok := number(data["confidence_score"]); ok {
				confidence = c
			}
			if s, ok := data["summary"].(string); ok {
				out.Summary = s
			}
			out.Entities = entities(data["entities"])
			out.Relationships = relationships(data["relationships"])
		} else {
			out.ExtractedData = map[string]any{RawKey: processed}
			out.ValidationErrors = []ValidationError{{Message: "response is not a JSON object", Severity: SeverityWarning}}
			confidence /= 2
		}
	}
	if out.Summary == "" && !out.Parsed {
		out.Summary = firstParagraph(processed)
	}

	switch strings.ToLower(opts.FinishReason) {
	case "length", "max_tokens":
		// the model was cut off
		confidence /= 2
	}
	out.Confidence = Clamp(confidence)
	return out, nil
}

// ParseStructured parses content as a single JSON object.
func ParseStructured(content string) (map[string]any, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &data); err != nil || data == nil {
		return nil, false
	}
	return data, true
}

// CheckSchema reports required schema fields missing from data and values
// whose JSON type contradicts the field type.
func CheckSchema(schema *template.Schema, data map[string]any) []ValidationError {
	if schema == nil {
		return nil
	}
	return checkFields(schema.Fields, data, "")
}

func checkFields(fields []template.Field, data map[string]any, prefix string) []ValidationError {
	var errs []ValidationError
	for _, f := range fields {
		path := prefix + f.Name
		v, ok := data[f.Name]
		if !ok || v == nil {
			if f.Required {
				errs = append(errs, ValidationError{Field: path, Message: "required field is missing", Severity: SeverityError})
			}
			continue
		}
		if !typeMatches(f.Type, v) {
			errs = append(errs, ValidationError{Field: path, Message: fmt.Sprintf("expected %s", f.Type), Severity: SeverityError})
			continue
		}
		if nested, ok := v.(map[string]any); ok && len(f.Fields) > 0 {
			errs = append(errs, checkFields(f.Fields, nested, path+".")...)
		}
	}
	return errs
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case "string", "date":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}

func number(v any) (float64, bool) {
	f, ok := v.(float64)
	return f, ok
}

func entities(v any) []Entity {
	items, _ := v.([]any)
	var out []Entity
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		e := Entity{}
		e.Type, _ = m["type"].(string)
		if e.Value, _ = m["value"].(string); e.Value == "" {
			e.Value, _ = m["name"].(string)
		}
		if c, ok := number(m["confidence"]); ok {
			e.Confidence = Clamp(c)
		}
		if e.Value != "" {
			out = append(out, e)
		}
	}
	return out
}

func relationships(v any) []Relationship {
	items, _ := v.([]any)
	var out []Relationship
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := Relationship{}
		r.From, _ = m["from"].(string)
		r.To, _ = m["to"].(string)
		r.Type, _ = m["type"].(string)
		if c, ok := number(m["confidence"]); ok {
			r.Confidence = Clamp(c)
		}
		if r.From != "" && r.To != "" {
			out = append(out, r)
		}
	}
	return out
}

func firstParagraph(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[:i]
	}
	return util.Truncate(s, summaryChars)
}
