// Package prompt assembles the final model prompt for a job from the
// document, its template, resolved knowledge and worked examples.
//
// Template texts reference values with {{name}} placeholders:
//   - {{document}} - the (pre-processed) document content
//   - {{processing_type}} - the job's processing type
//   - {{name}} - a template variable, from the job or the variable's default
//
// Placeholders that name nothing known are left as written.
package prompt

import (
	"regexp"
	"strings"
)

const (
	FieldDocument       = "document"
	FieldProcessingType = "processing_type"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// Text is a parsed template text.
type Text struct {
	raw      string
	segments []segment
}

// segment is either a literal run or a placeholder name
type segment struct {
	literal bool
	content string
	raw     string // the placeholder as written
}

// ParseText splits raw into literal and placeholder segments.
func ParseText(raw string) *Text {
	t := &Text{raw: raw}
	lastEnd := 0
	for _, m := range placeholderPattern.FindAllStringSubmatchIndex(raw, -1) {
		start, end := m[0], m[1]
		if start > lastEnd {
			t.segments = append(t.segments, segment{literal: true, content: raw[lastEnd:start]})
		}
		t.segments = append(t.segments, segment{content: raw[m[2]:m[3]], raw: raw[start:end]})
		lastEnd = end
	}
	if lastEnd < len(raw) {
		t.segments = append(t.segments, segment{literal: true, content: raw[lastEnd:]})
	}
	return t
}

// Has reports whether the text references the named placeholder.
func (t *Text) Has(name string) bool {
	for _, seg := range t.segments {
		if !seg.literal && seg.content == name {
			return true
		}
	}
	return false
}

// Placeholders returns the distinct placeholder names in order of appearance.
func (t *Text) Placeholders() []string {
	var names []string
	seen := make(map[string]bool)
	for _, seg := range t.segments {
		if !seg.literal && !seen[seg.content] {
			names = append(names, seg.content)
			seen[seg.content] = true
		}
	}
	return names
}

// Render substitutes values. Names missing from values render as written.
func (t *Text) Render(values map[string]string) string {
	var b strings.Builder
	b.Grow(len(t.raw))
	for _, seg := range t.segments {
		if seg.literal {
			b.WriteString(seg.content)
			continue
		}
		if v, ok := values[seg.content]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(seg.raw)
		}
	}
	return b.String()
}

// Render parses and renders raw in one step.
func Render(raw string, values map[string]string) string {
	return ParseText(raw).Render(values)
}
