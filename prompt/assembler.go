package prompt

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/internal/util"
	"github.com/teranos/docpipe/knowledge"
	"github.com/teranos/docpipe/logger"
	"github.com/teranos/docpipe/template"
)

// DefaultSnippetChars bounds each knowledge entry's content in the prompt.
const DefaultSnippetChars = 1000

const (
	knowledgeHeading = "Relevant knowledge:"
	examplesHeading  = "Examples:"
	jsonInstruction  = "Respond with a single valid JSON object and nothing else."
)

// Input is everything a prompt is built from.
type Input struct {
	JobID              string
	ProcessingType     template.ProcessingType
	Template           *template.Template // nil when the job has none
	CustomInstructions string
	Document           string
	Knowledge          []*knowledge.Entry
	Variables          map[string]string
	OutputFormat       string // job override of the template's format
}

// Prompt is an assembled prompt and the generation settings that go with it.
type Prompt struct {
	Text       string
	JSONOutput bool
	Config     provider.ModelConfig
	// Source names what supplied the instruction text: custom, template or default.
	Source string
}

const (
	SourceCustom   = "custom"
	SourceTemplate = "template"
	SourceDefault  = "default"
)

// Assembler builds prompts in a fixed order: system text, knowledge context,
// worked examples, then the instruction with the document.
type Assembler struct {
	snippetChars int
	logger       *zap.SugaredLogger
}

// NewAssembler creates an assembler. snippetChars <= 0 uses DefaultSnippetChars.
func NewAssembler(snippetChars int, log *zap.SugaredLogger) *Assembler {
	if snippetChars <= 0 {
		snippetChars = DefaultSnippetChars
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Assembler{snippetChars: snippetChars, logger: log.Named("prompt")}
}

// Assemble builds the prompt for in. Custom instructions win over the
// template's user text; with neither, the processing type's built-in prompt
// is used verbatim.
func (a *Assembler) Assemble(in Input) (*Prompt, error) {
	tmpl := in.Template
	document := in.Document
	if tmpl != nil && len(tmpl.PreProcessingRules) > 0 {
		processed, err := template.ApplyRules(document, tmpl.PreProcessingRules)
		if err != nil {
			return nil, errors.Wrap(err, "document pre-processing failed")
		}
		document = processed
	}

	values, err := a.values(in, document)
	if err != nil {
		return nil, err
	}

	p := &Prompt{JSONOutput: wantsJSON(in)}
	if tmpl != nil {
		p.Config = tmpl.ModelConfig
	}
	p.Config.JSONOutput = p.JSONOutput

	var sections, raws []string
	if tmpl != nil && strings.TrimSpace(tmpl.SystemPrompt) != "" {
		raws = append(raws, tmpl.SystemPrompt)
		sections = append(sections, Render(tmpl.SystemPrompt, values))
	}
	if block := a.knowledgeBlock(in.Knowledge); block != "" {
		sections = append(sections, block)
	}
	if tmpl != nil && len(tmpl.Examples) > 0 {
		sections = append(sections, examplesBlock(tmpl.Examples, values))
	}

	switch {
	case strings.TrimSpace(in.CustomInstructions) != "":
		p.Source = SourceCustom
		raws = append(raws, in.CustomInstructions)
		sections = append(sections, withDocument(in.CustomInstructions, values, document))
	case tmpl != nil && strings.TrimSpace(tmpl.UserPrompt) != "":
		p.Source = SourceTemplate
		raws = append(raws, tmpl.UserPrompt)
		sections = append(sections, withDocument(tmpl.UserPrompt, values, document))
	case tmpl != nil:
		p.Source = SourceTemplate
		sections = append(sections, template.DefaultPrompt(in.ProcessingType, document))
	default:
		p.Source = SourceDefault
		sections = append(sections, template.DefaultPrompt(in.ProcessingType, document))
	}

	if p.JSONOutput && p.Source != SourceDefault {
		sections = append(sections, jsonBlock(tmpl))
	}

	p.Text = strings.Join(sections, "\n\n")
	if missing := unresolved(raws, values); len(missing) > 0 {
		a.logger.Warnw("Prompt placeholders left unresolved",
			logger.FieldJobID, in.JobID,
			"placeholders", missing)
	}
	a.logger.Debugw("Prompt assembled",
		logger.FieldJobID, in.JobID,
		"source", p.Source,
		"knowledge", len(in.Knowledge),
		"json", p.JSONOutput,
		"chars", len(p.Text))
	return p, nil
}

// values resolves placeholder values: job variables over template defaults.
// A required variable with neither is a validation error.
func (a *Assembler) values(in Input, document string) (map[string]string, error) {
	values := map[string]string{
		FieldDocument:       document,
		FieldProcessingType: string(in.ProcessingType),
	}
	if in.Template != nil {
		for _, v := range in.Template.Variables {
			if val, ok := in.Variables[v.Name]; ok {
				values[v.Name] = val
				continue
			}
			if v.Default != "" {
				values[v.Name] = v.Default
				continue
			}
			if v.Required {
				return nil, errors.NewValidationError("template %q requires variable %q", in.Template.Name, v.Name)
			}
			values[v.Name] = ""
		}
	}
	for k, v := range in.Variables {
		if _, reserved := values[k]; !reserved {
			values[k] = v
		}
	}
	return values, nil
}

func wantsJSON(in Input) bool {
	switch in.OutputFormat {
	case template.FormatJSON:
		return true
	case template.FormatText:
		return false
	}
	if in.Template != nil {
		return in.Template.WantsJSON()
	}
	if strings.TrimSpace(in.CustomInstructions) != "" {
		return false
	}
	return template.DefaultOutputFormat(in.ProcessingType) == template.FormatJSON
}

// unresolved lists placeholder names in raws that values does not cover.
func unresolved(raws []string, values map[string]string) []string {
	var missing []string
	seen := make(map[string]bool)
	for _, raw := range raws {
		for _, name := range ParseText(raw).Placeholders() {
			if _, ok := values[name]; ok || seen[name] {
				continue
			}
			seen[name] = true
			missing = append(missing, name)
		}
	}
	return missing
}

// withDocument renders text and appends the document unless the text
// already places it with {{document}}.
func withDocument(raw string, values map[string]string, document string) string {
	t := ParseText(raw)
	rendered := t.Render(values)
	if t.Has(FieldDocument) {
		return rendered
	}
	return rendered + "\n\n" + template.DocumentHeading + "\n" + document
}

func (a *Assembler) knowledgeBlock(entries []*knowledge.Entry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(knowledgeHeading)
	for i, e := range entries {
		fmt.Fprintf(&b, "\n\n[%d] %s (%s)\n%s", i+1, e.Title, e.Type, util.Truncate(strings.TrimSpace(e.Content), a.snippetChars))
	}
	return b.String()
}

func examplesBlock(examples []template.Example, values map[string]string) string {
	var b strings.Builder
	b.WriteString(examplesHeading)
	for i, ex := range examples {
		fmt.Fprintf(&b, "\n\nExample %d\nInput:\n%s\nOutput:\n%s", i+1, Render(ex.Input, values), Render(ex.Output, values))
	}
	return b.String()
}

func jsonBlock(tmpl *template.Template) string {
	if tmpl == nil || tmpl.ExtractionSchema == nil || len(tmpl.ExtractionSchema.Fields) == 0 {
		return jsonInstruction
	}
	var b strings.Builder
	b.WriteString(jsonInstruction)
	b.WriteString(" Use these fields:")
	describeFields(&b, tmpl.ExtractionSchema.Fields, 0)
	return b.String()
}

func describeFields(b *strings.Builder, fields []template.Field, depth int) {
	for _, f := range fields {
		fmt.Fprintf(b, "\n%s- %s (%s", strings.Repeat("  ", depth), f.Name, f.Type)
		if f.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if f.Description != "" {
			b.WriteString(": " + f.Description)
		}
		if len(f.Fields) > 0 {
			describeFields(b, f.Fields, depth+1)
		}
	}
}
