package template

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/internal/util"
)

// Rule types. Applying a rule to its own output is a no-op, so a retried job
// sees the same content. regex_replace holds this only when the replacement
// no longer matches the pattern.
const (
	RuleTrim               = "trim"
	RuleNormalizeNewlines  = "normalize_newlines"
	RuleCollapseWhitespace = "collapse_whitespace"
	RuleStripCodeFences    = "strip_code_fences"
	RuleExtractJSON        = "extract_json"
	RuleRequireJSON        = "require_json"
	RuleTruncate           = "truncate"      // params: max
	RuleRegexReplace       = "regex_replace" // params: pattern, replacement
)

// Rule is one content transformation applied before prompt assembly
// (pre-processing) or to the provider output (post-processing).
type Rule struct {
	Type   string            `json:"type" yaml:"type"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

var (
	fencePattern    = regexp.MustCompile("(?s)^\\s*```[a-zA-Z0-9_-]*\\s*\\n?(.*?)\\n?\\s*```\\s*$")
	spaceRunPattern = regexp.MustCompile(`[ \t]+`)
	blankRunPattern = regexp.MustCompile(`\n{3,}`)
)

// Validate checks the rule type and its parameters.
func (r Rule) Validate() error {
	switch r.Type {
	case RuleTrim, RuleNormalizeNewlines, RuleCollapseWhitespace, RuleStripCodeFences, RuleExtractJSON, RuleRequireJSON:
		return nil
	case RuleTruncate:
		n, err := strconv.Atoi(r.Params["max"])
		if err != nil || n <= 0 {
			return errors.NewValidationError("truncate rule needs a positive max, got %q", r.Params["max"])
		}
		return nil
	case RuleRegexReplace:
		if r.Params["pattern"] == "" {
			return errors.NewValidationError("regex_replace rule needs a pattern")
		}
		if _, err := regexp.Compile(r.Params["pattern"]); err != nil {
			return errors.NewValidationError("regex_replace pattern %q: %v", r.Params["pattern"], err)
		}
		return nil
	default:
		return errors.NewValidationError("unknown processing rule %q", r.Type)
	}
}

// Apply runs the rule on content.
func (r Rule) Apply(content string) (string, error) {
	switch r.Type {
	case RuleTrim:
		return strings.TrimSpace(content), nil
	case RuleNormalizeNewlines:
		return strings.ReplaceAll(strings.ReplaceAll(content, "\r\n", "\n"), "\r", "\n"), nil
	case RuleCollapseWhitespace:
		out := spaceRunPattern.ReplaceAllString(content, " ")
		return blankRunPattern.ReplaceAllString(out, "\n\n"), nil
	case RuleStripCodeFences:
		if m := fencePattern.FindStringSubmatch(content); m != nil {
			return m[1], nil
		}
		return content, nil
	case RuleExtractJSON:
		return extractJSON(content), nil
	case RuleRequireJSON:
		if !json.Valid([]byte(strings.TrimSpace(content))) {
			return "", errors.New("content is not valid JSON")
		}
		return content, nil
	case RuleTruncate:
		n, err := strconv.Atoi(r.Params["max"])
		if err != nil || n <= 0 {
			return "", errors.Newf("invalid truncate max %q", r.Params["max"])
		}
		if len([]rune(content)) <= n {
			return content, nil
		}
		return string([]rune(content)[:n]), nil
	case RuleRegexReplace:
		re, err := regexp.Compile(r.Params["pattern"])
		if err != nil {
			return "", errors.Wrap(err, "invalid regex_replace pattern")
		}
		return re.ReplaceAllString(content, r.Params["replacement"]), nil
	default:
		return "", errors.Newf("unknown processing rule %q", r.Type)
	}
}

// ApplyRules runs rules in order. The first failing rule aborts with a
// post-processing error naming it.
func ApplyRules(content string, rules []Rule) (string, error) {
	for _, r := range rules {
		out, err := r.Apply(content)
		if err != nil {
			return "", errors.NewPostProcessingError(err, r.Type)
		}
		content = out
	}
	return content, nil
}

// extractJSON narrows content to its outermost JSON object or array when
// prose surrounds it. Content without a valid JSON span is returned as is.
func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if json.Valid([]byte(trimmed)) {
		return trimmed
	}
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(trimmed, pair[0])
		end := strings.LastIndex(trimmed, pair[1])
		if start >= 0 && end > start {
			candidate := trimmed[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate
			}
		}
	}
	return content
}

// describeRules renders a rule list for logs.
func describeRules(rules []Rule) string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Type
	}
	return util.Truncate(strings.Join(names, ","), 120)
}
