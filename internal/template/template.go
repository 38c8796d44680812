// Package template renders {{field}} placeholders against record data. The
// pipeline's template transform and the flow client's URL construction both
// build strings this way.
package template

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/nineking424/nificdc-sub004/internal/logger"
	"github.com/nineking424/nificdc-sub004/internal/pathutil"
)

// Template syntax constants.
const (
	TemplatePrefix = "{{"
	TemplateSuffix = "}}"
)

// templateVarRegex matches {{record.field}} or {{record.field | default: "value"}}.
// Group 1: variable path. Group 2: the default clause. Group 3: the default
// value inside quotes.
var templateVarRegex = regexp.MustCompile(`\{\{\s*([^|}]+?)(\s*\|\s*default:\s*"([^"]*)")?\s*\}\}`)

// Variable is one parsed template placeholder.
type Variable struct {
	FullMatch    string
	Path         string
	DefaultValue string
	HasDefault   bool
}

// Evaluator renders template strings against records. Parsed variables are
// cached per template string; the cache is unbounded and not goroutine-safe,
// so each worker uses its own Evaluator.
type Evaluator struct {
	cache map[string][]Variable
}

// NewEvaluator creates a template evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string][]Variable)}
}

// HasVariables reports whether s contains template placeholders.
func HasVariables(s string) bool {
	return strings.Contains(s, TemplatePrefix) && strings.Contains(s, TemplateSuffix)
}

// ParseVariables extracts the placeholders from a template string.
func (e *Evaluator) ParseVariables(tmpl string) []Variable {
	if cached, ok := e.cache[tmpl]; ok {
		return cached
	}

	matches := templateVarRegex.FindAllStringSubmatch(tmpl, -1)
	variables := make([]Variable, 0, len(matches))
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		v := Variable{
			FullMatch: match[0],
			Path:      strings.TrimSpace(match[1]),
		}
		if len(match) >= 4 && match[2] != "" {
			v.DefaultValue = match[3]
			v.HasDefault = true
		}
		variables = append(variables, v)
	}

	e.cache[tmpl] = variables
	return variables
}

// Evaluate renders the template against the record. Placeholders may use
// dotted paths and [i] indices; a "record." prefix is accepted and stripped.
// Missing fields render as the default value when one is given, otherwise as
// the empty string.
func (e *Evaluator) Evaluate(tmpl string, record map[string]interface{}) string {
	if !HasVariables(tmpl) {
		return tmpl
	}
	variables := e.ParseVariables(tmpl)
	if len(variables) == 0 {
		return tmpl
	}

	result := tmpl
	for _, v := range variables {
		result = strings.Replace(result, v.FullMatch, e.resolveVariable(v, record), 1)
	}
	return result
}

// EvaluateForURL renders the template with every substituted value
// query-escaped, so record data cannot break URL structure.
func (e *Evaluator) EvaluateForURL(tmpl string, record map[string]interface{}) string {
	if !HasVariables(tmpl) {
		return tmpl
	}
	variables := e.ParseVariables(tmpl)
	if len(variables) == 0 {
		return tmpl
	}

	result := tmpl
	for _, v := range variables {
		value := url.QueryEscape(e.resolveVariable(v, record))
		result = strings.Replace(result, v.FullMatch, value, 1)
	}
	return result
}

func (e *Evaluator) resolveVariable(v Variable, record map[string]interface{}) string {
	path := strings.TrimPrefix(v.Path, "record.")

	value, found := pathutil.Get(record, path)
	if !found || value == nil {
		if v.HasDefault {
			return v.DefaultValue
		}
		logger.Logger.Warn("template variable missing, using empty string",
			slog.String("path", v.Path))
		return ""
	}
	return ValueToString(value)
}

// ValueToString renders a value for template substitution. Whole floats
// render without a decimal point.
func ValueToString(value interface{}) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ValidateSyntax checks the template for unmatched or empty placeholders.
func ValidateSyntax(tmpl string) error {
	if tmpl == "" {
		return nil
	}

	openCount := strings.Count(tmpl, TemplatePrefix)
	closeCount := strings.Count(tmpl, TemplateSuffix)
	if openCount != closeCount {
		return fmt.Errorf("invalid template syntax: unmatched delimiters (found %d '{{' and %d '}}')",
			openCount, closeCount)
	}
	if openCount == 0 {
		return nil
	}

	if regexp.MustCompile(`\{\{\s*\}\}`).MatchString(tmpl) {
		return fmt.Errorf("invalid template syntax: empty variable path")
	}
	for _, match := range templateVarRegex.FindAllStringSubmatch(tmpl, -1) {
		if len(match) >= 2 && strings.TrimSpace(match[1]) == "" {
			return fmt.Errorf("invalid template syntax: empty variable path")
		}
	}

	// Every {{ and }} must belong to a well-formed expression; "}}{{" has
	// balanced counts but invalid pairing.
	remainder := templateVarRegex.ReplaceAllString(tmpl, "")
	if strings.Contains(remainder, TemplatePrefix) || strings.Contains(remainder, TemplateSuffix) {
		return fmt.Errorf("invalid template syntax: stray '{{' or '}}' outside a {{...}} expression")
	}
	return nil
}

// EvaluateMapValues renders placeholders in every string found in data,
// recursing through nested maps and lists. Non-string leaves pass through.
func (e *Evaluator) EvaluateMapValues(data interface{}, record map[string]interface{}) interface{} {
	switch v := data.(type) {
	case string:
		if HasVariables(v) {
			return e.Evaluate(v, record)
		}
		return v
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, val := range v {
			result[key] = e.EvaluateMapValues(val, record)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = e.EvaluateMapValues(item, record)
		}
		return result
	default:
		return data
	}
}
