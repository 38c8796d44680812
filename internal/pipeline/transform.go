// Package pipeline compiles mapping definitions into executable rule chains
// and runs them record by record: transforms, concatenation, splits, lookups,
// formulas, and conditional assignment, with per-rule error policies.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/template"
)

// Transformer transforms a single field value. The record gives transforms
// access to sibling fields; params carry the rule's transform options.
type Transformer func(ctx context.Context, value interface{}, record map[string]interface{}, params map[string]interface{}) (interface{}, error)

// Registry holds named transformers. Safe for concurrent use; registering
// over an existing name replaces it.
type Registry struct {
	mu         sync.RWMutex
	transforms map[string]Transformer
}

// NewRegistry creates a registry preloaded with the builtin transform
// library.
func NewRegistry() *Registry {
	r := &Registry{transforms: make(map[string]Transformer)}
	for name, fn := range builtinTransforms() {
		r.transforms[name] = fn
	}
	return r
}

// Register installs a transformer under name, replacing any existing one.
func (r *Registry) Register(name string, fn Transformer) error {
	if name == "" {
		return fmt.Errorf("transformer name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("transformer %s: nil func", name)
	}
	r.mu.Lock()
	r.transforms[name] = fn
	r.mu.Unlock()
	return nil
}

// Get returns the transformer registered under name.
func (r *Registry) Get(name string) (Transformer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.transforms[name]
	return fn, ok
}

// Names lists the registered transformer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.transforms))
	for name := range r.transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func builtinTransforms() map[string]Transformer {
	return map[string]Transformer{
		"uppercase":      transformUppercase,
		"lowercase":      transformLowercase,
		"trim":           transformTrim,
		"toString":       transformToString,
		"toNumber":       transformToNumber,
		"toBool":         transformToBool,
		"parseDate":      transformParseDate,
		"formatDate":     transformFormatDate,
		"split":          transformSplit,
		"join":           transformJoin,
		"replace":        transformReplace,
		"substring":      transformSubstring,
		"padLeft":        transformPadLeft,
		"padRight":       transformPadRight,
		"defaultIfEmpty": transformDefaultIfEmpty,
		"template":       transformTemplate,
		"lookup":         transformLookup,
	}
}

// Nil values pass through string transforms unchanged; conversion transforms
// treat nil as an error only where a typed result is required.

func transformUppercase(_ context.Context, value interface{}, _ map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
	if s, ok := value.(string); ok {
		return strings.ToUpper(s), nil
	}
	return value, nil
}

func transformLowercase(_ context.Context, value interface{}, _ map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
	if s, ok := value.(string); ok {
		return strings.ToLower(s), nil
	}
	return value, nil
}

func transformTrim(_ context.Context, value interface{}, _ map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return value, nil
}

func transformToString(_ context.Context, value interface{}, _ map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case time.Time:
		return v.Format(time.RFC3339), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return fmt.Sprintf("%v", value), nil
	}
}

func transformToNumber(_ context.Context, value interface{}, _ map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case bool:
		if v {
			return 1.0, nil
		}
		return 0.0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse number from %q", v)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to number", value)
	}
}

func transformToBool(_ context.Context, value interface{}, _ map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("cannot parse bool from %q", v)
		}
		return b, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return nil, fmt.Errorf("cannot convert %T to bool", value)
	}
}

// dateInputFormats are tried in order when parsing without an explicit
// format.
var dateInputFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	time.RFC1123,
}

func transformParseDate(_ context.Context, value interface{}, _ map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case time.Time:
		return v, nil
	case int64:
		return unixTime(v), nil
	case int:
		return unixTime(int64(v)), nil
	case float64:
		return unixTime(int64(v)), nil
	case string:
		if format := paramString(params, "format"); format != "" {
			t, err := time.Parse(ConvertDateFormat(format), v)
			if err != nil {
				return nil, fmt.Errorf("cannot parse date %q with format %q", v, format)
			}
			return t, nil
		}
		for _, layout := range dateInputFormats {
			if t, err := time.Parse(layout, v); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("cannot parse date %q", v)
	default:
		return nil, fmt.Errorf("cannot parse date from %T", value)
	}
}

// unixTime interprets n as epoch seconds, or epoch milliseconds when the
// magnitude is too large for a plausible seconds value.
func unixTime(n int64) time.Time {
	if n > 1e12 || n < -1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func transformFormatDate(ctx context.Context, value interface{}, record map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	t, ok := value.(time.Time)
	if !ok {
		parsed, err := transformParseDate(ctx, value, record, nil)
		if err != nil {
			return nil, err
		}
		if parsed == nil {
			return nil, nil
		}
		t = parsed.(time.Time)
	}

	format := paramString(params, "format")
	if format == "" {
		return t.Format(time.RFC3339), nil
	}
	return t.Format(ConvertDateFormat(format)), nil
}

// ConvertDateFormat translates YYYY-MM-DD style tokens into a Go time
// layout. Longer tokens are replaced first so MM does not match inside
// SSS-adjacent runs.
func ConvertDateFormat(format string) string {
	replacements := []struct {
		pattern     string
		replacement string
	}{
		{"YYYY", "2006"},
		{"YY", "06"},
		{"SSS", "000"},
		{"MM", "01"},
		{"DD", "02"},
		{"HH", "15"},
		{"mm", "04"},
		{"ss", "05"},
	}
	result := format
	for _, r := range replacements {
		result = strings.ReplaceAll(result, r.pattern, r.replacement)
	}
	return result
}

func transformSplit(_ context.Context, value interface{}, _ map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	sep := paramString(params, "separator")
	if sep == "" {
		sep = ","
	}
	parts := strings.Split(s, sep)
	result := make([]interface{}, len(parts))
	for i, p := range parts {
		result[i] = strings.TrimSpace(p)
	}
	return result, nil
}

func transformJoin(_ context.Context, value interface{}, _ map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	sep := paramString(params, "separator")
	if sep == "" {
		sep = ","
	}
	switch v := value.(type) {
	case []interface{}:
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = fmt.Sprintf("%v", item)
		}
		return strings.Join(parts, sep), nil
	case []string:
		return strings.Join(v, sep), nil
	}
	return value, nil
}

func transformReplace(_ context.Context, value interface{}, _ map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	pattern := paramString(params, "pattern")
	if pattern == "" {
		return s, nil
	}

	re, err := compiledPattern(params, pattern)
	if err != nil {
		return nil, err
	}
	return re.ReplaceAllString(s, paramString(params, "replacement")), nil
}

// compiledPattern returns the regexp pre-compiled by rule compilation, or
// compiles on the fly for direct registry calls.
func compiledPattern(params map[string]interface{}, pattern string) (*regexp.Regexp, error) {
	if re, ok := params[compiledPatternKey].(*regexp.Regexp); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %v", pattern, err)
	}
	return re, nil
}

func transformSubstring(_ context.Context, value interface{}, _ map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	runes := []rune(s)

	start := paramInt(params, "start", 0)
	if start < 0 {
		start = 0
	}
	if start > len(runes) {
		start = len(runes)
	}
	end := paramInt(params, "end", len(runes))
	if end > len(runes) {
		end = len(runes)
	}
	if end < start {
		end = start
	}
	return string(runes[start:end]), nil
}

func transformPadLeft(ctx context.Context, value interface{}, record map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	return pad(ctx, value, record, params, true)
}

func transformPadRight(ctx context.Context, value interface{}, record map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	return pad(ctx, value, record, params, false)
}

func pad(ctx context.Context, value interface{}, record map[string]interface{}, params map[string]interface{}, left bool) (interface{}, error) {
	str, err := transformToString(ctx, value, record, nil)
	if err != nil {
		return nil, err
	}
	s := str.(string)

	length := paramInt(params, "length", 0)
	if length <= len([]rune(s)) {
		return s, nil
	}
	padStr := paramString(params, "pad")
	if padStr == "" {
		padStr = " "
	}

	need := length - len([]rune(s))
	fill := strings.Repeat(padStr, (need/len([]rune(padStr)))+1)
	fill = string([]rune(fill)[:need])
	if left {
		return fill + s, nil
	}
	return s + fill, nil
}

func transformDefaultIfEmpty(_ context.Context, value interface{}, _ map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	if value == nil {
		return params["default"], nil
	}
	if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
		return params["default"], nil
	}
	return value, nil
}

func transformTemplate(_ context.Context, _ interface{}, record map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	tmpl := paramString(params, "template")
	if tmpl == "" {
		return nil, fmt.Errorf("template transform requires a template param")
	}
	return template.NewEvaluator().Evaluate(tmpl, record), nil
}

func transformLookup(_ context.Context, value interface{}, _ map[string]interface{}, params map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	entries, ok := params["entries"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("lookup transform requires an entries map")
	}
	key := template.ValueToString(value)
	if mapped, ok := entries[key]; ok {
		return mapped, nil
	}
	if def, ok := params["default"]; ok {
		return def, nil
	}
	return nil, fmt.Errorf("no lookup entry for key %q", key)
}

func paramString(params map[string]interface{}, key string) string {
	if params == nil {
		return ""
	}
	if s, ok := params[key].(string); ok {
		return s
	}
	return ""
}

func paramInt(params map[string]interface{}, key string, fallback int) int {
	if params == nil {
		return fallback
	}
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}
