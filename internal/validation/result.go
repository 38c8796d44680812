// Package validation provides composable record and mapping validators with a
// mergeable result type. Validators share one interface; the Framework holds a
// registry of named validators and schemas, caches results by fingerprint, and
// publishes validation events.
package validation

import (
	"fmt"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
)

// Issue codes reported by the built-in validators.
const (
	CodeSchemaViolation    = "SCHEMA_VIOLATION"
	CodeTypeMismatch       = "TYPE_MISMATCH"
	CodeNullNotAllowed     = "NULL_NOT_ALLOWED"
	CodeFieldMissing       = "FIELD_MISSING"
	CodeRuleViolation      = "RULE_VIOLATION"
	CodeRuleCheckFailed    = "RULE_CHECK_FAILED"
	CodeCustomFailed       = "CUSTOM_CHECK_FAILED"
	CodeValidatorPanic     = "VALIDATOR_PANIC"
	CodeQualityBelow       = "QUALITY_BELOW_THRESHOLD"
	CodeInvalidDefinition  = "INVALID_DEFINITION"
	CodeUnknownRuleKind    = "UNKNOWN_RULE_KIND"
	CodeUnknownSourceField = "UNKNOWN_SOURCE_FIELD"
	CodeUnknownTargetField = "UNKNOWN_TARGET_FIELD"
	CodeUnmappedRequired   = "UNMAPPED_REQUIRED_FIELD"
	CodeSuspiciousCoercion = "SUSPICIOUS_COERCION"
)

// Issue is a single validation finding with its field path, code, and
// severity.
type Issue struct {
	Field    string               `json:"field,omitempty"`
	Code     string               `json:"code,omitempty"`
	Message  string               `json:"message"`
	Severity errhandling.Severity `json:"severity,omitempty"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return i.Message
	}
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// Result is the outcome of a validation pass. Results form a monoid under
// Merge: OK() is the identity, validity combines with logical AND, issue and
// suggestion lists concatenate, and metadata merges right-biased.
type Result struct {
	Valid       bool                   `json:"valid"`
	Errors      []Issue                `json:"errors,omitempty"`
	Warnings    []Issue                `json:"warnings,omitempty"`
	Suggestions []string               `json:"suggestions,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// OK returns an empty, valid result.
func OK() *Result {
	return &Result{Valid: true}
}

// Invalid returns a result failed by the given issues.
func Invalid(issues ...Issue) *Result {
	r := OK()
	for _, issue := range issues {
		r.AddError(issue)
	}
	return r
}

// AddError appends an error issue and marks the result invalid.
func (r *Result) AddError(issue Issue) *Result {
	r.Valid = false
	r.Errors = append(r.Errors, issue)
	return r
}

// AddWarning appends a warning issue without affecting validity.
func (r *Result) AddWarning(issue Issue) *Result {
	r.Warnings = append(r.Warnings, issue)
	return r
}

// Suggest appends a human-readable improvement hint.
func (r *Result) Suggest(s string) *Result {
	r.Suggestions = append(r.Suggestions, s)
	return r
}

// SetMeta records a metadata entry on the result.
func (r *Result) SetMeta(key string, value interface{}) *Result {
	if r.Metadata == nil {
		r.Metadata = make(map[string]interface{})
	}
	r.Metadata[key] = value
	return r
}

// Merge combines two results into a new one. Neither receiver nor argument is
// modified; nil operands behave as OK(). Merge is associative, metadata from
// the argument wins on key collisions.
func (r *Result) Merge(other *Result) *Result {
	if r == nil {
		r = OK()
	}
	if other == nil {
		other = OK()
	}
	out := &Result{Valid: r.Valid && other.Valid}
	out.Errors = append(append([]Issue(nil), r.Errors...), other.Errors...)
	out.Warnings = append(append([]Issue(nil), r.Warnings...), other.Warnings...)
	out.Suggestions = append(append([]string(nil), r.Suggestions...), other.Suggestions...)
	if len(r.Metadata)+len(other.Metadata) > 0 {
		out.Metadata = make(map[string]interface{}, len(r.Metadata)+len(other.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
		for k, v := range other.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// MergeAll folds the results left to right.
func MergeAll(results ...*Result) *Result {
	out := OK()
	for _, r := range results {
		out = out.Merge(r)
	}
	return out
}

// Clone returns an independent copy of the result.
func (r *Result) Clone() *Result {
	return OK().Merge(r)
}

// ErrorCount returns the number of error issues.
func (r *Result) ErrorCount() int {
	return len(r.Errors)
}

// Err converts an invalid result into an error; valid results return nil.
func (r *Result) Err() error {
	if r == nil || r.Valid {
		return nil
	}
	return &InvalidError{Issues: append([]Issue(nil), r.Errors...)}
}

// InvalidError carries the error issues of a failed validation. Its message
// starts with "validation failed" so the error classifier files it as a
// validation error, which is never retried.
type InvalidError struct {
	Issues []Issue
}

func (e *InvalidError) Error() string {
	switch len(e.Issues) {
	case 0:
		return "validation failed"
	case 1:
		return fmt.Sprintf("validation failed: %s", e.Issues[0])
	default:
		return fmt.Sprintf("validation failed: %s (and %d more)", e.Issues[0], len(e.Issues)-1)
	}
}
