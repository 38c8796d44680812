// Package mapping defines the public types for mapping definitions: the
// universal type system, rule kinds, condition operators, and the result
// envelopes returned by the execution engine.
package mapping

import (
	"fmt"
	"time"
)

// UniversalType is a platform-neutral column type. Source and target system
// types are normalized into this set so rules can reason about conversions
// without knowing the underlying system.
type UniversalType string

const (
	TypeString    UniversalType = "string"
	TypeText      UniversalType = "text"
	TypeInteger   UniversalType = "integer"
	TypeLong      UniversalType = "long"
	TypeFloat     UniversalType = "float"
	TypeDouble    UniversalType = "double"
	TypeDecimal   UniversalType = "decimal"
	TypeBoolean   UniversalType = "boolean"
	TypeDate      UniversalType = "date"
	TypeTime      UniversalType = "time"
	TypeDatetime  UniversalType = "datetime"
	TypeTimestamp UniversalType = "timestamp"
	TypeBinary    UniversalType = "binary"
	TypeJSON      UniversalType = "json"
	TypeArray     UniversalType = "array"
)

var universalTypes = map[UniversalType]bool{
	TypeString: true, TypeText: true, TypeInteger: true, TypeLong: true,
	TypeFloat: true, TypeDouble: true, TypeDecimal: true, TypeBoolean: true,
	TypeDate: true, TypeTime: true, TypeDatetime: true, TypeTimestamp: true,
	TypeBinary: true, TypeJSON: true, TypeArray: true,
}

// ParseUniversalType validates s against the known type set.
func ParseUniversalType(s string) (UniversalType, error) {
	t := UniversalType(s)
	if !universalTypes[t] {
		return "", fmt.Errorf("unknown universal type: %q", s)
	}
	return t, nil
}

// Valid reports whether t is a member of the universal type set.
func (t UniversalType) Valid() bool {
	return universalTypes[t]
}

// IsNumeric reports whether t holds numeric values.
func (t UniversalType) IsNumeric() bool {
	switch t {
	case TypeInteger, TypeLong, TypeFloat, TypeDouble, TypeDecimal:
		return true
	}
	return false
}

// IsTemporal reports whether t holds date or time values.
func (t UniversalType) IsTemporal() bool {
	switch t {
	case TypeDate, TypeTime, TypeDatetime, TypeTimestamp:
		return true
	}
	return false
}

// RuleKind identifies how a rule produces its target value.
type RuleKind string

const (
	RuleDirect      RuleKind = "direct"
	RuleTransform   RuleKind = "transform"
	RuleConcat      RuleKind = "concat"
	RuleSplit       RuleKind = "split"
	RuleLookup      RuleKind = "lookup"
	RuleFormula     RuleKind = "formula"
	RuleConditional RuleKind = "conditional"
)

var ruleKinds = map[RuleKind]bool{
	RuleDirect: true, RuleTransform: true, RuleConcat: true, RuleSplit: true,
	RuleLookup: true, RuleFormula: true, RuleConditional: true,
}

// Valid reports whether k is a known rule kind.
func (k RuleKind) Valid() bool { return ruleKinds[k] }

// ErrorPolicy controls what happens when a single rule fails on a record.
type ErrorPolicy string

const (
	// ErrorPolicySkip leaves the target field unset and continues.
	ErrorPolicySkip ErrorPolicy = "skip"
	// ErrorPolicyDefault writes the rule's default value and continues.
	ErrorPolicyDefault ErrorPolicy = "default"
	// ErrorPolicyFail aborts the record with an error.
	ErrorPolicyFail ErrorPolicy = "fail"
)

// Valid reports whether p is a known error policy. The empty policy is
// valid and resolves to fail at execution time.
func (p ErrorPolicy) Valid() bool {
	switch p {
	case "", ErrorPolicySkip, ErrorPolicyDefault, ErrorPolicyFail:
		return true
	}
	return false
}

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq         Operator = "=="
	OpStrictEq   Operator = "==="
	OpNe         Operator = "!="
	OpGt         Operator = ">"
	OpGte        Operator = ">="
	OpLt         Operator = "<"
	OpLte        Operator = "<="
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpEndsWith   Operator = "endsWith"
	OpIn         Operator = "in"
	OpNotIn      Operator = "notIn"
	OpIsNull     Operator = "isNull"
	OpIsNotNull  Operator = "isNotNull"
)

var operators = map[Operator]bool{
	OpEq: true, OpStrictEq: true, OpNe: true, OpGt: true, OpGte: true,
	OpLt: true, OpLte: true, OpContains: true, OpStartsWith: true,
	OpEndsWith: true, OpIn: true, OpNotIn: true, OpIsNull: true, OpIsNotNull: true,
}

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool { return operators[op] }

// Operators returns the full operator set, for diagnostics.
func Operators() []Operator {
	out := make([]Operator, 0, len(operators))
	for op := range operators {
		out = append(out, op)
	}
	return out
}

// RecordError describes a failure scoped to one record during execution.
type RecordError struct {
	RecordIndex int    `json:"recordIndex"`
	Rule        string `json:"rule,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message"`
	Type        string `json:"type,omitempty"`
	Severity    string `json:"severity,omitempty"`
}

// ExecutionSummary is the result envelope for a single mapping execution.
type ExecutionSummary struct {
	Success          bool                     `json:"success"`
	Data             []map[string]interface{} `json:"data"`
	ExecutionID      string                   `json:"executionId"`
	MappingID        string                   `json:"mappingId"`
	MappingVersion   string                   `json:"mappingVersion,omitempty"`
	Executor         string                   `json:"executor,omitempty"`
	RecordsProcessed int                      `json:"recordsProcessed"`
	RecordsFailed    int                      `json:"recordsFailed"`
	Errors           []RecordError            `json:"errors,omitempty"`
	ExecutionTime    time.Duration            `json:"executionTime"`
	CacheHit         bool                     `json:"cacheHit"`
	DryRun           bool                     `json:"dryRun,omitempty"`
}

// BatchSummary is the aggregate result envelope for a batch execution.
// Results preserves the input order of successfully mapped records.
type BatchSummary struct {
	TotalProcessed int                      `json:"totalProcessed"`
	SuccessCount   int                      `json:"successCount"`
	ErrorCount     int                      `json:"errorCount"`
	Results        []map[string]interface{} `json:"results"`
	Batches        int                      `json:"batches"`
	Errors         []RecordError            `json:"errors,omitempty"`
	ExecutionTime  time.Duration            `json:"executionTime"`
}
