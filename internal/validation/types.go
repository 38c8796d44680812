package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
	"github.com/nineking424/nificdc-sub004/internal/pathutil"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// TypeConstraint binds a field to a union of acceptable universal types. An
// empty Field checks the validated value itself.
type TypeConstraint struct {
	Field        string
	Types        []mapping.UniversalType
	AllowNull    bool
	AllowMissing bool
}

// TypeValidator checks values against universal type unions. Arrays and
// objects are distinct: an array only satisfies TypeArray, an object only
// TypeJSON.
type TypeValidator struct {
	name        string
	constraints []TypeConstraint
}

// NewTypeValidator builds a validator over the given constraints.
func NewTypeValidator(name string, constraints ...TypeConstraint) (*TypeValidator, error) {
	if name == "" {
		return nil, errors.New("type validator requires a name")
	}
	if len(constraints) == 0 {
		return nil, fmt.Errorf("type validator %q requires at least one constraint", name)
	}
	for _, c := range constraints {
		if len(c.Types) == 0 {
			return nil, fmt.Errorf("type validator %q: constraint on %q has no types", name, c.Field)
		}
		for _, t := range c.Types {
			if !t.Valid() {
				return nil, fmt.Errorf("type validator %q: unknown type %q", name, t)
			}
		}
	}
	return &TypeValidator{name: name, constraints: constraints}, nil
}

func (v *TypeValidator) Name() string { return v.name }
func (v *TypeValidator) Kind() string { return KindType }

func (v *TypeValidator) Validate(ctx context.Context, data interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := OK()
	for _, c := range v.constraints {
		value := data
		present := true
		if c.Field != "" {
			rec, ok := asRecord(data)
			if !ok {
				return nil, fmt.Errorf("type validator %q: field %q requires a record, got %T", v.name, c.Field, data)
			}
			value, present = pathutil.Get(rec, c.Field)
		}

		switch {
		case !present:
			if !c.AllowMissing {
				res.AddError(Issue{
					Field:    c.Field,
					Code:     CodeFieldMissing,
					Message:  fmt.Sprintf("%s is missing", c.Field),
					Severity: errhandling.SeverityHigh,
				})
			}
		case value == nil:
			if !c.AllowNull {
				res.AddError(Issue{
					Field:    c.Field,
					Code:     CodeNullNotAllowed,
					Message:  fmt.Sprintf("%s must not be null", fieldOrValue(c.Field)),
					Severity: errhandling.SeverityHigh,
				})
			}
		case !matchesAnyType(value, c.Types):
			res.AddError(Issue{
				Field:    c.Field,
				Code:     CodeTypeMismatch,
				Message:  fmt.Sprintf("%s has type %T, want %s", fieldOrValue(c.Field), value, typeUnion(c.Types)),
				Severity: errhandling.SeverityHigh,
			})
		}
	}
	return res, nil
}

func fieldOrValue(field string) string {
	if field == "" {
		return "value"
	}
	return field
}

func typeUnion(types []mapping.UniversalType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, "|")
}

func matchesAnyType(value interface{}, types []mapping.UniversalType) bool {
	for _, t := range types {
		if matchesType(value, t) {
			return true
		}
	}
	return false
}

func matchesType(value interface{}, t mapping.UniversalType) bool {
	switch t {
	case mapping.TypeString, mapping.TypeText:
		_, ok := value.(string)
		return ok
	case mapping.TypeInteger, mapping.TypeLong:
		switch n := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float32:
			return float32(math.Trunc(float64(n))) == n
		case float64:
			return math.Trunc(n) == n && !math.IsInf(n, 0)
		}
		return false
	case mapping.TypeFloat, mapping.TypeDouble, mapping.TypeDecimal:
		switch value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			return true
		}
		return false
	case mapping.TypeBoolean:
		_, ok := value.(bool)
		return ok
	case mapping.TypeDate, mapping.TypeTime, mapping.TypeDatetime, mapping.TypeTimestamp:
		return isTemporalValue(value)
	case mapping.TypeBinary:
		switch value.(type) {
		case []byte, string:
			return true
		}
		return false
	case mapping.TypeJSON:
		_, ok := value.(map[string]interface{})
		return ok
	case mapping.TypeArray:
		if _, isBytes := value.([]byte); isBytes {
			return false
		}
		kind := reflect.ValueOf(value).Kind()
		return kind == reflect.Slice || kind == reflect.Array
	}
	return false
}

func isTemporalValue(value interface{}) bool {
	switch t := value.(type) {
	case time.Time:
		return true
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
			"15:04:05",
		} {
			if _, err := time.Parse(layout, t); err == nil {
				return true
			}
		}
	}
	return false
}
