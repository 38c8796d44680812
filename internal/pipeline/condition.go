package pipeline

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/pathutil"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// EvalCondition evaluates a field condition against a record. The field may
// be a dotted path. Unknown operators are rejected at compile time; this
// returns an error only for operators that genuinely cannot apply, such as
// in with a non-list value.
func EvalCondition(cond *mapping.Condition, record map[string]interface{}) (bool, error) {
	if cond == nil {
		return true, nil
	}
	actual, _ := pathutil.Get(record, cond.Field)
	return evalOperator(cond.Operator, actual, cond.Value)
}

func evalOperator(op mapping.Operator, actual, expected interface{}) (bool, error) {
	switch op {
	case mapping.OpIsNull:
		return actual == nil, nil
	case mapping.OpIsNotNull:
		return actual != nil, nil
	case mapping.OpEq:
		return looseEquals(actual, expected), nil
	case mapping.OpStrictEq:
		return strictEquals(actual, expected), nil
	case mapping.OpNe:
		return !looseEquals(actual, expected), nil
	case mapping.OpGt, mapping.OpGte, mapping.OpLt, mapping.OpLte:
		cmp, ok := compareOrdered(actual, expected)
		if !ok {
			return false, nil
		}
		switch op {
		case mapping.OpGt:
			return cmp > 0, nil
		case mapping.OpGte:
			return cmp >= 0, nil
		case mapping.OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case mapping.OpContains:
		return evalContains(actual, expected), nil
	case mapping.OpStartsWith:
		a, e, ok := bothStrings(actual, expected)
		return ok && strings.HasPrefix(a, e), nil
	case mapping.OpEndsWith:
		a, e, ok := bothStrings(actual, expected)
		return ok && strings.HasSuffix(a, e), nil
	case mapping.OpIn:
		list, err := expectedList(op, expected)
		if err != nil {
			return false, err
		}
		return listHas(list, actual), nil
	case mapping.OpNotIn:
		list, err := expectedList(op, expected)
		if err != nil {
			return false, err
		}
		return !listHas(list, actual), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

// looseEquals compares with numeric coercion, so 1 == 1.0 == "1".
func looseEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return as == bs
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return reflect.DeepEqual(a, b)
}

// strictEquals requires matching types before comparing values.
func strictEquals(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// compareOrdered compares two values that share an ordering: numbers,
// strings, or timestamps. ok is false for incomparable pairs.
func compareOrdered(a, b interface{}) (int, bool) {
	if at, aok := a.(time.Time); aok {
		if bt, bok := b.(time.Time); bok {
			return at.Compare(bt), true
		}
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			}
			return 0, true
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return strings.Compare(as, bs), true
		}
	}
	return 0, false
}

func bothStrings(a, b interface{}) (string, string, bool) {
	as, aok := a.(string)
	bs, bok := b.(string)
	return as, bs, aok && bok
}

// evalContains checks substring membership for strings and element
// membership for lists.
func evalContains(actual, expected interface{}) bool {
	switch v := actual.(type) {
	case string:
		if s, ok := expected.(string); ok {
			return strings.Contains(v, s)
		}
		return false
	case []interface{}:
		return listHas(v, expected)
	case []string:
		for _, item := range v {
			if looseEquals(item, expected) {
				return true
			}
		}
		return false
	}
	return false
}

func expectedList(op mapping.Operator, expected interface{}) ([]interface{}, error) {
	switch v := expected.(type) {
	case []interface{}:
		return v, nil
	case []string:
		out := make([]interface{}, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("operator %q requires a list value, got %T", op, expected)
}

func listHas(list []interface{}, value interface{}) bool {
	for _, item := range list {
		if looseEquals(item, value) {
			return true
		}
	}
	return false
}
