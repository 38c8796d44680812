package adapter

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nineking424/nificdc-sub004/internal/pathutil"
)

// Filter operators shared by every adapter's ReadOptions.Filter.
const (
	OpEq      = "$eq"
	OpNe      = "$ne"
	OpGt      = "$gt"
	OpGte     = "$gte"
	OpLt      = "$lt"
	OpLte     = "$lte"
	OpIn      = "$in"
	OpNin     = "$nin"
	OpLike    = "$like"
	OpBetween = "$between"
	OpJSON    = "$json"
)

// MatchRecord reports whether the record satisfies every field condition in
// the filter. A condition is either a bare value (equality) or a map of
// operator expressions, e.g. {"age": {"$gte": 18, "$lt": 65}}. Field names
// may use dotted paths into nested values.
func MatchRecord(record map[string]interface{}, filter map[string]interface{}) (bool, error) {
	for field, cond := range filter {
		actual, _ := pathutil.Get(record, field)

		ops, isOps := operatorMap(cond)
		if !isOps {
			if !looseEqual(actual, cond) {
				return false, nil
			}
			continue
		}

		for op, expected := range ops {
			ok, err := applyOperator(op, actual, expected)
			if err != nil {
				return false, fmt.Errorf("filter %s: %w", field, err)
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

// operatorMap returns cond as an operator map when every key is
// $-prefixed. A plain map value is an equality target, not an expression.
func operatorMap(cond interface{}) (map[string]interface{}, bool) {
	m, ok := cond.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func applyOperator(op string, actual, expected interface{}) (bool, error) {
	switch op {
	case OpEq:
		return looseEqual(actual, expected), nil
	case OpNe:
		return !looseEqual(actual, expected), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, err := compareValues(actual, expected)
		if err != nil {
			return false, nil // incomparable values fail the condition, not the read
		}
		switch op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		list, err := toList(expected)
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		return listContains(list, actual), nil
	case OpNin:
		list, err := toList(expected)
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		return !listContains(list, actual), nil
	case OpLike:
		pattern, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("%s: pattern must be a string", op)
		}
		s, ok := actual.(string)
		if !ok {
			return false, nil
		}
		return likeMatch(s, pattern), nil
	case OpBetween:
		bounds, err := toList(expected)
		if err != nil || len(bounds) != 2 {
			return false, fmt.Errorf("%s: expected [low, high]", op)
		}
		lowCmp, err := compareValues(actual, bounds[0])
		if err != nil {
			return false, nil
		}
		highCmp, err := compareValues(actual, bounds[1])
		if err != nil {
			return false, nil
		}
		return lowCmp >= 0 && highCmp <= 0, nil
	case OpJSON:
		return jsonContains(actual, expected), nil
	default:
		return false, fmt.Errorf("unknown operator %s", op)
	}
}

// looseEqual compares values with numeric coercion so 2 == 2.0 == int64(2).
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders numbers, strings, and times. Mixed or unsupported
// kinds return an error.
func compareValues(a, b interface{}) (int, error) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}

	if as, aok := a.(string); aok {
		bs, bok := b.(string)
		if !bok {
			return 0, fmt.Errorf("cannot compare string with %T", b)
		}
		return strings.Compare(as, bs), nil
	}

	if at, aok := a.(time.Time); aok {
		bt, bok := b.(time.Time)
		if !bok {
			return 0, fmt.Errorf("cannot compare time with %T", b)
		}
		switch {
		case at.Before(bt):
			return -1, nil
		case at.After(bt):
			return 1, nil
		default:
			return 0, nil
		}
	}

	return 0, fmt.Errorf("cannot compare %T values", a)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toList(v interface{}) ([]interface{}, error) {
	if list, ok := v.([]interface{}); ok {
		return list, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func listContains(list []interface{}, v interface{}) bool {
	for _, item := range list {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

// likeMatch implements SQL LIKE: % matches any run, _ matches one
// character. Matching is case-sensitive.
func likeMatch(s, pattern string) bool {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// jsonContains reports whether expected is structurally contained in
// actual: every expected map key must be contained in the actual value
// under the same key, every expected list element must be contained in some
// actual element, and leaves compare with numeric coercion.
func jsonContains(actual, expected interface{}) bool {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return false
		}
		for k, v := range exp {
			av, present := act[k]
			if !present || !jsonContains(av, v) {
				return false
			}
		}
		return true
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return false
		}
		for _, ev := range exp {
			found := false
			for _, av := range act {
				if jsonContains(av, ev) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return looseEqual(actual, expected)
	}
}

// FilterRecords returns the records matching the filter.
func FilterRecords(records []map[string]interface{}, filter map[string]interface{}) ([]map[string]interface{}, error) {
	if len(filter) == 0 {
		return records, nil
	}
	var out []map[string]interface{}
	for _, rec := range records {
		ok, err := MatchRecord(rec, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SortRecords stably sorts records by the sort keys, in order. Nil values
// sort before non-nil; incomparable values keep their relative order.
func SortRecords(records []map[string]interface{}, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, key := range keys {
			a, _ := pathutil.Get(records[i], key.Field)
			b, _ := pathutil.Get(records[j], key.Field)

			if a == nil || b == nil {
				if a == nil && b == nil {
					continue
				}
				less := a == nil
				if key.Desc {
					less = !less
				}
				return less
			}

			cmp, err := compareValues(a, b)
			if err != nil || cmp == 0 {
				continue
			}
			if key.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// Page applies offset and limit to records.
func Page(records []map[string]interface{}, offset, limit int) []map[string]interface{} {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(records) {
		return nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}

// ProjectColumns reduces each record to the named columns. Missing columns
// are omitted. Empty columns return the records unchanged.
func ProjectColumns(records []map[string]interface{}, columns []string) []map[string]interface{} {
	if len(columns) == 0 {
		return records
	}
	out := make([]map[string]interface{}, len(records))
	for i, rec := range records {
		proj := make(map[string]interface{}, len(columns))
		for _, col := range columns {
			if v, ok := rec[col]; ok {
				proj[col] = v
			}
		}
		out[i] = proj
	}
	return out
}
