package validation

import (
	"fmt"

	"github.com/nineking424/nificdc-sub004/pkg/adapter"
)

// EvalPredicate evaluates a filter-style predicate document against a record.
// $and, $or, and $not combine sub-predicates; every other key is a field
// condition with the adapter filter semantics (bare values compare as
// equality, operator maps like {"$gte": 18} apply each operator). Top-level
// keys combine with AND. An empty predicate matches everything.
func EvalPredicate(record map[string]interface{}, pred map[string]interface{}) (bool, error) {
	for key, val := range pred {
		switch key {
		case "$and":
			subs, err := predicateList(key, val)
			if err != nil {
				return false, err
			}
			for _, sub := range subs {
				ok, err := EvalPredicate(record, sub)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
		case "$or":
			subs, err := predicateList(key, val)
			if err != nil {
				return false, err
			}
			matched := false
			for _, sub := range subs {
				ok, err := EvalPredicate(record, sub)
				if err != nil {
					return false, err
				}
				if ok {
					matched = true
					break
				}
			}
			if !matched {
				return false, nil
			}
		case "$not":
			sub, ok := val.(map[string]interface{})
			if !ok {
				return false, fmt.Errorf("$not: expected a predicate object, got %T", val)
			}
			matched, err := EvalPredicate(record, sub)
			if err != nil {
				return false, err
			}
			if matched {
				return false, nil
			}
		default:
			ok, err := adapter.MatchRecord(record, map[string]interface{}{key: val})
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
	}
	return true, nil
}

func predicateList(op string, val interface{}) ([]map[string]interface{}, error) {
	switch list := val.(type) {
	case []map[string]interface{}:
		return list, nil
	case []interface{}:
		out := make([]map[string]interface{}, len(list))
		for i, v := range list {
			sub, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("%s[%d]: expected a predicate object, got %T", op, i, v)
			}
			out[i] = sub
		}
		return out, nil
	}
	return nil, fmt.Errorf("%s: expected a list of predicates, got %T", op, val)
}
