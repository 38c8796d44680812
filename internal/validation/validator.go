package validation

import "context"

// Validator kinds form a closed set; extensions register custom validators
// under their own names rather than adding kinds.
const (
	KindSchema       = "schema"
	KindType         = "type"
	KindBusinessRule = "businessRule"
	KindCustom       = "custom"
	KindComposite    = "composite"
	KindFieldMapping = "fieldMapping"
	KindDataQuality  = "dataQuality"
)

// Validator decides whether data satisfies a set of constraints. Validate
// returns a Result describing findings; the error return is reserved for
// internal failures (bad input shape, evaluation breakage), not for invalid
// data.
type Validator interface {
	Name() string
	Kind() string
	Validate(ctx context.Context, data interface{}) (*Result, error)
}

// asRecord coerces validator input into a record map.
func asRecord(data interface{}) (map[string]interface{}, bool) {
	rec, ok := data.(map[string]interface{})
	return rec, ok
}

// asRecords coerces validator input into a dataset: a record slice, a slice
// of arbitrary values that are all records, or a single record.
func asRecords(data interface{}) ([]map[string]interface{}, bool) {
	switch t := data.(type) {
	case []map[string]interface{}:
		return t, true
	case []interface{}:
		out := make([]map[string]interface{}, len(t))
		for i, v := range t {
			rec, ok := v.(map[string]interface{})
			if !ok {
				return nil, false
			}
			out[i] = rec
		}
		return out, true
	case map[string]interface{}:
		return []map[string]interface{}{t}, true
	}
	return nil, false
}
