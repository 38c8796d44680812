package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// ConvertToMapping converts a parsed mapping document to a Mapping
// definition. The document should have been validated against the schema
// before calling this function; the conversion re-checks the structural
// rules so it is also safe on unvalidated input.
//
// The document is the JSON form of a mapping definition:
//
//	{
//	  "id": "...",
//	  "name": "...",
//	  "version": "...",
//	  "rules": [...],
//	  "defaultValues": {...}
//	}
func ConvertToMapping(data map[string]interface{}) (*mapping.Mapping, error) {
	if data == nil {
		return nil, fmt.Errorf("mapping document is nil")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode mapping document: %w", err)
	}

	var def mapping.Mapping
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, convertError(err)
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return &def, nil
}

// convertError rewrites JSON decode failures into field-scoped messages.
func convertError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		if typeErr.Field != "" {
			return fmt.Errorf("field %q: cannot convert %s to %s", typeErr.Field, typeErr.Value, typeErr.Type)
		}
		return fmt.Errorf("cannot convert %s to %s", typeErr.Value, typeErr.Type)
	}
	return fmt.Errorf("decode mapping document: %w", err)
}
