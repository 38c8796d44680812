package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/nineking424/nificdc-sub004/internal/errhandling"
)

var schemaMessages = message.NewPrinter(language.English)

// SchemaOptions tune structural validation.
type SchemaOptions struct {
	// CoerceTypes widens string values that parse cleanly as numbers or
	// booleans before checking, so records read from text sources can pass
	// numeric constraints.
	CoerceTypes bool
}

// SchemaValidator checks a record against a compiled JSON schema: required
// properties, types, string length and pattern constraints, numeric bounds,
// array uniqueness, and nested objects.
type SchemaValidator struct {
	name   string
	schema *jsonschema.Schema
	opts   SchemaOptions
}

// NewSchemaValidator compiles the schema document and returns a validator for
// it.
func NewSchemaValidator(name string, schemaJSON []byte, opts SchemaOptions) (*SchemaValidator, error) {
	if name == "" {
		return nil, errors.New("schema validator requires a name")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("schema %q: parse: %w", name, err)
	}
	url := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("schema %q: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema %q: compile: %w", name, err)
	}
	return &SchemaValidator{name: name, schema: schema, opts: opts}, nil
}

func (v *SchemaValidator) Name() string { return v.name }
func (v *SchemaValidator) Kind() string { return KindSchema }

// Validate checks the data against the schema. Structural violations come
// back as error issues with full field paths; only marshalling breakage is a
// Go error.
func (v *SchemaValidator) Validate(ctx context.Context, data interface{}) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	instance, err := normalizeJSON(data)
	if err != nil {
		return nil, fmt.Errorf("schema %q: encode instance: %w", v.name, err)
	}
	if v.opts.CoerceTypes {
		instance = widenStrings(instance)
	}

	verr := v.schema.Validate(instance)
	if verr == nil {
		return OK().SetMeta("schema", v.name), nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(verr, &ve) {
		return nil, fmt.Errorf("schema %q: %w", v.name, verr)
	}

	res := OK().SetMeta("schema", v.name)
	for _, leaf := range leafCauses(ve) {
		field := strings.Join(leaf.InstanceLocation, ".")
		msg := leaf.ErrorKind.LocalizedString(schemaMessages)
		if field != "" {
			msg = fmt.Sprintf("%s: %s", field, msg)
		}
		res.AddError(Issue{
			Field:    field,
			Code:     CodeSchemaViolation,
			Message:  msg,
			Severity: errhandling.SeverityHigh,
		})
	}
	return res, nil
}

// leafCauses flattens a validation error tree into its leaf findings.
func leafCauses(e *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(e.Causes) == 0 {
		return []*jsonschema.ValidationError{e}
	}
	var out []*jsonschema.ValidationError
	for _, c := range e.Causes {
		out = append(out, leafCauses(c)...)
	}
	return out
}

// normalizeJSON round-trips the value through JSON so the schema library sees
// plain decoded types regardless of how the record was produced.
func normalizeJSON(data interface{}) (interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var instance interface{}
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, err
	}
	return instance, nil
}

// widenStrings converts string leaves that parse exactly as numbers or
// booleans into those types. Non-string values pass through unchanged.
func widenStrings(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = widenStrings(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = widenStrings(val)
		}
		return out
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return t
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n
		}
		switch strings.ToLower(s) {
		case "true":
			return true
		case "false":
			return false
		}
		return t
	default:
		return v
	}
}
