package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed schema/mapping-schema.json
var embeddedSchema []byte

// schemaMessages renders schema violation messages.
var schemaMessages = message.NewPrinter(language.English)

// schemaOnce ensures thread-safe initialization of the compiled schema.
var schemaOnce sync.Once

// compiledSchema is the cached compiled schema.
var compiledSchema *jsonschema.Schema

// schemaInitErr stores any error from schema initialization.
var schemaInitErr error

// GetEmbeddedSchema returns the embedded mapping document schema.
func GetEmbeddedSchema() []byte {
	return embeddedSchema
}

// getCompiledSchema returns the compiled JSON schema, compiling it if
// necessary. Thread-safe via sync.Once.
func getCompiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(embeddedSchema))
		if err != nil {
			schemaInitErr = fmt.Errorf("failed to parse embedded schema: %w", err)
			return
		}

		compiler := jsonschema.NewCompiler()

		schemaURL := "https://nineking424.github.io/schemas/mapping/v1/mapping-schema.json"
		if err := compiler.AddResource(schemaURL, schemaDoc); err != nil {
			schemaInitErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}

		compiledSchema, err = compiler.Compile(schemaURL)
		if err != nil {
			schemaInitErr = fmt.Errorf("failed to compile schema: %w", err)
			return
		}
	})

	if schemaInitErr != nil {
		return nil, schemaInitErr
	}
	return compiledSchema, nil
}

// ValidateMappingDocument validates a parsed mapping document against the
// embedded schema. Returns a ValidationResult with validation status and any
// errors.
func ValidateMappingDocument(data map[string]interface{}) *ValidationResult {
	result := &ValidationResult{
		Valid: true,
	}

	if data == nil {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    "/",
			Type:    "required",
			Message: "mapping document is nil",
		})
		return result
	}

	if len(data) == 0 {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    "/",
			Type:    "required",
			Message: "mapping document is empty",
		})
		return result
	}

	schema, err := getCompiledSchema()
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    "/",
			Type:    "schema",
			Message: fmt.Sprintf("failed to load schema: %v", err),
		})
		return result
	}

	// Round-trip the document through JSON so the schema library sees plain
	// decoded values regardless of whether the source was JSON or YAML.
	instance, err := normalizeDocument(data)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Path:    "/",
			Type:    "format",
			Message: fmt.Sprintf("document is not representable as JSON: %v", err),
		})
		return result
	}

	validationErr := schema.Validate(instance)
	if validationErr != nil {
		result.Valid = false

		if detailedErr, ok := validationErr.(*jsonschema.ValidationError); ok {
			result.Errors = convertValidationErrors(detailedErr)
		} else {
			result.Errors = append(result.Errors, ValidationError{
				Path:    "/",
				Type:    "validation",
				Message: validationErr.Error(),
			})
		}
	}

	return result
}

// normalizeDocument re-decodes the document with the schema library's JSON
// decoder.
func normalizeDocument(data map[string]interface{}) (interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// convertValidationErrors flattens a jsonschema error tree into per-violation
// errors. Only leaf causes are reported; branch nodes merely group them.
func convertValidationErrors(err *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	for _, leaf := range leafCauses(err) {
		msg := leaf.ErrorKind.LocalizedString(schemaMessages)
		errors = append(errors, ValidationError{
			Path:     formatInstanceLocation(leaf.InstanceLocation),
			Type:     classifyViolation(msg),
			Expected: expectedFromMessage(msg),
			Actual:   actualFromMessage(msg),
			Message:  msg,
		})
	}

	return errors
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

// formatInstanceLocation formats the instance location as a JSON path.
func formatInstanceLocation(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	return "/" + strings.Join(loc, "/")
}

// classifyViolation extracts a simplified error type from the violation
// message.
func classifyViolation(msg string) string {
	m := strings.ToLower(msg)

	switch {
	case strings.Contains(m, "missing propert") || strings.Contains(m, "required"):
		return "required"
	case strings.Contains(m, "additional propert"):
		return "additionalProperties"
	case strings.Contains(m, "pattern"):
		return "pattern"
	case strings.Contains(m, "one of") || strings.Contains(m, "enum"):
		return "enum"
	case strings.Contains(m, "minimum") || strings.Contains(m, "maximum") ||
		strings.Contains(m, "length") || strings.Contains(m, "items"):
		return "range"
	case strings.Contains(m, "format"):
		return "format"
	case strings.Contains(m, "got ") && strings.Contains(m, "want "):
		return "type"
	default:
		return "validation"
	}
}

// expectedFromMessage pulls the expected value out of a "got X, want Y"
// style message. Returns empty when the message has another shape.
func expectedFromMessage(msg string) string {
	if _, after, ok := strings.Cut(msg, ", want "); ok {
		return after
	}
	return ""
}

// actualFromMessage pulls the found value out of a "got X, want Y" style
// message. Returns empty when the message has another shape.
func actualFromMessage(msg string) string {
	rest, ok := strings.CutPrefix(msg, "got ")
	if !ok {
		return ""
	}
	if before, _, found := strings.Cut(rest, ", want "); found {
		return before
	}
	return ""
}
