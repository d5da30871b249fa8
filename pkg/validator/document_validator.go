// Package validator checks document data against the JSON Schema subset
// stored in the schema registry. It covers the structural core (type,
// required, properties, additionalProperties) plus the common value
// constraints (enum, minimum/maximum, minLength/maxLength, pattern).
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tgnichols/schemabase/internal/domain"
)

// FieldError describes one failed constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// Result collects every failed constraint for a document.
type Result struct {
	IsValid bool         `json:"is_valid"`
	Errors  []FieldError `json:"errors"`
}

type property struct {
	Type      string    `json:"type"`
	Format    string    `json:"format"`
	Enum      []any     `json:"enum"`
	Minimum   *float64  `json:"minimum"`
	Maximum   *float64  `json:"maximum"`
	MinLength *int      `json:"minLength"`
	MaxLength *int      `json:"maxLength"`
	Pattern   string    `json:"pattern"`
	Items     *property `json:"items"`
}

type schemaDoc struct {
	Type                 string              `json:"type"`
	Required             []string            `json:"required"`
	Properties           map[string]property `json:"properties"`
	AdditionalProperties *bool               `json:"additionalProperties"`
}

// DocumentValidator validates business data against a schema definition.
// The zero value is usable; compiled patterns are not cached across calls
// because schemas mutate at runtime.
type DocumentValidator struct{}

// New creates a document validator.
func New() *DocumentValidator {
	return &DocumentValidator{}
}

// Validate checks data against schema.JSONSchema and returns a
// domain.ValidationError naming the first offending fields when any
// constraint fails. An empty or absent JSON schema accepts everything.
func (v *DocumentValidator) Validate(_ context.Context, schema domain.SchemaDefinition, data map[string]any) error {
	result := v.Check(schema, data)
	if result.IsValid {
		return nil
	}

	messages := make([]string, 0, len(result.Errors))
	for _, fieldErr := range result.Errors {
		messages = append(messages, fieldErr.Message)
	}
	return domain.NewValidationError("data", "%s", strings.Join(messages, "; "))
}

// Check evaluates every constraint and reports all failures rather than
// stopping at the first.
func (v *DocumentValidator) Check(schema domain.SchemaDefinition, data map[string]any) Result {
	result := Result{IsValid: true, Errors: []FieldError{}}

	doc, err := parseSchema(schema.JSONSchema)
	if err != nil {
		result.IsValid = false
		result.Errors = append(result.Errors, FieldError{
			Field:   "$schema",
			Message: fmt.Sprintf("schema %q has an unparseable json_schema: %v", schema.Name, err),
		})
		return result
	}
	if doc == nil {
		return result
	}

	for _, name := range doc.Required {
		if value, ok := data[name]; !ok || value == nil {
			result.fail(name, fmt.Sprintf("required field %q is missing", name), nil)
		}
	}

	for name, value := range data {
		prop, defined := doc.Properties[name]
		if !defined {
			if doc.AdditionalProperties != nil && !*doc.AdditionalProperties {
				result.fail(name, fmt.Sprintf("field %q is not defined in schema %q", name, schema.Name), value)
			}
			continue
		}
		if value == nil {
			continue
		}
		for _, msg := range checkProperty(name, value, prop) {
			result.fail(name, msg, value)
		}
	}

	return result
}

func (r *Result) fail(field, message string, value any) {
	r.IsValid = false
	r.Errors = append(r.Errors, FieldError{Field: field, Message: message, Value: value})
}

func parseSchema(raw json.RawMessage) (*schemaDoc, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc schemaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Properties == nil && doc.Required == nil && doc.AdditionalProperties == nil {
		return nil, nil
	}
	return &doc, nil
}

func checkProperty(name string, value any, prop property) []string {
	var msgs []string

	if prop.Type != "" {
		if msg := checkType(name, value, prop); msg != "" {
			// A type mismatch makes the remaining constraints meaningless.
			return []string{msg}
		}
	}

	if len(prop.Enum) > 0 && !enumContains(prop.Enum, value) {
		msgs = append(msgs, fmt.Sprintf("field %q value %v is not one of the allowed values", name, value))
	}

	if num, ok := asFloat(value); ok {
		if prop.Minimum != nil && num < *prop.Minimum {
			msgs = append(msgs, fmt.Sprintf("field %q value %v is less than minimum %v", name, value, *prop.Minimum))
		}
		if prop.Maximum != nil && num > *prop.Maximum {
			msgs = append(msgs, fmt.Sprintf("field %q value %v is greater than maximum %v", name, value, *prop.Maximum))
		}
	}

	if str, ok := value.(string); ok {
		if prop.MinLength != nil && len(str) < *prop.MinLength {
			msgs = append(msgs, fmt.Sprintf("field %q length %d is less than minLength %d", name, len(str), *prop.MinLength))
		}
		if prop.MaxLength != nil && len(str) > *prop.MaxLength {
			msgs = append(msgs, fmt.Sprintf("field %q length %d is greater than maxLength %d", name, len(str), *prop.MaxLength))
		}
		if prop.Pattern != "" {
			re, err := regexp.Compile(prop.Pattern)
			if err != nil {
				msgs = append(msgs, fmt.Sprintf("field %q has an invalid pattern %q in its schema", name, prop.Pattern))
			} else if !re.MatchString(str) {
				msgs = append(msgs, fmt.Sprintf("field %q value %q does not match pattern %q", name, str, prop.Pattern))
			}
		}
	}

	if prop.Items != nil {
		if items, ok := value.([]any); ok {
			for i, item := range items {
				msgs = append(msgs, checkProperty(fmt.Sprintf("%s[%d]", name, i), item, *prop.Items)...)
			}
		}
	}

	return msgs
}

func checkType(name string, value any, prop property) string {
	switch prop.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return fmt.Sprintf("field %q must be a string, got %T", name, value)
		}
		if prop.Format == "date-time" {
			if _, err := time.Parse(time.RFC3339, str); err != nil {
				return fmt.Sprintf("field %q must be an RFC3339 timestamp: %v", name, err)
			}
		}
	case "integer":
		if !isInteger(value) {
			return fmt.Sprintf("field %q must be an integer, got %T", name, value)
		}
	case "number":
		if _, ok := asFloat(value); !ok {
			return fmt.Sprintf("field %q must be a number, got %T", name, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("field %q must be a boolean, got %T", name, value)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Sprintf("field %q must be an array, got %T", name, value)
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Sprintf("field %q must be an object, got %T", name, value)
		}
	}
	return ""
}

// isInteger accepts Go integer kinds plus whole-valued float64, the shape
// encoding/json produces for JSON numbers.
func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return v == float64(int64(v))
	default:
		return false
	}
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func enumContains(allowed []any, value any) bool {
	for _, candidate := range allowed {
		if candidateJSON, err := json.Marshal(candidate); err == nil {
			if valueJSON, err := json.Marshal(value); err == nil && string(candidateJSON) == string(valueJSON) {
				return true
			}
		}
	}
	return false
}
