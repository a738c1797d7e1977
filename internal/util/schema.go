package util

import (
	"errors"
	"fmt"
	"sort"
)

// ArgumentError reports one tool call argument that violates the declared
// parameter schema.
type ArgumentError struct {
	Field  string `json:"field"`
	Value  any    `json:"value,omitempty"`
	Reason string `json:"reason"`
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("argument %q: %s", e.Field, e.Reason)
}

// ValidateArguments checks tool call arguments against the JSON schema
// subset tool declarations support: required, properties.<name>.type and
// properties.<name>.enum. Undeclared arguments are allowed. All violations
// are returned joined, ordered by field name.
func ValidateArguments(args map[string]any, schema map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var errs []error

	required := stringList(schema["required"])
	sort.Strings(required)
	for _, field := range required {
		if _, ok := args[field]; !ok {
			errs = append(errs, &ArgumentError{Field: field, Reason: "required argument is missing"})
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	fields := make([]string, 0, len(args))
	for field := range args {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		prop, ok := properties[field].(map[string]any)
		if !ok {
			continue
		}
		value := args[field]
		if want, _ := prop["type"].(string); !matchesType(value, want) {
			errs = append(errs, &ArgumentError{Field: field, Value: value, Reason: fmt.Sprintf("expected %s, got %T", want, value)})
			continue
		}
		if enum, ok := prop["enum"].([]any); ok && !inEnum(value, enum) {
			errs = append(errs, &ArgumentError{Field: field, Value: value, Reason: fmt.Sprintf("must be one of %v", enum)})
		}
	}
	return errors.Join(errs...)
}

// stringList accepts both []string (Go literals) and []any (decoded YAML/JSON).
func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func inEnum(value any, enum []any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(value) {
			return true
		}
	}
	return false
}

// matchesType reports whether a decoded JSON value fits the schema type.
// Arguments arrive from json.Unmarshal, so numbers are float64.
func matchesType(value any, want string) bool {
	if value == nil {
		return true
	}
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer":
		switch v := value.(type) {
		case float64:
			return v == float64(int64(v))
		case int, int64:
			return true
		}
		return false
	case "number":
		switch value.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	}
	return true
}
