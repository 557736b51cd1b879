package source

import (
	"fmt"

	"github.com/airweave/airweave/pkg/models"
)

// FieldType is the declared type of a schema field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
)

// Field is one statically declared config or auth field.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Secret   bool

	// FeatureFlag gates the field: a tenant lacking the flag and supplying
	// a non-null value is rejected with 403.
	FeatureFlag string
}

// Schema is a small, statically declared validation schema for source
// config and direct credentials.
type Schema struct {
	Fields []Field
}

// Fields builds a schema from field declarations.
func Fields(fields ...Field) *Schema { return &Schema{Fields: fields} }

// Str declares a string field.
func Str(name string, required bool) Field {
	return Field{Name: name, Type: FieldString, Required: required}
}

// Secret declares a required secret string field.
func Secret(name string) Field {
	return Field{Name: name, Type: FieldString, Required: true, Secret: true}
}

// Int declares an int field.
func Int(name string, required bool) Field {
	return Field{Name: name, Type: FieldInt, Required: required}
}

// Bool declares a bool field.
func Bool(name string) Field {
	return Field{Name: name, Type: FieldBool}
}

// Flagged returns a copy of the field gated behind a feature flag.
func (f Field) Flagged(flag string) Field {
	f.FeatureFlag = flag
	return f
}

// Validate checks values against the schema. hasFlag resolves the tenant's
// feature flags; pass nil when flags are irrelevant (auth schemas).
func (s *Schema) Validate(values map[string]any, hasFlag func(string) bool) error {
	if s == nil {
		if len(values) > 0 {
			return models.Validationf("no fields are accepted here")
		}
		return nil
	}
	byName := make(map[string]Field, len(s.Fields))
	for _, f := range s.Fields {
		byName[f.Name] = f
	}

	problems := map[string]string{}
	for name, v := range values {
		f, ok := byName[name]
		if !ok {
			problems[name] = "unknown field"
			continue
		}
		if v == nil {
			continue
		}
		if f.FeatureFlag != "" && (hasFlag == nil || !hasFlag(f.FeatureFlag)) {
			return models.Permissionf("field %q requires the %q feature flag", name, f.FeatureFlag)
		}
		if err := checkType(f, v); err != nil {
			problems[name] = err.Error()
		}
	}
	for _, f := range s.Fields {
		if f.Required {
			if v, ok := values[f.Name]; !ok || v == nil || v == "" {
				problems[f.Name] = "required"
			}
		}
	}
	if len(problems) > 0 {
		return models.ValidationFields("invalid fields", problems)
	}
	return nil
}

func checkType(f Field, v any) error {
	switch f.Type {
	case FieldString:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("expected string")
		}
	case FieldInt:
		switch v.(type) {
		case int, int64, float64: // JSON numbers decode as float64
		default:
			return fmt.Errorf("expected integer")
		}
	case FieldBool:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("expected boolean")
		}
	}
	return nil
}
