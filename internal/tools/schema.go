package tools

import (
	"errors"
	"fmt"
)

// Field types a schema can declare.
const (
	TypeString = "string"
	TypeBool   = "bool"
	TypeInt    = "int"
)

// Field is one declared input parameter.
type Field struct {
	Name     string
	Type     string
	Required bool
	MaxLen   int // strings only; 0 means unbounded
}

// Schema declares the accepted input of a tool. A nil schema accepts any
// input including none.
type Schema struct {
	Fields []Field
}

// Validate checks input against the schema. The returned error message is
// the machine-readable detail appended to the invalid-input code.
func (s *Schema) Validate(input map[string]any) error {
	if s == nil {
		return nil
	}
	for _, f := range s.Fields {
		raw, ok := input[f.Name]
		if !ok || raw == nil {
			if f.Required {
				return fmt.Errorf("missing field %s", f.Name)
			}
			continue
		}
		switch f.Type {
		case TypeString:
			v, ok := raw.(string)
			if !ok {
				return fmt.Errorf("field %s must be a string", f.Name)
			}
			if f.Required && v == "" {
				return fmt.Errorf("missing field %s", f.Name)
			}
			if f.MaxLen > 0 && len(v) > f.MaxLen {
				return fmt.Errorf("field %s exceeds %d characters", f.Name, f.MaxLen)
			}
		case TypeBool:
			if _, ok := raw.(bool); !ok {
				return fmt.Errorf("field %s must be a boolean", f.Name)
			}
		case TypeInt:
			// JSON numbers arrive as float64.
			switch n := raw.(type) {
			case float64:
				if n != float64(int64(n)) {
					return fmt.Errorf("field %s must be an integer", f.Name)
				}
			case int, int64:
			default:
				return fmt.Errorf("field %s must be an integer", f.Name)
			}
		default:
			return errors.New("unsupported field type " + f.Type)
		}
	}
	return nil
}

// StringField extracts an optional string from tool input.
func StringField(input map[string]any, name string) string {
	if v, ok := input[name].(string); ok {
		return v
	}
	return ""
}

// BoolField extracts an optional bool from tool input.
func BoolField(input map[string]any, name string) bool {
	v, _ := input[name].(bool)
	return v
}
