package step

import (
	"fmt"
	"math"
)

// PropType enumerates the value types a config property may take.
type PropType string

const (
	TypeString PropType = "string"
	TypeBool   PropType = "boolean"
	TypeInt    PropType = "integer"
	TypeNumber PropType = "number"
)

// Property declares one accepted configuration key for a step type.
type Property struct {
	Type        PropType
	Default     any
	Enum        []string
	Minimum     *float64
	Maximum     *float64
	Description string
}

// Schema describes the configuration a step type accepts, in the shape of a
// small JSON-schema subset: typed properties with defaults, enums, and
// numeric bounds.
type Schema struct {
	Properties map[string]Property
	Required   []string
}

// Validate checks a raw config map against the schema and returns a new map
// with defaults applied. Unknown keys, wrong types, out-of-enum values, and
// missing required keys all produce a *ConfigError.
func (s Schema) Validate(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(s.Properties))

	for key := range raw {
		if _, ok := s.Properties[key]; !ok {
			return nil, &ConfigError{Key: key, Msg: "unknown key"}
		}
	}

	for _, key := range s.Required {
		if _, ok := raw[key]; !ok {
			if _, hasDefault := s.Properties[key]; !hasDefault || s.Properties[key].Default == nil {
				return nil, &ConfigError{Key: key, Msg: "required key missing"}
			}
		}
	}

	for key, prop := range s.Properties {
		val, ok := raw[key]
		if !ok {
			if prop.Default != nil {
				out[key] = prop.Default
			}
			continue
		}

		coerced, err := coerce(key, prop, val)
		if err != nil {
			return nil, err
		}
		out[key] = coerced
	}

	return out, nil
}

func coerce(key string, prop Property, val any) (any, error) {
	switch prop.Type {
	case TypeString:
		s, ok := val.(string)
		if !ok {
			return nil, &ConfigError{Key: key, Msg: fmt.Sprintf("expected string, got %T", val)}
		}
		if len(prop.Enum) > 0 && !contains(prop.Enum, s) {
			return nil, &ConfigError{Key: key, Msg: fmt.Sprintf("value %q not in %v", s, prop.Enum)}
		}
		return s, nil

	case TypeBool:
		b, ok := val.(bool)
		if !ok {
			return nil, &ConfigError{Key: key, Msg: fmt.Sprintf("expected boolean, got %T", val)}
		}
		return b, nil

	case TypeInt:
		f, ok := toFloat(val)
		if !ok || f != math.Trunc(f) {
			return nil, &ConfigError{Key: key, Msg: fmt.Sprintf("expected integer, got %v", val)}
		}
		if err := checkBounds(key, prop, f); err != nil {
			return nil, err
		}
		return int(f), nil

	case TypeNumber:
		f, ok := toFloat(val)
		if !ok {
			return nil, &ConfigError{Key: key, Msg: fmt.Sprintf("expected number, got %T", val)}
		}
		if err := checkBounds(key, prop, f); err != nil {
			return nil, err
		}
		return f, nil
	}
	return nil, &ConfigError{Key: key, Msg: fmt.Sprintf("unsupported property type %q", prop.Type)}
}

func checkBounds(key string, prop Property, f float64) error {
	if prop.Minimum != nil && f < *prop.Minimum {
		return &ConfigError{Key: key, Msg: fmt.Sprintf("value %v below minimum %v", f, *prop.Minimum)}
	}
	if prop.Maximum != nil && f > *prop.Maximum {
		return &ConfigError{Key: key, Msg: fmt.Sprintf("value %v above maximum %v", f, *prop.Maximum)}
	}
	return nil
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case float32:
		return float64(v), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// ptr returns a pointer to v, for inline Minimum/Maximum bounds.
func ptr(v float64) *float64 { return &v }

// Config is a validated configuration map with typed accessors. Handlers see
// a Config only after schema validation, so the accessors assume the value,
// when present, has the declared type.
type Config map[string]any

func (c Config) String(key string) string {
	s, _ := c[key].(string)
	return s
}

func (c Config) Bool(key string) bool {
	b, _ := c[key].(bool)
	return b
}

func (c Config) Int(key string) int {
	switch v := c[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func (c Config) Float(key string) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}
