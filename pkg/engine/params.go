package engine

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Params are a component's configured parameters.
type Params map[string]interface{}

// Merge returns defaults overlaid with p. Neither input is modified.
func (p Params) Merge(defaults Params) Params {
	out := make(Params, len(defaults)+len(p))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Decode fills target, a pointer to a struct with yaml tags, from the
// parameters.
func (p Params) Decode(target interface{}) error {
	raw, err := yaml.Marshal(map[string]interface{}(p))
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode params: %w", err)
	}
	return nil
}

// String returns a string parameter or def.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Bool returns a bool parameter or def.
func (p Params) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Float returns a numeric parameter as float64 or def.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Int returns a numeric parameter as int or def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Strings returns a list parameter of strings.
func (p Params) Strings(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
