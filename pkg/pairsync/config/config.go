package config

import (
	"strings"
	"time"
)

// Config wraps a decoded document for type-safe value extraction.
type Config struct {
	data map[string]any
}

// New creates a Config from the given map.
// If data is nil, an empty Config is returned.
func New(data map[string]any) Config {
	if data == nil {
		data = make(map[string]any)
	}
	return Config{data: data}
}

// lookup resolves a dotted path such as "endpoint.name".
func (c Config) lookup(path string) (any, bool) {
	if v, ok := c.data[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur any = c.data
	for _, p := range parts {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

// Section returns the nested table at path as its own Config.
// A missing or non-table value yields an empty Config.
func (c Config) Section(path string) Config {
	v, ok := c.lookup(path)
	if !ok {
		return New(nil)
	}
	m, ok := asMap(v)
	if !ok {
		return New(nil)
	}
	return New(m)
}

// String returns the string value at path, or defaultVal.
func (c Config) String(path, defaultVal string) string {
	if s, ok := c.Get(path).(string); ok {
		return s
	}
	return defaultVal
}

// Bool returns the boolean value at path, or defaultVal.
func (c Config) Bool(path string, defaultVal bool) bool {
	if b, ok := c.Get(path).(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer value at path, or defaultVal.
// Floats convert only when they have no fractional part.
func (c Config) Int(path string, defaultVal int) int {
	switch val := c.Get(path).(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// Duration returns the duration at path, or defaultVal.
// Strings are parsed with time.ParseDuration; numbers are seconds.
func (c Config) Duration(path string, defaultVal time.Duration) time.Duration {
	switch val := c.Get(path).(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case time.Duration:
		return val
	}
	return defaultVal
}

// StringSlice returns the string list at path, or defaultVal if any
// element is not a string.
func (c Config) StringSlice(path string, defaultVal []string) []string {
	switch val := c.Get(path).(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return defaultVal
			}
			out = append(out, s)
		}
		return out
	}
	return defaultVal
}

// Get returns the raw value at path, or nil.
func (c Config) Get(path string) any {
	v, _ := c.lookup(path)
	return v
}

// Has returns true if path resolves to a value.
func (c Config) Has(path string) bool {
	_, ok := c.lookup(path)
	return ok
}

// Raw returns the underlying map.
// The returned map should not be modified.
func (c Config) Raw() map[string]any {
	return c.data
}
