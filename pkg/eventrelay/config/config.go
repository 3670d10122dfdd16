package config

import (
	"time"
)

// Config wraps a map[string]any for type-safe value extraction.
// All accessor methods return default values if the key is missing
// or the value cannot be converted to the requested type.
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

// String returns the string value for key, or defaultVal if missing or not a string.
func (c Config) String(key, defaultVal string) string {
	if s, ok := c.data[key].(string); ok {
		return s
	}
	return defaultVal
}

// Bool returns the boolean value for key, or defaultVal if missing or not a bool.
func (c Config) Bool(key string, defaultVal bool) bool {
	if b, ok := c.data[key].(bool); ok {
		return b
	}
	return defaultVal
}

// Int returns the integer value for key, or defaultVal if missing or not
// convertible. Floats convert only when they have no fractional part.
func (c Config) Int(key string, defaultVal int) int {
	switch val := c.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case uint64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return defaultVal
}

// Float returns the float64 value for key, or defaultVal if missing or not convertible.
func (c Config) Float(key string, defaultVal float64) float64 {
	if f, ok := toFloat(c.data[key]); ok {
		return f
	}
	return defaultVal
}

// FloatSlice returns the numeric slice for key, or defaultVal if missing
// or if any element is not a number.
func (c Config) FloatSlice(key string, defaultVal []float64) []float64 {
	switch val := c.data[key].(type) {
	case []float64:
		return val
	case []any:
		result := make([]float64, 0, len(val))
		for _, item := range val {
			f, ok := toFloat(item)
			if !ok {
				return defaultVal
			}
			result = append(result, f)
		}
		return result
	}
	return defaultVal
}

// Millis returns a duration for key, where numbers are milliseconds.
// Strings are parsed with time.ParseDuration.
func (c Config) Millis(key string, defaultVal time.Duration) time.Duration {
	return c.duration(key, time.Millisecond, defaultVal)
}

// Seconds returns a duration for key, where numbers are seconds.
// Strings are parsed with time.ParseDuration.
func (c Config) Seconds(key string, defaultVal time.Duration) time.Duration {
	return c.duration(key, time.Second, defaultVal)
}

func (c Config) duration(key string, unit time.Duration, defaultVal time.Duration) time.Duration {
	v, ok := c.data[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		return defaultVal
	case time.Duration:
		return val
	}
	if f, ok := toFloat(v); ok {
		return time.Duration(f * float64(unit))
	}
	return defaultVal
}

// Has returns true if the key exists in the config.
func (c Config) Has(key string) bool {
	_, ok := c.data[key]
	return ok
}

// Raw returns the underlying map.
// The returned map should not be modified.
func (c Config) Raw() map[string]any {
	return c.data
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}
