package schema

import (
	"strings"
)

// Configuration is one parsed config.*.yaml file: an id (taken from the
// file name), a provider tag, an optional version string, and the nested
// value tree. Values supports primitives, ordered sequences, and nested
// maps, addressed by dotted path.
type Configuration struct {
	ID       string
	Provider string
	Version  string
	Values   map[string]any
}

// Lookup resolves a dotted path ("smtp.port") through nested maps.
func (c *Configuration) Lookup(path string) (any, bool) {
	var cur any = c.Values
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string at path, or def when absent or mistyped.
func (c *Configuration) String(path, def string) string {
	if v, ok := c.Lookup(path); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool at path, or def.
func (c *Configuration) Bool(path string, def bool) bool {
	if v, ok := c.Lookup(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the integer at path, or def. YAML decodes integers as int.
func (c *Configuration) Int(path string, def int64) int64 {
	if v, ok := c.Lookup(path); ok {
		switch n := v.(type) {
		case int:
			return int64(n)
		case int64:
			return n
		case float64:
			if n == float64(int64(n)) {
				return int64(n)
			}
		}
	}
	return def
}

// Float returns the number at path, or def.
func (c *Configuration) Float(path string, def float64) float64 {
	if v, ok := c.Lookup(path); ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		case int64:
			return float64(n)
		}
	}
	return def
}

// Merge overlays other's values onto c, map keys merging recursively and
// other winning on conflict. Used when two files declare the same id.
func (c *Configuration) Merge(other *Configuration) {
	if other.Version != "" {
		c.Version = other.Version
	}
	c.Values = mergeMaps(c.Values, other.Values)
}

func mergeMaps(base, overlay map[string]any) map[string]any {
	if base == nil {
		base = make(map[string]any, len(overlay))
	}
	for k, v := range overlay {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := base[k].(map[string]any); ok {
				base[k] = mergeMaps(bv, ov)
				continue
			}
		}
		base[k] = v
	}
	return base
}
