package diff

import (
	"strings"

	"github.com/marainhq/marain/internal/schema"
)

// classify applies the deterministic severity rules. When several rules
// could match a change, the strongest applies.
func classify(c Change) Severity {
	if c.Cosmetic() {
		return Safe
	}

	segs := strings.Split(c.Path, ".")
	inFields := segs[0] == "fields"

	// Whole-entity flags.
	if c.Path == "versioned" && c.Kind == ValueChanged {
		if old, _ := c.Old.(bool); old {
			// Turning revisioning off would strand the archive tables.
			return Breaking
		}
		return Warning
	}

	if inFields {
		return classifyField(c, segs)
	}

	// Everything else is configuration-shaped: free-form nested maps.
	switch c.Kind {
	case Added:
		return Safe
	case Removed:
		return Warning
	default:
		return Safe
	}
}

// classifyField handles paths under "fields.". Because field sequences are
// keyed by id, "fields.title" addresses a whole field and
// "fields.title.type" one of its attributes.
func classifyField(c Change, segs []string) Severity {
	// Whole field added or removed: "fields.{id}".
	if len(segs) == 2 {
		switch c.Kind {
		case Added:
			if m, ok := c.New.(map[string]any); ok {
				if req, _ := m["required"].(bool); req {
					// Existing rows cannot satisfy a new NOT NULL column.
					return Warning
				}
			}
			return Safe
		case Removed:
			return Breaking
		}
	}

	switch lastSegment(c.Path) {
	case "type":
		oldK, _ := c.Old.(string)
		newK, _ := c.New.(string)
		if schema.Kind(oldK).SQLType() == schema.Kind(newK).SQLType() {
			return Warning
		}
		return Breaking
	case "required":
		if old, _ := c.Old.(bool); old {
			// Relaxing required is always safe.
			return Safe
		}
		return Warning
	case "cardinality":
		if isUnbounded(c.New) && !isUnbounded(c.Old) {
			// 1 -> unbounded moves the column into a side table.
			return Warning
		}
		return Breaking
	case "default":
		return Warning
	case "id":
		// A changed id inside a positionally-compared sequence is a rename.
		return Warning
	case "target_entity":
		return Breaking
	}

	switch c.Kind {
	case Added:
		return Safe
	case Removed:
		return Breaking
	default:
		return Warning
	}
}

func isUnbounded(v any) bool {
	if s, ok := v.(string); ok {
		return s == "unbounded"
	}
	if n, ok := toFloat(v); ok {
		return int(n) == schema.CardinalityUnbounded
	}
	return false
}
