// Package schema holds the typed field and entity model the engine builds
// from declarative files: field kinds with their SQL column mapping and
// value validation, and entity definitions with their derived table plans.
package schema

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/ids"
)

// Kind identifies a field's type. Kinds map deterministically to a storage
// column type and a validation predicate.
type Kind string

const (
	KindText            Kind = "text"
	KindLongText        Kind = "long_text"
	KindRichText        Kind = "rich_text"
	KindInteger         Kind = "integer"
	KindFloat           Kind = "float"
	KindBoolean         Kind = "boolean"
	KindDatetime        Kind = "datetime"
	KindSlug            Kind = "slug"
	KindEntityReference Kind = "entity_reference"
	KindComponent       Kind = "component"
)

// builtinKinds is the set of kinds the loader accepts directly. Anything
// else must resolve to a field group id.
var builtinKinds = map[Kind]bool{
	KindText: true, KindLongText: true, KindRichText: true,
	KindInteger: true, KindFloat: true, KindBoolean: true,
	KindDatetime: true, KindSlug: true,
	KindEntityReference: true, KindComponent: true,
}

// Builtin reports whether k is one of the built-in field kinds.
func Builtin(k Kind) bool { return builtinKinds[k] }

// SQLType returns the SQLite column type for this kind.
func (k Kind) SQLType() string {
	switch k {
	case KindInteger, KindBoolean:
		return "INTEGER"
	case KindFloat:
		return "REAL"
	case KindDatetime:
		return "TIMESTAMP"
	default:
		// text, long_text, rich_text, slug, entity_reference
		return "TEXT"
	}
}

// CardinalityUnbounded marks a multi-valued field. Unbounded fields are
// stored in a side table, never as a column on the parent.
const CardinalityUnbounded = -1

// Field describes one declared attribute of an entity.
type Field struct {
	ID           string
	Kind         Kind
	Label        string
	Description  string
	Required     bool
	Cardinality  int // 1 or CardinalityUnbounded
	TargetEntity string
	Fields       []Field // component sub-fields
}

// Multi reports whether the field is multi-valued.
func (f Field) Multi() bool { return f.Cardinality == CardinalityUnbounded }

// ColumnSQL returns the column declaration fragment for a scalar field.
// The column name is quoted so flattened component ids (dotted) stay legal.
func (f Field) ColumnSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q %s", f.ID, f.Kind.SQLType())
	if f.Required {
		b.WriteString(" NOT NULL")
	}
	if f.Kind == KindSlug {
		b.WriteString(" UNIQUE")
	}
	return b.String()
}

var (
	fieldIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	slugPattern    = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// ValidID reports whether id is a legal field or entity id.
func ValidID(id string) bool { return fieldIDPattern.MatchString(id) }

// Validate checks a single value against the field's kind. Values arrive
// as decoded JSON: string, float64, bool, or nested map for components.
// Multi-valued fields validate each element of a slice.
func (f Field) Validate(value any) error {
	if value == nil {
		if f.Required {
			return errs.InvalidField(f.ID, "required field is missing")
		}
		return nil
	}
	if f.Multi() {
		items, ok := value.([]any)
		if !ok {
			return errs.InvalidField(f.ID, "expected a list for multi-valued field, got %T", value)
		}
		if f.Required && len(items) == 0 {
			return errs.InvalidField(f.ID, "required field is empty")
		}
		for i, item := range items {
			if err := f.validateScalar(item); err != nil {
				return errs.InvalidField(f.ID, "element %d: %v", i, err)
			}
		}
		return nil
	}
	return f.validateScalar(value)
}

func (f Field) validateScalar(value any) error {
	switch f.Kind {
	case KindText, KindLongText, KindRichText:
		if _, ok := value.(string); !ok {
			return errs.InvalidField(f.ID, "expected string, got %T", value)
		}
	case KindSlug:
		s, ok := value.(string)
		if !ok {
			return errs.InvalidField(f.ID, "expected string, got %T", value)
		}
		if !slugPattern.MatchString(s) {
			return errs.InvalidField(f.ID, "invalid slug %q: lowercase ascii, digits, '_' and '-' only", s)
		}
	case KindInteger:
		switch n := value.(type) {
		case int, int64:
		case float64:
			if n != float64(int64(n)) {
				return errs.InvalidField(f.ID, "expected integer, got fractional number %v", n)
			}
		default:
			return errs.InvalidField(f.ID, "expected integer, got %T", value)
		}
	case KindFloat:
		switch value.(type) {
		case float64, int, int64:
		default:
			return errs.InvalidField(f.ID, "expected number, got %T", value)
		}
	case KindBoolean:
		if _, ok := value.(bool); !ok {
			return errs.InvalidField(f.ID, "expected boolean, got %T", value)
		}
	case KindDatetime:
		switch t := value.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse(time.RFC3339, t); err != nil {
				return errs.InvalidField(f.ID, "expected RFC 3339 timestamp: %v", err)
			}
		default:
			return errs.InvalidField(f.ID, "expected timestamp, got %T", value)
		}
	case KindEntityReference:
		s, ok := value.(string)
		if !ok {
			return errs.InvalidField(f.ID, "expected referenced id, got %T", value)
		}
		if !ids.Valid(s) {
			return errs.InvalidField(f.ID, "invalid referenced id %q", s)
		}
	case KindComponent:
		m, ok := value.(map[string]any)
		if !ok {
			return errs.InvalidField(f.ID, "expected object for component, got %T", value)
		}
		for _, sub := range f.Fields {
			if err := sub.Validate(m[sub.ID]); err != nil {
				return errs.InvalidField(f.ID, "%v", err)
			}
		}
	default:
		return errs.InvalidField(f.ID, "unknown field kind %q", f.Kind)
	}
	return nil
}

// Flatten expands component fields into their leaf columns using the
// dotted id scheme. A component itself contributes no column; every leaf
// becomes a scalar field named "component.leaf". Non-component fields are
// returned as-is.
func Flatten(fields []Field) []Field {
	var out []Field
	for _, f := range fields {
		if f.Kind != KindComponent {
			out = append(out, f)
			continue
		}
		for _, leaf := range Flatten(f.Fields) {
			leaf.ID = f.ID + "." + leaf.ID
			out = append(out, leaf)
		}
	}
	return out
}
