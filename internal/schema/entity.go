package schema

import (
	"fmt"
	"strings"

	"github.com/marainhq/marain/internal/errs"
)

// EntityDefinition is the in-memory shape of one declared content type.
// Installed definitions are immutable; the registry replaces them wholesale
// on reload.
type EntityDefinition struct {
	ID          string
	Name        string
	Description string
	Versioned   bool
	Cacheable   bool
	Recursive   bool
	Fields      []Field
}

// System column names present on every generated table. User fields may not
// shadow them.
var SystemColumns = []string{
	"id", "rid", "user", "content_hash",
	"last_cached", "cache_ttl", "created_at", "updated_at",
}

var systemColumnSet = func() map[string]bool {
	m := make(map[string]bool, len(SystemColumns))
	for _, c := range SystemColumns {
		m[c] = true
	}
	return m
}()

// IsSystemColumn reports whether name is reserved for the engine.
func IsSystemColumn(name string) bool {
	return systemColumnSet[name] || strings.HasPrefix(name, "field_reference_")
}

// TableName returns the parent table name, content_{id}.
func (e *EntityDefinition) TableName() string {
	return "content_" + e.ID
}

// RevisionsTableName returns content_revisions_{id}.
func (e *EntityDefinition) RevisionsTableName() string {
	return "content_revisions_" + e.ID
}

// FieldTableName returns the side table for an unbounded field, field_{id}_{field}.
func (e *EntityDefinition) FieldTableName(fieldID string) string {
	return fmt.Sprintf("field_%s_%s", e.ID, fieldID)
}

// FieldRevisionsTableName returns field_revisions_{id}_{field}.
func (e *EntityDefinition) FieldRevisionsTableName(fieldID string) string {
	return fmt.Sprintf("field_revisions_%s_%s", e.ID, fieldID)
}

// ScalarFields returns the fields stored as columns on the parent table:
// every single-valued field, with components flattened into their dotted
// leaves. Order follows declaration order.
func (e *EntityDefinition) ScalarFields() []Field {
	var out []Field
	for _, f := range Flatten(e.Fields) {
		if !f.Multi() {
			out = append(out, f)
		}
	}
	return out
}

// MultiFields returns the unbounded-cardinality fields, each of which is
// stored in its own side table.
func (e *EntityDefinition) MultiFields() []Field {
	var out []Field
	for _, f := range Flatten(e.Fields) {
		if f.Multi() {
			out = append(out, f)
		}
	}
	return out
}

// Field returns the flattened field with the given id, scalar or multi.
func (e *EntityDefinition) Field(id string) (Field, bool) {
	for _, f := range Flatten(e.Fields) {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks structural invariants: legal ids, unique field ids,
// entity_reference targets present, components carrying sub-fields.
func (e *EntityDefinition) Validate() error {
	if !ValidID(e.ID) {
		return errs.InvalidSchema("", 0, 0, "invalid entity id %q", e.ID)
	}
	if e.Name == "" {
		return errs.InvalidSchema("", 0, 0, "entity %q has no name", e.ID)
	}
	seen := make(map[string]bool)
	for _, f := range Flatten(e.Fields) {
		if err := validateFieldShape(f); err != nil {
			return err
		}
		if seen[f.ID] {
			return errs.InvalidSchema("", 0, 0, "entity %q: duplicate field id %q", e.ID, f.ID)
		}
		seen[f.ID] = true
		if IsSystemColumn(f.ID) {
			return errs.InvalidSchema("", 0, 0, "entity %q: field id %q shadows a system column", e.ID, f.ID)
		}
	}
	return nil
}

func validateFieldShape(f Field) error {
	// Flattened ids contain dots between legal segments.
	for _, seg := range strings.Split(f.ID, ".") {
		if !ValidID(seg) {
			return errs.InvalidSchema("", 0, 0, "invalid field id %q", f.ID)
		}
	}
	if !Builtin(f.Kind) {
		return errs.InvalidSchema("", 0, 0, "field %q: unknown kind %q", f.ID, f.Kind)
	}
	if f.Kind == KindEntityReference && f.TargetEntity == "" {
		return errs.InvalidSchema("", 0, 0, "field %q: entity_reference requires target_entity", f.ID)
	}
	if f.Cardinality != 1 && f.Cardinality != CardinalityUnbounded {
		return errs.InvalidSchema("", 0, 0, "field %q: cardinality must be 1 or unbounded", f.ID)
	}
	return nil
}

// CreatePlan is the ordered DDL required to materialize an entity: the
// parent table, one side table per unbounded field, matching revisions
// tables when versioned, and indexes. Tables apply before indexes.
type CreatePlan struct {
	Entity     string
	Statements []string // table DDL, in creation order
	Tables     []string // every table the plan creates, parent first
	Indexes    []IndexStatement
}

// IndexStatement pairs an index name with its CREATE statement so a
// rollback can drop it by name.
type IndexStatement struct {
	Name  string
	Table string
	SQL   string
}

// AllStatements returns table DDL followed by index DDL.
func (p CreatePlan) AllStatements() []string {
	out := make([]string, 0, len(p.Statements)+len(p.Indexes))
	out = append(out, p.Statements...)
	for _, ix := range p.Indexes {
		out = append(out, ix.SQL)
	}
	return out
}

// Plan builds the CREATE-table plan for the entity. All DDL uses
// IF NOT EXISTS so applying a plan is idempotent.
func (e *EntityDefinition) Plan() CreatePlan {
	p := CreatePlan{Entity: e.ID}

	p.Statements = append(p.Statements, e.parentDDL(e.TableName(), false))
	p.Tables = append(p.Tables, e.TableName())
	if e.Versioned {
		p.Statements = append(p.Statements, e.parentDDL(e.RevisionsTableName(), true))
		p.Tables = append(p.Tables, e.RevisionsTableName())
	}
	for _, m := range e.MultiFields() {
		p.Statements = append(p.Statements, e.sideDDL(e.FieldTableName(m.ID), m, false))
		p.Tables = append(p.Tables, e.FieldTableName(m.ID))
		if e.Versioned {
			p.Statements = append(p.Statements, e.sideDDL(e.FieldRevisionsTableName(m.ID), m, true))
			p.Tables = append(p.Tables, e.FieldRevisionsTableName(m.ID))
		}
	}
	p.Indexes = e.indexStatements()
	return p
}

// parentDDL renders the parent (or its revisions) table. Revisions tables
// carry rid NOT NULL with no default and a composite (id, rid) key, so one
// archived row exists per historical revision.
func (e *EntityDefinition) parentDDL(table string, revisions bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	if revisions {
		b.WriteString("    id TEXT NOT NULL,\n")
	} else {
		b.WriteString("    id TEXT PRIMARY KEY,\n")
	}
	for _, f := range e.ScalarFields() {
		b.WriteString("    " + f.ColumnSQL() + ",\n")
	}
	for _, m := range e.MultiFields() {
		fmt.Fprintf(&b, "    field_reference_%s TEXT DEFAULT '%s',\n", m.ID, e.FieldTableName(m.ID))
	}
	b.WriteString(systemColumnsDDL(revisions))
	if revisions {
		b.WriteString(",\n    PRIMARY KEY (id, rid)")
	}
	b.WriteString("\n)")
	return b.String()
}

// sideDDL renders a side table (or its revisions twin) for one unbounded
// field. Values are stored one row each with a sort_order preserving
// insertion order.
func (e *EntityDefinition) sideDDL(table string, f Field, revisions bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	if revisions {
		b.WriteString("    id TEXT NOT NULL,\n")
	} else {
		b.WriteString("    id TEXT PRIMARY KEY,\n")
	}
	b.WriteString("    parent_id TEXT NOT NULL,\n")
	fmt.Fprintf(&b, "    value %s NOT NULL,\n", f.Kind.SQLType())
	b.WriteString("    sort_order INTEGER,\n")
	b.WriteString(systemColumnsDDL(revisions))
	if revisions {
		b.WriteString(",\n    PRIMARY KEY (id, rid)")
	} else {
		fmt.Fprintf(&b, ",\n    FOREIGN KEY (parent_id) REFERENCES %s(id) ON DELETE CASCADE", e.TableName())
	}
	b.WriteString("\n)")
	return b.String()
}

func systemColumnsDDL(revisions bool) string {
	var b strings.Builder
	if revisions {
		b.WriteString("    rid INTEGER NOT NULL,\n")
	} else {
		b.WriteString("    rid INTEGER DEFAULT 1,\n")
	}
	b.WriteString("    user TEXT DEFAULT '00000000000000000000000000',\n")
	b.WriteString("    content_hash TEXT,\n")
	b.WriteString("    last_cached TIMESTAMP,\n")
	b.WriteString("    cache_ttl INTEGER DEFAULT 86400,\n")
	b.WriteString("    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,\n")
	b.WriteString("    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP")
	return b.String()
}

// indexStatements emits the always-present id index plus one index per
// entity_reference column and per slug column.
func (e *EntityDefinition) indexStatements() []IndexStatement {
	mk := func(name, table, cols string) IndexStatement {
		return IndexStatement{
			Name:  name,
			Table: table,
			SQL:   fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)", name, table, cols),
		}
	}
	out := []IndexStatement{
		mk(fmt.Sprintf("idx_%s_id", e.ID), e.TableName(), "id"),
	}
	for _, f := range e.ScalarFields() {
		switch f.Kind {
		case KindEntityReference, KindSlug:
			col := strings.ReplaceAll(f.ID, ".", "_")
			out = append(out, mk(
				fmt.Sprintf("idx_%s_%s", e.ID, col), e.TableName(), fmt.Sprintf("%q", f.ID)))
		}
	}
	for _, m := range e.MultiFields() {
		out = append(out, mk(
			fmt.Sprintf("idx_%s_%s_parent", e.ID, m.ID), e.FieldTableName(m.ID), "parent_id"))
	}
	return out
}

// FieldIndex returns the index statement for one indexed scalar field, or
// false when the field kind carries no index.
func (e *EntityDefinition) FieldIndex(f Field) (IndexStatement, bool) {
	switch f.Kind {
	case KindEntityReference, KindSlug:
		col := strings.ReplaceAll(f.ID, ".", "_")
		name := fmt.Sprintf("idx_%s_%s", e.ID, col)
		return IndexStatement{
			Name:  name,
			Table: e.TableName(),
			SQL:   fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%q)", name, e.TableName(), f.ID),
		}, true
	}
	return IndexStatement{}, false
}

// AddColumnSQL renders the ALTER statement adding a scalar field to an
// existing table. Required fields take a zero default so rows already in
// the table stay valid.
func AddColumnSQL(table string, f Field) string {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %q %s", table, f.ID, f.Kind.SQLType())
	if f.Required {
		stmt += " NOT NULL DEFAULT " + zeroDefault(f.Kind)
	}
	return stmt
}

// FieldReferenceColumnSQL renders the ALTER statement adding the pointer
// column for an unbounded field. The default carries the derived side
// table name, so rows already in the table satisfy the boundary the
// CREATE path establishes.
func FieldReferenceColumnSQL(table, fieldID, sideTable string) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN field_reference_%s TEXT DEFAULT '%s'", table, fieldID, sideTable)
}

// DropColumnSQL renders the ALTER statement removing a column.
func DropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %q", table, column)
}

func zeroDefault(k Kind) string {
	switch k.SQLType() {
	case "INTEGER", "REAL":
		return "0"
	case "TIMESTAMP":
		return "CURRENT_TIMESTAMP"
	default:
		return "''"
	}
}
