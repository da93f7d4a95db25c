package action

import (
	"fmt"
	"strings"

	"github.com/marainhq/marain/internal/diff"
	"github.com/marainhq/marain/internal/schema"
)

// ForNewEntity emits the actions installing a brand-new entity: one
// CreateTable covering the parent, side, and revisions tables, then one
// CreateIndex per index. Rollback drops everything in reverse order.
func ForNewEntity(def *schema.EntityDefinition) []Action {
	plan := def.Plan()

	drops := make([]string, 0, len(plan.Tables))
	for i := len(plan.Tables) - 1; i >= 0; i-- {
		drops = append(drops, "DROP TABLE IF EXISTS "+plan.Tables[i])
	}
	actions := []Action{{
		Op:     OpCreateTable,
		Entity: def.ID,
		Table:  def.TableName(),
		SQL:    plan.Statements,
		Rollback: &Action{
			Op:     OpDropTable,
			Entity: def.ID,
			Table:  def.TableName(),
			SQL:    drops,
		},
	}}
	for _, ix := range plan.Indexes {
		actions = append(actions, createIndex(def.ID, ix))
	}
	return actions
}

// ForRemovedEntity emits the drop actions for an entity whose declaration
// file disappeared. Always Breaking; the executor refuses these without
// explicit acceptance.
func ForRemovedEntity(def *schema.EntityDefinition) []Action {
	plan := def.Plan()
	drops := make([]string, 0, len(plan.Tables))
	for i := len(plan.Tables) - 1; i >= 0; i-- {
		drops = append(drops, "DROP TABLE IF EXISTS "+plan.Tables[i])
	}
	return []Action{
		{
			Op:           OpDropTable,
			Entity:       def.ID,
			Table:        def.TableName(),
			SQL:          drops,
			Irreversible: true,
			Rollback:     noop("table data cannot be restored after drop"),
		},
		invalidate(def.ID),
	}
}

// ForEntityChange maps a classified diff between two versions of one
// entity onto actions. Field additions, removals, and cardinality changes
// translate to DDL plus the DML relocating existing values; structural
// edits with no storage translation (type changes) surface as NoOp
// entries so the report names them, and the reload is gated on the diff's
// severity upstream.
func ForEntityChange(oldDef, newDef *schema.EntityDefinition, d diff.Diff) []Action {
	var actions []Action
	structural := false

	for _, c := range d.Changes {
		if c.Cosmetic() {
			actions = append(actions, Action{Op: OpNoOp, Entity: newDef.ID,
				Note: fmt.Sprintf("cosmetic change at %s", c.Path)})
			continue
		}

		segs := strings.Split(c.Path, ".")
		if len(segs) == 3 && segs[0] == "fields" && segs[2] == "cardinality" {
			structural = true
			switch {
			case unbounded(c.New) && !unbounded(c.Old):
				actions = append(actions, widenField(oldDef, newDef, segs[1])...)
			case unbounded(c.Old) && !unbounded(c.New):
				actions = append(actions, narrowField(oldDef, newDef, segs[1])...)
			default:
				actions = append(actions, Action{Op: OpNoOp, Entity: newDef.ID,
					Note: fmt.Sprintf("%s at %s not auto-applied (%s)", c.Kind, c.Path, c.Severity)})
			}
			continue
		}
		if segs[0] != "fields" || len(segs) != 2 {
			// Attribute edits below a field, or entity-level flags. Flag
			// them; nothing is rewritten in place.
			structural = true
			actions = append(actions, Action{Op: OpNoOp, Entity: newDef.ID,
				Note: fmt.Sprintf("%s at %s not auto-applied (%s)", c.Kind, c.Path, c.Severity)})
			continue
		}

		fieldID := segs[1]
		switch c.Kind {
		case diff.Added:
			structural = true
			actions = append(actions, addField(newDef, fieldID)...)
		case diff.Removed:
			structural = true
			actions = append(actions, removeField(oldDef, fieldID)...)
		}
	}

	if structural {
		actions = append(actions, invalidate(newDef.ID))
	}
	return Order(actions)
}

// ForConfigChange swaps the in-memory configuration; rollback restores the
// previous value tree.
func ForConfigChange(oldCfg, newCfg *schema.Configuration) []Action {
	a := Action{
		Op:           OpUpdateConfig,
		ConfigID:     newCfg.ID,
		ConfigValues: newCfg.Values,
	}
	if oldCfg != nil {
		a.Rollback = &Action{
			Op:           OpUpdateConfig,
			ConfigID:     oldCfg.ID,
			ConfigValues: oldCfg.Values,
		}
	} else {
		a.Rollback = noop("configuration was previously absent")
	}
	return []Action{a}
}

func addField(def *schema.EntityDefinition, fieldID string) []Action {
	f, ok := def.Field(fieldID)
	if !ok {
		return []Action{{Op: OpNoOp, Entity: def.ID,
			Note: fmt.Sprintf("field %s not present after resolution", fieldID)}}
	}

	if f.Multi() {
		// New unbounded field: its storage is a fresh side table.
		side := def.FieldTableName(f.ID)
		tables := []string{side}
		stmts := []string{sideTableDDL(def, f, false)}
		if def.Versioned {
			tables = append(tables, def.FieldRevisionsTableName(f.ID))
			stmts = append(stmts, sideTableDDL(def, f, true))
		}
		drops := make([]string, 0, len(tables))
		for i := len(tables) - 1; i >= 0; i-- {
			drops = append(drops, "DROP TABLE IF EXISTS "+tables[i])
		}
		actions := []Action{
			{
				Op: OpCreateTable, Entity: def.ID, Table: side, SQL: stmts,
				Rollback: &Action{Op: OpDropTable, Entity: def.ID, Table: side, SQL: drops},
			},
			fieldReferenceColumn(def, def.TableName(), f),
		}
		if def.Versioned {
			actions = append(actions, fieldReferenceColumn(def, def.RevisionsTableName(), f))
		}
		actions = append(actions, createIndex(def.ID, sideParentIndex(def, f)))
		return actions
	}

	actions := []Action{addColumn(def.ID, def.TableName(), f)}
	if def.Versioned {
		actions = append(actions, addColumn(def.ID, def.RevisionsTableName(), f))
	}
	if ix, ok := def.FieldIndex(f); ok {
		actions = append(actions, createIndex(def.ID, ix))
	}
	return actions
}

func removeField(def *schema.EntityDefinition, fieldID string) []Action {
	f, ok := def.Field(fieldID)
	if !ok {
		return nil
	}
	if f.Multi() {
		side := def.FieldTableName(f.ID)
		drops := []string{"DROP TABLE IF EXISTS " + side}
		if def.Versioned {
			drops = append(drops, "DROP TABLE IF EXISTS "+def.FieldRevisionsTableName(f.ID))
		}
		return []Action{{
			Op: OpDropTable, Entity: def.ID, Table: side, SQL: drops,
			Irreversible: true,
			Rollback:     noop("side table data cannot be restored after drop"),
		}}
	}
	actions := []Action{{
		Op: OpDropColumn, Entity: def.ID, Table: def.TableName(), Column: f.ID,
		SQL:          []string{schema.DropColumnSQL(def.TableName(), f.ID)},
		Irreversible: true,
		Rollback:     noop("column data cannot be restored after drop"),
	}}
	if def.Versioned {
		actions = append(actions, Action{
			Op: OpDropColumn, Entity: def.ID, Table: def.RevisionsTableName(), Column: f.ID,
			SQL:          []string{schema.DropColumnSQL(def.RevisionsTableName(), f.ID)},
			Irreversible: true,
			Rollback:     noop("column data cannot be restored after drop"),
		})
	}
	return actions
}

// widenField moves a single-valued field into side-table storage: create
// the side tables, add the pointer column, copy each existing value over
// as one side row keyed by its source row's id, then drop the orphaned
// scalar column. Existing content stays readable throughout.
func widenField(oldDef, newDef *schema.EntityDefinition, fieldID string) []Action {
	f, ok := newDef.Field(fieldID)
	if !ok || !f.Multi() {
		return []Action{{Op: OpNoOp, Entity: newDef.ID,
			Note: fmt.Sprintf("field %s not present after resolution", fieldID)}}
	}

	side := newDef.FieldTableName(f.ID)
	tables := []string{side}
	stmts := []string{sideTableDDL(newDef, f, false)}
	if newDef.Versioned {
		tables = append(tables, newDef.FieldRevisionsTableName(f.ID))
		stmts = append(stmts, sideTableDDL(newDef, f, true))
	}
	drops := make([]string, 0, len(tables))
	for i := len(tables) - 1; i >= 0; i-- {
		drops = append(drops, "DROP TABLE IF EXISTS "+tables[i])
	}

	actions := []Action{
		{
			Op: OpCreateTable, Entity: newDef.ID, Table: side, SQL: stmts,
			Rollback: &Action{Op: OpDropTable, Entity: newDef.ID, Table: side, SQL: drops},
		},
		fieldReferenceColumn(newDef, newDef.TableName(), f),
	}
	if newDef.Versioned {
		actions = append(actions, fieldReferenceColumn(newDef, newDef.RevisionsTableName(), f))
	}
	actions = append(actions, createIndex(newDef.ID, sideParentIndex(newDef, f)))

	copies := []string{relocateToSideSQL(side, newDef.TableName(), f.ID)}
	if newDef.Versioned {
		copies = append(copies, relocateToSideSQL(newDef.FieldRevisionsTableName(f.ID), newDef.RevisionsTableName(), f.ID))
	}
	actions = append(actions, Action{
		Op: OpCopyData, Entity: newDef.ID, Table: side, Column: f.ID, SQL: copies,
		Rollback: noop("copied values go with the side tables"),
	})

	if oldF, ok := oldDef.Field(fieldID); ok {
		if ix, ok := oldDef.FieldIndex(oldF); ok {
			// The scalar column's index must go before the column can.
			actions = append(actions, Action{
				Op: OpDropIndex, Entity: newDef.ID, Table: ix.Table, Column: ix.Name,
				SQL:      []string{"DROP INDEX IF EXISTS " + ix.Name},
				Rollback: &Action{Op: OpCreateIndex, Entity: newDef.ID, Table: ix.Table, Column: ix.Name, SQL: []string{ix.SQL}},
			})
		}
	}
	actions = append(actions, relocatedColumnDrop(newDef.ID, newDef.TableName(), f.ID))
	if newDef.Versioned {
		actions = append(actions, relocatedColumnDrop(newDef.ID, newDef.RevisionsTableName(), f.ID))
	}
	return actions
}

// narrowField collapses an unbounded field back onto a parent column.
// Only the lowest-sorted value per row survives, which is why the diff
// classifies narrowing as destructive and gates it upstream.
func narrowField(oldDef, newDef *schema.EntityDefinition, fieldID string) []Action {
	f, ok := newDef.Field(fieldID)
	if !ok || f.Multi() {
		return []Action{{Op: OpNoOp, Entity: newDef.ID,
			Note: fmt.Sprintf("field %s not present after resolution", fieldID)}}
	}

	side := newDef.FieldTableName(fieldID)
	sideTables := []string{side}
	if newDef.Versioned {
		sideTables = append(sideTables, newDef.FieldRevisionsTableName(fieldID))
	}
	drops := make([]string, 0, len(sideTables))
	for i := len(sideTables) - 1; i >= 0; i-- {
		drops = append(drops, "DROP TABLE IF EXISTS "+sideTables[i])
	}

	actions := []Action{addColumn(newDef.ID, newDef.TableName(), f)}
	if newDef.Versioned {
		actions = append(actions, addColumn(newDef.ID, newDef.RevisionsTableName(), f))
	}
	if ix, ok := newDef.FieldIndex(f); ok {
		actions = append(actions, createIndex(newDef.ID, ix))
	}

	copies := []string{firstValueSQL(newDef.TableName(), side, f.ID, false)}
	if newDef.Versioned {
		copies = append(copies, firstValueSQL(newDef.RevisionsTableName(), newDef.FieldRevisionsTableName(fieldID), f.ID, true))
	}
	actions = append(actions, Action{
		Op: OpCopyData, Entity: newDef.ID, Table: newDef.TableName(), Column: f.ID, SQL: copies,
		Rollback: noop("surviving values live on the parent column"),
	})

	refCol := "field_reference_" + fieldID
	actions = append(actions, Action{
		Op: OpDropColumn, Entity: newDef.ID, Table: newDef.TableName(), Column: refCol,
		SQL:      []string{schema.DropColumnSQL(newDef.TableName(), refCol)},
		Rollback: noop("pointer column derives from the field id"),
	})
	if newDef.Versioned {
		actions = append(actions, Action{
			Op: OpDropColumn, Entity: newDef.ID, Table: newDef.RevisionsTableName(), Column: refCol,
			SQL:      []string{schema.DropColumnSQL(newDef.RevisionsTableName(), refCol)},
			Rollback: noop("pointer column derives from the field id"),
		})
	}
	actions = append(actions, Action{
		Op: OpDropTable, Entity: newDef.ID, Table: side, SQL: drops,
		Irreversible: true,
		Rollback:     noop("side table data cannot be restored after drop"),
	})
	return actions
}

func addColumn(entity, table string, f schema.Field) Action {
	return Action{
		Op: OpAddColumn, Entity: entity, Table: table, Column: f.ID,
		SQL: []string{schema.AddColumnSQL(table, f)},
		Rollback: &Action{
			Op: OpDropColumn, Entity: entity, Table: table, Column: f.ID,
			SQL: []string{schema.DropColumnSQL(table, f.ID)},
		},
	}
}

func createIndex(entity string, ix schema.IndexStatement) Action {
	return Action{
		Op: OpCreateIndex, Entity: entity, Table: ix.Table, Column: ix.Name,
		SQL: []string{ix.SQL},
		Rollback: &Action{
			Op: OpDropIndex, Entity: entity, Table: ix.Table, Column: ix.Name,
			SQL: []string{"DROP INDEX IF EXISTS " + ix.Name},
		},
	}
}

// fieldReferenceColumn adds the pointer column naming an unbounded
// field's side table. The DEFAULT covers rows that predate the field.
func fieldReferenceColumn(def *schema.EntityDefinition, table string, f schema.Field) Action {
	col := "field_reference_" + f.ID
	return Action{
		Op: OpAddColumn, Entity: def.ID, Table: table, Column: col,
		SQL: []string{schema.FieldReferenceColumnSQL(table, f.ID, def.FieldTableName(f.ID))},
		Rollback: &Action{
			Op: OpDropColumn, Entity: def.ID, Table: table, Column: col,
			SQL: []string{schema.DropColumnSQL(table, col)},
		},
	}
}

func sideParentIndex(def *schema.EntityDefinition, f schema.Field) schema.IndexStatement {
	name := fmt.Sprintf("idx_%s_%s_parent", def.ID, f.ID)
	side := def.FieldTableName(f.ID)
	return schema.IndexStatement{
		Name:  name,
		Table: side,
		SQL:   fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(parent_id)", name, side),
	}
}

// relocateToSideSQL copies a scalar column into its new side table, one
// row per source row. The source row's id doubles as the side row id, so
// the copy is stable and collision-free for live and archived rows alike.
func relocateToSideSQL(side, source, fieldID string) string {
	return fmt.Sprintf(
		"INSERT INTO %s (id, parent_id, value, sort_order, rid, user) SELECT id, id, %q, 0, rid, user FROM %s WHERE %q IS NOT NULL",
		side, fieldID, source, fieldID)
}

// firstValueSQL pulls the lowest-sorted side value into a new scalar
// column. Revision rows correlate on rid as well, so each archived row
// keeps the value its revision carried.
func firstValueSQL(parent, side, fieldID string, revisions bool) string {
	cond := fmt.Sprintf("%s.parent_id = %s.id", side, parent)
	if revisions {
		cond += fmt.Sprintf(" AND %s.rid = %s.rid", side, parent)
	}
	return fmt.Sprintf(
		"UPDATE %s SET %q = (SELECT value FROM %s WHERE %s ORDER BY sort_order LIMIT 1)",
		parent, fieldID, side, cond)
}

func relocatedColumnDrop(entity, table, column string) Action {
	return Action{
		Op: OpDropColumn, Entity: entity, Table: table, Column: column,
		SQL:      []string{schema.DropColumnSQL(table, column)},
		Rollback: noop("values now live in the side table"),
	}
}

// unbounded mirrors the loader's cardinality reading for raw tree values.
func unbounded(v any) bool {
	switch n := v.(type) {
	case string:
		return n == "unbounded"
	case int:
		return n == schema.CardinalityUnbounded
	case int64:
		return n == int64(schema.CardinalityUnbounded)
	case float64:
		return int(n) == schema.CardinalityUnbounded
	}
	return false
}

func invalidate(entity string) Action {
	return Action{
		Op: OpInvalidateCache, Entity: entity,
		Rollback: noop("cache entries repopulate on read"),
	}
}

// sideTableDDL mirrors the schema package's side-table shape for a field
// added after initial creation.
func sideTableDDL(def *schema.EntityDefinition, f schema.Field, revisions bool) string {
	single := *def
	single.Fields = []schema.Field{f}
	plan := single.Plan()
	want := def.FieldTableName(f.ID)
	if revisions {
		want = def.FieldRevisionsTableName(f.ID)
	}
	for i, tbl := range plan.Tables {
		if tbl == want {
			return plan.Statements[i]
		}
	}
	return ""
}
