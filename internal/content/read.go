package content

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/ids"
	"github.com/marainhq/marain/internal/schema"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// parentColumns lists every column of a parent (or revisions) table in a
// fixed order, quoted where the name needs it. The same list serves SELECT
// and the archive INSERT ... SELECT, which must agree exactly.
func parentColumns(def *schema.EntityDefinition) []string {
	cols := []string{"id"}
	for _, f := range def.ScalarFields() {
		cols = append(cols, fmt.Sprintf("%q", f.ID))
	}
	for _, m := range def.MultiFields() {
		cols = append(cols, "field_reference_"+m.ID)
	}
	cols = append(cols, "rid", "user", "content_hash", "last_cached", "cache_ttl", "created_at", "updated_at")
	return cols
}

const sideColumns = "id, parent_id, value, sort_order, rid, user, content_hash, last_cached, cache_ttl, created_at, updated_at"

func (e *Engine) readOne(ctx context.Context, def *schema.EntityDefinition, id string) (*Record, error) {
	return e.readParent(ctx, e.store.db, def, def.TableName(), id, 0)
}

func (e *Engine) readOneTx(ctx context.Context, tx *sql.Tx, def *schema.EntityDefinition, id string) (*Record, error) {
	return e.readParent(ctx, tx, def, def.TableName(), id, 0)
}

func (e *Engine) readArchived(ctx context.Context, def *schema.EntityDefinition, id string, rid int64) (*Record, error) {
	return e.readParent(ctx, e.store.db, def, def.RevisionsTableName(), id, rid)
}

// readParent fetches one row and assembles the logical record. rid > 0
// selects an archived revision; zero selects the live row.
func (e *Engine) readParent(ctx context.Context, q querier, def *schema.EntityDefinition, table, id string, rid int64) (*Record, error) {
	cols := parentColumns(def)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", strings.Join(cols, ", "), table)
	args := []any{id}
	if rid > 0 {
		query += " AND rid = ?"
		args = append(args, rid)
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := q.QueryRowContext(ctx, query, args...).Scan(ptrs...); err != nil {
		if err == sql.ErrNoRows {
			if rid > 0 {
				return nil, errs.NotFound("%s %s has no revision %d", def.ID, id, rid)
			}
			return nil, errs.NotFound("%s %s", def.ID, id)
		}
		return nil, errs.Storage(true, "read "+table, err)
	}

	rec := &Record{Entity: def.ID, Fields: make(map[string]any)}
	scalars := def.ScalarFields()
	i := 0
	rec.ID, _ = vals[i].(string)
	i++
	for _, f := range scalars {
		if v := fieldValue(f, vals[i]); v != nil {
			rec.Fields[f.ID] = v
		}
		i++
	}
	i += len(def.MultiFields()) // field_reference_* columns carry only the side table name
	rec.Rid = asInt64(vals[i])
	i++
	rec.Actor, _ = vals[i].(string)
	i++
	rec.ContentHash, _ = vals[i].(string)
	i++
	if t, ok := asTime(vals[i]); ok {
		rec.LastCached = &t
	}
	i++
	rec.CacheTTL = asInt64(vals[i])
	i++
	if t, ok := asTime(vals[i]); ok {
		rec.CreatedAt = t
	}
	i++
	if t, ok := asTime(vals[i]); ok {
		rec.UpdatedAt = t
	}

	for _, m := range def.MultiFields() {
		side := def.FieldTableName(m.ID)
		where := "parent_id = ?"
		sideArgs := []any{id}
		if rid > 0 {
			side = def.FieldRevisionsTableName(m.ID)
			where += " AND rid = ?"
			sideArgs = append(sideArgs, rid)
		}
		items, err := readSideValues(ctx, q, side, where, m, sideArgs)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			rec.Fields[m.ID] = items
		}
	}
	return rec, nil
}

func readSideValues(ctx context.Context, q querier, table, where string, f schema.Field, args []any) ([]any, error) {
	rows, err := q.QueryContext(ctx,
		fmt.Sprintf("SELECT value FROM %s WHERE %s ORDER BY sort_order", table, where), args...)
	if err != nil {
		return nil, errs.Storage(true, "read "+table, err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, errs.Storage(false, "scan "+table, err)
		}
		out = append(out, fieldValue(f, v))
	}
	return out, rows.Err()
}

func insertSideRows(ctx context.Context, tx *sql.Tx, def *schema.EntityDefinition, f schema.Field, parentID string, rid int64, actor string, items []any) error {
	side := def.FieldTableName(f.ID)
	query := fmt.Sprintf(
		"INSERT INTO %s (id, parent_id, value, sort_order, rid, user, content_hash) VALUES (?, ?, ?, ?, ?, ?, ?)", side)
	for i, item := range items {
		if _, err := tx.ExecContext(ctx, query,
			ids.New(), parentID, item, i, rid, actor, HashValue(item)); err != nil {
			return wrapConstraint(err, "insert "+side)
		}
	}
	return nil
}

// archiveCurrent copies the live parent row and all side rows into their
// revisions tables, preserving the rid they carried. Runs inside the
// update or delete transaction so archive and replacement commit together.
func archiveCurrent(ctx context.Context, tx *sql.Tx, def *schema.EntityDefinition, id string) error {
	cols := strings.Join(parentColumns(def), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE id = ?",
		def.RevisionsTableName(), cols, cols, def.TableName())
	if _, err := tx.ExecContext(ctx, query, id); err != nil {
		return errs.Storage(true, "archive "+def.TableName(), err)
	}

	for _, m := range def.MultiFields() {
		query := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE parent_id = ?",
			def.FieldRevisionsTableName(m.ID), sideColumns, sideColumns, def.FieldTableName(m.ID))
		if _, err := tx.ExecContext(ctx, query, id); err != nil {
			return errs.Storage(true, "archive "+def.FieldTableName(m.ID), err)
		}
	}
	return nil
}

// fieldValue normalizes a scanned column value back to the shape the
// caller provided: booleans from their integer column, byte slices to
// strings, timestamps to time.Time.
func fieldValue(f schema.Field, v any) any {
	if v == nil {
		return nil
	}
	switch f.Kind {
	case schema.KindBoolean:
		return asInt64(v) != 0
	case schema.KindInteger:
		return asInt64(v)
	case schema.KindFloat:
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		}
	}
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}
