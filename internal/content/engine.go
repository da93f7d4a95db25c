package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/ids"
	"github.com/marainhq/marain/internal/registry"
	"github.com/marainhq/marain/internal/schema"
)

// Recorder receives an audit record after a mutating commit. The audit
// log implements it.
type Recorder interface {
	Record(actor, action, target string, detail map[string]any, result string) error
}

// EntryCache is the slice of the JSON cache the engine needs for its
// read-through path.
type EntryCache interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, payload []byte, ttl int64, contentHash string) error
	Delete(key string) error
}

// Engine performs CRUD over dynamically named entity tables. Definitions
// are borrowed from the registry per operation; the engine owns no schema
// state of its own.
type Engine struct {
	store *Store
	reg   *registry.Registry
	cache EntryCache // nil disables the read-through path
	audit Recorder   // nil disables audit records
}

// NewEngine wires the storage engine. cache and audit may be nil.
func NewEngine(store *Store, reg *registry.Registry, cache EntryCache, audit Recorder) *Engine {
	return &Engine{store: store, reg: reg, cache: cache, audit: audit}
}

func (e *Engine) definition(entityID string) (*schema.EntityDefinition, error) {
	def, ok := e.reg.Entity(entityID)
	if !ok {
		return nil, errs.NotFound("unknown entity %q", entityID)
	}
	return def, nil
}

// Create validates the field values, allocates an id, and inserts the
// parent row plus one side-table row per multi-value entry, all in one
// transaction. Returns the new id. A failed audit append after the commit
// surfaces as an AUDIT_FAILURE error alongside the id: the row exists, but
// the operation did not complete.
func (e *Engine) Create(ctx context.Context, entityID string, values map[string]any, actor string) (string, error) {
	def, err := e.definition(entityID)
	if err != nil {
		return "", err
	}
	actor = orSystemActor(actor)
	norm, err := normalizeValues(def, values)
	if err != nil {
		return "", err
	}

	id := ids.New()
	hash := HashFields(norm)

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.Storage(true, "begin create", err)
	}
	defer tx.Rollback()

	cols := []string{"id", "rid", "user", "content_hash"}
	args := []any{id, 1, actor, hash}
	for _, f := range def.ScalarFields() {
		if v, ok := norm[f.ID]; ok {
			cols = append(cols, fmt.Sprintf("%q", f.ID))
			args = append(args, v)
		}
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		def.TableName(), strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return "", wrapConstraint(err, "insert "+def.TableName())
	}

	for _, m := range def.MultiFields() {
		items, ok := norm[m.ID].([]any)
		if !ok {
			continue
		}
		if err := insertSideRows(ctx, tx, def, m, id, 1, actor, items); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", errs.Storage(true, "commit create", err)
	}

	if err := e.record(actor, "create", entityID+":"+id, map[string]any{"entity": entityID}, "ok"); err != nil {
		return id, err
	}
	log.WithFields(logrus.Fields{"entity": entityID, "id": id}).Debug("created")
	return id, nil
}

// Read returns the logical record for an id, consulting the JSON cache
// first for cacheable entities and repopulating it on a miss.
func (e *Engine) Read(ctx context.Context, entityID, id string) (*Record, error) {
	def, err := e.definition(entityID)
	if err != nil {
		return nil, err
	}

	key := entityID + ":" + id
	if e.cache != nil && def.Cacheable {
		if data, ok, err := e.cache.Get(key); err == nil && ok {
			if rec, err := DecodeRecord(data); err == nil {
				return rec, nil
			}
		}
	}

	rec, err := e.readOne(ctx, def, id)
	if err != nil {
		return nil, err
	}

	if e.cache != nil && def.Cacheable {
		if data, err := rec.Encode(); err == nil {
			if err := e.cache.Set(key, data, rec.CacheTTL, rec.ContentHash); err == nil {
				now := time.Now().UTC()
				rec.LastCached = &now
				_, _ = e.store.db.ExecContext(ctx,
					fmt.Sprintf("UPDATE %s SET last_cached = CURRENT_TIMESTAMP WHERE id = ?", def.TableName()), id)
			}
		}
	}
	return rec, nil
}

// List returns records ordered by id. Ids sort by creation time, so this
// is also insertion order.
func (e *Engine) List(ctx context.Context, entityID string, limit, offset int) ([]*Record, error) {
	def, err := e.definition(entityID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := e.store.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id FROM %s ORDER BY id LIMIT ? OFFSET ?", def.TableName()),
		limit, offset)
	if err != nil {
		return nil, errs.Storage(true, "list "+def.TableName(), err)
	}
	defer rows.Close()

	var idList []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Storage(false, "scan id", err)
		}
		idList = append(idList, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage(true, "iterate "+def.TableName(), err)
	}

	out := make([]*Record, 0, len(idList))
	for _, id := range idList {
		rec, err := e.readOne(ctx, def, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Update merges the provided values over the current record and writes the
// result. An unchanged content hash short-circuits: no write, no revision,
// no cache invalidation, no audit record. For versioned entities the
// current row and its side rows are archived in the same transaction that
// replaces them.
func (e *Engine) Update(ctx context.Context, entityID, id string, values map[string]any, actor string) (*Record, error) {
	def, err := e.definition(entityID)
	if err != nil {
		return nil, err
	}
	actor = orSystemActor(actor)

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Storage(true, "begin update", err)
	}
	defer tx.Rollback()

	cur, err := e.readOneTx(ctx, tx, def, id)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(cur.Fields)+len(values))
	for k, v := range cur.Fields {
		merged[k] = v
	}
	for k, v := range values {
		merged[k] = v
	}
	norm, err := normalizeValues(def, merged)
	if err != nil {
		return nil, err
	}

	newHash := HashFields(norm)
	if newHash == cur.ContentHash {
		return cur, nil
	}

	if def.Versioned {
		if err := archiveCurrent(ctx, tx, def, id); err != nil {
			return nil, err
		}
	}

	newRid := cur.Rid + 1
	var sets []string
	var args []any
	for _, f := range def.ScalarFields() {
		sets = append(sets, fmt.Sprintf("%q = ?", f.ID))
		if v, ok := norm[f.ID]; ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	sets = append(sets,
		"rid = ?", "user = ?", "content_hash = ?",
		"last_cached = NULL", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, newRid, actor, newHash, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", def.TableName(), strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, wrapConstraint(err, "update "+def.TableName())
	}

	for _, m := range def.MultiFields() {
		side := def.FieldTableName(m.ID)
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE parent_id = ?", side), id); err != nil {
			return nil, errs.Storage(true, "clear "+side, err)
		}
		items, ok := norm[m.ID].([]any)
		if !ok {
			continue
		}
		if err := insertSideRows(ctx, tx, def, m, id, newRid, actor, items); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Storage(true, "commit update", err)
	}

	// Post-commit effects: a crash here leaves a stale cache entry that
	// self-heals on the next write or on TTL.
	if e.cache != nil && def.Cacheable {
		_ = e.cache.Delete(entityID + ":" + id)
	}
	if err := e.record(actor, "update", entityID+":"+id,
		map[string]any{"entity": entityID, "rid": newRid}, "ok"); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"entity": entityID, "id": id, "rid": newRid}).Debug("updated")

	return e.readOne(ctx, def, id)
}

// Delete removes the parent and side rows atomically. Versioned entities
// archive the final state before deletion so history survives the row.
func (e *Engine) Delete(ctx context.Context, entityID, id, actor string) error {
	def, err := e.definition(entityID)
	if err != nil {
		return err
	}
	actor = orSystemActor(actor)

	tx, err := e.store.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage(true, "begin delete", err)
	}
	defer tx.Rollback()

	if _, err := e.readOneTx(ctx, tx, def, id); err != nil {
		return err
	}
	if def.Versioned {
		if err := archiveCurrent(ctx, tx, def, id); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", def.TableName()), id); err != nil {
		return errs.Storage(true, "delete from "+def.TableName(), err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage(true, "commit delete", err)
	}

	if e.cache != nil && def.Cacheable {
		_ = e.cache.Delete(entityID + ":" + id)
	}
	return e.record(actor, "delete", entityID+":"+id, map[string]any{"entity": entityID}, "ok")
}

// ReadRevision serves the live row when rid is current, otherwise the
// archived copy.
func (e *Engine) ReadRevision(ctx context.Context, entityID, id string, rid int64) (*Record, error) {
	def, err := e.definition(entityID)
	if err != nil {
		return nil, err
	}

	cur, err := e.readOne(ctx, def, id)
	if err != nil {
		return nil, err
	}
	if rid == cur.Rid {
		return cur, nil
	}
	if !def.Versioned {
		return nil, errs.NotFound("entity %q is not versioned", entityID)
	}
	return e.readArchived(ctx, def, id, rid)
}

// ListRevisions returns the archived rids for an id in ascending order.
// The live rid is not included.
func (e *Engine) ListRevisions(ctx context.Context, entityID, id string) ([]int64, error) {
	def, err := e.definition(entityID)
	if err != nil {
		return nil, err
	}
	if !def.Versioned {
		return nil, nil
	}

	rows, err := e.store.db.QueryContext(ctx,
		fmt.Sprintf("SELECT rid FROM %s WHERE id = ? ORDER BY rid", def.RevisionsTableName()), id)
	if err != nil {
		return nil, errs.Storage(true, "list revisions", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var rid int64
		if err := rows.Scan(&rid); err != nil {
			return nil, errs.Storage(false, "scan rid", err)
		}
		out = append(out, rid)
	}
	return out, rows.Err()
}

// InvalidateEntity evicts every cache entry for an entity type, used
// after a shape change.
func (e *Engine) InvalidateEntity(entityID string) {
	if e.cache == nil {
		return
	}
	type prefixDeleter interface {
		DeletePrefix(prefix string) (int, error)
	}
	if pd, ok := e.cache.(prefixDeleter); ok {
		_, _ = pd.DeletePrefix(entityID + ":")
	}
}

// record appends the audit record for a committed mutation. The database
// write already stands at this point; a failed append is returned so the
// caller sees the operation fail even though the commit holds.
func (e *Engine) record(actor, action, target string, detail map[string]any, result string) error {
	if e.audit == nil {
		return nil
	}
	if err := e.audit.Record(actor, action, target, detail, result); err != nil {
		log.WithError(err).Error("audit record failed")
		return errs.Audit("append audit record", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// orSystemActor substitutes the zero actor for callers with no user
// context, matching the user column's declared default.
func orSystemActor(actor string) string {
	if actor == "" {
		return ids.ZeroActor
	}
	return actor
}

// wrapConstraint maps SQLite constraint violations to InvalidField; other
// failures stay Storage errors.
func wrapConstraint(err error, op string) error {
	msg := err.Error()
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "NOT NULL") || strings.Contains(msg, "UNIQUE") {
		return errs.InvalidField("", "%s: %s", op, msg)
	}
	return errs.Storage(true, op, err)
}
