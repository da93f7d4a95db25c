package content

import (
	"context"
	"database/sql"
	"time"

	"github.com/marainhq/marain/internal/action"
	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/ids"
)

// Version statuses.
const (
	VersionPending    = "pending"
	VersionApplied    = "applied"
	VersionRolledBack = "rolled_back"
)

// Version is one file_versions row: what changed in a declaration file,
// which actions ran, and how to undo them.
type Version struct {
	ID        string
	FilePath  string
	Version   int64
	FileHash  string
	Applied   []action.Action
	Rollbacks []action.Action
	Status    string
	CreatedAt time.Time
}

// Tracker appends to and queries the file_versions table. History is
// never pruned automatically.
type Tracker struct {
	store *Store
}

// NewTracker wraps the store's version log.
func NewTracker(store *Store) *Tracker {
	return &Tracker{store: store}
}

// Record appends the next version row for a file path. Versions increase
// monotonically per path; the allocation and insert share a transaction
// so concurrent reloads cannot collide on (file_path, version).
func (t *Tracker) Record(ctx context.Context, filePath, fileHash string, applied, rollbacks []action.Action, status string) (int64, error) {
	appliedJSON, err := action.EncodeList(applied)
	if err != nil {
		return 0, errs.Storage(false, "encode applied actions", err)
	}
	rollbackJSON, err := action.EncodeList(rollbacks)
	if err != nil {
		return 0, errs.Storage(false, "encode rollback actions", err)
	}

	tx, err := t.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Storage(true, "begin version record", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) + 1 FROM file_versions WHERE file_path = ?", filePath).Scan(&version)
	if err != nil {
		return 0, errs.Storage(true, "allocate version", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO file_versions (id, file_path, version, file_hash, actions_executed, rollback_actions, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ids.New(), filePath, version, fileHash, appliedJSON, rollbackJSON, status)
	if err != nil {
		return 0, errs.Storage(true, "insert file version", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Storage(true, "commit version record", err)
	}
	log.WithField("file", filePath).WithField("version", version).Debug("version recorded")
	return version, nil
}

// MarkRolledBack flips one version row's status after its rollback list
// has been executed.
func (t *Tracker) MarkRolledBack(ctx context.Context, filePath string, version int64) error {
	res, err := t.store.db.ExecContext(ctx,
		"UPDATE file_versions SET status = ? WHERE file_path = ? AND version = ?",
		VersionRolledBack, filePath, version)
	if err != nil {
		return errs.Storage(true, "mark rolled back", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("no version %d for %s", version, filePath)
	}
	return nil
}

// Latest returns the newest version row for a path.
func (t *Tracker) Latest(ctx context.Context, filePath string) (*Version, error) {
	row := t.store.db.QueryRowContext(ctx, `
		SELECT id, file_path, version, file_hash, actions_executed, rollback_actions, status, created_at
		FROM file_versions WHERE file_path = ? ORDER BY version DESC LIMIT 1`, filePath)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("no versions recorded for %s", filePath)
	}
	return v, err
}

// History returns every version row for a path, oldest first.
func (t *Tracker) History(ctx context.Context, filePath string) ([]*Version, error) {
	rows, err := t.store.db.QueryContext(ctx, `
		SELECT id, file_path, version, file_hash, actions_executed, rollback_actions, status, created_at
		FROM file_versions WHERE file_path = ? ORDER BY version`, filePath)
	if err != nil {
		return nil, errs.Storage(true, "query version history", err)
	}
	defer rows.Close()

	var out []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*Version, error) {
	var v Version
	var appliedJSON, rollbackJSON string
	var created any
	err := row.Scan(&v.ID, &v.FilePath, &v.Version, &v.FileHash, &appliedJSON, &rollbackJSON, &v.Status, &created)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, errs.Storage(false, "scan file version", err)
	}
	if v.Applied, err = action.DecodeList(appliedJSON); err != nil {
		return nil, errs.Storage(false, "decode applied actions", err)
	}
	if v.Rollbacks, err = action.DecodeList(rollbackJSON); err != nil {
		return nil, errs.Storage(false, "decode rollback actions", err)
	}
	if t, ok := asTime(created); ok {
		v.CreatedAt = t
	}
	return &v, nil
}
