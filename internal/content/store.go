// Package content implements the entity storage engine: dynamically
// materialized tables per entity, copy-on-write revisioning, content-hash
// maintenance, and the file_versions tracker.
package content

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/errs"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - file_versions table
const currentSchemaVersion = 1

var log = logrus.WithField("component", "content")

// Store owns the SQLite handle for entity tables, revisions, and the
// version tracker. SQLite allows one writer, so the pool is capped at a
// single connection.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path, creating parent directories
// as needed. Applies the WAL pragmas and fixed-table migrations; safe to
// call repeatedly.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Storage(false, "create database directory", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errs.Storage(false, "open database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Storage(false, "connect to database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}

	log.WithField("path", path).Debug("content store open")
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying handle for the action executor.
func (s *Store) DB() *sql.DB {
	return s.db
}

// TableExists reports whether a table is already materialized.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		return false, errs.Storage(true, "query sqlite_master", err)
	}
	return n > 0, nil
}

// TablesExist reports whether every listed table is present.
func (s *Store) TablesExist(ctx context.Context, names []string) (bool, error) {
	for _, name := range names {
		ok, err := s.TableExists(ctx, name)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errs.Storage(false, fmt.Sprintf("execute %q", pragma), err)
		}
	}
	return nil
}

// applySchema creates the fixed tables and runs migrations. Entity tables
// are not created here; they materialize through the action executor.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return errs.Storage(false, "apply fixed schema", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return errs.Storage(false, "read user_version", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return errs.Storage(false, "set user_version", err)
		}
	}
	return nil
}
