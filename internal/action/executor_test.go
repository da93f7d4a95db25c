package action

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/marainhq/marain/internal/schema"
)

type fakeSwapper struct {
	swapped []*schema.Configuration
}

func (f *fakeSwapper) SwapConfiguration(cfg *schema.Configuration) {
	f.swapped = append(f.swapped, cfg)
}

type fakeCache struct {
	prefixes []string
}

func (f *fakeCache) DeletePrefix(prefix string) (int, error) {
	f.prefixes = append(f.prefixes, prefix)
	return 1, nil
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	err := db.QueryRow(
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestExecuteCreatesTables(t *testing.T) {
	db := testDB(t)
	swapper := &fakeSwapper{}
	cache := &fakeCache{}
	x := NewExecutor(db, swapper, cache)

	report, err := x.Execute(context.Background(), ForNewEntity(snippetDef()), false)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, report.Status)
	require.Len(t, report.Results, 2)
	for _, r := range report.Results {
		require.True(t, r.Applied)
		require.Empty(t, r.Err)
	}

	require.True(t, tableExists(t, db, "content_snippet"))
	require.True(t, tableExists(t, db, "content_revisions_snippet"))
}

func TestExecuteDryRun(t *testing.T) {
	db := testDB(t)
	x := NewExecutor(db, &fakeSwapper{}, &fakeCache{})

	report, err := x.Execute(context.Background(), ForNewEntity(snippetDef()), true)
	require.NoError(t, err)
	require.Equal(t, StatusDryRun, report.Status)
	require.False(t, tableExists(t, db, "content_snippet"), "dry run touches nothing")
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	db := testDB(t)
	x := NewExecutor(db, &fakeSwapper{}, &fakeCache{})

	actions := []Action{
		{Op: OpCreateTable, Table: "good", SQL: []string{"CREATE TABLE good (id TEXT PRIMARY KEY)"}},
		{Op: OpCreateTable, Table: "bad", SQL: []string{"CREATE TABLE syntax error ("}},
	}
	report, err := x.Execute(context.Background(), actions, false)
	require.Error(t, err)
	require.Equal(t, StatusRolledBack, report.Status)
	require.NotEmpty(t, report.Err)
	require.False(t, tableExists(t, db, "good"), "transaction rolled back the earlier action")

	last := report.Results[len(report.Results)-1]
	require.False(t, last.Applied)
	require.NotEmpty(t, last.Err)
}

func TestStagedEffectsApplyAfterCommit(t *testing.T) {
	db := testDB(t)
	swapper := &fakeSwapper{}
	cache := &fakeCache{}
	x := NewExecutor(db, swapper, cache)

	actions := []Action{
		{Op: OpUpdateConfig, ConfigID: "smtp", ConfigValues: map[string]any{"host": "mail"}},
		{Op: OpInvalidateCache, Entity: "snippet"},
	}
	report, err := x.Execute(context.Background(), actions, false)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, report.Status)

	require.Len(t, swapper.swapped, 1)
	require.Equal(t, "smtp", swapper.swapped[0].ID)
	require.Equal(t, []string{"snippet:"}, cache.prefixes)
}

func TestStagedEffectsDiscardedOnFailure(t *testing.T) {
	db := testDB(t)
	swapper := &fakeSwapper{}
	cache := &fakeCache{}
	x := NewExecutor(db, swapper, cache)

	actions := []Action{
		{Op: OpUpdateConfig, ConfigID: "smtp", ConfigValues: map[string]any{"host": "mail"}},
		{Op: OpCreateTable, Table: "bad", SQL: []string{"not sql"}},
	}
	_, err := x.Execute(context.Background(), actions, false)
	require.Error(t, err)
	require.Empty(t, swapper.swapped, "staged swap discarded")
	require.Empty(t, cache.prefixes)
}

func TestExecuteNilCache(t *testing.T) {
	db := testDB(t)
	x := NewExecutor(db, &fakeSwapper{}, nil)

	report, err := x.Execute(context.Background(), []Action{{Op: OpInvalidateCache, Entity: "e"}}, false)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, report.Status)
}

func TestApplyThenRollbackRestoresSchema(t *testing.T) {
	db := testDB(t)
	x := NewExecutor(db, &fakeSwapper{}, &fakeCache{})

	actions := ForNewEntity(snippetDef())
	_, err := x.Execute(context.Background(), actions, false)
	require.NoError(t, err)
	require.True(t, tableExists(t, db, "content_snippet"))

	report, err := x.Execute(context.Background(), Rollbacks(actions), false)
	require.NoError(t, err)
	require.Equal(t, StatusApplied, report.Status)
	require.False(t, tableExists(t, db, "content_snippet"))
	require.False(t, tableExists(t, db, "content_revisions_snippet"))
}
