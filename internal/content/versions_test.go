package content

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marainhq/marain/internal/action"
	"github.com/marainhq/marain/internal/errs"
)

func trackerFixture(t *testing.T) *Tracker {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "marain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewTracker(store)
}

func TestVersionNumbersAreMonotonicPerPath(t *testing.T) {
	tr := trackerFixture(t)
	ctx := context.Background()

	v1, err := tr.Record(ctx, "schemas/a.schema.yaml", "hash1", nil, nil, VersionApplied)
	require.NoError(t, err)
	require.Equal(t, int64(1), v1)

	v2, err := tr.Record(ctx, "schemas/a.schema.yaml", "hash2", nil, nil, VersionApplied)
	require.NoError(t, err)
	require.Equal(t, int64(2), v2)

	other, err := tr.Record(ctx, "schemas/b.schema.yaml", "hash3", nil, nil, VersionApplied)
	require.NoError(t, err)
	require.Equal(t, int64(1), other, "versions count per file path")
}

func TestVersionRoundTripsActions(t *testing.T) {
	tr := trackerFixture(t)
	ctx := context.Background()

	applied := []action.Action{{
		Op: action.OpCreateTable, Entity: "snippet", Table: "content_snippet",
		SQL:      []string{"CREATE TABLE content_snippet (id TEXT PRIMARY KEY)"},
		Rollback: &action.Action{Op: action.OpDropTable, SQL: []string{"DROP TABLE content_snippet"}},
	}}
	rollbacks := action.Rollbacks(applied)

	_, err := tr.Record(ctx, "schemas/snippet.schema.yaml", "abc", applied, rollbacks, VersionApplied)
	require.NoError(t, err)

	latest, err := tr.Latest(ctx, "schemas/snippet.schema.yaml")
	require.NoError(t, err)
	require.Equal(t, int64(1), latest.Version)
	require.Equal(t, "abc", latest.FileHash)
	require.Equal(t, VersionApplied, latest.Status)
	require.Equal(t, applied, latest.Applied)
	require.Equal(t, rollbacks, latest.Rollbacks)
	require.False(t, latest.CreatedAt.IsZero())
}

func TestVersionHistory(t *testing.T) {
	tr := trackerFixture(t)
	ctx := context.Background()

	for i, h := range []string{"h1", "h2", "h3"} {
		_, err := tr.Record(ctx, "f.schema.yaml", h, nil, nil, VersionApplied)
		require.NoError(t, err, "record %d", i)
	}

	hist, err := tr.History(ctx, "f.schema.yaml")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.Equal(t, int64(1), hist[0].Version)
	require.Equal(t, "h3", hist[2].FileHash)
}

func TestMarkRolledBack(t *testing.T) {
	tr := trackerFixture(t)
	ctx := context.Background()

	v, err := tr.Record(ctx, "f.schema.yaml", "h", nil, nil, VersionApplied)
	require.NoError(t, err)
	require.NoError(t, tr.MarkRolledBack(ctx, "f.schema.yaml", v))

	latest, err := tr.Latest(ctx, "f.schema.yaml")
	require.NoError(t, err)
	require.Equal(t, VersionRolledBack, latest.Status)

	require.True(t, errs.IsNotFound(tr.MarkRolledBack(ctx, "f.schema.yaml", 99)))
}

func TestLatestMissing(t *testing.T) {
	tr := trackerFixture(t)
	_, err := tr.Latest(context.Background(), "never-seen.yaml")
	require.True(t, errs.IsNotFound(err))
}
