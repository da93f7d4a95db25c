package paths

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marainhq/marain/internal/errs"
)

// projectDir builds a fake project root with the schemas marker.
func projectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "schemas"), 0o755))
	clearVars(t)
	return dir
}

func clearVars(t *testing.T) {
	t.Helper()
	for _, v := range []string{VarEnvironment, VarDataPath, VarSchemaPath, VarConfigPath, VarStaticPath, VarSessionSecret} {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestDefaults(t *testing.T) {
	dir := projectDir(t)

	p, err := Resolve(dir)
	require.NoError(t, err)
	require.Equal(t, EnvDev, p.Environment)
	require.Equal(t, dir, p.Root)
	require.Equal(t, filepath.Join(dir, "data"), p.Data)
	require.Equal(t, filepath.Join(dir, "schemas"), p.Schemas)
	require.Equal(t, filepath.Join(dir, "config"), p.Config)
	require.Nil(t, p.SessionSecret)
}

func TestComposedLocations(t *testing.T) {
	dir := projectDir(t)
	p, err := Resolve(dir)
	require.NoError(t, err)

	require.Equal(t, filepath.Join(dir, "data", "content", "marain.db"), p.ContentDB())
	require.Equal(t, filepath.Join(dir, "data", "json-cache"), p.CacheDir())
	require.Equal(t, filepath.Join(dir, "data", "user-backend", "secure.log"), p.AuditLog())
	require.Equal(t, filepath.Join(dir, "data", "logs"), p.LogsDir())
	require.Equal(t, []string{p.Schemas, p.Config}, p.WatchedDirs())
}

func TestRootDiscoveredFromSubdirectory(t *testing.T) {
	dir := projectDir(t)
	nested := filepath.Join(dir, "cmd", "marain")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	p, err := Resolve(nested)
	require.NoError(t, err)
	require.Equal(t, dir, p.Root)
}

func TestEnvOverridesAndAbsolutePaths(t *testing.T) {
	dir := projectDir(t)
	data := t.TempDir()
	t.Setenv(VarDataPath, data)
	t.Setenv(VarSchemaPath, "entity-schemas")

	p, err := Resolve(dir)
	require.NoError(t, err)
	require.Equal(t, data, p.Data)
	require.Equal(t, filepath.Join(dir, "entity-schemas"), p.Schemas)
}

func TestDotenvOverlayDoesNotBeatRealEnv(t *testing.T) {
	dir := projectDir(t)
	env := "ENTITY_SCHEMA_PATH=from-dotenv\nSTATIC_PATH=assets\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o644))
	t.Setenv(VarSchemaPath, "from-env")

	p, err := Resolve(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "from-env"), p.Schemas)
	require.Equal(t, filepath.Join(dir, "assets"), p.Static, "dotenv fills unset variables")
}

func TestInvalidEnvironmentRejected(t *testing.T) {
	dir := projectDir(t)
	t.Setenv(VarEnvironment, "staging")

	_, err := Resolve(dir)
	require.Error(t, err)
	require.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestSessionSecret(t *testing.T) {
	dir := projectDir(t)
	secret := []byte("0123456789abcdef0123456789abcdef")
	t.Setenv(VarSessionSecret, base64.StdEncoding.EncodeToString(secret))

	p, err := Resolve(dir)
	require.NoError(t, err)
	require.Equal(t, secret, p.SessionSecret)
}

func TestSessionSecretRequiredInPrd(t *testing.T) {
	dir := projectDir(t)
	t.Setenv(VarEnvironment, EnvPrd)

	_, err := Resolve(dir)
	require.Error(t, err)
	require.Equal(t, errs.KindConfiguration, errs.KindOf(err))

	t.Setenv(VarSessionSecret, base64.StdEncoding.EncodeToString([]byte("key")))
	_, err = Resolve(dir)
	require.NoError(t, err)
}

func TestBadSecretRejected(t *testing.T) {
	dir := projectDir(t)
	t.Setenv(VarSessionSecret, "not-base64!!!")

	_, err := Resolve(dir)
	require.Error(t, err)
	require.Equal(t, errs.KindConfiguration, errs.KindOf(err))
}

func TestOverlapRejected(t *testing.T) {
	dir := projectDir(t)

	// Data inside the watched schema directory.
	t.Setenv(VarDataPath, "schemas/data")
	_, err := Resolve(dir)
	require.Error(t, err)
	require.Equal(t, errs.KindConfiguration, errs.KindOf(err))

	// Watched directory inside data.
	clearVars(t)
	t.Setenv(VarDataPath, "data")
	t.Setenv(VarConfigPath, "data/config")
	_, err = Resolve(dir)
	require.Error(t, err)
}

func TestEnsureDirs(t *testing.T) {
	dir := projectDir(t)
	p, err := Resolve(dir)
	require.NoError(t, err)
	require.NoError(t, p.EnsureDirs())

	for _, d := range []string{filepath.Dir(p.ContentDB()), p.CacheDir(), filepath.Dir(p.AuditLog()), p.LogsDir()} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}

func TestWithin(t *testing.T) {
	require.True(t, within("/a/b/c", "/a/b"))
	require.True(t, within("/a/b", "/a/b"))
	require.False(t, within("/a/bc", "/a/b"))
	require.False(t, within("/a", "/a/b"))
}
