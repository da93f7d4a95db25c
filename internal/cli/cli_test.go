package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marainhq/marain/internal/audit"
	"github.com/marainhq/marain/internal/paths"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

// projectFixture lays out a minimal project root and clears the
// environment variables that would redirect path resolution.
func projectFixture(t *testing.T) string {
	t.Helper()
	for _, v := range []string{
		paths.VarEnvironment, paths.VarDataPath, paths.VarSchemaPath,
		paths.VarConfigPath, paths.VarStaticPath, paths.VarSessionSecret,
	} {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}

	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "schemas"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "config"), 0o755))
	schema := `id: snippet
name: Snippet
versioned: true
fields:
  - id: title
    type: text
    required: true
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "schemas", "snippet.schema.yaml"), []byte(schema), 0o644))
	return root
}

func TestRootRejectsInvalidFormat(t *testing.T) {
	_, err := runCommand(t, "--format", "xml", "validate")
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid format")
}

func TestRootListsSubcommands(t *testing.T) {
	out, err := runCommand(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"serve", "validate", "status", "verify-audit"} {
		require.Contains(t, out, sub)
	}
}

func TestValidateOK(t *testing.T) {
	root := projectFixture(t)

	out, err := runCommand(t, "--root", root, "validate")
	require.NoError(t, err)
	require.Contains(t, out, "OK: 1 entities")
}

func TestValidateJSON(t *testing.T) {
	root := projectFixture(t)

	out, err := runCommand(t, "--root", root, "--format", "json", "validate")
	require.NoError(t, err)
	require.Contains(t, out, `"status":"ok"`)
	require.Contains(t, out, `"snippet"`)
}

func TestValidateFailure(t *testing.T) {
	root := projectFixture(t)
	bad := "id: broken\nname: Broken\nversioned: true\nfields:\n  - id: x\n    type: nonsense\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "schemas", "broken.schema.yaml"), []byte(bad), 0o644))

	_, err := runCommand(t, "--root", root, "validate")
	require.Error(t, err)
	require.Equal(t, ExitFailure, GetExitCode(err))
}

func TestVerifyAuditIntact(t *testing.T) {
	file := filepath.Join(t.TempDir(), "secure.log")
	l, err := audit.Open(file, audit.Options{})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record("admin", "create", "snippet:x", nil, "success"))
	}
	require.NoError(t, l.Close())

	out, err := runCommand(t, "verify-audit", "--file", file)
	require.NoError(t, err)
	require.Contains(t, out, "chain intact")
	require.Contains(t, out, "5 records")
}

func TestVerifyAuditBroken(t *testing.T) {
	file := filepath.Join(t.TempDir(), "secure.log")
	l, err := audit.Open(file, audit.Options{})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Record("admin", "create", "snippet:x", nil, "success"))
	}
	require.NoError(t, l.Close())

	// Flip a byte in the middle of the file.
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	data[len(data)/2] ^= 0x01
	require.NoError(t, os.WriteFile(file, data, 0o600))

	out, err := runCommand(t, "verify-audit", "--file", file)
	require.Error(t, err)
	require.Equal(t, ExitFailure, GetExitCode(err))
	require.Contains(t, out, "BROKEN")
}

func TestStatus(t *testing.T) {
	root := projectFixture(t)

	out, err := runCommand(t, "--root", root, "status")
	require.NoError(t, err)
	require.Contains(t, out, "snippet")
	require.Contains(t, out, "tables missing")
	require.Contains(t, out, "audit records: 0")
}

func TestExitCodes(t *testing.T) {
	require.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "boom")))
	require.Equal(t, ExitFailure, GetExitCode(os.ErrNotExist), "plain errors default to failure")
}
