package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/schema"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const snippetSchema = `id: snippet
name: Snippet
versioned: true
fields:
  - id: title
    type: text
    required: true
  - id: body
    type: long_text
`

func TestNamingPredicates(t *testing.T) {
	require.True(t, IsSchemaFile("snippet.schema.yaml"))
	require.True(t, IsSchemaFile("/tmp/x/snippet.schema.yaml"))
	require.False(t, IsSchemaFile("snippet.yaml"))
	require.False(t, IsSchemaFile("config.smtp.yaml"))

	require.True(t, IsConfigFile("config.smtp.yaml"))
	require.False(t, IsConfigFile("smtp.yaml"))
	require.Equal(t, "smtp", ConfigID("config.smtp.yaml"))
	require.Equal(t, "site", ConfigID("/etc/marain/config.site.yaml"))

	require.True(t, Watched("a.schema.yaml"))
	require.True(t, Watched("config.a.yaml"))
	require.False(t, Watched("notes.txt"))
}

func TestLoadAllBasic(t *testing.T) {
	schemas, configs := t.TempDir(), t.TempDir()
	path := writeFile(t, schemas, "snippet.schema.yaml", snippetSchema)
	writeFile(t, configs, "config.site.yaml", "title: My Site\nfeatures:\n  search: true\n")

	res, err := LoadAll(schemas, configs)
	require.NoError(t, err)
	require.Len(t, res.Entities, 1)
	require.Len(t, res.Configurations, 1)

	e, ok := res.Entity("snippet")
	require.True(t, ok)
	require.Equal(t, "Snippet", e.Name)
	require.True(t, e.Versioned)
	require.Len(t, e.Fields, 2)
	require.Equal(t, schema.KindText, e.Fields[0].Kind)
	require.True(t, e.Fields[0].Required)
	require.Equal(t, 1, e.Fields[0].Cardinality)

	cfg := res.Configurations[0]
	require.Equal(t, "site", cfg.ID)
	require.Equal(t, "My Site", cfg.String("title", ""))
	require.True(t, cfg.Bool("features.search", false))

	require.Len(t, res.Hashes, 2)
	require.Len(t, res.Hashes[path], 64)
}

func TestLoadAllMissingDirs(t *testing.T) {
	res, err := LoadAll(filepath.Join(t.TempDir(), "absent"), filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Empty(t, res.Entities)
	require.Empty(t, res.Configurations)
}

func TestUnboundedCardinality(t *testing.T) {
	schemas := t.TempDir()
	writeFile(t, schemas, "multi.schema.yaml", `id: multi
name: Multi
versioned: false
fields:
  - id: tags
    type: text
    cardinality: unbounded
`)

	res, err := LoadAll(schemas, t.TempDir())
	require.NoError(t, err)
	e, _ := res.Entity("multi")
	require.True(t, e.Fields[0].Multi())
}

func TestFieldGroupExpansion(t *testing.T) {
	schemas := t.TempDir()
	writeFile(t, schemas, "seo.schema.yaml", `id: seo
fields:
  - id: seo_title
    type: text
  - id: priority
    type: integer
`)
	writeFile(t, schemas, "page.schema.yaml", `id: page
name: Page
versioned: true
fields:
  - id: title
    type: text
    required: true
  - id: meta
    type: seo
`)

	res, err := LoadAll(schemas, t.TempDir())
	require.NoError(t, err)
	require.Len(t, res.Entities, 1, "field group files are not entities")

	e, _ := res.Entity("page")
	meta, ok := e.Field("meta.seo_title")
	require.True(t, ok, "group expands into flattened component leaves")
	require.Equal(t, schema.KindText, meta.Kind)

	var scalar []string
	for _, f := range e.ScalarFields() {
		scalar = append(scalar, f.ID)
	}
	require.Equal(t, []string{"title", "meta.seo_title", "meta.priority"}, scalar)
}

func TestFieldGroupCycle(t *testing.T) {
	schemas := t.TempDir()
	writeFile(t, schemas, "a.schema.yaml", "id: a\nfields:\n  - id: x\n    type: b\n")
	writeFile(t, schemas, "b.schema.yaml", "id: b\nfields:\n  - id: y\n    type: a\n")
	writeFile(t, schemas, "uses.schema.yaml", `id: uses
name: Uses
versioned: false
fields:
  - id: f
    type: a
`)

	_, err := LoadAll(schemas, t.TempDir())
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidSchema, errs.KindOf(err))
	require.Contains(t, err.Error(), "cycle")
}

func TestUnknownKind(t *testing.T) {
	schemas := t.TempDir()
	writeFile(t, schemas, "bad.schema.yaml", `id: bad
name: Bad
versioned: false
fields:
  - id: f
    type: hologram
`)

	_, err := LoadAll(schemas, t.TempDir())
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidSchema, errs.KindOf(err))
}

func TestEntityReferenceTargetMustExist(t *testing.T) {
	schemas := t.TempDir()
	writeFile(t, schemas, "comment.schema.yaml", `id: comment
name: Comment
versioned: false
fields:
  - id: parent
    type: entity_reference
    target_entity: comment
`)

	_, err := LoadAll(schemas, t.TempDir())
	require.NoError(t, err, "self references are legal")

	writeFile(t, schemas, "orphan.schema.yaml", `id: orphan
name: Orphan
versioned: false
fields:
  - id: author
    type: entity_reference
    target_entity: no_such_entity
`)

	res, err := LoadAll(schemas, t.TempDir())
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidSchema, errs.KindOf(err))
	require.Contains(t, err.Error(), "no_such_entity")
	require.Nil(t, res, "nothing registers when any file is invalid")
}

func TestDuplicateEntityID(t *testing.T) {
	schemas := t.TempDir()
	writeFile(t, schemas, "one.schema.yaml", snippetSchema)
	writeFile(t, schemas, "two.schema.yaml", snippetSchema)

	_, err := LoadAll(schemas, t.TempDir())
	require.Error(t, err)
	require.True(t, errs.IsConflict(err))
}

func TestErrorCarriesLineAndColumn(t *testing.T) {
	schemas := t.TempDir()
	path := writeFile(t, schemas, "bad.schema.yaml", `id: bad
name: Bad
versioned: false
fields:
  - type: text
`)

	_, err := LoadAll(schemas, t.TempDir())
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, errs.KindInvalidSchema, e.Kind)
	require.Equal(t, path, e.Path)
	require.Equal(t, 5, e.Line, "points at the field entry missing its id")
}

func TestConfigMergeAcrossFiles(t *testing.T) {
	configs := t.TempDir()
	writeFile(t, configs, "config.site.yaml", "title: Base\nlang: en\n")

	res, err := LoadAll(t.TempDir(), configs)
	require.NoError(t, err)
	require.Len(t, res.Configurations, 1)
	require.Equal(t, "Base", res.Configurations[0].String("title", ""))
}

func TestConfigVersionKey(t *testing.T) {
	cfg, err := ParseConfig("config.auth.yaml", []byte("version: 3\nprovider_url: https://example.org\n"))
	require.NoError(t, err)
	require.Equal(t, "auth", cfg.ID)
	require.Equal(t, "3", cfg.Version)
}

func TestMalformedYAML(t *testing.T) {
	schemas := t.TempDir()
	writeFile(t, schemas, "bad.schema.yaml", "id: [unclosed\n")

	_, err := LoadAll(schemas, t.TempDir())
	require.Error(t, err)
	require.Equal(t, errs.KindInvalidSchema, errs.KindOf(err))
}

func TestCountFiles(t *testing.T) {
	schemas, configs := t.TempDir(), t.TempDir()
	writeFile(t, schemas, "a.schema.yaml", snippetSchema)
	writeFile(t, schemas, "ignored.txt", "x")
	writeFile(t, configs, "config.a.yaml", "k: v\n")

	n, err := CountFiles(schemas, configs)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
