package diff

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func tree(t *testing.T, src string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(src), &m))
	return m
}

const baseSchema = `id: snippet
name: Snippet
versioned: true
fields:
  - id: title
    type: text
    required: true
  - id: body
    type: long_text
`

func change(t *testing.T, d Diff, path string) Change {
	t.Helper()
	for _, c := range d.Changes {
		if c.Path == path {
			return c
		}
	}
	t.Fatalf("no change at path %q in %+v", path, d.Changes)
	return Change{}
}

func TestIdenticalTrees(t *testing.T) {
	d := Compare(tree(t, baseSchema), tree(t, baseSchema))
	require.True(t, d.Empty())
	require.Equal(t, Safe, d.Severity())
}

func TestAddOptionalField(t *testing.T) {
	next := tree(t, baseSchema+`  - id: status
    type: text
`)
	d := Compare(tree(t, baseSchema), next)

	c := change(t, d, "fields.status")
	require.Equal(t, Added, c.Kind)
	require.Equal(t, Safe, c.Severity)
	require.Equal(t, Safe, d.Severity())
}

func TestAddRequiredFieldWarns(t *testing.T) {
	next := tree(t, baseSchema+`  - id: status
    type: text
    required: true
`)
	d := Compare(tree(t, baseSchema), next)
	require.Equal(t, Warning, change(t, d, "fields.status").Severity)
}

func TestRemoveFieldBreaks(t *testing.T) {
	next := tree(t, `id: snippet
name: Snippet
versioned: true
fields:
  - id: title
    type: text
    required: true
`)
	d := Compare(tree(t, baseSchema), next)

	c := change(t, d, "fields.body")
	require.Equal(t, Removed, c.Kind)
	require.Equal(t, Breaking, c.Severity)
	require.Equal(t, Breaking, d.Severity())
}

func TestTypeChange(t *testing.T) {
	compatible := tree(t, `id: snippet
name: Snippet
versioned: true
fields:
  - id: title
    type: rich_text
    required: true
  - id: body
    type: long_text
`)
	d := Compare(tree(t, baseSchema), compatible)
	require.Equal(t, Warning, change(t, d, "fields.title.type").Severity,
		"text to rich_text keeps the column type")

	incompatible := tree(t, `id: snippet
name: Snippet
versioned: true
fields:
  - id: title
    type: integer
    required: true
  - id: body
    type: long_text
`)
	d = Compare(tree(t, baseSchema), incompatible)
	require.Equal(t, Breaking, change(t, d, "fields.title.type").Severity)
}

func TestRelaxRequiredIsSafe(t *testing.T) {
	next := tree(t, `id: snippet
name: Snippet
versioned: true
fields:
  - id: title
    type: text
  - id: body
    type: long_text
`)
	d := Compare(tree(t, baseSchema), next)
	require.Equal(t, Removed, change(t, d, "fields.title.required").Kind)
}

func TestRequiredFlip(t *testing.T) {
	old := tree(t, "fields:\n  - id: a\n    type: text\n    required: true\n")
	relaxed := tree(t, "fields:\n  - id: a\n    type: text\n    required: false\n")
	d := Compare(old, relaxed)
	require.Equal(t, Safe, change(t, d, "fields.a.required").Severity)

	d = Compare(relaxed, old)
	require.Equal(t, Warning, change(t, d, "fields.a.required").Severity)
}

func TestCardinalityChange(t *testing.T) {
	old := tree(t, "fields:\n  - id: tags\n    type: text\n    cardinality: 1\n")
	wide := tree(t, "fields:\n  - id: tags\n    type: text\n    cardinality: unbounded\n")

	d := Compare(old, wide)
	c := change(t, d, "fields.tags.cardinality")
	require.Equal(t, TypeChanged, c.Kind, "1 is a number, unbounded a string")
	require.Equal(t, Warning, c.Severity)

	d = Compare(wide, old)
	require.Equal(t, Breaking, change(t, d, "fields.tags.cardinality").Severity)
}

func TestVersionedFlip(t *testing.T) {
	on := tree(t, "versioned: true\n")
	off := tree(t, "versioned: false\n")

	d := Compare(on, off)
	require.Equal(t, Breaking, change(t, d, "versioned").Severity)

	d = Compare(off, on)
	require.Equal(t, Warning, change(t, d, "versioned").Severity)
}

func TestCosmeticChanges(t *testing.T) {
	old := tree(t, "fields:\n  - id: a\n    type: text\n    label: Old\n")
	next := tree(t, "fields:\n  - id: a\n    type: text\n    label: New\n")

	d := Compare(old, next)
	c := change(t, d, "fields.a.label")
	require.True(t, c.Cosmetic())
	require.Equal(t, Safe, c.Severity)
}

func TestConfigKeyRules(t *testing.T) {
	old := tree(t, "smtp:\n  host: a\n  port: 25\n")
	next := tree(t, "smtp:\n  host: b\n  tls: true\n")

	d := Compare(old, next)
	require.Equal(t, Safe, change(t, d, "smtp.host").Severity)
	require.Equal(t, Safe, change(t, d, "smtp.tls").Severity)
	require.Equal(t, Warning, change(t, d, "smtp.port").Severity)
	require.Equal(t, Warning, d.Severity())
}

func TestNestedConfigCompare(t *testing.T) {
	old := tree(t, "a:\n  b:\n    c: 1\n")
	next := tree(t, "a:\n  b:\n    c: 2\n")

	d := Compare(old, next)
	c := change(t, d, "a.b.c")
	require.Equal(t, ValueChanged, c.Kind)
}

func TestNumericEquality(t *testing.T) {
	// YAML may hand back 1 or 1.0 depending on formatting; both are equal.
	d := Compare(map[string]any{"n": 1}, map[string]any{"n": 1.0})
	require.True(t, d.Empty())
}
