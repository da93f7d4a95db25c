package schema

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"
)

func articleEntity() *EntityDefinition {
	return &EntityDefinition{
		ID:        "article",
		Name:      "Article",
		Versioned: true,
		Cacheable: true,
		Fields: []Field{
			{ID: "title", Kind: KindText, Required: true, Cardinality: 1},
			{ID: "slug", Kind: KindSlug, Cardinality: 1},
			{
				ID: "meta", Kind: KindComponent, Cardinality: 1,
				Fields: []Field{
					{ID: "seo_title", Kind: KindText, Cardinality: 1},
					{ID: "priority", Kind: KindInteger, Cardinality: 1},
				},
			},
			{ID: "author", Kind: KindEntityReference, TargetEntity: "user", Cardinality: 1},
			{ID: "tags", Kind: KindText, Cardinality: CardinalityUnbounded},
		},
	}
}

func TestTableNames(t *testing.T) {
	e := articleEntity()
	require.Equal(t, "content_article", e.TableName())
	require.Equal(t, "content_revisions_article", e.RevisionsTableName())
	require.Equal(t, "field_article_tags", e.FieldTableName("tags"))
	require.Equal(t, "field_revisions_article_tags", e.FieldRevisionsTableName("tags"))
}

func TestScalarAndMultiSplit(t *testing.T) {
	e := articleEntity()

	var scalar []string
	for _, f := range e.ScalarFields() {
		scalar = append(scalar, f.ID)
	}
	require.Equal(t, []string{"title", "slug", "meta.seo_title", "meta.priority", "author"}, scalar)

	multi := e.MultiFields()
	require.Len(t, multi, 1)
	require.Equal(t, "tags", multi[0].ID)
}

func TestEntityValidate(t *testing.T) {
	require.NoError(t, articleEntity().Validate())

	dup := &EntityDefinition{
		ID: "x", Name: "X",
		Fields: []Field{
			{ID: "a", Kind: KindText, Cardinality: 1},
			{ID: "a", Kind: KindText, Cardinality: 1},
		},
	}
	require.Error(t, dup.Validate())

	shadow := &EntityDefinition{
		ID: "x", Name: "X",
		Fields: []Field{{ID: "content_hash", Kind: KindText, Cardinality: 1}},
	}
	require.Error(t, shadow.Validate())

	noTarget := &EntityDefinition{
		ID: "x", Name: "X",
		Fields: []Field{{ID: "ref", Kind: KindEntityReference, Cardinality: 1}},
	}
	require.Error(t, noTarget.Validate())

	badKind := &EntityDefinition{
		ID: "x", Name: "X",
		Fields: []Field{{ID: "f", Kind: "hologram", Cardinality: 1}},
	}
	require.Error(t, badKind.Validate())
}

func TestPlanTables(t *testing.T) {
	e := articleEntity()
	p := e.Plan()
	require.Equal(t, []string{
		"content_article",
		"content_revisions_article",
		"field_article_tags",
		"field_revisions_article_tags",
	}, p.Tables)
}

func TestPlanNotVersioned(t *testing.T) {
	e := articleEntity()
	e.Versioned = false
	p := e.Plan()
	require.Equal(t, []string{"content_article", "field_article_tags"}, p.Tables)
	for _, stmt := range p.AllStatements() {
		require.NotContains(t, stmt, "revisions")
	}
}

func TestAddDropColumnSQL(t *testing.T) {
	opt := Field{ID: "status", Kind: KindText, Cardinality: 1}
	require.Equal(t, `ALTER TABLE content_article ADD COLUMN "status" TEXT`,
		AddColumnSQL("content_article", opt))

	req := Field{ID: "count", Kind: KindInteger, Required: true, Cardinality: 1}
	require.Equal(t, `ALTER TABLE content_article ADD COLUMN "count" INTEGER NOT NULL DEFAULT 0`,
		AddColumnSQL("content_article", req))

	require.Equal(t, `ALTER TABLE content_article DROP COLUMN "status"`,
		DropColumnSQL("content_article", "status"))
}

// Run with -update to regenerate testdata after a deliberate DDL change.
func TestPlanDDLGolden(t *testing.T) {
	p := articleEntity().Plan()
	ddl := strings.Join(p.AllStatements(), ";\n\n") + ";\n"

	g := goldie.New(t)
	g.Assert(t, "article_ddl", []byte(ddl))
}
