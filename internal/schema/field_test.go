package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/ids"
)

func TestKindSQLType(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindText, "TEXT"},
		{KindLongText, "TEXT"},
		{KindRichText, "TEXT"},
		{KindSlug, "TEXT"},
		{KindEntityReference, "TEXT"},
		{KindInteger, "INTEGER"},
		{KindBoolean, "INTEGER"},
		{KindFloat, "REAL"},
		{KindDatetime, "TIMESTAMP"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.kind.SQLType(), "kind %s", tc.kind)
	}
}

func TestColumnSQL(t *testing.T) {
	cases := []struct {
		name  string
		field Field
		want  string
	}{
		{
			name:  "required text",
			field: Field{ID: "title", Kind: KindText, Required: true, Cardinality: 1},
			want:  `"title" TEXT NOT NULL`,
		},
		{
			name:  "optional integer",
			field: Field{ID: "count", Kind: KindInteger, Cardinality: 1},
			want:  `"count" INTEGER`,
		},
		{
			name:  "slug is unique",
			field: Field{ID: "slug", Kind: KindSlug, Cardinality: 1},
			want:  `"slug" TEXT UNIQUE`,
		},
		{
			name:  "flattened component leaf",
			field: Field{ID: "meta.priority", Kind: KindInteger, Cardinality: 1},
			want:  `"meta.priority" INTEGER`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.field.ColumnSQL())
		})
	}
}

func TestFieldValidate(t *testing.T) {
	ref := ids.New()

	cases := []struct {
		name    string
		field   Field
		value   any
		wantErr bool
	}{
		{"text ok", Field{ID: "t", Kind: KindText, Cardinality: 1}, "hello", false},
		{"text wrong type", Field{ID: "t", Kind: KindText, Cardinality: 1}, 42.0, true},
		{"required missing", Field{ID: "t", Kind: KindText, Required: true, Cardinality: 1}, nil, true},
		{"optional missing", Field{ID: "t", Kind: KindText, Cardinality: 1}, nil, false},
		{"integer whole float", Field{ID: "n", Kind: KindInteger, Cardinality: 1}, 3.0, false},
		{"integer fractional", Field{ID: "n", Kind: KindInteger, Cardinality: 1}, 3.5, true},
		{"float accepts int", Field{ID: "f", Kind: KindFloat, Cardinality: 1}, 3, false},
		{"boolean ok", Field{ID: "b", Kind: KindBoolean, Cardinality: 1}, true, false},
		{"boolean wrong", Field{ID: "b", Kind: KindBoolean, Cardinality: 1}, "true", true},
		{"datetime rfc3339", Field{ID: "d", Kind: KindDatetime, Cardinality: 1}, "2026-08-24T10:00:00Z", false},
		{"datetime garbage", Field{ID: "d", Kind: KindDatetime, Cardinality: 1}, "yesterday", true},
		{"slug ok", Field{ID: "s", Kind: KindSlug, Cardinality: 1}, "hello_world-2", false},
		{"slug uppercase", Field{ID: "s", Kind: KindSlug, Cardinality: 1}, "Hello", true},
		{"reference valid id", Field{ID: "r", Kind: KindEntityReference, TargetEntity: "user", Cardinality: 1}, ref, false},
		{"reference bad id", Field{ID: "r", Kind: KindEntityReference, TargetEntity: "user", Cardinality: 1}, "not-a-ulid", true},
		{"multi list ok", Field{ID: "tags", Kind: KindText, Cardinality: CardinalityUnbounded}, []any{"a", "b"}, false},
		{"multi not a list", Field{ID: "tags", Kind: KindText, Cardinality: CardinalityUnbounded}, "a", true},
		{"multi bad element", Field{ID: "tags", Kind: KindText, Cardinality: CardinalityUnbounded}, []any{"a", 1.5}, true},
		{"required multi empty", Field{ID: "tags", Kind: KindText, Required: true, Cardinality: CardinalityUnbounded}, []any{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.field.Validate(tc.value)
			if tc.wantErr {
				require.Error(t, err)
				require.Equal(t, errs.KindInvalidField, errs.KindOf(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestComponentValidate(t *testing.T) {
	f := Field{
		ID: "meta", Kind: KindComponent, Cardinality: 1,
		Fields: []Field{
			{ID: "seo_title", Kind: KindText, Required: true, Cardinality: 1},
			{ID: "priority", Kind: KindInteger, Cardinality: 1},
		},
	}

	require.NoError(t, f.Validate(map[string]any{"seo_title": "x", "priority": 2.0}))
	require.NoError(t, f.Validate(map[string]any{"seo_title": "x"}))
	require.Error(t, f.Validate(map[string]any{"priority": 2.0}), "missing required sub-field")
	require.Error(t, f.Validate("not an object"))
}

func TestFlatten(t *testing.T) {
	fields := []Field{
		{ID: "title", Kind: KindText, Cardinality: 1},
		{
			ID: "meta", Kind: KindComponent, Cardinality: 1,
			Fields: []Field{
				{ID: "seo_title", Kind: KindText, Cardinality: 1},
				{
					ID: "og", Kind: KindComponent, Cardinality: 1,
					Fields: []Field{{ID: "image", Kind: KindText, Cardinality: 1}},
				},
			},
		},
		{ID: "tags", Kind: KindText, Cardinality: CardinalityUnbounded},
	}

	flat := Flatten(fields)
	got := make([]string, len(flat))
	for i, f := range flat {
		got[i] = f.ID
	}
	require.Equal(t, []string{"title", "meta.seo_title", "meta.og.image", "tags"}, got)
}
