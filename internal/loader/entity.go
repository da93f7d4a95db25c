package loader

import (
	"gopkg.in/yaml.v3"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/schema"
)

// rawDecl is one parsed schema file before field-group resolution. A file
// declaring `name` and `versioned` is an entity; a file with only `id` and
// `fields` is a reusable field group.
type rawDecl struct {
	path        string
	group       bool
	id          string
	name        string
	description string
	versioned   bool
	cacheable   bool
	recursive   bool
	fields      []rawField
}

type rawField struct {
	id           string
	kind         string
	label        string
	description  string
	required     bool
	cardinality  int
	targetEntity string
	fields       []rawField
	line, col    int
}

func parseSchemaFile(path string, data []byte) (*rawDecl, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, yamlError(path, err)
	}
	if len(doc.Content) == 0 {
		return nil, errs.InvalidSchema(path, 0, 0, "empty document")
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errs.InvalidSchema(path, root.Line, root.Column, "expected a mapping at top level")
	}

	decl := &rawDecl{path: path}
	var sawName, sawVersioned, sawFields bool
	for i := 0; i < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		switch key.Value {
		case "id":
			decl.id = val.Value
		case "name":
			decl.name = val.Value
			sawName = true
		case "description":
			decl.description = val.Value
		case "versioned":
			b, err := boolValue(path, val)
			if err != nil {
				return nil, err
			}
			decl.versioned = b
			sawVersioned = true
		case "cacheable":
			b, err := boolValue(path, val)
			if err != nil {
				return nil, err
			}
			decl.cacheable = b
		case "recursive":
			b, err := boolValue(path, val)
			if err != nil {
				return nil, err
			}
			decl.recursive = b
		case "fields":
			fs, err := parseFields(path, val)
			if err != nil {
				return nil, err
			}
			decl.fields = fs
			sawFields = true
		default:
			// Forward compatibility: unknown top-level keys warn, never fail.
			log.WithField("file", path).Warnf("ignoring unknown top-level key %q (line %d)", key.Value, key.Line)
		}
	}

	if decl.id == "" {
		return nil, errs.InvalidSchema(path, root.Line, root.Column, "missing required key %q", "id")
	}
	if !sawFields {
		return nil, errs.InvalidSchema(path, root.Line, root.Column, "missing required key %q", "fields")
	}
	decl.group = !sawName && !sawVersioned
	if !decl.group {
		if !sawName {
			return nil, errs.InvalidSchema(path, root.Line, root.Column, "missing required key %q", "name")
		}
		if !sawVersioned {
			return nil, errs.InvalidSchema(path, root.Line, root.Column, "missing required key %q", "versioned")
		}
	}
	return decl, nil
}

func parseFields(path string, node *yaml.Node) ([]rawField, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, errs.InvalidSchema(path, node.Line, node.Column, "fields must be a sequence")
	}
	out := make([]rawField, 0, len(node.Content))
	for _, item := range node.Content {
		f, err := parseField(path, item)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseField(path string, node *yaml.Node) (rawField, error) {
	f := rawField{cardinality: 1, line: node.Line, col: node.Column}
	if node.Kind != yaml.MappingNode {
		return f, errs.InvalidSchema(path, node.Line, node.Column, "each field entry must be a mapping")
	}
	for i := 0; i < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		switch key.Value {
		case "id":
			f.id = val.Value
		case "type":
			f.kind = val.Value
		case "label":
			f.label = val.Value
		case "description":
			f.description = val.Value
		case "required":
			b, err := boolValue(path, val)
			if err != nil {
				return f, err
			}
			f.required = b
		case "cardinality":
			c, err := cardinalityValue(path, val)
			if err != nil {
				return f, err
			}
			f.cardinality = c
		case "target_entity":
			f.targetEntity = val.Value
		case "fields":
			sub, err := parseFields(path, val)
			if err != nil {
				return f, err
			}
			f.fields = sub
		}
	}
	if f.id == "" {
		return f, errs.InvalidSchema(path, node.Line, node.Column, "field entry missing %q", "id")
	}
	if f.kind == "" {
		return f, errs.InvalidSchema(path, node.Line, node.Column, "field %q missing %q", f.id, "type")
	}
	return f, nil
}

func boolValue(path string, node *yaml.Node) (bool, error) {
	var b bool
	if err := node.Decode(&b); err != nil {
		return false, errs.InvalidSchema(path, node.Line, node.Column, "expected true or false, got %q", node.Value)
	}
	return b, nil
}

// cardinalityValue accepts 1, -1, or the word "unbounded".
func cardinalityValue(path string, node *yaml.Node) (int, error) {
	if node.Value == "unbounded" {
		return schema.CardinalityUnbounded, nil
	}
	var n int
	if err := node.Decode(&n); err != nil {
		return 0, errs.InvalidSchema(path, node.Line, node.Column, "cardinality must be 1 or %q", "unbounded")
	}
	switch n {
	case 1:
		return 1, nil
	case schema.CardinalityUnbounded:
		return schema.CardinalityUnbounded, nil
	default:
		return 0, errs.InvalidSchema(path, node.Line, node.Column, "cardinality must be 1 or %q", "unbounded")
	}
}

// resolve turns a raw entity declaration into a typed definition, expanding
// field-group references into components. Group references may nest; a
// reference chain that revisits a group id is a hard failure.
func (d *rawDecl) resolve(groups map[string]*rawDecl) (*schema.EntityDefinition, error) {
	fields, err := resolveFields(d.path, d.fields, groups, map[string]bool{})
	if err != nil {
		return nil, err
	}
	return &schema.EntityDefinition{
		ID:          d.id,
		Name:        d.name,
		Description: d.description,
		Versioned:   d.versioned,
		Cacheable:   d.cacheable,
		Recursive:   d.recursive,
		Fields:      fields,
	}, nil
}

func resolveFields(path string, raw []rawField, groups map[string]*rawDecl, visiting map[string]bool) ([]schema.Field, error) {
	out := make([]schema.Field, 0, len(raw))
	for _, rf := range raw {
		f, err := resolveField(path, rf, groups, visiting)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func resolveField(path string, rf rawField, groups map[string]*rawDecl, visiting map[string]bool) (schema.Field, error) {
	f := schema.Field{
		ID:           rf.id,
		Kind:         schema.Kind(rf.kind),
		Label:        rf.label,
		Description:  rf.description,
		Required:     rf.required,
		Cardinality:  rf.cardinality,
		TargetEntity: rf.targetEntity,
	}
	if schema.Builtin(f.Kind) {
		if f.Kind == schema.KindComponent {
			sub, err := resolveFields(path, rf.fields, groups, visiting)
			if err != nil {
				return f, err
			}
			if len(sub) == 0 {
				return f, errs.InvalidSchema(path, rf.line, rf.col, "component %q has no sub-fields", rf.id)
			}
			f.Fields = sub
		}
		return f, nil
	}

	// Not a builtin kind: must be a field-group reference. The group
	// expands in place as a component named after the referencing field.
	group, ok := groups[rf.kind]
	if !ok {
		return f, errs.InvalidSchema(path, rf.line, rf.col,
			"field %q: unknown type %q (no such kind or field group; quote values containing %q)", rf.id, rf.kind, ":")
	}
	if visiting[rf.kind] {
		return f, errs.InvalidSchema(path, rf.line, rf.col, "field group cycle through %q", rf.kind)
	}
	visiting[rf.kind] = true
	sub, err := resolveFields(group.path, group.fields, groups, visiting)
	delete(visiting, rf.kind)
	if err != nil {
		return f, err
	}
	f.Kind = schema.KindComponent
	f.Fields = sub
	return f, nil
}

func yamlError(path string, err error) error {
	// yaml.v3 reports line numbers in the error text; keep it as the
	// message and point the caller at the file.
	return errs.InvalidSchema(path, 0, 0, "yaml: %v", yamlMessage(err))
}

func yamlMessage(err error) string {
	if te, ok := err.(*yaml.TypeError); ok && len(te.Errors) > 0 {
		return te.Errors[0]
	}
	return err.Error()
}
