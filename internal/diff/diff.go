// Package diff compares two parsed declaration trees for the same file and
// classifies every change as Safe, Warning, or Breaking. The action
// generator consumes the structured result; classification decides whether
// a reload may proceed without explicit acceptance.
package diff

import (
	"fmt"
	"sort"
)

// ChangeKind labels one entry in a structural diff.
type ChangeKind string

const (
	Added        ChangeKind = "added"
	Removed      ChangeKind = "removed"
	TypeChanged  ChangeKind = "type_changed"
	ValueChanged ChangeKind = "value_changed"
)

// Severity orders classifications; higher dominates.
type Severity int

const (
	Safe Severity = iota
	Warning
	Breaking
)

func (s Severity) String() string {
	switch s {
	case Safe:
		return "safe"
	case Warning:
		return "warning"
	case Breaking:
		return "breaking"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Change is one difference between the old and new trees, located by a
// dotted path. Sequence items carrying an "id" key are addressed by that
// id rather than by index, so field edits produce stable paths like
// "fields.title.type".
type Change struct {
	Kind     ChangeKind
	Path     string
	Old, New any
	Severity Severity
}

// Cosmetic reports whether the change affects only presentation keys and
// warrants no action.
func (c Change) Cosmetic() bool {
	last := lastSegment(c.Path)
	return last == "label" || last == "description"
}

// Diff is the classified comparison of one file's old and new trees.
type Diff struct {
	Changes []Change
}

// Empty reports whether the trees were identical.
func (d Diff) Empty() bool { return len(d.Changes) == 0 }

// Severity returns the strongest classification present, Safe when empty.
func (d Diff) Severity() Severity {
	max := Safe
	for _, c := range d.Changes {
		if c.Severity > max {
			max = c.Severity
		}
	}
	return max
}

// Compare walks the two trees and returns the classified diff. Both trees
// come from the YAML loader, so values are strings, ints, floats, bools,
// []any and map[string]any.
func Compare(oldTree, newTree map[string]any) Diff {
	var d Diff
	compareMaps("", oldTree, newTree, &d)
	for i := range d.Changes {
		d.Changes[i].Severity = classify(d.Changes[i])
	}
	return d
}

func compareMaps(prefix string, oldM, newM map[string]any, d *Diff) {
	keys := make([]string, 0, len(oldM)+len(newM))
	seen := make(map[string]bool)
	for k := range oldM {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range newM {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := joinPath(prefix, k)
		ov, inOld := oldM[k]
		nv, inNew := newM[k]
		switch {
		case !inOld:
			d.Changes = append(d.Changes, Change{Kind: Added, Path: path, New: nv})
		case !inNew:
			d.Changes = append(d.Changes, Change{Kind: Removed, Path: path, Old: ov})
		default:
			compareValues(path, ov, nv, d)
		}
	}
}

func compareValues(path string, ov, nv any, d *Diff) {
	om, oIsMap := ov.(map[string]any)
	nm, nIsMap := nv.(map[string]any)
	if oIsMap && nIsMap {
		compareMaps(path, om, nm, d)
		return
	}

	os, oIsSeq := ov.([]any)
	ns, nIsSeq := nv.([]any)
	if oIsSeq && nIsSeq {
		compareSequences(path, os, ns, d)
		return
	}

	if typeName(ov) != typeName(nv) {
		d.Changes = append(d.Changes, Change{Kind: TypeChanged, Path: path, Old: ov, New: nv})
		return
	}
	if !scalarEqual(ov, nv) {
		d.Changes = append(d.Changes, Change{Kind: ValueChanged, Path: path, Old: ov, New: nv})
	}
}

// compareSequences addresses items by their "id" key when every item on
// both sides has one; otherwise items compare positionally.
func compareSequences(path string, os, ns []any, d *Diff) {
	oByID, oKeyed := keyByID(os)
	nByID, nKeyed := keyByID(ns)
	if oKeyed && nKeyed {
		compareMaps(path, oByID, nByID, d)
		return
	}

	n := len(os)
	if len(ns) > n {
		n = len(ns)
	}
	for i := 0; i < n; i++ {
		itemPath := fmt.Sprintf("%s.%d", path, i)
		switch {
		case i >= len(os):
			d.Changes = append(d.Changes, Change{Kind: Added, Path: itemPath, New: ns[i]})
		case i >= len(ns):
			d.Changes = append(d.Changes, Change{Kind: Removed, Path: itemPath, Old: os[i]})
		default:
			compareValues(itemPath, os[i], ns[i], d)
		}
	}
}

func keyByID(items []any) (map[string]any, bool) {
	out := make(map[string]any, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		id, ok := m["id"].(string)
		if !ok || id == "" {
			return nil, false
		}
		out[id] = m
	}
	return out, true
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int64, float64:
		return "number"
	case []any:
		return "sequence"
	case map[string]any:
		return "map"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func scalarEqual(a, b any) bool {
	if na, ok := toFloat(a); ok {
		nb, _ := toFloat(b)
		return na == nb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func lastSegment(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i+1:]
		}
	}
	return path
}
