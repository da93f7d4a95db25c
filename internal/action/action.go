// Package action turns classified diffs into ordered, reversible units of
// change and executes them: DDL inside one transaction, configuration
// swaps and cache invalidations staged until after commit.
package action

import (
	"encoding/json"
	"sort"
)

// Op names one kind of action.
type Op string

const (
	OpCreateTable     Op = "create_table"
	OpDropTable       Op = "drop_table"
	OpAddColumn       Op = "add_column"
	OpDropColumn      Op = "drop_column"
	OpCreateIndex     Op = "create_index"
	OpDropIndex       Op = "drop_index"
	OpCopyData        Op = "copy_data"
	OpUpdateConfig    Op = "update_config"
	OpInvalidateCache Op = "invalidate_cache"
	OpNoOp            Op = "noop"
)

// Action is one reversible unit of change. DDL ops carry the statements to
// run; CopyData carries the DML relocating values during a cardinality
// change; UpdateConfig carries the replacement value tree; InvalidateCache
// names the entity whose cache entries must go.
type Action struct {
	Op     Op       `json:"op"`
	Entity string   `json:"entity,omitempty"`
	Table  string   `json:"table,omitempty"`
	Column string   `json:"column,omitempty"`
	SQL    []string `json:"sql,omitempty"`

	ConfigID     string         `json:"config_id,omitempty"`
	ConfigValues map[string]any `json:"config_values,omitempty"`

	// Note explains NoOp and irreversible actions in reports.
	Note string `json:"note,omitempty"`

	// Irreversible marks actions whose rollback cannot restore state
	// (dropping a column discards its data). The generator still emits a
	// rollback entry so the version log stays uniform.
	Irreversible bool `json:"irreversible,omitempty"`

	// Rollback undoes this action. NoOp for irreversible ones.
	Rollback *Action `json:"rollback,omitempty"`
}

// IsDDL reports whether the action runs inside the database transaction.
func (a Action) IsDDL() bool {
	switch a.Op {
	case OpCreateTable, OpDropTable, OpAddColumn, OpDropColumn, OpCreateIndex, OpDropIndex, OpCopyData:
		return true
	}
	return false
}

// noop builds a NoOp action carrying an explanatory note.
func noop(note string) *Action {
	return &Action{Op: OpNoOp, Note: note}
}

// EncodeList serializes actions for the file_versions table.
func EncodeList(actions []Action) (string, error) {
	b, err := json.Marshal(actions)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeList is the inverse of EncodeList.
func DecodeList(s string) ([]Action, error) {
	if s == "" {
		return nil, nil
	}
	var out []Action
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Rollbacks extracts the rollback list for a set of applied actions, in
// reverse application order.
func Rollbacks(actions []Action) []Action {
	out := make([]Action, 0, len(actions))
	for i := len(actions) - 1; i >= 0; i-- {
		if rb := actions[i].Rollback; rb != nil {
			out = append(out, *rb)
		}
	}
	return out
}

// Order sorts actions into safe application order: table creation first,
// then column additions, then indexes, then data copies, config swaps and
// cache invalidations, drops last. Relative order within a class is
// preserved, so copies run while both source and destination exist.
func Order(actions []Action) []Action {
	rank := func(a Action) int {
		switch a.Op {
		case OpCreateTable:
			return 0
		case OpAddColumn:
			return 1
		case OpCreateIndex:
			return 2
		case OpCopyData, OpUpdateConfig, OpInvalidateCache, OpNoOp:
			return 3
		case OpDropColumn, OpDropIndex:
			return 4
		case OpDropTable:
			return 5
		}
		return 3
	}
	out := make([]Action, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}
