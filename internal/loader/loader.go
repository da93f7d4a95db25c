// Package loader parses the declarative files — entity schemas, field
// groups, and configurations — into the typed objects the registry holds.
// Failures carry the file path and the line/column of the offending token.
// Nothing is registered partially: one bad file fails the whole load.
package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/schema"
)

const (
	schemaSuffix = ".schema.yaml"
	configPrefix = "config."
	configSuffix = ".yaml"
)

var log = logrus.WithField("component", "loader")

// IsSchemaFile reports whether name looks like an entity schema or field
// group declaration.
func IsSchemaFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, schemaSuffix) && !strings.HasPrefix(base, configPrefix)
}

// IsConfigFile reports whether name looks like a configuration file. The
// segment between "config." and ".yaml" becomes the configuration id.
func IsConfigFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, configPrefix) && strings.HasSuffix(base, configSuffix)
}

// Watched is the naming predicate shared with the file watcher: only files
// the loader would parse are worth reacting to.
func Watched(name string) bool {
	return IsSchemaFile(name) || IsConfigFile(name)
}

// ConfigID extracts the configuration id from a config file name, e.g.
// "config.smtp.yaml" → "smtp".
func ConfigID(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(strings.TrimPrefix(base, configPrefix), configSuffix)
}

// Result is a fully validated load: the entity and configuration vectors
// plus the content hash of every file that contributed.
type Result struct {
	Entities       []*schema.EntityDefinition
	Configurations []*schema.Configuration
	Hashes         map[string]string
	// Sources maps each schema file path to the entity id it declares.
	// The reload path uses it to resolve which entity a deleted file held.
	Sources map[string]string
}

// Entity returns the loaded entity with the given id.
func (r *Result) Entity(id string) (*schema.EntityDefinition, bool) {
	for _, e := range r.Entities {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// LoadAll walks both directories and parses every matching file. Entities
// and groups load in name order so results are deterministic. A missing
// directory is treated as empty.
func LoadAll(schemaDir, configDir string) (*Result, error) {
	res := &Result{Hashes: make(map[string]string), Sources: make(map[string]string)}

	schemaFiles, err := listMatching(schemaDir, IsSchemaFile)
	if err != nil {
		return nil, err
	}
	configFiles, err := listMatching(configDir, IsConfigFile)
	if err != nil {
		return nil, err
	}

	// Pass 1: parse every schema file into its raw declaration. Field
	// groups must all be known before any entity resolves its fields.
	groups := make(map[string]*rawDecl)
	var entities []*rawDecl
	for _, path := range schemaFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Storage(false, fmt.Sprintf("read %s", path), err)
		}
		res.Hashes[path] = HashBytes(data)

		decl, err := parseSchemaFile(path, data)
		if err != nil {
			return nil, err
		}
		if decl.group {
			if prev, ok := groups[decl.id]; ok {
				return nil, errs.Conflict("field group %q declared in both %s and %s", decl.id, prev.path, decl.path)
			}
			groups[decl.id] = decl
		} else {
			entities = append(entities, decl)
		}
	}

	// Pass 2: resolve field groups and validate each entity.
	seen := make(map[string]string)
	for _, decl := range entities {
		if prev, ok := seen[decl.id]; ok {
			return nil, errs.Conflict("entity %q declared in both %s and %s", decl.id, prev, decl.path)
		}
		seen[decl.id] = decl.path

		def, err := decl.resolve(groups)
		if err != nil {
			return nil, err
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", decl.path, err)
		}
		res.Entities = append(res.Entities, def)
		res.Sources[decl.path] = def.ID
	}

	// Reference targets resolve against the whole loaded set, so forward
	// and self references are legal, but a target no file declares fails
	// the load before anything registers.
	for _, def := range res.Entities {
		for _, f := range schema.Flatten(def.Fields) {
			if f.Kind != schema.KindEntityReference {
				continue
			}
			if _, ok := res.Entity(f.TargetEntity); !ok {
				return nil, errs.InvalidSchema(seen[def.ID], 0, 0,
					"entity %q: field %q: target_entity %q is not a declared entity",
					def.ID, f.ID, f.TargetEntity)
			}
		}
	}

	// Configurations: same id across files merges, later file wins.
	byID := make(map[string]*schema.Configuration)
	var order []string
	for _, path := range configFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Storage(false, fmt.Sprintf("read %s", path), err)
		}
		res.Hashes[path] = HashBytes(data)

		cfg, err := ParseConfig(path, data)
		if err != nil {
			return nil, err
		}
		if prev, ok := byID[cfg.ID]; ok {
			prev.Merge(cfg)
			continue
		}
		byID[cfg.ID] = cfg
		order = append(order, cfg.ID)
	}
	for _, id := range order {
		res.Configurations = append(res.Configurations, byID[id])
	}

	log.WithFields(logrus.Fields{
		"entities":       len(res.Entities),
		"configurations": len(res.Configurations),
		"field_groups":   len(groups),
	}).Info("schema load complete")
	return res, nil
}

// LoadEntityFile parses and resolves a single schema file against the
// groups already on disk. Used by the hot-reload path for one changed file.
func LoadEntityFile(path string, groups map[string]*rawDecl) (*schema.EntityDefinition, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", errs.Storage(false, fmt.Sprintf("read %s", path), err)
	}
	decl, err := parseSchemaFile(path, data)
	if err != nil {
		return nil, "", err
	}
	if decl.group {
		return nil, "", errs.InvalidSchema(path, 0, 0, "expected an entity declaration, found field group %q", decl.id)
	}
	def, err := decl.resolve(groups)
	if err != nil {
		return nil, "", err
	}
	if err := def.Validate(); err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return def, HashBytes(data), nil
}

// LoadGroups parses only the field-group declarations in a directory.
func LoadGroups(schemaDir string) (map[string]*rawDecl, error) {
	files, err := listMatching(schemaDir, IsSchemaFile)
	if err != nil {
		return nil, err
	}
	groups := make(map[string]*rawDecl)
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errs.Storage(false, fmt.Sprintf("read %s", path), err)
		}
		decl, err := parseSchemaFile(path, data)
		if err != nil {
			return nil, err
		}
		if decl.group {
			groups[decl.id] = decl
		}
	}
	return groups, nil
}

// HashBytes returns the hex SHA-256 of a file's contents. The same hash
// feeds the version tracker and the diff short-circuit.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile hashes a file on disk.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", errs.Storage(false, fmt.Sprintf("read %s", path), err)
	}
	return HashBytes(data), nil
}

// CountFiles returns how many loadable files exist under the two roots.
// The registry's bootstrap count-check compares this against its
// in-memory totals.
func CountFiles(schemaDir, configDir string) (int, error) {
	s, err := listMatching(schemaDir, IsSchemaFile)
	if err != nil {
		return 0, err
	}
	c, err := listMatching(configDir, IsConfigFile)
	if err != nil {
		return 0, err
	}
	return len(s) + len(c), nil
}

func listMatching(dir string, match func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(false, fmt.Sprintf("list %s", dir), err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !match(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
