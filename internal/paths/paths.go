// Package paths resolves the immutable bundle of base directories every
// other component receives by parameter: where schemas and configuration
// are read from, and where databases, caches, logs, and the audit file
// are written. Nothing else in the process hard-codes a location.
package paths

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/errs"
)

var log = logrus.WithField("component", "paths")

// Recognized ENVIRONMENT values.
const (
	EnvDev  = "dev"
	EnvTest = "test"
	EnvPrd  = "prd"
)

// Environment variable names.
const (
	VarEnvironment   = "ENVIRONMENT"
	VarDataPath      = "DATA_PATH"
	VarSchemaPath    = "ENTITY_SCHEMA_PATH"
	VarConfigPath    = "CONFIGURATION_PATH"
	VarStaticPath    = "STATIC_PATH"
	VarSessionSecret = "SESSION_SECRET_KEY"
)

// markerDirs identify a project root: the directory that contains any of
// these is where relative paths anchor.
var markerDirs = []string{"schemas", ".git"}

// Paths is the resolved bundle. All directory fields are absolute.
type Paths struct {
	Environment string
	Root        string

	Data    string
	Schemas string
	Config  string
	Static  string

	// SessionSecret is the decoded SESSION_SECRET_KEY, nil when unset.
	SessionSecret []byte
}

// Resolve builds the bundle: discover the project root starting at
// startDir (the working directory when empty), overlay a .env file from
// the root if present (real environment wins), read the variables, and
// anchor relative paths at the root. The watched directories and the
// data directory must be disjoint.
func Resolve(startDir string) (*Paths, error) {
	if startDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errs.Configuration("determine working directory: %v", err)
		}
		startDir = wd
	}
	root := findRoot(startDir)

	if err := godotenv.Load(filepath.Join(root, ".env")); err == nil {
		log.WithField("root", root).Debug("loaded .env overlay")
	}

	env := getenv(VarEnvironment, EnvDev)
	switch env {
	case EnvDev, EnvTest, EnvPrd:
	default:
		return nil, errs.Configuration("%s must be one of dev, test, prd; got %q", VarEnvironment, env)
	}

	p := &Paths{
		Environment: env,
		Root:        root,
		Data:        anchor(root, getenv(VarDataPath, "./data")),
		Schemas:     anchor(root, getenv(VarSchemaPath, "./schemas")),
		Config:      anchor(root, getenv(VarConfigPath, "./config")),
		Static:      anchor(root, getenv(VarStaticPath, "./static")),
	}

	if raw := os.Getenv(VarSessionSecret); raw != "" {
		secret, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, errs.Configuration("%s is not valid base64: %v", VarSessionSecret, err)
		}
		p.SessionSecret = secret
	} else if env == EnvPrd {
		return nil, errs.Configuration("%s is required when %s=prd", VarSessionSecret, VarEnvironment)
	}

	if err := p.checkOverlap(); err != nil {
		return nil, err
	}
	return p, nil
}

// Composed locations under DATA_PATH.

// ContentDB is the relational store for entities and revisions.
func (p *Paths) ContentDB() string { return filepath.Join(p.Data, "content", "marain.db") }

// CacheDir holds the persistent KV store backing the JSON cache.
func (p *Paths) CacheDir() string { return filepath.Join(p.Data, "json-cache") }

// AuditLog is the hash-chained audit file.
func (p *Paths) AuditLog() string { return filepath.Join(p.Data, "user-backend", "secure.log") }

// LogsDir holds process logs. Never inside a watched directory.
func (p *Paths) LogsDir() string { return filepath.Join(p.Data, "logs") }

// WatchedDirs are the directories the reload watcher observes.
func (p *Paths) WatchedDirs() []string { return []string{p.Schemas, p.Config} }

// EnsureDirs creates the written-to directories.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{
		filepath.Dir(p.ContentDB()),
		p.CacheDir(),
		filepath.Dir(p.AuditLog()),
		p.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errs.Configuration("create %s: %v", dir, err)
		}
	}
	return nil
}

// checkOverlap rejects bundles where a watched directory and the data
// directory contain one another. A database or log landing inside a
// watched directory makes every write look like a schema change and the
// reload loop feeds itself.
func (p *Paths) checkOverlap() error {
	for _, watched := range p.WatchedDirs() {
		if within(watched, p.Data) || within(p.Data, watched) {
			return errs.Configuration("watched directory %s overlaps data directory %s", watched, p.Data)
		}
	}
	return nil
}

// within reports whether path is dir itself or inside it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// findRoot walks up from start looking for a directory holding one of
// the marker directories. Falls back to start when nothing matches.
func findRoot(start string) string {
	dir, err := filepath.Abs(start)
	if err != nil {
		return start
	}
	for probe := dir; ; {
		for _, marker := range markerDirs {
			if info, err := os.Stat(filepath.Join(probe, marker)); err == nil && info.IsDir() {
				return probe
			}
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return dir
		}
		probe = parent
	}
}

// anchor resolves value against root unless it is already absolute.
func anchor(root, value string) string {
	if filepath.IsAbs(value) {
		return filepath.Clean(value)
	}
	return filepath.Join(root, value)
}

func getenv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
