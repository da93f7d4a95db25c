package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marainhq/marain/internal/audit"
	"github.com/marainhq/marain/internal/content"
	"github.com/marainhq/marain/internal/jsoncache"
	"github.com/marainhq/marain/internal/loader"
	"github.com/marainhq/marain/internal/paths"
)

// EntityStatus describes one entity's storage state.
type EntityStatus struct {
	ID           string `json:"id"`
	Versioned    bool   `json:"versioned"`
	Materialized bool   `json:"materialized"`
}

// StatusSummary is the status command's result payload.
type StatusSummary struct {
	Environment    string          `json:"environment"`
	Root           string          `json:"root"`
	Entities       []EntityStatus  `json:"entities"`
	Configurations int             `json:"configurations"`
	Cache          jsoncache.Stats `json:"cache"`
	AuditRecords   int             `json:"audit_records"`
}

func (s StatusSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "environment: %s\nroot: %s\n", s.Environment, s.Root)
	fmt.Fprintf(&b, "entities: %d\n", len(s.Entities))
	for _, e := range s.Entities {
		state := "materialized"
		if !e.Materialized {
			state = "tables missing"
		}
		fmt.Fprintf(&b, "  %s (versioned=%v, %s)\n", e.ID, e.Versioned, state)
	}
	fmt.Fprintf(&b, "configurations: %d\n", s.Configurations)
	fmt.Fprintf(&b, "cache: %d entries, %d bytes\n", s.Cache.Entries, s.Cache.TotalBytes)
	fmt.Fprintf(&b, "audit records: %d", s.AuditRecords)
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report schema, storage, cache, and audit state",
		Long: `Load the schema directories and report which entities have their
tables materialized, cache occupancy, and the audit record count. Run it
while the server is stopped; the cache store takes an exclusive lock.

Example:
  marain status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return status(cmd, rootOpts)
		},
	}
	return cmd
}

func status(cmd *cobra.Command, opts *RootOptions) error {
	p, err := paths.Resolve(opts.RootDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve paths", err)
	}
	if err := p.EnsureDirs(); err != nil {
		return WrapExitError(ExitCommandError, "prepare directories", err)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	res, err := loader.LoadAll(p.Schemas, p.Config)
	if err != nil {
		_ = out.Error(err.Error())
		return WrapExitError(ExitFailure, "schema load failed", err)
	}

	summary := StatusSummary{
		Environment:    p.Environment,
		Root:           p.Root,
		Configurations: len(res.Configurations),
	}

	store, err := content.Open(p.ContentDB())
	if err != nil {
		return WrapExitError(ExitCommandError, "open content store", err)
	}
	defer store.Close()
	for _, def := range res.Entities {
		ok, err := store.TablesExist(cmd.Context(), def.Plan().Tables)
		if err != nil {
			return WrapExitError(ExitCommandError, "inspect tables", err)
		}
		summary.Entities = append(summary.Entities, EntityStatus{
			ID: def.ID, Versioned: def.Versioned, Materialized: ok,
		})
	}

	kv, err := jsoncache.OpenStore(p.CacheDir())
	if err != nil {
		return WrapExitError(ExitCommandError, "open cache store", err)
	}
	defer kv.Close()
	stats, err := jsoncache.New(kv).Stats()
	if err != nil {
		return WrapExitError(ExitCommandError, "read cache stats", err)
	}
	summary.Cache = stats

	count, err := audit.VerifyChain(p.AuditLog())
	if err != nil {
		_ = out.Error(fmt.Sprintf("audit chain broken after %d records: %v", count, err))
		return NewExitError(ExitFailure, "audit chain broken")
	}
	summary.AuditRecords = count

	return out.Success(summary)
}
