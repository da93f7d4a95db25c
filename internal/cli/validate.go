package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marainhq/marain/internal/loader"
	"github.com/marainhq/marain/internal/paths"
)

// ValidationSummary is the validate command's result payload.
type ValidationSummary struct {
	Entities       int      `json:"entities"`
	Configurations int      `json:"configurations"`
	Files          int      `json:"files"`
	EntityIDs      []string `json:"entity_ids"`
}

func (s ValidationSummary) String() string {
	return fmt.Sprintf("OK: %d entities, %d configurations across %d files", s.Entities, s.Configurations, s.Files)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the schema and configuration directories",
		Long: `Parse every schema and configuration file without touching the
database. Exits non-zero when any file fails validation, printing the
file, line, and column when available.

Example:
  marain validate
  marain validate --root /srv/site --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(cmd, rootOpts)
		},
	}
	return cmd
}

func validate(cmd *cobra.Command, opts *RootOptions) error {
	p, err := paths.Resolve(opts.RootDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve paths", err)
	}
	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}

	res, err := loader.LoadAll(p.Schemas, p.Config)
	if err != nil {
		_ = out.Error(err.Error())
		return WrapExitError(ExitFailure, "validation failed", err)
	}

	summary := ValidationSummary{
		Entities:       len(res.Entities),
		Configurations: len(res.Configurations),
		Files:          len(res.Hashes),
	}
	for _, e := range res.Entities {
		summary.EntityIDs = append(summary.EntityIDs, e.ID)
	}
	return out.Success(summary)
}
