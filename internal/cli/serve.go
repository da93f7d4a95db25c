package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/marainhq/marain/internal/manager"
	"github.com/marainhq/marain/internal/paths"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	AcceptBreaking bool
	Debounce       time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load schemas and serve the content engine",
		Long: `Load entity schemas and configuration, materialize any missing
tables, and keep serving while watching the schema and configuration
directories for changes. Breaking schema changes are refused unless
--accept-breaking is set.

Example:
  marain serve
  marain serve --root /srv/site --accept-breaking`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.AcceptBreaking, "accept-breaking", false, "apply destructive schema changes on reload")
	cmd.Flags().DurationVar(&opts.Debounce, "debounce", 400*time.Millisecond, "quiescent window before a file change is applied")

	return cmd
}

func serve(cmd *cobra.Command, opts *ServeOptions) error {
	p, err := paths.Resolve(opts.RootDir)
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve paths", err)
	}

	m, err := manager.New(p, manager.Options{
		AcceptBreaking: opts.AcceptBreaking,
		Debounce:       opts.Debounce,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "initialize", err)
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			logrus.WithError(closeErr).Error("shutdown error")
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logrus.WithField("signal", sig.String()).Info("shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := m.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "start", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Serving %d entities from %s\n", len(m.Registry().Entities()), p.Schemas)
	fmt.Fprintln(cmd.OutOrStdout(), "Watching for schema changes. Press Ctrl-C to stop.")

	<-ctx.Done()
	logrus.Info("stopped")
	return nil
}
