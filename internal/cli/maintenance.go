package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/compsync/internal/syncer"
)

// NewCleanupCommand creates the cleanup command.
func NewCleanupCommand(rootOpts *RootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge old terminal queue and regeneration rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if days < 0 {
				_ = f.Fail(ErrCodeGeneric, "--days must not be negative", nil)
				return NewExitError(ExitCommandError, "invalid --days")
			}

			return withApp(rootOpts, f, func(app *App) error {
				retention := time.Duration(days) * 24 * time.Hour
				res, err := app.Syncer.Cleanup(cmd.Context(), retention)
				if err != nil {
					return f.failWith(ExitFailure, ErrCodeStore, "cleanup failed", err)
				}
				return f.OK(fmt.Sprintf("purged queue=%d regenerations=%d", res.Queue, res.Regenerations), res)
			})
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default sweep.retention)")

	return cmd
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep: drain queues, process regenerations, purge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return withApp(rootOpts, f, func(app *App) error {
				report, err := app.Syncer.Sweep(cmd.Context())
				if err != nil {
					return f.failWith(ExitFailure, ErrCodeSync, "sweep failed", err)
				}
				return reportSweep(f, report)
			})
		},
	}
}

func reportSweep(f *OutputFormatter, r syncer.SweepReport) error {
	if r.Skipped {
		return f.OK("sweep skipped, another sweep is running on this host", r)
	}
	msg := fmt.Sprintf("sweep %s: queue processed=%d failed=%d; regenerations succeeded=%d failed=%d deferred=%d; purged=%d; tenant_errors=%d",
		r.ID, r.Queue.Processed, r.Queue.Failed,
		r.Regenerations.Succeeded, r.Regenerations.Failed, r.Regenerations.Deferred,
		r.PurgedQueue+r.PurgedRegens, r.TenantErrors)
	if r.TenantErrors > 0 || r.Queue.Failed > 0 || r.Regenerations.Failed > 0 {
		_ = f.Fail(ErrCodeSync, msg, r)
		return NewExitError(ExitFailure, "sweep finished with failures")
	}
	return f.OK(msg, r)
}
