package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/compsync/internal/model"
)

// NewLockCommand creates the lock command group.
func NewLockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect and release tenant locks",
	}
	cmd.AddCommand(newLockShowCommand(rootOpts))
	cmd.AddCommand(newLockReleaseCommand(rootOpts))
	return cmd
}

func newLockShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [tenant-id]",
		Short: "Show live tenant locks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			var tenantID int64
			if len(args) == 1 {
				var err error
				if tenantID, err = parseTenantID(args[0]); err != nil {
					_ = f.Fail(ErrCodeGeneric, err.Error(), nil)
					return err
				}
			}

			return withApp(opts, f, func(app *App) error {
				ctx := cmd.Context()
				var leases []model.Lock
				if tenantID != 0 {
					lease, held, err := app.Locks.Get(ctx, tenantID)
					if err != nil {
						return f.failWith(ExitCommandError, ErrCodeStore, "failed to read lock", err)
					}
					if !held {
						return f.OK(fmt.Sprintf("tenant %d is unlocked", tenantID), nil)
					}
					leases = []model.Lock{lease}
				} else {
					var err error
					if leases, err = app.Locks.List(ctx); err != nil {
						return f.failWith(ExitCommandError, ErrCodeStore, "failed to list locks", err)
					}
				}

				now := app.Clock.Now()
				rows := make([][]string, 0, len(leases))
				for _, l := range leases {
					rows = append(rows, []string{
						strconv.FormatInt(l.TenantID, 10),
						l.Operation,
						l.Holder,
						l.AcquiredAt.UTC().Format(time.RFC3339),
						humanize.RelTime(l.ExpiresAt, now, "ago", "from now"),
					})
				}
				f.Table([]string{"TENANT", "OPERATION", "HOLDER", "ACQUIRED", "EXPIRES"}, rows)
				return f.OK(fmt.Sprintf("%d locks held", len(leases)), leases)
			})
		},
	}
}

func newLockReleaseCommand(opts *RootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "release <tenant-id>",
		Short: "Release a tenant lock",
		Long: `Release a tenant lock. Without --force only an expired lease is cleared;
--force deletes a live lease held by another process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			tenantID, err := parseTenantID(args[0])
			if err != nil {
				_ = f.Fail(ErrCodeGeneric, err.Error(), nil)
				return err
			}

			return withApp(opts, f, func(app *App) error {
				ctx := cmd.Context()
				if force {
					removed, err := app.Locks.ForceRelease(ctx, tenantID)
					if err != nil {
						return f.failWith(ExitFailure, ErrCodeStore, "failed to release lock", err)
					}
					if !removed {
						return f.OK(fmt.Sprintf("tenant %d was not locked", tenantID), nil)
					}
					return f.OK(fmt.Sprintf("tenant %d lock force-released", tenantID), nil)
				}

				locked, err := app.Locks.IsLocked(ctx, tenantID)
				if err != nil {
					return f.failWith(ExitFailure, ErrCodeStore, "failed to read lock", err)
				}
				if locked {
					_ = f.Fail(ErrCodeBusy, fmt.Sprintf("tenant %d holds a live lock; use --force to remove it", tenantID), nil)
					return NewExitError(ExitFailure, "tenant locked")
				}
				return f.OK(fmt.Sprintf("tenant %d is unlocked", tenantID), nil)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "delete a live lease regardless of holder")

	return cmd
}
