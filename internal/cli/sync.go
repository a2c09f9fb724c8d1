package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/queue"
	"github.com/roach88/compsync/internal/snapshot"
	"github.com/roach88/compsync/internal/syncer"
)

// CompleteOptions holds flags for the complete command.
type CompleteOptions struct {
	*RootOptions
	UserID      int64
	CourseID    int64
	CompletedAt string
}

// NewCompleteCommand creates the complete command, the host ingress for
// course-completion events.
func NewCompleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompleteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Report a course completion",
		Long: `Record a course completion and sync the user's tenant.

The tenant is resolved from the user. When the tenant is locked the
completion is queued for the next sweep.`,
		Example: `  compsync complete --user 5 --course 10
  compsync complete --user 5 --course 10 --completed-at 2024-03-01T12:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComplete(cmd, opts)
		},
	}

	cmd.Flags().Int64Var(&opts.UserID, "user", 0, "user ID (required)")
	cmd.Flags().Int64Var(&opts.CourseID, "course", 0, "course ID (required)")
	cmd.Flags().StringVar(&opts.CompletedAt, "completed-at", "", "completion time, RFC 3339 (default now)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("course")

	return cmd
}

func runComplete(cmd *cobra.Command, opts *CompleteOptions) error {
	f := formatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	ev := syncer.CompletionEvent{UserID: opts.UserID, CourseID: opts.CourseID}
	if opts.CompletedAt != "" {
		at, err := time.Parse(time.RFC3339, opts.CompletedAt)
		if err != nil {
			return f.failWith(ExitCommandError, ErrCodeGeneric, "invalid --completed-at", err)
		}
		ev.CompletedAt = &at
	}

	return withApp(opts.RootOptions, f, func(app *App) error {
		res := app.Syncer.OnCourseCompleted(cmd.Context(), ev)
		switch res.State {
		case syncer.EventSynced:
			return f.OK(fmt.Sprintf("synced tenant %d (%d records)", res.TenantID, res.Records), res)
		case syncer.EventQueued:
			return f.OK(fmt.Sprintf("queued completion for tenant %d (%s)", res.TenantID, res.Reason), res)
		case syncer.EventSkipped:
			return f.OK(fmt.Sprintf("skipped tenant %d (%s)", res.TenantID, res.Reason), res)
		default:
			return f.failWith(ExitFailure, ErrCodeSync, fmt.Sprintf("completion sync failed for user %d course %d", ev.UserID, ev.CourseID), res.Err)
		}
	})
}

// ProcessQueueOptions holds flags for the process-queue command.
type ProcessQueueOptions struct {
	*RootOptions
	Limit int
}

// NewProcessQueueCommand creates the process-queue command.
func NewProcessQueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProcessQueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "process-queue [tenant-id]",
		Short: "Drain queued completions",
		Long: `Drain pending completion-queue rows. Without a tenant ID every tenant
with pending rows is drained, oldest first. Locked tenants are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcessQueue(cmd, opts, args)
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows to process (default queue.drain_limit)")

	return cmd
}

func runProcessQueue(cmd *cobra.Command, opts *ProcessQueueOptions, args []string) error {
	f := formatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var tenantID int64
	if len(args) == 1 {
		var err error
		if tenantID, err = parseTenantID(args[0]); err != nil {
			_ = f.Fail(ErrCodeGeneric, err.Error(), nil)
			return err
		}
	}

	return withApp(opts.RootOptions, f, func(app *App) error {
		res, err := app.Syncer.ProcessQueue(cmd.Context(), tenantID, opts.Limit)
		if err != nil {
			return f.failWith(ExitFailure, ErrCodeSync, "queue processing failed", err)
		}
		msg := fmt.Sprintf("processed=%d successful=%d failed=%d exhausted=%d skipped_tenants=%d",
			res.Processed, res.Successful, res.Failed, res.Exhausted, res.SkippedTenants)
		if res.Failed > 0 {
			_ = f.Fail(ErrCodeSync, msg, res)
			return NewExitError(ExitFailure, "queue items failed")
		}
		return f.OK(msg, res)
	})
}

// RegenerateOptions holds flags for the regenerate command.
type RegenerateOptions struct {
	*RootOptions
	Now    bool
	Reason string
}

// NewRegenerateCommand creates the regenerate command.
func NewRegenerateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RegenerateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "regenerate [tenant-id]",
		Short: "Request or run a full tenant regeneration",
		Long: `With a tenant ID, queue a full snapshot rebuild for that tenant (--now runs
it immediately). Without a tenant ID, process every pending request.`,
		Example: `  compsync regenerate 7
  compsync regenerate 7 --now
  compsync regenerate`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegenerate(cmd, opts, args)
		},
	}

	cmd.Flags().BoolVar(&opts.Now, "now", false, "process the request immediately")
	cmd.Flags().StringVar(&opts.Reason, "reason", "manual", "reason recorded on the request")

	return cmd
}

func runRegenerate(cmd *cobra.Command, opts *RegenerateOptions, args []string) error {
	f := formatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if len(args) == 0 {
		return withApp(opts.RootOptions, f, func(app *App) error {
			res, err := app.Syncer.ProcessRegenerations(cmd.Context())
			if err != nil {
				return f.failWith(ExitFailure, ErrCodeSync, "regeneration processing failed", err)
			}
			msg := fmt.Sprintf("succeeded=%d failed=%d deferred=%d", res.Succeeded, res.Failed, res.Deferred)
			if res.Failed > 0 {
				_ = f.Fail(ErrCodeSync, msg, res)
				return NewExitError(ExitFailure, "regenerations failed")
			}
			return f.OK(msg, res)
		})
	}

	tenantID, err := parseTenantID(args[0])
	if err != nil {
		_ = f.Fail(ErrCodeGeneric, err.Error(), nil)
		return err
	}

	return withApp(opts.RootOptions, f, func(app *App) error {
		ctx := cmd.Context()
		if !opts.Now {
			created, err := app.Syncer.RequestRegeneration(ctx, tenantID, opts.Reason, "cli")
			if err != nil {
				return f.failWith(ExitFailure, ErrCodeStore, "failed to queue regeneration", err)
			}
			if !created {
				return f.OK(fmt.Sprintf("regeneration already pending for tenant %d", tenantID), nil)
			}
			return f.OK(fmt.Sprintf("regeneration queued for tenant %d", tenantID), nil)
		}

		outcome, err := app.Syncer.RegenerateNow(ctx, tenantID, opts.Reason, "cli")
		if err != nil {
			return f.failWith(ExitFailure, ErrCodeSync, "regeneration failed", err)
		}
		switch outcome {
		case queue.OutcomeSucceeded:
			return f.OK(fmt.Sprintf("tenant %d regenerated", tenantID), outcome.String())
		case queue.OutcomeDeferred:
			_ = f.Fail(ErrCodeBusy, fmt.Sprintf("tenant %d is locked, request left pending", tenantID), nil)
			return NewExitError(ExitFailure, "tenant locked")
		case queue.OutcomeClaimedElsewhere:
			return f.OK(fmt.Sprintf("tenant %d regeneration already in progress", tenantID), outcome.String())
		default:
			req, _, _ := app.Regenerations.Status(ctx, tenantID)
			_ = f.Fail(ErrCodeSync, fmt.Sprintf("tenant %d regeneration failed: %s", tenantID, req.ErrorMessage), req)
			return NewExitError(ExitFailure, "regeneration failed")
		}
	})
}

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	FromSnapshot bool
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push <tenant-id>",
		Short: "Push a tenant's full dataset now",
		Long: `Regenerate the tenant snapshot and push it. With --from-snapshot the stored
snapshot is pushed as-is without touching the record store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.FromSnapshot, "from-snapshot", false, "push the stored snapshot without regenerating")

	return cmd
}

func runPush(cmd *cobra.Command, opts *PushOptions, arg string) error {
	f := formatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	tenantID, err := parseTenantID(arg)
	if err != nil {
		_ = f.Fail(ErrCodeGeneric, err.Error(), nil)
		return err
	}

	return withApp(opts.RootOptions, f, func(app *App) error {
		ctx := cmd.Context()
		var res syncer.SyncResult
		if opts.FromSnapshot {
			res, err = app.Syncer.PushSnapshot(ctx, tenantID)
		} else {
			res, err = app.Syncer.SyncBatch(ctx, tenantID, nil, model.OpManual)
		}

		switch {
		case errors.Is(err, queue.ErrTenantBusy):
			return f.failWith(ExitFailure, ErrCodeBusy, fmt.Sprintf("tenant %d is locked", tenantID), err)
		case errors.Is(err, snapshot.ErrNotFound):
			return f.failWith(ExitFailure, ErrCodeNotFound, fmt.Sprintf("no snapshot for tenant %d", tenantID), err)
		case errors.Is(err, syncer.ErrNotConfigured):
			return f.failWith(ExitFailure, ErrCodeConfig, fmt.Sprintf("tenant %d is not configured", tenantID), err)
		case err != nil:
			return f.failWith(ExitFailure, ErrCodeSync, fmt.Sprintf("push failed for tenant %d", tenantID), err)
		}

		f.VerboseLog("correlation_id=%s duration=%s", res.CorrelationID, res.Outcome.Duration)
		msg := fmt.Sprintf("pushed tenant %d: %s records", tenantID, humanize.Comma(int64(res.Records)))
		return f.OK(msg, res)
	})
}
