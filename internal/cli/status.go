package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/snapshot"
	"github.com/roach88/compsync/internal/store"
)

// TenantStatus is the status view of one tenant.
type TenantStatus struct {
	TenantID     int64                      `json:"tenant_id"`
	Name         string                     `json:"name,omitempty"`
	Configured   bool                       `json:"configured"`
	Lock         *model.Lock                `json:"lock,omitempty"`
	Queue        map[string]int             `json:"queue"`
	Regeneration *model.RegenerationRequest `json:"regeneration,omitempty"`
	Snapshot     *model.SnapshotMeta        `json:"snapshot,omitempty"`
	Attempts     map[string]int             `json:"attempts"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [tenant-id]",
		Short: "Show lock, queue, regeneration and snapshot state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts, args)
		},
	}
}

func runStatus(cmd *cobra.Command, opts *RootOptions, args []string) error {
	f := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var only int64
	if len(args) == 1 {
		var err error
		if only, err = parseTenantID(args[0]); err != nil {
			_ = f.Fail(ErrCodeGeneric, err.Error(), nil)
			return err
		}
	}

	return withApp(opts, f, func(app *App) error {
		ctx := cmd.Context()

		var tenants []model.Tenant
		if only != 0 {
			tenants = []model.Tenant{{ID: only}}
		} else {
			var err error
			if tenants, err = app.Store.ListTenants(ctx); err != nil {
				return f.failWith(ExitCommandError, ErrCodeStore, "failed to list tenants", err)
			}
		}

		statuses := make([]TenantStatus, 0, len(tenants))
		for _, t := range tenants {
			st, err := tenantStatus(ctx, app, t)
			if err != nil {
				return f.failWith(ExitCommandError, ErrCodeStore, fmt.Sprintf("failed to read tenant %d", t.ID), err)
			}
			statuses = append(statuses, st)
		}

		f.Table([]string{"TENANT", "CONFIGURED", "LOCK", "PENDING", "FAILED", "REGENERATION", "SNAPSHOT", "ERRORS"},
			statusRows(statuses, app.Clock.Now()))
		return f.OK(fmt.Sprintf("%d tenants", len(statuses)), statuses)
	})
}

func tenantStatus(ctx context.Context, app *App, t model.Tenant) (TenantStatus, error) {
	st := TenantStatus{TenantID: t.ID, Name: t.Name}

	if _, err := app.Rules.Get(ctx, t.ID); err == nil {
		if _, err := app.Store.ActiveCredential(ctx, t.ID); err == nil {
			st.Configured = true
		} else if !errors.Is(err, store.ErrNotFound) {
			return st, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return st, err
	}

	lease, held, err := app.Locks.Get(ctx, t.ID)
	if err != nil {
		return st, err
	}
	if held {
		st.Lock = &lease
	}

	if st.Queue, err = app.Completions.Counts(ctx, t.ID); err != nil {
		return st, err
	}

	req, found, err := app.Regenerations.Status(ctx, t.ID)
	if err != nil {
		return st, err
	}
	if found {
		st.Regeneration = &req
	}

	meta, err := app.Snapshots.Meta(t.ID)
	switch {
	case err == nil:
		st.Snapshot = &meta
	case !errors.Is(err, snapshot.ErrNotFound):
		return st, err
	}

	if st.Attempts, err = app.Audit.Counts(ctx, t.ID); err != nil {
		return st, err
	}
	return st, nil
}

func statusRows(statuses []TenantStatus, now time.Time) [][]string {
	rows := make([][]string, 0, len(statuses))
	for _, st := range statuses {
		lock := "-"
		if st.Lock != nil {
			lock = fmt.Sprintf("%s (expires %s)", st.Lock.Operation, humanize.RelTime(st.Lock.ExpiresAt, now, "ago", "from now"))
		}
		regen := "-"
		if st.Regeneration != nil {
			regen = st.Regeneration.Status
		}
		snap := "-"
		if st.Snapshot != nil {
			snap = fmt.Sprintf("%s records, %s, %s", humanize.Comma(int64(st.Snapshot.RecordCount)),
				humanize.Bytes(uint64(st.Snapshot.SizeBytes)), humanize.RelTime(st.Snapshot.GeneratedAt, now, "ago", "from now"))
		}
		rows = append(rows, []string{
			strconv.FormatInt(st.TenantID, 10),
			strconv.FormatBool(st.Configured),
			lock,
			strconv.Itoa(st.Queue[model.StatusPending]),
			strconv.Itoa(st.Queue[model.StatusFailed]),
			regen,
			snap,
			strconv.Itoa(st.Attempts[model.AttemptError]),
		})
	}
	return rows
}

// AttemptsOptions holds flags for the attempts command.
type AttemptsOptions struct {
	*RootOptions
	Limit int
}

// NewAttemptsCommand creates the attempts command.
func NewAttemptsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AttemptsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "attempts [tenant-id]",
		Short: "List recent sync attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttempts(cmd, opts, args)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum attempts to list")

	return cmd
}

func runAttempts(cmd *cobra.Command, opts *AttemptsOptions, args []string) error {
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
		attempts, err := app.Audit.Recent(cmd.Context(), tenantID, opts.Limit)
		if err != nil {
			return f.failWith(ExitCommandError, ErrCodeStore, "failed to list attempts", err)
		}

		rows := make([][]string, 0, len(attempts))
		for _, a := range attempts {
			rows = append(rows, []string{
				a.SyncedAt.UTC().Format(time.RFC3339),
				strconv.FormatInt(a.TenantID, 10),
				strconv.FormatInt(a.UserID, 10),
				strconv.FormatInt(a.CourseID, 10),
				a.Status,
				a.CorrelationID,
				a.ErrorMessage,
			})
		}
		f.Table([]string{"SYNCED AT", "TENANT", "USER", "COURSE", "STATUS", "CORRELATION", "ERROR"}, rows)
		return f.OK(fmt.Sprintf("%d attempts", len(attempts)), attempts)
	})
}
