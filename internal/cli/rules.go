package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/compsync/internal/model"
	"github.com/roach88/compsync/internal/rules"
	"github.com/roach88/compsync/internal/store"
)

// NewRulesCommand creates the rules command group.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage per-tenant sync rules",
		Long: `Manage sync rules. Rules files are CUE:

  rule: "7": {
      frameworks: ["SOC 2"]
      courses: [10, 11]
      mode: "ALL"
      resource_id: "acme-training"
  }

Saving a changed rule queues a full regeneration for the tenant.`,
	}
	cmd.AddCommand(newRulesValidateCommand(rootOpts))
	cmd.AddCommand(newRulesImportCommand(rootOpts))
	cmd.AddCommand(newRulesShowCommand(rootOpts))
	cmd.AddCommand(newRulesDeleteCommand(rootOpts))
	return cmd
}

func newRulesValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a rules file or directory without saving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			loaded, err := rules.Load(args[0])
			if err != nil {
				return failRules(f, err)
			}

			var verrs []rules.ValidationError
			for _, r := range loaded {
				verrs = append(verrs, rules.Validate(r)...)
			}
			if len(verrs) > 0 {
				return failValidation(f, verrs)
			}
			return f.OK(fmt.Sprintf("%d rules valid", len(loaded)), loaded)
		},
	}
}

func newRulesImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <path>",
		Short: "Validate and save every rule in a rules file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			return withApp(opts, f, func(app *App) error {
				results, err := app.Rules.Import(cmd.Context(), args[0], "cli")
				if err != nil {
					var verr rules.ValidationError
					var lerr *rules.LoadError
					if errors.As(err, &verr) || errors.As(err, &lerr) {
						return failRules(f, err)
					}
					return f.failWith(ExitFailure, ErrCodeStore, "rules import failed", err)
				}

				var changed, queued int
				for _, r := range results {
					if r.Changed {
						changed++
					}
					if r.Queued {
						queued++
					}
				}
				return f.OK(fmt.Sprintf("imported %d rules: %d changed, %d regenerations queued", len(results), changed, queued), results)
			})
		},
	}
}

func newRulesShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [tenant-id]",
		Short: "Show stored rules",
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
				var list []model.SyncRule
				if tenantID != 0 {
					r, err := app.Rules.Get(ctx, tenantID)
					if errors.Is(err, store.ErrNotFound) {
						return f.failWith(ExitFailure, ErrCodeNotFound, fmt.Sprintf("no rule for tenant %d", tenantID), err)
					}
					if err != nil {
						return f.failWith(ExitCommandError, ErrCodeStore, "failed to read rule", err)
					}
					list = []model.SyncRule{r}
				} else {
					var err error
					if list, err = app.Rules.List(ctx); err != nil {
						return f.failWith(ExitCommandError, ErrCodeStore, "failed to list rules", err)
					}
				}

				rows := make([][]string, 0, len(list))
				for _, r := range list {
					courses := make([]string, len(r.Courses))
					for i, c := range r.Courses {
						courses[i] = strconv.FormatInt(c, 10)
					}
					rows = append(rows, []string{
						strconv.FormatInt(r.TenantID, 10),
						string(r.CompletionMode),
						strings.Join(courses, ","),
						strings.Join(r.Frameworks, ", "),
						r.ResourceID,
					})
				}
				f.Table([]string{"TENANT", "MODE", "COURSES", "FRAMEWORKS", "RESOURCE"}, rows)
				return f.OK(fmt.Sprintf("%d rules", len(list)), list)
			})
		},
	}
}

func newRulesDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Delete a tenant's rule; the remote dataset is left as is",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			tenantID, err := parseTenantID(args[0])
			if err != nil {
				_ = f.Fail(ErrCodeGeneric, err.Error(), nil)
				return err
			}

			return withApp(opts, f, func(app *App) error {
				removed, err := app.Rules.Delete(cmd.Context(), tenantID)
				if err != nil {
					return f.failWith(ExitFailure, ErrCodeStore, "failed to delete rule", err)
				}
				if !removed {
					return f.OK(fmt.Sprintf("tenant %d had no rule", tenantID), nil)
				}
				return f.OK(fmt.Sprintf("rule deleted for tenant %d", tenantID), nil)
			})
		},
	}
}

func failRules(f *OutputFormatter, err error) error {
	var lerr *rules.LoadError
	if errors.As(err, &lerr) {
		_ = f.Fail(ErrCodeRules, lerr.Error(), lerr.Code)
		return WrapExitError(ExitFailure, "rules file invalid", err)
	}
	return f.failWith(ExitFailure, ErrCodeRules, "rules invalid", err)
}

func failValidation(f *OutputFormatter, verrs []rules.ValidationError) error {
	if f.Format == "json" {
		_ = f.Fail(ErrCodeRules, fmt.Sprintf("%d validation errors", len(verrs)), verrs)
	} else {
		for _, v := range verrs {
			_ = f.Fail(ErrCodeRules, v.Error(), nil)
		}
	}
	return NewExitError(ExitFailure, "rules invalid")
}
