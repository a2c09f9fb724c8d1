package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/compsync/internal/model"
)

// NewCredentialsCommand creates the credentials command group.
func NewCredentialsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage per-tenant API credentials",
	}
	cmd.AddCommand(newCredentialsSetCommand(rootOpts))
	cmd.AddCommand(newCredentialsDeleteCommand(rootOpts))
	return cmd
}

func newCredentialsSetCommand(opts *RootOptions) *cobra.Command {
	var cred model.Credential

	cmd := &cobra.Command{
		Use:   "set <tenant-id>",
		Short: "Replace the tenant's active credential",
		Long: `Store OAuth client credentials for a tenant. The previous credential is
soft-deleted. The secret may be passed in COMPSYNC_CLIENT_SECRET instead of
on the command line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			tenantID, err := parseTenantID(args[0])
			if err != nil {
				_ = f.Fail(ErrCodeGeneric, err.Error(), nil)
				return err
			}
			cred.TenantID = tenantID
			if cred.ClientSecret == "" {
				cred.ClientSecret = os.Getenv("COMPSYNC_CLIENT_SECRET")
			}
			if cred.ClientSecret == "" {
				_ = f.Fail(ErrCodeGeneric, "client secret is required", nil)
				return NewExitError(ExitCommandError, "missing client secret")
			}

			return withApp(opts, f, func(app *App) error {
				id, err := app.Store.SaveCredential(cmd.Context(), cred, app.Clock.Now())
				if err != nil {
					return f.failWith(ExitFailure, ErrCodeStore, "failed to save credential", err)
				}
				app.Remote.InvalidateToken(tenantID)
				return f.OK(fmt.Sprintf("credential %d active for tenant %d", id, tenantID), map[string]any{
					"id":        id,
					"tenant_id": tenantID,
					"client_id": cred.ClientID,
				})
			})
		},
	}

	cmd.Flags().StringVar(&cred.ClientID, "client-id", "", "OAuth client ID (required)")
	cmd.Flags().StringVar(&cred.ClientSecret, "client-secret", "", "OAuth client secret")
	cmd.Flags().StringVar(&cred.Scope, "scope", "", "OAuth scope")
	cmd.Flags().StringVar(&cred.GrantType, "grant-type", "client_credentials", "OAuth grant type")
	_ = cmd.MarkFlagRequired("client-id")

	return cmd
}

func newCredentialsDeleteCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Soft-delete the tenant's credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

			tenantID, err := parseTenantID(args[0])
			if err != nil {
				_ = f.Fail(ErrCodeGeneric, err.Error(), nil)
				return err
			}

			return withApp(opts, f, func(app *App) error {
				removed, err := app.Store.DeleteCredential(cmd.Context(), tenantID, app.Clock.Now())
				if err != nil {
					return f.failWith(ExitFailure, ErrCodeStore, "failed to delete credential", err)
				}
				if !removed {
					return f.OK(fmt.Sprintf("tenant %d had no credential", tenantID), nil)
				}
				return f.OK(fmt.Sprintf("credential deleted for tenant %d", tenantID), nil)
			})
		},
	}
}
