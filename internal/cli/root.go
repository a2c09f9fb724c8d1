package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // path to the YAML config file
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the compsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "compsync",
		Short: "compsync - compliance training sync",
		Long: `Synchronize course-completion records to a compliance API.

Every push replaces the tenant's full remote dataset. Completion events
sync immediately when the tenant is free and queue otherwise; a periodic
sweep drains queues and processes rule-change regenerations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to config file (env COMPSYNC_CONFIG)")

	// Add subcommands
	cmd.AddCommand(NewCompleteCommand(opts))
	cmd.AddCommand(NewProcessQueueCommand(opts))
	cmd.AddCommand(NewRegenerateCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewLockCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRulesCommand(opts))
	cmd.AddCommand(NewCredentialsCommand(opts))
	cmd.AddCommand(NewAttemptsCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}
