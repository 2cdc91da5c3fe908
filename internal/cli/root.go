// Package cli implements the pointsd command tree.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/dukerupert/screenpoints/internal/recordstore"
	"github.com/dukerupert/screenpoints/internal/redemption"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string

	// zone, logger and allocator replace the remote zone client, the
	// process logger and the device's time allocator in tests.
	zone      recordstore.Store
	logger    *slog.Logger
	allocator redemption.Allocator
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the device agent.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pointsd",
		Short: "Screen-time points agent",
		Long: `pointsd keeps a device's points ledger in step with the rest of the family.

It follows the family zone, replays changes made while offline and sweeps
expired redemptions. The other commands inspect and repair local state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, validFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "screenpoints.yaml", "path to the YAML config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newQueueCommand(opts))
	cmd.AddCommand(newBalanceCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newRedeemCommand(opts))
	cmd.AddCommand(newActivityCommand(opts))
	cmd.AddCommand(newBackupCommand(opts))

	return cmd
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func (o *RootOptions) out(cmd *cobra.Command) output {
	return output{format: o.Format, w: cmd.OutOrStdout()}
}
