package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dukerupert/screenpoints/internal/backup"
)

func newBackupCommand(opts *RootOptions) *cobra.Command {
	var passphrase string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Encrypted backups of the device database",
	}
	cmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "encryption passphrase (defaults to backup.passphrase)")

	now := &cobra.Command{
		Use:   "now",
		Short: "Back up the device database immediately",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			bm, err := a.backupManager()
			if err != nil {
				return err
			}
			pass, err := a.passphrase(passphrase)
			if err != nil {
				return err
			}
			b, err := bm.RunNow(ctx, pass)
			if err != nil {
				return WrapExitError(ExitFailure, "backup", err)
			}
			return opts.out(cmd).result(b, func(w io.Writer) {
				fmt.Fprintf(w, "uploaded %s (%d bytes)\n", b.Key, b.SizeBytes)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List this device's backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			bm, err := a.backupManager()
			if err != nil {
				return err
			}
			backups, err := bm.List(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "list backups", err)
			}
			if backups == nil {
				backups = []backup.Backup{}
			}
			return opts.out(cmd).result(backups, func(w io.Writer) {
				if len(backups) == 0 {
					fmt.Fprintln(w, "no backups")
					return
				}
				for _, b := range backups {
					fmt.Fprintf(w, "%s  %8d bytes  %s\n", b.CreatedAt.Local().Format("2006-01-02 15:04"), b.SizeBytes, b.Key)
				}
			})
		},
	}

	restore := &cobra.Command{
		Use:   "restore <key>",
		Short: "Replace the device database with a backup",
		Long: `Download, decrypt and verify a backup, then replace the device database
with it. Stop any running agent first; operations still queued in the
current database are lost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}

			bm, err := a.backupManager()
			if err != nil {
				a.close()
				return err
			}
			pass, err := a.passphrase(passphrase)
			if err != nil {
				a.close()
				return err
			}
			if n, err := a.queue.Len(ctx); err == nil && n > 0 {
				a.logger.Warn("restoring over queued operations", "count", n)
			}

			// The database must be closed before its file is replaced.
			a.close()
			if err := bm.Restore(ctx, args[0], pass, a.cfg.DBPath); err != nil {
				return WrapExitError(ExitFailure, "restore", err)
			}
			return opts.out(cmd).result(map[string]string{"restored": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "restored %s into %s\n", args[0], a.cfg.DBPath)
			})
		},
	}

	cmd.AddCommand(now, list, restore)
	return cmd
}
