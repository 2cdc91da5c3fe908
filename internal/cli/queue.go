package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/queue"
)

func newQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and resolve operations waiting for the family zone",
	}

	var stuckOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List queued operations, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			var ops []model.OfflineOperation
			if stuckOnly {
				ops, err = a.queue.Stuck(ctx)
			} else {
				ops, err = a.queue.Pending(ctx)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "list queue", err)
			}
			if ops == nil {
				ops = []model.OfflineOperation{}
			}

			return opts.out(cmd).result(ops, func(w io.Writer) {
				if len(ops) == 0 {
					fmt.Fprintln(w, "queue is empty")
					return
				}
				for _, op := range ops {
					fmt.Fprintf(w, "%s  %-22s  %s  retries=%d", op.ID, op.Type, op.Timestamp.Format("2006-01-02 15:04:05"), op.RetryCount)
					if op.LastError != "" {
						fmt.Fprintf(w, "  last_error=%q", op.LastError)
					}
					fmt.Fprintln(w)
				}
			})
		},
	}
	list.Flags().BoolVar(&stuckOnly, "stuck", false, "only operations that reached the retry threshold")

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued operations against the family zone now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.queue.Drain(ctx)
			if errors.Is(err, queue.ErrDrainInProgress) {
				return WrapExitError(ExitFailure, "drain", err)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "drain", err)
			}
			return opts.out(cmd).result(res, func(w io.Writer) {
				fmt.Fprintf(w, "delivered %d, failed %d, not attempted %d\n", res.Succeeded, res.Failed, res.Remaining)
			})
		},
	}

	discard := &cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop a queued operation that can never be delivered",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			ok, err := a.queue.Discard(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "discard", err)
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("operation %s is not queued", args[0]))
			}
			a.logger.Warn("queued operation discarded", "operation_id", args[0])
			return opts.out(cmd).result(map[string]string{"discarded": args[0]}, func(w io.Writer) {
				fmt.Fprintf(w, "discarded %s\n", args[0])
			})
		},
	}

	cmd.AddCommand(list, drain, discard)
	return cmd
}
