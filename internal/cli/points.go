package cli

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dukerupert/screenpoints/internal/coordination"
	"github.com/dukerupert/screenpoints/internal/ledger"
	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/redemption"
)

type balanceView struct {
	ChildID     string             `json:"childID"`
	Name        string             `json:"name"`
	Balance     int                `json:"balance"`
	TotalEarned int                `json:"totalEarned"`
	Active      []model.Redemption `json:"activeRedemptions"`
}

func newBalanceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <child-id>",
		Short: "Show a child's balance and active reward time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			child, err := a.family.Child(ctx, args[0])
			if errors.Is(err, ledger.ErrChildNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("child %s not found", args[0]))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "read child", err)
			}
			active, err := a.engine.Active(ctx, child.ID)
			if err != nil {
				return WrapExitError(ExitCommandError, "active redemptions", err)
			}
			if active == nil {
				active = []model.Redemption{}
			}

			v := balanceView{ChildID: child.ID, Name: child.Name, Balance: child.PointBalance, TotalEarned: child.TotalPointsEarned, Active: active}
			return opts.out(cmd).result(v, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d points (%d earned)\n", v.Name, v.Balance, v.TotalEarned)
				for _, r := range v.Active {
					fmt.Fprintf(w, "  %s  %d/%d minutes used, expires %s\n", r.ID, r.TimeUsedMinutes, r.TimeGrantedMinutes, r.ExpiresAt.Local().Format("Jan 2 15:04"))
				}
			})
		},
	}
}

func newReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <child-id>",
		Short: "Re-derive a child's balance from the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			derived, corrected, err := a.ledger.Reconcile(ctx, args[0])
			if errors.Is(err, ledger.ErrChildNotFound) {
				return NewExitError(ExitFailure, fmt.Sprintf("child %s not found", args[0]))
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "reconcile", err)
			}

			out := struct {
				*model.PointBalance
				Corrected bool `json:"corrected"`
			}{derived, corrected}
			return opts.out(cmd).result(out, func(w io.Writer) {
				state := "already consistent"
				if corrected {
					state = "corrected"
				}
				fmt.Fprintf(w, "balance %d (earned %d, spent %d): %s\n", derived.Balance, derived.TotalEarned, derived.TotalSpent, state)
			})
		},
	}
}

type redeemView struct {
	Status     redemption.Status `json:"status"`
	Outcome    string            `json:"outcome,omitempty"`
	Balance    int               `json:"balance"`
	Required   int               `json:"required,omitempty"`
	Available  int               `json:"available"`
	Redemption *model.Redemption `json:"redemption,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func newRedeemView(res *redemption.Result) redeemView {
	v := redeemView{
		Status:     res.Status(),
		Balance:    res.Balance,
		Required:   res.Validation.Required,
		Available:  res.Validation.Available,
		Redemption: res.Redemption,
	}
	if res.Redemption != nil {
		v.Outcome = res.Outcome.String()
	}
	if res.AllocationErr != nil {
		v.Error = res.AllocationErr.Error()
	}
	return v
}

func newRedeemCommand(opts *RootOptions) *cobra.Command {
	var retryID string
	cmd := &cobra.Command{
		Use:   "redeem <child-id> <categorization-id> <points>",
		Short: "Spend points on reward-app time",
		Long: `Spend points on reward-app time.

When the points are spent but the device cannot start the timer, the
command exits 1 and prints the redemption id. Run it again with
--retry-allocation <redemption-id> to grant the time without spending
again.`,
		Args: func(cmd *cobra.Command, args []string) error {
			check := cobra.ExactArgs(3)
			if retryID != "" {
				check = cobra.NoArgs
			}
			if err := check(cmd, args); err != nil {
				return WrapExitError(ExitCommandError, "redeem", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if retryID != "" {
				return retryAllocation(cmd, opts, retryID)
			}

			points, err := strconv.Atoi(args[2])
			if err != nil {
				return WrapExitError(ExitCommandError, "points must be a whole number", err)
			}

			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.family.Redeem(ctx, args[0], args[1], points)
			if err != nil {
				return WrapExitError(ExitCommandError, "redeem", err)
			}

			v := newRedeemView(res)
			if err := opts.out(cmd).result(v, func(w io.Writer) {
				switch {
				case v.Status == redemption.StatusAllocationFailed:
					fmt.Fprintf(w, "spent %d points but could not start %d minutes: %s\n",
						res.Redemption.PointsSpent, res.Redemption.TimeGrantedMinutes, v.Error)
					fmt.Fprintf(w, "retry with: pointsd redeem --retry-allocation %s\n", res.Redemption.ID)
				case res.Redemption != nil:
					fmt.Fprintf(w, "granted %d minutes for %d points, balance %d (%s)\n",
						res.Redemption.TimeGrantedMinutes, res.Redemption.PointsSpent, res.Balance, res.Outcome)
				case res.Validation.Valid():
					fmt.Fprintf(w, "nothing to redeem: %d points buy no time\n", points)
				default:
					fmt.Fprintf(w, "refused: %s (need %d, have %d)\n", v.Status, res.Validation.Required, res.Validation.Available)
				}
			}); err != nil {
				return err
			}

			switch {
			case !res.Validation.Valid():
				return NewExitError(ExitFailure, fmt.Sprintf("redemption refused: %s", v.Status))
			case v.Status == redemption.StatusAllocationFailed:
				return NewExitError(ExitFailure, fmt.Sprintf("redemption %s: points spent, time not granted", res.Redemption.ID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&retryID, "retry-allocation", "", "grant the time of an already paid redemption")
	return cmd
}

func retryAllocation(cmd *cobra.Command, opts *RootOptions, id string) error {
	ctx := commandContext(cmd)
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	r, err := a.engine.RetryAllocation(ctx, id)
	switch {
	case errors.Is(err, redemption.ErrRedemptionNotFound):
		return NewExitError(ExitFailure, fmt.Sprintf("redemption %s not found", id))
	case errors.Is(err, redemption.ErrRedemptionNotActive):
		return WrapExitError(ExitFailure, "cannot allocate", err)
	case r == nil && err != nil:
		return WrapExitError(ExitCommandError, "retry allocation", err)
	}

	v := redeemView{Status: redemption.StatusValid, Redemption: r}
	if r.AllocationStatus != model.AllocationAllocated {
		v.Status = redemption.StatusAllocationFailed
		if err != nil {
			v.Error = err.Error()
		}
	}
	if outErr := opts.out(cmd).result(v, func(w io.Writer) {
		if v.Status == redemption.StatusAllocationFailed {
			fmt.Fprintf(w, "still could not start %d minutes: %s\n", r.TimeGrantedMinutes, v.Error)
			return
		}
		fmt.Fprintf(w, "granted %d minutes for redemption %s\n", r.TimeGrantedMinutes, r.ID)
	}); outErr != nil {
		return outErr
	}

	if v.Status == redemption.StatusAllocationFailed {
		return NewExitError(ExitFailure, fmt.Sprintf("redemption %s: time not granted", r.ID))
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "retry allocation", err)
	}
	return nil
}

func newActivityCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show recent family activity, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			events, err := a.family.Activity(ctx, limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "activity", err)
			}
			if events == nil {
				events = []model.CoordinationEvent{}
			}
			return opts.out(cmd).result(events, func(w io.Writer) {
				for _, e := range events {
					fmt.Fprintf(w, "%s  %s\n", e.Timestamp.Local().Format("Jan 2 15:04"), coordination.Describe(e))
				}
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	return cmd
}
