package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/screenpoints/internal/listener"
	"github.com/dukerupert/screenpoints/internal/queue"
)

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Follow the family zone and keep this device in sync",
		Long: `Run the device agent until interrupted.

The agent subscribes to the family zone and applies changes made on other
devices, drains operations queued while offline (on an interval and every
time the zone becomes reachable), expires redemptions whose window has
passed and, when configured, backs up the device database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Zone.URL == "" && opts.zone == nil {
				return NewExitError(ExitCommandError, "zone.url is required to run")
			}
			return a.run(ctx)
		},
	}
}

func (a *app) run(ctx context.Context) error {
	drainer := queue.NewDrainer(a.queue, a.cfg.Queue.DrainInterval, a.logger)
	drainer.Start(ctx)
	defer drainer.Stop()
	a.publisher.OnQueued(drainer.Trigger)

	if bm, err := a.backupManager(); err == nil {
		if a.cfg.Backup.Passphrase != "" {
			bm.CacheKey(a.cfg.Backup.Passphrase)
		}
		bm.Start(ctx)
		defer bm.Stop()
	}

	activity := a.hub.Listen()
	defer activity.Close()
	go func() {
		for msg := range activity.C {
			a.logger.Debug("state changed", "type", msg.Type, "id", msg.ID, "extra", msg.Extra)
		}
	}()

	go a.sweepExpired(ctx, a.cfg.Redemption.ExpiryInterval)

	l := listener.New(a.db, a.zone, a.ledger, a.retry, a.hub, listener.Config{
		FamilyID: a.cfg.Identity.FamilyID,
		DeviceID: a.deviceID,
		OnConnected: func(context.Context) {
			drainer.Trigger()
		},
	}, a.logger)

	a.logger.Info("agent started", "family_id", a.cfg.Identity.FamilyID, "zone", a.cfg.Zone.URL)
	err := l.Run(ctx)
	if errors.Is(err, context.Canceled) {
		a.logger.Info("agent stopped")
		return nil
	}
	return err
}

// sweepExpired expires redemptions past their window every interval.
func (a *app) sweepExpired(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.engine.ExpireDue(ctx)
			if err != nil {
				a.logger.Error("expire redemptions", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("redemptions expired", "count", n)
			}
		}
	}
}
