package listener

import (
	"context"
	"time"

	"github.com/dukerupert/screenpoints/internal/recordstore"
)

// Run subscribes to the family zone and applies changes until ctx ends.
// A lost stream is re-established after ResubscribeDelay; each new
// subscription starts with a catch-up pass so nothing written while
// disconnected is missed.
func (l *Listener) Run(ctx context.Context) error {
	zone := recordstore.ZoneFor(l.cfg.FamilyID)
	l.logger.Info("listener started", "zone", zone, "device_id", l.cfg.DeviceID)

	for {
		changes, err := l.subscribe(ctx, zone)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("subscribe failed", "zone", zone, "error", err)
		} else {
			l.consume(ctx, changes)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Warn("change stream lost, resubscribing", "zone", zone)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.ResubscribeDelay):
		}
	}
}

// subscribe creates the zone if needed and opens the change stream. The
// stream lives on ctx, not on the retry attempt's context.
func (l *Listener) subscribe(ctx context.Context, zone string) (<-chan recordstore.Change, error) {
	var changes <-chan recordstore.Change
	err := l.retry.Do(ctx, "subscribe", func(attempt context.Context) error {
		if err := l.store.EnsureZone(attempt, zone); err != nil {
			return err
		}
		ch, err := l.store.Subscribe(ctx, zone, l.cfg.DeviceID)
		if err != nil {
			return err
		}
		changes = ch
		return nil
	})
	return changes, err
}

func (l *Listener) consume(ctx context.Context, changes <-chan recordstore.Change) {
	if l.cfg.OnConnected != nil {
		l.cfg.OnConnected(ctx)
	}
	l.catchUp(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			// One pass covers every change already waiting.
			if !drainPending(changes) {
				l.catchUp(ctx)
				return
			}
			l.catchUp(ctx)
		}
	}
}

// drainPending discards buffered changes and reports whether the stream
// is still open.
func drainPending(changes <-chan recordstore.Change) bool {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func (l *Listener) catchUp(ctx context.Context) {
	if _, err := l.OnRemoteChangeNotified(ctx, l.cfg.FamilyID); err != nil && ctx.Err() == nil {
		l.logger.Warn("catch-up pass failed", "family_id", l.cfg.FamilyID, "error", err)
	}
}
