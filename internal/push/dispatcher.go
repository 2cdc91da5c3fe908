package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/dukerupert/screenpoints/internal/recordstore"
)

// Sender delivers one push notification.
type Sender interface {
	Send(ctx context.Context, sub Subscription, payload Payload) error
}

// Dispatcher pushes a "zone changed" notification to every device
// subscribed to a zone whenever a record in it is written, except the
// device that wrote it.
type Dispatcher struct {
	mu     sync.RWMutex
	broker *recordstore.Broker
	subs   *SubscriptionStore
	sender Sender
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDispatcher(broker *recordstore.Broker, subs *SubscriptionStore, sender Sender, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		broker: broker,
		subs:   subs,
		sender: sender,
		logger: logger.With("component", "push"),
	}
}

// Start begins dispatching changes from every zone.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	changes := d.broker.Subscribe(ctx, "", "")
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		for c := range changes {
			d.Dispatch(ctx, c)
		}
	}()
}

// Stop gracefully stops the dispatcher.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	done := d.done
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Dispatch notifies the zone's devices about c and returns how many
// notifications were sent.
func (d *Dispatcher) Dispatch(ctx context.Context, c recordstore.Change) int {
	subs, err := d.subs.ListByZone(ctx, c.ZoneID)
	if err != nil {
		d.logger.Error("list subscriptions", "zone", c.ZoneID, "error", err)
		return 0
	}

	payload := Payload{Type: "zone_changed", ZoneID: c.ZoneID, Seq: c.Seq, Tag: "zone-changed"}
	sent := 0
	for _, sub := range subs {
		if sub.DeviceID == c.DeviceID {
			continue
		}
		err := d.sender.Send(ctx, sub, payload)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrExpired):
			d.logger.Info("removing expired push subscription", "zone", c.ZoneID, "device_id", sub.DeviceID)
			if err := d.subs.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
				d.logger.Error("delete expired subscription", "error", err)
			}
		default:
			d.logger.Warn("push failed", "zone", c.ZoneID, "device_id", sub.DeviceID, "error", err)
		}
	}
	return sent
}
