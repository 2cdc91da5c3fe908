package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Drainer drains a Queue periodically and whenever Trigger is called.
// Triggers that arrive while a drain is pending coalesce into one.
type Drainer struct {
	mu       sync.RWMutex
	queue    *Queue
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewDrainer(q *Queue, interval time.Duration, logger *slog.Logger) *Drainer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Drainer{
		queue:    q,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   logger.With("component", "drainer"),
	}
}

// Start begins the drain loop.
func (d *Drainer) Start(ctx context.Context) {
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.drain(ctx)
			case <-d.trigger:
				d.drain(ctx)
			}
		}
	}()
}

// Trigger requests a drain as soon as possible.
func (d *Drainer) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Stop gracefully stops the drain loop.
func (d *Drainer) Stop() {
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

func (d *Drainer) drain(ctx context.Context) {
	n, err := d.queue.Len(ctx)
	if err != nil || n == 0 {
		return
	}

	res, err := d.queue.Drain(ctx)
	switch {
	case errors.Is(err, ErrDrainInProgress), errors.Is(err, context.Canceled):
	case err != nil:
		d.logger.Error("drain", "error", err)
	default:
		d.logger.Debug("drain", "succeeded", res.Succeeded, "failed", res.Failed, "remaining", res.Remaining)
	}
}
