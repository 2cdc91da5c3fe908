package coordination

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/recordstore"
	"github.com/dukerupert/screenpoints/internal/retry"
	"github.com/dukerupert/screenpoints/internal/store"
)

// Outcome tells the caller whether a change reached the zone now or was
// queued for a later drain. Both mean the change is durable.
type Outcome int

const (
	Delivered Outcome = iota
	Queued
)

func (o Outcome) String() string {
	if o == Queued {
		return "queued"
	}
	return "delivered"
}

// Enqueuer stores operations that could not be delivered.
type Enqueuer interface {
	Enqueue(ctx context.Context, op model.OfflineOperation) error
	Len(ctx context.Context) (int, error)
}

// Publisher writes local changes to the family zone. Delivery failures
// are never surfaced as errors: they turn into offline operations.
type Publisher struct {
	zone   string
	store  recordstore.Store
	retry  *retry.Manager
	queue  Enqueuer
	events *store.EventStore
	logger *slog.Logger

	onQueued func()
}

func NewPublisher(zone string, rs recordstore.Store, rm *retry.Manager, q Enqueuer, events *store.EventStore, logger *slog.Logger) *Publisher {
	return &Publisher{
		zone:   zone,
		store:  rs,
		retry:  rm,
		queue:  q,
		events: events,
		logger: logger.With("component", "publisher"),
	}
}

func (p *Publisher) Zone() string { return p.zone }

// OnQueued sets a hook called after a change is queued, typically a
// drain trigger. It must not block.
func (p *Publisher) OnQueued(fn func()) { p.onQueued = fn }

// Publish writes the records describing a change, then the event itself.
// The event goes last so a device that sees it can read everything it
// refers to. The event is also kept in the local activity log.
func (p *Publisher) Publish(ctx context.Context, e model.CoordinationEvent, writes ...recordstore.Write) (Outcome, error) {
	if p.events != nil {
		if err := p.events.Save(context.WithoutCancel(ctx), e); err != nil {
			return Queued, fmt.Errorf("save event locally: %w", err)
		}
	}

	rec, err := recordstore.FromEvent(p.zone, e)
	if err != nil {
		return Queued, err
	}
	all := append(append([]recordstore.Write{}, writes...), recordstore.CreateWrite(rec))

	return p.deliver(ctx, e.ID, model.OperationFor(e.ActivityType), all)
}

// Replicate writes records without an event, for changes other devices
// pick up on their next catch-up pass.
func (p *Publisher) Replicate(ctx context.Context, opType model.OperationType, writes ...recordstore.Write) (Outcome, error) {
	return p.deliver(ctx, uuid.NewString(), opType, writes)
}

// deliver writes directly only when nothing is queued. With a backlog the
// change goes behind it, so a drain replays this device's writes in the
// order they were made and an older write never lands after a newer one.
func (p *Publisher) deliver(ctx context.Context, id string, opType model.OperationType, writes []recordstore.Write) (Outcome, error) {
	pending, err := p.queue.Len(context.WithoutCancel(ctx))
	if err != nil {
		return p.enqueue(ctx, id, opType, writes, fmt.Errorf("count queued operations: %w", err))
	}
	if pending > 0 {
		return p.enqueue(ctx, id, opType, writes, fmt.Errorf("%d earlier operations queued", pending))
	}

	err = p.retry.Do(ctx, "publish "+string(opType), func(ctx context.Context) error {
		return recordstore.ApplyAll(ctx, p.store, writes)
	})
	if err == nil {
		return Delivered, nil
	}
	return p.enqueue(ctx, id, opType, writes, err)
}

func (p *Publisher) enqueue(ctx context.Context, id string, opType model.OperationType, writes []recordstore.Write, cause error) (Outcome, error) {
	payload, err := recordstore.EncodeWrites(writes)
	if err != nil {
		return Queued, err
	}

	op := model.OfflineOperation{
		ID:        id,
		Type:      opType,
		Payload:   payload,
		Timestamp: now().UTC(),
		LastError: cause.Error(),
	}
	if err := p.queue.Enqueue(context.WithoutCancel(ctx), op); err != nil {
		return Queued, fmt.Errorf("enqueue %s: %w", op.ID, err)
	}

	p.logger.Warn("change queued for later delivery", "operation_id", op.ID, "type", op.Type, "error", cause)
	if p.onQueued != nil {
		p.onQueued()
	}
	return Queued, nil
}
