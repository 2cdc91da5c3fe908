// Package queue holds changes that could not reach the family zone and
// replays them once the zone is reachable again. Operations are kept in
// the device database so they survive restarts.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/recordstore"
	"github.com/dukerupert/screenpoints/internal/retry"
	"github.com/dukerupert/screenpoints/internal/store"
)

// ErrDrainInProgress is returned when Drain is called while another drain
// is running.
var ErrDrainInProgress = errors.New("drain already in progress")

const DefaultStuckThreshold = 10

// DrainResult summarizes one drain. Remaining counts operations that were
// not attempted because the zone stopped answering.
type DrainResult struct {
	Succeeded int
	Failed    int
	Remaining int
}

type Queue struct {
	ops            *store.OperationStore
	store          recordstore.Store
	retry          *retry.Manager
	logger         *slog.Logger
	stuckThreshold int
	draining       atomic.Bool

	replayed metric.Int64Counter
	failed   metric.Int64Counter
}

func New(db *sql.DB, rs recordstore.Store, rm *retry.Manager, stuckThreshold int, logger *slog.Logger) *Queue {
	if stuckThreshold <= 0 {
		stuckThreshold = DefaultStuckThreshold
	}

	meter := otel.Meter("github.com/dukerupert/screenpoints/internal/queue")
	replayed, err := meter.Int64Counter("queue.replayed",
		metric.WithDescription("Offline operations delivered by a drain"))
	if err != nil {
		replayed = noop.Int64Counter{}
	}
	failed, err := meter.Int64Counter("queue.failed",
		metric.WithDescription("Offline operation replays that failed"))
	if err != nil {
		failed = noop.Int64Counter{}
	}

	return &Queue{
		ops:            store.NewOperationStore(db),
		store:          rs,
		retry:          rm,
		logger:         logger.With("component", "queue"),
		stuckThreshold: stuckThreshold,
		replayed:       replayed,
		failed:         failed,
	}
}

// Enqueue stores op. Enqueuing an operation id twice keeps the first.
func (q *Queue) Enqueue(ctx context.Context, op model.OfflineOperation) error {
	inserted, err := q.ops.Enqueue(ctx, op)
	if err != nil {
		return err
	}
	if inserted {
		q.logger.Info("operation queued", "operation_id", op.ID, "type", op.Type)
	}
	return nil
}

// Drain replays queued operations oldest first. A delivered operation is
// removed. A failed one stays queued with its retry count bumped. When
// the zone stops answering the drain ends early and the rest wait for the
// next drain; operations rejected outright do not stop it. Cancelling ctx
// stops the drain without counting the interrupted operation as failed.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	if !q.draining.CompareAndSwap(false, true) {
		return res, ErrDrainInProgress
	}
	defer q.draining.Store(false)

	ops, err := q.ops.List(ctx)
	if err != nil {
		return res, err
	}

	for i, op := range ops {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(ops) - i
			return res, err
		}

		err := q.replay(ctx, op)
		if err == nil {
			if _, err := q.ops.Delete(ctx, op.ID); err != nil {
				return res, fmt.Errorf("remove delivered operation: %w", err)
			}
			res.Succeeded++
			q.replayed.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(op.Type))))
			continue
		}
		if ctx.Err() != nil {
			// Interrupted, not failed: the operation keeps its retry count.
			res.Remaining = len(ops) - i
			return res, ctx.Err()
		}

		res.Failed++
		q.failed.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("type", string(op.Type))))
		if recErr := q.ops.RecordFailure(context.WithoutCancel(ctx), op.ID, err); recErr != nil {
			return res, recErr
		}

		attempts := op.RetryCount + 1
		if attempts >= q.stuckThreshold {
			q.logger.Error("operation stuck, needs manual resolution",
				"operation_id", op.ID, "type", op.Type, "retry_count", attempts, "error", err)
		} else {
			q.logger.Warn("operation replay failed", "operation_id", op.ID, "type", op.Type, "retry_count", attempts, "error", err)
		}

		if !retry.IsPermanent(err) {
			res.Remaining = len(ops) - i - 1
			return res, nil
		}
	}

	if res.Succeeded > 0 || res.Failed > 0 {
		q.logger.Info("drain finished", "succeeded", res.Succeeded, "failed", res.Failed)
	}
	return res, nil
}

func (q *Queue) replay(ctx context.Context, op model.OfflineOperation) error {
	writes, err := recordstore.DecodeWrites(op.Payload)
	if err != nil {
		return retry.Permanent(err)
	}
	return q.retry.Do(ctx, "replay "+string(op.Type), func(ctx context.Context) error {
		return recordstore.ApplyAll(ctx, q.store, writes)
	})
}

// Pending lists queued operations, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]model.OfflineOperation, error) {
	return q.ops.List(ctx)
}

// Stuck lists operations that have failed at least the stuck threshold.
func (q *Queue) Stuck(ctx context.Context) ([]model.OfflineOperation, error) {
	return q.ops.ListStuck(ctx, q.stuckThreshold)
}

// Discard drops a queued operation without delivering it.
func (q *Queue) Discard(ctx context.Context, id string) (bool, error) {
	removed, err := q.ops.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if removed {
		q.logger.Warn("operation discarded", "operation_id", id)
	}
	return removed, nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	return q.ops.Count(ctx)
}
