// Package ledger keeps each child's point balance. The transaction log is
// the source of truth; the balance on the child profile is a cache that is
// updated in the same SQL transaction as every append and can be
// re-derived with Reconcile.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/notify"
	"github.com/dukerupert/screenpoints/internal/store"
)

var (
	ErrChildNotFound      = errors.New("child not found")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInsufficientPoints = fmt.Errorf("%w: insufficient points", ErrInvalidTransaction)
)

// Ledger appends point transactions and maintains cached balances.
type Ledger struct {
	db       *sql.DB
	children *store.ChildProfileStore
	txs      *store.TransactionStore
	hub      *notify.Hub
	logger   *slog.Logger
	deviceID string
	locks    *keyedMutex
	now      func() time.Time
}

func New(db *sql.DB, deviceID string, hub *notify.Hub, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:       db,
		children: store.NewChildProfileStore(db),
		txs:      store.NewTransactionStore(db),
		hub:      hub,
		logger:   logger.With("component", "ledger"),
		deviceID: deviceID,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// ApplyTransaction records a local earn (points > 0) or spend (points < 0)
// and returns the new balance.
func (l *Ledger) ApplyTransaction(ctx context.Context, childID string, points int, reason string) (int, error) {
	_, balance, err := l.Apply(ctx, childID, points, reason, nil)
	return balance, err
}

// Apply is ApplyTransaction with a hook that runs inside the same SQL
// transaction after the point transaction is written. An error from within
// rolls the whole change back.
func (l *Ledger) Apply(ctx context.Context, childID string, points int, reason string, within func(tx *sql.Tx, t *model.PointTransaction) error) (*model.PointTransaction, int, error) {
	if points == 0 {
		return nil, 0, fmt.Errorf("%w: zero points", ErrInvalidTransaction)
	}

	unlock, err := l.locks.Lock(ctx, childID)
	if err != nil {
		return nil, 0, err
	}
	defer unlock()

	t := &model.PointTransaction{
		ID:        uuid.NewString(),
		ChildID:   childID,
		Points:    points,
		Reason:    reason,
		DeviceID:  l.deviceID,
		CreatedAt: l.now().UTC(),
	}

	var balance int
	err = store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		children := l.children.WithTx(tx)

		child, err := children.GetByID(ctx, childID)
		if err != nil {
			return err
		}
		if child == nil {
			return ErrChildNotFound
		}
		if points < 0 && child.PointBalance+points < 0 {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientPoints, child.PointBalance, -points)
		}

		if _, err := l.txs.WithTx(tx).Insert(ctx, *t); err != nil {
			return err
		}
		balance, err = children.AddPoints(ctx, childID, points)
		if err != nil {
			return err
		}

		if within != nil {
			return within(tx, t)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	l.logger.Info("points applied", "child_id", childID, "points", points, "balance", balance, "reason", reason)
	l.broadcast(childID, balance, points)
	return t, balance, nil
}

// ApplyRemote records a transaction committed on another device. It is
// idempotent by transaction id and never rejected: the other device
// already admitted it, so the balance may drop below zero here. A
// transaction for a child not yet known locally is stored and counted once
// the profile arrives and is reconciled.
func (l *Ledger) ApplyRemote(ctx context.Context, t model.PointTransaction) (bool, error) {
	if t.ID == "" || t.ChildID == "" {
		return false, fmt.Errorf("%w: missing id", ErrInvalidTransaction)
	}

	unlock, err := l.locks.Lock(ctx, t.ChildID)
	if err != nil {
		return false, err
	}
	defer unlock()

	var (
		applied bool
		balance int
		known   bool
	)
	err = store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		inserted, err := l.txs.WithTx(tx).Insert(ctx, t)
		if err != nil || !inserted {
			return err
		}
		applied = true

		balance, err = l.children.WithTx(tx).AddPoints(ctx, t.ChildID, t.Points)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		known = err == nil
		return err
	})
	if err != nil {
		return false, err
	}

	if applied && known {
		if balance < 0 {
			l.logger.Warn("remote transaction left negative balance", "child_id", t.ChildID, "transaction_id", t.ID, "balance", balance)
		}
		l.broadcast(t.ChildID, balance, t.Points)
	}
	return applied, nil
}

// Reconcile re-derives a child's balance and earned total from the
// transaction log and corrects the cached values when they disagree.
func (l *Ledger) Reconcile(ctx context.Context, childID string) (*model.PointBalance, bool, error) {
	unlock, err := l.locks.Lock(ctx, childID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	var (
		derived   *model.PointBalance
		corrected bool
		cached    int
	)
	err = store.WithTx(ctx, l.db, func(tx *sql.Tx) error {
		children := l.children.WithTx(tx)

		child, err := children.GetByID(ctx, childID)
		if err != nil {
			return err
		}
		if child == nil {
			return ErrChildNotFound
		}

		derived, err = l.txs.WithTx(tx).Sum(ctx, childID)
		if err != nil {
			return err
		}
		if child.PointBalance == derived.Balance && child.TotalPointsEarned == derived.TotalEarned {
			return nil
		}

		cached = child.PointBalance
		corrected = true
		return children.SetTotals(ctx, childID, derived.Balance, derived.TotalEarned)
	})
	if err != nil {
		return nil, false, err
	}

	if corrected {
		l.logger.Warn("balance corrected",
			"child_id", childID, "cached", cached, "derived", derived.Balance, "total_earned", derived.TotalEarned)
		l.broadcast(childID, derived.Balance, 0)
	}
	return derived, corrected, nil
}

// Balance returns a child's cached balance.
func (l *Ledger) Balance(ctx context.Context, childID string) (int, error) {
	child, err := l.children.GetByID(ctx, childID)
	if err != nil {
		return 0, err
	}
	if child == nil {
		return 0, ErrChildNotFound
	}
	return child.PointBalance, nil
}

// History returns a child's transactions, oldest first.
func (l *Ledger) History(ctx context.Context, childID string) ([]model.PointTransaction, error) {
	return l.txs.ListByChild(ctx, childID)
}

func (l *Ledger) broadcast(childID string, balance, points int) {
	l.hub.Broadcast(notify.NewMessage("balance", "changed", childID, map[string]any{
		"balance": balance,
		"points":  points,
	}))
}
