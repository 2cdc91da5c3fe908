package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/screenpoints/internal/model"
)

type TransactionStore struct {
	db dbtx
}

func NewTransactionStore(db *sql.DB) *TransactionStore {
	return &TransactionStore{db: db}
}

func (s *TransactionStore) WithTx(tx *sql.Tx) *TransactionStore {
	return &TransactionStore{db: tx}
}

func scanTransaction(sc scanner) (*model.PointTransaction, error) {
	var t model.PointTransaction
	if err := sc.Scan(&t.ID, &t.ChildID, &t.Points, &t.Reason, &t.DeviceID, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

const transactionCols = `id, child_id, points, reason, device_id, created_at`

// Insert appends t to the log. Inserting an id that already exists is a
// no-op and reports inserted=false.
func (s *TransactionStore) Insert(ctx context.Context, t model.PointTransaction) (inserted bool, err error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO point_transactions (id, child_id, points, reason, device_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		t.ID, t.ChildID, t.Points, t.Reason, t.DeviceID, t.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert point transaction: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *TransactionStore) GetByID(ctx context.Context, id string) (*model.PointTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionCols+` FROM point_transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get point transaction: %w", err)
	}
	return t, nil
}

// ListByChild returns a child's transactions, oldest first.
func (s *TransactionStore) ListByChild(ctx context.Context, childID string) ([]model.PointTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionCols+` FROM point_transactions WHERE child_id = ? ORDER BY created_at ASC, id ASC`,
		childID,
	)
	if err != nil {
		return nil, fmt.Errorf("list point transactions: %w", err)
	}
	defer rows.Close()

	var txs []model.PointTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan point transaction: %w", err)
		}
		txs = append(txs, *t)
	}
	return txs, rows.Err()
}

// Sum re-derives a child's balance from the transaction log.
func (s *TransactionStore) Sum(ctx context.Context, childID string) (*model.PointBalance, error) {
	var earned, spent int
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN points > 0 THEN points ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN points < 0 THEN -points ELSE 0 END), 0)
		 FROM point_transactions WHERE child_id = ?`,
		childID,
	).Scan(&earned, &spent)
	if err != nil {
		return nil, fmt.Errorf("sum point transactions: %w", err)
	}

	return &model.PointBalance{
		ChildID:     childID,
		TotalEarned: earned,
		TotalSpent:  spent,
		Balance:     earned - spent,
	}, nil
}
