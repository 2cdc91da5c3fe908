package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/screenpoints/internal/model"
)

// OperationStore persists offline operations waiting to reach the family zone.
type OperationStore struct {
	db dbtx
}

func NewOperationStore(db *sql.DB) *OperationStore {
	return &OperationStore{db: db}
}

func scanOperation(sc scanner) (*model.OfflineOperation, error) {
	var op model.OfflineOperation
	var lastAttempt sql.NullTime
	err := sc.Scan(&op.ID, &op.Type, &op.Payload, &op.Timestamp, &op.RetryCount, &op.LastError, &lastAttempt)
	if err != nil {
		return nil, err
	}
	op.LastAttemptAt = timePtr(lastAttempt)
	return &op, nil
}

const operationCols = `id, type, payload, created_at, retry_count, last_error, last_attempt_at`

// Enqueue stores op. An operation whose id is already queued is left as is.
func (s *OperationStore) Enqueue(ctx context.Context, op model.OfflineOperation) (inserted bool, err error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO offline_operations (id, type, payload, created_at, retry_count, last_error)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		op.ID, string(op.Type), op.Payload, op.Timestamp.UTC(), op.RetryCount, op.LastError,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue operation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// List returns queued operations in the order they were enqueued.
func (s *OperationStore) List(ctx context.Context) ([]model.OfflineOperation, error) {
	return s.list(ctx, `SELECT `+operationCols+` FROM offline_operations ORDER BY rowid ASC`)
}

// ListStuck returns operations that have failed at least minRetries times.
func (s *OperationStore) ListStuck(ctx context.Context, minRetries int) ([]model.OfflineOperation, error) {
	return s.list(ctx,
		`SELECT `+operationCols+` FROM offline_operations WHERE retry_count >= ? ORDER BY rowid ASC`,
		minRetries)
}

func (s *OperationStore) list(ctx context.Context, query string, args ...any) ([]model.OfflineOperation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []model.OfflineOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

func (s *OperationStore) GetByID(ctx context.Context, id string) (*model.OfflineOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationCols+` FROM offline_operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// RecordFailure bumps the retry count of a queued operation and keeps the error.
func (s *OperationStore) RecordFailure(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE offline_operations SET retry_count = retry_count + 1, last_error = ?, last_attempt_at = ? WHERE id = ?`,
		msg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("record operation failure: %w", err)
	}
	return nil
}

// Delete removes an operation. It reports whether a row was removed.
func (s *OperationStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM offline_operations WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete operation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *OperationStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operations: %w", err)
	}
	return n, nil
}
