package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/screenpoints/internal/model"
)

type RedemptionStore struct {
	db dbtx
}

func NewRedemptionStore(db *sql.DB) *RedemptionStore {
	return &RedemptionStore{db: db}
}

func (s *RedemptionStore) WithTx(tx *sql.Tx) *RedemptionStore {
	return &RedemptionStore{db: tx}
}

func scanRedemption(sc scanner) (*model.Redemption, error) {
	var r model.Redemption
	err := sc.Scan(&r.ID, &r.ChildID, &r.CategorizationID, &r.TransactionID, &r.ExtendsID,
		&r.PointsSpent, &r.TimeGrantedMinutes, &r.ConversionRate, &r.RedeemedAt, &r.ExpiresAt,
		&r.TimeUsedMinutes, &r.Status, &r.AllocationStatus)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

const redemptionCols = `id, child_id, categorization_id, transaction_id, extends_id, points_spent, time_granted_minutes, conversion_rate, redeemed_at, expires_at, time_used_minutes, status, allocation_status`

func (s *RedemptionStore) Insert(ctx context.Context, r model.Redemption) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO redemptions (`+redemptionCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChildID, r.CategorizationID, r.TransactionID, r.ExtendsID,
		r.PointsSpent, r.TimeGrantedMinutes, r.ConversionRate, r.RedeemedAt.UTC(), r.ExpiresAt.UTC(),
		r.TimeUsedMinutes, string(r.Status), string(r.AllocationStatus),
	)
	if err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}
	return nil
}

// Upsert stores a redemption received from the zone. An existing row is
// merged with it (see model.Redemption.Merge) so usage and status only
// move forward whatever order copies arrive in.
func (s *RedemptionStore) Upsert(ctx context.Context, r model.Redemption) error {
	existing, err := s.GetByID(ctx, r.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO redemptions (`+redemptionCols+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			r.ID, r.ChildID, r.CategorizationID, r.TransactionID, r.ExtendsID,
			r.PointsSpent, r.TimeGrantedMinutes, r.ConversionRate, r.RedeemedAt.UTC(), r.ExpiresAt.UTC(),
			r.TimeUsedMinutes, string(r.Status), string(r.AllocationStatus),
		)
		if err != nil {
			return fmt.Errorf("upsert redemption: %w", err)
		}
		return nil
	}

	merged := existing.Merge(r)
	_, err = s.db.ExecContext(ctx,
		`UPDATE redemptions SET time_used_minutes = ?, status = ?, allocation_status = ? WHERE id = ?`,
		merged.TimeUsedMinutes, string(merged.Status), string(merged.AllocationStatus), r.ID,
	)
	if err != nil {
		return fmt.Errorf("upsert redemption: %w", err)
	}
	return nil
}

func (s *RedemptionStore) GetByID(ctx context.Context, id string) (*model.Redemption, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+redemptionCols+` FROM redemptions WHERE id = ?`, id)
	r, err := scanRedemption(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get redemption: %w", err)
	}
	return r, nil
}

func (s *RedemptionStore) list(ctx context.Context, query string, args ...any) ([]model.Redemption, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list redemptions: %w", err)
	}
	defer rows.Close()

	var out []model.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ListByChild returns a child's redemptions, newest first.
func (s *RedemptionStore) ListByChild(ctx context.Context, childID string) ([]model.Redemption, error) {
	return s.list(ctx,
		`SELECT `+redemptionCols+` FROM redemptions WHERE child_id = ? ORDER BY redeemed_at DESC, id ASC`,
		childID)
}

// ListActive returns a child's active redemptions that have not expired at now.
func (s *RedemptionStore) ListActive(ctx context.Context, childID string, now time.Time) ([]model.Redemption, error) {
	return s.list(ctx,
		`SELECT `+redemptionCols+` FROM redemptions
		 WHERE child_id = ? AND status = 'active' AND expires_at > ?
		 ORDER BY redeemed_at ASC, id ASC`,
		childID, now.UTC())
}

// ListDue returns active redemptions whose expiry is at or before now.
func (s *RedemptionStore) ListDue(ctx context.Context, now time.Time) ([]model.Redemption, error) {
	return s.list(ctx,
		`SELECT `+redemptionCols+` FROM redemptions
		 WHERE status = 'active' AND expires_at <= ?
		 ORDER BY expires_at ASC, id ASC`,
		now.UTC())
}

func (s *RedemptionStore) UpdateUsage(ctx context.Context, id string, usedMinutes int, status model.RedemptionStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE redemptions SET time_used_minutes = ?, status = ? WHERE id = ?`,
		usedMinutes, string(status), id,
	)
	if err != nil {
		return fmt.Errorf("update redemption usage: %w", err)
	}
	return nil
}

func (s *RedemptionStore) UpdateStatus(ctx context.Context, id string, status model.RedemptionStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE redemptions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update redemption status: %w", err)
	}
	return nil
}

func (s *RedemptionStore) UpdateAllocation(ctx context.Context, id string, status model.AllocationStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE redemptions SET allocation_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update redemption allocation: %w", err)
	}
	return nil
}
