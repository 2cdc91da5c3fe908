package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/screenpoints/internal/model"
)

type CategorizationStore struct {
	db dbtx
}

func NewCategorizationStore(db *sql.DB) *CategorizationStore {
	return &CategorizationStore{db: db}
}

func (s *CategorizationStore) WithTx(tx *sql.Tx) *CategorizationStore {
	return &CategorizationStore{db: tx}
}

func scanCategorization(sc scanner) (*model.AppCategorization, error) {
	var c model.AppCategorization
	var active int
	err := sc.Scan(&c.ID, &c.ChildID, &c.BundleID, &c.DisplayName, &c.Category,
		&c.PointsPerHour, &c.CostPoints, &c.CostMinutes, &active, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Active = active != 0
	return &c, nil
}

const categorizationCols = `id, child_id, bundle_id, display_name, category, points_per_hour, cost_points, cost_minutes, active, created_at, updated_at`

// Upsert inserts c or replaces the stored categorization with the same id.
func (s *CategorizationStore) Upsert(ctx context.Context, c model.AppCategorization) (*model.AppCategorization, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_categorizations (`+categorizationCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   bundle_id = excluded.bundle_id,
		   display_name = excluded.display_name,
		   category = excluded.category,
		   points_per_hour = excluded.points_per_hour,
		   cost_points = excluded.cost_points,
		   cost_minutes = excluded.cost_minutes,
		   active = excluded.active,
		   updated_at = excluded.updated_at`,
		c.ID, c.ChildID, c.BundleID, c.DisplayName, string(c.Category),
		c.PointsPerHour, c.CostPoints, c.CostMinutes, boolInt(c.Active), c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert categorization: %w", err)
	}
	return s.GetByID(ctx, c.ID)
}

func (s *CategorizationStore) GetByID(ctx context.Context, id string) (*model.AppCategorization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+categorizationCols+` FROM app_categorizations WHERE id = ?`, id)
	c, err := scanCategorization(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get categorization: %w", err)
	}
	return c, nil
}

// ListByChild returns a child's categorizations. An empty category returns
// both kinds.
func (s *CategorizationStore) ListByChild(ctx context.Context, childID string, category model.AppCategory) ([]model.AppCategorization, error) {
	query := `SELECT ` + categorizationCols + ` FROM app_categorizations WHERE child_id = ?`
	args := []any{childID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, string(category))
	}
	query += ` ORDER BY display_name ASC, bundle_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list categorizations: %w", err)
	}
	defer rows.Close()

	var cats []model.AppCategorization
	for rows.Next() {
		c, err := scanCategorization(rows)
		if err != nil {
			return nil, fmt.Errorf("scan categorization: %w", err)
		}
		cats = append(cats, *c)
	}
	return cats, rows.Err()
}

func (s *CategorizationStore) SetActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE app_categorizations SET active = ?, updated_at = ? WHERE id = ?`,
		boolInt(active), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set categorization active: %w", err)
	}
	return nil
}

func (s *CategorizationStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM app_categorizations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete categorization: %w", err)
	}
	return nil
}
