package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/screenpoints/internal/model"
)

type ChildProfileStore struct {
	db dbtx
}

func NewChildProfileStore(db *sql.DB) *ChildProfileStore {
	return &ChildProfileStore{db: db}
}

// WithTx returns a copy of the store that runs its queries on tx.
func (s *ChildProfileStore) WithTx(tx *sql.Tx) *ChildProfileStore {
	return &ChildProfileStore{db: tx}
}

func scanChildProfile(sc scanner) (*model.ChildProfile, error) {
	var p model.ChildProfile
	var birth sql.NullTime
	var verified int

	err := sc.Scan(&p.ID, &p.FamilyID, &p.Name, &p.PointBalance, &p.TotalPointsEarned,
		&birth, &verified, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.BirthDate = timePtr(birth)
	p.IsVerified = verified != 0
	return &p, nil
}

const childProfileCols = `id, family_id, name, point_balance, total_points_earned, birth_date, is_verified, created_at, updated_at`

// Create inserts a new profile with zero balance.
func (s *ChildProfileStore) Create(ctx context.Context, p model.ChildProfile) (*model.ChildProfile, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO child_profiles (id, family_id, name, point_balance, total_points_earned, birth_date, is_verified, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		p.ID, p.FamilyID, p.Name, nullTime(p.BirthDate), boolInt(p.IsVerified), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert child profile: %w", err)
	}
	return s.GetByID(ctx, p.ID)
}

// Upsert stores the descriptive fields of a profile received from another
// device. The cached balance and earned total are left untouched: they are
// derived from the local transaction log.
func (s *ChildProfileStore) Upsert(ctx context.Context, p model.ChildProfile) (*model.ChildProfile, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO child_profiles (id, family_id, name, point_balance, total_points_earned, birth_date, is_verified, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   birth_date = excluded.birth_date,
		   is_verified = excluded.is_verified,
		   updated_at = excluded.updated_at`,
		p.ID, p.FamilyID, p.Name, nullTime(p.BirthDate), boolInt(p.IsVerified), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert child profile: %w", err)
	}
	return s.GetByID(ctx, p.ID)
}

func (s *ChildProfileStore) GetByID(ctx context.Context, id string) (*model.ChildProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+childProfileCols+` FROM child_profiles WHERE id = ?`, id)
	p, err := scanChildProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get child profile: %w", err)
	}
	return p, nil
}

// List returns the family's children ordered by name.
func (s *ChildProfileStore) List(ctx context.Context, familyID string) ([]model.ChildProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+childProfileCols+` FROM child_profiles WHERE family_id = ? ORDER BY name ASC`, familyID)
	if err != nil {
		return nil, fmt.Errorf("list child profiles: %w", err)
	}
	defer rows.Close()

	var profiles []model.ChildProfile
	for rows.Next() {
		p, err := scanChildProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child profile: %w", err)
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

func (s *ChildProfileStore) Update(ctx context.Context, id, name string, birthDate *time.Time, verified bool) (*model.ChildProfile, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE child_profiles SET name = ?, birth_date = ?, is_verified = ?, updated_at = ? WHERE id = ?`,
		name, nullTime(birthDate), boolInt(verified), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update child profile: %w", err)
	}
	return s.GetByID(ctx, id)
}

// AddPoints moves the cached balance by points and, for earnings, the
// lifetime earned counter. It returns the new balance.
func (s *ChildProfileStore) AddPoints(ctx context.Context, id string, points int) (int, error) {
	earned := 0
	if points > 0 {
		earned = points
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE child_profiles
		 SET point_balance = point_balance + ?, total_points_earned = total_points_earned + ?, updated_at = ?
		 WHERE id = ?`,
		points, earned, time.Now().UTC(), id,
	)
	if err != nil {
		return 0, fmt.Errorf("add points: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, sql.ErrNoRows
	}

	var balance int
	if err := s.db.QueryRowContext(ctx, `SELECT point_balance FROM child_profiles WHERE id = ?`, id).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return balance, nil
}

// SetTotals overwrites the cached balance and earned counter.
func (s *ChildProfileStore) SetTotals(ctx context.Context, id string, balance, totalEarned int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE child_profiles SET point_balance = ?, total_points_earned = ? WHERE id = ?`,
		balance, totalEarned, id,
	)
	if err != nil {
		return fmt.Errorf("set totals: %w", err)
	}
	return nil
}

func (s *ChildProfileStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM child_profiles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete child profile: %w", err)
	}
	return nil
}
