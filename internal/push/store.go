package push

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
)

const tableSubscriptions = "push_subscriptions"

// SubscriptionStore keeps push subscriptions in the zone database.
type SubscriptionStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

func NewSubscriptionStore(db *sql.DB, dialect string) *SubscriptionStore {
	return &SubscriptionStore{db: db, dialect: goqu.Dialect(dialect)}
}

// Save registers sub, replacing any subscription with the same endpoint.
func (s *SubscriptionStore) Save(ctx context.Context, sub Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	row := goqu.Record{
		"endpoint":   sub.Endpoint,
		"zone_id":    sub.ZoneID,
		"device_id":  sub.DeviceID,
		"p256dh_key": sub.P256dhKey,
		"auth_key":   sub.AuthKey,
		"created_at": sub.CreatedAt.UnixMilli(),
	}
	query, args, err := s.dialect.Insert(tableSubscriptions).Prepared(true).
		Rows(row).
		OnConflict(goqu.DoUpdate("endpoint", goqu.Record{
			"zone_id":    goqu.L("EXCLUDED.zone_id"),
			"device_id":  goqu.L("EXCLUDED.device_id"),
			"p256dh_key": goqu.L("EXCLUDED.p256dh_key"),
			"auth_key":   goqu.L("EXCLUDED.auth_key"),
		})).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build save subscription: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save push subscription: %w", err)
	}
	return nil
}

// ListByZone returns the subscriptions registered for a zone.
func (s *SubscriptionStore) ListByZone(ctx context.Context, zone string) ([]Subscription, error) {
	query, args, err := s.dialect.From(tableSubscriptions).Prepared(true).
		Select("endpoint", "zone_id", "device_id", "p256dh_key", "auth_key", "created_at").
		Where(goqu.Ex{"zone_id": zone}).
		Order(goqu.C("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list subscriptions: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var (
			sub     Subscription
			created int64
		)
		if err := rows.Scan(&sub.Endpoint, &sub.ZoneID, &sub.DeviceID, &sub.P256dhKey, &sub.AuthKey, &created); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		sub.CreatedAt = time.UnixMilli(created).UTC()
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SubscriptionStore) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	query, args, err := s.dialect.Delete(tableSubscriptions).Prepared(true).
		Where(goqu.Ex{"endpoint": endpoint}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete subscription: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}
	return nil
}
