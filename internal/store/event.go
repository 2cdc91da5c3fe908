package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/dukerupert/screenpoints/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventStore is the device's local audit log of coordination events, both
// its own and those received from other devices.
type EventStore struct {
	db dbtx
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

func (s *EventStore) WithTx(tx *sql.Tx) *EventStore {
	return &EventStore{db: tx}
}

func scanEvent(sc scanner) (*model.CoordinationEvent, error) {
	var e model.CoordinationEvent
	var changes string
	var receivedAt time.Time
	err := sc.Scan(&e.ID, &e.FamilyID, &e.TriggeringUserID, &e.ActivityType, &e.TargetEntity,
		&e.TargetEntityID, &changes, &e.DeviceID, &e.Timestamp, &receivedAt)
	if err != nil {
		return nil, err
	}
	if err := json.UnmarshalFromString(changes, &e.Changes); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	return &e, nil
}

const eventCols = `id, family_id, triggering_user_id, activity_type, target_entity, target_entity_id, changes, device_id, occurred_at, received_at`

// Save records e. Saving an event that is already in the log is a no-op.
func (s *EventStore) Save(ctx context.Context, e model.CoordinationEvent) error {
	changes := e.Changes
	if changes == nil {
		changes = map[string]string{}
	}
	encoded, err := json.MarshalToString(changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO coordination_events (`+eventCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		e.ID, e.FamilyID, e.TriggeringUserID, string(e.ActivityType), e.TargetEntity,
		e.TargetEntityID, encoded, e.DeviceID, e.Timestamp.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save coordination event: %w", err)
	}
	return nil
}

func (s *EventStore) GetByID(ctx context.Context, id string) (*model.CoordinationEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM coordination_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get coordination event: %w", err)
	}
	return e, nil
}

// Recent returns the family's most recent events, newest first.
func (s *EventStore) Recent(ctx context.Context, familyID string, limit int) ([]model.CoordinationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM coordination_events
		 WHERE family_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`,
		familyID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list coordination events: %w", err)
	}
	defer rows.Close()

	var events []model.CoordinationEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coordination event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
