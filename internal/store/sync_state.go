package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Sync state keys.
const (
	KeyDeviceID       = "device_id"
	keyHighWaterMarkP = "hwm:"
)

// SyncStateStore keeps small pieces of replication bookkeeping that must
// survive restarts: the device id and the per-zone high-water mark.
type SyncStateStore struct {
	db dbtx
}

func NewSyncStateStore(db *sql.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

func (s *SyncStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get sync state %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SyncStateStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set sync state %q: %w", key, err)
	}
	return nil
}

// HighWaterMark returns the last zone sequence number this device has
// processed, or 0 when the zone has never been read.
func (s *SyncStateStore) HighWaterMark(ctx context.Context, zone string) (int64, error) {
	v, ok, err := s.Get(ctx, keyHighWaterMarkP+zone)
	if err != nil || !ok {
		return 0, err
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse high-water mark %q: %w", v, err)
	}
	return seq, nil
}

// AdvanceHighWaterMark moves the mark forward. It never moves backwards.
func (s *SyncStateStore) AdvanceHighWaterMark(ctx context.Context, zone string, seq int64) error {
	current, err := s.HighWaterMark(ctx, zone)
	if err != nil {
		return err
	}
	if seq <= current {
		return nil
	}
	return s.Set(ctx, keyHighWaterMarkP+zone, strconv.FormatInt(seq, 10))
}

// DeviceID returns the persisted device id, storing generate() on first use.
func (s *SyncStateStore) DeviceID(ctx context.Context, generate func() string) (string, error) {
	id, ok, err := s.Get(ctx, KeyDeviceID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = generate()
	if err := s.Set(ctx, KeyDeviceID, id); err != nil {
		return "", err
	}
	return id, nil
}
