package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/screenpoints/internal/model"
)

func TestHighWaterMarkNeverMovesBack(t *testing.T) {
	ss := NewSyncStateStore(setupTestDB(t))
	ctx := context.Background()

	seq, err := ss.HighWaterMark(ctx, "family-1")
	if err != nil {
		t.Fatalf("hwm: %v", err)
	}
	if seq != 0 {
		t.Errorf("initial hwm = %d, want 0", seq)
	}

	if err := ss.AdvanceHighWaterMark(ctx, "family-1", 12); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := ss.AdvanceHighWaterMark(ctx, "family-1", 5); err != nil {
		t.Fatalf("advance back: %v", err)
	}

	seq, _ = ss.HighWaterMark(ctx, "family-1")
	if seq != 12 {
		t.Errorf("hwm = %d, want 12", seq)
	}
}

func TestDeviceIDPersisted(t *testing.T) {
	ss := NewSyncStateStore(setupTestDB(t))
	ctx := context.Background()

	calls := 0
	gen := func() string { calls++; return "dev-abc" }

	first, err := ss.DeviceID(ctx, gen)
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	second, err := ss.DeviceID(ctx, gen)
	if err != nil {
		t.Fatalf("device id: %v", err)
	}
	if first != "dev-abc" || second != "dev-abc" {
		t.Errorf("ids = %q, %q", first, second)
	}
	if calls != 1 {
		t.Errorf("generate called %d times, want 1", calls)
	}
}

func TestSettingsSetAndLookup(t *testing.T) {
	ss := NewSettingsStore(setupTestDB(t))
	ctx := context.Background()

	if _, ok, err := ss.Lookup(ctx, SettingRedemptionWindow); err != nil || ok {
		t.Fatalf("lookup missing: ok=%v err=%v", ok, err)
	}
	if _, err := ss.Get(ctx, SettingRedemptionWindow); err == nil {
		t.Fatal("expected error for missing key")
	}

	if _, err := ss.Set(ctx, SettingRedemptionWindow, "24"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := ss.Set(ctx, SettingRedemptionWindow, "12"); err != nil {
		t.Fatalf("set again: %v", err)
	}

	v, err := ss.Get(ctx, SettingRedemptionWindow)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "12" {
		t.Errorf("value = %q, want 12", v)
	}

	all, err := ss.GetAll(ctx)
	if err != nil {
		t.Fatalf("get all: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len = %d, want 1", len(all))
	}
}

func TestEventSaveAndRecent(t *testing.T) {
	es := NewEventStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now().UTC()

	e := model.CoordinationEvent{
		ID:             "e1",
		FamilyID:       "fam-1",
		ActivityType:   model.ActivityPointsAdjusted,
		TargetEntity:   model.EntityChildProfile,
		TargetEntityID: "c1",
		Changes:        map[string]string{"points": "20", "reason": "chores"},
		Timestamp:      now,
		DeviceID:       "dev-1",
	}
	if err := es.Save(ctx, e); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := es.Save(ctx, e); err != nil {
		t.Fatalf("save duplicate: %v", err)
	}

	events, err := es.Recent(ctx, "fam-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len = %d, want 1", len(events))
	}
	if events[0].Changes["reason"] != "chores" {
		t.Errorf("changes = %v", events[0].Changes)
	}
}
