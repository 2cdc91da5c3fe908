package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/screenpoints/internal/model"
)

func setupChildProfileTestDB(t *testing.T) (*ChildProfileStore, *TransactionStore) {
	t.Helper()
	db := setupTestDB(t)
	return NewChildProfileStore(db), NewTransactionStore(db)
}

func newChild(id, name string) model.ChildProfile {
	now := time.Now().UTC()
	return model.ChildProfile{ID: id, FamilyID: "fam-1", Name: name, CreatedAt: now, UpdatedAt: now}
}

func TestChildProfileCreate(t *testing.T) {
	cs, _ := setupChildProfileTestDB(t)
	ctx := context.Background()

	birth := time.Date(2016, 4, 2, 0, 0, 0, 0, time.UTC)
	c := newChild("c1", "Ada")
	c.BirthDate = &birth
	c.PointBalance = 999

	got, err := cs.Create(ctx, c)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.Name != "Ada" {
		t.Errorf("name = %q, want %q", got.Name, "Ada")
	}
	if got.PointBalance != 0 {
		t.Errorf("balance = %d, want 0", got.PointBalance)
	}
	if got.BirthDate == nil || !got.BirthDate.Equal(birth) {
		t.Errorf("birth date = %v, want %v", got.BirthDate, birth)
	}
}

func TestChildProfileGetByIDNotFound(t *testing.T) {
	cs, _ := setupChildProfileTestDB(t)

	got, err := cs.GetByID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestChildProfileList(t *testing.T) {
	cs, _ := setupChildProfileTestDB(t)
	ctx := context.Background()

	for _, c := range []model.ChildProfile{newChild("c1", "Zoe"), newChild("c2", "Ada")} {
		if _, err := cs.Create(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	other := newChild("c3", "Bob")
	other.FamilyID = "fam-2"
	if _, err := cs.Create(ctx, other); err != nil {
		t.Fatalf("create: %v", err)
	}

	list, err := cs.List(ctx, "fam-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Name != "Ada" || list[1].Name != "Zoe" {
		t.Errorf("order = %q, %q; want Ada, Zoe", list[0].Name, list[1].Name)
	}
}

func TestChildProfileAddPoints(t *testing.T) {
	cs, _ := setupChildProfileTestDB(t)
	ctx := context.Background()

	if _, err := cs.Create(ctx, newChild("c1", "Ada")); err != nil {
		t.Fatalf("create: %v", err)
	}

	bal, err := cs.AddPoints(ctx, "c1", 50)
	if err != nil {
		t.Fatalf("add points: %v", err)
	}
	if bal != 50 {
		t.Errorf("balance = %d, want 50", bal)
	}

	bal, err = cs.AddPoints(ctx, "c1", -20)
	if err != nil {
		t.Fatalf("spend points: %v", err)
	}
	if bal != 30 {
		t.Errorf("balance = %d, want 30", bal)
	}

	got, _ := cs.GetByID(ctx, "c1")
	if got.TotalPointsEarned != 50 {
		t.Errorf("total earned = %d, want 50", got.TotalPointsEarned)
	}

	if _, err := cs.AddPoints(ctx, "missing", 5); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing child err = %v, want sql.ErrNoRows", err)
	}
}

func TestChildProfileUpsertKeepsBalance(t *testing.T) {
	cs, _ := setupChildProfileTestDB(t)
	ctx := context.Background()

	if _, err := cs.Create(ctx, newChild("c1", "Ada")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := cs.AddPoints(ctx, "c1", 40); err != nil {
		t.Fatalf("add points: %v", err)
	}

	remote := newChild("c1", "Ada L.")
	remote.PointBalance = 7
	got, err := cs.Upsert(ctx, remote)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got.Name != "Ada L." {
		t.Errorf("name = %q, want %q", got.Name, "Ada L.")
	}
	if got.PointBalance != 40 {
		t.Errorf("balance = %d, want 40", got.PointBalance)
	}
}

func TestTransactionInsertIdempotent(t *testing.T) {
	_, ts := setupChildProfileTestDB(t)
	ctx := context.Background()

	tx := model.PointTransaction{ID: "t1", ChildID: "c1", Points: 25, Reason: "reading", CreatedAt: time.Now()}
	inserted, err := ts.Insert(ctx, tx)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted {
		t.Error("first insert reported not inserted")
	}

	inserted, err = ts.Insert(ctx, tx)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Error("duplicate insert reported inserted")
	}

	list, err := ts.ListByChild(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("len = %d, want 1", len(list))
	}
}

func TestTransactionSum(t *testing.T) {
	_, ts := setupChildProfileTestDB(t)
	ctx := context.Background()

	for i, pts := range []int{100, -30, 20, -15} {
		tx := model.PointTransaction{
			ID:        string(rune('a' + i)),
			ChildID:   "c1",
			Points:    pts,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if _, err := ts.Insert(ctx, tx); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	sum, err := ts.Sum(ctx, "c1")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum.Balance != 75 || sum.TotalEarned != 120 || sum.TotalSpent != 45 {
		t.Errorf("sum = %+v, want balance 75 earned 120 spent 45", sum)
	}

	empty, err := ts.Sum(ctx, "nobody")
	if err != nil {
		t.Fatalf("sum empty: %v", err)
	}
	if empty.Balance != 0 {
		t.Errorf("empty balance = %d, want 0", empty.Balance)
	}
}
