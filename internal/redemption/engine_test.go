package redemption

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/screenpoints/internal/auth"
	"github.com/dukerupert/screenpoints/internal/coordination"
	"github.com/dukerupert/screenpoints/internal/database"
	"github.com/dukerupert/screenpoints/internal/ledger"
	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/notify"
	"github.com/dukerupert/screenpoints/internal/queue"
	"github.com/dukerupert/screenpoints/internal/recordstore"
	"github.com/dukerupert/screenpoints/internal/retry"
	"github.com/dukerupert/screenpoints/internal/store"
)

type fakeAllocator struct {
	mu    sync.Mutex
	err   error
	calls []model.Redemption
}

func (f *fakeAllocator) Allocate(ctx context.Context, r model.Redemption, c model.AppCategorization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r)
	return f.err
}

func (f *fakeAllocator) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// switchableZone fails writes while offline is set.
type switchableZone struct {
	recordstore.Store
	offline atomic.Bool
}

var errZoneOffline = errors.New("zone unreachable")

func (z *switchableZone) Create(ctx context.Context, r recordstore.Record) (recordstore.Record, error) {
	if z.offline.Load() {
		return recordstore.Record{}, errZoneOffline
	}
	return z.Store.Create(ctx, r)
}

func (z *switchableZone) Update(ctx context.Context, r recordstore.Record) (recordstore.Record, error) {
	if z.offline.Load() {
		return recordstore.Record{}, errZoneOffline
	}
	return z.Store.Update(ctx, r)
}

type fixture struct {
	engine *Engine
	ledger *ledger.Ledger
	zone   *recordstore.SQLStore
	net    *switchableZone
	queue  *queue.Queue
	alloc  *fakeAllocator
	cats   *store.CategorizationStore
}

var device = auth.Actor{UserID: "parent-1", FamilyID: "fam-1", DeviceID: "dev-a", Role: auth.RoleParent}

func setupEngine(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	zdb, err := database.OpenZone(database.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { zdb.Close() })
	zone := recordstore.NewSQLStore(zdb, database.Dialect(database.DriverSQLite), nil)

	rm, err := retry.New(retry.Policy{
		MaxAttempts:    2,
		BaseDelay:      time.Millisecond,
		Backoff:        retry.BackoffConstant,
		AttemptTimeout: time.Second,
	}, testLogger())
	require.NoError(t, err)

	net := &switchableZone{Store: zone}
	q := queue.New(db, net, rm, queue.DefaultStuckThreshold, testLogger())
	pub := coordination.NewPublisher(recordstore.ZoneFor("fam-1"), net, rm, q, store.NewEventStore(db), testLogger())
	l := ledger.New(db, device.DeviceID, notify.NewHub(testLogger()), testLogger())
	alloc := &fakeAllocator{}

	now := time.Now().UTC()
	_, err = store.NewChildProfileStore(db).Create(ctx, model.ChildProfile{
		ID: "c1", FamilyID: "fam-1", Name: "Ada", CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	_, err = l.ApplyTransaction(ctx, "c1", 450, "reading")
	require.NoError(t, err)

	cats := store.NewCategorizationStore(db)
	for _, c := range []model.AppCategorization{
		{ID: "games", ChildID: "c1", BundleID: "com.example.games", DisplayName: "Games",
			Category: model.CategoryReward, CostPoints: 100, CostMinutes: 50, Active: true},
		{ID: "video", ChildID: "c1", BundleID: "com.example.video", DisplayName: "Video",
			Category: model.CategoryReward, Active: true},
		{ID: "books", ChildID: "c1", BundleID: "com.example.books", DisplayName: "Books",
			Category: model.CategoryLearning, PointsPerHour: 60, Active: true},
		{ID: "paused", ChildID: "c1", BundleID: "com.example.paused", DisplayName: "Paused",
			Category: model.CategoryReward, PointsPerHour: 120, Active: false},
	} {
		c.CreatedAt, c.UpdatedAt = now, now
		_, err := cats.Upsert(ctx, c)
		require.NoError(t, err)
	}

	e := New(db, l, pub, rm, alloc, Config{Device: device}, testLogger())
	return fixture{engine: e, ledger: l, zone: zone, net: net, queue: q, alloc: alloc, cats: cats}
}

func TestValidateRedemption(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		child   string
		cat     string
		points  int
		status  Status
		minutes int
	}{
		{"valid", "c1", "games", 100, StatusValid, 50},
		{"default rate", "c1", "video", 100, StatusValid, 10},
		{"too many points", "c1", "games", 451, StatusInsufficientPoints, 225},
		{"unknown child", "nobody", "games", 100, StatusChildNotFound, 0},
		{"unknown app", "c1", "missing", 100, StatusAppNotFound, 0},
		{"learning app", "c1", "books", 100, StatusAppNotFound, 0},
		{"inactive reward", "c1", "paused", 100, StatusRewardInactive, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := f.engine.ValidateRedemption(ctx, tt.child, tt.cat, tt.points)
			require.NoError(t, err)
			assert.Equal(t, tt.status, v.Status)
			assert.Equal(t, tt.minutes, v.Minutes)
		})
	}

	_, err := f.engine.ValidateRedemption(ctx, "c1", "games", -1)
	assert.ErrorIs(t, err, ErrNegativeAmount)

	bal, err := f.ledger.Balance(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 450, bal, "validation must not spend")
}

func TestRedeem(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	res, err := f.engine.Redeem(ctx, "c1", "games", 100)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, res.Status())
	assert.Equal(t, coordination.Delivered, res.Outcome)
	assert.Equal(t, 350, res.Balance)
	require.NotNil(t, res.Redemption)
	assert.Equal(t, 50, res.Redemption.TimeGrantedMinutes)
	assert.Equal(t, 100, res.Redemption.PointsSpent)
	assert.Equal(t, model.AllocationAllocated, res.Redemption.AllocationStatus)
	assert.Equal(t, res.Transaction.ID, res.Redemption.TransactionID)
	assert.Equal(t, -100, res.Transaction.Points)
	assert.WithinDuration(t, res.Redemption.RedeemedAt.Add(DefaultWindow), res.Redemption.ExpiresAt, time.Second)
	require.Len(t, f.alloc.calls, 1)

	zone := recordstore.ZoneFor("fam-1")
	red, err := f.zone.Read(ctx, zone, recordstore.TypeRedemption, res.Redemption.ID)
	require.NoError(t, err)
	got, err := recordstore.ToRedemption(red)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationAllocated, got.AllocationStatus)

	_, err = f.zone.Read(ctx, zone, recordstore.TypePointTransaction, res.Transaction.ID)
	require.NoError(t, err)

	events, err := f.zone.Query(ctx, zone, recordstore.Query{Type: recordstore.TypeCoordinationEvent})
	require.NoError(t, err)
	require.Len(t, events, 1)
	event, err := recordstore.ToEvent(events[0])
	require.NoError(t, err)
	assert.Equal(t, model.ActivityRewardRedeemed, event.ActivityType)
	assert.Equal(t, "350", event.Changes[coordination.KeyNewBalance])
	assert.Equal(t, "dev-a", event.DeviceID)
}

func TestRedeem_RoundsMinutesDown(t *testing.T) {
	f := setupEngine(t)

	res, err := f.engine.Redeem(context.Background(), "c1", "video", 105)
	require.NoError(t, err)
	require.NotNil(t, res.Redemption)
	assert.Equal(t, 10, res.Redemption.TimeGrantedMinutes)
	assert.Equal(t, 105, res.Redemption.PointsSpent)
	assert.Equal(t, 345, res.Balance)
}

func TestRedeem_NoOps(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	for _, points := range []int{0, 9} {
		res, err := f.engine.Redeem(ctx, "c1", "video", points)
		require.NoError(t, err)
		assert.Equal(t, StatusValid, res.Status())
		assert.Nil(t, res.Redemption)
		assert.Equal(t, 450, res.Balance)
	}

	history, err := f.ledger.History(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Empty(t, f.alloc.calls)
}

func TestRedeem_InsufficientPointsSpendsNothing(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	res, err := f.engine.Redeem(ctx, "c1", "games", 500)
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientPoints, res.Status())
	assert.Equal(t, 500, res.Validation.Required)
	assert.Equal(t, 450, res.Validation.Available)
	assert.Nil(t, res.Redemption)

	bal, err := f.ledger.Balance(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 450, bal)
}

func TestRedeem_AllocationFailureKeepsSpend(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()
	f.alloc.fail(errors.New("family controls busy"))

	res, err := f.engine.Redeem(ctx, "c1", "games", 100)
	require.NoError(t, err)
	assert.Equal(t, StatusAllocationFailed, res.Status())
	assert.Error(t, res.AllocationErr)
	assert.Equal(t, model.AllocationFailed, res.Redemption.AllocationStatus)
	assert.Equal(t, 350, res.Balance)
	assert.Len(t, f.alloc.calls, 2, "transient failures are retried")

	f.alloc.fail(nil)
	r, err := f.engine.RetryAllocation(ctx, res.Redemption.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AllocationAllocated, r.AllocationStatus)

	bal, err := f.ledger.Balance(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 350, bal, "retrying allocation must not spend again")
}

func TestRedeem_CapabilityUnavailableIsNotRetried(t *testing.T) {
	f := setupEngine(t)
	f.alloc.fail(ErrCapabilityUnavailable)

	res, err := f.engine.Redeem(context.Background(), "c1", "games", 100)
	require.NoError(t, err)
	assert.Equal(t, StatusAllocationFailed, res.Status())
	assert.ErrorIs(t, res.AllocationErr, ErrCapabilityUnavailable)
	assert.Equal(t, model.AllocationCapabilityUnavailable, res.Redemption.AllocationStatus)
	assert.Len(t, f.alloc.calls, 1)
}

func TestRedeem_UsesActorFromContext(t *testing.T) {
	f := setupEngine(t)
	ctx := auth.WithActor(context.Background(), auth.Actor{
		UserID: "kid-1", FamilyID: "fam-1", DeviceID: "dev-a", Role: auth.RoleChild,
	})

	_, err := f.engine.Redeem(ctx, "c1", "games", 100)
	require.NoError(t, err)

	events, err := f.zone.Query(ctx, recordstore.ZoneFor("fam-1"), recordstore.Query{Type: recordstore.TypeCoordinationEvent})
	require.NoError(t, err)
	require.Len(t, events, 1)
	event, err := recordstore.ToEvent(events[0])
	require.NoError(t, err)
	assert.Equal(t, "kid-1", event.TriggeringUserID)
}

func TestRedeem_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan *Result, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Redeem(ctx, "c1", "games", 100)
			if err == nil {
				results <- res
			}
		}()
	}
	wg.Wait()
	close(results)

	granted := 0
	for res := range results {
		if res.Redemption != nil {
			granted++
		}
	}
	assert.Equal(t, 4, granted)

	bal, err := f.ledger.Balance(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 50, bal)
}

func TestExtend(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	res, err := f.engine.Redeem(ctx, "c1", "video", 100)
	require.NoError(t, err)

	ext, err := f.engine.Extend(ctx, res.Redemption.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, ext.Status())
	require.NotNil(t, ext.Redemption)
	assert.Equal(t, 50, ext.Redemption.PointsSpent)
	assert.Equal(t, 5, ext.Redemption.TimeGrantedMinutes)
	assert.Equal(t, res.Redemption.ID, ext.Redemption.ExtendsID)
	assert.Equal(t, res.Redemption.ExpiresAt, ext.Redemption.ExpiresAt)
	assert.Equal(t, 300, ext.Balance)

	active, err := f.engine.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestExtend_Rejections(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	_, err := f.engine.Extend(ctx, "missing", 5)
	assert.ErrorIs(t, err, ErrRedemptionNotFound)

	res, err := f.engine.Redeem(ctx, "c1", "video", 100)
	require.NoError(t, err)

	ext, err := f.engine.Extend(ctx, res.Redemption.ID, 100)
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientPoints, ext.Status())
	assert.Equal(t, 1000, ext.Validation.Required)

	_, err = f.engine.RecordUsage(ctx, res.Redemption.ID, 10)
	require.NoError(t, err)
	_, err = f.engine.Extend(ctx, res.Redemption.ID, 5)
	assert.ErrorIs(t, err, ErrRedemptionNotActive)
}

func TestRecordUsage(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	res, err := f.engine.Redeem(ctx, "c1", "games", 100)
	require.NoError(t, err)

	r, err := f.engine.RecordUsage(ctx, res.Redemption.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, r.TimeUsedMinutes)
	assert.Equal(t, 30, r.RemainingMinutes())
	assert.Equal(t, model.RedemptionActive, r.Status)

	r, err = f.engine.RecordUsage(ctx, res.Redemption.ID, 80)
	require.NoError(t, err)
	assert.Equal(t, 50, r.TimeUsedMinutes)
	assert.Equal(t, model.RedemptionUsed, r.Status)

	rec, err := f.zone.Read(ctx, recordstore.ZoneFor("fam-1"), recordstore.TypeRedemption, r.ID)
	require.NoError(t, err)
	got, err := recordstore.ToRedemption(rec)
	require.NoError(t, err)
	assert.Equal(t, model.RedemptionUsed, got.Status)
}

func TestExpireDue(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	res, err := f.engine.Redeem(ctx, "c1", "games", 100)
	require.NoError(t, err)

	n, err := f.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.engine.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	n, err = f.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := f.engine.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = f.engine.Extend(ctx, res.Redemption.ID, 5)
	assert.ErrorIs(t, err, ErrRedemptionNotActive)
}

func TestRedeem_WindowFromSettings(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	_, err := f.engine.settings.Set(ctx, store.SettingRedemptionWindow, "2")
	require.NoError(t, err)
	_, err = f.engine.settings.Set(ctx, store.SettingDefaultRewardRate, "5")
	require.NoError(t, err)

	res, err := f.engine.Redeem(ctx, "c1", "video", 100)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Redemption.TimeGrantedMinutes)
	assert.WithinDuration(t, res.Redemption.RedeemedAt.Add(2*time.Hour), res.Redemption.ExpiresAt, time.Second)
}

func TestRecordUsage_ReplayKeepsLatestUsage(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	res, err := f.engine.Redeem(ctx, "c1", "games", 100)
	require.NoError(t, err)
	id := res.Redemption.ID

	f.net.offline.Store(true)
	_, err = f.engine.RecordUsage(ctx, id, 10)
	require.NoError(t, err)
	f.net.offline.Store(false)

	_, err = f.engine.RecordUsage(ctx, id, 20)
	require.NoError(t, err)
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "the newer write waits behind the queued one")

	drained, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, drained.Succeeded)

	rec, err := f.zone.Read(ctx, recordstore.ZoneFor("fam-1"), recordstore.TypeRedemption, id)
	require.NoError(t, err)
	remote, err := recordstore.ToRedemption(rec)
	require.NoError(t, err)
	assert.Equal(t, 20, remote.TimeUsedMinutes)
}
