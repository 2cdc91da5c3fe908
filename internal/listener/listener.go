// Package listener keeps a device's local state in step with its family
// zone. Every pass reads the records written after the device's
// high-water mark and re-applies the ones other devices wrote.
package listener

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/screenpoints/internal/coordination"
	"github.com/dukerupert/screenpoints/internal/ledger"
	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/notify"
	"github.com/dukerupert/screenpoints/internal/recordstore"
	"github.com/dukerupert/screenpoints/internal/retry"
	"github.com/dukerupert/screenpoints/internal/store"
)

const (
	DefaultPageSize         = 200
	DefaultResubscribeDelay = 5 * time.Second
)

type Config struct {
	FamilyID         string
	DeviceID         string
	PageSize         int
	ResubscribeDelay time.Duration
	// OnConnected runs every time the change stream is (re)established,
	// before the catch-up pass.
	OnConnected func(ctx context.Context)
}

// Listener applies remote changes to the local database.
type Listener struct {
	store       recordstore.Store
	ledger      *ledger.Ledger
	children    *store.ChildProfileStore
	cats        *store.CategorizationStore
	redemptions *store.RedemptionStore
	settings    *store.SettingsStore
	events      *store.EventStore
	sync        *store.SyncStateStore
	retry       *retry.Manager
	hub         *notify.Hub
	cfg         Config
	logger      *slog.Logger

	// pass serializes catch-up passes.
	pass sync.Mutex
}

func New(db *sql.DB, rs recordstore.Store, l *ledger.Ledger, rm *retry.Manager, hub *notify.Hub, cfg Config, logger *slog.Logger) *Listener {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = DefaultResubscribeDelay
	}
	return &Listener{
		store:       rs,
		ledger:      l,
		children:    store.NewChildProfileStore(db),
		cats:        store.NewCategorizationStore(db),
		redemptions: store.NewRedemptionStore(db),
		settings:    store.NewSettingsStore(db),
		events:      store.NewEventStore(db),
		sync:        store.NewSyncStateStore(db),
		retry:       rm,
		hub:         hub,
		cfg:         cfg,
		logger:      logger.With("component", "listener"),
	}
}

// OnRemoteChangeNotified catches up on everything written to the family's
// zone since the last pass and returns how many records from other
// devices were applied. The high-water mark advances record by record, so
// a failed pass resumes where it stopped.
func (l *Listener) OnRemoteChangeNotified(ctx context.Context, familyID string) (int, error) {
	l.pass.Lock()
	defer l.pass.Unlock()

	zone := recordstore.ZoneFor(familyID)
	hwm, err := l.sync.HighWaterMark(ctx, zone)
	if err != nil {
		return 0, err
	}

	applied := 0
	for {
		records, err := retry.Value(ctx, l.retry, "fetch changes", func(ctx context.Context) ([]recordstore.Record, error) {
			return l.store.Query(ctx, zone, recordstore.Query{AfterSeq: hwm, Limit: l.cfg.PageSize})
		})
		if err != nil {
			return applied, err
		}

		for _, rec := range records {
			switch {
			case rec.DeviceID != l.cfg.DeviceID:
				if err := l.apply(ctx, rec); err != nil {
					return applied, fmt.Errorf("apply %s/%s: %w", rec.Type, rec.ID, err)
				}
				applied++
			case rec.Type == recordstore.TypeRedemption:
				// The zone merges redemption writes, so our own copy may
				// carry usage recorded elsewhere.
				if err := l.apply(ctx, rec); err != nil {
					return applied, fmt.Errorf("apply %s/%s: %w", rec.Type, rec.ID, err)
				}
			}
			if err := l.sync.AdvanceHighWaterMark(ctx, zone, rec.Seq); err != nil {
				return applied, err
			}
			hwm = rec.Seq
		}

		if len(records) < l.cfg.PageSize {
			break
		}
	}

	if applied > 0 {
		l.logger.Info("remote changes applied", "zone", zone, "count", applied, "high_water_mark", hwm)
	}
	return applied, nil
}

func (l *Listener) apply(ctx context.Context, rec recordstore.Record) error {
	switch rec.Type {
	case recordstore.TypePointTransaction:
		t, err := recordstore.ToTransaction(rec)
		if err != nil {
			return err
		}
		return l.applyTransaction(ctx, t)

	case recordstore.TypeChildProfile:
		p, err := recordstore.ToProfile(rec)
		if err != nil {
			return err
		}
		return l.applyProfile(ctx, p)

	case recordstore.TypeAppCategorization:
		c, err := recordstore.ToCategorization(rec)
		if err != nil {
			return err
		}
		_, err = l.cats.Upsert(ctx, c)
		return err

	case recordstore.TypeRedemption:
		r, err := recordstore.ToRedemption(rec)
		if err != nil {
			return err
		}
		return l.redemptions.Upsert(ctx, r)

	case recordstore.TypeSetting:
		s, err := recordstore.ToSetting(rec)
		if err != nil {
			return err
		}
		_, err = l.settings.Set(ctx, s.Key, s.Value)
		return err

	case recordstore.TypeCoordinationEvent:
		e, err := recordstore.ToEvent(rec)
		if err != nil {
			return err
		}
		return l.applyEvent(ctx, rec.ZoneID, e)

	default:
		l.logger.Warn("skipping unknown record type", "type", rec.Type, "id", rec.ID)
		return nil
	}
}

func (l *Listener) applyTransaction(ctx context.Context, t model.PointTransaction) error {
	if _, err := l.ledger.ApplyRemote(ctx, t); err != nil {
		return err
	}
	return l.reconcile(ctx, t.ChildID)
}

func (l *Listener) applyProfile(ctx context.Context, p model.ChildProfile) error {
	if _, err := l.children.Upsert(ctx, p); err != nil {
		return err
	}
	return l.reconcile(ctx, p.ID)
}

// reconcile re-derives a child's balance. Transactions may arrive before
// their child's profile; those are counted when the profile lands.
func (l *Listener) reconcile(ctx context.Context, childID string) error {
	_, _, err := l.ledger.Reconcile(ctx, childID)
	if errors.Is(err, ledger.ErrChildNotFound) {
		return nil
	}
	return err
}

// applyEvent re-reads the records an event refers to. The event's own
// change payload is descriptive only.
func (l *Listener) applyEvent(ctx context.Context, zone string, e model.CoordinationEvent) error {
	var err error
	switch e.ActivityType {
	case model.ActivityChildAdded, model.ActivityProfileModified:
		err = l.refreshChild(ctx, zone, e.TargetEntityID)
	case model.ActivityPointsAdjusted, model.ActivityLearningPointsEarned:
		err = l.refreshTransaction(ctx, zone, e.Changes[coordination.KeyChildID], e.Changes[coordination.KeyTransactionID])
	case model.ActivityRewardRedeemed:
		err = l.refreshTransaction(ctx, zone, e.Changes[coordination.KeyChildID], e.Changes[coordination.KeyTransactionID])
		if err == nil {
			err = l.refreshRedemption(ctx, zone, e.TargetEntityID)
		}
	case model.ActivityCategorizationAdded, model.ActivityCategorizationModified, model.ActivityCategorizationRemoved:
		err = l.refreshCategorization(ctx, zone, e.TargetEntityID)
	case model.ActivitySettingsUpdated:
		err = l.refreshSetting(ctx, zone, e.TargetEntityID)
	}
	if err != nil {
		return err
	}

	if err := l.events.Save(ctx, e); err != nil {
		return err
	}
	l.hub.Broadcast(notify.NewMessage("event", "received", e.ID, map[string]any{
		"activity":    string(e.ActivityType),
		"description": coordination.Describe(e),
	}))
	return nil
}

func (l *Listener) read(ctx context.Context, zone, recordType, id string) (recordstore.Record, error) {
	return retry.Value(ctx, l.retry, "read "+recordType, func(ctx context.Context) (recordstore.Record, error) {
		return l.store.Read(ctx, zone, recordType, id)
	})
}

// refreshChild pulls a child's profile and every transaction the zone
// holds for them, then re-derives the balance.
func (l *Listener) refreshChild(ctx context.Context, zone, childID string) error {
	rec, err := l.read(ctx, zone, recordstore.TypeChildProfile, childID)
	if errors.Is(err, recordstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p, err := recordstore.ToProfile(rec)
	if err != nil {
		return err
	}
	if _, err := l.children.Upsert(ctx, p); err != nil {
		return err
	}

	var after int64
	for {
		txs, err := retry.Value(ctx, l.retry, "fetch transactions", func(ctx context.Context) ([]recordstore.Record, error) {
			return l.store.Query(ctx, zone, recordstore.Query{
				Type:     recordstore.TypePointTransaction,
				OwnerID:  childID,
				AfterSeq: after,
				Limit:    l.cfg.PageSize,
			})
		})
		if err != nil {
			return err
		}
		for _, rec := range txs {
			t, err := recordstore.ToTransaction(rec)
			if err != nil {
				return err
			}
			if _, err := l.ledger.ApplyRemote(ctx, t); err != nil {
				return err
			}
			after = rec.Seq
		}
		if len(txs) < l.cfg.PageSize {
			break
		}
	}
	return l.reconcile(ctx, childID)
}

func (l *Listener) refreshTransaction(ctx context.Context, zone, childID, txID string) error {
	if txID == "" {
		return l.reconcile(ctx, childID)
	}
	rec, err := l.read(ctx, zone, recordstore.TypePointTransaction, txID)
	if errors.Is(err, recordstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	t, err := recordstore.ToTransaction(rec)
	if err != nil {
		return err
	}
	return l.applyTransaction(ctx, t)
}

func (l *Listener) refreshRedemption(ctx context.Context, zone, id string) error {
	rec, err := l.read(ctx, zone, recordstore.TypeRedemption, id)
	if errors.Is(err, recordstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r, err := recordstore.ToRedemption(rec)
	if err != nil {
		return err
	}
	return l.redemptions.Upsert(ctx, r)
}

// refreshCategorization mirrors the zone: a categorization missing there
// has been removed and is deleted locally.
func (l *Listener) refreshCategorization(ctx context.Context, zone, id string) error {
	rec, err := l.read(ctx, zone, recordstore.TypeAppCategorization, id)
	if errors.Is(err, recordstore.ErrNotFound) {
		return l.cats.Delete(ctx, id)
	}
	if err != nil {
		return err
	}
	c, err := recordstore.ToCategorization(rec)
	if err != nil {
		return err
	}
	_, err = l.cats.Upsert(ctx, c)
	return err
}

func (l *Listener) refreshSetting(ctx context.Context, zone, key string) error {
	rec, err := l.read(ctx, zone, recordstore.TypeSetting, key)
	if errors.Is(err, recordstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s, err := recordstore.ToSetting(rec)
	if err != nil {
		return err
	}
	_, err = l.settings.Set(ctx, s.Key, s.Value)
	return err
}
