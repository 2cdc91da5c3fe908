// Package redemption converts points into time-boxed reward-app access.
package redemption

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/screenpoints/internal/auth"
	"github.com/dukerupert/screenpoints/internal/coordination"
	"github.com/dukerupert/screenpoints/internal/ledger"
	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/recordstore"
	"github.com/dukerupert/screenpoints/internal/retry"
	"github.com/dukerupert/screenpoints/internal/store"
)

var (
	ErrRedemptionNotFound  = errors.New("redemption not found")
	ErrRedemptionNotActive = errors.New("redemption is not active")
	ErrNegativeAmount      = errors.New("amount must not be negative")

	// ErrCapabilityUnavailable means the device cannot enforce screen time
	// at all. Retrying does not help.
	ErrCapabilityUnavailable = retry.Permanent(errors.New("screen-time capability unavailable"))
)

// DefaultWindow is how long granted time stays usable.
const DefaultWindow = 24 * time.Hour

type Status string

const (
	StatusValid              Status = "valid"
	StatusInsufficientPoints Status = "insufficientPoints"
	StatusAppNotFound        Status = "appNotFound"
	StatusRewardInactive     Status = "rewardInactive"
	StatusChildNotFound      Status = "childNotFound"
	StatusAllocationFailed   Status = "allocationFailed"
)

// Validation is the outcome of checking a redemption request. Failures
// are results, not errors.
type Validation struct {
	Status    Status
	Required  int
	Available int
	Minutes   int
	Rate      float64
}

func (v Validation) Valid() bool { return v.Status == StatusValid }

// Allocator grants reward-app time on the device. It returns
// ErrCapabilityUnavailable when the device cannot enforce time at all;
// any other error is treated as a transient system failure.
type Allocator interface {
	Allocate(ctx context.Context, r model.Redemption, c model.AppCategorization) error
}

// Result describes a completed redemption or extension. Redemption is nil
// for rejected requests and for zero-point no-ops.
type Result struct {
	Validation    Validation
	Redemption    *model.Redemption
	Transaction   *model.PointTransaction
	Balance       int
	Outcome       coordination.Outcome
	AllocationErr error
}

// Status reports allocationFailed when the points were spent but the time
// was not granted on the device.
func (r *Result) Status() Status {
	if r.Validation.Valid() && r.Redemption != nil && r.Redemption.AllocationStatus != model.AllocationAllocated {
		return StatusAllocationFailed
	}
	return r.Validation.Status
}

type Config struct {
	Window      time.Duration
	DefaultRate float64
	// Device identifies changes made without an actor in the context.
	Device auth.Actor
}

type Engine struct {
	db          *sql.DB
	ledger      *ledger.Ledger
	children    *store.ChildProfileStore
	cats        *store.CategorizationStore
	redemptions *store.RedemptionStore
	settings    *store.SettingsStore
	publisher   *coordination.Publisher
	retry       *retry.Manager
	allocator   Allocator
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

func New(db *sql.DB, l *ledger.Ledger, pub *coordination.Publisher, rm *retry.Manager, alloc Allocator, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.DefaultRate <= 0 {
		cfg.DefaultRate = DefaultRate
	}
	return &Engine{
		db:          db,
		ledger:      l,
		children:    store.NewChildProfileStore(db),
		cats:        store.NewCategorizationStore(db),
		redemptions: store.NewRedemptionStore(db),
		settings:    store.NewSettingsStore(db),
		publisher:   pub,
		retry:       rm,
		allocator:   alloc,
		cfg:         cfg,
		logger:      logger.With("component", "redemption"),
		now:         time.Now,
	}
}

func (e *Engine) actor(ctx context.Context) auth.Actor {
	if a, ok := auth.FromContext(ctx); ok {
		return a
	}
	return e.cfg.Device
}

// defaultRate and window let family settings override the configured values.
func (e *Engine) defaultRate(ctx context.Context) float64 {
	if v, ok, err := e.settings.Lookup(ctx, store.SettingDefaultRewardRate); err == nil && ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return e.cfg.DefaultRate
}

func (e *Engine) window(ctx context.Context) time.Duration {
	if v, ok, err := e.settings.Lookup(ctx, store.SettingRedemptionWindow); err == nil && ok {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			return time.Duration(h) * time.Hour
		}
	}
	return e.cfg.Window
}

// ValidateRedemption checks whether childID can spend points on the reward
// app. It has no side effects.
func (e *Engine) ValidateRedemption(ctx context.Context, childID, categorizationID string, points int) (Validation, error) {
	v, _, _, err := e.validate(ctx, childID, categorizationID, points)
	return v, err
}

func (e *Engine) validate(ctx context.Context, childID, categorizationID string, points int) (Validation, *model.ChildProfile, *model.AppCategorization, error) {
	if points < 0 {
		return Validation{}, nil, nil, ErrNegativeAmount
	}

	child, err := e.children.GetByID(ctx, childID)
	if err != nil {
		return Validation{}, nil, nil, err
	}
	if child == nil {
		return Validation{Status: StatusChildNotFound}, nil, nil, nil
	}

	cat, err := e.cats.GetByID(ctx, categorizationID)
	if err != nil {
		return Validation{}, nil, nil, err
	}
	if cat == nil || cat.ChildID != childID || cat.Category != model.CategoryReward {
		return Validation{Status: StatusAppNotFound, Available: child.PointBalance}, child, nil, nil
	}
	if !cat.Active {
		return Validation{Status: StatusRewardInactive, Available: child.PointBalance}, child, cat, nil
	}

	rate := Rate(*cat, e.defaultRate(ctx))
	v := Validation{
		Status:    StatusValid,
		Required:  points,
		Available: child.PointBalance,
		Minutes:   MinutesFor(points, rate),
		Rate:      rate,
	}
	if points > child.PointBalance {
		v.Status = StatusInsufficientPoints
	}
	return v, child, cat, nil
}

// Redeem spends points on reward-app time. The spend and the redemption
// row commit together. Publishing and time allocation follow and are not
// canceled with ctx; an allocation failure leaves the spend in place and
// is reported through Result.Status.
func (e *Engine) Redeem(ctx context.Context, childID, categorizationID string, points int) (*Result, error) {
	v, child, cat, err := e.validate(ctx, childID, categorizationID, points)
	if err != nil {
		return nil, err
	}
	if !v.Valid() || points == 0 || v.Minutes == 0 {
		return &Result{Validation: v, Balance: v.Available}, nil
	}

	now := e.now().UTC()
	red := model.Redemption{
		ID:                 uuid.NewString(),
		ChildID:            childID,
		CategorizationID:   cat.ID,
		PointsSpent:        points,
		TimeGrantedMinutes: v.Minutes,
		ConversionRate:     v.Rate,
		RedeemedAt:         now,
		ExpiresAt:          now.Add(e.window(ctx)),
		Status:             model.RedemptionActive,
		AllocationStatus:   model.AllocationPending,
	}
	return e.commit(ctx, v, child, cat, red, fmt.Sprintf("redeemed for %s", cat.DisplayName))
}

// Extend buys additionalMinutes more on an active redemption. The
// extension is its own redemption row pointing at the original, sharing
// its expiry and rate.
func (e *Engine) Extend(ctx context.Context, redemptionID string, additionalMinutes int) (*Result, error) {
	if additionalMinutes < 0 {
		return nil, ErrNegativeAmount
	}

	base, err := e.redemptions.GetByID(ctx, redemptionID)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, ErrRedemptionNotFound
	}
	now := e.now().UTC()
	if base.Status != model.RedemptionActive || !base.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: %s", ErrRedemptionNotActive, base.Status)
	}

	cost := CostFor(additionalMinutes, base.ConversionRate)
	v, child, cat, err := e.validate(ctx, base.ChildID, base.CategorizationID, cost)
	if err != nil {
		return nil, err
	}
	v.Rate = base.ConversionRate
	v.Minutes = additionalMinutes
	if !v.Valid() || cost == 0 {
		return &Result{Validation: v, Balance: v.Available}, nil
	}

	ext := model.Redemption{
		ID:                 uuid.NewString(),
		ChildID:            base.ChildID,
		CategorizationID:   base.CategorizationID,
		ExtendsID:          base.ID,
		PointsSpent:        cost,
		TimeGrantedMinutes: additionalMinutes,
		ConversionRate:     base.ConversionRate,
		RedeemedAt:         now,
		ExpiresAt:          base.ExpiresAt,
		Status:             model.RedemptionActive,
		AllocationStatus:   model.AllocationPending,
	}
	return e.commit(ctx, v, child, cat, ext, fmt.Sprintf("extended %s", cat.DisplayName))
}

func (e *Engine) commit(ctx context.Context, v Validation, child *model.ChildProfile, cat *model.AppCategorization, red model.Redemption, reason string) (*Result, error) {
	t, balance, err := e.ledger.Apply(ctx, red.ChildID, -red.PointsSpent, reason, func(tx *sql.Tx, t *model.PointTransaction) error {
		red.TransactionID = t.ID
		return e.redemptions.WithTx(tx).Insert(ctx, red)
	})
	switch {
	case errors.Is(err, ledger.ErrInsufficientPoints):
		// The balance moved between validation and the spend.
		current, _ := e.ledger.Balance(ctx, red.ChildID)
		v.Status = StatusInsufficientPoints
		v.Available = current
		return &Result{Validation: v, Balance: current}, nil
	case errors.Is(err, ledger.ErrChildNotFound):
		return &Result{Validation: Validation{Status: StatusChildNotFound}}, nil
	case err != nil:
		return nil, err
	}

	e.logger.Info("points redeemed",
		"child_id", red.ChildID, "redemption_id", red.ID, "points", red.PointsSpent,
		"minutes", red.TimeGrantedMinutes, "extends", red.ExtendsID)

	// The spend is committed; nothing after this point may undo it.
	ctx = context.WithoutCancel(ctx)
	res := &Result{Validation: v, Redemption: &red, Transaction: t, Balance: balance}
	res.AllocationErr = e.allocate(ctx, &red, *cat)

	txRec, err := recordstore.FromTransaction(e.publisher.Zone(), *t)
	if err != nil {
		return res, err
	}
	redRec, err := recordstore.FromRedemption(e.publisher.Zone(), t.DeviceID, red)
	if err != nil {
		return res, err
	}
	event := coordination.RewardRedeemed(e.actor(ctx), *child, *cat, red, balance)
	res.Outcome, err = e.publisher.Publish(ctx, event, recordstore.CreateWrite(txRec), recordstore.UpdateWrite(redRec))
	return res, err
}

// allocate asks the device to grant r's time and records the outcome on
// the redemption.
func (e *Engine) allocate(ctx context.Context, r *model.Redemption, c model.AppCategorization) error {
	var err error
	if e.allocator == nil {
		err = ErrCapabilityUnavailable
	} else {
		err = e.retry.Do(ctx, "allocate time", func(ctx context.Context) error {
			return e.allocator.Allocate(ctx, *r, c)
		})
	}

	status := model.AllocationAllocated
	switch {
	case err == nil:
	case errors.Is(err, ErrCapabilityUnavailable):
		status = model.AllocationCapabilityUnavailable
	default:
		status = model.AllocationFailed
	}

	if err != nil {
		e.logger.Warn("time allocation failed, spend stands", "redemption_id", r.ID, "status", status, "error", err)
	}
	if uerr := e.redemptions.UpdateAllocation(ctx, r.ID, status); uerr != nil {
		return errors.Join(err, uerr)
	}
	r.AllocationStatus = status
	return err
}

// RetryAllocation retries only the time allocation of a redemption whose
// points were already spent.
func (e *Engine) RetryAllocation(ctx context.Context, redemptionID string) (*model.Redemption, error) {
	r, err := e.redemptions.GetByID(ctx, redemptionID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRedemptionNotFound
	}
	if r.AllocationStatus == model.AllocationAllocated {
		return r, nil
	}
	if r.Status != model.RedemptionActive {
		return r, fmt.Errorf("%w: %s", ErrRedemptionNotActive, r.Status)
	}

	cat, err := e.cats.GetByID(ctx, r.CategorizationID)
	if err != nil {
		return nil, err
	}
	if cat == nil {
		return r, fmt.Errorf("categorization %s: %w", r.CategorizationID, recordstore.ErrNotFound)
	}

	allocErr := e.allocate(ctx, r, *cat)
	if err := e.replicate(ctx, *r); err != nil {
		return r, err
	}
	return r, allocErr
}

// RecordUsage stores how many minutes of a redemption have been used,
// clamped to the granted time. A fully used redemption becomes used.
func (e *Engine) RecordUsage(ctx context.Context, redemptionID string, usedMinutes int) (*model.Redemption, error) {
	if usedMinutes < 0 {
		return nil, ErrNegativeAmount
	}
	r, err := e.redemptions.GetByID(ctx, redemptionID)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrRedemptionNotFound
	}

	if usedMinutes > r.TimeGrantedMinutes {
		usedMinutes = r.TimeGrantedMinutes
	}
	if usedMinutes < r.TimeUsedMinutes {
		usedMinutes = r.TimeUsedMinutes
	}
	r.TimeUsedMinutes = usedMinutes
	if r.Status == model.RedemptionActive && r.RemainingMinutes() == 0 {
		r.Status = model.RedemptionUsed
	}

	if err := e.redemptions.UpdateUsage(ctx, r.ID, r.TimeUsedMinutes, r.Status); err != nil {
		return nil, err
	}
	return r, e.replicate(ctx, *r)
}

// ExpireDue marks active redemptions past their expiry as expired and
// returns how many changed.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	due, err := e.redemptions.ListDue(ctx, e.now())
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	writes := make([]recordstore.Write, 0, len(due))
	for _, r := range due {
		if err := e.redemptions.UpdateStatus(ctx, r.ID, model.RedemptionExpired); err != nil {
			return 0, err
		}
		r.Status = model.RedemptionExpired
		rec, err := recordstore.FromRedemption(e.publisher.Zone(), e.actor(ctx).DeviceID, r)
		if err != nil {
			return 0, err
		}
		writes = append(writes, recordstore.UpdateWrite(rec))
	}

	e.logger.Info("redemptions expired", "count", len(due))
	_, err = e.publisher.Replicate(context.WithoutCancel(ctx), model.OperationUpdate, writes...)
	return len(due), err
}

// Active returns a child's unexpired active redemptions.
func (e *Engine) Active(ctx context.Context, childID string) ([]model.Redemption, error) {
	return e.redemptions.ListActive(ctx, childID, e.now())
}

func (e *Engine) replicate(ctx context.Context, r model.Redemption) error {
	rec, err := recordstore.FromRedemption(e.publisher.Zone(), e.actor(ctx).DeviceID, r)
	if err != nil {
		return err
	}
	_, err = e.publisher.Replicate(context.WithoutCancel(ctx), model.OperationUpdate, recordstore.UpdateWrite(rec))
	return err
}
