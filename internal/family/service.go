// Package family is the entry point for the mutations parents and
// children make on a device. Every mutation updates local state first and
// then publishes exactly one coordination event.
package family

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/screenpoints/internal/auth"
	"github.com/dukerupert/screenpoints/internal/coordination"
	"github.com/dukerupert/screenpoints/internal/ledger"
	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/recordstore"
	"github.com/dukerupert/screenpoints/internal/redemption"
	"github.com/dukerupert/screenpoints/internal/store"
)

var (
	ErrNotParent              = errors.New("only a parent can do this")
	ErrCategorizationNotFound = errors.New("categorization not found")
	ErrInvalidCategorization  = errors.New("invalid categorization")
	ErrNotLearningApp         = errors.New("app does not earn points")
	ErrInvalidInput           = errors.New("invalid input")
)

// Change is the result of a mutation: the local outcome plus whether it
// has reached the family zone yet.
type Change[T any] struct {
	Value   T
	Outcome coordination.Outcome
}

// Earning describes points earned or adjusted.
type Earning struct {
	Transaction *model.PointTransaction
	Balance     int
}

type Service struct {
	ledger    *ledger.Ledger
	engine    *redemption.Engine
	publisher *coordination.Publisher
	children  *store.ChildProfileStore
	cats      *store.CategorizationStore
	settings  *store.SettingsStore
	events    *store.EventStore
	device    auth.Actor
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Service. device is the actor used when a context carries
// none, typically the configured identity of this device.
func New(db *sql.DB, l *ledger.Ledger, engine *redemption.Engine, pub *coordination.Publisher, device auth.Actor, logger *slog.Logger) *Service {
	return &Service{
		ledger:    l,
		engine:    engine,
		publisher: pub,
		children:  store.NewChildProfileStore(db),
		cats:      store.NewCategorizationStore(db),
		settings:  store.NewSettingsStore(db),
		events:    store.NewEventStore(db),
		device:    device,
		logger:    logger.With("component", "family"),
		now:       time.Now,
	}
}

func (s *Service) actor(ctx context.Context) auth.Actor {
	if a, ok := auth.FromContext(ctx); ok {
		return a
	}
	return s.device
}

func (s *Service) requireParent(ctx context.Context) (auth.Actor, error) {
	a := s.actor(ctx)
	if a.Role != auth.RoleParent {
		return a, ErrNotParent
	}
	return a, nil
}

func (s *Service) child(ctx context.Context, id string) (*model.ChildProfile, error) {
	c, err := s.children.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ledger.ErrChildNotFound
	}
	return c, nil
}

func (s *Service) zone() string { return s.publisher.Zone() }

// Children lists the family's children.
func (s *Service) Children(ctx context.Context) ([]model.ChildProfile, error) {
	return s.children.List(ctx, s.actor(ctx).FamilyID)
}

func (s *Service) Child(ctx context.Context, id string) (*model.ChildProfile, error) {
	return s.child(ctx, id)
}

func (s *Service) AddChild(ctx context.Context, name string, birthDate *time.Time) (*Change[*model.ChildProfile], error) {
	a, err := s.requireParent(ctx)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	p, err := s.children.Create(ctx, model.ChildProfile{
		ID:        uuid.NewString(),
		FamilyID:  a.FamilyID,
		Name:      name,
		BirthDate: birthDate,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	rec, err := recordstore.FromProfile(s.zone(), a.DeviceID, *p)
	if err != nil {
		return nil, err
	}
	outcome, err := s.publisher.Publish(ctx, coordination.ChildAdded(a, *p), recordstore.CreateWrite(rec))
	return &Change[*model.ChildProfile]{Value: p, Outcome: outcome}, err
}

func (s *Service) EditProfile(ctx context.Context, childID, name string, birthDate *time.Time, verified bool) (*Change[*model.ChildProfile], error) {
	a, err := s.requireParent(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.child(ctx, childID); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}

	p, err := s.children.Update(ctx, childID, name, birthDate, verified)
	if err != nil {
		return nil, err
	}
	rec, err := recordstore.FromProfile(s.zone(), a.DeviceID, *p)
	if err != nil {
		return nil, err
	}
	outcome, err := s.publisher.Publish(ctx, coordination.ProfileModified(a, *p), recordstore.UpdateWrite(rec))
	return &Change[*model.ChildProfile]{Value: p, Outcome: outcome}, err
}

// AdjustPoints gives (points > 0) or takes (points < 0) points by hand.
func (s *Service) AdjustPoints(ctx context.Context, childID string, points int, reason string) (*Change[Earning], error) {
	a, err := s.requireParent(ctx)
	if err != nil {
		return nil, err
	}
	child, err := s.child(ctx, childID)
	if err != nil {
		return nil, err
	}

	t, balance, err := s.ledger.Apply(ctx, childID, points, reason, nil)
	if err != nil {
		return nil, err
	}
	return s.publishEarning(ctx, coordination.PointsAdjusted(a, *child, *t, balance), t, balance)
}

// RecordLearningUsage credits minutes of learning-app use. Usage too short
// to earn a whole point is ignored.
func (s *Service) RecordLearningUsage(ctx context.Context, childID, categorizationID string, minutes int) (*Change[Earning], error) {
	if minutes < 0 {
		return nil, fmt.Errorf("%w: negative minutes", ErrInvalidInput)
	}
	child, err := s.child(ctx, childID)
	if err != nil {
		return nil, err
	}
	app, err := s.cats.GetByID(ctx, categorizationID)
	if err != nil {
		return nil, err
	}
	if app == nil || app.ChildID != childID {
		return nil, ErrCategorizationNotFound
	}
	if app.Category != model.CategoryLearning || !app.Active {
		return nil, ErrNotLearningApp
	}

	points := redemption.EarnedFor(minutes, app.PointsPerHour)
	if points == 0 {
		return &Change[Earning]{Value: Earning{Balance: child.PointBalance}}, nil
	}

	reason := fmt.Sprintf("%d minutes of %s", minutes, app.DisplayName)
	t, balance, err := s.ledger.Apply(ctx, childID, points, reason, nil)
	if err != nil {
		return nil, err
	}
	event := coordination.LearningPointsEarned(s.actor(ctx), *child, *app, minutes, *t, balance)
	return s.publishEarning(ctx, event, t, balance)
}

func (s *Service) publishEarning(ctx context.Context, e model.CoordinationEvent, t *model.PointTransaction, balance int) (*Change[Earning], error) {
	res := &Change[Earning]{Value: Earning{Transaction: t, Balance: balance}}
	rec, err := recordstore.FromTransaction(s.zone(), *t)
	if err != nil {
		return res, err
	}
	// The points are committed locally; publishing must not be cut short.
	res.Outcome, err = s.publisher.Publish(context.WithoutCancel(ctx), e, recordstore.CreateWrite(rec))
	return res, err
}

func validCategorization(c model.AppCategorization) error {
	switch {
	case c.ChildID == "":
		return fmt.Errorf("%w: child is required", ErrInvalidCategorization)
	case c.BundleID == "":
		return fmt.Errorf("%w: bundle id is required", ErrInvalidCategorization)
	case !c.Category.Valid():
		return fmt.Errorf("%w: unknown category %q", ErrInvalidCategorization, c.Category)
	case c.PointsPerHour < 0 || c.CostPoints < 0 || c.CostMinutes < 0:
		return fmt.Errorf("%w: rates must not be negative", ErrInvalidCategorization)
	case c.Category == model.CategoryLearning && c.PointsPerHour == 0:
		return fmt.Errorf("%w: learning apps need points per hour", ErrInvalidCategorization)
	}
	return nil
}

func (s *Service) AddCategorization(ctx context.Context, c model.AppCategorization) (*Change[*model.AppCategorization], error) {
	a, err := s.requireParent(ctx)
	if err != nil {
		return nil, err
	}
	if err := validCategorization(c); err != nil {
		return nil, err
	}
	child, err := s.child(ctx, c.ChildID)
	if err != nil {
		return nil, err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DisplayName == "" {
		c.DisplayName = c.BundleID
	}
	now := s.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	saved, err := s.cats.Upsert(ctx, c)
	if err != nil {
		return nil, err
	}
	rec, err := recordstore.FromCategorization(s.zone(), a.DeviceID, *saved)
	if err != nil {
		return nil, err
	}
	outcome, err := s.publisher.Publish(ctx, coordination.CategorizationAdded(a, *child, *saved), recordstore.CreateWrite(rec))
	return &Change[*model.AppCategorization]{Value: saved, Outcome: outcome}, err
}

func (s *Service) ModifyCategorization(ctx context.Context, c model.AppCategorization) (*Change[*model.AppCategorization], error) {
	a, err := s.requireParent(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := s.cats.GetByID(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrCategorizationNotFound
	}
	c.ChildID = existing.ChildID
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = s.now().UTC()
	if err := validCategorization(c); err != nil {
		return nil, err
	}
	child, err := s.child(ctx, c.ChildID)
	if err != nil {
		return nil, err
	}

	saved, err := s.cats.Upsert(ctx, c)
	if err != nil {
		return nil, err
	}
	rec, err := recordstore.FromCategorization(s.zone(), a.DeviceID, *saved)
	if err != nil {
		return nil, err
	}
	outcome, err := s.publisher.Publish(ctx, coordination.CategorizationModified(a, *child, *saved), recordstore.UpdateWrite(rec))
	return &Change[*model.AppCategorization]{Value: saved, Outcome: outcome}, err
}

func (s *Service) RemoveCategorization(ctx context.Context, id string) (*Change[*model.AppCategorization], error) {
	a, err := s.requireParent(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := s.cats.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrCategorizationNotFound
	}
	child, err := s.child(ctx, existing.ChildID)
	if err != nil {
		return nil, err
	}

	if err := s.cats.Delete(ctx, id); err != nil {
		return nil, err
	}
	rec, err := recordstore.FromCategorization(s.zone(), a.DeviceID, *existing)
	if err != nil {
		return nil, err
	}
	outcome, err := s.publisher.Publish(ctx, coordination.CategorizationRemoved(a, *child, *existing), recordstore.DeleteWrite(rec))
	return &Change[*model.AppCategorization]{Value: existing, Outcome: outcome}, err
}

func (s *Service) Categorizations(ctx context.Context, childID string, category model.AppCategory) ([]model.AppCategorization, error) {
	return s.cats.ListByChild(ctx, childID, category)
}

func (s *Service) UpdateSetting(ctx context.Context, key, value string) (*Change[*model.Setting], error) {
	a, err := s.requireParent(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("%w: setting key is required", ErrInvalidInput)
	}

	setting, err := s.settings.Set(ctx, key, value)
	if err != nil {
		return nil, err
	}
	rec, err := recordstore.FromSetting(s.zone(), a.DeviceID, *setting)
	if err != nil {
		return nil, err
	}
	outcome, err := s.publisher.Publish(ctx, coordination.SettingsUpdated(a, *setting), recordstore.UpdateWrite(rec))
	return &Change[*model.Setting]{Value: setting, Outcome: outcome}, err
}

// Redeem spends a child's points on reward-app time.
func (s *Service) Redeem(ctx context.Context, childID, categorizationID string, points int) (*redemption.Result, error) {
	return s.engine.Redeem(ctx, childID, categorizationID, points)
}

// Activity returns the family's most recent coordination events, local
// and remote, newest first.
func (s *Service) Activity(ctx context.Context, limit int) ([]model.CoordinationEvent, error) {
	return s.events.Recent(ctx, s.actor(ctx).FamilyID, limit)
}
