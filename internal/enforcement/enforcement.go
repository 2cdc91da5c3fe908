// Package enforcement grants reward-app time on the device.
package enforcement

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dukerupert/screenpoints/internal/model"
	"github.com/dukerupert/screenpoints/internal/redemption"
)

// LogAllocator records grants instead of enforcing them. It is used on
// devices with no screen-time capability of their own, and keeps the
// grants so they can be inspected.
type LogAllocator struct {
	mu     sync.Mutex
	grants map[string]model.Redemption
	logger *slog.Logger
}

var _ redemption.Allocator = (*LogAllocator)(nil)

func NewLogAllocator(logger *slog.Logger) *LogAllocator {
	return &LogAllocator{
		grants: make(map[string]model.Redemption),
		logger: logger.With("component", "enforcement"),
	}
}

func (a *LogAllocator) Allocate(ctx context.Context, r model.Redemption, c model.AppCategorization) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	a.grants[r.ID] = r
	a.mu.Unlock()

	a.logger.Info("reward time granted",
		"redemption_id", r.ID,
		"child_id", r.ChildID,
		"app", c.BundleID,
		"minutes", r.TimeGrantedMinutes,
		"expires_at", r.ExpiresAt,
	)
	return nil
}

// Granted returns the grant recorded for a redemption.
func (a *LogAllocator) Granted(redemptionID string) (model.Redemption, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.grants[redemptionID]
	return r, ok
}

// Unavailable is the allocator of a device that cannot enforce screen
// time at all.
type Unavailable struct{}

func (Unavailable) Allocate(context.Context, model.Redemption, model.AppCategorization) error {
	return redemption.ErrCapabilityUnavailable
}
