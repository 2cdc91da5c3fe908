package auth

import "context"

type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

type contextKey struct{}

// Actor identifies who is making a change and from which device.
type Actor struct {
	UserID   string
	FamilyID string
	DeviceID string
	Role     Role
}

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(contextKey{}).(Actor)
	return a, ok
}

func FamilyID(ctx context.Context) string {
	a, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return a.FamilyID
}

func UserID(ctx context.Context) string {
	a, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return a.UserID
}

func DeviceID(ctx context.Context) string {
	a, ok := FromContext(ctx)
	if !ok {
		return ""
	}
	return a.DeviceID
}

func IsParent(ctx context.Context) bool {
	a, ok := FromContext(ctx)
	if !ok {
		return false
	}
	return a.Role == RoleParent
}
