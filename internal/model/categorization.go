package model

import "time"

type AppCategory string

const (
	CategoryLearning AppCategory = "learning"
	CategoryReward   AppCategory = "reward"
)

// Valid reports whether c is a known category.
func (c AppCategory) Valid() bool {
	return c == CategoryLearning || c == CategoryReward
}

// AppCategorization assigns an app to a category for one child.
// Learning apps earn PointsPerHour. Reward apps are bought either at
// PointsPerHour or, when both are set, at CostPoints per CostMinutes.
type AppCategorization struct {
	ID            string      `json:"id"`
	ChildID       string      `json:"childID"`
	BundleID      string      `json:"bundleID"`
	DisplayName   string      `json:"displayName"`
	Category      AppCategory `json:"category"`
	PointsPerHour int         `json:"pointsPerHour"`
	CostPoints    int         `json:"costPoints,omitempty"`
	CostMinutes   int         `json:"costMinutes,omitempty"`
	Active        bool        `json:"active"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}
