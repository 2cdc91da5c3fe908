package model

import "time"

type ChildProfile struct {
	ID                string     `json:"id"`
	FamilyID          string     `json:"familyID"`
	Name              string     `json:"name"`
	PointBalance      int        `json:"pointBalance"`
	TotalPointsEarned int        `json:"totalPointsEarned"`
	BirthDate         *time.Time `json:"birthDate,omitempty"`
	IsVerified        bool       `json:"isVerified"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// PointTransaction is one immutable entry in a child's point log.
// Positive points are earned, negative points are spent.
type PointTransaction struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"childID"`
	Points    int       `json:"points"`
	Reason    string    `json:"reason"`
	DeviceID  string    `json:"deviceID"`
	CreatedAt time.Time `json:"createdAt"`
}

// PointBalance is a re-derived view of a child's transaction log.
type PointBalance struct {
	ChildID     string `json:"childID"`
	TotalEarned int    `json:"totalEarned"`
	TotalSpent  int    `json:"totalSpent"`
	Balance     int    `json:"balance"`
}
