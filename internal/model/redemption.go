package model

import "time"

type RedemptionStatus string

const (
	RedemptionActive  RedemptionStatus = "active"
	RedemptionUsed    RedemptionStatus = "used"
	RedemptionExpired RedemptionStatus = "expired"
)

type AllocationStatus string

const (
	AllocationPending               AllocationStatus = "pending"
	AllocationAllocated             AllocationStatus = "allocated"
	AllocationCapabilityUnavailable AllocationStatus = "capability_unavailable"
	AllocationFailed                AllocationStatus = "failed"
)

// Redemption converts spent points into reward-app time. Extensions are
// stored as their own rows pointing at the redemption they extend.
type Redemption struct {
	ID                 string           `json:"id"`
	ChildID            string           `json:"childID"`
	CategorizationID   string           `json:"categorizationID"`
	TransactionID      string           `json:"transactionID"`
	ExtendsID          string           `json:"extendsID,omitempty"`
	PointsSpent        int              `json:"pointsSpent"`
	TimeGrantedMinutes int              `json:"timeGrantedMinutes"`
	ConversionRate     float64          `json:"conversionRate"`
	RedeemedAt         time.Time        `json:"redeemedAt"`
	ExpiresAt          time.Time        `json:"expiresAt"`
	TimeUsedMinutes    int              `json:"timeUsedMinutes"`
	Status             RedemptionStatus `json:"status"`
	AllocationStatus   AllocationStatus `json:"allocationStatus"`
}

// RemainingMinutes returns granted time not yet used.
func (r Redemption) RemainingMinutes() int {
	if r.TimeUsedMinutes >= r.TimeGrantedMinutes {
		return 0
	}
	return r.TimeGrantedMinutes - r.TimeUsedMinutes
}

func (s RedemptionStatus) rank() int {
	switch s {
	case RedemptionUsed:
		return 2
	case RedemptionExpired:
		return 1
	default:
		return 0
	}
}

func (s AllocationStatus) rank() int {
	switch s {
	case AllocationAllocated:
		return 2
	case AllocationFailed, AllocationCapabilityUnavailable:
		return 1
	default:
		return 0
	}
}

// Merge combines two copies of the same redemption written by different
// devices or at different times. Only usage and status move, and only
// forward: used minutes never decrease, used and expired never return to
// active, and an allocated grant stays allocated. The result does not
// depend on the order the copies arrive in.
func (r Redemption) Merge(other Redemption) Redemption {
	out := r
	if other.TimeUsedMinutes > out.TimeUsedMinutes {
		out.TimeUsedMinutes = other.TimeUsedMinutes
	}
	if out.TimeUsedMinutes > out.TimeGrantedMinutes {
		out.TimeUsedMinutes = out.TimeGrantedMinutes
	}
	if other.Status.rank() > out.Status.rank() {
		out.Status = other.Status
	}
	if out.Status == RedemptionActive && out.TimeGrantedMinutes > 0 && out.RemainingMinutes() == 0 {
		out.Status = RedemptionUsed
	}
	if a, b := other.AllocationStatus.rank(), out.AllocationStatus.rank(); a > b || (a == b && other.AllocationStatus > out.AllocationStatus) {
		out.AllocationStatus = other.AllocationStatus
	}
	return out
}
