package model

import "time"

type OperationType string

// Raw record operations. Event-driven operations reuse the ActivityType value.
const (
	OperationCreate OperationType = "create"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

// OperationFor maps an activity to the offline operation type that carries it.
func OperationFor(a ActivityType) OperationType {
	return OperationType(a)
}

// OfflineOperation is a mutation waiting to reach the family zone.
type OfflineOperation struct {
	ID            string        `json:"id"`
	Type          OperationType `json:"type"`
	Payload       []byte        `json:"payload"`
	Timestamp     time.Time     `json:"timestamp"`
	RetryCount    int           `json:"retryCount"`
	LastError     string        `json:"lastError,omitempty"`
	LastAttemptAt *time.Time    `json:"lastAttemptAt,omitempty"`
}
