package db

import (
	"time"
)

// OperationStatus represents the terminal (or in-flight) state of a
// recorded operation.
type OperationStatus string

const (
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusSucceeded OperationStatus = "succeeded"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusCancelled OperationStatus = "cancelled"
)

// Operation is one privileged operation recorded in the history.
type Operation struct {
	ID           string // UUID
	Kind         string // install, reinstall, remove, upgrade, refresh
	Target       string // package name or .deb path
	Status       OperationStatus
	ExitCode     *int
	ErrorMessage *string
	StartedAt    time.Time
	CompletedAt  *time.Time
}
