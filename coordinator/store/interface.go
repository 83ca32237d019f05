package store

import (
	"context"
)

// SnapshotStore persists the device registry. Writes replace the whole
// snapshot; the registry debounces them, so backends stay simple.
type SnapshotStore interface {
	SaveDevices(ctx context.Context, devices []DeviceRecord) error
	LoadDevices(ctx context.Context) ([]DeviceRecord, error)
	Close() error
}

// EventLog is an optional durable sink for task lifecycle events.
// Append failures are logged and never block the caller's state machine;
// in-memory state remains authoritative.
type EventLog interface {
	Append(ctx context.Context, e TaskEvent) error
	Close() error
}
