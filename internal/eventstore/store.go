// Package eventstore implements the durable, ordered event queue that decouples
// event producers from manager availability. Events are written to disk before
// they are acknowledged, handed to the dispatcher in oldest-first batches, and
// only removed once the sink confirmed delivery.
//
// Two backends implement the same contract: a relational one on SQLite (pure
// Go driver, via GORM) and a key-value one on bbolt. Both guarantee that
// FetchAndMarkPending is atomic — no two callers ever observe the same event
// in the processing state.
package eventstore

import (
	"context"
	"errors"
	"time"
)

// Status is the delivery state of a stored event. Transitions form a DAG:
// pending → processing → (dispatched | pending). Dispatched events are
// garbage-collected on the next dispatcher tick.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDispatched Status = "dispatched"
)

// ErrDuplicateID is returned by Insert when the id already exists. Ids are
// never reused; the caller must pick a new one.
var ErrDuplicateID = errors.New("eventstore: duplicate event id")

// Event is one persisted record.
type Event struct {
	ID        uint64
	Payload   string
	Type      string
	Status    Status
	CreatedAt time.Time
}

// Store is the durable event queue contract.
//
// Create must be called before any other method: it idempotently ensures the
// schema exists and performs crash recovery by resetting every processing
// event back to pending, so no event stays owned by a dead worker.
type Store interface {
	Create(ctx context.Context) error
	// Insert records a new pending event. Fails with ErrDuplicateID if the
	// id is already present.
	Insert(ctx context.Context, id uint64, payload, eventType string) error
	// PendingCount returns the exact number of pending events.
	PendingCount(ctx context.Context) (int, error)
	// FetchAndMarkPending atomically selects up to limit oldest pending
	// events, transitions them to processing and returns them in insertion
	// order. Returns fewer (possibly zero) events if not enough are pending.
	FetchAndMarkPending(ctx context.Context, limit int) ([]Event, error)
	// UpdateStatus transitions the listed processing events to status.
	// Unknown ids are ignored.
	UpdateStatus(ctx context.Context, ids []uint64, status Status) error
	// DeleteByStatus removes all events with the given status.
	DeleteByStatus(ctx context.Context, status Status) error
	Close() error
}
