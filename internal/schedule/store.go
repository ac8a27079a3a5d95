package schedule

import (
	"context"
	"time"
)

// Store defines scheduled message persistence.
// Every state change is atomic; MarkDispatched and Cancel only act on
// pending messages, which makes them safe to race across goroutines and,
// with a shared database, across processes.
type Store interface {
	// Schedule persists a new pending message
	Schedule(ctx context.Context, req ScheduleRequest) (*Message, error)

	// Get returns apperr.ErrNotFound for unknown IDs
	Get(ctx context.Context, id string) (*Message, error)

	// ListPending returns pending messages ordered by send time.
	// An empty recipient matches all.
	ListPending(ctx context.Context, recipient string) ([]*Message, error)

	// ListDue returns pending messages with send time not after now,
	// oldest first. limit <= 0 means no limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Message, error)

	// ListHistory returns resolved messages, most recently resolved first.
	// limit <= 0 means no limit.
	ListHistory(ctx context.Context, limit int) ([]*Message, error)

	// Cancel moves a pending message to canceled. Returns apperr.ErrConflict
	// if the message is no longer pending.
	Cancel(ctx context.Context, id string) (*Message, error)

	// MarkDispatched records a delivery outcome if the message is still
	// pending. applied is false when another actor resolved it first.
	MarkDispatched(ctx context.Context, id string, outcome Outcome) (applied bool, err error)

	Stats(ctx context.Context) (*Stats, error)

	// CleanupHistory removes resolved messages older than maxAge and keeps
	// at most maxCount of them. Zero disables either bound.
	CleanupHistory(ctx context.Context, maxAge time.Duration, maxCount int) (int, error)

	Close() error
}
