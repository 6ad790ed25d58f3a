package admission

import (
	"context"
	"time"

	"github.com/dalat-app/rsvp-engine/internal/model"
)

// Ledger is the view of one event's RSVP entries handed to a mutation while
// the event is held exclusively. Writes made through a Ledger become visible
// only if the surrounding WithEvent call commits.
type Ledger interface {
	// Event returns the locked event row.
	Event() model.Event
	// Get returns the entry of userID, or nil when the user has none.
	Get(ctx context.Context, userID string) (*model.RSVP, error)
	// Upsert creates or overwrites the entry for (r.EventID, r.UserID).
	// CreatedAt and Seq are assigned on first creation only; for an
	// existing entry the stored values are kept and copied back into r.
	// QueuedAt is stored as given.
	Upsert(ctx context.Context, r *model.RSVP) error
	// ListByStatus returns the entries with the given status ordered by
	// queue key (QueuedAt, else CreatedAt) then Seq, oldest first.
	ListByStatus(ctx context.Context, status model.RSVPStatus) ([]model.RSVP, error)
	// Remove deletes the entry of userID. Removing an absent entry is not an
	// error.
	Remove(ctx context.Context, userID string) error
	// SetCapacity replaces the event capacity; nil means unlimited.
	SetCapacity(ctx context.Context, capacity *int) error
}

// Store combines the event registry with the RSVP ledger.
//
// WithEvent serialises every mutation of one event: fn runs while no other
// WithEvent call for the same event is running, and its effects are applied
// all together when fn returns nil and not at all otherwise. If exclusive
// access cannot be obtained within wait (no limit when wait <= 0) or before
// ctx is done, WithEvent returns an error matching ErrConcurrencyTimeout and
// nothing has been applied. Once access is granted only ctx bounds fn and
// the commit. A failed commit is reported as is, never as
// ErrConcurrencyTimeout, since its effects may have been applied. Calls for
// different events do not block each other.
type Store interface {
	GetCapacity(ctx context.Context, eventID string) (*int, error)
	WithEvent(ctx context.Context, eventID string, wait time.Duration, fn func(ctx context.Context, l Ledger) error) error

	// Get and ListByStatus read committed state without taking the lock.
	Get(ctx context.Context, eventID, userID string) (*model.RSVP, error)
	ListByStatus(ctx context.Context, eventID string, status model.RSVPStatus) ([]model.RSVP, error)
}
