package model

import "time"

// RSVPStatus is the attendance state of a ledger entry.
type RSVPStatus string

const (
	StatusGoing      RSVPStatus = "going"
	StatusWaitlist   RSVPStatus = "waitlist"
	StatusInterested RSVPStatus = "interested"
	// StatusNone describes a user without a ledger entry. It is never
	// persisted; cancellation removes the row.
	StatusNone RSVPStatus = "none"
)

// Valid reports whether s may be stored in the ledger.
func (s RSVPStatus) Valid() bool {
	switch s {
	case StatusGoing, StatusWaitlist, StatusInterested:
		return true
	}
	return false
}

// RSVP mirrors one row of the `rsvps` table: the single entry a user holds
// for an event.
//
// CreatedAt and Seq are assigned when the entry is first written and never
// change. QueuedAt is set when the entry joins the waitlist and survives a
// detour through interested, so a user who steps out of the queue and back
// keeps their place. It is cleared once the entry becomes going: someone who
// gives up a seat queues again behind everyone already waiting.
type RSVP struct {
	Seq       uint64     // rsvps.seq, insertion sequence used as tie-break
	EventID   string     // rsvps.event_id
	UserID    string     // rsvps.user_id
	Status    RSVPStatus // rsvps.status
	PlusOnes  int        // rsvps.plus_ones
	QueuedAt  *time.Time // rsvps.queued_at, nil unless waiting or holding a place
	CreatedAt time.Time  // rsvps.created_at
	UpdatedAt time.Time  // rsvps.updated_at
}

// Seats is the number of going seats the entry occupies or asks for.
func (r RSVP) Seats() int { return 1 + r.PlusOnes }

// QueueKey is the time that orders the entry among others with the same
// status: QueuedAt when set, CreatedAt otherwise.
func (r RSVP) QueueKey() time.Time {
	if r.QueuedAt != nil {
		return *r.QueuedAt
	}
	return r.CreatedAt
}

// Before reports whether r is queued ahead of o.
func (r RSVP) Before(o RSVP) bool {
	rk, ok := r.QueueKey(), o.QueueKey()
	if !rk.Equal(ok) {
		return rk.Before(ok)
	}
	return r.Seq < o.Seq
}
