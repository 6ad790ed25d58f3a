package admission

import (
	"context"
	"time"

	"github.com/dalat-app/rsvp-engine/internal/model"
)

// Summary is the seat picture of an event as shown next to the RSVP button.
type Summary struct {
	EventID         string `json:"event_id"`
	Capacity        *int   `json:"capacity"`
	GoingSpots      int    `json:"going_spots"`
	GoingCount      int    `json:"going_count"`
	WaitlistCount   int    `json:"waitlist_count"`
	InterestedCount int    `json:"interested_count"`
	SpotsLeft       *int   `json:"spots_left"`
	Full            bool   `json:"is_full"`
}

// WaitlistEntry is one queued party in FIFO order.
type WaitlistEntry struct {
	Position int       `json:"position"`
	UserID   string    `json:"user_id"`
	PlusOnes int       `json:"plus_ones"`
	QueuedAt time.Time `json:"queued_at"`
}

// Status returns the committed state of userID for eventID, including the
// waitlist position. Reads do not take the event lock, so the answer may be
// stale by the time the caller sees it.
func (c *Controller) Status(ctx context.Context, eventID, userID string) (Outcome, error) {
	if err := validateIDs(eventID, userID); err != nil {
		return Outcome{}, err
	}
	if _, err := c.store.GetCapacity(ctx, eventID); err != nil {
		return Outcome{}, err
	}
	r, err := c.store.Get(ctx, eventID, userID)
	if err != nil {
		return Outcome{}, err
	}
	if r == nil {
		return Outcome{EventID: eventID, UserID: userID, Status: model.StatusNone}, nil
	}
	pos := 0
	if r.Status == model.StatusWaitlist {
		queued, err := c.store.ListByStatus(ctx, eventID, model.StatusWaitlist)
		if err != nil {
			return Outcome{}, err
		}
		pos = positionIn(queued, userID)
	}
	return outcomeOf(*r, pos), nil
}

// Summary counts the entries of an event by status.
func (c *Controller) Summary(ctx context.Context, eventID string) (Summary, error) {
	capacity, err := c.store.GetCapacity(ctx, eventID)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{EventID: eventID, Capacity: capacity}
	counts := map[model.RSVPStatus]*int{
		model.StatusGoing:      &s.GoingCount,
		model.StatusWaitlist:   &s.WaitlistCount,
		model.StatusInterested: &s.InterestedCount,
	}
	for status, n := range counts {
		rs, err := c.store.ListByStatus(ctx, eventID, status)
		if err != nil {
			return Summary{}, err
		}
		*n = len(rs)
		if status == model.StatusGoing {
			s.GoingSpots = seatsOf(rs)
		}
	}
	if capacity != nil {
		left := *capacity - s.GoingSpots
		if left < 0 {
			left = 0
		}
		s.SpotsLeft = &left
		s.Full = left == 0
	}
	return s, nil
}

// Waitlist lists the queued parties of an event, head first.
func (c *Controller) Waitlist(ctx context.Context, eventID string) ([]WaitlistEntry, error) {
	if _, err := c.store.GetCapacity(ctx, eventID); err != nil {
		return nil, err
	}
	queued, err := c.store.ListByStatus(ctx, eventID, model.StatusWaitlist)
	if err != nil {
		return nil, err
	}
	out := make([]WaitlistEntry, len(queued))
	for i, r := range queued {
		out[i] = WaitlistEntry{Position: i + 1, UserID: r.UserID, PlusOnes: r.PlusOnes, QueuedAt: r.QueueKey()}
	}
	return out, nil
}
