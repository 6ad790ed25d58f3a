package admission

import (
	"time"

	"github.com/dalat-app/rsvp-engine/internal/model"
)

// EventType names a domain event emitted after an admission decision
// commits. The values double as broker routing keys.
type EventType string

const (
	RsvpConfirmed    EventType = "rsvp.confirmed"
	RsvpWaitlisted   EventType = "rsvp.waitlisted"
	RsvpPromoted     EventType = "rsvp.promoted"
	RsvpCancelled    EventType = "rsvp.cancelled"
	MarkedInterested EventType = "rsvp.interested"
	// EventRescheduled is emitted by the event registry, not by an
	// admission decision: the start time changed and reminders must move.
	EventRescheduled EventType = "event.rescheduled"
)

// DomainEvent is the payload handed to the notification dispatcher.
//
// UserID is the user the event is about: the promoted user for RsvpPromoted,
// the acting user otherwise. TriggeredBy names the user whose action freed
// the seat for a promotion. Position is the 1-based waitlist position for
// RsvpWaitlisted. StartsAt is set for EventRescheduled, with UserID naming
// the organizer who moved the event.
type DomainEvent struct {
	Type           EventType        `json:"type"`
	EventID        string           `json:"event_id"`
	UserID         string           `json:"user_id"`
	Timestamp      time.Time        `json:"timestamp"`
	PlusOnes       int              `json:"plus_ones"`
	Position       int              `json:"position,omitempty"`
	PreviousStatus model.RSVPStatus `json:"previous_status,omitempty"`
	TriggeredBy    string           `json:"triggered_by,omitempty"`
	Promoted       []string         `json:"promoted_user_ids,omitempty"`
	StartsAt       *time.Time       `json:"starts_at,omitempty"`
}

// Rescheduled builds the EventRescheduled event for e, moved by userID.
func Rescheduled(e model.Event, userID string, now time.Time) DomainEvent {
	startsAt := e.StartsAt
	return DomainEvent{
		Type:      EventRescheduled,
		EventID:   e.ID,
		UserID:    userID,
		Timestamp: now,
		StartsAt:  &startsAt,
	}
}

// Dispatcher receives committed domain events. Dispatch must not block on
// delivery and never reports failure back to the controller.
type Dispatcher interface {
	Dispatch(events ...DomainEvent)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(events ...DomainEvent)

// Dispatch calls f(events...).
func (f DispatcherFunc) Dispatch(events ...DomainEvent) { f(events...) }
