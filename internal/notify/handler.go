// Package notify delivers committed RSVP domain events: a Publisher feeds
// them to RabbitMQ (or straight to a Handler when no broker is
// configured), a Consumer reads them back, and the Handler schedules
// reminders and renders localized notifications for a Sender.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dalat-app/rsvp-engine/internal/admission"
	"github.com/dalat-app/rsvp-engine/internal/metrics"
	"github.com/dalat-app/rsvp-engine/internal/model"
	"github.com/dalat-app/rsvp-engine/internal/reminder"
)

// EventLookup resolves the event a domain event refers to.
type EventLookup interface {
	GetByID(ctx context.Context, id string) (model.Event, error)
}

// LocaleLookup returns the preferred locale of a user.
type LocaleLookup interface {
	Locale(ctx context.Context, userID string) (string, error)
}

// Reminders schedules and cancels event reminders.
type Reminders interface {
	Schedule(ctx context.Context, eventID, userID string, startsAt time.Time) ([]reminder.Reminder, error)
	Reschedule(ctx context.Context, eventID, userID string, startsAt time.Time) ([]reminder.Reminder, error)
	Cancel(ctx context.Context, eventID, userID string) error
}

// Attendees lists the committed RSVP entries of an event.
type Attendees interface {
	ListByStatus(ctx context.Context, eventID string, status model.RSVPStatus) ([]model.RSVP, error)
}

// Translator renders a message key in a locale.
type Translator interface {
	T(locale, key string, data map[string]any) string
}

// Handler turns domain events and due reminders into notifications.
type Handler struct {
	Events        EventLookup
	Users         LocaleLookup
	Reminders     Reminders // nil disables reminders
	Attendees     Attendees // nil ignores reschedules
	Translator    Translator
	Sender        Sender
	DefaultLocale string
	Log           *slog.Logger
}

// HandleMessage decodes a broker message body and handles it.
func (h *Handler) HandleMessage(ctx context.Context, body []byte) error {
	var ev admission.DomainEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return h.Handle(ctx, ev)
}

// Handle processes one domain event. Reminder failures are logged and do
// not stop the notification.
func (h *Handler) Handle(ctx context.Context, ev admission.DomainEvent) error {
	e, err := h.Events.GetByID(ctx, ev.EventID)
	if errors.Is(err, admission.ErrEventNotFound) {
		h.Log.Info("event gone, skipping notification", "type", ev.Type, "event_id", ev.EventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}

	data := map[string]any{"Title": e.Title, "Slug": e.Slug, "Position": ev.Position}
	var key string
	switch ev.Type {
	case admission.RsvpConfirmed:
		key = "notify_confirmed"
		h.schedule(ctx, e, ev.UserID)
	case admission.RsvpPromoted:
		key = "notify_promoted"
		h.schedule(ctx, e, ev.UserID)
	case admission.MarkedInterested:
		key = "notify_interested"
		h.schedule(ctx, e, ev.UserID)
	case admission.RsvpWaitlisted:
		key = "notify_waitlisted"
	case admission.RsvpCancelled:
		h.cancel(ctx, e, ev.UserID)
		return nil
	case admission.EventRescheduled:
		return h.reschedule(ctx, e)
	default:
		h.Log.Warn("unknown domain event type", "type", ev.Type)
		return nil
	}
	return h.send(ctx, string(ev.Type), e, ev.UserID, key, data)
}

// SendReminder renders and sends a due reminder.
func (h *Handler) SendReminder(ctx context.Context, r reminder.Reminder) error {
	e, err := h.Events.GetByID(ctx, r.EventID)
	if errors.Is(err, admission.ErrEventNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	key, data := "notify_reminder_hours", map[string]any{"Title": e.Title, "Hours": int(r.Before.Hours())}
	if r.Before < time.Hour {
		key, data = "notify_reminder_minutes", map[string]any{"Title": e.Title, "Minutes": int(r.Before.Minutes())}
	}
	return h.send(ctx, "reminder", e, r.UserID, key, data)
}

func (h *Handler) send(ctx context.Context, kind string, e model.Event, userID, key string, data map[string]any) error {
	locale := h.locale(ctx, userID)
	n := Notification{
		Kind:    kind,
		UserID:  userID,
		EventID: e.ID,
		Locale:  locale,
		Text:    h.Translator.T(locale, key, data),
		At:      time.Now().UTC(),
	}
	if err := h.Sender.Send(ctx, n); err != nil {
		metrics.Notifications.WithLabelValues(kind, "failed").Inc()
		return fmt.Errorf("send %s: %w", kind, err)
	}
	metrics.Notifications.WithLabelValues(kind, "sent").Inc()
	return nil
}

func (h *Handler) locale(ctx context.Context, userID string) string {
	if h.Users != nil {
		l, err := h.Users.Locale(ctx, userID)
		if err == nil && l != "" {
			return l
		}
		if err != nil {
			h.Log.Debug("locale lookup failed", "user_id", userID, "error", err)
		}
	}
	return h.DefaultLocale
}

func (h *Handler) schedule(ctx context.Context, e model.Event, userID string) {
	if h.Reminders == nil {
		return
	}
	if _, err := h.Reminders.Schedule(ctx, e.ID, userID, e.StartsAt); err != nil {
		h.Log.Warn("scheduling reminders failed", "event_id", e.ID, "user_id", userID, "error", err)
	}
}

// reschedule moves the reminders of everyone going or interested to the
// current start time of e and tells them about the change. Waitlisted users
// hold no reminders.
func (h *Handler) reschedule(ctx context.Context, e model.Event) error {
	if h.Attendees == nil {
		h.Log.Warn("no attendee source, reschedule ignored", "event_id", e.ID)
		return nil
	}
	data := map[string]any{"Title": e.Title, "When": e.StartsAt.UTC().Format("02 Jan 2006 15:04 UTC")}
	var errs []error
	for _, status := range []model.RSVPStatus{model.StatusGoing, model.StatusInterested} {
		rs, err := h.Attendees.ListByStatus(ctx, e.ID, status)
		if err != nil {
			return fmt.Errorf("list %s: %w", status, err)
		}
		for _, r := range rs {
			if h.Reminders != nil {
				if _, err := h.Reminders.Reschedule(ctx, e.ID, r.UserID, e.StartsAt); err != nil {
					h.Log.Warn("rescheduling reminders failed", "event_id", e.ID, "user_id", r.UserID, "error", err)
				}
			}
			if err := h.send(ctx, string(admission.EventRescheduled), e, r.UserID, "notify_rescheduled", data); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) cancel(ctx context.Context, e model.Event, userID string) {
	if h.Reminders == nil {
		return
	}
	if err := h.Reminders.Cancel(ctx, e.ID, userID); err != nil {
		h.Log.Warn("cancelling reminders failed", "event_id", e.ID, "user_id", userID, "error", err)
	}
}
