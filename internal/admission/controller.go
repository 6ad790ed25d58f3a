// Package admission implements the RSVP state machine: it decides whether a
// user is going, waitlisted or merely interested, keeps the going seats of an
// event within its capacity, and promotes waitlisted users when seats free up.
//
// Every mutation runs inside Store.WithEvent, so decisions for one event are
// totally ordered and seat counts are recomputed from the ledger each time
// instead of being cached. Domain events are handed to the Dispatcher only
// after the ledger change has committed.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dalat-app/rsvp-engine/internal/metrics"
	"github.com/dalat-app/rsvp-engine/internal/model"
)

// Policy decides what the promotion scan does with a waitlist entry whose
// party does not fit into the free seats.
type Policy string

const (
	// PolicySkip passes over entries that do not fit and keeps scanning, so
	// a large party at the head cannot block smaller parties behind it.
	PolicySkip Policy = "skip"
	// PolicyStopAtHead keeps strict FIFO order: the scan ends at the first
	// entry that does not fit and newcomers queue behind a non-empty
	// waitlist even when seats are free.
	PolicyStopAtHead Policy = "stop_at_head"
)

// ParsePolicy converts a configuration value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicySkip, PolicyStopAtHead:
		return Policy(s), nil
	case "":
		return PolicySkip, nil
	}
	return "", fmt.Errorf("unknown promotion policy %q", s)
}

// Options tune a Controller. Zero values select the defaults noted below.
type Options struct {
	LockTimeout  time.Duration    // lock wait per attempt, default 3s
	MaxRetries   int              // extra attempts after ErrConcurrencyTimeout, default 0
	RetryBackoff time.Duration    // multiplied by the attempt number, default 50ms
	Policy       Policy           // default PolicySkip
	Now          func() time.Time // default time.Now
	Logger       *slog.Logger     // default slog.Default()
}

// Outcome is the authoritative result of an operation for the acting user.
// Promoted lists the users moved from the waitlist to going as a side effect.
type Outcome struct {
	EventID  string           `json:"event_id"`
	UserID   string           `json:"user_id"`
	Status   model.RSVPStatus `json:"status"`
	PlusOnes int              `json:"plus_ones"`
	Position int              `json:"waitlist_position,omitempty"`
	Promoted []string         `json:"promoted_user_ids,omitempty"`
}

// ResizeOutcome reports the result of a capacity change.
type ResizeOutcome struct {
	EventID    string   `json:"event_id"`
	Capacity   *int     `json:"capacity"`
	GoingSpots int      `json:"going_spots"`
	Promoted   []string `json:"promoted_user_ids,omitempty"`
}

// Controller is the admission state machine. It is safe for concurrent use.
type Controller struct {
	store      Store
	dispatcher Dispatcher
	opts       Options
	log        *slog.Logger
}

// NewController returns a Controller over store. A nil dispatcher discards
// domain events.
func NewController(store Store, dispatcher Dispatcher, opts Options) *Controller {
	if store == nil {
		panic("admission: nil store passed to NewController")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 3 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.Policy == "" {
		opts.Policy = PolicySkip
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	return &Controller{
		store:      store,
		dispatcher: dispatcher,
		opts:       opts,
		log:        lg.With("component", "admission"),
	}
}

// change collects what one committed mutation produced.
type change struct {
	out      Outcome
	events   []DomainEvent
	promoted int
}

func (ch *change) emit(ev DomainEvent) { ch.events = append(ch.events, ev) }

// RequestGoing asks for a going seat for userID and plusOnes guests.
//
// A user already going is left untouched. A waitlisted user keeps the queue
// position, gets the new party size and is promoted if it now fits. Anyone
// else becomes going when the seats fit (and, under PolicyStopAtHead, nobody
// is queued), otherwise joins the waitlist: at the tail, or at the place it
// held before stepping out to interested.
func (c *Controller) RequestGoing(ctx context.Context, eventID, userID string, plusOnes int) (Outcome, error) {
	if err := validateIDs(eventID, userID); err != nil {
		return Outcome{}, err
	}
	if plusOnes < 0 {
		return Outcome{}, fmt.Errorf("%w: plus_ones must not be negative", ErrConstraintViolation)
	}
	var ch change
	err := c.mutate(ctx, "request_going", eventID, func(ctx context.Context, l Ledger, now time.Time) error {
		ch = change{}
		return c.requestGoing(ctx, l, userID, plusOnes, now, &ch)
	})
	if err != nil {
		return Outcome{}, err
	}
	c.commit("request_going", &ch)
	return ch.out, nil
}

func (c *Controller) requestGoing(ctx context.Context, l Ledger, userID string, plusOnes int, now time.Time, ch *change) error {
	ev := l.Event()
	existing, err := l.Get(ctx, userID)
	if err != nil {
		return err
	}
	prior := statusOf(existing)
	if prior == model.StatusGoing {
		ch.out = outcomeOf(*existing, 0)
		return nil
	}

	entry := model.RSVP{EventID: ev.ID, UserID: userID, CreatedAt: now}
	if existing != nil {
		entry = *existing
	}
	entry.PlusOnes = plusOnes
	entry.UpdatedAt = now

	if prior == model.StatusWaitlist {
		return c.requeue(ctx, l, entry, now, ch)
	}

	going, err := l.ListByStatus(ctx, model.StatusGoing)
	if err != nil {
		return err
	}
	admit := fits(ev.Capacity, seatsOf(going), entry.Seats())
	if admit && ev.Capacity != nil && c.opts.Policy == PolicyStopAtHead {
		queued, err := l.ListByStatus(ctx, model.StatusWaitlist)
		if err != nil {
			return err
		}
		admit = len(queued) == 0
	}

	if admit {
		entry.Status = model.StatusGoing
		entry.QueuedAt = nil
		if err := l.Upsert(ctx, &entry); err != nil {
			return err
		}
		ch.out = outcomeOf(entry, 0)
		ch.emit(c.eventFor(RsvpConfirmed, entry, prior, now))
		return nil
	}

	if err := enqueue(ctx, l, &entry, now); err != nil {
		return err
	}
	if err := l.Upsert(ctx, &entry); err != nil {
		return err
	}
	pos, err := positionOf(ctx, l, userID)
	if err != nil {
		return err
	}
	ch.out = outcomeOf(entry, pos)
	wev := c.eventFor(RsvpWaitlisted, entry, prior, now)
	wev.Position = pos
	ch.emit(wev)
	return nil
}

// requeue handles a going request from a user who is already waitlisted.
func (c *Controller) requeue(ctx context.Context, l Ledger, entry model.RSVP, now time.Time, ch *change) error {
	if err := enqueue(ctx, l, &entry, now); err != nil {
		return err
	}
	if err := l.Upsert(ctx, &entry); err != nil {
		return err
	}
	promoted, err := c.promote(ctx, l, l.Event().Capacity, now)
	if err != nil {
		return err
	}
	var others []model.RSVP
	self := false
	for _, p := range promoted {
		if p.UserID == entry.UserID {
			self = true
			continue
		}
		others = append(others, p)
	}
	ch.promoted = len(promoted)
	if self {
		entry.Status = model.StatusGoing
		entry.QueuedAt = nil
		ch.out = outcomeOf(entry, 0)
		ch.emit(c.promotedEvent(entry, entry.UserID, now))
	} else {
		pos, err := positionOf(ctx, l, entry.UserID)
		if err != nil {
			return err
		}
		ch.out = outcomeOf(entry, pos)
		wev := c.eventFor(RsvpWaitlisted, entry, model.StatusWaitlist, now)
		wev.Position = pos
		ch.emit(wev)
	}
	ch.out.Promoted = userIDs(others)
	for _, p := range others {
		ch.emit(c.promotedEvent(p, entry.UserID, now))
	}
	return nil
}

// enqueue puts entry on the waitlist. An entry still holding a place from an
// earlier stay keeps it; any other entry goes to the tail, behind every
// queued entry even when the clock has not moved since the last one.
func enqueue(ctx context.Context, l Ledger, entry *model.RSVP, now time.Time) error {
	entry.Status = model.StatusWaitlist
	if entry.QueuedAt != nil {
		return nil
	}
	queued, err := l.ListByStatus(ctx, model.StatusWaitlist)
	if err != nil {
		return err
	}
	at := now
	for _, q := range queued {
		if q.UserID == entry.UserID {
			continue
		}
		if k := q.QueueKey(); !k.Before(at) {
			at = k.Add(time.Microsecond)
		}
	}
	entry.QueuedAt = &at
	return nil
}

// MarkInterested records non-committal interest. A user leaving the going
// list or the waitlist this way frees a seat or a queue slot, so the
// promotion scan runs in the same critical section.
func (c *Controller) MarkInterested(ctx context.Context, eventID, userID string) (Outcome, error) {
	if err := validateIDs(eventID, userID); err != nil {
		return Outcome{}, err
	}
	var ch change
	err := c.mutate(ctx, "mark_interested", eventID, func(ctx context.Context, l Ledger, now time.Time) error {
		ch = change{}
		existing, err := l.Get(ctx, userID)
		if err != nil {
			return err
		}
		prior := statusOf(existing)
		if prior == model.StatusInterested {
			ch.out = outcomeOf(*existing, 0)
			return nil
		}
		entry := model.RSVP{EventID: eventID, UserID: userID, CreatedAt: now}
		if existing != nil {
			entry = *existing
		}
		entry.Status = model.StatusInterested
		entry.UpdatedAt = now
		if err := l.Upsert(ctx, &entry); err != nil {
			return err
		}

		var promoted []model.RSVP
		if prior == model.StatusGoing || prior == model.StatusWaitlist {
			if promoted, err = c.promote(ctx, l, l.Event().Capacity, now); err != nil {
				return err
			}
		}
		ch.promoted = len(promoted)
		ch.out = outcomeOf(entry, 0)
		ch.out.Promoted = userIDs(promoted)
		iev := c.eventFor(MarkedInterested, entry, prior, now)
		iev.Promoted = ch.out.Promoted
		ch.emit(iev)
		for _, p := range promoted {
			ch.emit(c.promotedEvent(p, userID, now))
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	c.commit("mark_interested", &ch)
	return ch.out, nil
}

// Cancel removes the user's entry. Cancelling when there is no entry is a
// no-op that emits nothing. Cancelling a going entry frees its seats and
// promotes from the waitlist; cancelling a waitlist entry only shifts the
// positions behind it.
func (c *Controller) Cancel(ctx context.Context, eventID, userID string) (Outcome, error) {
	if err := validateIDs(eventID, userID); err != nil {
		return Outcome{}, err
	}
	var ch change
	err := c.mutate(ctx, "cancel", eventID, func(ctx context.Context, l Ledger, now time.Time) error {
		ch = change{out: Outcome{EventID: eventID, UserID: userID, Status: model.StatusNone}}
		existing, err := l.Get(ctx, userID)
		if err != nil || existing == nil {
			return err
		}
		if err := l.Remove(ctx, userID); err != nil {
			return err
		}
		prior := existing.Status
		var promoted []model.RSVP
		if prior == model.StatusGoing || (prior == model.StatusWaitlist && c.opts.Policy == PolicyStopAtHead) {
			if promoted, err = c.promote(ctx, l, l.Event().Capacity, now); err != nil {
				return err
			}
		}
		ch.promoted = len(promoted)
		ch.out.Promoted = userIDs(promoted)
		cev := c.eventFor(RsvpCancelled, *existing, prior, now)
		cev.Promoted = ch.out.Promoted
		ch.emit(cev)
		for _, p := range promoted {
			ch.emit(c.promotedEvent(p, userID, now))
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	c.commit("cancel", &ch)
	return ch.out, nil
}

// Resize changes the capacity of an event owned by ownerID. A nil capacity
// removes the limit. The new capacity may not be below the seats already
// taken by going entries; growing it promotes from the waitlist.
func (c *Controller) Resize(ctx context.Context, eventID, ownerID string, capacity *int) (ResizeOutcome, error) {
	if err := validateIDs(eventID, ownerID); err != nil {
		return ResizeOutcome{}, err
	}
	if capacity != nil && *capacity < 0 {
		return ResizeOutcome{}, fmt.Errorf("%w: capacity must not be negative", ErrConstraintViolation)
	}
	var (
		out ResizeOutcome
		ch  change
	)
	err := c.mutate(ctx, "resize", eventID, func(ctx context.Context, l Ledger, now time.Time) error {
		ch = change{}
		if l.Event().OwnerID != ownerID {
			return ErrNotOwner
		}
		going, err := l.ListByStatus(ctx, model.StatusGoing)
		if err != nil {
			return err
		}
		used := seatsOf(going)
		if capacity != nil && used > *capacity {
			return fmt.Errorf("%w: capacity %d is below the %d seats already taken", ErrConstraintViolation, *capacity, used)
		}
		newCap := model.CopyCapacity(capacity)
		if err := l.SetCapacity(ctx, newCap); err != nil {
			return err
		}
		promoted, err := c.promote(ctx, l, newCap, now)
		if err != nil {
			return err
		}
		ch.promoted = len(promoted)
		out = ResizeOutcome{EventID: eventID, Capacity: newCap, GoingSpots: used + seatsOf(promoted), Promoted: userIDs(promoted)}
		for _, p := range promoted {
			ch.emit(c.promotedEvent(p, ownerID, now))
		}
		return nil
	})
	if err != nil {
		return ResizeOutcome{}, err
	}
	c.commit("resize", &ch)
	return out, nil
}

// promote scans the waitlist oldest first and moves every entry whose party
// fits into the free seats to going. Under PolicyStopAtHead the scan ends at
// the first entry that does not fit.
func (c *Controller) promote(ctx context.Context, l Ledger, capacity *int, now time.Time) ([]model.RSVP, error) {
	queued, err := l.ListByStatus(ctx, model.StatusWaitlist)
	if err != nil || len(queued) == 0 {
		return nil, err
	}
	going, err := l.ListByStatus(ctx, model.StatusGoing)
	if err != nil {
		return nil, err
	}
	used := seatsOf(going)
	var promoted []model.RSVP
	for _, w := range queued {
		if !fits(capacity, used, w.Seats()) {
			if c.opts.Policy == PolicyStopAtHead {
				break
			}
			continue
		}
		w.Status = model.StatusGoing
		w.QueuedAt = nil
		w.UpdatedAt = now
		if err := l.Upsert(ctx, &w); err != nil {
			return nil, err
		}
		used += w.Seats()
		promoted = append(promoted, w)
	}
	return promoted, nil
}

// mutate runs fn under the event lock, retrying lock timeouts up to
// MaxRetries times with linear backoff.
func (c *Controller) mutate(ctx context.Context, op, eventID string, fn func(context.Context, Ledger, time.Time) error) error {
	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, eventID, fn)
		if err == nil || !errors.Is(err, ErrConcurrencyTimeout) {
			return err
		}
		metrics.LockTimeouts.WithLabelValues(op).Inc()
		if attempt >= c.opts.MaxRetries || ctx.Err() != nil {
			return err
		}
		wait := time.Duration(attempt+1) * c.opts.RetryBackoff
		c.log.Warn("event lock busy, retrying", "op", op, "event_id", eventID, "attempt", attempt+1, "wait", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}

func (c *Controller) attempt(ctx context.Context, eventID string, fn func(context.Context, Ledger, time.Time) error) error {
	requested := time.Now()
	return c.store.WithEvent(ctx, eventID, c.opts.LockTimeout, func(ctx context.Context, l Ledger) error {
		metrics.LockWait.Observe(time.Since(requested).Seconds())
		// Queue timestamps come from the moment the lock was granted, with
		// the precision the SQL ledger stores.
		return fn(ctx, l, c.opts.Now().UTC().Truncate(time.Microsecond))
	})
}

// commit records metrics and hands the events to the dispatcher once the
// ledger change is durable.
func (c *Controller) commit(op string, ch *change) {
	metrics.AdmissionOutcomes.WithLabelValues(op, string(ch.out.Status)).Inc()
	if ch.promoted > 0 {
		metrics.Promotions.Add(float64(ch.promoted))
	}
	if len(ch.events) == 0 {
		return
	}
	c.log.Debug("admission committed", "op", op, "event_id", ch.events[0].EventID, "events", len(ch.events))
	if c.dispatcher != nil {
		c.dispatcher.Dispatch(ch.events...)
	}
}

func (c *Controller) eventFor(t EventType, r model.RSVP, prior model.RSVPStatus, now time.Time) DomainEvent {
	return DomainEvent{
		Type:           t,
		EventID:        r.EventID,
		UserID:         r.UserID,
		Timestamp:      now,
		PlusOnes:       r.PlusOnes,
		PreviousStatus: prior,
	}
}

func (c *Controller) promotedEvent(r model.RSVP, triggeredBy string, now time.Time) DomainEvent {
	ev := c.eventFor(RsvpPromoted, r, model.StatusWaitlist, now)
	ev.TriggeredBy = triggeredBy
	return ev
}

func validateIDs(eventID, userID string) error {
	if userID == "" {
		return ErrNotAuthenticated
	}
	if eventID == "" {
		return ErrEventNotFound
	}
	return nil
}

func statusOf(r *model.RSVP) model.RSVPStatus {
	if r == nil {
		return model.StatusNone
	}
	return r.Status
}

func outcomeOf(r model.RSVP, position int) Outcome {
	return Outcome{EventID: r.EventID, UserID: r.UserID, Status: r.Status, PlusOnes: r.PlusOnes, Position: position}
}

// fits reports whether need more seats can be added to used under capacity.
func fits(capacity *int, used, need int) bool {
	return capacity == nil || used+need <= *capacity
}

func seatsOf(rs []model.RSVP) int {
	n := 0
	for _, r := range rs {
		n += r.Seats()
	}
	return n
}

func userIDs(rs []model.RSVP) []string {
	if len(rs) == 0 {
		return nil
	}
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.UserID
	}
	return ids
}

func positionOf(ctx context.Context, l Ledger, userID string) (int, error) {
	queued, err := l.ListByStatus(ctx, model.StatusWaitlist)
	if err != nil {
		return 0, err
	}
	return positionIn(queued, userID), nil
}

func positionIn(queued []model.RSVP, userID string) int {
	for i, r := range queued {
		if r.UserID == userID {
			return i + 1
		}
	}
	return 0
}
