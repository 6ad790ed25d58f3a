package admission

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dalat-app/rsvp-engine/internal/model"
)

// MemoryStore keeps events and their ledgers in process memory. Each event
// carries a one-slot semaphore so WithEvent calls for the same event run one
// at a time while other events proceed in parallel.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*memEvent
	seq    atomic.Uint64
}

type memEvent struct {
	lock  chan struct{}
	event model.Event
	rsvps map[string]model.RSVP
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*memEvent)}
}

// AddEvent registers e, replacing any event with the same id together with
// its ledger.
func (s *MemoryStore) AddEvent(e model.Event) {
	e.Capacity = model.CopyCapacity(e.Capacity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = &memEvent{
		lock:  make(chan struct{}, 1),
		event: e,
		rsvps: make(map[string]model.RSVP),
	}
}

// UpdateEvent applies fn to a registered event, keeping its ledger. It waits
// for the event lock so it cannot interleave with a mutation. It is the edit
// path of an event registry kept in memory next to this store, as the
// handler tests do; the MySQL registry edits events in EventRepo.Update.
func (s *MemoryStore) UpdateEvent(ctx context.Context, eventID string, fn func(e *model.Event) error) (model.Event, error) {
	s.mu.RLock()
	me, ok := s.events[eventID]
	s.mu.RUnlock()
	if !ok {
		return model.Event{}, ErrEventNotFound
	}
	if err := acquire(ctx, me.lock, 0); err != nil {
		return model.Event{}, err
	}
	defer func() { <-me.lock }()

	s.mu.RLock()
	e := me.event
	s.mu.RUnlock()
	e.Capacity = model.CopyCapacity(e.Capacity)
	if err := fn(&e); err != nil {
		return model.Event{}, err
	}
	e.ID = eventID
	s.mu.Lock()
	me.event = e
	s.mu.Unlock()
	e.Capacity = model.CopyCapacity(e.Capacity)
	return e, nil
}

// Event returns the registered event.
func (s *MemoryStore) Event(_ context.Context, eventID string) (model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	me, ok := s.events[eventID]
	if !ok {
		return model.Event{}, ErrEventNotFound
	}
	e := me.event
	e.Capacity = model.CopyCapacity(e.Capacity)
	return e, nil
}

func (s *MemoryStore) GetCapacity(ctx context.Context, eventID string) (*int, error) {
	e, err := s.Event(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return e.Capacity, nil
}

func (s *MemoryStore) WithEvent(ctx context.Context, eventID string, wait time.Duration, fn func(ctx context.Context, l Ledger) error) error {
	s.mu.RLock()
	me, ok := s.events[eventID]
	s.mu.RUnlock()
	if !ok {
		return ErrEventNotFound
	}

	if err := acquire(ctx, me.lock, wait); err != nil {
		return err
	}
	defer func() { <-me.lock }()

	s.mu.RLock()
	l := &memLedger{
		seq:   &s.seq,
		event: me.event,
		rsvps: maps.Clone(me.rsvps),
	}
	l.event.Capacity = model.CopyCapacity(me.event.Capacity)
	s.mu.RUnlock()

	if err := fn(ctx, l); err != nil {
		return err
	}

	s.mu.Lock()
	me.event = l.event
	me.rsvps = l.rsvps
	s.mu.Unlock()
	return nil
}

// acquire takes the one-slot lock, giving up after wait when it is positive
// or once ctx is done.
func acquire(ctx context.Context, lock chan struct{}, wait time.Duration) error {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	select {
	case lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConcurrencyTimeout, ctx.Err())
	}
}

func (s *MemoryStore) Get(_ context.Context, eventID, userID string) (*model.RSVP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	me, ok := s.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	r, ok := me.rsvps[userID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, eventID string, status model.RSVPStatus) ([]model.RSVP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	me, ok := s.events[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return listByStatus(me.rsvps, status), nil
}

// memLedger is the staged copy a mutation works on.
type memLedger struct {
	seq   *atomic.Uint64
	event model.Event
	rsvps map[string]model.RSVP
}

func (l *memLedger) Event() model.Event {
	e := l.event
	e.Capacity = model.CopyCapacity(e.Capacity)
	return e
}

func (l *memLedger) Get(_ context.Context, userID string) (*model.RSVP, error) {
	r, ok := l.rsvps[userID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (l *memLedger) Upsert(_ context.Context, r *model.RSVP) error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrConstraintViolation, r.Status)
	}
	if r.PlusOnes < 0 {
		return fmt.Errorf("%w: plus_ones must not be negative", ErrConstraintViolation)
	}
	r.EventID = l.event.ID
	if r.QueuedAt != nil {
		at := *r.QueuedAt
		r.QueuedAt = &at
	}
	if cur, ok := l.rsvps[r.UserID]; ok {
		r.CreatedAt = cur.CreatedAt
		r.Seq = cur.Seq
	} else {
		r.Seq = l.seq.Add(1)
	}
	l.rsvps[r.UserID] = *r
	return nil
}

func (l *memLedger) ListByStatus(_ context.Context, status model.RSVPStatus) ([]model.RSVP, error) {
	return listByStatus(l.rsvps, status), nil
}

func (l *memLedger) Remove(_ context.Context, userID string) error {
	delete(l.rsvps, userID)
	return nil
}

func (l *memLedger) SetCapacity(_ context.Context, capacity *int) error {
	l.event.Capacity = model.CopyCapacity(capacity)
	return nil
}

func listByStatus(rsvps map[string]model.RSVP, status model.RSVPStatus) []model.RSVP {
	var out []model.RSVP
	for _, r := range rsvps {
		if r.Status == status {
			out = append(out, r)
		}
	}
	slices.SortFunc(out, func(a, b model.RSVP) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	return out
}
