package admission

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalat-app/rsvp-engine/internal/model"
)

const testEvent = "evt-1"

type recorder struct {
	mu     sync.Mutex
	events []DomainEvent
}

func (r *recorder) Dispatch(events ...DomainEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// take returns the events recorded since the previous call.
func (r *recorder) take() []DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.events
	r.events = nil
	return out
}

func (r *recorder) all() []DomainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DomainEvent(nil), r.events...)
}

// tickClock advances by step on every reading.
type tickClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func intp(n int) *int { return &n }

func newTestController(t *testing.T, capacity *int, opts Options) (*Controller, *MemoryStore, *recorder) {
	t.Helper()
	store := NewMemoryStore()
	store.AddEvent(model.Event{ID: testEvent, Slug: "da-lat-jazz", OwnerID: "owner", Capacity: capacity})
	rec := &recorder{}
	if opts.Now == nil {
		clk := &tickClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), step: time.Second}
		opts.Now = clk.Now
	}
	return NewController(store, rec, opts), store, rec
}

func types(events []DomainEvent) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func checkInvariants(t *testing.T, s *MemoryStore, eventID string) {
	t.Helper()
	ctx := context.Background()
	capacity, err := s.GetCapacity(ctx, eventID)
	require.NoError(t, err)
	going, err := s.ListByStatus(ctx, eventID, model.StatusGoing)
	require.NoError(t, err)
	if capacity != nil {
		require.LessOrEqual(t, seatsOf(going), *capacity, "going seats exceed capacity")
	}
	queued, err := s.ListByStatus(ctx, eventID, model.StatusWaitlist)
	require.NoError(t, err)
	for i := 1; i < len(queued); i++ {
		require.True(t, queued[i-1].Before(queued[i]), "waitlist out of order at %d", i)
	}
	for _, q := range queued {
		require.NotNil(t, q.QueuedAt, "waitlisted %s has no queue time", q.UserID)
	}
	for _, g := range going {
		require.Nil(t, g.QueuedAt, "going %s still holds a queue time", g.UserID)
	}
}

func TestLastSeatCancelPromotesWaitlistHead(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestController(t, intp(2), Options{})

	a, err := c.RequestGoing(ctx, testEvent, "A", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGoing, a.Status)

	b, err := c.RequestGoing(ctx, testEvent, "B", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGoing, b.Status)

	cOut, err := c.RequestGoing(ctx, testEvent, "C", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitlist, cOut.Status)
	assert.Equal(t, 1, cOut.Position)
	assert.Equal(t, []EventType{RsvpConfirmed, RsvpConfirmed, RsvpWaitlisted}, types(rec.take()))

	out, err := c.Cancel(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNone, out.Status)
	assert.Equal(t, []string{"C"}, out.Promoted)

	events := rec.take()
	require.Equal(t, []EventType{RsvpCancelled, RsvpPromoted}, types(events))
	assert.Equal(t, "A", events[0].UserID)
	assert.Equal(t, model.StatusGoing, events[0].PreviousStatus)
	assert.Equal(t, "C", events[1].UserID)
	assert.Equal(t, "A", events[1].TriggeredBy)

	st, err := c.Status(ctx, testEvent, "C")
	require.NoError(t, err)
	assert.Equal(t, model.StatusGoing, st.Status)
	checkInvariants(t, store, testEvent)
}

func TestLargePartyStaysQueuedWhenSeatsInsufficient(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestController(t, intp(1), Options{})

	_, err := c.RequestGoing(ctx, testEvent, "A", 0)
	require.NoError(t, err)
	b, err := c.RequestGoing(ctx, testEvent, "B", 2)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitlist, b.Status)
	rec.take()

	out, err := c.Cancel(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Empty(t, out.Promoted)
	assert.Equal(t, []EventType{RsvpCancelled}, types(rec.take()))

	st, err := c.Status(ctx, testEvent, "B")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitlist, st.Status)
	assert.Equal(t, 1, st.Position)
	checkInvariants(t, store, testEvent)
}

func TestUnlimitedCapacityAlwaysGoing(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestController(t, nil, Options{})

	for i := 0; i < 50; i++ {
		out, err := c.RequestGoing(ctx, testEvent, fmt.Sprintf("u%d", i), i%4)
		require.NoError(t, err)
		assert.Equal(t, model.StatusGoing, out.Status)
	}
	for _, e := range rec.all() {
		assert.Equal(t, RsvpConfirmed, e.Type)
	}

	sum, err := c.Summary(ctx, testEvent)
	require.NoError(t, err)
	assert.Nil(t, sum.Capacity)
	assert.Nil(t, sum.SpotsLeft)
	assert.False(t, sum.Full)
	assert.Equal(t, 50, sum.GoingCount)
	assert.Zero(t, sum.WaitlistCount)
}

func TestCancelAbsentEntryIsNoop(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestController(t, intp(3), Options{})

	out, err := c.Cancel(ctx, testEvent, "ghost")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNone, out.Status)
	assert.Empty(t, rec.all())

	_, err = c.RequestGoing(ctx, testEvent, "A", 0)
	require.NoError(t, err)
	_, err = c.Cancel(ctx, testEvent, "A")
	require.NoError(t, err)
	rec.take()

	_, err = c.Cancel(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Empty(t, rec.all())
}

func TestInputErrors(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestController(t, intp(3), Options{})

	_, err := c.RequestGoing(ctx, testEvent, "", 0)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.MarkInterested(ctx, testEvent, "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	_, err = c.Cancel(ctx, testEvent, "")
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = c.RequestGoing(ctx, "missing", "A", 0)
	assert.ErrorIs(t, err, ErrEventNotFound)
	_, err = c.MarkInterested(ctx, "missing", "A")
	assert.ErrorIs(t, err, ErrEventNotFound)
	_, err = c.Cancel(ctx, "missing", "A")
	assert.ErrorIs(t, err, ErrEventNotFound)
	_, err = c.Status(ctx, "missing", "A")
	assert.ErrorIs(t, err, ErrEventNotFound)

	_, err = c.RequestGoing(ctx, testEvent, "A", -1)
	assert.ErrorIs(t, err, ErrConstraintViolation)

	assert.Empty(t, rec.all())
}

func TestRoundTripLeavesNoResidue(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t, intp(1), Options{})

	first, err := c.RequestGoing(ctx, testEvent, "A", 0)
	require.NoError(t, err)
	_, err = c.Cancel(ctx, testEvent, "A")
	require.NoError(t, err)
	again, err := c.RequestGoing(ctx, testEvent, "A", 0)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	// Same for a user that was queued before cancelling.
	queued, err := c.RequestGoing(ctx, testEvent, "B", 0)
	require.NoError(t, err)
	require.Equal(t, model.StatusWaitlist, queued.Status)
	_, err = c.Cancel(ctx, testEvent, "B")
	require.NoError(t, err)
	requeued, err := c.RequestGoing(ctx, testEvent, "B", 0)
	require.NoError(t, err)
	assert.Equal(t, queued, requeued)
}

func TestAlreadyGoingIsNoop(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestController(t, intp(5), Options{})

	_, err := c.RequestGoing(ctx, testEvent, "A", 1)
	require.NoError(t, err)
	rec.take()

	out, err := c.RequestGoing(ctx, testEvent, "A", 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGoing, out.Status)
	assert.Equal(t, 1, out.PlusOnes)
	assert.Empty(t, rec.all())
}

func TestSkipPolicyPromotesSmallerPartyBehindLargeHead(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t, intp(3), Options{Policy: PolicySkip})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	mustGoing(t, c, "B", 2, model.StatusWaitlist)
	// Seats are free and newcomers are not held behind B.
	mustGoing(t, c, "C", 0, model.StatusGoing)
	mustGoing(t, c, "D", 1, model.StatusWaitlist)

	out, err := c.Cancel(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, out.Promoted)

	list, err := c.Waitlist(ctx, testEvent)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "B", list[0].UserID)
	checkInvariants(t, store, testEvent)
}

func TestStopAtHeadPolicyKeepsStrictOrder(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t, intp(3), Options{Policy: PolicyStopAtHead})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	mustGoing(t, c, "B", 2, model.StatusWaitlist)
	mustGoing(t, c, "C", 0, model.StatusWaitlist)

	out, err := c.Cancel(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, out.Promoted)

	st, err := c.Status(ctx, testEvent, "C")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitlist, st.Status)
	assert.Equal(t, 1, st.Position)
	checkInvariants(t, store, testEvent)
}

func TestStopAtHeadCancelFromWaitlistUnblocksQueue(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestController(t, intp(3), Options{Policy: PolicyStopAtHead})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	mustGoing(t, c, "B", 2, model.StatusWaitlist)
	mustGoing(t, c, "C", 1, model.StatusWaitlist)
	rec.take()

	out, err := c.Cancel(ctx, testEvent, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, out.Promoted)
	assert.Equal(t, []EventType{RsvpCancelled, RsvpPromoted}, types(rec.take()))
}

func TestMarkInterestedFreesSeat(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestController(t, intp(1), Options{})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	mustGoing(t, c, "B", 0, model.StatusWaitlist)
	rec.take()

	out, err := c.MarkInterested(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInterested, out.Status)
	assert.Equal(t, []string{"B"}, out.Promoted)

	events := rec.take()
	require.Equal(t, []EventType{MarkedInterested, RsvpPromoted}, types(events))
	assert.Equal(t, model.StatusGoing, events[0].PreviousStatus)
	assert.Equal(t, []string{"B"}, events[0].Promoted)
	assert.Equal(t, "B", events[1].UserID)

	again, err := c.MarkInterested(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInterested, again.Status)
	assert.Empty(t, rec.all())

	sum, err := c.Summary(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.GoingCount)
	assert.Equal(t, 1, sum.InterestedCount)
	assert.True(t, sum.Full)
	checkInvariants(t, store, testEvent)
}

func TestInterestedUserKeepsWaitlistPlace(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t, intp(1), Options{})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	mustGoing(t, c, "B", 0, model.StatusWaitlist)
	_, err := c.MarkInterested(ctx, testEvent, "B")
	require.NoError(t, err)
	held, err := store.Get(ctx, testEvent, "B")
	require.NoError(t, err)
	require.NotNil(t, held.QueuedAt)
	mustGoing(t, c, "C", 0, model.StatusWaitlist)

	out, err := c.RequestGoing(ctx, testEvent, "B", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitlist, out.Status)
	assert.Equal(t, 1, out.Position)

	list, err := c.Waitlist(ctx, testEvent)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "B", list[0].UserID)
	assert.Equal(t, "C", list[1].UserID)
	assert.True(t, list[0].QueuedAt.Equal(*held.QueuedAt))
	checkInvariants(t, store, testEvent)
}

func TestInterestedWithoutWaitlistStayJoinsTail(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t, intp(1), Options{})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	_, err := c.MarkInterested(ctx, testEvent, "B")
	require.NoError(t, err)
	mustGoing(t, c, "C", 0, model.StatusWaitlist)

	out := mustGoing(t, c, "B", 0, model.StatusWaitlist)
	assert.Equal(t, 2, out.Position)

	list, err := c.Waitlist(ctx, testEvent)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{"C", "B"}, []string{list[0].UserID, list[1].UserID})
	checkInvariants(t, store, testEvent)
}

func TestSeatGivenUpQueuesBehindWaitingUsers(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t, intp(1), Options{})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	mustGoing(t, c, "B", 0, model.StatusWaitlist)
	mustGoing(t, c, "C", 0, model.StatusWaitlist)

	out, err := c.MarkInterested(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, out.Promoted)

	back := mustGoing(t, c, "A", 0, model.StatusWaitlist)
	assert.Equal(t, 2, back.Position)

	out, err = c.Cancel(ctx, testEvent, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, out.Promoted)

	st, err := c.Status(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitlist, st.Status)
	assert.Equal(t, 1, st.Position)
	checkInvariants(t, store, testEvent)
}

func TestPromotedUserLosesOldWaitlistPlace(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t, intp(1), Options{})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	mustGoing(t, c, "B", 0, model.StatusWaitlist)
	mustGoing(t, c, "C", 0, model.StatusWaitlist)
	out, err := c.Cancel(ctx, testEvent, "A")
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, out.Promoted)

	r, err := store.Get(ctx, testEvent, "B")
	require.NoError(t, err)
	assert.Nil(t, r.QueuedAt)

	_, err = c.MarkInterested(ctx, testEvent, "B")
	require.NoError(t, err)
	mustGoing(t, c, "D", 0, model.StatusWaitlist)
	back := mustGoing(t, c, "B", 0, model.StatusWaitlist)
	assert.Equal(t, 2, back.Position)

	list, err := c.Waitlist(ctx, testEvent)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, []string{"D", "B"}, []string{list[0].UserID, list[1].UserID})
}

func TestWaitlistedUserShrinksPartyAndIsPromoted(t *testing.T) {
	ctx := context.Background()
	c, _, rec := newTestController(t, intp(2), Options{})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	mustGoing(t, c, "B", 2, model.StatusWaitlist)
	rec.take()

	out, err := c.RequestGoing(ctx, testEvent, "B", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGoing, out.Status)
	assert.Zero(t, out.PlusOnes)
	assert.Empty(t, out.Promoted)

	events := rec.take()
	require.Len(t, events, 1)
	assert.Equal(t, RsvpPromoted, events[0].Type)
	assert.Equal(t, "B", events[0].UserID)
}

func TestWaitlistedUserGrowsPartyKeepsPosition(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTestController(t, intp(1), Options{})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	mustGoing(t, c, "B", 0, model.StatusWaitlist)
	mustGoing(t, c, "C", 0, model.StatusWaitlist)

	out, err := c.RequestGoing(ctx, testEvent, "B", 3)
	require.NoError(t, err)
	assert.Equal(t, model.StatusWaitlist, out.Status)
	assert.Equal(t, 1, out.Position)
	assert.Equal(t, 3, out.PlusOnes)
}

func TestIdenticalTimestampsBreakTiesByInsertion(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c, _, _ := newTestController(t, intp(1), Options{Now: func() time.Time { return fixed }})

	mustGoing(t, c, "A", 0, model.StatusGoing)
	for i, u := range []string{"W1", "W2", "W3"} {
		out, err := c.RequestGoing(ctx, testEvent, u, 0)
		require.NoError(t, err)
		assert.Equal(t, i+1, out.Position)
	}

	out, err := c.Cancel(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"W1"}, out.Promoted)

	st, err := c.Status(ctx, testEvent, "W3")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Position)
}

func TestResize(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestController(t, intp(1), Options{})

	// A needs 2 seats and queues; B takes the only one.
	mustGoing(t, c, "A", 1, model.StatusWaitlist)
	mustGoing(t, c, "B", 0, model.StatusGoing)
	mustGoing(t, c, "C", 0, model.StatusWaitlist)
	rec.take()

	_, err := c.Resize(ctx, testEvent, "intruder", intp(10))
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = c.Resize(ctx, testEvent, "owner", intp(-1))
	assert.ErrorIs(t, err, ErrConstraintViolation)
	_, err = c.Resize(ctx, testEvent, "owner", intp(0))
	assert.ErrorIs(t, err, ErrConstraintViolation)

	out, err := c.Resize(ctx, testEvent, "owner", intp(3))
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, out.Promoted)
	assert.Equal(t, 3, out.GoingSpots)
	assert.Equal(t, 3, *out.Capacity)

	events := rec.take()
	require.Equal(t, []EventType{RsvpPromoted}, types(events))
	assert.Equal(t, "owner", events[0].TriggeredBy)

	out, err = c.Resize(ctx, testEvent, "owner", nil)
	require.NoError(t, err)
	assert.Nil(t, out.Capacity)
	assert.Equal(t, []string{"C"}, out.Promoted)
	checkInvariants(t, store, testEvent)
}

func TestLockTimeoutCommitsNothing(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestController(t, intp(5), Options{LockTimeout: 20 * time.Millisecond, MaxRetries: 1, RetryBackoff: 5 * time.Millisecond})

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.WithEvent(ctx, testEvent, 0, func(ctx context.Context, l Ledger) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	_, err := c.RequestGoing(ctx, testEvent, "A", 0)
	assert.ErrorIs(t, err, ErrConcurrencyTimeout)
	close(release)
	require.NoError(t, <-done)

	r, err := store.Get(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Empty(t, rec.all())
}

func TestLockTimeoutRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t, intp(5), Options{LockTimeout: 20 * time.Millisecond, MaxRetries: 3, RetryBackoff: 10 * time.Millisecond})

	held := make(chan struct{})
	go func() {
		_ = store.WithEvent(ctx, testEvent, 0, func(ctx context.Context, l Ledger) error {
			close(held)
			time.Sleep(30 * time.Millisecond)
			return nil
		})
	}()
	<-held

	out, err := c.RequestGoing(ctx, testEvent, "A", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGoing, out.Status)
}

// commitFailStore applies mutations and then reports a failed commit, the
// way a connection lost during COMMIT looks to the caller.
type commitFailStore struct {
	*MemoryStore
	calls int
}

func (s *commitFailStore) WithEvent(ctx context.Context, eventID string, wait time.Duration, fn func(context.Context, Ledger) error) error {
	s.calls++
	if err := s.MemoryStore.WithEvent(ctx, eventID, wait, fn); err != nil {
		return err
	}
	return errors.New("commit: invalid connection")
}

func TestUnknownCommitOutcomeIsNotRetried(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	mem.AddEvent(model.Event{ID: testEvent, OwnerID: "owner", Capacity: intp(1)})
	store := &commitFailStore{MemoryStore: mem}
	rec := &recorder{}
	c := NewController(store, rec, Options{MaxRetries: 3, RetryBackoff: time.Millisecond})

	_, err := c.RequestGoing(ctx, testEvent, "A", 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConcurrencyTimeout)
	assert.Equal(t, 1, store.calls)
	assert.Empty(t, rec.all())
}

func TestMemoryStoreWaitBoundsOnlyTheLock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.AddEvent(model.Event{ID: testEvent, OwnerID: "owner"})

	err := store.WithEvent(ctx, testEvent, 10*time.Millisecond, func(ctx context.Context, l Ledger) error {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, ctx.Err())
		return l.Upsert(ctx, &model.RSVP{UserID: "A", Status: model.StatusGoing, CreatedAt: time.Now()})
	})
	require.NoError(t, err)
	r, err := store.Get(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestFailedMutationRollsBack(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.AddEvent(model.Event{ID: testEvent, OwnerID: "owner", Capacity: intp(2)})

	boom := errors.New("boom")
	err := store.WithEvent(ctx, testEvent, 0, func(ctx context.Context, l Ledger) error {
		require.NoError(t, l.Upsert(ctx, &model.RSVP{UserID: "A", Status: model.StatusGoing, CreatedAt: time.Now()}))
		require.NoError(t, l.SetCapacity(ctx, intp(9)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	r, err := store.Get(ctx, testEvent, "A")
	require.NoError(t, err)
	assert.Nil(t, r)
	capacity, err := store.GetCapacity(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, 2, *capacity)
}

func TestNilDispatcher(t *testing.T) {
	store := NewMemoryStore()
	store.AddEvent(model.Event{ID: testEvent, OwnerID: "owner", Capacity: intp(1)})
	c := NewController(store, nil, Options{})

	out, err := c.RequestGoing(context.Background(), testEvent, "A", 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusGoing, out.Status)
}

func TestConcurrentRequestsNeverOverbook(t *testing.T) {
	ctx := context.Background()
	c, store, rec := newTestController(t, intp(10), Options{LockTimeout: 5 * time.Second})

	const users = 100
	var wg sync.WaitGroup
	outcomes := make([]Outcome, users)
	errs := make([]error, users)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = c.RequestGoing(ctx, testEvent, fmt.Sprintf("u%03d", i), 0)
		}(i)
	}
	wg.Wait()

	going := 0
	positions := map[int]bool{}
	for i, out := range outcomes {
		require.NoError(t, errs[i])
		switch out.Status {
		case model.StatusGoing:
			going++
		case model.StatusWaitlist:
			assert.False(t, positions[out.Position], "duplicate position %d", out.Position)
			positions[out.Position] = true
		}
	}
	assert.Equal(t, 10, going)
	assert.Len(t, positions, users-10)
	assert.Len(t, rec.all(), users)
	checkInvariants(t, store, testEvent)
}

func TestConcurrentMixedOperationsKeepInvariants(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t, intp(7), Options{LockTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(w), 99))
			for i := 0; i < 60; i++ {
				user := fmt.Sprintf("u%d", rng.IntN(20))
				var err error
				switch rng.IntN(3) {
				case 0:
					_, err = c.RequestGoing(ctx, testEvent, user, rng.IntN(3))
				case 1:
					_, err = c.MarkInterested(ctx, testEvent, user)
				default:
					_, err = c.Cancel(ctx, testEvent, user)
				}
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	checkInvariants(t, store, testEvent)
}

func TestRandomSequencesKeepInvariants(t *testing.T) {
	ctx := context.Background()
	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7))
			c, store, _ := newTestController(t, intp(1+rng.IntN(6)), Options{})
			keys := map[string]model.RSVP{}

			for i := 0; i < 200; i++ {
				user := fmt.Sprintf("u%d", rng.IntN(12))
				var err error
				switch op := rng.IntN(10); {
				case op < 5:
					_, err = c.RequestGoing(ctx, testEvent, user, rng.IntN(3))
				case op < 7:
					_, err = c.MarkInterested(ctx, testEvent, user)
				case op < 9:
					_, err = c.Cancel(ctx, testEvent, user)
				default:
					going, _ := store.ListByStatus(ctx, testEvent, model.StatusGoing)
					_, err = c.Resize(ctx, testEvent, "owner", intp(seatsOf(going)+rng.IntN(4)))
				}
				require.NoError(t, err)
				checkInvariants(t, store, testEvent)

				// Queue keys never change while an entry exists.
				for u := range keys {
					r, err := store.Get(ctx, testEvent, u)
					require.NoError(t, err)
					if r == nil {
						delete(keys, u)
						continue
					}
					assert.Equal(t, keys[u].Seq, r.Seq)
					assert.True(t, keys[u].CreatedAt.Equal(r.CreatedAt))
				}
				if r, _ := store.Get(ctx, testEvent, user); r != nil {
					if _, ok := keys[user]; !ok {
						keys[user] = *r
					}
				}
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)
	p, err = ParsePolicy("stop_at_head")
	require.NoError(t, err)
	assert.Equal(t, PolicyStopAtHead, p)
	_, err = ParsePolicy("lottery")
	assert.Error(t, err)
}

func TestMemoryStoreUpdateEventKeepsLedger(t *testing.T) {
	ctx := context.Background()
	c, store, _ := newTestController(t, intp(1), Options{})
	mustGoing(t, c, "a", 0, model.StatusGoing)

	e, err := store.UpdateEvent(ctx, testEvent, func(e *model.Event) error {
		e.Title = "Renamed"
		e.ID = "ignored"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, testEvent, e.ID)
	assert.Equal(t, "Renamed", e.Title)

	r, err := store.Get(ctx, testEvent, "a")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, model.StatusGoing, r.Status)

	boom := errors.New("boom")
	_, err = store.UpdateEvent(ctx, testEvent, func(e *model.Event) error {
		e.Title = "Lost"
		return boom
	})
	assert.ErrorIs(t, err, boom)
	got, err := store.Event(ctx, testEvent)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Title)

	_, err = store.UpdateEvent(ctx, "missing", func(*model.Event) error { return nil })
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func mustGoing(t *testing.T, c *Controller, user string, plusOnes int, want model.RSVPStatus) Outcome {
	t.Helper()
	out, err := c.RequestGoing(context.Background(), testEvent, user, plusOnes)
	require.NoError(t, err)
	require.Equal(t, want, out.Status, "user %s", user)
	return out
}
