// Package reminder schedules "your event starts soon" reminders in a Redis
// sorted set scored by due time and hands due ones to a callback.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reminder is one pending notification for a user about an event.
type Reminder struct {
	EventID string
	UserID  string
	Before  time.Duration // lead time before the event starts
	DueAt   time.Time
}

func (r Reminder) member() string {
	return r.EventID + "|" + r.UserID + "|" + r.Before.String()
}

func parseMember(m string, score float64) (Reminder, error) {
	parts := strings.Split(m, "|")
	if len(parts) != 3 {
		return Reminder{}, fmt.Errorf("reminder: malformed member %q", m)
	}
	before, err := time.ParseDuration(parts[2])
	if err != nil {
		return Reminder{}, fmt.Errorf("reminder: malformed lead time in %q: %w", m, err)
	}
	return Reminder{EventID: parts[0], UserID: parts[1], Before: before, DueAt: time.Unix(int64(score), 0).UTC()}, nil
}

// Plan returns the reminders for an event starting at startsAt, one per
// lead time, leaving out those already due at now.
func Plan(eventID, userID string, startsAt, now time.Time, leads []time.Duration) []Reminder {
	var out []Reminder
	for _, lead := range leads {
		due := startsAt.Add(-lead)
		if !due.After(now) {
			continue
		}
		out = append(out, Reminder{EventID: eventID, UserID: userID, Before: lead, DueAt: due.UTC()})
	}
	return out
}

// Scheduler stores reminders in Redis. The due set holds every pending
// reminder; a per event and user set indexes them for cancellation.
type Scheduler struct {
	rdb    *redis.Client
	prefix string
	leads  []time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// NewScheduler returns a Scheduler with keys under prefix that plans one
// reminder per lead time.
func NewScheduler(rdb *redis.Client, prefix string, leads []time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{rdb: rdb, prefix: prefix, leads: leads, now: time.Now, log: log.With("component", "reminder")}
}

func (s *Scheduler) dueKey() string { return s.prefix + ":due" }

func (s *Scheduler) indexKey(eventID, userID string) string {
	return s.prefix + ":idx:" + eventID + ":" + userID
}

// Schedule plans and stores the reminders of userID for an event. Calling
// it again for the same pair refreshes the due times.
func (s *Scheduler) Schedule(ctx context.Context, eventID, userID string, startsAt time.Time) ([]Reminder, error) {
	rs := Plan(eventID, userID, startsAt, s.now(), s.leads)
	if len(rs) == 0 {
		return nil, nil
	}
	idx := s.indexKey(eventID, userID)
	pipe := s.rdb.TxPipeline()
	for _, r := range rs {
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: float64(r.DueAt.Unix()), Member: r.member()})
		pipe.SAdd(ctx, idx, r.member())
	}
	pipe.ExpireAt(ctx, idx, startsAt.Add(time.Hour))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("reminder: schedule: %w", err)
	}
	return rs, nil
}

// Cancel drops every pending reminder of userID for the event.
func (s *Scheduler) Cancel(ctx context.Context, eventID, userID string) error {
	idx := s.indexKey(eventID, userID)
	members, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("reminder: cancel: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	if len(members) > 0 {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		pipe.ZRem(ctx, s.dueKey(), args...)
	}
	pipe.Del(ctx, idx)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reminder: cancel: %w", err)
	}
	return nil
}

// Reschedule replaces the pending reminders of userID with the ones planned
// for a new start time. Lead times already past under the new start are
// dropped rather than left at their old due time.
func (s *Scheduler) Reschedule(ctx context.Context, eventID, userID string, startsAt time.Time) ([]Reminder, error) {
	if err := s.Cancel(ctx, eventID, userID); err != nil {
		return nil, err
	}
	return s.Schedule(ctx, eventID, userID, startsAt)
}

// PopDue claims up to limit reminders due at now. A reminder is returned
// by at most one caller, even with several pollers running.
func (s *Scheduler) PopDue(ctx context.Context, now time.Time, limit int64) ([]Reminder, error) {
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("reminder: pop due: %w", err)
	}
	var out []Reminder
	for _, z := range zs {
		m, _ := z.Member.(string)
		removed, err := s.rdb.ZRem(ctx, s.dueKey(), m).Result()
		if err != nil {
			return out, fmt.Errorf("reminder: claim: %w", err)
		}
		if removed == 0 {
			continue
		}
		r, err := parseMember(m, z.Score)
		if err != nil {
			s.log.Warn("dropping malformed reminder", "member", m, "error", err)
			continue
		}
		_ = s.rdb.SRem(ctx, s.indexKey(r.EventID, r.UserID), m).Err()
		out = append(out, r)
	}
	return out, nil
}

// Run polls for due reminders every interval and passes each to handle
// until ctx is done. Handler errors are logged; the reminder is not retried.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, handle func(context.Context, Reminder) error) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		due, err := s.PopDue(ctx, s.now(), 100)
		if err != nil {
			s.log.Warn("poll failed", "error", err)
		}
		for _, r := range due {
			if err := handle(ctx, r); err != nil {
				s.log.Error("reminder delivery failed", "event_id", r.EventID, "user_id", r.UserID, "before", r.Before, "error", err)
			}
		}
	}
}
