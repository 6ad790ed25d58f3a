package model

import (
	"regexp"
	"strings"
	"time"
)

// Event is a scheduled community event as stored in the `events` table.
//
// Capacity is the maximum number of going seats (attendees plus their
// plus-ones). A nil Capacity means the event has no limit. SharedAt records
// the first time the organizer shared the event link; under the
// create_only slug policy the slug is frozen from that moment on.
type Event struct {
	ID        string     // events.id (UUID)
	Slug      string     // events.slug, unique and URL-stable
	Title     string     // events.title
	OwnerID   string     // events.owner_id
	StartsAt  time.Time  // events.starts_at (UTC)
	Capacity  *int       // events.capacity (nullable)
	SharedAt  *time.Time // events.shared_at (nullable)
	CreatedAt time.Time  // events.created_at
	UpdatedAt time.Time  // events.updated_at
}

// Unlimited reports whether the event accepts any number of going seats.
func (e Event) Unlimited() bool { return e.Capacity == nil }

// Shared reports whether the event link has been handed out.
func (e Event) Shared() bool { return e.SharedAt != nil }

// SlugEditability controls when an organizer may change an event slug.
type SlugEditability string

const (
	// SlugEditableAnytime allows slug edits at creation and afterwards.
	SlugEditableAnytime SlugEditability = "anytime"
	// SlugEditableCreateOnly freezes the slug once the event was shared.
	SlugEditableCreateOnly SlugEditability = "create_only"
)

// CanEditSlug reports whether the slug of e may still be changed.
func (p SlugEditability) CanEditSlug(e Event) bool {
	if p == SlugEditableCreateOnly {
		return !e.Shared()
	}
	return true
}

// CopyCapacity returns an independent copy of a nullable capacity.
func CopyCapacity(c *int) *int {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,78}[a-z0-9]$`)

// NormalizeSlug lower-cases and trims s and reports whether the result is a
// usable slug: 3 to 80 characters of a-z, 0-9 and inner dashes.
func NormalizeSlug(s string) (string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	return s, slugPattern.MatchString(s)
}
