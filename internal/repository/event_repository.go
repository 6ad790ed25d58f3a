package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dalat-app/rsvp-engine/internal/admission"
	"github.com/dalat-app/rsvp-engine/internal/model"
)

// EventRepo is the event registry. Capacity changes go through the
// admission controller so they can promote waitlisted users; everything
// else about an event is edited here.
type EventRepo struct {
	db *sql.DB
}

// NewEventRepo returns a new EventRepo bound to the given database.
func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// EventPatch carries the optional fields of an event edit.
type EventPatch struct {
	Title    *string
	Slug     *string
	StartsAt *time.Time
}

const selectEvent = `SELECT id, slug, title, owner_id, starts_at, capacity, shared_at, created_at, updated_at FROM events`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Create inserts e, assigning an id when empty. Timestamps are filled in
// from the database clock.
func (r *EventRepo) Create(ctx context.Context, e *model.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	const q = `INSERT INTO events (id, slug, title, owner_id, starts_at, capacity, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, q, e.ID, e.Slug, e.Title, e.OwnerID, e.StartsAt.UTC(), nullCapacity(e.Capacity), now, now)
	if err != nil {
		switch mysqlCode(err) {
		case errDupEntry:
			return ErrSlugTaken
		case errNoReferencedRow:
			return admission.ErrUserNotFound
		}
		return err
	}
	e.CreatedAt, e.UpdatedAt = now, now
	return nil
}

// GetByID returns the event or ErrEventNotFound.
func (r *EventRepo) GetByID(ctx context.Context, id string) (model.Event, error) {
	return scanEvent(r.db.QueryRowContext(ctx, selectEvent+" WHERE id = ?", id))
}

// GetBySlug resolves a share link.
func (r *EventRepo) GetBySlug(ctx context.Context, slug string) (model.Event, error) {
	return scanEvent(r.db.QueryRowContext(ctx, selectEvent+" WHERE slug = ?", slug))
}

// Update applies p to the event owned by ownerID. Slug edits are checked
// against policy while the row is locked.
func (r *EventRepo) Update(ctx context.Context, id, ownerID string, p EventPatch, policy model.SlugEditability) (model.Event, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Event{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	e, err := scanEvent(tx.QueryRowContext(ctx, selectEvent+" WHERE id = ? FOR UPDATE", id))
	if err != nil {
		return model.Event{}, err
	}
	if e.OwnerID != ownerID {
		return model.Event{}, ErrForbidden
	}
	if p.Slug != nil && *p.Slug != e.Slug {
		if !policy.CanEditSlug(e) {
			return model.Event{}, ErrSlugLocked
		}
		e.Slug = *p.Slug
	}
	if p.Title != nil {
		e.Title = *p.Title
	}
	if p.StartsAt != nil {
		e.StartsAt = p.StartsAt.UTC()
	}
	e.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	_, err = tx.ExecContext(ctx,
		"UPDATE events SET slug = ?, title = ?, starts_at = ?, updated_at = ? WHERE id = ?",
		e.Slug, e.Title, e.StartsAt, e.UpdatedAt, e.ID)
	if err != nil {
		if mysqlCode(err) == errDupEntry {
			return model.Event{}, ErrSlugTaken
		}
		return model.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Event{}, err
	}
	committed = true
	return e, nil
}

// MarkShared records the first share of the event link. Later calls keep
// the original timestamp.
func (r *EventRepo) MarkShared(ctx context.Context, id, ownerID string) (model.Event, error) {
	e, err := r.GetByID(ctx, id)
	if err != nil {
		return model.Event{}, err
	}
	if e.OwnerID != ownerID {
		return model.Event{}, ErrForbidden
	}
	if e.Shared() {
		return e, nil
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := r.db.ExecContext(ctx,
		"UPDATE events SET shared_at = COALESCE(shared_at, ?) WHERE id = ?", now, id); err != nil {
		return model.Event{}, err
	}
	return r.GetByID(ctx, id)
}

func scanEvent(row *sql.Row) (model.Event, error) {
	var (
		e        model.Event
		capacity sql.NullInt64
		sharedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.Slug, &e.Title, &e.OwnerID, &e.StartsAt, &capacity, &sharedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrEventNotFound
	}
	if err != nil {
		return model.Event{}, err
	}
	if capacity.Valid {
		c := int(capacity.Int64)
		e.Capacity = &c
	}
	if sharedAt.Valid {
		t := sharedAt.Time
		e.SharedAt = &t
	}
	return e, nil
}

func nullCapacity(c *int) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}
