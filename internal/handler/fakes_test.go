package handler_test

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dalat-app/rsvp-engine/internal/admission"
	"github.com/dalat-app/rsvp-engine/internal/model"
	"github.com/dalat-app/rsvp-engine/internal/repository"
	"github.com/dalat-app/rsvp-engine/internal/utils"
)

// memEvents is an in-memory event registry sharing its events with the
// admission MemoryStore.
type memEvents struct {
	mu     sync.Mutex
	store  *admission.MemoryStore
	bySlug map[string]string
}

func newMemEvents(store *admission.MemoryStore) *memEvents {
	return &memEvents{store: store, bySlug: map[string]string{}}
}

func (m *memEvents) Create(_ context.Context, e *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.bySlug[e.Slug]; taken {
		return repository.ErrSlugTaken
	}
	e.ID = uuid.NewString()
	e.CreatedAt = time.Now().UTC()
	e.UpdatedAt = e.CreatedAt
	m.bySlug[e.Slug] = e.ID
	m.store.AddEvent(*e)
	return nil
}

func (m *memEvents) GetByID(ctx context.Context, id string) (model.Event, error) {
	return m.store.Event(ctx, id)
}

func (m *memEvents) GetBySlug(ctx context.Context, slug string) (model.Event, error) {
	m.mu.Lock()
	id, ok := m.bySlug[slug]
	m.mu.Unlock()
	if !ok {
		return model.Event{}, repository.ErrEventNotFound
	}
	return m.store.Event(ctx, id)
}

func (m *memEvents) Update(ctx context.Context, id, ownerID string, p repository.EventPatch, policy model.SlugEditability) (model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldSlug string
	e, err := m.store.UpdateEvent(ctx, id, func(e *model.Event) error {
		if e.OwnerID != ownerID {
			return repository.ErrForbidden
		}
		oldSlug = e.Slug
		if p.Slug != nil && *p.Slug != e.Slug {
			if !policy.CanEditSlug(*e) {
				return repository.ErrSlugLocked
			}
			if _, taken := m.bySlug[*p.Slug]; taken {
				return repository.ErrSlugTaken
			}
			e.Slug = *p.Slug
		}
		if p.Title != nil {
			e.Title = *p.Title
		}
		if p.StartsAt != nil {
			e.StartsAt = p.StartsAt.UTC()
		}
		return nil
	})
	if err != nil {
		return model.Event{}, err
	}
	if e.Slug != oldSlug {
		delete(m.bySlug, oldSlug)
		m.bySlug[e.Slug] = e.ID
	}
	return e, nil
}

func (m *memEvents) MarkShared(ctx context.Context, id, ownerID string) (model.Event, error) {
	return m.store.UpdateEvent(ctx, id, func(e *model.Event) error {
		if e.OwnerID != ownerID {
			return repository.ErrForbidden
		}
		if e.SharedAt == nil {
			now := time.Now().UTC()
			e.SharedAt = &now
		}
		return nil
	})
}

// dispatchLog records dispatched domain events.
type dispatchLog struct {
	mu     sync.Mutex
	events []admission.DomainEvent
}

func (d *dispatchLog) Dispatch(events ...admission.DomainEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, events...)
}

func (d *dispatchLog) take() []admission.DomainEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.events
	d.events = nil
	return out
}

type memUsers struct {
	mu      sync.Mutex
	byID    map[string]model.User
	byEmail map[string]string
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[string]model.User{}, byEmail: map[string]string{}}
}

func (m *memUsers) Create(_ context.Context, email, password, role, locale string, cost int) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[email]; ok {
		return "", repository.ErrEmailExists
	}
	u := model.User{ID: uuid.NewString(), Email: email, PasswordHash: hash, Role: role, Locale: locale, IsActive: true}
	m.byID[u.ID] = u
	m.byEmail[email] = u.ID
	return u.ID, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return model.User{}, sql.ErrNoRows
	}
	return m.byID[id], nil
}

func (m *memUsers) GetByID(_ context.Context, id string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return model.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (m *memUsers) SetLocale(_ context.Context, id, locale string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return sql.ErrNoRows
	}
	u.Locale = locale
	m.byID[id] = u
	return nil
}

type refreshRow struct {
	userID  string
	exp     time.Time
	revoked bool
}

type memTokens struct {
	mu   sync.Mutex
	rows map[string]*refreshRow
}

func newMemTokens() *memTokens { return &memTokens{rows: map[string]*refreshRow{}} }

func (m *memTokens) StoreRefresh(_ context.Context, userID, hash string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[hash] = &refreshRow{userID: userID, exp: exp}
	return nil
}

func (m *memTokens) ValidateRefresh(_ context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[hash]
	if !ok || r.revoked || time.Now().After(r.exp) {
		return "", sql.ErrNoRows
	}
	return r.userID, nil
}

func (m *memTokens) RevokeByHash(_ context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[hash]
	if !ok || r.revoked {
		return false, nil
	}
	r.revoked = true
	return true, nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.userID == userID {
			r.revoked = true
		}
	}
	return nil
}

// timeoutStore fails every mutation as if the event lock never came free.
type timeoutStore struct {
	*admission.MemoryStore
}

func (timeoutStore) WithEvent(context.Context, string, time.Duration, func(context.Context, admission.Ledger) error) error {
	return admission.ErrConcurrencyTimeout
}
