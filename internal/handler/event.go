package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dalat-app/rsvp-engine/internal/admission"
	"github.com/dalat-app/rsvp-engine/internal/model"
	"github.com/dalat-app/rsvp-engine/internal/repository"
)

// EventStore is the event registry as seen by the handlers.
// *repository.EventRepo implements it.
type EventStore interface {
	Create(ctx context.Context, e *model.Event) error
	GetByID(ctx context.Context, id string) (model.Event, error)
	GetBySlug(ctx context.Context, slug string) (model.Event, error)
	Update(ctx context.Context, id, ownerID string, p repository.EventPatch, policy model.SlugEditability) (model.Event, error)
	MarkShared(ctx context.Context, id, ownerID string) (model.Event, error)
}

// EventHandler serves organizer event management and the public event
// pages.
type EventHandler struct {
	base
	Events     EventStore
	Admission  *admission.Controller
	SlugPolicy model.SlugEditability
	Cache      Invalidator
	// Dispatcher receives EventRescheduled when an edit moves the start
	// time. Nil drops it.
	Dispatcher admission.Dispatcher
}

func NewEventHandler(events EventStore, ctl *admission.Controller, policy model.SlugEditability, cache Invalidator, tr Translator, log *slog.Logger) *EventHandler {
	if events == nil || ctl == nil {
		panic("nil dependency passed to NewEventHandler")
	}
	return &EventHandler{base: base{tr: tr, log: log}, Events: events, Admission: ctl, SlugPolicy: policy, Cache: cache}
}

type createEventReq struct {
	Title    string    `json:"title" validate:"required,max=200"`
	Slug     string    `json:"slug" validate:"required,slug"`
	StartsAt time.Time `json:"starts_at" validate:"required"`
	Capacity *int      `json:"capacity" validate:"omitempty,min=0"`
}

type patchEventReq struct {
	Title    *string    `json:"title" validate:"omitempty,min=1,max=200"`
	Slug     *string    `json:"slug" validate:"omitempty,slug"`
	StartsAt *time.Time `json:"starts_at"`
}

// capacityReq requires the capacity key; an explicit null means unlimited.
type capacityReq struct {
	Capacity json.RawMessage `json:"capacity"`
}

func (r capacityReq) value() (*int, error) {
	if len(r.Capacity) == 0 {
		return nil, fmt.Errorf("%w: capacity is required", admission.ErrConstraintViolation)
	}
	var c *int
	if err := json.Unmarshal(r.Capacity, &c); err != nil {
		return nil, fmt.Errorf("%w: capacity: %v", admission.ErrConstraintViolation, err)
	}
	return c, nil
}

type eventView struct {
	ID        string     `json:"id"`
	Slug      string     `json:"slug"`
	Title     string     `json:"title"`
	OwnerID   string     `json:"owner_id"`
	StartsAt  time.Time  `json:"starts_at"`
	Capacity  *int       `json:"capacity"`
	SharedAt  *time.Time `json:"shared_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type eventPage struct {
	Event   eventView         `json:"event"`
	Summary admission.Summary `json:"summary"`
}

func viewOf(e model.Event) eventView {
	return eventView{
		ID:        e.ID,
		Slug:      e.Slug,
		Title:     e.Title,
		OwnerID:   e.OwnerID,
		StartsAt:  e.StartsAt,
		Capacity:  e.Capacity,
		SharedAt:  e.SharedAt,
		CreatedAt: e.CreatedAt,
	}
}

// Create handles POST /v1/events.
func (h *EventHandler) Create(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req createEventReq
	if err := c.Bind(&req); err != nil {
		return h.fail(c, bindErr(err))
	}
	req.Title = strings.TrimSpace(req.Title)
	req.Slug, _ = model.NormalizeSlug(req.Slug)
	if err := c.Validate(&req); err != nil {
		return h.fail(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	e := model.Event{
		Slug:     req.Slug,
		Title:    req.Title,
		OwnerID:  uid,
		StartsAt: req.StartsAt.UTC(),
		Capacity: req.Capacity,
	}
	if err := h.Events.Create(ctx, &e); err != nil {
		return h.fail(c, err)
	}
	h.log.Info("event created", "event_id", e.ID, "slug", e.Slug, "owner_id", uid)
	return c.JSON(http.StatusCreated, viewOf(e))
}

// Update handles PATCH /v1/events/:id. Capacity is changed through
// UpdateCapacity so that freed seats promote the waitlist.
func (h *EventHandler) Update(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req patchEventReq
	if err := c.Bind(&req); err != nil {
		return h.fail(c, bindErr(err))
	}
	if req.Slug != nil {
		s, _ := model.NormalizeSlug(*req.Slug)
		req.Slug = &s
	}
	if req.Title != nil {
		t := strings.TrimSpace(*req.Title)
		req.Title = &t
	}
	if err := c.Validate(&req); err != nil {
		return h.fail(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	var before model.Event
	if req.StartsAt != nil {
		if before, err = h.Events.GetByID(ctx, c.Param("id")); err != nil {
			return h.fail(c, err)
		}
	}
	e, err := h.Events.Update(ctx, c.Param("id"), uid, repository.EventPatch{
		Title:    req.Title,
		Slug:     req.Slug,
		StartsAt: req.StartsAt,
	}, h.SlugPolicy)
	if err != nil {
		return h.fail(c, err)
	}
	h.invalidate(c, e.ID)
	if req.StartsAt != nil && !before.StartsAt.Equal(e.StartsAt) && h.Dispatcher != nil {
		h.Dispatcher.Dispatch(admission.Rescheduled(e, uid, time.Now().UTC()))
	}
	return c.JSON(http.StatusOK, viewOf(e))
}

// UpdateCapacity handles PUT /v1/events/:id/capacity. A null capacity
// removes the limit.
func (h *EventHandler) UpdateCapacity(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req capacityReq
	if err := c.Bind(&req); err != nil {
		return h.fail(c, bindErr(err))
	}
	capacity, err := req.value()
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.Admission.Resize(c.Request().Context(), c.Param("id"), uid, capacity)
	if err != nil {
		return h.fail(c, err)
	}
	h.invalidate(c, out.EventID)
	return c.JSON(http.StatusOK, out)
}

// Share handles POST /v1/events/:id/share and returns the share path.
func (h *EventHandler) Share(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	e, err := h.Events.MarkShared(ctx, c.Param("id"), uid)
	if err != nil {
		return h.fail(c, err)
	}
	h.invalidate(c, e.ID)
	return c.JSON(http.StatusOK, echo.Map{"event": viewOf(e), "path": "/v1/e/" + e.Slug})
}

// Waitlist handles GET /v1/events/:id/waitlist for the organizer.
func (h *EventHandler) Waitlist(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	e, err := h.Events.GetByID(ctx, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	if e.OwnerID != uid {
		return h.fail(c, admission.ErrNotOwner)
	}
	list, err := h.Admission.Waitlist(ctx, e.ID)
	if err != nil {
		return h.fail(c, err)
	}
	if list == nil {
		list = []admission.WaitlistEntry{}
	}
	return c.JSON(http.StatusOK, echo.Map{"event_id": e.ID, "waitlist": list})
}

// Get handles GET /v1/events/:id.
func (h *EventHandler) Get(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	e, err := h.Events.GetByID(ctx, c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.page(ctx, c, e)
}

// GetBySlug handles GET /v1/e/:slug, the shared link.
func (h *EventHandler) GetBySlug(c echo.Context) error {
	slug, ok := model.NormalizeSlug(c.Param("slug"))
	if !ok {
		return h.fail(c, admission.ErrEventNotFound)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	e, err := h.Events.GetBySlug(ctx, slug)
	if err != nil {
		return h.fail(c, err)
	}
	return h.page(ctx, c, e)
}

func (h *EventHandler) page(ctx context.Context, c echo.Context, e model.Event) error {
	sum, err := h.Admission.Summary(ctx, e.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, eventPage{Event: viewOf(e), Summary: sum})
}

func (h *EventHandler) invalidate(c echo.Context, eventID string) {
	if h.Cache != nil {
		h.Cache.Invalidate(c.Request().Context(), "/v1/events/"+eventID)
	}
}
