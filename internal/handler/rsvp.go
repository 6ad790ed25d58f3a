package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dalat-app/rsvp-engine/internal/admission"
)

// RSVPHandler exposes the attendee side of the admission controller.
type RSVPHandler struct {
	base
	Admission *admission.Controller
	Cache     Invalidator
}

func NewRSVPHandler(ctl *admission.Controller, cache Invalidator, tr Translator, log *slog.Logger) *RSVPHandler {
	if ctl == nil {
		panic("nil controller passed to NewRSVPHandler")
	}
	return &RSVPHandler{base: base{tr: tr, log: log}, Admission: ctl, Cache: cache}
}

type rsvpReq struct {
	PlusOnes int `json:"plus_ones" validate:"min=0"`
}

// RequestGoing handles POST /v1/events/:id/rsvp.
func (h *RSVPHandler) RequestGoing(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req rsvpReq
	if err := bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	out, err := h.Admission.RequestGoing(c.Request().Context(), c.Param("id"), uid, req.PlusOnes)
	if err != nil {
		return h.fail(c, err)
	}
	h.invalidate(c)
	return c.JSON(http.StatusOK, out)
}

// MarkInterested handles POST /v1/events/:id/interested.
func (h *RSVPHandler) MarkInterested(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.Admission.MarkInterested(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return h.fail(c, err)
	}
	h.invalidate(c)
	return c.JSON(http.StatusOK, out)
}

// Cancel handles DELETE /v1/events/:id/rsvp. Cancelling without an RSVP
// succeeds with status "none".
func (h *RSVPHandler) Cancel(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.Admission.Cancel(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return h.fail(c, err)
	}
	h.invalidate(c)
	return c.JSON(http.StatusOK, out)
}

// Status handles GET /v1/events/:id/rsvp.
func (h *RSVPHandler) Status(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	out, err := h.Admission.Status(c.Request().Context(), c.Param("id"), uid)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *RSVPHandler) invalidate(c echo.Context) {
	if h.Cache != nil {
		h.Cache.Invalidate(c.Request().Context(), "/v1/events/"+c.Param("id"))
	}
}
