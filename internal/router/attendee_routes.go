package router

import (
	"github.com/labstack/echo/v4"

	"github.com/dalat-app/rsvp-engine/internal/handler"
	"github.com/dalat-app/rsvp-engine/internal/middleware"
	"github.com/dalat-app/rsvp-engine/internal/model"
)

// RegisterAttendee registers the RSVP endpoints. Any signed-in user may
// respond to an event, organizers included.
func RegisterAttendee(e *echo.Echo, h *handler.RSVPHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	g := e.Group("/v1/events/:id",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleUser, model.RoleOrganizer),
		limit,
	)
	g.POST("/rsvp", h.RequestGoing)
	g.DELETE("/rsvp", h.Cancel)
	g.GET("/rsvp", h.Status)
	g.POST("/interested", h.MarkInterested)
}
