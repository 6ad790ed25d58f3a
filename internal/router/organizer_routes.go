package router

import (
	"github.com/labstack/echo/v4"

	"github.com/dalat-app/rsvp-engine/internal/handler"
	"github.com/dalat-app/rsvp-engine/internal/middleware"
	"github.com/dalat-app/rsvp-engine/internal/model"
)

// RegisterOrganizer registers event management endpoints. Ownership of the
// individual event is checked by the handlers.
func RegisterOrganizer(e *echo.Echo, h *handler.EventHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	g := e.Group("/v1/events",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleOrganizer),
		limit,
	)
	g.POST("", h.Create)
	g.PATCH("/:id", h.Update)
	g.PUT("/:id/capacity", h.UpdateCapacity)
	g.POST("/:id/share", h.Share)
	g.GET("/:id/waitlist", h.Waitlist)
}
