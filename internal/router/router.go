// Package router wires handlers and middleware onto an echo instance.
package router

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalat-app/rsvp-engine/internal/handler"
	"github.com/dalat-app/rsvp-engine/internal/middleware"
	"github.com/dalat-app/rsvp-engine/internal/model"
)

// New returns an echo instance with the validator and the middleware every
// route shares: panic recovery, request logging and locale negotiation.
func New(log *slog.Logger, locales middleware.LocaleMatcher) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handler.NewValidator()
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))
	e.Use(middleware.Locale(locales))
	return e
}

// RegisterRoutes registers health, readiness and metrics endpoints.
func RegisterRoutes(e *echo.Echo, db handler.Pinger) {
	e.GET("/healthz", handler.Health)
	if db != nil {
		e.GET("/readyz", handler.Ready(db))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAuth registers the session endpoints. Register, login and refresh
// are open; logout and the profile need an access token.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	g := e.Group("/v1/auth", limit)
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)

	auth := e.Group("/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleUser, model.RoleOrganizer),
	)
	auth.POST("/auth/logout", a.Logout)
	auth.GET("/me", a.Me)
	auth.PUT("/me/locale", a.SetLocale)
}

// RegisterPublic registers the unauthenticated event pages. The page by id
// goes through the response cache; RSVP and organizer handlers invalidate
// it on change.
func RegisterPublic(e *echo.Echo, h *handler.EventHandler, cache echo.MiddlewareFunc) {
	e.GET("/v1/events/:id", h.Get, cache)
	e.GET("/v1/e/:slug", h.GetBySlug)
}
