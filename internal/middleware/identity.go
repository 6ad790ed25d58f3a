package middleware

import "github.com/labstack/echo/v4"

// Context keys set by JWTAuth and Locale.
const (
	ctxUserID = "user_id"
	ctxRole   = "role"
	ctxLocale = "locale"
)

// UserID returns the authenticated user id, or "" for guests.
func UserID(c echo.Context) string {
	s, _ := c.Get(ctxUserID).(string)
	return s
}

// Role returns the authenticated user's role, or "".
func Role(c echo.Context) string {
	s, _ := c.Get(ctxRole).(string)
	return s
}

// LocaleOf returns the locale chosen for the request, or "" when the Locale
// middleware did not run.
func LocaleOf(c echo.Context) string {
	s, _ := c.Get(ctxLocale).(string)
	return s
}
