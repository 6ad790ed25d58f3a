package middleware

import "github.com/labstack/echo/v4"

// LocaleMatcher picks a supported locale for an Accept-Language value.
type LocaleMatcher interface {
	Match(acceptLanguage string) string
}

// Locale resolves the response language from the ?lang= query parameter or
// the Accept-Language header.
func Locale(m LocaleMatcher) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			pref := c.QueryParam("lang")
			if pref == "" {
				pref = c.Request().Header.Get("Accept-Language")
			}
			c.Set(ctxLocale, m.Match(pref))
			return next(c)
		}
	}
}
