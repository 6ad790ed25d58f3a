// Package handler holds the echo handlers of the RSVP API. Handlers bind
// and validate the request, call the admission controller or a repository,
// and map domain errors onto localized JSON error bodies.
package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/dalat-app/rsvp-engine/internal/admission"
	"github.com/dalat-app/rsvp-engine/internal/i18n"
	"github.com/dalat-app/rsvp-engine/internal/middleware"
	"github.com/dalat-app/rsvp-engine/internal/model"
	"github.com/dalat-app/rsvp-engine/internal/repository"
)

// dbTimeout bounds repository calls made by a single request.
const dbTimeout = 5 * time.Second

var errInvalidCredentials = errors.New("invalid credentials")

// Translator renders a message key in a locale.
type Translator interface {
	T(locale, key string, data map[string]any) string
}

// Invalidator drops cached responses for request paths.
type Invalidator interface {
	Invalidate(ctx context.Context, paths ...string)
}

// Validator adapts go-playground/validator to echo.Validator. Failures
// wrap admission.ErrConstraintViolation.
type Validator struct {
	v *validator.Validate
}

// NewValidator registers the "slug" and "locale" tags on top of the
// built-in ones.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		norm, ok := model.NormalizeSlug(s)
		return ok && norm == s
	})
	_ = v.RegisterValidation("locale", func(fl validator.FieldLevel) bool {
		return i18n.Supported(fl.Field().String())
	})
	return &Validator{v: v}
}

func (cv *Validator) Validate(i any) error {
	if err := cv.v.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", admission.ErrConstraintViolation, err)
	}
	return nil
}

// bind decodes and validates the request body into req.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return bindErr(err)
	}
	return c.Validate(req)
}

func bindErr(err error) error {
	return fmt.Errorf("%w: %v", admission.ErrConstraintViolation, err)
}

// base carries what every handler needs to report errors.
type base struct {
	tr  Translator
	log *slog.Logger
}

// classify maps an error to its HTTP status and stable error code. The
// message key for the code is "error_" + code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, admission.ErrNotAuthenticated):
		return http.StatusUnauthorized, "not_authenticated"
	case errors.Is(err, admission.ErrUserNotFound):
		return http.StatusUnauthorized, "user_not_found"
	case errors.Is(err, errInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, admission.ErrEventNotFound):
		return http.StatusNotFound, "event_not_found"
	case errors.Is(err, admission.ErrConstraintViolation):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, admission.ErrNotOwner):
		return http.StatusForbidden, "not_owner"
	case errors.Is(err, repository.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, repository.ErrSlugTaken):
		return http.StatusConflict, "slug_taken"
	case errors.Is(err, repository.ErrSlugLocked):
		return http.StatusConflict, "slug_locked"
	case errors.Is(err, repository.ErrEmailExists):
		return http.StatusConflict, "email_exists"
	case errors.Is(err, admission.ErrConcurrencyTimeout):
		return http.StatusServiceUnavailable, "try_again"
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes the JSON error body for err in the request locale.
func (b base) fail(c echo.Context, err error) error {
	status, code := classify(err)
	switch {
	case status == http.StatusServiceUnavailable:
		c.Response().Header().Set("Retry-After", "1")
		b.log.Warn("admission lock timeout", "path", c.Path(), "error", err)
	case status >= http.StatusInternalServerError:
		b.log.Error("request failed", "path", c.Path(), "error", err)
	}
	body := echo.Map{
		"error":   code,
		"message": b.tr.T(middleware.LocaleOf(c), "error_"+code, nil),
	}
	if status == http.StatusBadRequest {
		body["detail"] = err.Error()
	}
	return c.JSON(status, body)
}

// userID returns the authenticated user or ErrNotAuthenticated.
func userID(c echo.Context) (string, error) {
	uid := middleware.UserID(c)
	if uid == "" {
		return "", admission.ErrNotAuthenticated
	}
	return uid, nil
}

// noUser turns a missing row into admission.ErrUserNotFound.
func noUser(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return admission.ErrUserNotFound
	}
	return err
}
