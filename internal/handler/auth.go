package handler

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dalat-app/rsvp-engine/internal/config"
	"github.com/dalat-app/rsvp-engine/internal/model"
	"github.com/dalat-app/rsvp-engine/internal/utils"
)

// UserStore is implemented by *repository.UserRepo.
type UserStore interface {
	Create(ctx context.Context, email, password, role, locale string, cost int) (string, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id string) (model.User, error)
	SetLocale(ctx context.Context, id, locale string) error
}

// TokenStore is implemented by *repository.TokenRepo.
type TokenStore interface {
	StoreRefresh(ctx context.Context, userID, tokenHash string, exp time.Time) error
	ValidateRefresh(ctx context.Context, tokenHash string) (string, error)
	RevokeByHash(ctx context.Context, tokenHash string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID string) error
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	base
	Cfg           config.Config
	DefaultLocale string
	Users         UserStore
	Tokens        TokenStore
}

func NewAuthHandler(cfg config.Config, defaultLocale string, u UserStore, t TokenStore, tr Translator, log *slog.Logger) *AuthHandler {
	return &AuthHandler{base: base{tr: tr, log: log}, Cfg: cfg, DefaultLocale: defaultLocale, Users: u, Tokens: t}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Role     string `json:"role" validate:"omitempty,oneof=USER ORGANIZER"`
	Locale   string `json:"locale" validate:"omitempty,locale"`
}

type loginReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type refreshReq struct {
	RefreshToken string `json:"refresh_token"`
}

type localeReq struct {
	Locale string `json:"locale" validate:"required,locale"`
}

type tokenPart struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

type userPart struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	Locale string `json:"locale"`
}

type authResp struct {
	User    userPart  `json:"user"`
	Access  tokenPart `json:"access"`
	Refresh tokenPart `json:"refresh"`
}

func partOf(u model.User) userPart {
	return userPart{ID: u.ID, Email: u.Email, Role: u.Role, Locale: u.Locale}
}

// Register creates a user and returns tokens immediately.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return h.fail(c, bindErr(err))
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Role = strings.ToUpper(strings.TrimSpace(req.Role))
	if err := c.Validate(&req); err != nil {
		return h.fail(c, err)
	}
	if req.Role == "" {
		req.Role = model.RoleUser
	}
	if req.Locale == "" {
		req.Locale = h.DefaultLocale
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()

	uid, err := h.Users.Create(ctx, req.Email, req.Password, req.Role, req.Locale, h.Cfg.BcryptCost)
	if err != nil {
		return h.fail(c, err)
	}
	u := model.User{ID: uid, Email: req.Email, Role: req.Role, Locale: req.Locale}
	resp, err := h.issue(ctx, u)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, resp)
}

// Login verifies credentials and returns a new token pair.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return h.fail(c, bindErr(err))
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := c.Validate(&req); err != nil {
		return h.fail(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()

	u, err := h.Users.GetByEmail(ctx, req.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return h.fail(c, errInvalidCredentials)
	}
	if err != nil {
		return h.fail(c, err)
	}
	if !u.IsActive || !utils.VerifyPassword(u.PasswordHash, req.Password) {
		return h.fail(c, errInvalidCredentials)
	}
	resp, err := h.issue(ctx, u)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Refresh rotates a refresh token. A token that was already revoked is
// rejected even if it has not expired.
func (h *AuthHandler) Refresh(c echo.Context) error {
	var req refreshReq
	if err := c.Bind(&req); err != nil {
		return h.fail(c, bindErr(err))
	}
	raw := strings.TrimSpace(req.RefreshToken)
	if raw == "" {
		return h.fail(c, errInvalidCredentials)
	}
	hash := utils.HashRefreshRaw(raw)

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()

	uid, err := h.Tokens.ValidateRefresh(ctx, hash)
	if err != nil {
		return h.fail(c, errInvalidCredentials)
	}
	revoked, err := h.Tokens.RevokeByHash(ctx, hash)
	if err != nil {
		return h.fail(c, err)
	}
	if !revoked {
		return h.fail(c, errInvalidCredentials)
	}
	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		return h.fail(c, noUser(err))
	}
	resp, err := h.issue(ctx, u)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Logout revokes the given refresh token, or every token of the user when
// the body carries none.
func (h *AuthHandler) Logout(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req refreshReq
	_ = c.Bind(&req)

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()

	if raw := strings.TrimSpace(req.RefreshToken); raw != "" {
		if _, err := h.Tokens.RevokeByHash(ctx, utils.HashRefreshRaw(raw)); err != nil {
			return h.fail(c, err)
		}
		return c.NoContent(http.StatusNoContent)
	}
	if err := h.Tokens.RevokeAllForUser(ctx, uid); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the authenticated user.
func (h *AuthHandler) Me(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	u, err := h.Users.GetByID(ctx, uid)
	if err != nil {
		return h.fail(c, noUser(err))
	}
	return c.JSON(http.StatusOK, partOf(u))
}

// SetLocale handles PUT /v1/me/locale. The locale selects the language of
// notifications.
func (h *AuthHandler) SetLocale(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req localeReq
	if err := bind(c, &req); err != nil {
		return h.fail(c, err)
	}
	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	if err := h.Users.SetLocale(ctx, uid, req.Locale); err != nil {
		return h.fail(c, noUser(err))
	}
	return c.JSON(http.StatusOK, echo.Map{"locale": req.Locale})
}

func (h *AuthHandler) issue(ctx context.Context, u model.User) (authResp, error) {
	access, err := utils.NewAccessToken(h.Cfg.JWTSecret, u.ID, u.Role, h.Cfg.AccessTTLMin)
	if err != nil {
		return authResp{}, err
	}
	refresh, err := utils.NewRefreshToken(h.Cfg.RefreshTTLDays)
	if err != nil {
		return authResp{}, err
	}
	if err := h.Tokens.StoreRefresh(ctx, u.ID, utils.HashRefreshRaw(refresh.Raw), refresh.Exp); err != nil {
		return authResp{}, err
	}
	return authResp{
		User:    partOf(u),
		Access:  tokenPart{Token: access.Token, Expires: access.Exp},
		Refresh: tokenPart{Token: refresh.Raw, Expires: refresh.Exp},
	}, nil
}
