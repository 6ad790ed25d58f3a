package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/dalat-app/rsvp-engine/internal/model"
	"github.com/dalat-app/rsvp-engine/internal/utils"
)

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

var ErrEmailExists = errors.New("email already exists")

const selectUser = "SELECT id,email,password_hash,role,locale,is_active,created_at,updated_at FROM users"

// Create inserts a user and returns the generated id.
func (r *UserRepo) Create(ctx context.Context, email, password, role, locale string, cost int) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	hash, err := utils.HashPassword(password, cost)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = r.DB.ExecContext(ctx,
		"INSERT INTO users (id, email, password_hash, role, locale) VALUES (?,?,?,?,?)",
		id, email, hash, role, locale)
	if err != nil {
		if mysqlCode(err) == errDupEntry {
			return "", ErrEmailExists
		}
		return "", err
	}
	return id, nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return scanUser(r.DB.QueryRowContext(ctx, selectUser+" WHERE email=? LIMIT 1", email))
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id string) (model.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, selectUser+" WHERE id=? LIMIT 1", id))
}

// SetLocale stores the language notifications are rendered in.
func (r *UserRepo) SetLocale(ctx context.Context, id, locale string) error {
	res, err := r.DB.ExecContext(ctx, "UPDATE users SET locale=? WHERE id=?", locale, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Locale returns the stored locale of a user.
func (r *UserRepo) Locale(ctx context.Context, id string) (string, error) {
	var locale string
	err := r.DB.QueryRowContext(ctx, "SELECT locale FROM users WHERE id=? LIMIT 1", id).Scan(&locale)
	return locale, err
}

func scanUser(row *sql.Row) (model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Locale, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}
