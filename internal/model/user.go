package model

import "time"

// Roles stored in users.role.
const (
	RoleUser      = "USER"
	RoleOrganizer = "ORGANIZER"
)

// User is an account able to RSVP to events. Locale selects the language of
// API messages and notifications sent to the user.
type User struct {
	ID           string    // users.id (UUID)
	Email        string    // users.email, stored lower-cased
	PasswordHash string    // users.password_hash (bcrypt)
	Role         string    // users.role
	Locale       string    // users.locale
	IsActive     bool      // users.is_active
	CreatedAt    time.Time // users.created_at
	UpdatedAt    time.Time // users.updated_at
}
