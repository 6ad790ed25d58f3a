// Package repository implements the MySQL-backed stores: users and refresh
// tokens, the event registry and the RSVP ledger used by the admission
// controller. Sentinel errors let handlers tell failure modes apart.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/dalat-app/rsvp-engine/internal/admission"
)

// ErrForbidden is returned when the caller edits an event owned by
// someone else. Handlers translate it into HTTP 403.
var ErrForbidden = errors.New("forbidden")

// ErrSlugTaken is returned when another event already uses the slug.
var ErrSlugTaken = errors.New("slug already taken")

// ErrSlugLocked is returned when the slug policy no longer allows edits.
var ErrSlugLocked = errors.New("slug can no longer be changed")

// ErrEventNotFound is the admission error so handlers need a single check.
var ErrEventNotFound = admission.ErrEventNotFound

// MySQL server error numbers the stores react to.
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errNoReferencedRow = 1452
)

// mysqlCode extracts the server error number from err.
func mysqlCode(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}
