package admission

import "errors"

// Errors returned by the admission controller and by Store implementations.
// Callers match them with errors.Is; implementations may wrap them with
// extra detail.
var (
	// ErrNotAuthenticated is returned when an operation carries no user.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrEventNotFound is returned when the event id does not resolve.
	ErrEventNotFound = errors.New("event not found")
	// ErrUserNotFound is returned by stores that enforce user existence.
	ErrUserNotFound = errors.New("user not found")
	// ErrConstraintViolation covers malformed input such as negative
	// plus-ones or a capacity below the seats already taken.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrConcurrencyTimeout means exclusive access to the event could not be
	// obtained in time. Nothing was committed and the call may be retried.
	ErrConcurrencyTimeout = errors.New("timed out waiting for event lock")
	// ErrNotOwner is returned when someone other than the organizer edits
	// event capacity.
	ErrNotOwner = errors.New("not the event owner")
)
