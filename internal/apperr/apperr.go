// Package apperr holds the error taxonomy shared by the engines and their
// HTTP surface. Callers match with errors.Is / errors.As.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a user, quest or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientData is returned when there is not enough signal to
	// train or evaluate a model. It is never equivalent to "normal".
	ErrInsufficientData = errors.New("insufficient data")

	// ErrQueueFull is returned when a bounded queue rejects work.
	ErrQueueFull = errors.New("queue full")

	// ErrConflict is returned when a state transition has already happened.
	ErrConflict = errors.New("conflict")

	// ErrLocked is returned when a LOCKED user asks for quest activity.
	ErrLocked = errors.New("user locked")
)

// ValidationError reports an input outside its declared bounds.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError with a formatted reason.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NotFound wraps ErrNotFound with the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Locked wraps ErrLocked with the user.
func Locked(walletID string) error {
	return fmt.Errorf("user %s: %w", walletID, ErrLocked)
}
