// Package apperr holds the error taxonomy shared by pairing, device admission and sessions.
// Callers classify with errors.Is against the sentinels; the HTTP layer maps each class to a status.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrAuthentication = errors.New("authentication failed")
	ErrExpired        = errors.New("expired")
	ErrCapacity       = errors.New("maximum device limit reached")
	ErrNotFound       = errors.New("not found")
	ErrAuthorization  = errors.New("not authorized")
)

// CapacityError reports a rejected admission together with the limit that was hit.
type CapacityError struct {
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("maximum device limit reached (limit %d)", e.Limit)
}

func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Authentication(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthentication, fmt.Sprintf(format, args...))
}

func Expired(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrExpired, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Authorization(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthorization, fmt.Sprintf(format, args...))
}
