package domain

import (
	"errors"
	"fmt"
)

// NotFoundError represents a missing resource.
type NotFoundError struct {
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return "not found"
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// Is enables errors.Is matching on NotFoundError.
func (e NotFoundError) Is(target error) bool {
	_, ok := target.(NotFoundError)
	if ok {
		return true
	}
	_, ok = target.(*NotFoundError)
	return ok
}

// ErrNotFound is the sentinel error for missing resources.
var ErrNotFound = NotFoundError{}

// ErrInvalidPackage is returned when a persisted package fails structural validation.
var ErrInvalidPackage = errors.New("invalid user content package")

// ErrSessionClosed is returned by operations on a stopped session.
var ErrSessionClosed = errors.New("session closed")
