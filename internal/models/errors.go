package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDataAvailable is returned when there is neither connectivity nor
	// a cached copy to fall back on.
	ErrNoDataAvailable = errors.New("no connectivity and no cached data")

	ErrInvalidInput = errors.New("invalid input")
)

// FetchError wraps a network or server failure while refreshing a key.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SubscriptionError reports a live feed that dropped or could not be opened.
type SubscriptionError struct {
	Path string
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %q: %v", e.Path, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// Invalid builds an ErrInvalidInput with context.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
