package services

import (
	"errors"
	"fmt"
)

// Request-level errors. None of these mutate session state; they are mapped
// to HTTP statuses in the route handlers.
var (
	ErrNotFound     = errors.New("session not found")
	ErrFull         = errors.New("session already has two players")
	ErrSelfJoin     = errors.New("cannot join your own session")
	ErrNotInSession = errors.New("player is not part of this session")
	ErrImmutable    = errors.New("pick already submitted")
	ErrTooLate      = errors.New("selection deadline has passed")
)

// Resolution-level errors. These cancel the session with full refunds; they
// never crash the sweep or a request handler.
var (
	ErrEntropyUnavailable = errors.New("entropy source unavailable")
)

// ValidationError rejects bad input synchronously, before any state change.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
