package tripsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownRouter = errors.New("unknown router")
	ErrConflict      = errors.New("conflict")
	ErrClosed        = errors.New("closed")
)

// ValidationError reports a payload rejected by a router's schema.
type ValidationError struct {
	Router string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("payload rejected by %s schema: %s", e.Router, e.Detail)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}
