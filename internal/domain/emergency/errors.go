package emergency

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("emergency call not found")
	ErrInvalidState = errors.New("operation not allowed in current call state")
	ErrUnauthorized = errors.New("actor is not a participant of this call")
	ErrAlreadyTaken = errors.New("emergency call already taken by another doctor")
	ErrInvalidInput = errors.New("invalid input")
)

func errInvalidState(s Status, op string) error {
	return fmt.Errorf("%w: cannot %s a %s call", ErrInvalidState, op, s)
}
