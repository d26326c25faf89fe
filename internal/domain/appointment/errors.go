package appointment

import "errors"

var (
	ErrSlotUnavailable   = errors.New("requested time is outside the doctor's hours")
	ErrQueueFull         = errors.New("queue is full for this slot")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotOwner          = errors.New("actor has no rights over this appointment")
	ErrNotFound          = errors.New("appointment not found")
	ErrDateInPast        = errors.New("appointment date is in the past")
	ErrInvalidInput      = errors.New("invalid input")
	// ErrTokenConflict is returned by the store when the token is already
	// taken for the doctor and date; the booking is retried.
	ErrTokenConflict = errors.New("token number already assigned")
)
