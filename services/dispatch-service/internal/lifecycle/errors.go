package lifecycle

import "errors"

var (
	ErrSlotFull          = errors.New("slot is full")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrPINRequired       = errors.New("extra appointment pin required")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotAssignee       = errors.New("appointment is assigned to another user")
)
