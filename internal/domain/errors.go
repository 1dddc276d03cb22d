package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrTerminalOrder     = errors.New("order is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLockHeld          = errors.New("lock already held")
	ErrUnknownJob        = errors.New("unknown job")
	ErrAmountOutOfRange  = errors.New("amount out of range")
	ErrUnknownOutcome    = errors.New("outcome unknown")
)
