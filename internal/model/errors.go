package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotConfigured means a credential or address is missing. It is detected
	// before any adapter call and never retried.
	ErrNotConfigured = errors.New("not configured")

	// ErrBudgetExceeded is returned when the owner's monthly ledger is full.
	ErrBudgetExceeded = errors.New("usage limit exceeded")
)

func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func Transition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidTransition, fmt.Sprintf(format, args...))
}

func NotConfigured(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotConfigured, fmt.Sprintf(format, args...))
}
