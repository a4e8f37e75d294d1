package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrDepartmentNotFound     = errors.New("department not found")
	ErrDepartmentInactive     = errors.New("department inactive")
	ErrCounterNotFound        = errors.New("counter not found")
	ErrEntryNotFound          = errors.New("queue entry not found")
	ErrNoWaiting              = errors.New("no patients waiting")
	ErrDuplicateEntry         = errors.New("patient already registered today")
	ErrRegistrationInProgress = errors.New("registration in progress")
	ErrCounterBusy            = errors.New("counter already serving an entry")
	ErrCounterRequired        = errors.New("counter assignment required")
	ErrInvalidTransition      = errors.New("invalid status transition")
)

// TransitionError names the rejected source and target so callers can see
// which statuses would have been legal.
type TransitionError struct {
	From    string
	To      string
	Allowed []string
}

func (e *TransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("invalid status transition from %s to %s (%s is terminal)", e.From, e.To, e.From)
	}
	return fmt.Sprintf("invalid status transition from %s to %s (allowed: %s)", e.From, e.To, strings.Join(e.Allowed, ", "))
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func NewTransitionError(from, to string) *TransitionError {
	return &TransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
}
