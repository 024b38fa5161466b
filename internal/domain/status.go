package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an order.
//
//	pending -> confirmed -> preparing -> ready_for_pickup -> out_for_delivery -> delivered
//	   \__________\____________\_____________\___________________\-> cancelled
//
// delivered and cancelled are terminal.
type Status string

const (
	StatusPending        Status = "pending"
	StatusConfirmed      Status = "confirmed"
	StatusPreparing      Status = "preparing"
	StatusReadyForPickup Status = "ready_for_pickup"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// forwardPath lists the non-cancelled statuses in lifecycle order.
var forwardPath = []Status{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReadyForPickup,
	StatusOutForDelivery,
	StatusDelivered,
}

// ParseStatus normalises s and validates it against the known statuses.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	if err := status.Validate(); err != nil {
		return "", err
	}
	return status, nil
}

// Validate reports an error for statuses outside the lifecycle.
func (s Status) Validate() error {
	if s == StatusCancelled {
		return nil
	}
	for _, known := range forwardPath {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrUnknownStatus, string(s))
}

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are accepted.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Successor returns the next status on the forward path.
func (s Status) Successor() (Status, bool) {
	for i, known := range forwardPath {
		if known == s && i+1 < len(forwardPath) {
			return forwardPath[i+1], true
		}
	}
	return "", false
}

// CanTransitionTo reports whether target is directly reachable from s.
// Re-requesting the current status is not a transition; callers treat it
// as a no-op before consulting this method.
func (s Status) CanTransitionTo(target Status) bool {
	if s.IsTerminal() || target.Validate() != nil {
		return false
	}
	if target == StatusCancelled {
		return true
	}
	next, ok := s.Successor()
	return ok && next == target
}

// CheckTransition returns ErrInvalidTransition when target is not reachable.
func (s Status) CheckTransition(target Status) error {
	if s.CanTransitionTo(target) {
		return nil
	}
	if s.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, target)
}
