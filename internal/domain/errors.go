package domain

import "errors"

var (
	// ErrUnknownStatus marks a status value outside the lifecycle.
	ErrUnknownStatus = errors.New("unknown order status")

	// ErrInvalidTransition is returned when a status change skips the forward
	// path or starts from a terminal status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAgentUnavailable is returned when assigning an agent that is not active.
	ErrAgentUnavailable = errors.New("delivery agent unavailable")

	// ErrOrderNotFound is returned for ids absent from the order store.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidOrder is returned by Validate for orders missing their identity.
	ErrInvalidOrder = errors.New("invalid order")
)
