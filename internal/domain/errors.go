// Package domain contains the charge and refund lifecycle entities.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the stores, the emission pipeline and the capture
// worker. Callers classify with errors.Is.
var (
	// ErrNotFound indicates the requested charge, refund or history entry does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates the stored status no longer matches the expected
	// prior status. Another process acted on the resource first.
	ErrConflict = errors.New("status conflict")

	// ErrInvalidTransition indicates the (from, to) pair is not a legal lifecycle step.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCaptureInProgress is returned when a capture run is already in flight.
	ErrCaptureInProgress = errors.New("capture run already in progress")

	// ErrQueueItemExpired indicates an emission exhausted its publish attempts.
	ErrQueueItemExpired = errors.New("emission attempts exhausted")

	// ErrRefundNotAvailable indicates the charge cannot be refunded for the
	// requested amount.
	ErrRefundNotAvailable = errors.New("refund not available")

	// ErrRefundAmountMismatch indicates the caller's view of the refundable
	// amount is stale.
	ErrRefundAmountMismatch = errors.New("refund amount available mismatch")
)

// EventCreationError reports that the resource backing a transition could not
// be located while building its events.
type EventCreationError struct {
	ResourceID string
	Err        error
}

func (e *EventCreationError) Error() string {
	return fmt.Sprintf("failed to create event for resource %s: %v", e.ResourceID, e.Err)
}

func (e *EventCreationError) Unwrap() error {
	return e.Err
}

// NewEventCreationError wraps ErrNotFound when err is nil.
func NewEventCreationError(resourceID string, err error) *EventCreationError {
	if err == nil {
		err = ErrNotFound
	}
	return &EventCreationError{ResourceID: resourceID, Err: err}
}
