package engine

import (
	"errors"
	"fmt"

	"assignline/internal/domain"
)

var (
	ErrInvalidAmount   = errors.New("amount must be greater than zero")
	ErrInvalidRating   = errors.New("rating must be between 1 and 5")
	ErrInvalidDeadline = errors.New("deadline must be in the future")
)

// PermissionError reports an actor lacking the capability an operation
// requires. Nothing was mutated.
type PermissionError struct {
	Action string
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Action)
}

// InvalidTransitionError reports an operation not legal from the
// assignment's current status. Nothing was mutated.
type InvalidTransitionError struct {
	From      domain.Status
	Attempted domain.Status
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.Attempted)
}

// ChannelOpError wraps a chat-platform channel failure. A create failure
// aborts submission before any registry write; a delete failure keeps the
// registry row so the undeleted terminal state stays visible.
type ChannelOpError struct {
	Op  string
	Err error
}

func (e ChannelOpError) Error() string {
	return fmt.Sprintf("channel %s failed: %v", e.Op, e.Err)
}

func (e ChannelOpError) Unwrap() error { return e.Err }

// NotificationError reports a delivery failure for a notification the
// caller must see. The state change it follows has already committed.
type NotificationError struct {
	Target string
	Err    error
}

func (e NotificationError) Error() string {
	return fmt.Sprintf("notify %s failed: %v", e.Target, e.Err)
}

func (e NotificationError) Unwrap() error { return e.Err }
