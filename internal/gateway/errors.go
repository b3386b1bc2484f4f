package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrUnreachable covers network failures, timeouts, 5xx responses and an open breaker.
	// Callers may retry.
	ErrUnreachable = errors.New("gateway: unreachable")
	// ErrConfig reports a missing or malformed credential at construction time.
	ErrConfig = errors.New("gateway: invalid configuration")
)

// RejectedError is a definitive refusal from the gateway (4xx or status=false).
// Message is the gateway's own wording and is safe to show to the payer.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway: rejected (%d): %s", e.StatusCode, e.Message)
}
