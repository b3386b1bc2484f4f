package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no intent exists for a reference.
	ErrNotFound = errors.New("ledger: payment intent not found")
	// ErrDuplicateReference is returned when an intent with the same reference already exists.
	ErrDuplicateReference = errors.New("ledger: duplicate reference")
)

// Change is what an UpdateFunc asks the store to append alongside the intent row.
type Change struct {
	// Reason is stored on the transition row when the status changed.
	Reason string
	// Event, when set, is appended to the confirmation event log.
	Event *ConfirmationEvent
}

// UpdateFunc mutates a locked copy of an intent. Returning an error aborts the update.
type UpdateFunc func(intent *PaymentIntent) (Change, error)

// Store persists intents and their audit trail. Update must run fn while holding an
// exclusive per-reference lock and commit the row, transition and event atomically.
type Store interface {
	Insert(ctx context.Context, intent PaymentIntent) error
	Get(ctx context.Context, reference string) (PaymentIntent, error)
	Update(ctx context.Context, reference string, fn UpdateFunc) (PaymentIntent, error)
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
	Events(ctx context.Context, reference string) ([]ConfirmationEvent, error)
	Transitions(ctx context.Context, reference string) ([]Transition, error)
	InsertNotification(ctx context.Context, n Notification) error
}
