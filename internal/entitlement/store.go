package entitlement

import (
	"context"
	"time"
)

// Store persists grants, payouts and pending markers.
type Store interface {
	GetGrant(ctx context.Context, reference string) (Grant, error)
	// SaveGrant writes the grant and optional payout and resolves any pending marker in
	// one step. If a grant already exists for the reference it is returned unchanged.
	SaveGrant(ctx context.Context, grant Grant, payout *Payout) (Grant, error)
	// MarkPending creates or bumps the marker for reference.
	MarkPending(ctx context.Context, reference, lastError string, nextAttemptAt time.Time) (PendingMarker, error)
	// ResolvePending closes an open marker, if any.
	ResolvePending(ctx context.Context, reference string, at time.Time) error
	GetPending(ctx context.Context, reference string) (PendingMarker, error)
	// DuePending lists unresolved markers whose next attempt is due and that have not
	// exhausted maxAttempts.
	DuePending(ctx context.Context, now time.Time, maxAttempts, limit int) ([]PendingMarker, error)
	CountPending(ctx context.Context) (int, error)
	// Unsettled lists CONFIRMED payments confirmed at or before confirmedBefore that
	// have neither a grant nor a pending marker, oldest first.
	Unsettled(ctx context.Context, confirmedBefore time.Time, limit int) ([]string, error)
	GetPayout(ctx context.Context, reference string) (Payout, error)
	// MarkPayoutTransferred flips an OWED payout to TRANSFERRED. It reports false when
	// no owed payout exists for reference.
	MarkPayoutTransferred(ctx context.Context, reference, transferReference string, at time.Time) (bool, error)
}
