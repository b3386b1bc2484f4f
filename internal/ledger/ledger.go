// Package ledger is the server-side source of truth for payment intents. Every status
// change goes through a per-reference check-and-set so that concurrent confirmations of
// the same reference produce exactly one FirstConfirmation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultTTL bounds how long an intent may stay unconfirmed.
const DefaultTTL = 24 * time.Hour

// Ledger applies the payment intent state machine on top of a Store.
type Ledger struct {
	store  Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithTTL overrides the intent expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New constructs a Ledger backed by store.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, ttl: DefaultTTL, now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Create records a new intent in status CREATED.
func (l *Ledger) Create(ctx context.Context, in NewIntent) (PaymentIntent, error) {
	if strings.TrimSpace(in.Reference) == "" {
		return PaymentIntent{}, errors.New("ledger: reference is required")
	}
	if in.AmountMinorUnits <= 0 {
		return PaymentIntent{}, fmt.Errorf("ledger: amount must be positive, got %d", in.AmountMinorUnits)
	}
	now := l.now().UTC()
	intent := PaymentIntent{
		Reference:        in.Reference,
		Email:            in.Email,
		AmountMinorUnits: in.AmountMinorUnits,
		Currency:         strings.ToUpper(in.Currency),
		Metadata:         in.Metadata,
		Status:           StatusCreated,
		CreatedAt:        now,
		LastTransitionAt: now,
		ExpiresAt:        now.Add(l.ttl),
	}
	if intent.Metadata == nil {
		intent.Metadata = map[string]any{}
	}
	if err := l.store.Insert(ctx, intent); err != nil {
		return PaymentIntent{}, err
	}
	return intent, nil
}

// MarkPending stores the checkout handles returned by the gateway and moves a CREATED
// intent to PENDING_CONFIRMATION. An intent that already moved on keeps its status.
func (l *Ledger) MarkPending(ctx context.Context, reference, authorizationURL, accessCode string) (PaymentIntent, error) {
	return l.store.Update(ctx, reference, func(p *PaymentIntent) (Change, error) {
		if p.AuthorizationURL == "" {
			p.AuthorizationURL = authorizationURL
		}
		if p.AccessCode == "" {
			p.AccessCode = accessCode
		}
		if p.Status == StatusCreated {
			p.Status = StatusPending
			p.LastTransitionAt = l.now().UTC()
		}
		return Change{Reason: "gateway initialized"}, nil
	})
}

// MarkFailed moves an open intent to FAILED with reason.
func (l *Ledger) MarkFailed(ctx context.Context, reference, reason string) (PaymentIntent, error) {
	return l.store.Update(ctx, reference, func(p *PaymentIntent) (Change, error) {
		if p.Status.open() {
			p.Status = StatusFailed
			p.FailureReason = reason
			p.LastTransitionAt = l.now().UTC()
		}
		return Change{Reason: reason}, nil
	})
}

// RecordEvent applies a confirmation signal. The event is appended to the intent's log
// in the same atomic step as any resulting transition. An unknown reference yields
// OutcomeUnknownReference with a nil error and nothing is written.
func (l *Ledger) RecordEvent(ctx context.Context, reference string, ev ConfirmationEvent) (Outcome, PaymentIntent, error) {
	var outcome Outcome
	intent, err := l.store.Update(ctx, reference, func(p *PaymentIntent) (Change, error) {
		now := l.now().UTC()
		var reason string
		outcome, reason = l.decide(p, ev, now)
		ev.Reference = p.Reference
		ev.Outcome = outcome
		if ev.ReceivedAt.IsZero() {
			ev.ReceivedAt = now
		}
		return Change{Reason: reason, Event: &ev}, nil
	})
	if errors.Is(err, ErrNotFound) {
		l.logger.Warn().Str("reference", reference).Str("source", string(ev.Source)).Msg("confirmation for unknown reference")
		return OutcomeUnknownReference, PaymentIntent{}, nil
	}
	if err != nil {
		return OutcomeUnknownReference, PaymentIntent{}, err
	}
	if outcome == OutcomeRejected {
		l.logger.Error().Str("reference", reference).Str("status", string(intent.Status)).
			Str("gateway_status", ev.GatewayStatus).Int64("reported_amount", ev.AmountMinorUnits).
			Msg("confirmation rejected; manual reconciliation required")
	}
	return outcome, intent, nil
}

// decide mutates p according to the state machine and returns the outcome together
// with the transition reason.
func (l *Ledger) decide(p *PaymentIntent, ev ConfirmationEvent, now time.Time) (Outcome, string) {
	switch p.Status {
	case StatusConfirmed:
		return OutcomeAlreadyConfirmed, ""
	case StatusExpired:
		return OutcomeExpired, ""
	case StatusFailed:
		if normalizeStatus(ev.GatewayStatus) == GatewaySuccess {
			return OutcomeRejected, ""
		}
		return OutcomeNotYetSuccessful, ""
	}

	if !now.Before(p.ExpiresAt) {
		p.Status = StatusExpired
		p.LastTransitionAt = now
		return OutcomeExpired, "expired before confirmation"
	}

	switch normalizeStatus(ev.GatewayStatus) {
	case GatewaySuccess:
		// a success that omits the amount cannot be reconciled
		if ev.AmountMinorUnits != p.AmountMinorUnits {
			return OutcomeRejected, ""
		}
		if ev.Currency != "" && p.Currency != "" && !strings.EqualFold(ev.Currency, p.Currency) {
			return OutcomeRejected, ""
		}
		p.Status = StatusConfirmed
		p.LastTransitionAt = now
		return OutcomeFirstConfirmation, fmt.Sprintf("confirmed via %s", ev.Source)
	case GatewayFailed, GatewayAbandoned:
		p.Status = StatusFailed
		p.FailureReason = "gateway reported " + normalizeStatus(ev.GatewayStatus)
		p.LastTransitionAt = now
		return OutcomeNotYetSuccessful, p.FailureReason
	default:
		return OutcomeNotYetSuccessful, ""
	}
}

// ExpireStale moves open intents whose deadline has passed to EXPIRED and returns
// the affected references.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	refs, err := l.store.ListExpirable(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	expired := make([]string, 0, len(refs))
	for _, ref := range refs {
		changed := false
		_, err := l.store.Update(ctx, ref, func(p *PaymentIntent) (Change, error) {
			if p.Status.open() && !now.Before(p.ExpiresAt) {
				p.Status = StatusExpired
				p.LastTransitionAt = now.UTC()
				changed = true
			}
			return Change{Reason: "expiry sweep"}, nil
		})
		if err != nil {
			return expired, fmt.Errorf("ledger: expire %s: %w", ref, err)
		}
		if changed {
			expired = append(expired, ref)
		}
	}
	if len(expired) > 0 {
		l.logger.Info().Int("count", len(expired)).Msg("expired stale payment intents")
	}
	return expired, nil
}

// Get returns the intent for reference.
func (l *Ledger) Get(ctx context.Context, reference string) (PaymentIntent, error) {
	return l.store.Get(ctx, reference)
}

// Events returns the confirmation events recorded for reference, oldest first.
func (l *Ledger) Events(ctx context.Context, reference string) ([]ConfirmationEvent, error) {
	return l.store.Events(ctx, reference)
}

// Transitions returns the status history for reference, oldest first.
func (l *Ledger) Transitions(ctx context.Context, reference string) ([]Transition, error) {
	return l.store.Transitions(ctx, reference)
}

// RecordNotification stores a verified webhook delivery.
func (l *Ledger) RecordNotification(ctx context.Context, n Notification) error {
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = l.now().UTC()
	}
	return l.store.InsertNotification(ctx, n)
}

// Now exposes the ledger clock so collaborators share one time source.
func (l *Ledger) Now() time.Time { return l.now() }

func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case GatewaySuccess:
		return GatewaySuccess
	case GatewayFailed, "reversed":
		return GatewayFailed
	case GatewayAbandoned:
		return GatewayAbandoned
	default:
		return GatewayPending
	}
}
