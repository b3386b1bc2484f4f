// Package entitlement turns a confirmed payment into course access and teacher payout
// bookkeeping, exactly once per payment reference.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/edu-payments/internal/ledger"
	"github.com/noah-isme/edu-payments/internal/obs"
	"github.com/noah-isme/edu-payments/internal/resilience"
)

// IntentReader loads payment intents for resumed grants.
type IntentReader interface {
	Get(ctx context.Context, reference string) (ledger.PaymentIntent, error)
}

// Locker serialises grant execution per reference across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Scheduler enqueues a delayed resume of a pending grant.
type Scheduler interface {
	ScheduleResume(ctx context.Context, reference string, delay time.Duration) error
}

// Grantor applies entitlements for confirmed payments.
type Grantor struct {
	Store     Store
	Access    AccessControl
	Intents   IntentReader
	Locker    Locker
	Scheduler Scheduler
	// TeacherShare is the payout ratio; zero means DefaultTeacherShare.
	TeacherShare    decimal.Decimal
	RetryBase       time.Duration
	RetryMaxBackoff time.Duration
	MaxAttempts     int
	LockTTL         time.Duration
	Now             func() time.Time
	Logger          zerolog.Logger
}

// Grant applies the entitlement for a CONFIRMED intent. Repeated calls for the same
// reference return the stored grant without calling AccessControl again. Any failure
// after confirmation is recorded as pending, a retry is scheduled, and an error
// wrapping ErrGrantPending is returned.
func (g *Grantor) Grant(ctx context.Context, intent ledger.PaymentIntent) (Grant, error) {
	if intent.Status != ledger.StatusConfirmed {
		return Grant{}, fmt.Errorf("%w: %s is %s", ErrNotConfirmed, intent.Reference, intent.Status)
	}
	ctx, span := otel.Tracer("entitlement").Start(ctx, "entitlement.grant")
	defer span.End()
	span.SetAttributes(attribute.String("payment.reference", intent.Reference))

	var out Grant
	run := func(ctx context.Context) error {
		var err error
		out, err = g.apply(ctx, intent)
		return err
	}
	var err error
	if g.Locker != nil {
		err = g.Locker.WithLock(ctx, intent.Reference, g.lockTTL(), run)
	} else {
		err = run(ctx)
	}
	if err == nil {
		return out, nil
	}
	if errors.Is(err, ErrGrantPending) {
		return Grant{}, err
	}
	// lock or store failure before the unlock ran: still owed, so defer it
	return Grant{}, g.postpone(ctx, intent.Reference, err)
}

func (g *Grantor) apply(ctx context.Context, intent ledger.PaymentIntent) (Grant, error) {
	existing, err := g.Store.GetGrant(ctx, intent.Reference)
	if err == nil {
		obs.IncGrant("already_granted")
		if err := g.Store.ResolvePending(ctx, intent.Reference, g.now().UTC()); err != nil {
			g.Logger.Warn().Err(err).Str("reference", intent.Reference).Msg("resolve stale grant marker")
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Grant{}, err
	}

	grant, payout, err := g.compose(intent)
	if err != nil {
		return Grant{}, g.postpone(ctx, intent.Reference, err)
	}
	if err := g.Access.Unlock(ctx, UnlockRequest{
		Reference: grant.Reference,
		StudentID: grant.StudentID,
		CourseID:  grant.CourseID,
		LessonID:  grant.LessonID,
	}); err != nil {
		return Grant{}, g.postpone(ctx, intent.Reference, err)
	}
	saved, err := g.Store.SaveGrant(ctx, grant, payout)
	if err != nil {
		return Grant{}, g.postpone(ctx, intent.Reference, err)
	}

	obs.IncGrant("granted")
	g.Logger.Info().
		Str("reference", saved.Reference).
		Str("student_id", saved.StudentID).
		Str("course_id", saved.CourseID).
		Int64("teacher_payout", saved.TeacherPayoutMinorUnits).
		Msg("entitlement granted")
	return saved, nil
}

// compose builds the grant and payout rows from intent metadata.
func (g *Grantor) compose(intent ledger.PaymentIntent) (Grant, *Payout, error) {
	grant := Grant{
		Reference:        intent.Reference,
		StudentID:        intent.Meta("studentId", "student_id"),
		CourseID:         intent.Meta("courseId", "course_id"),
		LessonID:         intent.Meta("lessonId", "lesson_id"),
		TeacherID:        intent.Meta("teacherId", "teacher_id"),
		AmountMinorUnits: intent.AmountMinorUnits,
		GrantedAt:        g.now().UTC(),
	}
	if grant.StudentID == "" || grant.CourseID == "" {
		return Grant{}, nil, ErrMissingMetadata
	}
	if grant.TeacherID == "" {
		grant.PlatformShareMinorUnits = intent.AmountMinorUnits
		return grant, nil, nil
	}
	share := g.TeacherShare
	if share.IsZero() {
		share = DefaultTeacherShare
	}
	grant.TeacherPayoutMinorUnits, grant.PlatformShareMinorUnits = Split(intent.AmountMinorUnits, share)
	payout := &Payout{
		Reference:        intent.Reference,
		TeacherID:        grant.TeacherID,
		AmountMinorUnits: grant.TeacherPayoutMinorUnits,
		Currency:         intent.Currency,
		Status:           PayoutOwed,
		CreatedAt:        grant.GrantedAt,
	}
	return grant, payout, nil
}

// postpone records the failure as a pending marker and schedules a retry. The returned
// error always wraps ErrGrantPending together with cause.
func (g *Grantor) postpone(ctx context.Context, reference string, cause error) error {
	obs.IncGrant("pending")
	attempts := 1
	if prev, err := g.Store.GetPending(ctx, reference); err == nil && prev.ResolvedAt == nil {
		attempts = prev.Attempts + 1
	}
	delay := g.backoff(attempts)
	marker, err := g.Store.MarkPending(ctx, reference, cause.Error(), g.now().UTC().Add(delay))
	if err != nil {
		g.Logger.Error().Err(err).Str("reference", reference).Msg("record grant pending marker")
		return fmt.Errorf("%w: %w", ErrGrantPending, cause)
	}
	evt := g.Logger.Warn()
	if errors.Is(cause, ErrMissingMetadata) || (g.MaxAttempts > 0 && marker.Attempts >= g.MaxAttempts) {
		evt = g.Logger.Error()
	}
	evt.Err(cause).Str("reference", reference).Int("attempts", marker.Attempts).
		Time("next_attempt_at", marker.NextAttemptAt).Msg("entitlement grant pending")

	if g.Scheduler != nil && !errors.Is(cause, ErrMissingMetadata) && (g.MaxAttempts <= 0 || marker.Attempts < g.MaxAttempts) {
		if err := g.Scheduler.ScheduleResume(ctx, reference, delay); err != nil {
			g.Logger.Warn().Err(err).Str("reference", reference).Msg("schedule grant retry; sweep will pick it up")
		}
	}
	return fmt.Errorf("%w: %w", ErrGrantPending, cause)
}

// Resume retries a pending grant. It never contacts the payment gateway.
func (g *Grantor) Resume(ctx context.Context, reference string) (Grant, error) {
	intent, err := g.Intents.Get(ctx, reference)
	if err != nil {
		return Grant{}, fmt.Errorf("entitlement: load intent %s: %w", reference, err)
	}
	return g.Grant(ctx, intent)
}

// Lookup returns the stored grant for reference.
func (g *Grantor) Lookup(ctx context.Context, reference string) (Grant, error) {
	return g.Store.GetGrant(ctx, reference)
}

// RetryPending resumes markers that are due and reports how many were resolved.
// Markers that exhausted MaxAttempts stay in the store for an operator. It also picks
// up payments confirmed more than one lock TTL ago that never reached Grant, which
// happens when a process stops between the ledger commit and the grant.
func (g *Grantor) RetryPending(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := g.Store.DuePending(ctx, now, g.MaxAttempts, limit)
	if err != nil {
		return 0, err
	}
	refs := make([]string, 0, len(due))
	for _, marker := range due {
		refs = append(refs, marker.Reference)
	}
	orphans, err := g.Store.Unsettled(ctx, now.Add(-g.lockTTL()), limit)
	if err != nil {
		g.Logger.Error().Err(err).Msg("list confirmed payments without grant")
	}
	for _, ref := range orphans {
		g.Logger.Warn().Str("reference", ref).Msg("confirmed payment has no grant or marker")
	}
	refs = append(refs, orphans...)

	resolved := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		if _, err := g.Resume(ctx, ref); err != nil {
			if !errors.Is(err, ErrGrantPending) {
				g.Logger.Error().Err(err).Str("reference", ref).Msg("resume grant")
			}
			continue
		}
		resolved++
	}
	if n, err := g.Store.CountPending(ctx); err == nil {
		obs.SetPendingGrants(n)
	}
	return resolved, nil
}

// MarkPayoutTransferred records a completed transfer for the payout of reference.
func (g *Grantor) MarkPayoutTransferred(ctx context.Context, reference, transferReference string) (bool, error) {
	return g.Store.MarkPayoutTransferred(ctx, reference, transferReference, g.now().UTC())
}

func (g *Grantor) backoff(attempt int) time.Duration {
	base := g.RetryBase
	if base <= 0 {
		base = 30 * time.Second
	}
	d := resilience.Backoff(base, attempt, 0.2)
	if g.RetryMaxBackoff > 0 && d > g.RetryMaxBackoff {
		d = g.RetryMaxBackoff
	}
	return d
}

func (g *Grantor) lockTTL() time.Duration {
	if g.LockTTL > 0 {
		return g.LockTTL
	}
	return 30 * time.Second
}

func (g *Grantor) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}
