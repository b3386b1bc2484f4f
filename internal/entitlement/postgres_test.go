package entitlement_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edu-payments/internal/db/dbtest"
	"github.com/noah-isme/edu-payments/internal/entitlement"
	"github.com/noah-isme/edu-payments/internal/ledger"
)

// Intents here are confirmed at a fixed instant long before any real-time row, so
// Unsettled can be bounded to this test's rows.
var confirmedAt = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)

func confirmInPostgres(t *testing.T, pool *pgxpool.Pool, md map[string]any) (*ledger.Ledger, ledger.PaymentIntent) {
	t.Helper()
	l := ledger.New(ledger.NewPostgresStore(pool),
		ledger.WithClock(func() time.Time { return confirmedAt }),
		ledger.WithTTL(24*time.Hour))
	ctx := context.Background()
	ref := dbtest.Ref("ENT")
	_, err := l.Create(ctx, ledger.NewIntent{Reference: ref, Email: "a@b.com", AmountMinorUnits: 1_000_000, Currency: "NGN", Metadata: md})
	require.NoError(t, err)
	outcome, intent, err := l.RecordEvent(ctx, ref, ledger.ConfirmationEvent{
		Source:           ledger.SourceWebhook,
		GatewayStatus:    ledger.GatewaySuccess,
		AmountMinorUnits: 1_000_000,
		Currency:         "NGN",
	})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeFirstConfirmation, outcome)
	return l, intent
}

func TestPostgresAccessUnlocksWholeCourse(t *testing.T) {
	pool := dbtest.Pool(t)
	access := entitlement.PostgresAccess{Pool: pool}
	ctx := context.Background()

	course := entitlement.UnlockRequest{Reference: dbtest.Ref("ENR"), StudentID: "s1", CourseID: "c1"}
	require.NoError(t, access.Unlock(ctx, course))
	require.NoError(t, access.Unlock(ctx, course), "repeat unlock is a no-op")

	lesson := entitlement.UnlockRequest{Reference: dbtest.Ref("ENR"), StudentID: "s1", CourseID: "c1", LessonID: "l7"}
	require.NoError(t, access.Unlock(ctx, lesson))

	for ref, want := range map[string]string{course.Reference: "", lesson.Reference: "l7"} {
		var lessonID string
		var n int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT lesson_id, COUNT(*) OVER () FROM course_enrollments WHERE reference = $1`, ref).Scan(&lessonID, &n))
		require.Equal(t, want, lessonID)
		require.Equal(t, 1, n)
	}
}

func TestPostgresStoreGrantLifecycle(t *testing.T) {
	pool := dbtest.Pool(t)
	store := entitlement.NewPostgresStore(pool)
	ctx := context.Background()
	_, intent := confirmInPostgres(t, pool, map[string]any{"courseId": "c1", "studentId": "s1", "teacherId": "t1"})
	ref := intent.Reference

	_, err := store.GetGrant(ctx, ref)
	require.ErrorIs(t, err, entitlement.ErrNotFound)

	next := confirmedAt.Add(time.Minute)
	_, err = store.MarkPending(ctx, ref, "access api down", next)
	require.NoError(t, err)
	marker, err := store.MarkPending(ctx, ref, "access api still down", next)
	require.NoError(t, err)
	require.Equal(t, 2, marker.Attempts)
	require.Equal(t, "access api still down", marker.LastError)
	require.Nil(t, marker.ResolvedAt)

	due, err := store.DuePending(ctx, next, 5, 10000)
	require.NoError(t, err)
	require.Contains(t, refsOf(due), ref)
	due, err = store.DuePending(ctx, next, 2, 10000)
	require.NoError(t, err)
	require.NotContains(t, refsOf(due), ref, "exhausted markers are left for an operator")

	unsettled, err := store.Unsettled(ctx, confirmedAt, 10000)
	require.NoError(t, err)
	require.NotContains(t, unsettled, ref, "a marked payment is the marker sweep's job")

	teacher, platform := entitlement.Split(intent.AmountMinorUnits, entitlement.DefaultTeacherShare)
	grant := entitlement.Grant{
		Reference: ref, StudentID: "s1", CourseID: "c1", TeacherID: "t1",
		AmountMinorUnits: intent.AmountMinorUnits, TeacherPayoutMinorUnits: teacher, PlatformShareMinorUnits: platform,
		GrantedAt: next,
	}
	payout := &entitlement.Payout{Reference: ref, TeacherID: "t1", AmountMinorUnits: teacher, Currency: "NGN", Status: entitlement.PayoutOwed, CreatedAt: next}
	saved, err := store.SaveGrant(ctx, grant, payout)
	require.NoError(t, err)
	require.Equal(t, ref, saved.Reference)

	again, err := store.SaveGrant(ctx, entitlement.Grant{Reference: ref, StudentID: "other", CourseID: "other", GrantedAt: next}, nil)
	require.NoError(t, err)
	require.Equal(t, "s1", again.StudentID, "existing grant is returned unchanged")

	marker, err = store.GetPending(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, marker.ResolvedAt)

	owed, err := store.GetPayout(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, entitlement.PayoutOwed, owed.Status)
	require.EqualValues(t, 700_000, owed.AmountMinorUnits)
	require.Empty(t, owed.TransferReference)

	ok, err := store.MarkPayoutTransferred(ctx, ref, "TRF_1", next.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.MarkPayoutTransferred(ctx, ref, "TRF_2", next.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, ok)

	paid, err := store.GetPayout(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, entitlement.PayoutTransferred, paid.Status)
	require.Equal(t, "TRF_1", paid.TransferReference)
	require.NotNil(t, paid.TransferredAt)
}

func TestPostgresSweepGrantsConfirmedPaymentWithoutMarker(t *testing.T) {
	pool := dbtest.Pool(t)
	store := entitlement.NewPostgresStore(pool)
	ctx := context.Background()
	l, intent := confirmInPostgres(t, pool, map[string]any{"courseId": "c1", "studentId": "s1"})

	unsettled, err := store.Unsettled(ctx, confirmedAt, 10000)
	require.NoError(t, err)
	require.Contains(t, unsettled, intent.Reference)

	g := &entitlement.Grantor{
		Store:   store,
		Access:  entitlement.PostgresAccess{Pool: pool},
		Intents: l,
		LockTTL: time.Second,
		Now:     l.Now,
	}
	_, err = g.RetryPending(ctx, confirmedAt.Add(time.Minute), 10000)
	require.NoError(t, err)

	grant, err := store.GetGrant(ctx, intent.Reference)
	require.NoError(t, err)
	require.Equal(t, "c1", grant.CourseID)
	require.Empty(t, grant.LessonID)
	require.EqualValues(t, 1_000_000, grant.PlatformShareMinorUnits)

	unsettled, err = store.Unsettled(ctx, confirmedAt, 10000)
	require.NoError(t, err)
	require.NotContains(t, unsettled, intent.Reference)
}

func refsOf(markers []entitlement.PendingMarker) []string {
	refs := make([]string, len(markers))
	for i, m := range markers {
		refs[i] = m.Reference
	}
	return refs
}
