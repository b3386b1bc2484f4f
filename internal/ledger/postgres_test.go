package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edu-payments/internal/db/dbtest"
	"github.com/noah-isme/edu-payments/internal/ledger"
)

func newPostgresLedger(t *testing.T) (*ledger.Ledger, *ledger.PostgresStore, *clock) {
	t.Helper()
	pool := dbtest.Pool(t)
	clk := &clock{now: time.Now().UTC().Truncate(time.Second)}
	store := ledger.NewPostgresStore(pool)
	return ledger.New(store, ledger.WithClock(clk.Now), ledger.WithTTL(time.Hour)), store, clk
}

func TestPostgresStoreInsertAndGet(t *testing.T) {
	l, store, clk := newPostgresLedger(t)
	ctx := context.Background()
	ref := dbtest.Ref("LED")

	_, err := l.Create(ctx, ledger.NewIntent{
		Reference:        ref,
		Email:            "a@b.com",
		AmountMinorUnits: 500000,
		Currency:         "ngn",
		Metadata:         map[string]any{"courseId": "c1", "studentId": 42},
	})
	require.NoError(t, err)
	_, err = l.Create(ctx, ledger.NewIntent{Reference: ref, AmountMinorUnits: 1})
	require.ErrorIs(t, err, ledger.ErrDuplicateReference)

	intent, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusCreated, intent.Status)
	require.Equal(t, "NGN", intent.Currency)
	require.Equal(t, "c1", intent.Meta("courseId"))
	require.Equal(t, "42", intent.Meta("studentId"))
	require.WithinDuration(t, clk.Now().Add(time.Hour), intent.ExpiresAt, time.Millisecond)

	_, err = store.Get(ctx, dbtest.Ref("MISSING"))
	require.ErrorIs(t, err, ledger.ErrNotFound)

	failed, err := l.MarkFailed(ctx, ref, "gateway rejected")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, failed.Status)
	require.Equal(t, "gateway rejected", failed.FailureReason)
}

func TestPostgresStoreConfirmsExactlyOnce(t *testing.T) {
	l, store, _ := newPostgresLedger(t)
	ctx := context.Background()
	ref := dbtest.Ref("LED")
	createPending(t, l, ref)

	const deliveries = 10
	outcomes := make(chan ledger.Outcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := ledger.SourceWebhook
			if i%2 == 0 {
				source = ledger.SourceRedirect
			}
			outcome, _, err := l.RecordEvent(ctx, ref, success(source))
			if err != nil {
				t.Error(err)
				return
			}
			outcomes <- outcome
		}(i)
	}
	wg.Wait()
	close(outcomes)

	first := 0
	for outcome := range outcomes {
		if outcome == ledger.OutcomeFirstConfirmation {
			first++
		}
	}
	require.Equal(t, 1, first)

	events, err := store.Events(ctx, ref)
	require.NoError(t, err)
	require.Len(t, events, deliveries)

	transitions, err := store.Transitions(ctx, ref)
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	require.Equal(t, ledger.StatusCreated, transitions[0].To)
	require.Equal(t, ledger.StatusPending, transitions[2].From)
	require.Equal(t, ledger.StatusConfirmed, transitions[2].To)

	intent, err := store.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, intent.Status)
	require.Equal(t, "https://checkout.example/abc", intent.AuthorizationURL)
}

func TestPostgresStoreExpiry(t *testing.T) {
	l, store, clk := newPostgresLedger(t)
	ctx := context.Background()
	stale, confirmed := dbtest.Ref("LED"), dbtest.Ref("LED")
	createPending(t, l, stale)
	createPending(t, l, confirmed)
	_, _, err := l.RecordEvent(ctx, confirmed, success(ledger.SourceWebhook))
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	refs, err := store.ListExpirable(ctx, clk.Now(), 10000)
	require.NoError(t, err)
	require.Contains(t, refs, stale)
	require.NotContains(t, refs, confirmed)

	// the shared database may hold other packages' rows, so expire lazily by reference
	outcome, intent, err := l.RecordEvent(ctx, stale, success(ledger.SourceWebhook))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeExpired, outcome)
	require.Equal(t, ledger.StatusExpired, intent.Status)

	stored, err := store.Get(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusExpired, stored.Status)
}

func TestPostgresStoreKeepsNotifications(t *testing.T) {
	pool := dbtest.Pool(t)
	store := ledger.NewPostgresStore(pool)
	ctx := context.Background()
	ref := dbtest.Ref("NTF")

	for _, payload := range [][]byte{
		[]byte(`{"event":"charge.success","data":{"reference":"` + ref + `"}}`),
		[]byte(`not json`),
	} {
		require.NoError(t, store.InsertNotification(ctx, ledger.Notification{
			Event:          "charge.success",
			Reference:      ref,
			RawPayloadHash: "hash",
			Payload:        payload,
			ReceivedAt:     time.Now().UTC(),
		}))
	}

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM gateway_notifications WHERE reference = $1`, ref).Scan(&n))
	require.Equal(t, 2, n)
}
