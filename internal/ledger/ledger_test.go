package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edu-payments/internal/ledger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLedger(t *testing.T) (*ledger.Ledger, *ledger.MemoryStore, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	store := ledger.NewMemoryStore()
	return ledger.New(store, ledger.WithClock(clk.Now), ledger.WithTTL(time.Hour)), store, clk
}

func createPending(t *testing.T, l *ledger.Ledger, ref string) ledger.PaymentIntent {
	t.Helper()
	ctx := context.Background()
	_, err := l.Create(ctx, ledger.NewIntent{
		Reference:        ref,
		Email:            "a@b.com",
		AmountMinorUnits: 500000,
		Currency:         "ngn",
		Metadata:         map[string]any{"courseId": "c1", "studentId": "s1"},
	})
	require.NoError(t, err)
	intent, err := l.MarkPending(ctx, ref, "https://checkout.example/abc", "abc")
	require.NoError(t, err)
	return intent
}

func success(source ledger.Source) ledger.ConfirmationEvent {
	return ledger.ConfirmationEvent{Source: source, GatewayStatus: "success", AmountMinorUnits: 500000, Currency: "NGN"}
}

func TestCreateAndMarkPending(t *testing.T) {
	l, _, clk := newLedger(t)
	intent := createPending(t, l, "R1")

	require.Equal(t, ledger.StatusPending, intent.Status)
	require.Equal(t, "NGN", intent.Currency)
	require.Equal(t, "https://checkout.example/abc", intent.AuthorizationURL)
	require.Equal(t, clk.Now().Add(time.Hour), intent.ExpiresAt)

	_, err := l.Create(context.Background(), ledger.NewIntent{Reference: "R1", AmountMinorUnits: 1})
	require.ErrorIs(t, err, ledger.ErrDuplicateReference)

	_, err = l.Create(context.Background(), ledger.NewIntent{Reference: "R2", AmountMinorUnits: 0})
	require.Error(t, err)
}

func TestRecordEventConfirmsExactlyOnceUnderConcurrency(t *testing.T) {
	l, _, _ := newLedger(t)
	createPending(t, l, "R1")

	const deliveries = 25
	outcomes := make(chan ledger.Outcome, deliveries)
	errs := make(chan error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := ledger.SourceWebhook
			if i%2 == 0 {
				source = ledger.SourceRedirect
			}
			outcome, _, err := l.RecordEvent(context.Background(), "R1", success(source))
			errs <- err
			outcomes <- outcome
		}(i)
	}
	wg.Wait()
	close(outcomes)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	var first int
	for outcome := range outcomes {
		if outcome == ledger.OutcomeFirstConfirmation {
			first++
			continue
		}
		require.Equal(t, ledger.OutcomeAlreadyConfirmed, outcome)
	}
	require.Equal(t, 1, first)
	events, err := l.Events(context.Background(), "R1")
	require.NoError(t, err)
	require.Len(t, events, deliveries)

	transitions, err := l.Transitions(context.Background(), "R1")
	require.NoError(t, err)
	require.Len(t, transitions, 3)
	require.Equal(t, ledger.StatusConfirmed, transitions[2].To)
	require.Equal(t, ledger.StatusPending, transitions[2].From)
}

func TestRecordEventUnknownReferenceWritesNothing(t *testing.T) {
	l, store, _ := newLedger(t)

	outcome, _, err := l.RecordEvent(context.Background(), "NOPE", success(ledger.SourceWebhook))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeUnknownReference, outcome)

	events, err := store.Events(context.Background(), "NOPE")
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestRecordEventPendingAndFailedStatuses(t *testing.T) {
	l, _, _ := newLedger(t)
	createPending(t, l, "R1")
	createPending(t, l, "R2")
	ctx := context.Background()

	outcome, intent, err := l.RecordEvent(ctx, "R1", ledger.ConfirmationEvent{Source: ledger.SourceRedirect, GatewayStatus: "pending"})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeNotYetSuccessful, outcome)
	require.Equal(t, ledger.StatusPending, intent.Status)

	outcome, intent, err = l.RecordEvent(ctx, "R2", ledger.ConfirmationEvent{Source: ledger.SourceRedirect, GatewayStatus: "abandoned"})
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeNotYetSuccessful, outcome)
	require.Equal(t, ledger.StatusFailed, intent.Status)
	require.Equal(t, "gateway reported abandoned", intent.FailureReason)

	outcome, _, err = l.RecordEvent(ctx, "R2", success(ledger.SourceWebhook))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeRejected, outcome, "FAILED is terminal")
}

func TestRecordEventRejectsAmountMismatch(t *testing.T) {
	l, _, _ := newLedger(t)
	createPending(t, l, "R1")

	ev := success(ledger.SourceWebhook)
	ev.AmountMinorUnits = 100
	outcome, intent, err := l.RecordEvent(context.Background(), "R1", ev)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeRejected, outcome)
	require.Equal(t, ledger.StatusPending, intent.Status)

	ev = success(ledger.SourceWebhook)
	ev.Currency = "USD"
	outcome, _, err = l.RecordEvent(context.Background(), "R1", ev)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeRejected, outcome)
}

func TestRecordEventRejectsSuccessWithoutAmount(t *testing.T) {
	l, _, _ := newLedger(t)
	createPending(t, l, "R1")

	ev := success(ledger.SourceWebhook)
	ev.AmountMinorUnits = 0
	outcome, intent, err := l.RecordEvent(context.Background(), "R1", ev)
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeRejected, outcome)
	require.Equal(t, ledger.StatusPending, intent.Status)

	events, err := l.Events(context.Background(), "R1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ledger.OutcomeRejected, events[0].Outcome)

	outcome, intent, err = l.RecordEvent(context.Background(), "R1", success(ledger.SourceRedirect))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeFirstConfirmation, outcome)
	require.Equal(t, ledger.StatusConfirmed, intent.Status)
}

func TestRecordEventAfterDeadlineExpiresLazily(t *testing.T) {
	l, _, clk := newLedger(t)
	createPending(t, l, "R1")
	clk.Advance(time.Hour + time.Second)

	outcome, intent, err := l.RecordEvent(context.Background(), "R1", success(ledger.SourceWebhook))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeExpired, outcome)
	require.Equal(t, ledger.StatusExpired, intent.Status)

	outcome, _, err = l.RecordEvent(context.Background(), "R1", success(ledger.SourceRedirect))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeExpired, outcome)
}

func TestExpireStale(t *testing.T) {
	l, _, clk := newLedger(t)
	createPending(t, l, "R1")
	createPending(t, l, "R2")
	_, _, err := l.RecordEvent(context.Background(), "R2", success(ledger.SourceWebhook))
	require.NoError(t, err)

	refs, err := l.ExpireStale(context.Background(), clk.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, refs)

	clk.Advance(2 * time.Hour)
	refs, err = l.ExpireStale(context.Background(), clk.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"R1"}, refs)

	intent, err := l.Get(context.Background(), "R2")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, intent.Status, "confirmed intents never expire")
}

func TestMarkPendingDoesNotRegressConfirmedIntent(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()
	_, err := l.Create(ctx, ledger.NewIntent{Reference: "R1", AmountMinorUnits: 500000, Currency: "NGN"})
	require.NoError(t, err)

	outcome, _, err := l.RecordEvent(ctx, "R1", success(ledger.SourceWebhook))
	require.NoError(t, err)
	require.Equal(t, ledger.OutcomeFirstConfirmation, outcome)

	intent, err := l.MarkPending(ctx, "R1", "https://checkout.example/x", "x")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusConfirmed, intent.Status)
	require.Equal(t, "x", intent.AccessCode)
}

func TestMetaAcceptsAlternateKeysAndNumbers(t *testing.T) {
	p := ledger.PaymentIntent{Metadata: map[string]any{"course_id": "c1", "studentId": float64(42)}}
	require.Equal(t, "c1", p.Meta("courseId", "course_id"))
	require.Equal(t, "42", p.Meta("studentId", "student_id"))
	require.Empty(t, p.Meta("lessonId", "lesson_id"))
}

func TestMemoryStoreConfirmedBefore(t *testing.T) {
	l, store, clk := newLedger(t)
	createPending(t, l, "R1")
	createPending(t, l, "R2")
	createPending(t, l, "R3")

	_, _, err := l.RecordEvent(context.Background(), "R2", success(ledger.SourceWebhook))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	_, _, err = l.RecordEvent(context.Background(), "R1", success(ledger.SourceRedirect))
	require.NoError(t, err)

	require.Equal(t, []string{"R2", "R1"}, store.ConfirmedBefore(clk.Now()))
	require.Equal(t, []string{"R2"}, store.ConfirmedBefore(clk.Now().Add(-time.Second)))
}
