package entitlement_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/edu-payments/internal/entitlement"
	"github.com/noah-isme/edu-payments/internal/ledger"
	"github.com/noah-isme/edu-payments/internal/lock"
	"github.com/noah-isme/edu-payments/internal/resilience"
)

type stubAccess struct {
	mu    sync.Mutex
	calls []entitlement.UnlockRequest
	err   error
}

func (s *stubAccess) Unlock(_ context.Context, req entitlement.UnlockRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	return s.err
}

func (s *stubAccess) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubAccess) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubScheduler struct {
	mu   sync.Mutex
	refs []string
}

func (s *stubScheduler) ScheduleResume(_ context.Context, reference string, _ time.Duration) error {
	s.mu.Lock()
	s.refs = append(s.refs, reference)
	s.mu.Unlock()
	return nil
}

type intentMap map[string]ledger.PaymentIntent

func (m intentMap) Get(_ context.Context, reference string) (ledger.PaymentIntent, error) {
	intent, ok := m[reference]
	if !ok {
		return ledger.PaymentIntent{}, ledger.ErrNotFound
	}
	return intent, nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func confirmedIntent(ref string, amount int64, md map[string]any) ledger.PaymentIntent {
	return ledger.PaymentIntent{
		Reference:        ref,
		AmountMinorUnits: amount,
		Currency:         "NGN",
		Status:           ledger.StatusConfirmed,
		Metadata:         md,
	}
}

func newGrantor(access entitlement.AccessControl, intents intentMap) (*entitlement.Grantor, *entitlement.MemoryStore, *stubScheduler) {
	store := entitlement.NewMemoryStore()
	sched := &stubScheduler{}
	return &entitlement.Grantor{
		Store:       store,
		Access:      access,
		Intents:     intents,
		Scheduler:   sched,
		RetryBase:   time.Second,
		MaxAttempts: 5,
		Now:         func() time.Time { return fixedNow },
	}, store, sched
}

func TestSplitFloorsTeacherPayout(t *testing.T) {
	teacher, platform := entitlement.Split(1_000_000, entitlement.DefaultTeacherShare)
	require.EqualValues(t, 700_000, teacher)
	require.EqualValues(t, 300_000, platform)

	teacher, platform = entitlement.Split(999, entitlement.DefaultTeacherShare)
	require.EqualValues(t, 699, teacher)
	require.EqualValues(t, 300, platform)
}

func TestParseShare(t *testing.T) {
	d, err := entitlement.ParseShare("")
	require.NoError(t, err)
	require.True(t, d.Equal(entitlement.DefaultTeacherShare))

	d, err = entitlement.ParseShare("0.85")
	require.NoError(t, err)
	require.True(t, d.Equal(decimal.RequireFromString("0.85")))

	_, err = entitlement.ParseShare("1.5")
	require.Error(t, err)
	_, err = entitlement.ParseShare("seventy")
	require.Error(t, err)
}

func TestGrantAppliesOnceAndRecordsPayout(t *testing.T) {
	access := &stubAccess{}
	g, store, _ := newGrantor(access, nil)
	intent := confirmedIntent("R1", 1_000_000, map[string]any{"studentId": "s1", "course_id": "c1", "teacherId": "t1"})

	grant, err := g.Grant(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, "s1", grant.StudentID)
	require.Equal(t, "c1", grant.CourseID)
	require.EqualValues(t, 700_000, grant.TeacherPayoutMinorUnits)
	require.EqualValues(t, 300_000, grant.PlatformShareMinorUnits)

	again, err := g.Grant(context.Background(), intent)
	require.NoError(t, err)
	require.Equal(t, grant, again)
	require.Equal(t, 1, access.count())

	payout, err := store.GetPayout(context.Background(), "R1")
	require.NoError(t, err)
	require.Equal(t, entitlement.PayoutOwed, payout.Status)
	require.EqualValues(t, 700_000, payout.AmountMinorUnits)

	ok, err := g.MarkPayoutTransferred(context.Background(), "R1", "TRF_1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = g.MarkPayoutTransferred(context.Background(), "R1", "TRF_1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGrantWithoutTeacherKeepsFullAmount(t *testing.T) {
	g, store, _ := newGrantor(&stubAccess{}, nil)
	grant, err := g.Grant(context.Background(), confirmedIntent("R1", 500000, map[string]any{"courseId": "c1", "studentId": "s1"}))
	require.NoError(t, err)
	require.EqualValues(t, 0, grant.TeacherPayoutMinorUnits)
	require.EqualValues(t, 500000, grant.PlatformShareMinorUnits)

	_, err = store.GetPayout(context.Background(), "R1")
	require.ErrorIs(t, err, entitlement.ErrNotFound)
}

func TestGrantRequiresConfirmedIntent(t *testing.T) {
	access := &stubAccess{}
	g, _, _ := newGrantor(access, nil)
	intent := confirmedIntent("R1", 100, map[string]any{"courseId": "c1", "studentId": "s1"})
	intent.Status = ledger.StatusPending

	_, err := g.Grant(context.Background(), intent)
	require.ErrorIs(t, err, entitlement.ErrNotConfirmed)
	require.Zero(t, access.count())
}

func TestGrantPendingOnAccessFailureThenResume(t *testing.T) {
	access := &stubAccess{err: errors.New("platform down")}
	intent := confirmedIntent("R1", 500000, map[string]any{"courseId": "c1", "studentId": "s1"})
	g, store, sched := newGrantor(access, intentMap{"R1": intent})

	_, err := g.Grant(context.Background(), intent)
	require.ErrorIs(t, err, entitlement.ErrGrantPending)
	require.ErrorContains(t, err, "platform down")

	marker, err := store.GetPending(context.Background(), "R1")
	require.NoError(t, err)
	require.Equal(t, 1, marker.Attempts)
	require.Nil(t, marker.ResolvedAt)
	require.True(t, marker.NextAttemptAt.After(fixedNow))
	require.Equal(t, []string{"R1"}, sched.refs)

	access.fail(nil)
	grant, err := g.Resume(context.Background(), "R1")
	require.NoError(t, err)
	require.Equal(t, "c1", grant.CourseID)

	marker, err = store.GetPending(context.Background(), "R1")
	require.NoError(t, err)
	require.NotNil(t, marker.ResolvedAt)
}

func TestGrantMissingMetadataStaysPendingWithoutRetry(t *testing.T) {
	access := &stubAccess{}
	g, store, sched := newGrantor(access, nil)

	_, err := g.Grant(context.Background(), confirmedIntent("R1", 500000, map[string]any{"courseId": "c1"}))
	require.ErrorIs(t, err, entitlement.ErrGrantPending)
	require.ErrorIs(t, err, entitlement.ErrMissingMetadata)
	require.Zero(t, access.count())
	require.Empty(t, sched.refs)

	marker, err := store.GetPending(context.Background(), "R1")
	require.NoError(t, err)
	require.Equal(t, "missing entitlement metadata", marker.LastError)
}

func TestRetryPendingResolvesDueMarkers(t *testing.T) {
	access := &stubAccess{err: errors.New("timeout")}
	i1 := confirmedIntent("R1", 100, map[string]any{"courseId": "c1", "studentId": "s1"})
	i2 := confirmedIntent("R2", 100, map[string]any{"courseId": "c2", "studentId": "s2"})
	g, store, _ := newGrantor(access, intentMap{"R1": i1, "R2": i2})

	_, err := g.Grant(context.Background(), i1)
	require.ErrorIs(t, err, entitlement.ErrGrantPending)
	_, err = g.Grant(context.Background(), i2)
	require.ErrorIs(t, err, entitlement.ErrGrantPending)

	resolved, err := g.RetryPending(context.Background(), fixedNow, 10)
	require.NoError(t, err)
	require.Zero(t, resolved, "markers are not due yet")

	access.fail(nil)
	resolved, err = g.RetryPending(context.Background(), fixedNow.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, 2, resolved)

	n, err := store.CountPending(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRetryPendingPicksUpConfirmedPaymentWithoutMarker(t *testing.T) {
	access := &stubAccess{}
	orphan := confirmedIntent("R1", 100, map[string]any{"courseId": "c1", "studentId": "s1"})
	fresh := confirmedIntent("R2", 100, map[string]any{"courseId": "c2", "studentId": "s2"})
	g, store, _ := newGrantor(access, intentMap{"R1": orphan, "R2": fresh})
	confirmedAt := map[string]time.Time{"R1": fixedNow.Add(-time.Hour), "R2": fixedNow}
	store.Confirmed = func(before time.Time) []string {
		var refs []string
		for _, ref := range []string{"R1", "R2"} {
			if !confirmedAt[ref].After(before) {
				refs = append(refs, ref)
			}
		}
		return refs
	}

	resolved, err := g.RetryPending(context.Background(), fixedNow, 10)
	require.NoError(t, err)
	require.Equal(t, 1, resolved, "a payment confirmed within the lock TTL may still be granting inline")
	require.Equal(t, 1, access.count())

	grant, err := store.GetGrant(context.Background(), "R1")
	require.NoError(t, err)
	require.Equal(t, "c1", grant.CourseID)
	_, err = store.GetGrant(context.Background(), "R2")
	require.ErrorIs(t, err, entitlement.ErrNotFound)

	resolved, err = g.RetryPending(context.Background(), fixedNow, 10)
	require.NoError(t, err)
	require.Zero(t, resolved)
	require.Equal(t, 1, access.count(), "granted payment is not unlocked twice")
}

func TestGrantSerialisedByRedisLock(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	access := &stubAccess{}
	g, _, _ := newGrantor(access, nil)
	g.Locker = lock.Locker{R: client, Prefix: "grant:", RetryBackoff: 2 * time.Millisecond}
	intent := confirmedIntent("R1", 100, map[string]any{"courseId": "c1", "studentId": "s1"})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Grant(context.Background(), intent)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, access.count())
}

func TestHTTPAccessSendsIdempotencyKey(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/access/grants", r.URL.Path)
		require.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		keys = append(keys, r.Header.Get("Idempotency-Key"))
		if len(keys) == 1 {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusConflict)
	}))
	t.Cleanup(srv.Close)

	access := entitlement.HTTPAccess{
		BaseURL: srv.URL,
		Token:   "svc-token",
		Client:  resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1},
	}
	req := entitlement.UnlockRequest{Reference: "R1", StudentID: "s1", CourseID: "c1"}
	require.NoError(t, access.Unlock(context.Background(), req))
	require.NoError(t, access.Unlock(context.Background(), req), "conflict means already enrolled")
	require.Equal(t, []string{"R1", "R1"}, keys)
}

func TestHTTPAccessReportsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown course", http.StatusUnprocessableEntity)
	}))
	t.Cleanup(srv.Close)

	access := entitlement.HTTPAccess{BaseURL: srv.URL, Client: resilience.HTTPClient{Client: srv.Client()}}
	err := access.Unlock(context.Background(), entitlement.UnlockRequest{Reference: "R1"})
	require.ErrorContains(t, err, "422")
}
