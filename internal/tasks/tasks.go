// Package tasks runs the payment background work on asynq: delayed grant resumes,
// the pending-grant sweep and the intent expiry sweep.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/noah-isme/edu-payments/internal/entitlement"
	"github.com/noah-isme/edu-payments/internal/obs"
)

// Task type names.
const (
	TypeGrantResume  = "entitlement:resume"
	TypeGrantSweep   = "entitlement:sweep"
	TypeLedgerExpire = "ledger:expire"
)

// QueueDefault is the queue every payment task uses.
const QueueDefault = "payments"

type resumePayload struct {
	Reference string `json:"reference"`
}

// NewResumeTask builds an entitlement:resume task for reference.
func NewResumeTask(reference string) (*asynq.Task, error) {
	payload, err := json.Marshal(resumePayload{Reference: reference})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeGrantResume, payload), nil
}

// Enqueuer is the part of *asynq.Client the scheduler uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler enqueues delayed grant resumes. It satisfies entitlement.Scheduler.
type Scheduler struct {
	Client   Enqueuer
	Queue    string
	MaxRetry int
	Now      func() time.Time
}

// ScheduleResume enqueues a resume of reference after delay. A task already queued
// for the same reference and due second is treated as success.
func (s Scheduler) ScheduleResume(ctx context.Context, reference string, delay time.Duration) error {
	if s.Client == nil {
		return errors.New("tasks: client not configured")
	}
	task, err := NewResumeTask(reference)
	if err != nil {
		return err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	queue := s.Queue
	if queue == "" {
		queue = QueueDefault
	}
	due := now().Add(delay).Unix()
	_, err = s.Client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.ProcessIn(delay),
		asynq.TaskID(fmt.Sprintf("resume:%s:%d", reference, due)),
		asynq.MaxRetry(s.MaxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// GrantResumer retries entitlement grants.
type GrantResumer interface {
	Resume(ctx context.Context, reference string) (entitlement.Grant, error)
	RetryPending(ctx context.Context, now time.Time, limit int) (int, error)
}

// Expirer expires stale payment intents.
type Expirer interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Handlers processes payment tasks.
type Handlers struct {
	Grants    GrantResumer
	Ledger    Expirer
	BatchSize int
	Now       func() time.Time
	Logger    zerolog.Logger
}

// Register binds every handler to mux.
func (h Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeGrantResume, h.HandleResume)
	mux.HandleFunc(TypeGrantSweep, h.HandleSweep)
	mux.HandleFunc(TypeLedgerExpire, h.HandleExpire)
}

// HandleResume retries one pending grant. A grant that is still pending has already
// been rescheduled by the grantor, so the task itself completes.
func (h Handlers) HandleResume(ctx context.Context, t *asynq.Task) error {
	var p resumePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil || p.Reference == "" {
		return fmt.Errorf("tasks: bad resume payload: %w", asynq.SkipRetry)
	}
	grant, err := h.Grants.Resume(ctx, p.Reference)
	switch {
	case err == nil:
		h.Logger.Info().Str("reference", grant.Reference).Msg("pending grant applied")
		return nil
	case errors.Is(err, entitlement.ErrGrantPending):
		return nil
	case errors.Is(err, entitlement.ErrNotConfirmed):
		h.Logger.Error().Err(err).Str("reference", p.Reference).Msg("resume for unconfirmed payment")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

// HandleSweep resumes every due pending grant.
func (h Handlers) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	n, err := h.Grants.RetryPending(ctx, h.now(), h.BatchSize)
	if err != nil {
		return fmt.Errorf("tasks: grant sweep: %w", err)
	}
	if n > 0 {
		h.Logger.Info().Int("resolved", n).Msg("grant sweep resolved pending grants")
	}
	return nil
}

// HandleExpire moves stale open intents to EXPIRED.
func (h Handlers) HandleExpire(ctx context.Context, _ *asynq.Task) error {
	refs, err := h.Ledger.ExpireStale(ctx, h.now(), h.BatchSize)
	obs.AddExpired(len(refs))
	if err != nil {
		return fmt.Errorf("tasks: expiry sweep: %w", err)
	}
	return nil
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// RegisterPeriodic adds the two sweeps to an asynq scheduler.
func RegisterPeriodic(s *asynq.Scheduler, expiryEvery, grantEvery time.Duration) error {
	entries := []struct {
		typ   string
		every time.Duration
	}{
		{TypeLedgerExpire, expiryEvery},
		{TypeGrantSweep, grantEvery},
	}
	for _, e := range entries {
		if e.every <= 0 {
			continue
		}
		if _, err := s.Register("@every "+e.every.String(), asynq.NewTask(e.typ, nil),
			asynq.Queue(QueueDefault), asynq.Unique(e.every), asynq.MaxRetry(0)); err != nil {
			return fmt.Errorf("tasks: register %s: %w", e.typ, err)
		}
	}
	return nil
}
