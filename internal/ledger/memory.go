package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the ledger in process memory. Updates for one reference are
// serialised by a dedicated mutex; different references proceed in parallel.
type MemoryStore struct {
	mu            sync.Mutex
	intents       map[string]PaymentIntent
	events        map[string][]ConfirmationEvent
	transitions   map[string][]Transition
	notifications []Notification
	locks         map[string]*sync.Mutex
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:     make(map[string]PaymentIntent),
		events:      make(map[string][]ConfirmationEvent),
		transitions: make(map[string][]Transition),
		locks:       make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) Insert(_ context.Context, intent PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.intents[intent.Reference]; ok {
		return ErrDuplicateReference
	}
	intent.Metadata = cloneMetadata(intent.Metadata)
	m.intents[intent.Reference] = intent
	m.transitions[intent.Reference] = append(m.transitions[intent.Reference], Transition{
		Reference: intent.Reference,
		To:        intent.Status,
		Reason:    "intent created",
		At:        intent.CreatedAt,
	})
	return nil
}

func (m *MemoryStore) Get(_ context.Context, reference string) (PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.intents[reference]
	if !ok {
		return PaymentIntent{}, ErrNotFound
	}
	intent.Metadata = cloneMetadata(intent.Metadata)
	return intent, nil
}

func (m *MemoryStore) Update(ctx context.Context, reference string, fn UpdateFunc) (PaymentIntent, error) {
	lock := m.lockFor(reference)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.Get(ctx, reference)
	if err != nil {
		return PaymentIntent{}, err
	}
	next := current
	next.Metadata = cloneMetadata(current.Metadata)
	change, err := fn(&next)
	if err != nil {
		return PaymentIntent{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents[reference] = next
	if next.Status != current.Status {
		m.transitions[reference] = append(m.transitions[reference], Transition{
			Reference: reference,
			From:      current.Status,
			To:        next.Status,
			Reason:    change.Reason,
			At:        next.LastTransitionAt,
		})
	}
	if change.Event != nil {
		m.events[reference] = append(m.events[reference], *change.Event)
	}
	return next, nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []string
	for ref, intent := range m.intents {
		if intent.Status.open() && !now.Before(intent.ExpiresAt) {
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

// ConfirmedBefore lists CONFIRMED references whose last transition is at or before
// before, oldest first.
func (m *MemoryStore) ConfirmedBefore(before time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var confirmed []PaymentIntent
	for _, intent := range m.intents {
		if intent.Status == StatusConfirmed && !intent.LastTransitionAt.After(before) {
			confirmed = append(confirmed, intent)
		}
	}
	sort.Slice(confirmed, func(i, j int) bool {
		return confirmed[i].LastTransitionAt.Before(confirmed[j].LastTransitionAt)
	})
	refs := make([]string, len(confirmed))
	for i, intent := range confirmed {
		refs[i] = intent.Reference
	}
	return refs
}

func (m *MemoryStore) Events(_ context.Context, reference string) ([]ConfirmationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ConfirmationEvent(nil), m.events[reference]...), nil
}

func (m *MemoryStore) Transitions(_ context.Context, reference string) ([]Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.transitions[reference]...), nil
}

func (m *MemoryStore) InsertNotification(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.Payload = append([]byte(nil), n.Payload...)
	m.notifications = append(m.notifications, n)
	return nil
}

// Notifications returns every stored webhook delivery.
func (m *MemoryStore) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.notifications...)
}

func (m *MemoryStore) lockFor(reference string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[reference]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[reference] = lock
	}
	return lock
}

func cloneMetadata(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
