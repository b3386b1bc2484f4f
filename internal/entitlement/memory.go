package entitlement

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	// Confirmed lists references confirmed at or before a time. Unsettled needs it
	// because payment intents live in the ledger, not here.
	Confirmed func(before time.Time) []string

	mu      sync.Mutex
	grants  map[string]Grant
	payouts map[string]Payout
	pending map[string]PendingMarker
	now     func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants:  make(map[string]Grant),
		payouts: make(map[string]Payout),
		pending: make(map[string]PendingMarker),
		now:     time.Now,
	}
}

func (m *MemoryStore) GetGrant(_ context.Context, reference string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[reference]
	if !ok {
		return Grant{}, ErrNotFound
	}
	return g, nil
}

func (m *MemoryStore) SaveGrant(_ context.Context, grant Grant, payout *Payout) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.grants[grant.Reference]; ok {
		return existing, nil
	}
	m.grants[grant.Reference] = grant
	if payout != nil {
		m.payouts[payout.Reference] = *payout
	}
	if marker, ok := m.pending[grant.Reference]; ok && marker.ResolvedAt == nil {
		at := grant.GrantedAt
		marker.ResolvedAt = &at
		m.pending[grant.Reference] = marker
	}
	return grant, nil
}

func (m *MemoryStore) MarkPending(_ context.Context, reference, lastError string, next time.Time) (PendingMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.pending[reference]
	if !ok {
		marker = PendingMarker{Reference: reference, CreatedAt: m.now().UTC()}
	}
	marker.Attempts++
	marker.LastError = lastError
	marker.NextAttemptAt = next
	marker.ResolvedAt = nil
	m.pending[reference] = marker
	return marker, nil
}

func (m *MemoryStore) ResolvePending(_ context.Context, reference string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if marker, ok := m.pending[reference]; ok && marker.ResolvedAt == nil {
		marker.ResolvedAt = &at
		m.pending[reference] = marker
	}
	return nil
}

func (m *MemoryStore) GetPending(_ context.Context, reference string) (PendingMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.pending[reference]
	if !ok {
		return PendingMarker{}, ErrNotFound
	}
	return marker, nil
}

func (m *MemoryStore) DuePending(_ context.Context, now time.Time, maxAttempts, limit int) ([]PendingMarker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []PendingMarker
	for _, marker := range m.pending {
		if marker.ResolvedAt != nil || marker.NextAttemptAt.After(now) {
			continue
		}
		if maxAttempts > 0 && marker.Attempts >= maxAttempts {
			continue
		}
		due = append(due, marker)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryStore) CountPending(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, marker := range m.pending {
		if marker.ResolvedAt == nil {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Unsettled(_ context.Context, confirmedBefore time.Time, limit int) ([]string, error) {
	if m.Confirmed == nil {
		return nil, nil
	}
	refs := m.Confirmed(confirmedBefore)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ref := range refs {
		if _, ok := m.grants[ref]; ok {
			continue
		}
		if _, ok := m.pending[ref]; ok {
			continue
		}
		out = append(out, ref)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) GetPayout(_ context.Context, reference string) (Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[reference]
	if !ok {
		return Payout{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) MarkPayoutTransferred(_ context.Context, reference, transferReference string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[reference]
	if !ok || p.Status != PayoutOwed {
		return false, nil
	}
	p.Status = PayoutTransferred
	p.TransferReference = transferReference
	p.TransferredAt = &at
	m.payouts[reference] = p
	return true, nil
}
