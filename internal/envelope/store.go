package envelope

import (
	"context"
	"sync"

	"github.com/example/homeledger/internal/ledger"
)

// MemoryStore is an in-process envelope store used by tests and by the
// in-memory engine wiring. All returned envelopes are copies; mutations only
// land through CommitBatch, which enforces optimistic versioning.
type MemoryStore struct {
	mu           sync.RWMutex
	budgets      map[string]*BudgetEnvelope
	payments     map[string]*PaymentEnvelope
	transactions []Transaction
	allocations  []Allocation
}

// NewMemoryStore returns an empty in-memory envelope store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		budgets:  make(map[string]*BudgetEnvelope),
		payments: make(map[string]*PaymentEnvelope),
	}
}

// CreateBudgetEnvelope registers a new budget envelope.
func (m *MemoryStore) CreateBudgetEnvelope(env *BudgetEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.budgets[env.ID]; ok {
		return &DuplicateEnvelopeError{EnvelopeID: env.ID}
	}
	cp := *env
	m.budgets[env.ID] = &cp
	return nil
}

// CreatePaymentEnvelope registers a new payment envelope.
func (m *MemoryStore) CreatePaymentEnvelope(env *PaymentEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[env.ID]; ok {
		return &DuplicateEnvelopeError{EnvelopeID: env.ID}
	}
	cp := *env
	m.payments[env.ID] = &cp
	return nil
}

// BudgetEnvelope returns a copy of the envelope with the given ID.
func (m *MemoryStore) BudgetEnvelope(_ context.Context, id string) (*BudgetEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.budgets[id]
	if !ok {
		return nil, &EnvelopeNotFoundError{EnvelopeID: id}
	}
	cp := *env
	return &cp, nil
}

// BudgetEnvelopes returns copies of all budget envelopes.
func (m *MemoryStore) BudgetEnvelopes(_ context.Context) ([]*BudgetEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*BudgetEnvelope, 0, len(m.budgets))
	for _, env := range m.budgets {
		cp := *env
		out = append(out, &cp)
	}
	return out, nil
}

// PaymentEnvelope returns a copy of the envelope with the given ID.
func (m *MemoryStore) PaymentEnvelope(_ context.Context, id string) (*PaymentEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.payments[id]
	if !ok {
		return nil, &EnvelopeNotFoundError{EnvelopeID: id}
	}
	cp := *env
	return &cp, nil
}

// PaymentEnvelopes returns copies of all payment envelopes.
func (m *MemoryStore) PaymentEnvelopes(_ context.Context) ([]*PaymentEnvelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*PaymentEnvelope, 0, len(m.payments))
	for _, env := range m.payments {
		cp := *env
		out = append(out, &cp)
	}
	return out, nil
}

// CommitBatch applies updated envelope states and appends audit rows in one
// critical section. Every updated envelope must carry the version observed
// at snapshot time; a mismatch fails the whole batch with a version conflict
// and nothing is applied.
func (m *MemoryStore) CommitBatch(_ context.Context, batch *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, env := range batch.Budgets {
		current, ok := m.budgets[env.ID]
		if !ok {
			return &EnvelopeNotFoundError{EnvelopeID: env.ID}
		}
		if current.Version != env.Version {
			return &ledger.VersionConflictError{AccountID: env.ID, Expected: env.Version, Found: current.Version}
		}
	}
	for _, env := range batch.Payments {
		current, ok := m.payments[env.ID]
		if !ok {
			return &EnvelopeNotFoundError{EnvelopeID: env.ID}
		}
		if current.Version != env.Version {
			return &ledger.VersionConflictError{AccountID: env.ID, Expected: env.Version, Found: current.Version}
		}
	}

	for _, env := range batch.Budgets {
		cp := *env
		cp.Version++
		m.budgets[env.ID] = &cp
	}
	for _, env := range batch.Payments {
		cp := *env
		cp.Version++
		m.payments[env.ID] = &cp
	}
	m.transactions = append(m.transactions, batch.Transactions...)
	m.allocations = append(m.allocations, batch.Allocations...)
	return nil
}

// Transactions returns the audit trail for one envelope in append order.
func (m *MemoryStore) Transactions(_ context.Context, envelopeID string) ([]Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Transaction
	for _, txn := range m.transactions {
		if txn.EnvelopeID == envelopeID {
			out = append(out, txn)
		}
	}
	return out, nil
}

// Allocations returns all recorded allocations in append order.
func (m *MemoryStore) Allocations(_ context.Context) ([]Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Allocation, len(m.allocations))
	copy(out, m.allocations)
	return out, nil
}
