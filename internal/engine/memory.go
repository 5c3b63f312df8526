package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/ledger"
	"github.com/example/homeledger/internal/recurring"
)

// MemoryStore is a fully in-process Store used by tests and single-session
// tooling. Every read hands out copies; mutations happen only under the
// store lock, and CommitPosting is all-or-nothing.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*ledger.Account
	byNumber  map[string]string
	entries   map[string]*ledger.JournalEntry
	rows      []ledger.LedgerEntry
	summaries map[string]ledger.AccountBalance
	env       *envelope.MemoryStore
	templates map[string]*recurring.Template
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*ledger.Account),
		byNumber:  make(map[string]string),
		entries:   make(map[string]*ledger.JournalEntry),
		summaries: make(map[string]ledger.AccountBalance),
		env:       envelope.NewMemoryStore(),
		templates: make(map[string]*recurring.Template),
	}
}

// CreateAccount registers a new account.
func (m *MemoryStore) CreateAccount(_ context.Context, a *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byNumber[a.Number]; ok {
		return &ledger.DuplicateAccountError{AccountNumber: a.Number}
	}
	cp := *a
	m.accounts[a.ID] = &cp
	m.byNumber[a.Number] = a.ID
	return nil
}

// Account returns a copy of the account with the given ID.
func (m *MemoryStore) Account(_ context.Context, id string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, &ledger.AccountNotFoundError{AccountID: id}
	}
	cp := *a
	return &cp, nil
}

// AccountByNumber returns a copy of the account with the given number.
func (m *MemoryStore) AccountByNumber(_ context.Context, number string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byNumber[number]
	if !ok {
		return nil, &ledger.AccountNotFoundError{AccountID: number}
	}
	cp := *m.accounts[id]
	return &cp, nil
}

// Accounts returns copies of all accounts ordered by number.
func (m *MemoryStore) Accounts(_ context.Context) ([]*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// UpdateAccountMeta updates everything about an account except its balance
// and version, which move only through postings.
func (m *MemoryStore) UpdateAccountMeta(_ context.Context, a *ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.accounts[a.ID]
	if !ok {
		return &ledger.AccountNotFoundError{AccountID: a.ID}
	}
	current.Name = a.Name
	current.Active = a.Active
	current.BudgetEnvelopeID = a.BudgetEnvelopeID
	current.PaymentEnvelopeID = a.PaymentEnvelopeID
	return nil
}

// JournalEntry returns a copy of the stored entry.
func (m *MemoryStore) JournalEntry(_ context.Context, id string) (*ledger.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, &ledger.ImmutableHistoryError{EntryID: id, Operation: "load missing"}
	}
	cp := *e
	cp.Distributions = append([]ledger.Distribution(nil), e.Distributions...)
	return &cp, nil
}

// SaveDraft stores a provisional entry. Re-saving an entry that has already
// been posted violates immutability.
func (m *MemoryStore) SaveDraft(_ context.Context, entry *ledger.JournalEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[entry.ID]; ok && existing.Status != ledger.StatusDraft {
		return &ledger.ImmutableHistoryError{EntryID: entry.ID, Operation: "overwrite"}
	}
	cp := *entry
	cp.Distributions = append([]ledger.Distribution(nil), entry.Distributions...)
	m.entries[entry.ID] = &cp
	return nil
}

// DraftsForTemplate lists the stored drafts a recurring template generated,
// oldest first.
func (m *MemoryStore) DraftsForTemplate(_ context.Context, templateID string) ([]*ledger.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var drafts []*ledger.JournalEntry
	for _, e := range m.entries {
		if e.TemplateID != templateID || e.Status != ledger.StatusDraft {
			continue
		}
		cp := *e
		cp.Distributions = append([]ledger.Distribution(nil), e.Distributions...)
		drafts = append(drafts, &cp)
	}
	sort.Slice(drafts, func(i, j int) bool { return drafts[i].Date.Before(drafts[j].Date) })
	return drafts, nil
}

// DeleteDraft discards a draft entry. Anything else is history.
func (m *MemoryStore) DeleteDraft(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.entries[id]
	if !ok {
		return nil
	}
	if existing.Status != ledger.StatusDraft {
		return &ledger.ImmutableHistoryError{EntryID: id, Operation: "delete"}
	}
	delete(m.entries, id)
	return nil
}

// Snapshot reads balances, versions, and envelope copies for a posting.
func (m *MemoryStore) Snapshot(ctx context.Context, accountIDs, budgetIDs, paymentIDs []string) (*Snapshot, error) {
	m.mu.RLock()
	snap := &Snapshot{
		Balances: make(map[string]decimal.Decimal, len(accountIDs)),
		Versions: make(map[string]int64, len(accountIDs)),
		Budgets:  make(map[string]*envelope.BudgetEnvelope, len(budgetIDs)),
		Payments: make(map[string]*envelope.PaymentEnvelope, len(paymentIDs)),
	}
	for _, id := range accountIDs {
		a, ok := m.accounts[id]
		if !ok {
			m.mu.RUnlock()
			return nil, &ledger.AccountNotFoundError{AccountID: id}
		}
		snap.Balances[id] = a.Balance
		snap.Versions[id] = a.Version
	}
	m.mu.RUnlock()

	for _, id := range budgetIDs {
		env, err := m.env.BudgetEnvelope(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Budgets[id] = env
	}
	for _, id := range paymentIDs {
		env, err := m.env.PaymentEnvelope(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Payments[id] = env
	}
	return snap, nil
}

// CommitPosting applies a posting atomically: entry, ledger rows, balance
// and version updates, envelope batch, and optional reversal flip. Any
// check failure leaves the store untouched.
func (m *MemoryStore) CommitPosting(ctx context.Context, p *Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[p.Entry.ID]; ok && existing.Status != ledger.StatusDraft {
		return &ledger.DuplicateEntryError{EntryID: p.Entry.ID}
	}
	for id, expected := range p.Versions {
		a, ok := m.accounts[id]
		if !ok {
			return &ledger.AccountNotFoundError{AccountID: id}
		}
		if a.Version != expected {
			return &ledger.VersionConflictError{AccountID: id, Expected: expected, Found: a.Version}
		}
	}
	if p.Reversed != nil {
		if _, ok := m.entries[p.Reversed.ID]; !ok {
			return &ledger.ImmutableHistoryError{EntryID: p.Reversed.ID, Operation: "reverse missing"}
		}
	}

	// Envelope batch commits through the envelope store, which holds no
	// other lock; its version checks run before any ledger mutation lands.
	if p.Envelopes != nil && (len(p.Envelopes.Budgets) > 0 || len(p.Envelopes.Payments) > 0 || len(p.Envelopes.Transactions) > 0) {
		if err := m.env.CommitBatch(ctx, p.Envelopes); err != nil {
			return err
		}
	}

	cp := *p.Entry
	cp.Distributions = append([]ledger.Distribution(nil), p.Entry.Distributions...)
	m.entries[cp.ID] = &cp
	m.rows = append(m.rows, p.Rows...)
	for id, balance := range p.Balances {
		a := m.accounts[id]
		a.Balance = balance
		a.Version++
	}
	if p.Reversed != nil {
		m.entries[p.Reversed.ID].Status = ledger.StatusReversed
	}
	return nil
}

// LedgerEntries returns the append-only history for one account.
func (m *MemoryStore) LedgerEntries(_ context.Context, accountID string) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.LedgerEntry
	for _, row := range m.rows {
		if row.AccountID == accountID {
			out = append(out, row)
		}
	}
	return out, nil
}

// SavePeriodSummary upserts the rollup for (account, period).
func (m *MemoryStore) SavePeriodSummary(_ context.Context, b ledger.AccountBalance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries[b.AccountID+"|"+b.PeriodLabel] = b
	return nil
}

// PeriodSummary returns the stored rollup for (account, period).
func (m *MemoryStore) PeriodSummary(_ context.Context, accountID, periodLabel string) (*ledger.AccountBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.summaries[accountID+"|"+periodLabel]
	if !ok {
		return nil, &ledger.AccountNotFoundError{AccountID: accountID}
	}
	cp := b
	return &cp, nil
}

// Envelope store delegation.

func (m *MemoryStore) CreateBudgetEnvelope(_ context.Context, env *envelope.BudgetEnvelope) error {
	return m.env.CreateBudgetEnvelope(env)
}

func (m *MemoryStore) CreatePaymentEnvelope(_ context.Context, env *envelope.PaymentEnvelope) error {
	return m.env.CreatePaymentEnvelope(env)
}

func (m *MemoryStore) BudgetEnvelope(ctx context.Context, id string) (*envelope.BudgetEnvelope, error) {
	return m.env.BudgetEnvelope(ctx, id)
}

func (m *MemoryStore) BudgetEnvelopes(ctx context.Context) ([]*envelope.BudgetEnvelope, error) {
	return m.env.BudgetEnvelopes(ctx)
}

func (m *MemoryStore) PaymentEnvelope(ctx context.Context, id string) (*envelope.PaymentEnvelope, error) {
	return m.env.PaymentEnvelope(ctx, id)
}

func (m *MemoryStore) PaymentEnvelopes(ctx context.Context) ([]*envelope.PaymentEnvelope, error) {
	return m.env.PaymentEnvelopes(ctx)
}

func (m *MemoryStore) CommitBatch(ctx context.Context, batch *envelope.Batch) error {
	return m.env.CommitBatch(ctx, batch)
}

func (m *MemoryStore) Transactions(ctx context.Context, envelopeID string) ([]envelope.Transaction, error) {
	return m.env.Transactions(ctx, envelopeID)
}

// Template store.

func (m *MemoryStore) SaveTemplate(_ context.Context, t *recurring.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	cp.Lines = append([]recurring.LineSpec(nil), t.Lines...)
	m.templates[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Template(_ context.Context, id string) (*recurring.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, &recurring.TemplateNotFoundError{TemplateID: id}
	}
	cp := *t
	cp.Lines = append([]recurring.LineSpec(nil), t.Lines...)
	return &cp, nil
}

func (m *MemoryStore) Templates(_ context.Context) ([]*recurring.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*recurring.Template, 0, len(m.templates))
	for _, t := range m.templates {
		cp := *t
		cp.Lines = append([]recurring.LineSpec(nil), t.Lines...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateBookkeeping(_ context.Context, id string, expectedVersion int64, lastGenerated time.Time, totalGenerated int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.templates[id]
	if !ok {
		return &recurring.TemplateNotFoundError{TemplateID: id}
	}
	if t.Version != expectedVersion {
		return &ledger.VersionConflictError{AccountID: id, Expected: expectedVersion, Found: t.Version}
	}
	t.LastGenerated = lastGenerated
	t.TotalGenerated = totalGenerated
	t.Version++
	return nil
}
