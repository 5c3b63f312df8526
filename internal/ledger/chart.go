package ledger

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChartOfAccounts is the registry of accounts. It is safe for concurrent use.
// Accounts referenced by history are never deleted, only deactivated.
type ChartOfAccounts struct {
	mu       sync.RWMutex
	byID     map[string]*Account
	byNumber map[string]*Account
}

// NewChartOfAccounts returns an empty chart.
func NewChartOfAccounts() *ChartOfAccounts {
	return &ChartOfAccounts{
		byID:     make(map[string]*Account),
		byNumber: make(map[string]*Account),
	}
}

// Register adds an account to the chart. The account number is the natural
// key; registering a number that already exists fails with
// DuplicateAccountError.
func (c *ChartOfAccounts) Register(number, name string, accountType AccountType) (*Account, error) {
	if !ValidAccountType(accountType) {
		return nil, &InvalidAccountTypeError{Type: accountType}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byNumber[number]; ok {
		return nil, &DuplicateAccountError{AccountNumber: number}
	}

	a := &Account{
		ID:        uuid.NewString(),
		Number:    number,
		Name:      name,
		Type:      accountType,
		Active:    true,
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	c.byID[a.ID] = a
	c.byNumber[number] = a
	return a, nil
}

// Add inserts a pre-built account, used when loading a chart from a store.
func (c *ChartOfAccounts) Add(a *Account) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byNumber[a.Number]; ok {
		return &DuplicateAccountError{AccountNumber: a.Number}
	}
	c.byID[a.ID] = a
	c.byNumber[a.Number] = a
	return nil
}

// Get returns the account with the given ID.
func (c *ChartOfAccounts) Get(id string) (*Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byID[id]
	if !ok {
		return nil, &AccountNotFoundError{AccountID: id}
	}
	return a, nil
}

// GetByNumber returns the account with the given account number.
func (c *ChartOfAccounts) GetByNumber(number string) (*Account, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byNumber[number]
	if !ok {
		return nil, &AccountNotFoundError{AccountID: number}
	}
	return a, nil
}

// List returns all accounts ordered by account number.
func (c *ChartOfAccounts) List() []*Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Account, 0, len(c.byID))
	for _, a := range c.byID {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

// Deactivate soft-disables an account. System accounts are protected and
// fail with ProtectedAccountError.
func (c *ChartOfAccounts) Deactivate(number string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.byNumber[number]
	if !ok {
		return &AccountNotFoundError{AccountID: number}
	}
	if a.IsSystem {
		return &ProtectedAccountError{AccountNumber: number}
	}
	a.Active = false
	return nil
}

// LinkBudgetEnvelope attaches a budget envelope to the account.
func (c *ChartOfAccounts) LinkBudgetEnvelope(number, envelopeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.byNumber[number]
	if !ok {
		return &AccountNotFoundError{AccountID: number}
	}
	a.BudgetEnvelopeID = envelopeID
	return nil
}

// LinkPaymentEnvelope attaches a payment envelope to the account.
func (c *ChartOfAccounts) LinkPaymentEnvelope(number, envelopeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.byNumber[number]
	if !ok {
		return &AccountNotFoundError{AccountID: number}
	}
	a.PaymentEnvelopeID = envelopeID
	return nil
}
