package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/ledger"
	"github.com/example/homeledger/internal/recurring"
)

// Snapshot is the consistent read a posting computes against: running
// balances and optimistic versions for the touched accounts, and copies of
// the touched envelopes.
type Snapshot struct {
	Balances map[string]decimal.Decimal
	Versions map[string]int64
	Budgets  map[string]*envelope.BudgetEnvelope
	Payments map[string]*envelope.PaymentEnvelope
}

// Posting is the atomic unit of a journal entry posting: the entry itself,
// its ledger rows, the refreshed account balances with the versions they
// were computed from, and every envelope side effect. There is no valid
// state where part of a posting is persisted.
type Posting struct {
	Entry     *ledger.JournalEntry
	Rows      []ledger.LedgerEntry
	Balances  map[string]decimal.Decimal
	Versions  map[string]int64
	Envelopes *envelope.Batch
	// Reversed, when set, is the original entry this posting reverses; the
	// store flips its status in the same unit.
	Reversed *ledger.JournalEntry
}

// Store is the persistence boundary of the posting engine. It embeds the
// envelope and template stores so every backend provides the whole surface,
// and commits a Posting as one atomic unit.
type Store interface {
	envelope.Store
	recurring.TemplateStore

	CreateAccount(ctx context.Context, a *ledger.Account) error
	Account(ctx context.Context, id string) (*ledger.Account, error)
	AccountByNumber(ctx context.Context, number string) (*ledger.Account, error)
	Accounts(ctx context.Context) ([]*ledger.Account, error)
	UpdateAccountMeta(ctx context.Context, a *ledger.Account) error

	JournalEntry(ctx context.Context, id string) (*ledger.JournalEntry, error)
	SaveDraft(ctx context.Context, entry *ledger.JournalEntry) error
	DeleteDraft(ctx context.Context, id string) error
	DraftsForTemplate(ctx context.Context, templateID string) ([]*ledger.JournalEntry, error)

	Snapshot(ctx context.Context, accountIDs, budgetIDs, paymentIDs []string) (*Snapshot, error)
	CommitPosting(ctx context.Context, p *Posting) error

	LedgerEntries(ctx context.Context, accountID string) ([]ledger.LedgerEntry, error)
	SavePeriodSummary(ctx context.Context, b ledger.AccountBalance) error
	PeriodSummary(ctx context.Context, accountID, periodLabel string) (*ledger.AccountBalance, error)

	CreateBudgetEnvelope(ctx context.Context, env *envelope.BudgetEnvelope) error
	CreatePaymentEnvelope(ctx context.Context, env *envelope.PaymentEnvelope) error
}
