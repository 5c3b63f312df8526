package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType classifies an account within the chart of accounts.
type AccountType string

const (
	AccountTypeAsset     AccountType = "asset"
	AccountTypeLiability AccountType = "liability"
	AccountTypeEquity    AccountType = "equity"
	AccountTypeRevenue   AccountType = "revenue"
	AccountTypeExpense   AccountType = "expense"
)

// ValidAccountType reports whether t is one of the five account types.
func ValidAccountType(t AccountType) bool {
	switch t {
	case AccountTypeAsset, AccountTypeLiability, AccountTypeEquity, AccountTypeRevenue, AccountTypeExpense:
		return true
	}
	return false
}

// FlowDirection is the intuitive alternative to debit/credit: From is an
// outflow relative to the account, To an inflow.
type FlowDirection string

const (
	FlowFrom FlowDirection = "from"
	FlowTo   FlowDirection = "to"
)

// DebitCredit is the classical bookkeeping indicator.
type DebitCredit string

const (
	Debit  DebitCredit = "debit"
	Credit DebitCredit = "credit"
)

// EntryStatus is the lifecycle state of a journal entry.
type EntryStatus string

const (
	StatusDraft    EntryStatus = "draft"
	StatusPending  EntryStatus = "pending"
	StatusPosted   EntryStatus = "posted"
	StatusVoid     EntryStatus = "void"
	StatusReversed EntryStatus = "reversed"
)

// Account is one row of the chart of accounts. Balance is mutated only
// through posted journal entries; Version is bumped on every ledger append
// so concurrent posts against the same account detect conflict.
type Account struct {
	ID                string          `json:"id"`
	Number            string          `json:"account_number"`
	Name              string          `json:"name"`
	Type              AccountType     `json:"account_type"`
	BudgetEnvelopeID  string          `json:"budget_envelope_id,omitempty"`
	PaymentEnvelopeID string          `json:"payment_envelope_id,omitempty"`
	IsSystem          bool            `json:"is_system_account"`
	Active            bool            `json:"is_active"`
	Balance           decimal.Decimal `json:"current_balance"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
}

// NormalBalance returns the side on which this account carries its balance.
func (a *Account) NormalBalance() DebitCredit {
	return NormalBalance(a.Type)
}

// Distribution is a single signed line of a journal entry against one
// account. Multiplier and DC are derived from (AccountType, Flow) and are
// never set independently; a stored value that disagrees is corruption.
type Distribution struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	AccountType       AccountType     `json:"account_type"`
	Flow              FlowDirection   `json:"flow_direction"`
	Amount            decimal.Decimal `json:"amount"`
	Multiplier        int             `json:"multiplier"`
	DC                DebitCredit     `json:"debit_credit"`
	BudgetEnvelopeID  string          `json:"budget_envelope_id,omitempty"`
	PaymentEnvelopeID string          `json:"payment_envelope_id,omitempty"`
	Memo              string          `json:"memo,omitempty"`
}

// JournalEntry is an ordered group of distributions representing one atomic
// transaction. Once posted it is immutable; the only way to undo it is a new
// reversing entry.
type JournalEntry struct {
	ID            string         `json:"entry_id"`
	Date          time.Time      `json:"entry_date"`
	Description   string         `json:"description"`
	Status        EntryStatus    `json:"status"`
	Distributions []Distribution `json:"distributions"`
	ReversalOf    string         `json:"reversal_of,omitempty"`
	TemplateID    string         `json:"template_id,omitempty"`
	CreatedBy     string         `json:"created_by,omitempty"`
	// AllowOverspend lets budget expense lines drive an envelope below zero.
	AllowOverspend bool      `json:"allow_overspend,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// LedgerEntry is one immutable row of an account's transaction history,
// produced at posting time. BalanceBefore/BalanceAfter are computed against
// the running balance known to the engine at that moment.
type LedgerEntry struct {
	ID            string          `json:"id"`
	EntryID       string          `json:"entry_id"`
	Sequence      int             `json:"sequence"`
	AccountID     string          `json:"account_id"`
	AccountType   AccountType     `json:"account_type"`
	Flow          FlowDirection   `json:"flow_direction"`
	Amount        decimal.Decimal `json:"amount"`
	Multiplier    int             `json:"multiplier"`
	DC            DebitCredit     `json:"debit_credit"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Description   string          `json:"description"`
	PostedAt      time.Time       `json:"posted_at"`
}

// AccountBalance is a periodic rollup keyed by (account, period label).
// Invariant: Closing == Opening + sum(amount * multiplier) over the period.
type AccountBalance struct {
	AccountID    string          `json:"account_id"`
	PeriodLabel  string          `json:"period_label"`
	Opening      decimal.Decimal `json:"opening_balance"`
	TotalFrom    decimal.Decimal `json:"total_from"`
	TotalTo      decimal.Decimal `json:"total_to"`
	TotalDebits  decimal.Decimal `json:"total_debits"`
	TotalCredits decimal.Decimal `json:"total_credits"`
	Closing      decimal.Decimal `json:"closing_balance"`
}
