package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// UnbalancedEntryError is returned when an entry's From and To totals
// disagree by a minor currency unit or more.
type UnbalancedEntryError struct {
	EntryID   string
	FromTotal decimal.Decimal
	ToTotal   decimal.Decimal
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("journal entry %s is unbalanced: from total %s != to total %s",
		e.EntryID, e.FromTotal.StringFixed(2), e.ToTotal.StringFixed(2))
}

// InsufficientDistributionsError is returned when an entry carries fewer than
// two distributions.
type InsufficientDistributionsError struct {
	EntryID string
	Count   int
}

func (e *InsufficientDistributionsError) Error() string {
	return fmt.Sprintf("journal entry %s has %d distributions, need at least 2", e.EntryID, e.Count)
}

// InvalidStateTransitionError is returned when a journal entry is asked to
// move between lifecycle states with no edge between them, including posting
// an already-posted entry a second time.
type InvalidStateTransitionError struct {
	EntryID string
	From    EntryStatus
	To      EntryStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition from %s to %s for journal entry %s", e.From, e.To, e.EntryID)
}

// DuplicateEntryError is returned when an entry ID that already exists in the
// ledger is posted again. The entry ID acts as an idempotency key.
type DuplicateEntryError struct {
	EntryID string
}

func (e *DuplicateEntryError) Error() string {
	return fmt.Sprintf("journal entry %s has already been posted", e.EntryID)
}

// ImmutableHistoryError is returned on any attempt to mutate or delete a
// historical ledger row.
type ImmutableHistoryError struct {
	EntryID   string
	Operation string
}

func (e *ImmutableHistoryError) Error() string {
	return fmt.Sprintf("ledger history is append-only: cannot %s entry %s", e.Operation, e.EntryID)
}

// DuplicateAccountError is returned when registering an account number that
// already exists in the chart.
type DuplicateAccountError struct {
	AccountNumber string
}

func (e *DuplicateAccountError) Error() string {
	return fmt.Sprintf("account number %s already exists", e.AccountNumber)
}

// ProtectedAccountError is returned on attempts to deactivate or delete a
// system account.
type ProtectedAccountError struct {
	AccountNumber string
}

func (e *ProtectedAccountError) Error() string {
	return fmt.Sprintf("account %s is a system account and cannot be deactivated", e.AccountNumber)
}

// InvalidAccountTypeError is returned when an account type outside the five
// recognized types is supplied.
type InvalidAccountTypeError struct {
	Type AccountType
}

func (e *InvalidAccountTypeError) Error() string {
	return fmt.Sprintf("invalid account type %q: valid types are asset, liability, equity, revenue, expense", string(e.Type))
}

// AccountNotFoundError is returned when an account ID or number does not
// resolve against the chart.
type AccountNotFoundError struct {
	AccountID string
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account %s not found", e.AccountID)
}

// CorruptDistributionError is returned when a stored or transmitted
// distribution carries a multiplier or debit/credit indicator that disagrees
// with the value derived from its account type and flow direction.
type CorruptDistributionError struct {
	AccountID string
	Field     string
	Stored    string
	Derived   string
}

func (e *CorruptDistributionError) Error() string {
	return fmt.Sprintf("distribution for account %s is corrupt: stored %s %q disagrees with derived %q",
		e.AccountID, e.Field, e.Stored, e.Derived)
}

// InvalidAmountError is returned for zero or negative distribution amounts.
type InvalidAmountError struct {
	AccountID string
	Amount    decimal.Decimal
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("distribution amount for account %s must be positive, got %s", e.AccountID, e.Amount.String())
}

// VersionConflictError is returned when an optimistic version check fails
// because a concurrent writer appended to the same account first. The caller
// retries against the refreshed balance.
type VersionConflictError struct {
	AccountID string
	Expected  int64
	Found     int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on account %s: expected %d, found %d", e.AccountID, e.Expected, e.Found)
}
