package envelope

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EnvelopeNotFoundError is returned when a distribution or request references
// an envelope that does not exist.
type EnvelopeNotFoundError struct {
	EnvelopeID string
}

func (e *EnvelopeNotFoundError) Error() string {
	return fmt.Sprintf("envelope %s not found", e.EnvelopeID)
}

// DuplicateEnvelopeError is returned when creating an envelope with an ID
// that already exists.
type DuplicateEnvelopeError struct {
	EnvelopeID string
}

func (e *DuplicateEnvelopeError) Error() string {
	return fmt.Sprintf("envelope %s already exists", e.EnvelopeID)
}

// InsufficientAvailableFundsError is returned when a proposed allocation
// exceeds the bank balance not yet committed to envelopes. This is always a
// hard rejection: money that does not exist cannot be allocated.
type InsufficientAvailableFundsError struct {
	Proposed  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientAvailableFundsError) Error() string {
	return fmt.Sprintf("cannot allocate %s: only %s available", e.Proposed.StringFixed(2), e.Available.StringFixed(2))
}

// BudgetExceededError is returned when an expense would overspend an
// envelope and the caller did not opt into overspending.
type BudgetExceededError struct {
	EnvelopeID string
	Amount     decimal.Decimal
	Balance    decimal.Decimal
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("expense of %s exceeds envelope %s balance %s",
		e.Amount.StringFixed(2), e.EnvelopeID, e.Balance.StringFixed(2))
}

// InvalidRolloverPolicyError is returned at envelope construction for an
// unrecognized rollover policy, or a cap policy without a positive cap.
type InvalidRolloverPolicyError struct {
	Policy RolloverPolicy
	Reason string
}

func (e *InvalidRolloverPolicyError) Error() string {
	return fmt.Sprintf("invalid rollover policy %q: %s", string(e.Policy), e.Reason)
}

// ViewImbalanceError signals that a bank account view failed its own
// consistency equation. This is a posting-logic bug, not a business state,
// and is treated as fatal.
type ViewImbalanceError struct {
	AccountID string
	Drift     decimal.Decimal
}

func (e *ViewImbalanceError) Error() string {
	return fmt.Sprintf("bank account view for %s is out of balance by %s: internal posting bug",
		e.AccountID, e.Drift.StringFixed(2))
}
