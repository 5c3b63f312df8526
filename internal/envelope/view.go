package envelope

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/ledger"
)

// BankAccountView decomposes a physical bank balance into the portions
// virtually committed to budget envelopes, reserved for liability payments,
// and still available to allocate.
type BankAccountView struct {
	AccountID       string          `json:"account_id"`
	BankBalance     decimal.Decimal `json:"bank_balance"`
	BudgetAllocated decimal.Decimal `json:"budget_allocated"`
	PaymentReserved decimal.Decimal `json:"payment_reserved"`
	Available       decimal.Decimal `json:"available"`
	AsOf            time.Time       `json:"as_of"`
}

// IsBalanced checks the view's defining equation within one minor unit. The
// view is constructed so this always holds; a failure indicates a bug in
// posting logic and must be treated as fatal, never as a business state.
func (v *BankAccountView) IsBalanced() bool {
	sum := v.BudgetAllocated.Add(v.PaymentReserved).Add(v.Available)
	return v.BankBalance.Sub(sum).Abs().LessThan(ledger.Epsilon)
}

// BankAccountView computes the envelope decomposition of the given bank
// balance as of the supplied time.
func (s *Service) BankAccountView(ctx context.Context, accountID string, bankBalance decimal.Decimal, asOf time.Time) (*BankAccountView, error) {
	allocated, reserved, err := s.totals(ctx)
	if err != nil {
		return nil, err
	}
	view := &BankAccountView{
		AccountID:       accountID,
		BankBalance:     bankBalance,
		BudgetAllocated: allocated,
		PaymentReserved: reserved,
		Available:       bankBalance.Sub(allocated).Sub(reserved),
		AsOf:            asOf,
	}
	if !view.IsBalanced() {
		return nil, &ViewImbalanceError{AccountID: accountID, Drift: bankBalance.Sub(allocated).Sub(reserved).Sub(view.Available)}
	}
	return view, nil
}
