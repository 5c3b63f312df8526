package ledger

import "github.com/shopspring/decimal"

// Epsilon is the tolerance for balance comparisons: one minor currency unit.
var Epsilon = decimal.New(1, -2)

// NormalBalance returns the normal balance side for an account type.
// Asset and expense accounts are normal-debit; liability, equity and revenue
// accounts are normal-credit.
func NormalBalance(t AccountType) DebitCredit {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return Debit
	default:
		return Credit
	}
}

// Multiplier converts a positive amount into its signed effect on an
// account's balance, as a pure function of account type and flow direction.
//
// Normal-debit accounts grow on inflow: To is +1, From is -1.
// Normal-credit accounts grow on outflow: To is -1, From is +1.
func Multiplier(t AccountType, flow FlowDirection) int {
	if NormalBalance(t) == Debit {
		if flow == FlowTo {
			return 1
		}
		return -1
	}
	if flow == FlowTo {
		return -1
	}
	return 1
}

// DebitCreditFor maps a multiplier back to the bookkeeping indicator for the
// given account type. For normal-debit accounts +1 is a debit; for
// normal-credit accounts +1 is a credit.
func DebitCreditFor(t AccountType, multiplier int) DebitCredit {
	if NormalBalance(t) == Debit {
		if multiplier == 1 {
			return Debit
		}
		return Credit
	}
	if multiplier == 1 {
		return Credit
	}
	return Debit
}

// BalanceImpact is the signed effect of a distribution on its account.
func BalanceImpact(d Distribution) decimal.Decimal {
	if d.Multiplier < 0 {
		return d.Amount.Neg()
	}
	return d.Amount
}
