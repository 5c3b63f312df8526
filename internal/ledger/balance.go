package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// PeriodLabel formats a date as the monthly rollup key, e.g. "2025-01".
func PeriodLabel(t time.Time) string {
	return t.Format("2006-01")
}

// SummarizePeriod rolls the given ledger rows (all belonging to one account
// and one period) into an AccountBalance starting from the opening balance.
func SummarizePeriod(accountID, periodLabel string, opening decimal.Decimal, rows []LedgerEntry) AccountBalance {
	b := AccountBalance{
		AccountID:    accountID,
		PeriodLabel:  periodLabel,
		Opening:      opening,
		TotalFrom:    decimal.Zero,
		TotalTo:      decimal.Zero,
		TotalDebits:  decimal.Zero,
		TotalCredits: decimal.Zero,
		Closing:      opening,
	}
	for _, row := range rows {
		if row.AccountID != accountID {
			continue
		}
		switch row.Flow {
		case FlowFrom:
			b.TotalFrom = b.TotalFrom.Add(row.Amount)
		case FlowTo:
			b.TotalTo = b.TotalTo.Add(row.Amount)
		}
		switch row.DC {
		case Debit:
			b.TotalDebits = b.TotalDebits.Add(row.Amount)
		case Credit:
			b.TotalCredits = b.TotalCredits.Add(row.Amount)
		}
		if row.Multiplier < 0 {
			b.Closing = b.Closing.Sub(row.Amount)
		} else {
			b.Closing = b.Closing.Add(row.Amount)
		}
	}
	return b
}

// VerifyBalance recomputes the closing balance from the rows and compares it
// to the stored rollup within one minor unit. It is a self-check: a failure
// here signals an internal consistency bug, never a business state, and is
// surfaced to the operator rather than auto-corrected.
func VerifyBalance(b AccountBalance, rows []LedgerEntry) bool {
	recomputed := SummarizePeriod(b.AccountID, b.PeriodLabel, b.Opening, rows)
	return recomputed.Closing.Sub(b.Closing).Abs().LessThan(Epsilon)
}
