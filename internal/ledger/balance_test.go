package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodLabel(t *testing.T) {
	assert.Equal(t, "2026-03", PeriodLabel(time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, "2025-12", PeriodLabel(time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)))
}

func periodRows(t *testing.T) []LedgerEntry {
	t.Helper()
	entry := NewJournalEntry(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), "paycheck",
		mustDistribution(t, "salary", AccountTypeRevenue, FlowFrom, "3200.00"),
		mustDistribution(t, "checking", AccountTypeAsset, FlowTo, "3200.00"),
	)
	rows, _, err := Post(entry, map[string]decimal.Decimal{
		"checking": decimal.RequireFromString("500.00"),
	})
	require.NoError(t, err)

	spend := NewJournalEntry(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), "groceries",
		mustDistribution(t, "checking", AccountTypeAsset, FlowFrom, "120.00"),
		mustDistribution(t, "food", AccountTypeExpense, FlowTo, "120.00"),
	)
	more, _, err := Post(spend, map[string]decimal.Decimal{
		"checking": decimal.RequireFromString("3700.00"),
	})
	require.NoError(t, err)
	return append(rows, more...)
}

func TestSummarizePeriod(t *testing.T) {
	rows := periodRows(t)
	opening := decimal.RequireFromString("500.00")

	b := SummarizePeriod("checking", "2026-03", opening, rows)
	assert.True(t, b.TotalTo.Equal(decimal.RequireFromString("3200.00")))
	assert.True(t, b.TotalFrom.Equal(decimal.RequireFromString("120.00")))
	assert.True(t, b.TotalDebits.Equal(decimal.RequireFromString("3200.00")))
	assert.True(t, b.TotalCredits.Equal(decimal.RequireFromString("120.00")))
	assert.True(t, b.Closing.Equal(decimal.RequireFromString("3580.00")),
		"closing = opening + inflow - outflow, got %s", b.Closing)

	// Rows for other accounts are ignored.
	food := SummarizePeriod("food", "2026-03", decimal.Zero, rows)
	assert.True(t, food.Closing.Equal(decimal.RequireFromString("120.00")))
	assert.True(t, food.TotalFrom.IsZero())
}

func TestVerifyBalance(t *testing.T) {
	rows := periodRows(t)
	opening := decimal.RequireFromString("500.00")

	b := SummarizePeriod("checking", "2026-03", opening, rows)
	assert.True(t, VerifyBalance(b, rows))

	b.Closing = b.Closing.Add(decimal.RequireFromString("0.05"))
	assert.False(t, VerifyBalance(b, rows))
}
