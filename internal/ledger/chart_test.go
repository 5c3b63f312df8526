package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChartRegisterAndLookup(t *testing.T) {
	chart := NewChartOfAccounts()

	checking, err := chart.Register("1000", "Checking", AccountTypeAsset)
	require.NoError(t, err)
	assert.True(t, checking.Active)
	assert.True(t, checking.Balance.IsZero())

	_, err = chart.Register("2000", "Credit Card", AccountTypeLiability)
	require.NoError(t, err)

	byID, err := chart.Get(checking.ID)
	require.NoError(t, err)
	assert.Equal(t, checking, byID)

	byNumber, err := chart.GetByNumber("1000")
	require.NoError(t, err)
	assert.Equal(t, checking, byNumber)

	_, err = chart.GetByNumber("9999")
	var notFound *AccountNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestChartRejectsDuplicatesAndBadTypes(t *testing.T) {
	chart := NewChartOfAccounts()

	_, err := chart.Register("1000", "Checking", AccountTypeAsset)
	require.NoError(t, err)

	_, err = chart.Register("1000", "Other", AccountTypeAsset)
	var dup *DuplicateAccountError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "1000", dup.AccountNumber)

	_, err = chart.Register("3000", "Weird", AccountType("crypto"))
	var badType *InvalidAccountTypeError
	require.ErrorAs(t, err, &badType)
}

func TestChartListOrder(t *testing.T) {
	chart := NewChartOfAccounts()
	for _, number := range []string{"5000", "1000", "3000"} {
		_, err := chart.Register(number, "acct "+number, AccountTypeExpense)
		require.NoError(t, err)
	}
	list := chart.List()
	require.Len(t, list, 3)
	assert.Equal(t, "1000", list[0].Number)
	assert.Equal(t, "3000", list[1].Number)
	assert.Equal(t, "5000", list[2].Number)
}

func TestChartDeactivate(t *testing.T) {
	chart := NewChartOfAccounts()

	_, err := chart.Register("1000", "Checking", AccountTypeAsset)
	require.NoError(t, err)
	require.NoError(t, chart.Deactivate("1000"))

	a, err := chart.GetByNumber("1000")
	require.NoError(t, err)
	assert.False(t, a.Active)

	opening, err := chart.Register("3900", "Opening Balances", AccountTypeEquity)
	require.NoError(t, err)
	opening.IsSystem = true

	var protected *ProtectedAccountError
	require.ErrorAs(t, chart.Deactivate("3900"), &protected)
}

func TestChartEnvelopeLinks(t *testing.T) {
	chart := NewChartOfAccounts()

	_, err := chart.Register("5100", "Groceries", AccountTypeExpense)
	require.NoError(t, err)
	require.NoError(t, chart.LinkBudgetEnvelope("5100", "env-groceries"))

	a, err := chart.GetByNumber("5100")
	require.NoError(t, err)
	assert.Equal(t, "env-groceries", a.BudgetEnvelopeID)

	_, err = chart.Register("2000", "Credit Card", AccountTypeLiability)
	require.NoError(t, err)
	require.NoError(t, chart.LinkPaymentEnvelope("2000", "env-card"))

	card, err := chart.GetByNumber("2000")
	require.NoError(t, err)
	assert.Equal(t, "env-card", card.PaymentEnvelopeID)
}
