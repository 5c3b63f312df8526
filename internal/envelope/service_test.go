package envelope

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/homeledger/internal/ledger"
)

func testBudget(id string, balance int64, policy RolloverPolicy) *BudgetEnvelope {
	return &BudgetEnvelope{
		ID:                id,
		Name:              "Groceries",
		MonthlyAllocation: decimal.NewFromInt(400),
		Balance:           decimal.NewFromInt(balance),
		Rollover:          policy,
		RolloverCap:       decimal.NewFromInt(600),
		Active:            true,
		CreatedAt:         time.Now().UTC(),
	}
}

func testPayment(id string, balance int64) *PaymentEnvelope {
	return &PaymentEnvelope{
		ID:              id,
		Name:            "Visa Payment",
		LinkedAccountID: "acct-visa",
		Balance:         decimal.NewFromInt(balance),
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
}

func linkedEntry(t *testing.T, envelopeSetter func(*ledger.Distribution)) *ledger.JournalEntry {
	t.Helper()
	to, err := ledger.NewDistribution("acct-exp", ledger.AccountTypeExpense, ledger.FlowTo, decimal.NewFromInt(50))
	require.NoError(t, err)
	from, err := ledger.NewDistribution("acct-chk", ledger.AccountTypeAsset, ledger.FlowFrom, decimal.NewFromInt(50))
	require.NoError(t, err)
	entry := ledger.NewJournalEntry(time.Now().UTC(), "groceries", to, from)
	envelopeSetter(&entry.Distributions[0])
	return entry
}

func TestApplyEntryBudgetExpenseAndRefund(t *testing.T) {
	env := testBudget("env-1", 200, RolloverAccumulate)
	budgets := map[string]*BudgetEnvelope{env.ID: env}

	entry := linkedEntry(t, func(d *ledger.Distribution) { d.BudgetEnvelopeID = "env-1" })
	txns, err := ApplyEntry(entry, budgets, nil)
	require.NoError(t, err)
	require.Len(t, txns, 1)

	assert.Equal(t, KindExpense, txns[0].Kind)
	assert.Equal(t, TypeBudget, txns[0].EnvelopeType)
	assert.True(t, txns[0].BalanceBefore.Equal(decimal.NewFromInt(200)))
	assert.True(t, txns[0].BalanceAfter.Equal(decimal.NewFromInt(150)))
	assert.True(t, env.Balance.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, entry.ID, txns[0].EntryID)

	// A return flows money back into the envelope.
	refund := ledger.NewJournalEntry(time.Now().UTC(), "grocery return",
		mustDist(t, "acct-exp", ledger.AccountTypeExpense, ledger.FlowFrom, 20),
		mustDist(t, "acct-chk", ledger.AccountTypeAsset, ledger.FlowTo, 20),
	)
	refund.Distributions[0].BudgetEnvelopeID = "env-1"
	txns, err = ApplyEntry(refund, budgets, nil)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, KindRefund, txns[0].Kind)
	assert.True(t, env.Balance.Equal(decimal.NewFromInt(170)))
}

func mustDist(t *testing.T, accountID string, at ledger.AccountType, flow ledger.FlowDirection, amount int64) ledger.Distribution {
	t.Helper()
	d, err := ledger.NewDistribution(accountID, at, flow, decimal.NewFromInt(amount))
	require.NoError(t, err)
	return d
}

func TestApplyEntryPaymentChargeAndPayment(t *testing.T) {
	env := testPayment("pay-1", 100)
	payments := map[string]*PaymentEnvelope{env.ID: env}

	// Charging the liability grows the reserve.
	charge := ledger.NewJournalEntry(time.Now().UTC(), "card swipe",
		mustDist(t, "acct-exp", ledger.AccountTypeExpense, ledger.FlowTo, 80),
		mustDist(t, "acct-visa", ledger.AccountTypeLiability, ledger.FlowFrom, 80),
	)
	charge.Distributions[1].PaymentEnvelopeID = "pay-1"
	txns, err := ApplyEntry(charge, nil, payments)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, KindCharge, txns[0].Kind)
	assert.Equal(t, TypePayment, txns[0].EnvelopeType)
	assert.True(t, env.Balance.Equal(decimal.NewFromInt(180)))

	// Paying the liability releases the reserve.
	pay := ledger.NewJournalEntry(time.Now().UTC(), "card payment",
		mustDist(t, "acct-visa", ledger.AccountTypeLiability, ledger.FlowTo, 180),
		mustDist(t, "acct-chk", ledger.AccountTypeAsset, ledger.FlowFrom, 180),
	)
	pay.Distributions[0].PaymentEnvelopeID = "pay-1"
	txns, err = ApplyEntry(pay, nil, payments)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, KindPayment, txns[0].Kind)
	assert.True(t, env.Balance.IsZero())
}

func TestApplyEntryOverspendGoesNegative(t *testing.T) {
	env := testBudget("env-1", 30, RolloverAccumulate)
	budgets := map[string]*BudgetEnvelope{env.ID: env}

	entry := linkedEntry(t, func(d *ledger.Distribution) { d.BudgetEnvelopeID = "env-1" })
	entry.AllowOverspend = true
	txns, err := ApplyEntry(entry, budgets, nil)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.True(t, env.Balance.Equal(decimal.NewFromInt(-20)), "opted-in overspend is tracked, not clamped")
}

func TestApplyEntryRejectsOverspendByDefault(t *testing.T) {
	env := testBudget("env-1", 30, RolloverAccumulate)
	budgets := map[string]*BudgetEnvelope{env.ID: env}

	entry := linkedEntry(t, func(d *ledger.Distribution) { d.BudgetEnvelopeID = "env-1" })
	_, err := ApplyEntry(entry, budgets, nil)
	var exceeded *BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, "env-1", exceeded.EnvelopeID)
	assert.True(t, exceeded.Amount.Equal(decimal.NewFromInt(50)))
	assert.True(t, exceeded.Balance.Equal(decimal.NewFromInt(30)))
	assert.True(t, env.Balance.Equal(decimal.NewFromInt(30)), "rejected expense leaves the envelope untouched")
}

func TestApplyEntryUnknownEnvelope(t *testing.T) {
	entry := linkedEntry(t, func(d *ledger.Distribution) { d.BudgetEnvelopeID = "nope" })
	_, err := ApplyEntry(entry, map[string]*BudgetEnvelope{}, nil)
	var notFound *EnvelopeNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.EnvelopeID)
}

func TestPostJournalEntryPersistsBatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateBudgetEnvelope(testBudget("env-1", 200, RolloverAccumulate)))
	svc := NewService(store, nil)

	entry := linkedEntry(t, func(d *ledger.Distribution) { d.BudgetEnvelopeID = "env-1" })
	txns, err := svc.PostJournalEntry(ctx, entry)
	require.NoError(t, err)
	require.Len(t, txns, 1)

	stored, err := store.BudgetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(150)))
	assert.Equal(t, int64(1), stored.Version)

	history, err := store.Transactions(ctx, "env-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, KindExpense, history[0].Kind)
}

func TestPostJournalEntryNoLinksIsNoop(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, nil)

	entry := ledger.NewJournalEntry(time.Now().UTC(), "plain",
		mustDist(t, "acct-exp", ledger.AccountTypeExpense, ledger.FlowTo, 10),
		mustDist(t, "acct-chk", ledger.AccountTypeAsset, ledger.FlowFrom, 10),
	)
	txns, err := svc.PostJournalEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.Nil(t, txns)
}

func TestValidateAllocation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateBudgetEnvelope(testBudget("env-1", 300, RolloverAccumulate)))
	require.NoError(t, store.CreatePaymentEnvelope(testPayment("pay-1", 500)))
	svc := NewService(store, nil)

	bank := decimal.NewFromInt(1000)

	// available = 1000 - 300 - 500 = 200
	assert.NoError(t, svc.ValidateAllocation(ctx, bank, decimal.NewFromInt(200)))

	err := svc.ValidateAllocation(ctx, bank, decimal.NewFromInt(201))
	var insufficient *InsufficientAvailableFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(200)))
	assert.True(t, insufficient.Proposed.Equal(decimal.NewFromInt(201)))
}

func TestValidateAllocationIgnoresInactiveEnvelopes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inactive := testBudget("env-1", 900, RolloverAccumulate)
	inactive.Active = false
	require.NoError(t, store.CreateBudgetEnvelope(inactive))
	svc := NewService(store, nil)

	assert.NoError(t, svc.ValidateAllocation(ctx, decimal.NewFromInt(100), decimal.NewFromInt(100)))
}

func TestValidateExpense(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateBudgetEnvelope(testBudget("env-1", 50, RolloverAccumulate)))
	svc := NewService(store, nil)

	assert.NoError(t, svc.ValidateExpense(ctx, "env-1", decimal.NewFromInt(50), false))

	err := svc.ValidateExpense(ctx, "env-1", decimal.NewFromInt(51), false)
	var exceeded *BudgetExceededError
	require.ErrorAs(t, err, &exceeded)

	// Overspend is allowed only with explicit opt-in.
	assert.NoError(t, svc.ValidateExpense(ctx, "env-1", decimal.NewFromInt(51), true))

	err = svc.ValidateExpense(ctx, "missing", decimal.NewFromInt(1), false)
	var notFound *EnvelopeNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestApplyMonthlyAllocationsPolicies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	reset := testBudget("env-reset", 120, RolloverReset)
	accumulate := testBudget("env-acc", 120, RolloverAccumulate)
	capped := testBudget("env-cap", 450, RolloverCap)
	require.NoError(t, store.CreateBudgetEnvelope(reset))
	require.NoError(t, store.CreateBudgetEnvelope(accumulate))
	require.NoError(t, store.CreateBudgetEnvelope(capped))

	svc := NewService(store, nil)
	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	allocs, txns, err := svc.ApplyMonthlyAllocations(ctx, "acct-chk", decimal.NewFromInt(2000), date, "2024-03")
	require.NoError(t, err)
	require.Len(t, allocs, 3)
	require.Len(t, txns, 3)

	byID := make(map[string]Allocation)
	for _, a := range allocs {
		byID[a.EnvelopeID] = a
	}

	// Reset: balance becomes the allocation regardless of what was left.
	got, err := store.BudgetEnvelope(ctx, "env-reset")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(400)))
	assert.True(t, byID["env-reset"].Applied.Equal(decimal.NewFromInt(280)))

	// Accumulate: allocation stacks on top of the remainder.
	got, err = store.BudgetEnvelope(ctx, "env-acc")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(520)))
	assert.True(t, byID["env-acc"].Applied.Equal(decimal.NewFromInt(400)))

	// Cap: 450 + 400 clamps to 600, only the 150 delta is applied.
	got, err = store.BudgetEnvelope(ctx, "env-cap")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(600)))
	assert.True(t, byID["env-cap"].Applied.Equal(decimal.NewFromInt(150)))
	assert.True(t, byID["env-cap"].Requested.Equal(decimal.NewFromInt(400)))

	for _, a := range allocs {
		assert.Equal(t, "2024-03", a.PeriodLabel)
		assert.Equal(t, "acct-chk", a.SourceAccountID)
	}
}

func TestApplyMonthlyAllocationsIsRerunSafe(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateBudgetEnvelope(testBudget("env-1", 0, RolloverAccumulate)))
	svc := NewService(store, nil)

	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	allocs, _, err := svc.ApplyMonthlyAllocations(ctx, "acct-chk", decimal.NewFromInt(1000), date, "2024-03")
	require.NoError(t, err)
	require.Len(t, allocs, 1)

	// Same period again: nothing to do, nothing committed.
	allocs, txns, err := svc.ApplyMonthlyAllocations(ctx, "acct-chk", decimal.NewFromInt(1000), date, "2024-03")
	require.NoError(t, err)
	assert.Nil(t, allocs)
	assert.Nil(t, txns)

	got, err := store.BudgetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(400)), "rerun must not double-allocate")
}

func TestApplyMonthlyAllocationsSkipsInactive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	inactive := testBudget("env-1", 0, RolloverAccumulate)
	inactive.Active = false
	require.NoError(t, store.CreateBudgetEnvelope(inactive))
	svc := NewService(store, nil)

	allocs, txns, err := svc.ApplyMonthlyAllocations(ctx, "acct-chk", decimal.NewFromInt(1000), time.Now().UTC(), "2024-03")
	require.NoError(t, err)
	assert.Nil(t, allocs)
	assert.Nil(t, txns)
}

func TestApplyMonthlyAllocationsRejectsUnbackedFunds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	env := testBudget("env-1", 0, RolloverAccumulate)
	env.MonthlyAllocation = decimal.NewFromInt(1000)
	require.NoError(t, store.CreateBudgetEnvelope(env))
	svc := NewService(store, nil)

	// The bank holds 100; allocating 1000 would hand out money that does
	// not exist. The whole run is rejected, nothing commits.
	date := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := svc.ApplyMonthlyAllocations(ctx, "acct-chk", decimal.NewFromInt(100), date, "2024-03")
	var insufficient *InsufficientAvailableFundsError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Proposed.Equal(decimal.NewFromInt(1000)))
	assert.True(t, insufficient.Available.Equal(decimal.NewFromInt(100)))

	got, err := store.BudgetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	assert.Empty(t, got.LastAllocatedPeriod)
	assert.Equal(t, int64(0), got.Version)

	// With real money behind it the same run commits.
	_, _, err = svc.ApplyMonthlyAllocations(ctx, "acct-chk", decimal.NewFromInt(1500), date, "2024-03")
	require.NoError(t, err)
	got, err = store.BudgetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(1000)))
}

func TestNewBudgetEnvelopeValidatesPolicy(t *testing.T) {
	_, err := NewBudgetEnvelope("Bad", decimal.NewFromInt(100), RolloverPolicy("yearly"), decimal.Zero)
	var invalid *InvalidRolloverPolicyError
	require.ErrorAs(t, err, &invalid)

	_, err = NewBudgetEnvelope("Capless", decimal.NewFromInt(100), RolloverCap, decimal.Zero)
	require.ErrorAs(t, err, &invalid)

	env, err := NewBudgetEnvelope("Groceries", decimal.NewFromInt(400), RolloverReset, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, env.Active)
	assert.True(t, env.Balance.IsZero())
	assert.NotEmpty(t, env.ID)
}

func TestCommitBatchVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.CreateBudgetEnvelope(testBudget("env-1", 100, RolloverAccumulate)))

	stale, err := store.BudgetEnvelope(ctx, "env-1")
	require.NoError(t, err)

	// A concurrent writer commits first and bumps the version.
	first, err := store.BudgetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	first.Balance = decimal.NewFromInt(80)
	require.NoError(t, store.CommitBatch(ctx, &Batch{Budgets: []*BudgetEnvelope{first}}))

	stale.Balance = decimal.NewFromInt(60)
	err = store.CommitBatch(ctx, &Batch{Budgets: []*BudgetEnvelope{stale}})
	var conflict *ledger.VersionConflictError
	require.ErrorAs(t, err, &conflict)

	// The losing batch must not have been applied.
	got, err := store.BudgetEnvelope(ctx, "env-1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(decimal.NewFromInt(80)))
	assert.Equal(t, int64(1), got.Version)
}
