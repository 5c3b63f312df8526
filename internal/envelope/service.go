package envelope

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/ledger"
)

// Batch is the unit of envelope persistence: updated envelope states plus
// the audit rows explaining them. Envelope versions carry the value seen at
// snapshot time; the store rejects the batch with a version conflict if a
// concurrent writer got there first.
type Batch struct {
	Allocations  []Allocation
	Transactions []Transaction
	Budgets      []*BudgetEnvelope
	Payments     []*PaymentEnvelope
}

// Store is the persistence boundary for envelopes. The ledger engine's
// stores implement it so that envelope updates triggered by a journal entry
// land in the same atomic unit as the ledger append.
type Store interface {
	BudgetEnvelope(ctx context.Context, id string) (*BudgetEnvelope, error)
	BudgetEnvelopes(ctx context.Context) ([]*BudgetEnvelope, error)
	PaymentEnvelope(ctx context.Context, id string) (*PaymentEnvelope, error)
	PaymentEnvelopes(ctx context.Context) ([]*PaymentEnvelope, error)
	CommitBatch(ctx context.Context, batch *Batch) error
	Transactions(ctx context.Context, envelopeID string) ([]Transaction, error)
}

// Service translates posted distributions into virtual envelope updates and
// enforces the allocation equation: bank balance always equals budget
// allocated + payment reserved + available.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates an envelope service over the given store.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// NewBudgetEnvelope builds a budget envelope, validating the rollover policy.
func NewBudgetEnvelope(name string, monthlyAllocation decimal.Decimal, policy RolloverPolicy, cap decimal.Decimal) (*BudgetEnvelope, error) {
	if !ValidRolloverPolicy(policy) {
		return nil, &InvalidRolloverPolicyError{Policy: policy, Reason: "unknown policy"}
	}
	if policy == RolloverCap && !cap.IsPositive() {
		return nil, &InvalidRolloverPolicyError{Policy: policy, Reason: "cap policy requires a positive rollover cap"}
	}
	return &BudgetEnvelope{
		ID:                uuid.NewString(),
		Name:              name,
		MonthlyAllocation: monthlyAllocation,
		Balance:           decimal.Zero,
		Rollover:          policy,
		RolloverCap:       cap,
		Active:            true,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// NewPaymentEnvelope builds a payment envelope reserving funds for the given
// liability account.
func NewPaymentEnvelope(name, linkedAccountID string) *PaymentEnvelope {
	return &PaymentEnvelope{
		ID:              uuid.NewString(),
		Name:            name,
		LinkedAccountID: linkedAccountID,
		Balance:         decimal.Zero,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
	}
}

// ApplyEntry computes the envelope side effects of a posted journal entry.
// It mutates the passed envelope states (the caller supplies snapshot
// copies) and returns one audit transaction per balance change, in
// distribution order.
//
// Budget links: To-flow is an expense drawing the envelope down, From-flow a
// refund crediting it back. Payment links: From-flow is a charge growing the
// reserve alongside the liability, To-flow a payment or merchant credit
// releasing it. An expense larger than the envelope's balance is rejected
// unless the entry opts into overspending.
func ApplyEntry(entry *ledger.JournalEntry, budgets map[string]*BudgetEnvelope, payments map[string]*PaymentEnvelope) ([]Transaction, error) {
	now := time.Now().UTC()
	var txns []Transaction
	for _, d := range entry.Distributions {
		if d.BudgetEnvelopeID != "" {
			env, ok := budgets[d.BudgetEnvelopeID]
			if !ok {
				return nil, &EnvelopeNotFoundError{EnvelopeID: d.BudgetEnvelopeID}
			}
			kind := KindExpense
			delta := d.Amount.Neg()
			if d.Flow == ledger.FlowFrom {
				kind = KindRefund
				delta = d.Amount
			}
			if kind == KindExpense && d.Amount.GreaterThan(env.Balance) && !entry.AllowOverspend {
				return nil, &BudgetExceededError{EnvelopeID: env.ID, Amount: d.Amount, Balance: env.Balance}
			}
			before := env.Balance
			env.Balance = env.Balance.Add(delta)
			txns = append(txns, Transaction{
				ID:            uuid.NewString(),
				EnvelopeID:    env.ID,
				EnvelopeType:  TypeBudget,
				Kind:          kind,
				Amount:        d.Amount,
				BalanceBefore: before,
				BalanceAfter:  env.Balance,
				EntryID:       entry.ID,
				OccurredAt:    now,
			})
		}
		if d.PaymentEnvelopeID != "" {
			env, ok := payments[d.PaymentEnvelopeID]
			if !ok {
				return nil, &EnvelopeNotFoundError{EnvelopeID: d.PaymentEnvelopeID}
			}
			kind := KindCharge
			delta := d.Amount
			if d.Flow == ledger.FlowTo {
				kind = KindPayment
				delta = d.Amount.Neg()
			}
			before := env.Balance
			env.Balance = env.Balance.Add(delta)
			txns = append(txns, Transaction{
				ID:            uuid.NewString(),
				EnvelopeID:    env.ID,
				EnvelopeType:  TypePayment,
				Kind:          kind,
				Amount:        d.Amount,
				BalanceBefore: before,
				BalanceAfter:  env.Balance,
				EntryID:       entry.ID,
				OccurredAt:    now,
			})
		}
	}
	return txns, nil
}

// PostJournalEntry applies the envelope side effects of a posted entry and
// persists them. Callers that also own a ledger store should instead let the
// posting engine commit ledger rows and envelope effects in one unit; this
// entry point serves envelope-only consumers and tests.
func (s *Service) PostJournalEntry(ctx context.Context, entry *ledger.JournalEntry) ([]Transaction, error) {
	budgets := make(map[string]*BudgetEnvelope)
	payments := make(map[string]*PaymentEnvelope)
	for _, d := range entry.Distributions {
		if d.BudgetEnvelopeID != "" {
			if _, ok := budgets[d.BudgetEnvelopeID]; !ok {
				env, err := s.store.BudgetEnvelope(ctx, d.BudgetEnvelopeID)
				if err != nil {
					return nil, err
				}
				budgets[env.ID] = env
			}
		}
		if d.PaymentEnvelopeID != "" {
			if _, ok := payments[d.PaymentEnvelopeID]; !ok {
				env, err := s.store.PaymentEnvelope(ctx, d.PaymentEnvelopeID)
				if err != nil {
					return nil, err
				}
				payments[env.ID] = env
			}
		}
	}

	txns, err := ApplyEntry(entry, budgets, payments)
	if err != nil {
		return nil, err
	}
	if len(txns) == 0 {
		return nil, nil
	}

	batch := &Batch{Transactions: txns}
	for _, env := range budgets {
		batch.Budgets = append(batch.Budgets, env)
	}
	for _, env := range payments {
		batch.Payments = append(batch.Payments, env)
	}
	if err := s.store.CommitBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to commit envelope batch: %w", err)
	}
	return txns, nil
}

// ValidateAllocation rejects a proposed allocation that would commit more
// cash than physically exists in the bank account. This rejection is always
// hard; there is no overspend opt-out for allocations.
func (s *Service) ValidateAllocation(ctx context.Context, bankBalance, proposed decimal.Decimal) error {
	allocated, reserved, err := s.totals(ctx)
	if err != nil {
		return err
	}
	available := bankBalance.Sub(allocated).Sub(reserved)
	if proposed.GreaterThan(available) {
		return &InsufficientAvailableFundsError{Proposed: proposed, Available: available}
	}
	return nil
}

// ValidateExpense checks an expense against the envelope balance. Overspend
// is permitted only when the caller opts in; it is then tracked as a negative
// balance, never clamped.
func (s *Service) ValidateExpense(ctx context.Context, envelopeID string, amount decimal.Decimal, allowOverspend bool) error {
	env, err := s.store.BudgetEnvelope(ctx, envelopeID)
	if err != nil {
		return err
	}
	if amount.GreaterThan(env.Balance) && !allowOverspend {
		return &BudgetExceededError{EnvelopeID: envelopeID, Amount: amount, Balance: env.Balance}
	}
	return nil
}

// ApplyMonthlyAllocations applies each active envelope's rollover policy for
// the given period. An envelope already allocated for the period is skipped,
// making the operation safe to rerun. The net amount the run would commit is
// validated against the funding account's balance before anything persists;
// a run that would allocate cash the account does not hold is rejected
// whole. Every application records an Allocation and an audit Transaction in
// one committed batch.
func (s *Service) ApplyMonthlyAllocations(ctx context.Context, sourceAccountID string, bankBalance decimal.Decimal, date time.Time, periodLabel string) ([]Allocation, []Transaction, error) {
	envs, err := s.store.BudgetEnvelopes(ctx)
	if err != nil {
		return nil, nil, err
	}

	batch := &Batch{}
	totalApplied := decimal.Zero
	now := time.Now().UTC()
	for _, env := range envs {
		if !env.Active || env.LastAllocatedPeriod == periodLabel {
			continue
		}

		before := env.Balance
		var applied decimal.Decimal
		switch env.Rollover {
		case RolloverReset:
			env.Balance = env.MonthlyAllocation
			applied = env.Balance.Sub(before)
		case RolloverAccumulate:
			env.Balance = env.Balance.Add(env.MonthlyAllocation)
			applied = env.MonthlyAllocation
		case RolloverCap:
			next := env.Balance.Add(env.MonthlyAllocation)
			if next.GreaterThan(env.RolloverCap) {
				next = env.RolloverCap
			}
			applied = next.Sub(env.Balance)
			env.Balance = next
		default:
			return nil, nil, &InvalidRolloverPolicyError{Policy: env.Rollover, Reason: "unknown policy"}
		}
		env.LastAllocatedPeriod = periodLabel
		totalApplied = totalApplied.Add(applied)

		alloc := Allocation{
			ID:              uuid.NewString(),
			EnvelopeID:      env.ID,
			SourceAccountID: sourceAccountID,
			PeriodLabel:     periodLabel,
			Requested:       env.MonthlyAllocation,
			Applied:         applied,
			Date:            date,
		}
		batch.Allocations = append(batch.Allocations, alloc)
		batch.Transactions = append(batch.Transactions, Transaction{
			ID:            uuid.NewString(),
			EnvelopeID:    env.ID,
			EnvelopeType:  TypeBudget,
			Kind:          KindAllocation,
			Amount:        applied.Abs(),
			BalanceBefore: before,
			BalanceAfter:  env.Balance,
			AllocationID:  alloc.ID,
			OccurredAt:    now,
		})
		batch.Budgets = append(batch.Budgets, env)
	}

	if len(batch.Allocations) == 0 {
		return nil, nil, nil
	}
	// The store still holds the pre-run balances here; totals() in
	// ValidateAllocation sees the state this batch was computed from.
	if err := s.ValidateAllocation(ctx, bankBalance, totalApplied); err != nil {
		return nil, nil, err
	}
	if err := s.store.CommitBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("failed to commit allocations for %s: %w", periodLabel, err)
	}
	s.logger.Info("monthly_allocations_applied",
		"period", periodLabel,
		"source_account", sourceAccountID,
		"envelopes", len(batch.Allocations),
	)
	return batch.Allocations, batch.Transactions, nil
}

func (s *Service) totals(ctx context.Context) (allocated, reserved decimal.Decimal, err error) {
	budgets, err := s.store.BudgetEnvelopes(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	payments, err := s.store.PaymentEnvelopes(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	allocated = decimal.Zero
	reserved = decimal.Zero
	for _, env := range budgets {
		if env.Active {
			allocated = allocated.Add(env.Balance)
		}
	}
	for _, env := range payments {
		if env.Active {
			reserved = reserved.Add(env.Balance)
		}
	}
	return allocated, reserved, nil
}
