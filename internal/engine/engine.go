package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/events"
	"github.com/example/homeledger/internal/ledger"
)

const maxRetries = 3

// PostingResult is what a successful posting hands back to the caller and
// to read-side consumers.
type PostingResult struct {
	Entry                *ledger.JournalEntry       `json:"entry"`
	LedgerRows           []ledger.LedgerEntry       `json:"ledger_rows"`
	EnvelopeTransactions []envelope.Transaction     `json:"envelope_transactions"`
	Balances             map[string]decimal.Decimal `json:"balances"`
}

// Engine coordinates the posting of journal entries: validation, ledger row
// computation, envelope side effects, atomic persistence, and event
// emission. Stores and publishers are injected; the engine owns no global
// state.
type Engine struct {
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
}

// New creates a posting engine.
func New(store Store, publisher events.Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, publisher: publisher, logger: logger}
}

// Store exposes the engine's store for read-side consumers.
func (e *Engine) Store() Store { return e.store }

// PostEntry validates and posts a journal entry. The ledger append, balance
// updates, and envelope side effects land in one atomic unit. When a
// concurrent post against a shared account wins the version race, the
// posting is recomputed against the refreshed balances and retried.
func (e *Engine) PostEntry(ctx context.Context, entry *ledger.JournalEntry) (*PostingResult, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := e.postOnce(ctx, entry, nil)
		if err != nil {
			var conflict *ledger.VersionConflictError
			if errors.As(err, &conflict) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return nil, err
		}
		return res, nil
	}
	return nil, fmt.Errorf("failed to post journal entry %s after %d retries: %w", entry.ID, maxRetries, lastErr)
}

// PostDraft loads a stored draft or pending entry by ID and posts it. The
// posted form replaces the stored draft under the same ID.
func (e *Engine) PostDraft(ctx context.Context, entryID string) (*PostingResult, error) {
	entry, err := e.store.JournalEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != ledger.StatusDraft && entry.Status != ledger.StatusPending {
		return nil, &ledger.InvalidStateTransitionError{EntryID: entry.ID, From: entry.Status, To: ledger.StatusPosted}
	}
	return e.PostEntry(ctx, entry)
}

// ReverseEntry posts a new entry mirroring the original and marks the
// original reversed, in one atomic unit. The original's amounts are never
// touched.
func (e *Engine) ReverseEntry(ctx context.Context, entryID string, date time.Time, description string) (*PostingResult, error) {
	original, err := e.store.JournalEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	rev, err := ledger.NewReversingEntry(original, date, description)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := e.postOnce(ctx, rev, original)
		if err != nil {
			var conflict *ledger.VersionConflictError
			if errors.As(err, &conflict) {
				lastErr = err
				time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
				continue
			}
			return nil, err
		}
		return res, nil
	}
	return nil, fmt.Errorf("failed to reverse journal entry %s after %d retries: %w", entryID, maxRetries, lastErr)
}

func (e *Engine) postOnce(ctx context.Context, entry *ledger.JournalEntry, reversed *ledger.JournalEntry) (*PostingResult, error) {
	accountIDs, budgetIDs, paymentIDs := touchedIDs(entry)

	snap, err := e.store.Snapshot(ctx, accountIDs, budgetIDs, paymentIDs)
	if err != nil {
		return nil, err
	}

	priorStatus := entry.Status
	rows, balances, err := ledger.Post(entry, snap.Balances)
	if err != nil {
		return nil, err
	}

	envTxns, err := envelope.ApplyEntry(entry, snap.Budgets, snap.Payments)
	if err != nil {
		entry.Status = priorStatus
		return nil, err
	}

	batch := &envelope.Batch{Transactions: envTxns}
	for _, id := range budgetIDs {
		batch.Budgets = append(batch.Budgets, snap.Budgets[id])
	}
	for _, id := range paymentIDs {
		batch.Payments = append(batch.Payments, snap.Payments[id])
	}

	posting := &Posting{
		Entry:     entry,
		Rows:      rows,
		Balances:  balances,
		Versions:  snap.Versions,
		Envelopes: batch,
		Reversed:  reversed,
	}
	if err := e.store.CommitPosting(ctx, posting); err != nil {
		entry.Status = priorStatus
		return nil, err
	}
	if reversed != nil {
		// The store has durably flipped the reversed entry; only now is it
		// safe to mark the in-memory copy.
		reversed.Status = ledger.StatusReversed
	}

	e.logger.Info("journal_entry_posted",
		"entry_id", entry.ID,
		"distributions", len(entry.Distributions),
		"accounts", len(accountIDs),
		"envelope_transactions", len(envTxns),
	)
	e.emit(entry, envTxns)

	return &PostingResult{
		Entry:                entry,
		LedgerRows:           rows,
		EnvelopeTransactions: envTxns,
		Balances:             balances,
	}, nil
}

func (e *Engine) emit(entry *ledger.JournalEntry, envTxns []envelope.Transaction) {
	if e.publisher == nil {
		return
	}
	posted := events.JournalEntryPosted{EntryID: entry.ID}
	for _, d := range entry.Distributions {
		posted.Distributions = append(posted.Distributions, events.DistributionRef{
			AccountID: d.AccountID,
			Flow:      string(d.Flow),
			Amount:    d.Amount,
		})
	}
	e.publisher.Publish(events.Event{Type: events.TypeJournalEntryPosted, Payload: posted})

	for _, txn := range envTxns {
		e.publisher.Publish(events.Event{Type: events.TypeEnvelopeUpdated, Payload: events.EnvelopeUpdated{
			EnvelopeID:    txn.EnvelopeID,
			EnvelopeType:  string(txn.EnvelopeType),
			BalanceBefore: txn.BalanceBefore,
			BalanceAfter:  txn.BalanceAfter,
		}})
	}
}

// SaveDraft persists a provisional entry without touching any balance.
func (e *Engine) SaveDraft(ctx context.Context, entry *ledger.JournalEntry) error {
	if entry.Status != ledger.StatusDraft {
		return &ledger.InvalidStateTransitionError{EntryID: entry.ID, From: entry.Status, To: ledger.StatusDraft}
	}
	return e.store.SaveDraft(ctx, entry)
}

// DiscardDraft removes a draft. Posted history is immutable; discarding
// anything but a draft fails.
func (e *Engine) DiscardDraft(ctx context.Context, id string) error {
	return e.store.DeleteDraft(ctx, id)
}

// ClosePeriod rolls one account's ledger rows for the period into an
// AccountBalance, verifies it against the recomputation, and persists it.
// The opening balance is the previous period's closing, or zero for the
// first period.
func (e *Engine) ClosePeriod(ctx context.Context, accountID, periodLabel string) (*ledger.AccountBalance, error) {
	rows, err := e.store.LedgerEntries(ctx, accountID)
	if err != nil {
		return nil, err
	}

	opening := decimal.Zero
	var periodRows []ledger.LedgerEntry
	for _, row := range rows {
		label := ledger.PeriodLabel(row.PostedAt)
		switch {
		case label < periodLabel:
			opening = opening.Add(row.Amount.Mul(decimal.NewFromInt(int64(row.Multiplier))))
		case label == periodLabel:
			periodRows = append(periodRows, row)
		}
	}

	summary := ledger.SummarizePeriod(accountID, periodLabel, opening, periodRows)
	if !ledger.VerifyBalance(summary, periodRows) {
		return nil, fmt.Errorf("period summary for account %s %s failed verification: internal consistency bug", accountID, periodLabel)
	}
	if err := e.store.SavePeriodSummary(ctx, summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

func touchedIDs(entry *ledger.JournalEntry) (accounts, budgets, payments []string) {
	seenAccounts := make(map[string]bool)
	seenBudgets := make(map[string]bool)
	seenPayments := make(map[string]bool)
	for _, d := range entry.Distributions {
		if !seenAccounts[d.AccountID] {
			seenAccounts[d.AccountID] = true
			accounts = append(accounts, d.AccountID)
		}
		if d.BudgetEnvelopeID != "" && !seenBudgets[d.BudgetEnvelopeID] {
			seenBudgets[d.BudgetEnvelopeID] = true
			budgets = append(budgets, d.BudgetEnvelopeID)
		}
		if d.PaymentEnvelopeID != "" && !seenPayments[d.PaymentEnvelopeID] {
			seenPayments[d.PaymentEnvelopeID] = true
			payments = append(payments, d.PaymentEnvelopeID)
		}
	}
	return accounts, budgets, payments
}
