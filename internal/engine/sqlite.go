package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/ledger"
	"github.com/example/homeledger/internal/recurring"
)

// SQLiteStore persists the ledger in a single SQLite database. Amounts are
// stored as decimal strings, never as floats. Version checks run inside the
// posting transaction so a stale writer loses with a VersionConflictError
// instead of clobbering anything.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an open database handle.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	account_number TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	account_type TEXT NOT NULL,
	budget_envelope_id TEXT NOT NULL DEFAULT '',
	payment_envelope_id TEXT NOT NULL DEFAULT '',
	is_system INTEGER NOT NULL DEFAULT 0,
	is_active INTEGER NOT NULL DEFAULT 1,
	balance TEXT NOT NULL DEFAULT '0',
	version INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id TEXT PRIMARY KEY,
	entry_date TIMESTAMP NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	reversal_of TEXT NOT NULL DEFAULT '',
	template_id TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	allow_overspend INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS distributions (
	id TEXT PRIMARY KEY,
	entry_id TEXT NOT NULL REFERENCES journal_entries(id),
	seq INTEGER NOT NULL,
	account_id TEXT NOT NULL,
	account_type TEXT NOT NULL,
	flow_direction TEXT NOT NULL,
	amount TEXT NOT NULL,
	multiplier INTEGER NOT NULL,
	debit_credit TEXT NOT NULL,
	budget_envelope_id TEXT NOT NULL DEFAULT '',
	payment_envelope_id TEXT NOT NULL DEFAULT '',
	memo TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	entry_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	account_id TEXT NOT NULL,
	account_type TEXT NOT NULL,
	flow_direction TEXT NOT NULL,
	amount TEXT NOT NULL,
	multiplier INTEGER NOT NULL,
	debit_credit TEXT NOT NULL,
	balance_before TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	posted_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_entries_account ON ledger_entries(account_id, posted_at);

CREATE TABLE IF NOT EXISTS account_balances (
	account_id TEXT NOT NULL,
	period_label TEXT NOT NULL,
	opening TEXT NOT NULL,
	total_from TEXT NOT NULL,
	total_to TEXT NOT NULL,
	total_debits TEXT NOT NULL,
	total_credits TEXT NOT NULL,
	closing TEXT NOT NULL,
	PRIMARY KEY (account_id, period_label)
);

CREATE TABLE IF NOT EXISTS budget_envelopes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	monthly_allocation TEXT NOT NULL,
	balance TEXT NOT NULL DEFAULT '0',
	rollover_policy TEXT NOT NULL,
	rollover_cap TEXT NOT NULL DEFAULT '0',
	is_active INTEGER NOT NULL DEFAULT 1,
	last_allocated_period TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_envelopes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	linked_account_id TEXT NOT NULL DEFAULT '',
	balance TEXT NOT NULL DEFAULT '0',
	is_active INTEGER NOT NULL DEFAULT 1,
	version INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS envelope_transactions (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL,
	envelope_type TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount TEXT NOT NULL,
	balance_before TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	entry_id TEXT NOT NULL DEFAULT '',
	allocation_id TEXT NOT NULL DEFAULT '',
	occurred_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_envelope_transactions_env ON envelope_transactions(envelope_id, occurred_at);

CREATE TABLE IF NOT EXISTS budget_allocations (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL,
	source_account_id TEXT NOT NULL DEFAULT '',
	period_label TEXT NOT NULL,
	requested TEXT NOT NULL,
	applied TEXT NOT NULL,
	allocated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS recurring_templates (
	id TEXT PRIMARY KEY,
	doc TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0
);
`

// InitSchema creates all tables if they do not exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}
	return nil
}

func decFrom(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

// CreateAccount inserts a new account row.
func (s *SQLiteStore) CreateAccount(ctx context.Context, a *ledger.Account) error {
	query := `
		INSERT INTO accounts (id, account_number, name, account_type, budget_envelope_id, payment_envelope_id, is_system, is_active, balance, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.ID, a.Number, a.Name, string(a.Type), a.BudgetEnvelopeID, a.PaymentEnvelopeID,
		a.IsSystem, a.Active, a.Balance.String(), a.Version, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &ledger.DuplicateAccountError{AccountNumber: a.Number}
		}
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// go-sqlite3 reports constraint failures in the error text; matching the
	// message avoids importing the driver's error type here.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const accountColumns = `id, account_number, name, account_type, budget_envelope_id, payment_envelope_id, is_system, is_active, balance, version, created_at`

func scanAccount(row interface{ Scan(...any) error }) (*ledger.Account, error) {
	var a ledger.Account
	var typ, balance string
	if err := row.Scan(&a.ID, &a.Number, &a.Name, &typ, &a.BudgetEnvelopeID, &a.PaymentEnvelopeID,
		&a.IsSystem, &a.Active, &balance, &a.Version, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Type = ledger.AccountType(typ)
	b, err := decFrom(balance)
	if err != nil {
		return nil, fmt.Errorf("stored balance for account %s is not a decimal: %w", a.ID, err)
	}
	a.Balance = b
	return &a, nil
}

// Account returns the account with the given ID.
func (s *SQLiteStore) Account(ctx context.Context, id string) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.AccountNotFoundError{AccountID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return a, nil
}

// AccountByNumber returns the account with the given number.
func (s *SQLiteStore) AccountByNumber(ctx context.Context, number string) (*ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = ?`, number)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.AccountNotFoundError{AccountID: number}
	}
	if err != nil {
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return a, nil
}

// Accounts returns all accounts ordered by account number.
func (s *SQLiteStore) Accounts(ctx context.Context) ([]*ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY account_number`)
	if err != nil {
		return nil, fmt.Errorf("accounts query failed: %w", err)
	}
	defer rows.Close()
	var out []*ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccountMeta updates mutable account metadata. Balance and version
// only move through CommitPosting.
func (s *SQLiteStore) UpdateAccountMeta(ctx context.Context, a *ledger.Account) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET name = ?, is_active = ?, budget_envelope_id = ?, payment_envelope_id = ? WHERE id = ?`,
		a.Name, a.Active, a.BudgetEnvelopeID, a.PaymentEnvelopeID, a.ID)
	if err != nil {
		return fmt.Errorf("account update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.AccountNotFoundError{AccountID: a.ID}
	}
	return nil
}

// JournalEntry loads a journal entry with its distributions in line order.
func (s *SQLiteStore) JournalEntry(ctx context.Context, id string) (*ledger.JournalEntry, error) {
	return loadJournalEntry(ctx, s.db, id)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadJournalEntry(ctx context.Context, q querier, id string) (*ledger.JournalEntry, error) {
	var e ledger.JournalEntry
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT id, entry_date, description, status, reversal_of, template_id, created_by, allow_overspend, created_at FROM journal_entries WHERE id = ?`, id).
		Scan(&e.ID, &e.Date, &e.Description, &status, &e.ReversalOf, &e.TemplateID, &e.CreatedBy, &e.AllowOverspend, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.ImmutableHistoryError{EntryID: id, Operation: "load missing"}
	}
	if err != nil {
		return nil, fmt.Errorf("journal entry query failed: %w", err)
	}
	e.Status = ledger.EntryStatus(status)

	rows, err := q.QueryContext(ctx,
		`SELECT id, account_id, account_type, flow_direction, amount, multiplier, debit_credit, budget_envelope_id, payment_envelope_id, memo
		 FROM distributions WHERE entry_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("distributions query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d ledger.Distribution
		var typ, flow, dc, amount string
		if err := rows.Scan(&d.ID, &d.AccountID, &typ, &flow, &amount, &d.Multiplier, &dc,
			&d.BudgetEnvelopeID, &d.PaymentEnvelopeID, &d.Memo); err != nil {
			return nil, err
		}
		d.AccountType = ledger.AccountType(typ)
		d.Flow = ledger.FlowDirection(flow)
		d.DC = ledger.DebitCredit(dc)
		amt, err := decFrom(amount)
		if err != nil {
			return nil, fmt.Errorf("stored amount for distribution %s is not a decimal: %w", d.ID, err)
		}
		d.Amount = amt
		e.Distributions = append(e.Distributions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &e, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, ex execer, e *ledger.JournalEntry) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO journal_entries (id, entry_date, description, status, reversal_of, template_id, created_by, allow_overspend, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Date, e.Description, string(e.Status), e.ReversalOf, e.TemplateID, e.CreatedBy, e.AllowOverspend, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("journal entry insert failed: %w", err)
	}
	for i, d := range e.Distributions {
		_, err := ex.ExecContext(ctx,
			`INSERT INTO distributions (id, entry_id, seq, account_id, account_type, flow_direction, amount, multiplier, debit_credit, budget_envelope_id, payment_envelope_id, memo)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, e.ID, i, d.AccountID, string(d.AccountType), string(d.Flow), d.Amount.String(),
			d.Multiplier, string(d.DC), d.BudgetEnvelopeID, d.PaymentEnvelopeID, d.Memo)
		if err != nil {
			return fmt.Errorf("distribution insert failed: %w", err)
		}
	}
	return nil
}

// SaveDraft inserts or replaces a provisional entry. Replacing anything
// other than a draft is refused.
func (s *SQLiteStore) SaveDraft(ctx context.Context, entry *ledger.JournalEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM journal_entries WHERE id = ?`, entry.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New draft.
	case err != nil:
		return fmt.Errorf("draft lookup failed: %w", err)
	case ledger.EntryStatus(status) != ledger.StatusDraft:
		return &ledger.ImmutableHistoryError{EntryID: entry.ID, Operation: "overwrite"}
	default:
		if _, err := tx.ExecContext(ctx, `DELETE FROM distributions WHERE entry_id = ?`, entry.ID); err != nil {
			return fmt.Errorf("draft replace failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM journal_entries WHERE id = ?`, entry.ID); err != nil {
			return fmt.Errorf("draft replace failed: %w", err)
		}
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// DraftsForTemplate lists the stored drafts a recurring template generated,
// oldest first.
func (s *SQLiteStore) DraftsForTemplate(ctx context.Context, templateID string) ([]*ledger.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM journal_entries WHERE template_id = ? AND status = ? ORDER BY entry_date, id`,
		templateID, string(ledger.StatusDraft))
	if err != nil {
		return nil, fmt.Errorf("draft query failed: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("draft scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("draft query failed: %w", err)
	}
	rows.Close()

	drafts := make([]*ledger.JournalEntry, 0, len(ids))
	for _, id := range ids {
		e, err := loadJournalEntry(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, e)
	}
	return drafts, nil
}

// DeleteDraft removes a draft entry and its distributions.
func (s *SQLiteStore) DeleteDraft(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM journal_entries WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("draft lookup failed: %w", err)
	}
	if ledger.EntryStatus(status) != ledger.StatusDraft {
		return &ledger.ImmutableHistoryError{EntryID: id, Operation: "delete"}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM distributions WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("draft delete failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM journal_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("draft delete failed: %w", err)
	}
	return tx.Commit()
}

// Snapshot reads balances, versions, and envelope copies for a posting.
func (s *SQLiteStore) Snapshot(ctx context.Context, accountIDs, budgetIDs, paymentIDs []string) (*Snapshot, error) {
	snap := &Snapshot{
		Balances: make(map[string]decimal.Decimal, len(accountIDs)),
		Versions: make(map[string]int64, len(accountIDs)),
		Budgets:  make(map[string]*envelope.BudgetEnvelope, len(budgetIDs)),
		Payments: make(map[string]*envelope.PaymentEnvelope, len(paymentIDs)),
	}
	for _, id := range accountIDs {
		a, err := s.Account(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Balances[id] = a.Balance
		snap.Versions[id] = a.Version
	}
	for _, id := range budgetIDs {
		env, err := s.BudgetEnvelope(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Budgets[id] = env
	}
	for _, id := range paymentIDs {
		env, err := s.PaymentEnvelope(ctx, id)
		if err != nil {
			return nil, err
		}
		snap.Payments[id] = env
	}
	return snap, nil
}

// CommitPosting applies a posting in one transaction. Version predicates in
// the UPDATE statements make stale writes fail cleanly.
func (s *SQLiteStore) CommitPosting(ctx context.Context, p *Posting) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM journal_entries WHERE id = ?`, p.Entry.ID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First posting of this entry.
	case err != nil:
		return fmt.Errorf("entry lookup failed: %w", err)
	case ledger.EntryStatus(status) != ledger.StatusDraft:
		return &ledger.DuplicateEntryError{EntryID: p.Entry.ID}
	default:
		// The entry was saved as a draft; replace it with the posted form.
		if _, err := tx.ExecContext(ctx, `DELETE FROM distributions WHERE entry_id = ?`, p.Entry.ID); err != nil {
			return fmt.Errorf("draft replace failed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM journal_entries WHERE id = ?`, p.Entry.ID); err != nil {
			return fmt.Errorf("draft replace failed: %w", err)
		}
	}

	if err := insertEntry(ctx, tx, p.Entry); err != nil {
		return err
	}
	for _, row := range p.Rows {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ledger_entries (id, entry_id, seq, account_id, account_type, flow_direction, amount, multiplier, debit_credit, balance_before, balance_after, description, posted_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.ID, row.EntryID, row.Sequence, row.AccountID, string(row.AccountType), string(row.Flow),
			row.Amount.String(), row.Multiplier, string(row.DC),
			row.BalanceBefore.String(), row.BalanceAfter.String(), row.Description, row.PostedAt)
		if err != nil {
			return fmt.Errorf("ledger row insert failed: %w", err)
		}
	}
	for id, balance := range p.Balances {
		expected := p.Versions[id]
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET balance = ?, version = version + 1 WHERE id = ? AND version = ?`,
			balance.String(), id, expected)
		if err != nil {
			return fmt.Errorf("balance update failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var found int64
			if err := tx.QueryRowContext(ctx, `SELECT version FROM accounts WHERE id = ?`, id).Scan(&found); err != nil {
				return &ledger.AccountNotFoundError{AccountID: id}
			}
			return &ledger.VersionConflictError{AccountID: id, Expected: expected, Found: found}
		}
	}
	if p.Envelopes != nil {
		if err := applyEnvelopeBatch(ctx, tx, p.Envelopes); err != nil {
			return err
		}
	}
	if p.Reversed != nil {
		res, err := tx.ExecContext(ctx, `UPDATE journal_entries SET status = ? WHERE id = ?`,
			string(ledger.StatusReversed), p.Reversed.ID)
		if err != nil {
			return fmt.Errorf("reversal status update failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &ledger.ImmutableHistoryError{EntryID: p.Reversed.ID, Operation: "reverse missing"}
		}
	}
	return tx.Commit()
}

func applyEnvelopeBatch(ctx context.Context, tx *sql.Tx, batch *envelope.Batch) error {
	for _, env := range batch.Budgets {
		res, err := tx.ExecContext(ctx,
			`UPDATE budget_envelopes SET balance = ?, last_allocated_period = ?, version = version + 1 WHERE id = ? AND version = ?`,
			env.Balance.String(), env.LastAllocatedPeriod, env.ID, env.Version)
		if err != nil {
			return fmt.Errorf("budget envelope update failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var found int64
			if err := tx.QueryRowContext(ctx, `SELECT version FROM budget_envelopes WHERE id = ?`, env.ID).Scan(&found); err != nil {
				return &envelope.EnvelopeNotFoundError{EnvelopeID: env.ID}
			}
			return &ledger.VersionConflictError{AccountID: env.ID, Expected: env.Version, Found: found}
		}
	}
	for _, env := range batch.Payments {
		res, err := tx.ExecContext(ctx,
			`UPDATE payment_envelopes SET balance = ?, version = version + 1 WHERE id = ? AND version = ?`,
			env.Balance.String(), env.ID, env.Version)
		if err != nil {
			return fmt.Errorf("payment envelope update failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var found int64
			if err := tx.QueryRowContext(ctx, `SELECT version FROM payment_envelopes WHERE id = ?`, env.ID).Scan(&found); err != nil {
				return &envelope.EnvelopeNotFoundError{EnvelopeID: env.ID}
			}
			return &ledger.VersionConflictError{AccountID: env.ID, Expected: env.Version, Found: found}
		}
	}
	for _, txn := range batch.Transactions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO envelope_transactions (id, envelope_id, envelope_type, kind, amount, balance_before, balance_after, entry_id, allocation_id, occurred_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txn.ID, txn.EnvelopeID, string(txn.EnvelopeType), string(txn.Kind), txn.Amount.String(),
			txn.BalanceBefore.String(), txn.BalanceAfter.String(), txn.EntryID, txn.AllocationID, txn.OccurredAt)
		if err != nil {
			return fmt.Errorf("envelope transaction insert failed: %w", err)
		}
	}
	for _, alloc := range batch.Allocations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO budget_allocations (id, envelope_id, source_account_id, period_label, requested, applied, allocated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			alloc.ID, alloc.EnvelopeID, alloc.SourceAccountID, alloc.PeriodLabel,
			alloc.Requested.String(), alloc.Applied.String(), alloc.Date)
		if err != nil {
			return fmt.Errorf("allocation insert failed: %w", err)
		}
	}
	return nil
}

// LedgerEntries returns the posted history for one account in posting order.
func (s *SQLiteStore) LedgerEntries(ctx context.Context, accountID string) ([]ledger.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_id, seq, account_id, account_type, flow_direction, amount, multiplier, debit_credit, balance_before, balance_after, description, posted_at
		 FROM ledger_entries WHERE account_id = ? ORDER BY posted_at, seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("ledger history query failed: %w", err)
	}
	defer rows.Close()
	var out []ledger.LedgerEntry
	for rows.Next() {
		var row ledger.LedgerEntry
		var typ, flow, dc, amount, before, after string
		if err := rows.Scan(&row.ID, &row.EntryID, &row.Sequence, &row.AccountID, &typ, &flow,
			&amount, &row.Multiplier, &dc, &before, &after, &row.Description, &row.PostedAt); err != nil {
			return nil, err
		}
		row.AccountType = ledger.AccountType(typ)
		row.Flow = ledger.FlowDirection(flow)
		row.DC = ledger.DebitCredit(dc)
		if row.Amount, err = decFrom(amount); err != nil {
			return nil, err
		}
		if row.BalanceBefore, err = decFrom(before); err != nil {
			return nil, err
		}
		if row.BalanceAfter, err = decFrom(after); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SavePeriodSummary upserts the rollup for (account, period).
func (s *SQLiteStore) SavePeriodSummary(ctx context.Context, b ledger.AccountBalance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_balances (account_id, period_label, opening, total_from, total_to, total_debits, total_credits, closing)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (account_id, period_label) DO UPDATE SET
			opening = excluded.opening, total_from = excluded.total_from, total_to = excluded.total_to,
			total_debits = excluded.total_debits, total_credits = excluded.total_credits, closing = excluded.closing`,
		b.AccountID, b.PeriodLabel, b.Opening.String(), b.TotalFrom.String(), b.TotalTo.String(),
		b.TotalDebits.String(), b.TotalCredits.String(), b.Closing.String())
	if err != nil {
		return fmt.Errorf("period summary upsert failed: %w", err)
	}
	return nil
}

// PeriodSummary returns the stored rollup for (account, period).
func (s *SQLiteStore) PeriodSummary(ctx context.Context, accountID, periodLabel string) (*ledger.AccountBalance, error) {
	var b ledger.AccountBalance
	var opening, from, to, debits, credits, closing string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id, period_label, opening, total_from, total_to, total_debits, total_credits, closing
		 FROM account_balances WHERE account_id = ? AND period_label = ?`, accountID, periodLabel).
		Scan(&b.AccountID, &b.PeriodLabel, &opening, &from, &to, &debits, &credits, &closing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.AccountNotFoundError{AccountID: accountID}
	}
	if err != nil {
		return nil, fmt.Errorf("period summary query failed: %w", err)
	}
	for _, pair := range []struct {
		raw string
		dst *decimal.Decimal
	}{
		{opening, &b.Opening}, {from, &b.TotalFrom}, {to, &b.TotalTo},
		{debits, &b.TotalDebits}, {credits, &b.TotalCredits}, {closing, &b.Closing},
	} {
		v, err := decFrom(pair.raw)
		if err != nil {
			return nil, err
		}
		*pair.dst = v
	}
	return &b, nil
}

// CreateBudgetEnvelope inserts a new budget envelope.
func (s *SQLiteStore) CreateBudgetEnvelope(ctx context.Context, env *envelope.BudgetEnvelope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_envelopes (id, name, monthly_allocation, balance, rollover_policy, rollover_cap, is_active, last_allocated_period, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.Name, env.MonthlyAllocation.String(), env.Balance.String(), string(env.Rollover),
		env.RolloverCap.String(), env.Active, env.LastAllocatedPeriod, env.Version, env.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &envelope.DuplicateEnvelopeError{EnvelopeID: env.ID}
		}
		return fmt.Errorf("budget envelope insert failed: %w", err)
	}
	return nil
}

// CreatePaymentEnvelope inserts a new payment envelope.
func (s *SQLiteStore) CreatePaymentEnvelope(ctx context.Context, env *envelope.PaymentEnvelope) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_envelopes (id, name, linked_account_id, balance, is_active, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		env.ID, env.Name, env.LinkedAccountID, env.Balance.String(), env.Active, env.Version, env.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &envelope.DuplicateEnvelopeError{EnvelopeID: env.ID}
		}
		return fmt.Errorf("payment envelope insert failed: %w", err)
	}
	return nil
}

const budgetEnvelopeColumns = `id, name, monthly_allocation, balance, rollover_policy, rollover_cap, is_active, last_allocated_period, version, created_at`

func scanBudgetEnvelope(row interface{ Scan(...any) error }) (*envelope.BudgetEnvelope, error) {
	var env envelope.BudgetEnvelope
	var policy, alloc, balance, capRaw string
	if err := row.Scan(&env.ID, &env.Name, &alloc, &balance, &policy, &capRaw,
		&env.Active, &env.LastAllocatedPeriod, &env.Version, &env.CreatedAt); err != nil {
		return nil, err
	}
	env.Rollover = envelope.RolloverPolicy(policy)
	var err error
	if env.MonthlyAllocation, err = decFrom(alloc); err != nil {
		return nil, err
	}
	if env.Balance, err = decFrom(balance); err != nil {
		return nil, err
	}
	if env.RolloverCap, err = decFrom(capRaw); err != nil {
		return nil, err
	}
	return &env, nil
}

// BudgetEnvelope returns the budget envelope with the given ID.
func (s *SQLiteStore) BudgetEnvelope(ctx context.Context, id string) (*envelope.BudgetEnvelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+budgetEnvelopeColumns+` FROM budget_envelopes WHERE id = ?`, id)
	env, err := scanBudgetEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &envelope.EnvelopeNotFoundError{EnvelopeID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("budget envelope query failed: %w", err)
	}
	return env, nil
}

// BudgetEnvelopes returns all budget envelopes ordered by name.
func (s *SQLiteStore) BudgetEnvelopes(ctx context.Context) ([]*envelope.BudgetEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+budgetEnvelopeColumns+` FROM budget_envelopes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("budget envelopes query failed: %w", err)
	}
	defer rows.Close()
	var out []*envelope.BudgetEnvelope
	for rows.Next() {
		env, err := scanBudgetEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

const paymentEnvelopeColumns = `id, name, linked_account_id, balance, is_active, version, created_at`

func scanPaymentEnvelope(row interface{ Scan(...any) error }) (*envelope.PaymentEnvelope, error) {
	var env envelope.PaymentEnvelope
	var balance string
	if err := row.Scan(&env.ID, &env.Name, &env.LinkedAccountID, &balance,
		&env.Active, &env.Version, &env.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if env.Balance, err = decFrom(balance); err != nil {
		return nil, err
	}
	return &env, nil
}

// PaymentEnvelope returns the payment envelope with the given ID.
func (s *SQLiteStore) PaymentEnvelope(ctx context.Context, id string) (*envelope.PaymentEnvelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentEnvelopeColumns+` FROM payment_envelopes WHERE id = ?`, id)
	env, err := scanPaymentEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &envelope.EnvelopeNotFoundError{EnvelopeID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("payment envelope query failed: %w", err)
	}
	return env, nil
}

// PaymentEnvelopes returns all payment envelopes ordered by name.
func (s *SQLiteStore) PaymentEnvelopes(ctx context.Context) ([]*envelope.PaymentEnvelope, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+paymentEnvelopeColumns+` FROM payment_envelopes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("payment envelopes query failed: %w", err)
	}
	defer rows.Close()
	var out []*envelope.PaymentEnvelope
	for rows.Next() {
		env, err := scanPaymentEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// CommitBatch applies an envelope-only batch in one transaction.
func (s *SQLiteStore) CommitBatch(ctx context.Context, batch *envelope.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()
	if err := applyEnvelopeBatch(ctx, tx, batch); err != nil {
		return err
	}
	return tx.Commit()
}

// Transactions returns the audit trail for one envelope in time order.
func (s *SQLiteStore) Transactions(ctx context.Context, envelopeID string) ([]envelope.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, envelope_id, envelope_type, kind, amount, balance_before, balance_after, entry_id, allocation_id, occurred_at
		 FROM envelope_transactions WHERE envelope_id = ? ORDER BY occurred_at`, envelopeID)
	if err != nil {
		return nil, fmt.Errorf("envelope transactions query failed: %w", err)
	}
	defer rows.Close()
	var out []envelope.Transaction
	for rows.Next() {
		var txn envelope.Transaction
		var typ, kind, amount, before, after string
		if err := rows.Scan(&txn.ID, &txn.EnvelopeID, &typ, &kind, &amount, &before, &after,
			&txn.EntryID, &txn.AllocationID, &txn.OccurredAt); err != nil {
			return nil, err
		}
		txn.EnvelopeType = envelope.EnvelopeType(typ)
		txn.Kind = envelope.Kind(kind)
		if txn.Amount, err = decFrom(amount); err != nil {
			return nil, err
		}
		if txn.BalanceBefore, err = decFrom(before); err != nil {
			return nil, err
		}
		if txn.BalanceAfter, err = decFrom(after); err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// SaveTemplate stores a recurring template as a JSON document plus a
// version column for optimistic bookkeeping updates.
func (s *SQLiteStore) SaveTemplate(ctx context.Context, t *recurring.Template) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("template marshal failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recurring_templates (id, doc, version) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, version = excluded.version`,
		t.ID, string(doc), t.Version)
	if err != nil {
		return fmt.Errorf("template upsert failed: %w", err)
	}
	return nil
}

// Template returns the template with the given ID.
func (s *SQLiteStore) Template(ctx context.Context, id string) (*recurring.Template, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM recurring_templates WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &recurring.TemplateNotFoundError{TemplateID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("template query failed: %w", err)
	}
	var t recurring.Template
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return nil, fmt.Errorf("template unmarshal failed: %w", err)
	}
	return &t, nil
}

// Templates returns all templates.
func (s *SQLiteStore) Templates(ctx context.Context) ([]*recurring.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM recurring_templates`)
	if err != nil {
		return nil, fmt.Errorf("templates query failed: %w", err)
	}
	defer rows.Close()
	var out []*recurring.Template
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t recurring.Template
		if err := json.Unmarshal([]byte(doc), &t); err != nil {
			return nil, fmt.Errorf("template unmarshal failed: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UpdateBookkeeping advances a template's generation cursor under an
// optimistic version check.
func (s *SQLiteStore) UpdateBookkeeping(ctx context.Context, id string, expectedVersion int64, lastGenerated time.Time, totalGenerated int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	var doc string
	var version int64
	err = tx.QueryRowContext(ctx, `SELECT doc, version FROM recurring_templates WHERE id = ?`, id).Scan(&doc, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return &recurring.TemplateNotFoundError{TemplateID: id}
	}
	if err != nil {
		return fmt.Errorf("template query failed: %w", err)
	}
	if version != expectedVersion {
		return &ledger.VersionConflictError{AccountID: id, Expected: expectedVersion, Found: version}
	}
	var t recurring.Template
	if err := json.Unmarshal([]byte(doc), &t); err != nil {
		return fmt.Errorf("template unmarshal failed: %w", err)
	}
	t.LastGenerated = lastGenerated
	t.TotalGenerated = totalGenerated
	t.Version = version + 1
	updated, err := json.Marshal(&t)
	if err != nil {
		return fmt.Errorf("template marshal failed: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE recurring_templates SET doc = ?, version = ? WHERE id = ? AND version = ?`,
		string(updated), t.Version, id, version)
	if err != nil {
		return fmt.Errorf("template update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ledger.VersionConflictError{AccountID: id, Expected: expectedVersion, Found: version}
	}
	return tx.Commit()
}
