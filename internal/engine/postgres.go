package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/ledger"
	"github.com/example/homeledger/internal/recurring"
)

// PostgresStore persists the ledger in PostgreSQL. Postings run in
// SERIALIZABLE transactions; serialization failures (SQLSTATE 40001) are
// retried with a short backoff. Amounts are stored as decimal strings.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	account_number TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	account_type TEXT NOT NULL,
	budget_envelope_id TEXT NOT NULL DEFAULT '',
	payment_envelope_id TEXT NOT NULL DEFAULT '',
	is_system BOOLEAN NOT NULL DEFAULT FALSE,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	balance TEXT NOT NULL DEFAULT '0',
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS journal_entries (
	id TEXT PRIMARY KEY,
	entry_date TIMESTAMPTZ NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	reversal_of TEXT NOT NULL DEFAULT '',
	template_id TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	allow_overspend BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS distributions (
	id TEXT PRIMARY KEY,
	entry_id TEXT NOT NULL REFERENCES journal_entries(id),
	seq INT NOT NULL,
	account_id TEXT NOT NULL,
	account_type TEXT NOT NULL,
	flow_direction TEXT NOT NULL,
	amount TEXT NOT NULL,
	multiplier INT NOT NULL,
	debit_credit TEXT NOT NULL,
	budget_envelope_id TEXT NOT NULL DEFAULT '',
	payment_envelope_id TEXT NOT NULL DEFAULT '',
	memo TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id TEXT PRIMARY KEY,
	entry_id TEXT NOT NULL,
	seq INT NOT NULL,
	account_id TEXT NOT NULL,
	account_type TEXT NOT NULL,
	flow_direction TEXT NOT NULL,
	amount TEXT NOT NULL,
	multiplier INT NOT NULL,
	debit_credit TEXT NOT NULL,
	balance_before TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	posted_at TIMESTAMPTZ NOT NULL
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
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	last_allocated_period TEXT NOT NULL DEFAULT '',
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_envelopes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	linked_account_id TEXT NOT NULL DEFAULT '',
	balance TEXT NOT NULL DEFAULT '0',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	version BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
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
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_envelope_transactions_env ON envelope_transactions(envelope_id, occurred_at);

CREATE TABLE IF NOT EXISTS budget_allocations (
	id TEXT PRIMARY KEY,
	envelope_id TEXT NOT NULL,
	source_account_id TEXT NOT NULL DEFAULT '',
	period_label TEXT NOT NULL,
	requested TEXT NOT NULL,
	applied TEXT NOT NULL,
	allocated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS recurring_templates (
	id TEXT PRIMARY KEY,
	doc JSONB NOT NULL,
	version BIGINT NOT NULL DEFAULT 0
);
`

// InitSchema creates all tables if they do not exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}
	return nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// withSerializableTx runs fn in a SERIALIZABLE transaction and retries
// serialization failures with a short linear backoff.
func (s *PostgresStore) withSerializableTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		if attempt < maxAttempts-1 {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
		}
	}
	return fmt.Errorf("transaction failed after %d retries due to serialization failure: %w", maxAttempts, err)
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := s.pool.Acquire(queryCtx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(queryCtx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(queryCtx)

	if err := fn(queryCtx, tx); err != nil {
		return err
	}
	return tx.Commit(queryCtx)
}

// CreateAccount inserts a new account row.
func (s *PostgresStore) CreateAccount(ctx context.Context, a *ledger.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, account_number, name, account_type, budget_envelope_id, payment_envelope_id, is_system, is_active, balance, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.Number, a.Name, string(a.Type), a.BudgetEnvelopeID, a.PaymentEnvelopeID,
		a.IsSystem, a.Active, a.Balance.String(), a.Version, a.CreatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return &ledger.DuplicateAccountError{AccountNumber: a.Number}
		}
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

const pgAccountColumns = `id, account_number, name, account_type, budget_envelope_id, payment_envelope_id, is_system, is_active, balance, version, created_at`

func scanPgAccount(row pgx.Row) (*ledger.Account, error) {
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
func (s *PostgresStore) Account(ctx context.Context, id string) (*ledger.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanPgAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.AccountNotFoundError{AccountID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return a, nil
}

// AccountByNumber returns the account with the given number.
func (s *PostgresStore) AccountByNumber(ctx context.Context, number string) (*ledger.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgAccountColumns+` FROM accounts WHERE account_number = $1`, number)
	a, err := scanPgAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.AccountNotFoundError{AccountID: number}
	}
	if err != nil {
		return nil, fmt.Errorf("account query failed: %w", err)
	}
	return a, nil
}

// Accounts returns all accounts ordered by account number.
func (s *PostgresStore) Accounts(ctx context.Context) ([]*ledger.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgAccountColumns+` FROM accounts ORDER BY account_number`)
	if err != nil {
		return nil, fmt.Errorf("accounts query failed: %w", err)
	}
	defer rows.Close()
	var out []*ledger.Account
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccountMeta updates mutable account metadata.
func (s *PostgresStore) UpdateAccountMeta(ctx context.Context, a *ledger.Account) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET name = $1, is_active = $2, budget_envelope_id = $3, payment_envelope_id = $4 WHERE id = $5`,
		a.Name, a.Active, a.BudgetEnvelopeID, a.PaymentEnvelopeID, a.ID)
	if err != nil {
		return fmt.Errorf("account update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &ledger.AccountNotFoundError{AccountID: a.ID}
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadPgJournalEntry(ctx context.Context, q pgQuerier, id string) (*ledger.JournalEntry, error) {
	var e ledger.JournalEntry
	var status string
	err := q.QueryRow(ctx,
		`SELECT id, entry_date, description, status, reversal_of, template_id, created_by, allow_overspend, created_at FROM journal_entries WHERE id = $1`, id).
		Scan(&e.ID, &e.Date, &e.Description, &status, &e.ReversalOf, &e.TemplateID, &e.CreatedBy, &e.AllowOverspend, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ledger.ImmutableHistoryError{EntryID: id, Operation: "load missing"}
	}
	if err != nil {
		return nil, fmt.Errorf("journal entry query failed: %w", err)
	}
	e.Status = ledger.EntryStatus(status)

	rows, err := q.Query(ctx,
		`SELECT id, account_id, account_type, flow_direction, amount, multiplier, debit_credit, budget_envelope_id, payment_envelope_id, memo
		 FROM distributions WHERE entry_id = $1 ORDER BY seq`, id)
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

// JournalEntry loads a journal entry with its distributions in line order.
func (s *PostgresStore) JournalEntry(ctx context.Context, id string) (*ledger.JournalEntry, error) {
	return loadPgJournalEntry(ctx, s.pool, id)
}

func insertPgEntry(ctx context.Context, tx pgx.Tx, e *ledger.JournalEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO journal_entries (id, entry_date, description, status, reversal_of, template_id, created_by, allow_overspend, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Date, e.Description, string(e.Status), e.ReversalOf, e.TemplateID, e.CreatedBy, e.AllowOverspend, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("journal entry insert failed: %w", err)
	}
	for i, d := range e.Distributions {
		_, err := tx.Exec(ctx,
			`INSERT INTO distributions (id, entry_id, seq, account_id, account_type, flow_direction, amount, multiplier, debit_credit, budget_envelope_id, payment_envelope_id, memo)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			d.ID, e.ID, i, d.AccountID, string(d.AccountType), string(d.Flow), d.Amount.String(),
			d.Multiplier, string(d.DC), d.BudgetEnvelopeID, d.PaymentEnvelopeID, d.Memo)
		if err != nil {
			return fmt.Errorf("distribution insert failed: %w", err)
		}
	}
	return nil
}

// SaveDraft inserts or replaces a provisional entry.
func (s *PostgresStore) SaveDraft(ctx context.Context, entry *ledger.JournalEntry) error {
	return s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM journal_entries WHERE id = $1 FOR UPDATE`, entry.ID).Scan(&status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// New draft.
		case err != nil:
			return fmt.Errorf("draft lookup failed: %w", err)
		case ledger.EntryStatus(status) != ledger.StatusDraft:
			return &ledger.ImmutableHistoryError{EntryID: entry.ID, Operation: "overwrite"}
		default:
			if _, err := tx.Exec(ctx, `DELETE FROM distributions WHERE entry_id = $1`, entry.ID); err != nil {
				return fmt.Errorf("draft replace failed: %w", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM journal_entries WHERE id = $1`, entry.ID); err != nil {
				return fmt.Errorf("draft replace failed: %w", err)
			}
		}
		return insertPgEntry(ctx, tx, entry)
	})
}

// DraftsForTemplate lists the stored drafts a recurring template generated,
// oldest first.
func (s *PostgresStore) DraftsForTemplate(ctx context.Context, templateID string) ([]*ledger.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM journal_entries WHERE template_id = $1 AND status = $2 ORDER BY entry_date, id`,
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
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("draft query failed: %w", err)
	}

	drafts := make([]*ledger.JournalEntry, 0, len(ids))
	for _, id := range ids {
		e, err := loadPgJournalEntry(ctx, s.pool, id)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, e)
	}
	return drafts, nil
}

// DeleteDraft removes a draft entry and its distributions.
func (s *PostgresStore) DeleteDraft(ctx context.Context, id string) error {
	return s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM journal_entries WHERE id = $1 FOR UPDATE`, id).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("draft lookup failed: %w", err)
		}
		if ledger.EntryStatus(status) != ledger.StatusDraft {
			return &ledger.ImmutableHistoryError{EntryID: id, Operation: "delete"}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM distributions WHERE entry_id = $1`, id); err != nil {
			return fmt.Errorf("draft delete failed: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM journal_entries WHERE id = $1`, id); err != nil {
			return fmt.Errorf("draft delete failed: %w", err)
		}
		return nil
	})
}

// Snapshot reads balances, versions, and envelope copies for a posting.
func (s *PostgresStore) Snapshot(ctx context.Context, accountIDs, budgetIDs, paymentIDs []string) (*Snapshot, error) {
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

// CommitPosting applies a posting in one SERIALIZABLE transaction. Touched
// accounts are locked FOR UPDATE and their versions rechecked, so a stale
// posting surfaces as a VersionConflictError rather than lost history.
func (s *PostgresStore) CommitPosting(ctx context.Context, p *Posting) error {
	return s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM journal_entries WHERE id = $1 FOR UPDATE`, p.Entry.ID).Scan(&status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// First posting of this entry.
		case err != nil:
			return fmt.Errorf("entry lookup failed: %w", err)
		case ledger.EntryStatus(status) != ledger.StatusDraft:
			return &ledger.DuplicateEntryError{EntryID: p.Entry.ID}
		default:
			if _, err := tx.Exec(ctx, `DELETE FROM distributions WHERE entry_id = $1`, p.Entry.ID); err != nil {
				return fmt.Errorf("draft replace failed: %w", err)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM journal_entries WHERE id = $1`, p.Entry.ID); err != nil {
				return fmt.Errorf("draft replace failed: %w", err)
			}
		}

		if err := insertPgEntry(ctx, tx, p.Entry); err != nil {
			return err
		}
		for _, row := range p.Rows {
			_, err := tx.Exec(ctx,
				`INSERT INTO ledger_entries (id, entry_id, seq, account_id, account_type, flow_direction, amount, multiplier, debit_credit, balance_before, balance_after, description, posted_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
				row.ID, row.EntryID, row.Sequence, row.AccountID, string(row.AccountType), string(row.Flow),
				row.Amount.String(), row.Multiplier, string(row.DC),
				row.BalanceBefore.String(), row.BalanceAfter.String(), row.Description, row.PostedAt)
			if err != nil {
				return fmt.Errorf("ledger row insert failed: %w", err)
			}
		}
		for id, balance := range p.Balances {
			expected := p.Versions[id]
			tag, err := tx.Exec(ctx,
				`UPDATE accounts SET balance = $1, version = version + 1 WHERE id = $2 AND version = $3`,
				balance.String(), id, expected)
			if err != nil {
				return fmt.Errorf("balance update failed: %w", err)
			}
			if tag.RowsAffected() == 0 {
				var found int64
				if err := tx.QueryRow(ctx, `SELECT version FROM accounts WHERE id = $1`, id).Scan(&found); err != nil {
					return &ledger.AccountNotFoundError{AccountID: id}
				}
				return &ledger.VersionConflictError{AccountID: id, Expected: expected, Found: found}
			}
		}
		if p.Envelopes != nil {
			if err := applyPgEnvelopeBatch(ctx, tx, p.Envelopes); err != nil {
				return err
			}
		}
		if p.Reversed != nil {
			tag, err := tx.Exec(ctx, `UPDATE journal_entries SET status = $1 WHERE id = $2`,
				string(ledger.StatusReversed), p.Reversed.ID)
			if err != nil {
				return fmt.Errorf("reversal status update failed: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return &ledger.ImmutableHistoryError{EntryID: p.Reversed.ID, Operation: "reverse missing"}
			}
		}
		return nil
	})
}

func applyPgEnvelopeBatch(ctx context.Context, tx pgx.Tx, batch *envelope.Batch) error {
	for _, env := range batch.Budgets {
		tag, err := tx.Exec(ctx,
			`UPDATE budget_envelopes SET balance = $1, last_allocated_period = $2, version = version + 1 WHERE id = $3 AND version = $4`,
			env.Balance.String(), env.LastAllocatedPeriod, env.ID, env.Version)
		if err != nil {
			return fmt.Errorf("budget envelope update failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var found int64
			if err := tx.QueryRow(ctx, `SELECT version FROM budget_envelopes WHERE id = $1`, env.ID).Scan(&found); err != nil {
				return &envelope.EnvelopeNotFoundError{EnvelopeID: env.ID}
			}
			return &ledger.VersionConflictError{AccountID: env.ID, Expected: env.Version, Found: found}
		}
	}
	for _, env := range batch.Payments {
		tag, err := tx.Exec(ctx,
			`UPDATE payment_envelopes SET balance = $1, version = version + 1 WHERE id = $2 AND version = $3`,
			env.Balance.String(), env.ID, env.Version)
		if err != nil {
			return fmt.Errorf("payment envelope update failed: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var found int64
			if err := tx.QueryRow(ctx, `SELECT version FROM payment_envelopes WHERE id = $1`, env.ID).Scan(&found); err != nil {
				return &envelope.EnvelopeNotFoundError{EnvelopeID: env.ID}
			}
			return &ledger.VersionConflictError{AccountID: env.ID, Expected: env.Version, Found: found}
		}
	}
	for _, txn := range batch.Transactions {
		_, err := tx.Exec(ctx,
			`INSERT INTO envelope_transactions (id, envelope_id, envelope_type, kind, amount, balance_before, balance_after, entry_id, allocation_id, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			txn.ID, txn.EnvelopeID, string(txn.EnvelopeType), string(txn.Kind), txn.Amount.String(),
			txn.BalanceBefore.String(), txn.BalanceAfter.String(), txn.EntryID, txn.AllocationID, txn.OccurredAt)
		if err != nil {
			return fmt.Errorf("envelope transaction insert failed: %w", err)
		}
	}
	for _, alloc := range batch.Allocations {
		_, err := tx.Exec(ctx,
			`INSERT INTO budget_allocations (id, envelope_id, source_account_id, period_label, requested, applied, allocated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			alloc.ID, alloc.EnvelopeID, alloc.SourceAccountID, alloc.PeriodLabel,
			alloc.Requested.String(), alloc.Applied.String(), alloc.Date)
		if err != nil {
			return fmt.Errorf("allocation insert failed: %w", err)
		}
	}
	return nil
}

// LedgerEntries returns the posted history for one account in posting order.
func (s *PostgresStore) LedgerEntries(ctx context.Context, accountID string) ([]ledger.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entry_id, seq, account_id, account_type, flow_direction, amount, multiplier, debit_credit, balance_before, balance_after, description, posted_at
		 FROM ledger_entries WHERE account_id = $1 ORDER BY posted_at, seq`, accountID)
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
func (s *PostgresStore) SavePeriodSummary(ctx context.Context, b ledger.AccountBalance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_balances (account_id, period_label, opening, total_from, total_to, total_debits, total_credits, closing)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (account_id, period_label) DO UPDATE SET
			opening = EXCLUDED.opening, total_from = EXCLUDED.total_from, total_to = EXCLUDED.total_to,
			total_debits = EXCLUDED.total_debits, total_credits = EXCLUDED.total_credits, closing = EXCLUDED.closing`,
		b.AccountID, b.PeriodLabel, b.Opening.String(), b.TotalFrom.String(), b.TotalTo.String(),
		b.TotalDebits.String(), b.TotalCredits.String(), b.Closing.String())
	if err != nil {
		return fmt.Errorf("period summary upsert failed: %w", err)
	}
	return nil
}

// PeriodSummary returns the stored rollup for (account, period).
func (s *PostgresStore) PeriodSummary(ctx context.Context, accountID, periodLabel string) (*ledger.AccountBalance, error) {
	var b ledger.AccountBalance
	var opening, from, to, debits, credits, closing string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, period_label, opening, total_from, total_to, total_debits, total_credits, closing
		 FROM account_balances WHERE account_id = $1 AND period_label = $2`, accountID, periodLabel).
		Scan(&b.AccountID, &b.PeriodLabel, &opening, &from, &to, &debits, &credits, &closing)
	if errors.Is(err, pgx.ErrNoRows) {
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
func (s *PostgresStore) CreateBudgetEnvelope(ctx context.Context, env *envelope.BudgetEnvelope) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_envelopes (id, name, monthly_allocation, balance, rollover_policy, rollover_cap, is_active, last_allocated_period, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		env.ID, env.Name, env.MonthlyAllocation.String(), env.Balance.String(), string(env.Rollover),
		env.RolloverCap.String(), env.Active, env.LastAllocatedPeriod, env.Version, env.CreatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return &envelope.DuplicateEnvelopeError{EnvelopeID: env.ID}
		}
		return fmt.Errorf("budget envelope insert failed: %w", err)
	}
	return nil
}

// CreatePaymentEnvelope inserts a new payment envelope.
func (s *PostgresStore) CreatePaymentEnvelope(ctx context.Context, env *envelope.PaymentEnvelope) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO payment_envelopes (id, name, linked_account_id, balance, is_active, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		env.ID, env.Name, env.LinkedAccountID, env.Balance.String(), env.Active, env.Version, env.CreatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return &envelope.DuplicateEnvelopeError{EnvelopeID: env.ID}
		}
		return fmt.Errorf("payment envelope insert failed: %w", err)
	}
	return nil
}

const pgBudgetEnvelopeColumns = `id, name, monthly_allocation, balance, rollover_policy, rollover_cap, is_active, last_allocated_period, version, created_at`

func scanPgBudgetEnvelope(row pgx.Row) (*envelope.BudgetEnvelope, error) {
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
func (s *PostgresStore) BudgetEnvelope(ctx context.Context, id string) (*envelope.BudgetEnvelope, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgBudgetEnvelopeColumns+` FROM budget_envelopes WHERE id = $1`, id)
	env, err := scanPgBudgetEnvelope(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &envelope.EnvelopeNotFoundError{EnvelopeID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("budget envelope query failed: %w", err)
	}
	return env, nil
}

// BudgetEnvelopes returns all budget envelopes ordered by name.
func (s *PostgresStore) BudgetEnvelopes(ctx context.Context) ([]*envelope.BudgetEnvelope, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgBudgetEnvelopeColumns+` FROM budget_envelopes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("budget envelopes query failed: %w", err)
	}
	defer rows.Close()
	var out []*envelope.BudgetEnvelope
	for rows.Next() {
		env, err := scanPgBudgetEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

const pgPaymentEnvelopeColumns = `id, name, linked_account_id, balance, is_active, version, created_at`

func scanPgPaymentEnvelope(row pgx.Row) (*envelope.PaymentEnvelope, error) {
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
func (s *PostgresStore) PaymentEnvelope(ctx context.Context, id string) (*envelope.PaymentEnvelope, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgPaymentEnvelopeColumns+` FROM payment_envelopes WHERE id = $1`, id)
	env, err := scanPgPaymentEnvelope(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &envelope.EnvelopeNotFoundError{EnvelopeID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("payment envelope query failed: %w", err)
	}
	return env, nil
}

// PaymentEnvelopes returns all payment envelopes ordered by name.
func (s *PostgresStore) PaymentEnvelopes(ctx context.Context) ([]*envelope.PaymentEnvelope, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgPaymentEnvelopeColumns+` FROM payment_envelopes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("payment envelopes query failed: %w", err)
	}
	defer rows.Close()
	var out []*envelope.PaymentEnvelope
	for rows.Next() {
		env, err := scanPgPaymentEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// CommitBatch applies an envelope-only batch in one transaction.
func (s *PostgresStore) CommitBatch(ctx context.Context, batch *envelope.Batch) error {
	return s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return applyPgEnvelopeBatch(ctx, tx, batch)
	})
}

// Transactions returns the audit trail for one envelope in time order.
func (s *PostgresStore) Transactions(ctx context.Context, envelopeID string) ([]envelope.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, envelope_id, envelope_type, kind, amount, balance_before, balance_after, entry_id, allocation_id, occurred_at
		 FROM envelope_transactions WHERE envelope_id = $1 ORDER BY occurred_at`, envelopeID)
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

// SaveTemplate stores a recurring template as a JSONB document.
func (s *PostgresStore) SaveTemplate(ctx context.Context, t *recurring.Template) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("template marshal failed: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO recurring_templates (id, doc, version) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, version = EXCLUDED.version`,
		t.ID, doc, t.Version)
	if err != nil {
		return fmt.Errorf("template upsert failed: %w", err)
	}
	return nil
}

// Template returns the template with the given ID.
func (s *PostgresStore) Template(ctx context.Context, id string) (*recurring.Template, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM recurring_templates WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &recurring.TemplateNotFoundError{TemplateID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("template query failed: %w", err)
	}
	var t recurring.Template
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("template unmarshal failed: %w", err)
	}
	return &t, nil
}

// Templates returns all templates.
func (s *PostgresStore) Templates(ctx context.Context) ([]*recurring.Template, error) {
	rows, err := s.pool.Query(ctx, `SELECT doc FROM recurring_templates`)
	if err != nil {
		return nil, fmt.Errorf("templates query failed: %w", err)
	}
	defer rows.Close()
	var out []*recurring.Template
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t recurring.Template
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("template unmarshal failed: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// UpdateBookkeeping advances a template's generation cursor under an
// optimistic version check.
func (s *PostgresStore) UpdateBookkeeping(ctx context.Context, id string, expectedVersion int64, lastGenerated time.Time, totalGenerated int) error {
	return s.withSerializableTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var doc []byte
		var version int64
		err := tx.QueryRow(ctx, `SELECT doc, version FROM recurring_templates WHERE id = $1 FOR UPDATE`, id).Scan(&doc, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return &recurring.TemplateNotFoundError{TemplateID: id}
		}
		if err != nil {
			return fmt.Errorf("template query failed: %w", err)
		}
		if version != expectedVersion {
			return &ledger.VersionConflictError{AccountID: id, Expected: expectedVersion, Found: version}
		}
		var t recurring.Template
		if err := json.Unmarshal(doc, &t); err != nil {
			return fmt.Errorf("template unmarshal failed: %w", err)
		}
		t.LastGenerated = lastGenerated
		t.TotalGenerated = totalGenerated
		t.Version = version + 1
		updated, err := json.Marshal(&t)
		if err != nil {
			return fmt.Errorf("template marshal failed: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE recurring_templates SET doc = $1, version = $2 WHERE id = $3`,
			updated, t.Version, id); err != nil {
			return fmt.Errorf("template update failed: %w", err)
		}
		return nil
	})
}
