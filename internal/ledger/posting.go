package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Post validates the entry and computes its ledger rows against the supplied
// running balances. It is all-or-nothing: on any error the input balances are
// untouched and no rows are produced. On success the entry's status becomes
// posted and the returned map holds the refreshed balance for every account
// the entry touched.
//
// Post is pure computation; durable persistence of the rows and balances is
// the store's concern and happens in a single atomic unit together with any
// envelope side effects.
func Post(entry *JournalEntry, balances map[string]decimal.Decimal) ([]LedgerEntry, map[string]decimal.Decimal, error) {
	if entry.Status != StatusDraft && entry.Status != StatusPending {
		return nil, nil, &InvalidStateTransitionError{EntryID: entry.ID, From: entry.Status, To: StatusPosted}
	}
	if err := entry.Validate(); err != nil {
		return nil, nil, err
	}

	updated := make(map[string]decimal.Decimal, len(balances))
	for id, b := range balances {
		updated[id] = b
	}

	postedAt := time.Now().UTC()
	rows := make([]LedgerEntry, 0, len(entry.Distributions))
	for i, d := range entry.Distributions {
		before := updated[d.AccountID]
		after := before.Add(BalanceImpact(d))
		rows = append(rows, LedgerEntry{
			ID:            uuid.NewString(),
			EntryID:       entry.ID,
			Sequence:      i,
			AccountID:     d.AccountID,
			AccountType:   d.AccountType,
			Flow:          d.Flow,
			Amount:        d.Amount,
			Multiplier:    d.Multiplier,
			DC:            d.DC,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   entry.Description,
			PostedAt:      postedAt,
		})
		updated[d.AccountID] = after
	}

	if err := entry.Transition(StatusPosted); err != nil {
		return nil, nil, err
	}
	return rows, updated, nil
}
