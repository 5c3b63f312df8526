package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// NewDistribution builds a distribution for the given account, deriving the
// multiplier and debit/credit indicator. It never trusts caller-supplied
// values for the derived fields.
func NewDistribution(accountID string, accountType AccountType, flow FlowDirection, amount decimal.Decimal) (Distribution, error) {
	d := Distribution{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		AccountType: accountType,
		Flow:        flow,
		Amount:      amount,
	}
	d.Multiplier = Multiplier(accountType, flow)
	d.DC = DebitCreditFor(accountType, d.Multiplier)
	if err := d.Validate(); err != nil {
		return Distribution{}, err
	}
	return d, nil
}

// Validate checks the amount and re-derives the multiplier and debit/credit
// indicator. A stored value that disagrees with the derivation is rejected as
// corruption rather than repaired.
func (d Distribution) Validate() error {
	if !ValidAccountType(d.AccountType) {
		return &CorruptDistributionError{AccountID: d.AccountID, Field: "account_type", Stored: string(d.AccountType)}
	}
	if d.Flow != FlowFrom && d.Flow != FlowTo {
		return &CorruptDistributionError{AccountID: d.AccountID, Field: "flow_direction", Stored: string(d.Flow)}
	}
	if !d.Amount.IsPositive() {
		return &InvalidAmountError{AccountID: d.AccountID, Amount: d.Amount}
	}
	if want := Multiplier(d.AccountType, d.Flow); d.Multiplier != want {
		return &CorruptDistributionError{
			AccountID: d.AccountID,
			Field:     "multiplier",
			Stored:    decimal.NewFromInt(int64(d.Multiplier)).String(),
			Derived:   decimal.NewFromInt(int64(want)).String(),
		}
	}
	if want := DebitCreditFor(d.AccountType, d.Multiplier); d.DC != want {
		return &CorruptDistributionError{
			AccountID: d.AccountID,
			Field:     "debit_credit",
			Stored:    string(d.DC),
			Derived:   string(want),
		}
	}
	return nil
}

// NewJournalEntry creates a draft entry. Balance is not enforced here: a
// draft may be built up line by line and is only checked when it is posted.
func NewJournalEntry(date time.Time, description string, distributions ...Distribution) *JournalEntry {
	return &JournalEntry{
		ID:            uuid.NewString(),
		Date:          date,
		Description:   description,
		Status:        StatusDraft,
		Distributions: distributions,
		CreatedAt:     time.Now().UTC(),
	}
}

// allowedTransitions defines the journal entry lifecycle. There is no edge
// back to draft once posted; a posted entry can only become reversed, and
// only through a new reversing entry.
var allowedTransitions = map[EntryStatus][]EntryStatus{
	StatusDraft:    {StatusPending, StatusPosted, StatusVoid},
	StatusPending:  {StatusPosted, StatusVoid},
	StatusPosted:   {StatusReversed},
	StatusVoid:     {},
	StatusReversed: {},
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another.
func CanTransition(from, to EntryStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the entry to the target status, or fails with
// InvalidStateTransitionError leaving the entry unchanged.
func (e *JournalEntry) Transition(to EntryStatus) error {
	if !CanTransition(e.Status, to) {
		return &InvalidStateTransitionError{EntryID: e.ID, From: e.Status, To: to}
	}
	e.Status = to
	return nil
}

// FromTotal sums the amounts of all From-flow distributions.
func (e *JournalEntry) FromTotal() decimal.Decimal {
	total := decimal.Zero
	for _, d := range e.Distributions {
		if d.Flow == FlowFrom {
			total = total.Add(d.Amount)
		}
	}
	return total
}

// ToTotal sums the amounts of all To-flow distributions.
func (e *JournalEntry) ToTotal() decimal.Decimal {
	total := decimal.Zero
	for _, d := range e.Distributions {
		if d.Flow == FlowTo {
			total = total.Add(d.Amount)
		}
	}
	return total
}

// IsBalanced reports whether From and To totals agree within one minor
// currency unit.
func (e *JournalEntry) IsBalanced() bool {
	return e.FromTotal().Sub(e.ToTotal()).Abs().LessThan(Epsilon)
}

// Validate runs the checks required before an entry may be posted.
func (e *JournalEntry) Validate() error {
	if len(e.Distributions) < 2 {
		return &InsufficientDistributionsError{EntryID: e.ID, Count: len(e.Distributions)}
	}
	for _, d := range e.Distributions {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	if !e.IsBalanced() {
		return &UnbalancedEntryError{EntryID: e.ID, FromTotal: e.FromTotal(), ToTotal: e.ToTotal()}
	}
	return nil
}

// NewReversingEntry builds the mirror image of a posted entry: same accounts
// and amounts with every flow direction swapped, referencing the original.
// The original is never mutated beyond its status; amounts in history stay
// exactly as they were recorded.
func NewReversingEntry(original *JournalEntry, date time.Time, description string) (*JournalEntry, error) {
	if original.Status != StatusPosted {
		return nil, &InvalidStateTransitionError{EntryID: original.ID, From: original.Status, To: StatusReversed}
	}
	rev := &JournalEntry{
		ID:          uuid.NewString(),
		Date:        date,
		Description: description,
		Status:      StatusDraft,
		ReversalOf:  original.ID,
		// A reversal restores history and must never be blocked by an
		// envelope limit.
		AllowOverspend: true,
		CreatedAt:      time.Now().UTC(),
	}
	for _, d := range original.Distributions {
		flow := FlowFrom
		if d.Flow == FlowFrom {
			flow = FlowTo
		}
		mirror, err := NewDistribution(d.AccountID, d.AccountType, flow, d.Amount)
		if err != nil {
			return nil, err
		}
		mirror.BudgetEnvelopeID = d.BudgetEnvelopeID
		mirror.PaymentEnvelopeID = d.PaymentEnvelopeID
		rev.Distributions = append(rev.Distributions, mirror)
	}
	return rev, nil
}
