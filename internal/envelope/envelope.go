package envelope

import (
	"time"

	"github.com/shopspring/decimal"
)

// RolloverPolicy governs how an unused budget envelope balance carries into
// the next period.
type RolloverPolicy string

const (
	// RolloverReset discards the old balance and starts the period at the
	// monthly allocation.
	RolloverReset RolloverPolicy = "reset"
	// RolloverAccumulate adds the monthly allocation on top of whatever is
	// left, unconditionally.
	RolloverAccumulate RolloverPolicy = "accumulate"
	// RolloverCap accumulates but clamps the resulting balance to the cap,
	// crediting only the delta actually applied.
	RolloverCap RolloverPolicy = "cap"
)

// ValidRolloverPolicy reports whether p is a recognized policy.
func ValidRolloverPolicy(p RolloverPolicy) bool {
	switch p {
	case RolloverReset, RolloverAccumulate, RolloverCap:
		return true
	}
	return false
}

// BudgetEnvelope is a virtual accumulator tracking category spending against
// a monthly allocation. It never represents actual cash location. A negative
// balance means the category is overspent; overspend is tracked, never
// clamped.
type BudgetEnvelope struct {
	ID                  string          `json:"envelope_id"`
	Name                string          `json:"name"`
	MonthlyAllocation   decimal.Decimal `json:"monthly_allocation"`
	Balance             decimal.Decimal `json:"current_balance"`
	Rollover            RolloverPolicy  `json:"rollover_policy"`
	RolloverCap         decimal.Decimal `json:"rollover_cap,omitempty"`
	Active              bool            `json:"is_active"`
	LastAllocatedPeriod string          `json:"last_allocated_period,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
}

// PaymentEnvelope reserves money for paying down a linked liability account.
// The reserve grows when the liability is charged and shrinks when it is paid
// or credited.
type PaymentEnvelope struct {
	ID              string          `json:"envelope_id"`
	Name            string          `json:"name"`
	LinkedAccountID string          `json:"linked_account_id"`
	Balance         decimal.Decimal `json:"current_balance"`
	Active          bool            `json:"is_active"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Kind classifies an envelope balance change.
type Kind string

const (
	KindExpense    Kind = "expense"
	KindRefund     Kind = "refund"
	KindCharge     Kind = "charge"
	KindPayment    Kind = "payment"
	KindAllocation Kind = "allocation"
)

// EnvelopeType distinguishes the two envelope flavors in audit records and
// events.
type EnvelopeType string

const (
	TypeBudget  EnvelopeType = "budget"
	TypePayment EnvelopeType = "payment"
)

// Transaction is an immutable audit record of one envelope balance change,
// linked to the journal entry or allocation that triggered it.
type Transaction struct {
	ID            string          `json:"id"`
	EnvelopeID    string          `json:"envelope_id"`
	EnvelopeType  EnvelopeType    `json:"envelope_type"`
	Kind          Kind            `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	EntryID       string          `json:"entry_id,omitempty"`
	AllocationID  string          `json:"allocation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Allocation records one monthly budget allocation event. Applied may be
// smaller than Requested under the cap policy.
type Allocation struct {
	ID              string          `json:"id"`
	EnvelopeID      string          `json:"envelope_id"`
	SourceAccountID string          `json:"source_account_id"`
	PeriodLabel     string          `json:"period_label"`
	Requested       decimal.Decimal `json:"requested"`
	Applied         decimal.Decimal `json:"applied"`
	Date            time.Time       `json:"date"`
}
