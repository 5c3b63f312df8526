package envelope

import (
	"time"

	"github.com/shopspring/decimal"
)

// Projection is the result of a pure envelope balance forecast.
type Projection struct {
	EnvelopeID       string          `json:"envelope_id"`
	TargetDate       time.Time       `json:"target_date"`
	Periods          int             `json:"allocation_periods"`
	ScheduledTotal   decimal.Decimal `json:"scheduled_total"`
	ProjectedBalance decimal.Decimal `json:"projected_balance"`
}

// Forecast projects the envelope balance at the target date: the current
// balance, plus one allocation per month boundary crossed between now and
// the target under the envelope's rollover policy, minus the given scheduled
// expense amounts. It never mutates the envelope.
func Forecast(env *BudgetEnvelope, targetDate time.Time, scheduledExpenses []decimal.Decimal, now time.Time) Projection {
	periods := allocationPeriods(now, targetDate)

	balance := env.Balance
	for i := 0; i < periods; i++ {
		switch env.Rollover {
		case RolloverReset:
			balance = env.MonthlyAllocation
		case RolloverAccumulate:
			balance = balance.Add(env.MonthlyAllocation)
		case RolloverCap:
			balance = balance.Add(env.MonthlyAllocation)
			if balance.GreaterThan(env.RolloverCap) {
				balance = env.RolloverCap
			}
		}
	}

	scheduled := decimal.Zero
	for _, amt := range scheduledExpenses {
		scheduled = scheduled.Add(amt)
	}

	return Projection{
		EnvelopeID:       env.ID,
		TargetDate:       targetDate,
		Periods:          periods,
		ScheduledTotal:   scheduled,
		ProjectedBalance: balance.Sub(scheduled),
	}
}

// allocationPeriods counts the month boundaries crossed between now and the
// target date. A target in the past yields zero.
func allocationPeriods(now, target time.Time) int {
	if !target.After(now) {
		return 0
	}
	months := (target.Year()-now.Year())*12 + int(target.Month()) - int(now.Month())
	if months < 0 {
		return 0
	}
	return months
}
