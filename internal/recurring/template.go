package recurring

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/ledger"
)

// Frequency is the recurrence cadence of a template.
type Frequency string

const (
	Daily        Frequency = "daily"
	Weekly       Frequency = "weekly"
	Biweekly     Frequency = "biweekly"
	Monthly      Frequency = "monthly"
	Quarterly    Frequency = "quarterly"
	Semiannually Frequency = "semiannually"
	Annually     Frequency = "annually"
)

// monthsFor returns the calendar-month step for month-based frequencies.
func monthsFor(f Frequency) (int, bool) {
	switch f {
	case Monthly:
		return 1, true
	case Quarterly:
		return 3, true
	case Semiannually:
		return 6, true
	}
	return 0, false
}

// SupportedFrequency reports whether f is one of the recognized cadences.
func SupportedFrequency(f Frequency) bool {
	switch f {
	case Daily, Weekly, Biweekly, Monthly, Quarterly, Semiannually, Annually:
		return true
	}
	return false
}

// UnsupportedFrequencyError is returned for an unrecognized frequency.
type UnsupportedFrequencyError struct {
	Frequency Frequency
}

func (e *UnsupportedFrequencyError) Error() string {
	return fmt.Sprintf("unsupported recurrence frequency %q", string(e.Frequency))
}

// InvalidRecurrenceRangeError is returned at construction when the template's
// end date precedes its start date.
type InvalidRecurrenceRangeError struct {
	StartDate time.Time
	EndDate   time.Time
}

func (e *InvalidRecurrenceRangeError) Error() string {
	return fmt.Sprintf("recurrence end date %s precedes start date %s",
		e.EndDate.Format("2006-01-02"), e.StartDate.Format("2006-01-02"))
}

// TemplateNotFoundError is returned when a template lookup misses.
type TemplateNotFoundError struct {
	TemplateID string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("recurring template %s not found", e.TemplateID)
}

// LineSpec is a distribution template: the same fields as a distribution
// minus everything date-specific. Multiplier and debit/credit are never
// stored; they are derived fresh at materialization time.
type LineSpec struct {
	AccountID         string               `json:"account_id"`
	AccountType       ledger.AccountType   `json:"account_type"`
	Flow              ledger.FlowDirection `json:"flow_direction"`
	Amount            decimal.Decimal      `json:"amount"`
	BudgetEnvelopeID  string               `json:"budget_envelope_id,omitempty"`
	PaymentEnvelopeID string               `json:"payment_envelope_id,omitempty"`
	Memo              string               `json:"memo,omitempty"`
}

// Template is a recurring journal entry: distribution specs plus a
// recurrence rule and generation bookkeeping. The day/weekday/month fields
// are arrays so a single template can fire, say, on the 1st and the 15th.
type Template struct {
	ID                  string         `json:"template_id"`
	Name                string         `json:"name"`
	Description         string         `json:"description"`
	Lines               []LineSpec     `json:"lines"`
	Frequency           Frequency      `json:"frequency"`
	Interval            int            `json:"interval"`
	DaysOfMonth         []int          `json:"day_of_month,omitempty"`
	DaysOfWeek          []time.Weekday `json:"day_of_week,omitempty"`
	MonthsOfYear        []time.Month   `json:"month_of_year,omitempty"`
	StartDate           time.Time      `json:"start_date"`
	EndDate             time.Time      `json:"end_date,omitempty"`
	EndAfterOccurrences int            `json:"end_after_occurrences,omitempty"`
	LastGenerated       time.Time      `json:"last_generated_date,omitempty"`
	TotalGenerated      int            `json:"total_generated"`
	AllowOverspend      bool           `json:"allow_overspend,omitempty"`
	Active              bool           `json:"is_active"`
	Version             int64          `json:"version"`
	CreatedAt           time.Time      `json:"created_at"`
}

// NewTemplate validates and builds a recurrence template. The interval
// defaults to 1 when zero.
func NewTemplate(name, description string, lines []LineSpec, frequency Frequency, interval int, startDate, endDate time.Time) (*Template, error) {
	if !SupportedFrequency(frequency) {
		return nil, &UnsupportedFrequencyError{Frequency: frequency}
	}
	if interval == 0 {
		interval = 1
	}
	if interval < 0 {
		return nil, fmt.Errorf("recurrence interval must be positive, got %d", interval)
	}
	if !endDate.IsZero() && endDate.Before(startDate) {
		return nil, &InvalidRecurrenceRangeError{StartDate: startDate, EndDate: endDate}
	}
	return &Template{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Lines:       lines,
		Frequency:   frequency,
		Interval:    interval,
		StartDate:   midnightUTC(startDate),
		EndDate:     midnightUTC(endDate),
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func midnightUTC(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
