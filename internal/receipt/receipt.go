package receipt

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/ledger"
)

// LineItem is one extracted receipt line.
type LineItem struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
}

// Extraction is the structured record produced by the external receipt
// extraction collaborator. It is input only; this package never calls the
// vision service itself.
type Extraction struct {
	Vendor        string          `json:"vendor"`
	Date          time.Time       `json:"date"`
	LineItems     []LineItem      `json:"line_items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod string          `json:"payment_method"`
}

// ExtractionMismatchError is returned when the extracted totals do not
// reconcile, which would otherwise surface later as an unbalanced entry.
type ExtractionMismatchError struct {
	Vendor   string
	Field    string
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *ExtractionMismatchError) Error() string {
	return fmt.Sprintf("receipt from %s does not reconcile: %s expected %s, got %s",
		e.Vendor, e.Field, e.Expected.StringFixed(2), e.Actual.StringFixed(2))
}

// UnmappedCategoryError is returned when a receipt category has no account
// mapping and no default expense account is configured.
type UnmappedCategoryError struct {
	Category string
}

func (e *UnmappedCategoryError) Error() string {
	return fmt.Sprintf("no expense account mapped for receipt category %q", e.Category)
}

// UnmappedPaymentMethodError is returned when the payment method has no
// funding account mapping.
type UnmappedPaymentMethodError struct {
	PaymentMethod string
}

func (e *UnmappedPaymentMethodError) Error() string {
	return fmt.Sprintf("no funding account mapped for payment method %q", e.PaymentMethod)
}

// AccountLookup resolves chart accounts by number at mapping time, so
// accounts created after the mapper are visible to it.
type AccountLookup interface {
	AccountByNumber(ctx context.Context, number string) (*ledger.Account, error)
}

// Mapper turns extraction records into balanced journal entries against the
// chart of accounts.
type Mapper struct {
	accounts         AccountLookup
	categoryAccounts map[string]string // category -> expense account number
	paymentAccounts  map[string]string // payment method -> funding account number
	taxAccount       string            // account number for sales tax expense
	defaultExpense   string            // fallback expense account number
}

// NewMapper creates a mapper resolving accounts through the lookup.
func NewMapper(accounts AccountLookup) *Mapper {
	return &Mapper{
		accounts:         accounts,
		categoryAccounts: make(map[string]string),
		paymentAccounts:  make(map[string]string),
	}
}

// MapCategory routes a receipt category to an expense account number.
func (m *Mapper) MapCategory(category, accountNumber string) { m.categoryAccounts[category] = accountNumber }

// MapPaymentMethod routes a payment method to a funding account number.
func (m *Mapper) MapPaymentMethod(method, accountNumber string) { m.paymentAccounts[method] = accountNumber }

// SetTaxAccount sets the expense account receiving the tax line.
func (m *Mapper) SetTaxAccount(accountNumber string) { m.taxAccount = accountNumber }

// SetDefaultExpense sets the fallback for unmapped categories.
func (m *Mapper) SetDefaultExpense(accountNumber string) { m.defaultExpense = accountNumber }

// JournalEntry builds one balanced draft entry from the extraction: a
// To-flow distribution per line item (plus tax) and a single From-flow
// funding distribution for the payment method. Envelope links follow the
// accounts' chart configuration.
func (m *Mapper) JournalEntry(ctx context.Context, x Extraction) (*ledger.JournalEntry, error) {
	if err := m.validate(x); err != nil {
		return nil, err
	}

	entry := ledger.NewJournalEntry(x.Date, fmt.Sprintf("Receipt: %s", x.Vendor))

	for _, item := range x.LineItems {
		account, err := m.expenseAccount(ctx, item.Category)
		if err != nil {
			return nil, err
		}
		d, err := ledger.NewDistribution(account.ID, account.Type, ledger.FlowTo, item.Amount)
		if err != nil {
			return nil, err
		}
		d.BudgetEnvelopeID = account.BudgetEnvelopeID
		d.Memo = item.Description
		entry.Distributions = append(entry.Distributions, d)
	}

	if x.TaxAmount.IsPositive() {
		number := m.taxAccount
		if number == "" {
			number = m.defaultExpense
		}
		account, err := m.accounts.AccountByNumber(ctx, number)
		if err != nil {
			return nil, err
		}
		d, err := ledger.NewDistribution(account.ID, account.Type, ledger.FlowTo, x.TaxAmount)
		if err != nil {
			return nil, err
		}
		d.BudgetEnvelopeID = account.BudgetEnvelopeID
		d.Memo = "sales tax"
		entry.Distributions = append(entry.Distributions, d)
	}

	number, ok := m.paymentAccounts[x.PaymentMethod]
	if !ok {
		return nil, &UnmappedPaymentMethodError{PaymentMethod: x.PaymentMethod}
	}
	funding, err := m.accounts.AccountByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	d, err := ledger.NewDistribution(funding.ID, funding.Type, ledger.FlowFrom, x.TotalAmount)
	if err != nil {
		return nil, err
	}
	d.PaymentEnvelopeID = funding.PaymentEnvelopeID
	d.Memo = x.PaymentMethod
	entry.Distributions = append(entry.Distributions, d)

	return entry, nil
}

func (m *Mapper) validate(x Extraction) error {
	itemTotal := decimal.Zero
	for _, item := range x.LineItems {
		itemTotal = itemTotal.Add(item.Amount)
	}
	if itemTotal.Sub(x.Subtotal).Abs().GreaterThanOrEqual(ledger.Epsilon) {
		return &ExtractionMismatchError{Vendor: x.Vendor, Field: "subtotal", Expected: x.Subtotal, Actual: itemTotal}
	}
	sum := x.Subtotal.Add(x.TaxAmount)
	if sum.Sub(x.TotalAmount).Abs().GreaterThanOrEqual(ledger.Epsilon) {
		return &ExtractionMismatchError{Vendor: x.Vendor, Field: "total_amount", Expected: x.TotalAmount, Actual: sum}
	}
	return nil
}

func (m *Mapper) expenseAccount(ctx context.Context, category string) (*ledger.Account, error) {
	number, ok := m.categoryAccounts[category]
	if !ok {
		number = m.defaultExpense
	}
	if number == "" {
		return nil, &UnmappedCategoryError{Category: category}
	}
	return m.accounts.AccountByNumber(ctx, number)
}
