package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/ledger"
	"github.com/example/homeledger/internal/receipt"
	"github.com/example/homeledger/internal/recurring"
	"github.com/example/homeledger/pkg/audit"
)

// parseDate accepts RFC 3339 timestamps and bare dates.
func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

type createAccountRequest struct {
	AccountNumber     string `json:"account_number"`
	Name              string `json:"name"`
	AccountType       string `json:"account_type"`
	IsSystem          bool   `json:"is_system_account"`
	BudgetEnvelopeID  string `json:"budget_envelope_id"`
	PaymentEnvelopeID string `json:"payment_envelope_id"`
}

type accountResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Account       *ledger.Account `json:"account"`
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if !ledger.ValidAccountType(ledger.AccountType(req.AccountType)) {
			writeDomainError(w, r, &ledger.InvalidAccountTypeError{Type: ledger.AccountType(req.AccountType)})
			return
		}

		a := &ledger.Account{
			ID:                uuid.NewString(),
			Number:            req.AccountNumber,
			Name:              req.Name,
			Type:              ledger.AccountType(req.AccountType),
			BudgetEnvelopeID:  req.BudgetEnvelopeID,
			PaymentEnvelopeID: req.PaymentEnvelopeID,
			IsSystem:          req.IsSystem,
			Active:            true,
			Balance:           decimal.Zero,
			CreatedAt:         time.Now().UTC(),
		}
		if err := deps.Engine.Store().CreateAccount(r.Context(), a); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, accountResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Account:       a,
		})
	}
}

func handleListAccounts(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts, err := deps.Engine.Store().Accounts(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"correlation_id": CorrelationIDFromContext(r.Context()),
			"accounts":       accounts,
		})
	}
}

func handleGetAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Engine.Store().Account(r.Context(), chi.URLParam(r, "accountID"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Account:       a,
		})
	}
}

type updateAccountRequest struct {
	Name              *string `json:"name"`
	Active            *bool   `json:"is_active"`
	BudgetEnvelopeID  *string `json:"budget_envelope_id"`
	PaymentEnvelopeID *string `json:"payment_envelope_id"`
}

func handleUpdateAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		a, err := deps.Engine.Store().Account(r.Context(), chi.URLParam(r, "accountID"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if req.Active != nil && !*req.Active && a.IsSystem {
			writeDomainError(w, r, &ledger.ProtectedAccountError{AccountNumber: a.Number})
			return
		}
		if req.Name != nil {
			a.Name = *req.Name
		}
		if req.Active != nil {
			a.Active = *req.Active
		}
		if req.BudgetEnvelopeID != nil {
			a.BudgetEnvelopeID = *req.BudgetEnvelopeID
		}
		if req.PaymentEnvelopeID != nil {
			a.PaymentEnvelopeID = *req.PaymentEnvelopeID
		}
		if err := deps.Engine.Store().UpdateAccountMeta(r.Context(), a); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: CorrelationIDFromContext(r.Context()),
			Account:       a,
		})
	}
}

func handleAccountLedger(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")
		if _, err := deps.Engine.Store().Account(r.Context(), accountID); err != nil {
			writeDomainError(w, r, err)
			return
		}
		rows, err := deps.Engine.Store().LedgerEntries(r.Context(), accountID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"correlation_id": CorrelationIDFromContext(r.Context()),
			"account_id":     accountID,
			"entries":        rows,
		})
	}
}

func handleBankAccountView(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Engine.Store().Account(r.Context(), chi.URLParam(r, "accountID"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		view, err := deps.Envelopes.BankAccountView(r.Context(), a.ID, a.Balance, time.Now().UTC())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, view)
	}
}

func handlePeriodSummary(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := deps.Engine.Store().PeriodSummary(r.Context(), chi.URLParam(r, "accountID"), chi.URLParam(r, "period"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, b)
	}
}

type closePeriodRequest struct {
	PeriodLabel string `json:"period_label"`
}

func handleClosePeriod(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req closePeriodRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		b, err := deps.Engine.ClosePeriod(r.Context(), chi.URLParam(r, "accountID"), req.PeriodLabel)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, b)
	}
}

type entryLineRequest struct {
	AccountID string          `json:"account_id"`
	Flow      string          `json:"flow_direction"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo"`
}

type entryRequest struct {
	Date           string             `json:"entry_date"`
	Description    string             `json:"description"`
	CreatedBy      string             `json:"created_by"`
	AllowOverspend bool               `json:"allow_overspend"`
	Distributions  []entryLineRequest `json:"distributions"`
}

// buildEntry resolves each line's account to derive its type and envelope
// links, then assembles a draft journal entry.
func buildEntry(deps Dependencies, r *http.Request, req entryRequest) (*ledger.JournalEntry, error) {
	date, err := parseDate(req.Date)
	if err != nil {
		return nil, err
	}
	distributions := make([]ledger.Distribution, 0, len(req.Distributions))
	for _, line := range req.Distributions {
		a, err := deps.Engine.Store().Account(r.Context(), line.AccountID)
		if err != nil {
			return nil, err
		}
		d, err := ledger.NewDistribution(a.ID, a.Type, ledger.FlowDirection(line.Flow), line.Amount)
		if err != nil {
			return nil, err
		}
		d.BudgetEnvelopeID = a.BudgetEnvelopeID
		d.PaymentEnvelopeID = a.PaymentEnvelopeID
		d.Memo = line.Memo
		distributions = append(distributions, d)
	}
	entry := ledger.NewJournalEntry(date, req.Description, distributions...)
	entry.CreatedBy = req.CreatedBy
	entry.AllowOverspend = req.AllowOverspend
	return entry, nil
}

func handlePostEntry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		entry, err := buildEntry(deps, r, req)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		// Pre-flight budget check; the posting engine enforces the same
		// limit atomically against its snapshot.
		for _, d := range entry.Distributions {
			if d.BudgetEnvelopeID == "" || d.Flow != ledger.FlowTo {
				continue
			}
			if err := deps.Envelopes.ValidateExpense(r.Context(), d.BudgetEnvelopeID, d.Amount, entry.AllowOverspend); err != nil {
				writeDomainError(w, r, err)
				return
			}
		}
		result, err := deps.Engine.PostEntry(r.Context(), entry)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, result)
	}
}

func handlePostDraft(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Engine.PostDraft(r.Context(), chi.URLParam(r, "entryID"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, result)
	}
}

func handleGetEntry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := deps.Engine.Store().JournalEntry(r.Context(), chi.URLParam(r, "entryID"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, entry)
	}
}

type reverseEntryRequest struct {
	Date        string `json:"entry_date"`
	Description string `json:"description"`
}

func handleReverseEntry(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reverseEntryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		date, err := parseDate(req.Date)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_date")
			return
		}
		result, err := deps.Engine.ReverseEntry(r.Context(), chi.URLParam(r, "entryID"), date, req.Description)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, result)
	}
}

func handleSaveDraft(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req entryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		entry, err := buildEntry(deps, r, req)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if err := deps.Engine.SaveDraft(r.Context(), entry); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, entry)
	}
}

func handleDiscardDraft(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Engine.DiscardDraft(r.Context(), chi.URLParam(r, "entryID")); err != nil {
			writeDomainError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type createBudgetEnvelopeRequest struct {
	Name              string          `json:"name"`
	MonthlyAllocation decimal.Decimal `json:"monthly_allocation"`
	RolloverPolicy    string          `json:"rollover_policy"`
	RolloverCap       decimal.Decimal `json:"rollover_cap"`
}

func handleCreateBudgetEnvelope(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createBudgetEnvelopeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		env, err := envelope.NewBudgetEnvelope(req.Name, req.MonthlyAllocation, envelope.RolloverPolicy(req.RolloverPolicy), req.RolloverCap)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if err := deps.Engine.Store().CreateBudgetEnvelope(r.Context(), env); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, env)
	}
}

type createPaymentEnvelopeRequest struct {
	Name            string `json:"name"`
	LinkedAccountID string `json:"linked_account_id"`
}

func handleCreatePaymentEnvelope(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createPaymentEnvelopeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		env := envelope.NewPaymentEnvelope(req.Name, req.LinkedAccountID)
		if err := deps.Engine.Store().CreatePaymentEnvelope(r.Context(), env); err != nil {
			writeDomainError(w, r, err)
			return
		}
		if req.LinkedAccountID != "" {
			a, err := deps.Engine.Store().Account(r.Context(), req.LinkedAccountID)
			if err != nil {
				writeDomainError(w, r, err)
				return
			}
			a.PaymentEnvelopeID = env.ID
			if err := deps.Engine.Store().UpdateAccountMeta(r.Context(), a); err != nil {
				writeDomainError(w, r, err)
				return
			}
		}
		writeJSON(w, r, http.StatusCreated, env)
	}
}

func handleListEnvelopes(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		budgets, err := deps.Engine.Store().BudgetEnvelopes(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		payments, err := deps.Engine.Store().PaymentEnvelopes(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"correlation_id": CorrelationIDFromContext(r.Context()),
			"budget":         budgets,
			"payment":        payments,
		})
	}
}

func handleEnvelopeTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		envelopeID := chi.URLParam(r, "envelopeID")
		txns, err := deps.Engine.Store().Transactions(r.Context(), envelopeID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"envelope_id":  envelopeID,
			"transactions": txns,
		})
	}
}

func handleForecast(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env, err := deps.Engine.Store().BudgetEnvelope(r.Context(), chi.URLParam(r, "envelopeID"))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		target, err := parseDate(r.URL.Query().Get("target"))
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_date")
			return
		}
		projection := envelope.Forecast(env, target, nil, time.Now().UTC())
		writeJSON(w, r, http.StatusOK, projection)
	}
}

type applyAllocationsRequest struct {
	SourceAccountID string `json:"source_account_id"`
	Date            string `json:"date"`
}

func handleApplyAllocations(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req applyAllocationsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		date, err := parseDate(req.Date)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_date")
			return
		}
		source, err := deps.Engine.Store().Account(r.Context(), req.SourceAccountID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		allocations, txns, err := deps.Envelopes.ApplyMonthlyAllocations(r.Context(), source.ID, source.Balance, date, ledger.PeriodLabel(date))
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"period_label": ledger.PeriodLabel(date),
			"allocations":  allocations,
			"transactions": txns,
		})
	}
}

type templateLineRequest struct {
	AccountID string          `json:"account_id"`
	Flow      string          `json:"flow_direction"`
	Amount    decimal.Decimal `json:"amount"`
	Memo      string          `json:"memo"`
}

type createTemplateRequest struct {
	Name                string                `json:"name"`
	Description         string                `json:"description"`
	Lines               []templateLineRequest `json:"lines"`
	Frequency           string                `json:"frequency"`
	Interval            int                   `json:"interval"`
	DaysOfMonth         []int                 `json:"day_of_month"`
	DaysOfWeek          []int                 `json:"day_of_week"`
	MonthsOfYear        []int                 `json:"month_of_year"`
	StartDate           string                `json:"start_date"`
	EndDate             string                `json:"end_date"`
	EndAfterOccurrences int                   `json:"end_after_occurrences"`
	AllowOverspend      bool                  `json:"allow_overspend"`
}

func handleCreateTemplate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTemplateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		start, err := parseDate(req.StartDate)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_date")
			return
		}
		var end time.Time
		if req.EndDate != "" {
			if end, err = parseDate(req.EndDate); err != nil {
				writeJSONError(w, r, http.StatusBadRequest, "invalid_date")
				return
			}
		}

		lines := make([]recurring.LineSpec, 0, len(req.Lines))
		for _, line := range req.Lines {
			a, err := deps.Engine.Store().Account(r.Context(), line.AccountID)
			if err != nil {
				writeDomainError(w, r, err)
				return
			}
			lines = append(lines, recurring.LineSpec{
				AccountID:         a.ID,
				AccountType:       a.Type,
				Flow:              ledger.FlowDirection(line.Flow),
				Amount:            line.Amount,
				BudgetEnvelopeID:  a.BudgetEnvelopeID,
				PaymentEnvelopeID: a.PaymentEnvelopeID,
				Memo:              line.Memo,
			})
		}

		t, err := recurring.NewTemplate(req.Name, req.Description, lines, recurring.Frequency(req.Frequency), req.Interval, start, end)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		t.DaysOfMonth = req.DaysOfMonth
		for _, d := range req.DaysOfWeek {
			t.DaysOfWeek = append(t.DaysOfWeek, time.Weekday(d))
		}
		for _, m := range req.MonthsOfYear {
			t.MonthsOfYear = append(t.MonthsOfYear, time.Month(m))
		}
		t.EndAfterOccurrences = req.EndAfterOccurrences
		t.AllowOverspend = req.AllowOverspend

		if err := deps.Engine.Store().SaveTemplate(r.Context(), t); err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, t)
	}
}

func handleListTemplates(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		templates, err := deps.Engine.Store().Templates(r.Context())
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{
			"correlation_id": CorrelationIDFromContext(r.Context()),
			"templates":      templates,
		})
	}
}

type materializeRequest struct {
	WindowStart string `json:"window_start"`
	WindowEnd   string `json:"window_end"`
}

func (req materializeRequest) window() (time.Time, time.Time, error) {
	start, err := parseDate(req.WindowStart)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parseDate(req.WindowEnd)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func handleMaterialize(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req materializeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		start, end, err := req.window()
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_date")
			return
		}
		result, err := deps.Recurring.Materialize(r.Context(), chi.URLParam(r, "templateID"), start, end)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, result)
	}
}

func handleMaterializeAll(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req materializeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		start, end, err := req.window()
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_date")
			return
		}
		results, err := deps.Recurring.MaterializeAll(r.Context(), start, end)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{"results": results})
	}
}

func handlePostReceipt(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Receipts == nil {
			writeJSONError(w, r, http.StatusServiceUnavailable, "receipts_unavailable")
			return
		}
		var x receipt.Extraction
		if err := json.NewDecoder(r.Body).Decode(&x); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		entry, err := deps.Receipts.JournalEntry(r.Context(), x)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		result, err := deps.Engine.PostEntry(r.Context(), entry)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, result)
	}
}

func handleAuditRecords(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Auditor == nil {
			writeJSONError(w, r, http.StatusServiceUnavailable, "audit_unavailable")
			return
		}
		writeJSON(w, r, http.StatusOK, map[string]any{"records": deps.Auditor.Records()})
	}
}

func handleAuditVerify(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Auditor == nil {
			writeJSONError(w, r, http.StatusServiceUnavailable, "audit_unavailable")
			return
		}
		records := deps.Auditor.Records()
		writeJSON(w, r, http.StatusOK, map[string]any{
			"records": len(records),
			"valid":   audit.VerifyChain(records),
		})
	}
}
