package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/homeledger/internal/engine"
	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/ledger"
	"github.com/example/homeledger/internal/receipt"
	"github.com/example/homeledger/internal/recurring"
	"github.com/example/homeledger/pkg/audit"
)

type testServer struct {
	handler  http.Handler
	store    *engine.MemoryStore
	auditor  *audit.ChainLogger
	checking *ledger.Account
	expense  *ledger.Account
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	store := engine.NewMemoryStore()

	checking := &ledger.Account{
		ID:        uuid.NewString(),
		Number:    "1100",
		Name:      "Checking",
		Type:      ledger.AccountTypeAsset,
		Active:    true,
		Balance:   decimal.NewFromInt(1000),
		CreatedAt: time.Now().UTC(),
	}
	expense := &ledger.Account{
		ID:        uuid.NewString(),
		Number:    "5100",
		Name:      "Groceries",
		Type:      ledger.AccountTypeExpense,
		Active:    true,
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateAccount(ctx, checking))
	require.NoError(t, store.CreateAccount(ctx, expense))

	eng := engine.New(store, nil, nil)
	auditor := audit.NewChainLogger()

	mapper := receipt.NewMapper(store)
	mapper.MapCategory("groceries", "5100")
	mapper.MapPaymentMethod("cash", "1100")

	deps := Dependencies{
		Engine:    eng,
		Envelopes: envelope.NewService(store, nil),
		Recurring: recurring.NewService(store, recurring.PosterFuncs{
			Post: func(ctx context.Context, e *ledger.JournalEntry) error {
				_, err := eng.PostEntry(ctx, e)
				return err
			},
			Draft:  eng.SaveDraft,
			Drafts: store.DraftsForTemplate,
		}, nil),
		Receipts: mapper,
		Auditor:  auditor,
	}
	return &testServer{
		handler:  NewRouter(deps),
		store:    store,
		auditor:  auditor,
		checking: checking,
		expense:  expense,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) entryBody(amount string) map[string]any {
	return map[string]any{
		"entry_date":  "2024-03-10",
		"description": "groceries",
		"distributions": []map[string]any{
			{"account_id": s.expense.ID, "flow_direction": "to", "amount": amount},
			{"account_id": s.checking.ID, "flow_direction": "from", "amount": amount},
		},
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAccount(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/accounts", map[string]any{
		"account_number": "2100",
		"name":           "Visa Card",
		"account_type":   "liability",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp accountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Account)
	assert.Equal(t, "2100", resp.Account.Number)
	assert.True(t, resp.Account.Active)
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestCreateAccountRejectsBadType(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/accounts", map[string]any{
		"account_number": "9999",
		"name":           "Mystery",
		"account_type":   "goodwill",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCreateAccountDuplicateNumber(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/accounts", map[string]any{
		"account_number": "1100",
		"name":           "Checking Again",
		"account_type":   "asset",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostEntry(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/entries", s.entryBody("120"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result engine.PostingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, ledger.StatusPosted, result.Entry.Status)
	assert.Len(t, result.LedgerRows, 2)

	stored, err := s.store.Account(context.Background(), s.checking.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(880)))
}

func TestPostEntryUnbalanced(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{
		"entry_date":  "2024-03-10",
		"description": "broken",
		"distributions": []map[string]any{
			{"account_id": s.expense.ID, "flow_direction": "to", "amount": "100"},
			{"account_id": s.checking.ID, "flow_direction": "from", "amount": "90"},
		},
	}
	rec := s.do(t, http.MethodPost, "/v1/entries", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unbalanced_entry", resp.Error)
}

func TestPostEntryUnknownAccount(t *testing.T) {
	s := newTestServer(t)
	body := map[string]any{
		"entry_date":  "2024-03-10",
		"description": "ghost",
		"distributions": []map[string]any{
			{"account_id": "missing", "flow_direction": "to", "amount": "10"},
			{"account_id": s.checking.ID, "flow_direction": "from", "amount": "10"},
		},
	}
	rec := s.do(t, http.MethodPost, "/v1/entries", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReverseEntryRoundTrip(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/entries", s.entryBody("300"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var posted engine.PostingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &posted))

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v1/entries/%s/reverse", posted.Entry.ID), map[string]any{
		"entry_date":  "2024-03-11",
		"description": "undo groceries",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	stored, err := s.store.Account(context.Background(), s.checking.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(1000)))
}

func TestDraftLifecycle(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/entries/drafts", s.entryBody("75"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var draft ledger.JournalEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &draft))
	assert.Equal(t, ledger.StatusDraft, draft.Status)

	rec = s.do(t, http.MethodDelete, "/v1/entries/drafts/"+draft.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPostDraftRoute(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/entries/drafts", s.entryBody("75"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var draft ledger.JournalEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &draft))

	rec = s.do(t, http.MethodPost, "/v1/entries/"+draft.ID+"/post", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result engine.PostingResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, ledger.StatusPosted, result.Entry.Status)

	stored, err := s.store.Account(context.Background(), s.checking.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(925)))

	// A posted entry cannot be posted again.
	rec = s.do(t, http.MethodPost, "/v1/entries/"+draft.ID+"/post", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPostReceipt(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/receipts", map[string]any{
		"vendor": "Corner Market",
		"date":   "2024-03-10T00:00:00Z",
		"line_items": []map[string]any{
			{"description": "Produce", "amount": "20", "category": "groceries"},
		},
		"subtotal":       "20",
		"total_amount":   "20",
		"payment_method": "cash",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	stored, err := s.store.Account(context.Background(), s.checking.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(980)))
}

func TestPostEntryBudgetExceeded(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	env := &envelope.BudgetEnvelope{
		ID:                "env-groceries",
		Name:              "Groceries",
		MonthlyAllocation: decimal.NewFromInt(400),
		Balance:           decimal.NewFromInt(30),
		Rollover:          envelope.RolloverAccumulate,
		Active:            true,
	}
	require.NoError(t, s.store.CreateBudgetEnvelope(ctx, env))
	s.expense.BudgetEnvelopeID = env.ID
	require.NoError(t, s.store.UpdateAccountMeta(ctx, s.expense))

	rec := s.do(t, http.MethodPost, "/v1/entries", s.entryBody("50"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "budget_exceeded", resp.Error)

	// The explicit opt-in lets the expense through and tracks the overdraw.
	body := s.entryBody("50")
	body["allow_overspend"] = true
	rec = s.do(t, http.MethodPost, "/v1/entries", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	stored, err := s.store.BudgetEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.True(t, stored.Balance.Equal(decimal.NewFromInt(-20)))
}

func TestApplyAllocationsRejectsUnbackedFunds(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/envelopes/budget", map[string]any{
		"name":               "Everything",
		"monthly_allocation": "5000",
		"rollover_policy":    "accumulate",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// The checking account holds 1000; a 5000 allocation cannot be backed.
	rec = s.do(t, http.MethodPost, "/v1/envelopes/allocations", map[string]any{
		"source_account_id": s.checking.ID,
		"date":              "2024-03-01",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient_available_funds", resp.Error)
}

func TestBudgetEnvelopeEndpoints(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/envelopes/budget", map[string]any{
		"name":               "Groceries",
		"monthly_allocation": "400",
		"rollover_policy":    "accumulate",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodPost, "/v1/envelopes/allocations", map[string]any{
		"source_account_id": s.checking.ID,
		"date":              "2024-03-01",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/v1/envelopes", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBudgetEnvelopeRejectsBadPolicy(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/envelopes/budget", map[string]any{
		"name":               "Broken",
		"monthly_allocation": "400",
		"rollover_policy":    "yearly",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTemplateEndpoints(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/templates", map[string]any{
		"name":        "Rent",
		"description": "Monthly rent",
		"frequency":   "monthly",
		"interval":    1,
		"day_of_month": []int{1},
		"start_date":  "2024-01-01",
		"lines": []map[string]any{
			{"account_id": s.expense.ID, "flow_direction": "to", "amount": "500"},
			{"account_id": s.checking.ID, "flow_direction": "from", "amount": "500"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tpl recurring.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tpl))

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v1/templates/%s/materialize", tpl.ID), map[string]any{
		"window_start": "2024-01-01",
		"window_end":   "2024-02-28",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result recurring.MaterializeResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, len(result.Posted)+len(result.Drafts))
}

func TestCorrelationIDPropagation(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	req.Header.Set(CorrelationIDHeader, "cid-12345")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	assert.Equal(t, "cid-12345", rec.Header().Get(CorrelationIDHeader))

	// Without a supplied header one is generated.
	rec = s.do(t, http.MethodGet, "/v1/accounts", nil)
	assert.NotEmpty(t, rec.Header().Get(CorrelationIDHeader))
}

func TestAuditTrailCapturesRequests(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodGet, "/healthz", nil)
	s.do(t, http.MethodPost, "/v1/entries", s.entryBody("10"))

	records := s.auditor.Records()
	require.NotEmpty(t, records)
	assert.True(t, audit.VerifyChain(records))

	rec := s.do(t, http.MethodGet, "/v1/audit/verify", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp.Error)
}
