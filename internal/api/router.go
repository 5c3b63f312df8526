package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/homeledger/internal/engine"
	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/receipt"
	"github.com/example/homeledger/internal/recurring"
	"github.com/example/homeledger/pkg/audit"
)

type Auditor interface {
	Append(kind, ref, payload string) *audit.Record
	Records() []*audit.Record
}

type Dependencies struct {
	Logger    *slog.Logger
	Engine    *engine.Engine
	Envelopes *envelope.Service
	Recurring *recurring.Service
	Receipts  *receipt.Mapper
	Auditor   Auditor
}

func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			start := time.Now()
			next.ServeHTTP(sw, r)
			dur := time.Since(start)

			cid := CorrelationIDFromContext(r.Context())
			payload := fmt.Sprintf("method=%s path=%s status=%d dur_ms=%d", r.Method, r.URL.Path, sw.status, dur.Milliseconds())
			a.Append("http_request", cid, payload)
		})
	}
}

func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(CorrelationID)
	r.Use(RequestLogger(deps.Logger))
	if deps.Auditor != nil {
		r.Use(AuditMiddleware(deps.Auditor))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", handleListAccounts(deps))
			r.Post("/", handleCreateAccount(deps))
			r.Get("/{accountID}", handleGetAccount(deps))
			r.Patch("/{accountID}", handleUpdateAccount(deps))
			r.Get("/{accountID}/ledger", handleAccountLedger(deps))
			r.Get("/{accountID}/view", handleBankAccountView(deps))
			r.Get("/{accountID}/balances/{period}", handlePeriodSummary(deps))
			r.Post("/{accountID}/close", handleClosePeriod(deps))
		})

		r.Route("/entries", func(r chi.Router) {
			r.Post("/", handlePostEntry(deps))
			r.Get("/{entryID}", handleGetEntry(deps))
			r.Post("/{entryID}/reverse", handleReverseEntry(deps))
			r.Post("/{entryID}/post", handlePostDraft(deps))
			r.Post("/drafts", handleSaveDraft(deps))
			r.Delete("/drafts/{entryID}", handleDiscardDraft(deps))
		})

		r.Route("/envelopes", func(r chi.Router) {
			r.Get("/", handleListEnvelopes(deps))
			r.Post("/budget", handleCreateBudgetEnvelope(deps))
			r.Post("/payment", handleCreatePaymentEnvelope(deps))
			r.Get("/{envelopeID}/transactions", handleEnvelopeTransactions(deps))
			r.Get("/{envelopeID}/forecast", handleForecast(deps))
			r.Post("/allocations", handleApplyAllocations(deps))
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", handleListTemplates(deps))
			r.Post("/", handleCreateTemplate(deps))
			r.Post("/{templateID}/materialize", handleMaterialize(deps))
			r.Post("/materialize", handleMaterializeAll(deps))
		})

		r.Post("/receipts", handlePostReceipt(deps))

		r.Route("/audit", func(r chi.Router) {
			r.Get("/records", handleAuditRecords(deps))
			r.Get("/verify", handleAuditVerify(deps))
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusNotFound, "not_found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
	})

	return r
}
