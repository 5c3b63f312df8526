package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/homeledger/internal/envelope"
	"github.com/example/homeledger/internal/ledger"
	"github.com/example/homeledger/internal/recurring"
	"github.com/example/homeledger/internal/receipt"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	Detail        string `json:"detail,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code string) {
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:         code,
		CorrelationID: cid,
	})
}

// writeDomainError maps a typed domain error to an HTTP status and a stable
// error code, with the error text as detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	cid := CorrelationIDFromContext(r.Context())
	if cid != "" {
		w.Header().Set(CorrelationIDHeader, cid)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:         code,
		Detail:        err.Error(),
		CorrelationID: cid,
	})
}

func classify(err error) (int, string) {
	var (
		accountNotFound  *ledger.AccountNotFoundError
		envelopeNotFound *envelope.EnvelopeNotFoundError
		templateNotFound *recurring.TemplateNotFoundError

		duplicateEntry    *ledger.DuplicateEntryError
		duplicateAccount  *ledger.DuplicateAccountError
		duplicateEnvelope *envelope.DuplicateEnvelopeError
		versionConflict   *ledger.VersionConflictError
		invalidTransition *ledger.InvalidStateTransitionError
		immutableHistory  *ledger.ImmutableHistoryError
		protectedAccount  *ledger.ProtectedAccountError

		unbalanced        *ledger.UnbalancedEntryError
		tooFewLines       *ledger.InsufficientDistributionsError
		invalidAmount     *ledger.InvalidAmountError
		corruptLine       *ledger.CorruptDistributionError
		invalidType       *ledger.InvalidAccountTypeError
		invalidRollover   *envelope.InvalidRolloverPolicyError
		insufficientfunds *envelope.InsufficientAvailableFundsError
		budgetExceeded    *envelope.BudgetExceededError
		badFrequency      *recurring.UnsupportedFrequencyError
		badRange          *recurring.InvalidRecurrenceRangeError
		badReceipt        *receipt.ExtractionMismatchError
		unmappedCategory  *receipt.UnmappedCategoryError
		unmappedMethod    *receipt.UnmappedPaymentMethodError
	)

	switch {
	case errors.As(err, &accountNotFound),
		errors.As(err, &envelopeNotFound),
		errors.As(err, &templateNotFound):
		return http.StatusNotFound, "not_found"

	case errors.As(err, &duplicateEntry):
		return http.StatusConflict, "duplicate_entry"
	case errors.As(err, &duplicateAccount),
		errors.As(err, &duplicateEnvelope):
		return http.StatusConflict, "duplicate"
	case errors.As(err, &versionConflict):
		return http.StatusConflict, "version_conflict"
	case errors.As(err, &invalidTransition),
		errors.As(err, &immutableHistory),
		errors.As(err, &protectedAccount):
		return http.StatusConflict, "conflict"

	case errors.As(err, &unbalanced):
		return http.StatusUnprocessableEntity, "unbalanced_entry"
	case errors.As(err, &insufficientfunds):
		return http.StatusUnprocessableEntity, "insufficient_available_funds"
	case errors.As(err, &budgetExceeded):
		return http.StatusUnprocessableEntity, "budget_exceeded"
	case errors.As(err, &tooFewLines),
		errors.As(err, &invalidAmount),
		errors.As(err, &corruptLine),
		errors.As(err, &invalidType),
		errors.As(err, &invalidRollover),
		errors.As(err, &badFrequency),
		errors.As(err, &badRange),
		errors.As(err, &badReceipt),
		errors.As(err, &unmappedCategory),
		errors.As(err, &unmappedMethod):
		return http.StatusUnprocessableEntity, "validation_failed"
	}

	return http.StatusInternalServerError, "internal_error"
}
