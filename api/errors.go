/*
errors.go - Domain error to HTTP response mapping

STATUS CODES:
  400  invalid_input             Malformed body, unknown enum, failed validation
  402  insufficient_credits      Body also carries required and available
  403  unauthorized              Actor has no standing for the action
  404  not_found                 Package, balance, transaction, escrow, dispute, proof
  409  already_viewed            Property already paid for
  409  already_refunded          Usage transaction refunded before
  409  invalid_state             Escrow transition not allowed from current status
  409  dispute_resolved          Dispute already resolved or closed
  410  escrow_expired            Payment deadline passed (the escrow is now expired)
  500  internal_error            Anything outside the domain taxonomy

BODY:
  {"error": "...", "reason": "insufficient_credits", "details": "..."}

  Infrastructure errors never leak their message: details stays empty and
  the error is logged with the request id instead.

SEE ALSO:
  - core/errors.go: The error taxonomy
*/
package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/property237/credit-escrow/core"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Details   string `json:"details,omitempty"`
	Required  string `json:"required,omitempty"`
	Available string `json:"available,omitempty"`
}

type errorMapping struct {
	target  error
	status  int
	reason  string
	message string
}

// Ordered: the first matching sentinel wins.
var errorMappings = []errorMapping{
	{core.ErrInvalidInput, http.StatusBadRequest, "invalid_input", "Invalid request"},
	{core.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits", "Insufficient credits"},
	{core.ErrUnauthorized, http.StatusForbidden, "unauthorized", "Not allowed"},
	{core.ErrPackageNotFound, http.StatusNotFound, "not_found", "Credit package not found"},
	{core.ErrBalanceNotFound, http.StatusNotFound, "not_found", "Credit balance not found"},
	{core.ErrTransactionNotFound, http.StatusNotFound, "not_found", "Transaction not found"},
	{core.ErrEscrowNotFound, http.StatusNotFound, "not_found", "Escrow not found"},
	{core.ErrDisputeNotFound, http.StatusNotFound, "not_found", "Dispute not found"},
	{core.ErrProofNotFound, http.StatusNotFound, "not_found", "Payment proof not found"},
	{core.ErrAlreadyViewed, http.StatusConflict, "already_viewed", "Property already viewed"},
	{core.ErrAlreadyRefunded, http.StatusConflict, "already_refunded", "Transaction already refunded"},
	{core.ErrInvalidEscrowState, http.StatusConflict, "invalid_state", "Action not allowed in the current escrow state"},
	{core.ErrDisputeAlreadyResolved, http.StatusConflict, "dispute_resolved", "Dispute already resolved"},
	{core.ErrEscrowExpired, http.StatusGone, "escrow_expired", "Escrow expired"},
}

// writeError writes a client error with an explicit status and reason.
func writeError(w http.ResponseWriter, status int, reason, message string, err error) {
	resp := ErrorResponse{Error: message, Reason: reason}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps err through the taxonomy. Unknown errors are logged and answered with 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		resp := ErrorResponse{Error: m.message, Reason: m.reason, Details: err.Error()}
		var insufficient *core.InsufficientCreditsError
		if errors.As(err, &insufficient) {
			resp.Required = core.Money(insufficient.Required)
			resp.Available = core.Money(insufficient.Available)
		}
		writeJSON(w, m.status, resp)
		return
	}

	h.log.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:  "Internal error",
		Reason: "internal_error",
	})
}
