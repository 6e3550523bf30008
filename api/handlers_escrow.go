/*
handlers_escrow.go - HTTP API handlers for escrows, disputes and proofs

ENDPOINTS:
  Escrows:
    POST   /api/escrows                    Open an escrow (buyer, seller or admin)
    GET    /api/escrows                    Caller's escrows (?role, ?status, ?limit)
    GET    /api/escrows/{id}               One escrow (parties and admins)
    GET    /api/escrows/{id}/events        Audit trail in append order
    POST   /api/escrows/{id}/initiate      Buyer starts paying
    POST   /api/escrows/{id}/fund          Buyer uploads proof of payment
    POST   /api/escrows/{id}/confirm       Seller confirms receipt; funds held
    POST   /api/escrows/{id}/release       Pay the seller
    POST   /api/escrows/{id}/refund        Return funds to the buyer
    POST   /api/escrows/{id}/cancel        Request (party) or force (admin) cancellation

  Proofs:
    GET    /api/escrows/{id}/proofs        Proofs, newest first
    POST   /api/escrows/{id}/proofs        Additional proof
    POST   /api/proofs/{id}/verify         Mark a proof verified

  Disputes:
    POST   /api/escrows/{id}/disputes      Freeze a held escrow
    POST   /api/disputes/{id}/review       Arbiter picks up the dispute
    POST   /api/disputes/{id}/resolve      Arbiter decides buyer, seller or split;
                                           answers with the dispute and the settled escrow

  Admin:
    POST   /api/admin/escrows/sweep        Run one deadline sweep now

STATE ERRORS:
  Every mutation answers 409 when the transition is not allowed from the
  current status, and 410 when the payment deadline passed. In the 410
  case the escrow has already been moved to expired.

SEE ALSO:
  - escrow/machine.go: Transition table
  - handlers.go: Identity and helpers
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/escrow"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ESCROW ENDPOINTS
// =============================================================================

func (h *Handler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CreateEscrowRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	e, err := h.escrows.CreateEscrow(r.Context(), escrow.CreateRequest{
		Actor:             actor,
		Type:              escrow.Type(req.Type),
		BuyerID:           core.UserID(req.BuyerID),
		SellerID:          core.UserID(req.SellerID),
		PropertyID:        req.PropertyID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Terms:             req.Terms,
		ReleaseConditions: req.ReleaseConditions,
		PaymentMethod:     req.PaymentMethod,
		ExpiresAt:         req.ExpiresAt,
		ReleaseDeadline:   req.ReleaseDeadline,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowDTO(e))
}

func (h *Handler) ListEscrows(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	userID, err := subjectOf(r, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := escrow.ListFilter{
		Status: escrow.Status(q.Get("status")),
		Role:   q.Get("role"),
	}
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	list, err := h.escrows.ListForUser(r.Context(), userID, filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]EscrowDTO, 0, len(list))
	for i := range list {
		out = append(out, toEscrowDTO(&list[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	e, err := h.escrows.Get(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowDTO(e))
}

func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	events, err := h.escrows.Events(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]EventDTO, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventDTO(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

// escrowAction adapts the body-less party actions that share one signature.
func (h *Handler) escrowAction(act func(ctx context.Context, id string, actor core.Actor) (*escrow.Escrow, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		e, err := act(r.Context(), chi.URLParam(r, "id"), actor)
		if err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEscrowDTO(e))
	}
}

func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	h.escrowAction(h.escrows.InitiatePayment)(w, r)
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	h.escrowAction(h.escrows.ConfirmPayment)(w, r)
}

func (h *Handler) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	h.escrowAction(h.escrows.Release)(w, r)
}

func (h *Handler) RefundEscrow(w http.ResponseWriter, r *http.Request) {
	h.escrowAction(h.escrows.Refund)(w, r)
}

func (h *Handler) FundEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ProofRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	e, err := h.escrows.FundEscrow(r.Context(), chi.URLParam(r, "id"), escrow.ProofUpload{
		Actor:                actor,
		FileRef:              req.FileRef,
		Description:          req.Description,
		TransactionReference: req.TransactionReference,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowDTO(e))
}

func (h *Handler) CancelEscrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	e, err := h.escrows.Cancel(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowDTO(e))
}

// =============================================================================
// PROOF ENDPOINTS
// =============================================================================

func (h *Handler) ListProofs(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	proofs, err := h.escrows.Proofs(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]ProofDTO, 0, len(proofs))
	for i := range proofs {
		out = append(out, toProofDTO(&proofs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) AddProof(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ProofRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	p, err := h.escrows.AddProof(r.Context(), chi.URLParam(r, "id"), escrow.ProofUpload{
		Actor:                actor,
		FileRef:              req.FileRef,
		Description:          req.Description,
		TransactionReference: req.TransactionReference,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProofDTO(p))
}

func (h *Handler) VerifyProof(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req VerifyProofRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	p, err := h.escrows.VerifyProof(r.Context(), chi.URLParam(r, "id"), actor, req.Notes)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toProofDTO(p))
}

// =============================================================================
// DISPUTE ENDPOINTS
// =============================================================================

func (h *Handler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req OpenDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	d, err := h.escrows.OpenDispute(r.Context(), chi.URLParam(r, "id"), actor, req.Reason, req.Evidence)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeDTO(d))
}

func (h *Handler) ReviewDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	d, err := h.escrows.ReviewDispute(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeDTO(d))
}

func (h *Handler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req ResolveDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	var share decimal.NullDecimal
	if req.SellerShare != nil {
		share = decimal.NewNullDecimal(*req.SellerShare)
	}
	d, err := h.escrows.ResolveDispute(r.Context(), escrow.ResolveRequest{
		DisputeID:   chi.URLParam(r, "id"),
		Resolver:    actor,
		Outcome:     escrow.Outcome(req.Outcome),
		Notes:       req.Notes,
		SellerShare: share,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	e, err := h.escrows.Get(r.Context(), d.EscrowID, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolutionDTO{
		Dispute: toDisputeDTO(d),
		Escrow:  toEscrowDTO(e),
	})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// SweepDeadlines runs one expiry and auto-release pass outside the schedule.
func (h *Handler) SweepDeadlines(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin() {
		h.writeDomainError(w, r, core.ErrUnauthorized)
		return
	}
	res := h.scheduler.RunNow(r.Context())
	writeJSON(w, http.StatusOK, toSweepDTO(res, h.scheduler.NextRunTime()))
}
