/*
handlers.go - HTTP API handlers for the credit ledger

PURPOSE:
  Exposes the credit ledger and the escrow core via REST API. Handles HTTP
  request/response and JSON serialization, and delegates to the services.

ENDPOINTS:
  Credits (caller's own account; admins may pass ?user_id=):
    GET    /api/credits/balance                    Cached balance
    GET    /api/credits/statistics                 Lifetime totals and counts
    GET    /api/credits/transactions               Ledger rows (?type, ?status, ?limit, ?order=oldest)
    GET    /api/credits/property-views             Properties already paid for
    GET    /api/credits/reconcile                  Replay ledger against cached balance
    GET    /api/credits/check-access/{propertyID}  Can the caller see this property
    POST   /api/credits/purchase                   Credit a package after gateway payment
    POST   /api/credits/use                        Charge an action
    POST   /api/credits/refund                     Refund a usage transaction

  Catalog:
    GET    /api/credits/packages                   Active packages
    GET    /api/credits/pricing                    Configured pricing rules
    GET    /api/credits/pricing/{action}           Effective price of one action

  Admin:
    POST   /api/admin/credits/adjust               Signed balance adjustment
    POST   /api/admin/credits/bonus                Bonus or referral grant

  Registration hook:
    POST   /api/users/{id}/created                 Create balance and welcome bonus

  Escrow endpoints live in handlers_escrow.go.

IDENTITY:
  The upstream gateway authenticates the caller and forwards:
    X-User-ID:   the caller's user id (required)
    X-User-Role: "admin" for administrators, anything else is a plain user
  Both are trusted as-is. A missing X-User-ID is answered with 401.

REQUEST FLOW:
  1. Resolve the actor from headers
  2. Decode the body into a *Request DTO
  3. Call the service (validation and standing checks happen there)
  4. Serialize the result into a *DTO
  5. Map errors through errors.go

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Status and reason mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/credits"
	"github.com/property237/credit-escrow/escrow"
	"github.com/rs/zerolog"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// HealthChecker reports whether the storage backend is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handler holds the services every endpoint delegates to.
type Handler struct {
	credits   *credits.Service
	escrows   *escrow.Service
	scheduler *escrow.DeadlineScheduler
	health    HealthChecker
	log       zerolog.Logger
}

type HandlerOption func(*Handler)

func WithLogger(log zerolog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithScheduler shares the running scheduler with the manual sweep endpoint.
func WithScheduler(ds *escrow.DeadlineScheduler) HandlerOption {
	return func(h *Handler) { h.scheduler = ds }
}

func WithHealthCheck(hc HealthChecker) HandlerOption {
	return func(h *Handler) { h.health = hc }
}

// NewHandler creates a handler. Without WithScheduler the sweep endpoint
// runs against a scheduler that is never started.
func NewHandler(cs *credits.Service, es *escrow.Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		credits: cs,
		escrows: es,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.scheduler == nil {
		h.scheduler = escrow.NewDeadlineScheduler(es, h.log)
	}
	return h
}

// =============================================================================
// IDENTITY
// =============================================================================

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// actorFrom reads the caller forwarded by the gateway. The system role is
// reserved for the scheduler and is never accepted from a header.
func actorFrom(r *http.Request) (core.Actor, bool) {
	id := r.Header.Get(headerUserID)
	if id == "" {
		return core.Actor{}, false
	}
	role := core.RoleUser
	if core.Role(r.Header.Get(headerUserRole)) == core.RoleAdmin {
		role = core.RoleAdmin
	}
	return core.Actor{UserID: core.UserID(id), Role: role}, true
}

// requireActor writes 401 and returns false when the request carries no identity.
func requireActor(w http.ResponseWriter, r *http.Request) (core.Actor, bool) {
	actor, ok := actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Missing "+headerUserID+" header", nil)
	}
	return actor, ok
}

// subjectOf resolves whose account a read targets: the caller, or the
// ?user_id= of an admin.
func subjectOf(r *http.Request, actor core.Actor) (core.UserID, error) {
	target := core.UserID(r.URL.Query().Get("user_id"))
	if target == "" || target == actor.UserID {
		return actor.UserID, nil
	}
	if !actor.IsAdmin() {
		return "", core.ErrUnauthorized
	}
	return target, nil
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "Storage unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BALANCE ENDPOINTS
// =============================================================================

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	userID, err := subjectOf(r, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	bal, err := h.credits.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	userID, err := subjectOf(r, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	stats, err := h.credits.Statistics(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatisticsDTO(stats))
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
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
	filter := credits.TransactionFilter{
		Type:   credits.TransactionType(q.Get("type")),
		Status: credits.Status(q.Get("status")),
		Oldest: q.Get("order") == "oldest",
	}
	if filter.Limit, err = parseLimit(q.Get("limit")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	txs, err := h.credits.Transactions(r.Context(), userID, filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) ListPropertyViews(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	userID, err := subjectOf(r, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	views, err := h.credits.PropertyViews(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]PropertyViewDTO, 0, len(views))
	for _, v := range views {
		out = append(out, PropertyViewDTO{
			PropertyID:    v.PropertyID,
			TransactionID: v.TransactionID,
			ViewedAt:      v.ViewedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	userID, err := subjectOf(r, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	rep, err := h.credits.Reconcile(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(rep))
}

func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	propertyID := chi.URLParam(r, "propertyID")

	allowed, reason, err := h.credits.CheckPropertyAccess(r.Context(), actor.UserID, propertyID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccessDTO{
		PropertyID: propertyID,
		HasAccess:  allowed,
		Reason:     string(reason),
	})
}

// =============================================================================
// CATALOG ENDPOINTS
// =============================================================================

func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.credits.Packages(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]PackageDTO, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, toPackageDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListPricing(w http.ResponseWriter, r *http.Request) {
	rules, err := h.credits.PricingRules(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]PricingDTO, 0, len(rules))
	for _, rule := range rules {
		out = append(out, toPricingDTO(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	action := credits.Action(chi.URLParam(r, "action"))
	if !action.Valid() {
		h.writeDomainError(w, r, core.Invalid("unknown action %q", action))
		return
	}

	price, err := h.credits.GetPrice(r.Context(), action)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceDTO{
		Action:          string(action),
		CreditsRequired: core.Money(price),
	})
}

// =============================================================================
// LEDGER MUTATIONS
// =============================================================================

func (h *Handler) PurchaseCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req PurchaseRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tx, err := h.credits.PurchaseCredits(r.Context(), credits.PurchaseRequest{
		UserID:           actor.UserID,
		PackageID:        req.PackageID,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
		Metadata:         req.Metadata,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) UseCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req UseCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	// The service prices unknown actions at the fallback rate; clients must name a real one.
	if !credits.Action(req.Action).Valid() {
		h.writeDomainError(w, r, core.Invalid("unknown action %q", req.Action))
		return
	}

	tx, err := h.credits.UseCredits(r.Context(), credits.UseRequest{
		UserID:      actor.UserID,
		Action:      credits.Action(req.Action),
		ReferenceID: req.ReferenceID,
		Description: req.Description,
		Metadata:    req.Metadata,
		IPAddress:   r.RemoteAddr,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) RefundCredits(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	userID, err := subjectOf(r, actor)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	var req RefundRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tx, err := h.credits.RefundCredits(r.Context(), userID, req.TransactionID, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func (h *Handler) AdjustBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req AdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tx, err := h.credits.AdjustBalance(r.Context(), actor, core.UserID(req.UserID), req.Amount, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

func (h *Handler) GrantBonus(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	if !actor.IsAdmin() {
		h.writeDomainError(w, r, core.ErrUnauthorized)
		return
	}
	var req BonusRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	tx, err := h.credits.GrantBonus(r.Context(), core.UserID(req.UserID), credits.TransactionType(req.Type), req.Amount, req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// UserCreated is called by the registration workflow. Repeating it is harmless.
func (h *Handler) UserCreated(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	userID := core.UserID(chi.URLParam(r, "id"))
	if actor.UserID != userID && !actor.IsAdmin() {
		h.writeDomainError(w, r, core.ErrUnauthorized)
		return
	}

	bal, err := h.credits.OnUserCreated(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(bal))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeJSON decodes the request body into v. An empty body leaves v zero.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return core.Invalid("malformed request body: %v", err)
	}
	return nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, core.Invalid("limit must be a non-negative integer")
	}
	return n, nil
}
