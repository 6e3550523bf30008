/*
service.go - Escrow party actions

PURPOSE:
  Every action loads the escrow, checks the actor's standing, performs one
  edge of the transition table and appends its event, all inside one
  atomic unit. Notifications go out after commit.

LAZY EXPIRY:
  Before any action the payment deadline is checked under the store's
  writer lock. An escrow still awaiting funds whose ExpiresAt has passed
  is moved to expired (with its event), the unit COMMITS, and the action
  fails with core.ErrEscrowExpired. The check is idempotent: an escrow
  that is already expired simply rejects the action as an invalid
  transition.

  ExpireOverdue and AutoRelease are the swept counterparts, run by the
  DeadlineScheduler.

STANDING:
  buyer   initiate, fund, release, open dispute, request cancel
  seller  confirm, refund, open dispute, request cancel, verify proof
  admin   release, refund, cancel, review/resolve (when not a party), verify proof
  system  expire, auto-release
*/
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/metrics"
	"github.com/property237/credit-escrow/notify"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	// DefaultPaymentWindow applies when CreateEscrow is given no ExpiresAt.
	DefaultPaymentWindow = 24 * time.Hour

	DefaultCurrency = "XAF"
)

var supportedCurrencies = map[string]bool{"XAF": true, "USD": true, "EUR": true}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store         TxStore
	notifier      notify.Notifier
	dispatch      *notify.Dispatcher
	log           zerolog.Logger
	metrics       *metrics.Recorder
	clock         core.Clock
	paymentWindow time.Duration
	releaseWindow time.Duration
}

type Option func(*Service)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log.With().Str("component", "escrow").Logger() }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = rec }
}

func WithClock(c core.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithPaymentWindow sets the default payment deadline for new escrows.
func WithPaymentWindow(d time.Duration) Option {
	return func(s *Service) { s.paymentWindow = d }
}

// WithReleaseWindow sets the auto-release deadline stamped on confirmation
// when the escrow has none. Zero disables auto-release by default.
func WithReleaseWindow(d time.Duration) Option {
	return func(s *Service) { s.releaseWindow = d }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:         store,
		notifier:      notify.Nop,
		log:           zerolog.Nop(),
		clock:         core.RealClock(),
		paymentWindow: DefaultPaymentWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatch = notify.NewDispatcher(s.notifier, s.log, s.metrics)
	return s
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// unit is one atomic escrow mutation in progress.
type unit struct {
	ctx    context.Context
	repo   Repository
	escrow *Escrow
	now    time.Time
	events []Event
}

// apply moves the escrow along action's edge, saves it and appends the event.
// Field changes made on u.escrow before apply are saved with it.
func (u *unit) apply(action Action, by core.UserID, description string, meta core.Metadata) error {
	from, evType, err := u.escrow.transition(action)
	if err != nil {
		return err
	}
	u.escrow.UpdatedAt = u.now
	if err := u.repo.UpdateEscrow(u.ctx, *u.escrow, from); err != nil {
		return err
	}
	return u.record(evType, by, description, from, meta)
}

// save persists field changes that do not move the status.
func (u *unit) save() error {
	u.escrow.UpdatedAt = u.now
	return u.repo.UpdateEscrow(u.ctx, *u.escrow, u.escrow.Status)
}

func (u *unit) record(evType EventType, by core.UserID, description string, from Status, meta core.Metadata) error {
	if meta == nil {
		meta = core.Metadata{}
	}
	ev := Event{
		ID:          uuid.NewString(),
		EscrowID:    u.escrow.ID,
		Type:        evType,
		Description: description,
		CreatedBy:   by,
		FromStatus:  from,
		ToStatus:    u.escrow.Status,
		Metadata:    meta,
		CreatedAt:   u.now,
	}
	if err := u.repo.AppendEvent(u.ctx, ev); err != nil {
		return err
	}
	u.events = append(u.events, ev)
	return nil
}

// expireIfOverdue is the idempotent deadline check. Reports whether it expired the escrow.
func (u *unit) expireIfOverdue() (bool, error) {
	if !u.escrow.Status.AwaitsFunds() || !u.escrow.IsExpired(u.now) {
		return false, nil
	}
	meta := core.Metadata{"expires_at": u.escrow.ExpiresAt.UTC().Format(time.RFC3339)}
	if err := u.apply(ActionExpire, core.SystemActor.UserID, "Payment deadline passed", meta); err != nil {
		return false, err
	}
	return true, nil
}

// releaseIfOverdue is the lazy counterpart of AutoRelease. Reports whether it
// released the escrow.
func (u *unit) releaseIfOverdue() (bool, error) {
	e := u.escrow
	if e.Status != StatusHeld || e.ReleaseDeadline == nil || !e.ReleaseDeadline.Before(u.now) {
		return false, nil
	}
	return true, u.release(core.SystemActor.UserID, "Release deadline passed, funds released to seller")
}

// lapse applies whichever soft deadline has passed. rejection is what the
// caller's action fails with once the unit commits; nil when no deadline applied.
func (u *unit) lapse() (rejection, err error) {
	expired, err := u.expireIfOverdue()
	if err != nil {
		return nil, err
	}
	if expired {
		return fmt.Errorf("%w: escrow %s payment deadline passed", core.ErrEscrowExpired, u.escrow.ID), nil
	}
	released, err := u.releaseIfOverdue()
	if err != nil {
		return nil, err
	}
	if released {
		return fmt.Errorf("%w: escrow %s release deadline passed, funds released to seller",
			core.ErrInvalidEscrowState, u.escrow.ID), nil
	}
	return nil, nil
}

// mutate runs step against escrow id inside one atomic unit, after the lazy
// deadline checks. A lapsed deadline is committed and the step is not run.
func (s *Service) mutate(ctx context.Context, id string, step func(u *unit) error) (*Escrow, error) {
	var (
		out    Escrow
		events []Event
		lapsed error
	)
	err := s.store.WithTx(ctx, func(repo Repository) error {
		e, err := repo.GetEscrow(ctx, id)
		if err != nil {
			return err
		}
		u := &unit{ctx: ctx, repo: repo, escrow: e, now: s.clock.Now()}

		lapsed, err = u.lapse()
		if err != nil {
			return err
		}
		if lapsed == nil {
			if err := step(u); err != nil {
				return err
			}
		}
		out, events = *u.escrow, u.events
		return nil
	})
	if err != nil {
		s.logFailure(id, err)
		return nil, err
	}

	s.published(ctx, &out, events)
	if lapsed != nil {
		return nil, lapsed
	}
	return &out, nil
}

// published records metrics, logs and notifies for committed events.
func (s *Service) published(ctx context.Context, e *Escrow, events []Event) {
	for _, ev := range events {
		kind := notify.KindEscrowEvent
		if ev.FromStatus != ev.ToStatus {
			kind = notify.KindEscrowTransition
			s.metrics.EscrowTransition(string(ev.FromStatus), string(ev.ToStatus))
		}
		s.log.Info().
			Str("escrow_id", e.ID).
			Str("event", string(ev.Type)).
			Str("from", string(ev.FromStatus)).
			Str("to", string(ev.ToStatus)).
			Str("by", string(ev.CreatedBy)).
			Msg("escrow event")

		data := ev.Metadata.Clone()
		data["event"] = string(ev.Type)
		data["from"] = string(ev.FromStatus)
		data["to"] = string(ev.ToStatus)
		_ = s.dispatch.Send(ctx, notify.Notification{
			Kind:       kind,
			Recipients: e.Parties(),
			Subject:    e.ID,
			Data:       data,
		})
	}
}

func (s *Service) logFailure(id string, err error) {
	if core.IsDomainError(err) {
		s.log.Debug().Err(err).Str("escrow_id", id).Msg("escrow action rejected")
		return
	}
	s.log.Error().Err(err).Str("escrow_id", id).Msg("escrow action failed")
}

func unauthorized(format string, args ...any) error {
	return fmt.Errorf("%w: %s", core.ErrUnauthorized, fmt.Sprintf(format, args...))
}

// =============================================================================
// CREATE
// =============================================================================

type CreateRequest struct {
	Actor core.Actor // buyer, seller or admin

	Type       Type
	BuyerID    core.UserID
	SellerID   core.UserID
	PropertyID string
	Amount     decimal.Decimal
	Currency   string // defaults to XAF

	Terms             string
	ReleaseConditions string
	PaymentMethod     string

	ExpiresAt       *time.Time // defaults to now + payment window
	ReleaseDeadline *time.Time
}

func (r CreateRequest) validate(now time.Time) error {
	switch {
	case !r.Type.Valid():
		return core.Invalid("unknown escrow type %q", r.Type)
	case r.BuyerID == "" || r.SellerID == "":
		return core.Invalid("buyer and seller are required")
	case r.BuyerID == r.SellerID:
		return core.Invalid("buyer and seller must be different users")
	case !r.Amount.IsPositive():
		return core.Invalid("amount must be positive")
	case !r.Amount.Equal(r.Amount.Round(2)):
		return core.Invalid("amount has more than two decimal places")
	case r.Currency != "" && !supportedCurrencies[r.Currency]:
		return core.Invalid("unsupported currency %q", r.Currency)
	case r.ExpiresAt != nil && !r.ExpiresAt.After(now):
		return core.Invalid("payment deadline must be in the future")
	case r.ReleaseDeadline != nil && !r.ReleaseDeadline.After(now):
		return core.Invalid("release deadline must be in the future")
	}
	return nil
}

// CreateEscrow opens an escrow in the created state. Creation is not a
// transition and appends no event.
func (s *Service) CreateEscrow(ctx context.Context, req CreateRequest) (*Escrow, error) {
	now := s.clock.Now()
	if err := req.validate(now); err != nil {
		return nil, err
	}
	if req.Actor.UserID != req.BuyerID && req.Actor.UserID != req.SellerID && !req.Actor.IsAdmin() {
		return nil, unauthorized("only a party or an admin can open an escrow")
	}

	currency := req.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	expiresAt := now.Add(s.paymentWindow)
	if req.ExpiresAt != nil {
		expiresAt = req.ExpiresAt.UTC()
	}

	e := Escrow{
		ID:                NewID(),
		Type:              req.Type,
		Status:            StatusCreated,
		BuyerID:           req.BuyerID,
		SellerID:          req.SellerID,
		PropertyID:        req.PropertyID,
		Amount:            req.Amount,
		Currency:          currency,
		Terms:             req.Terms,
		ReleaseConditions: req.ReleaseConditions,
		PaymentMethod:     req.PaymentMethod,
		ExpiresAt:         &expiresAt,
		ReleaseDeadline:   req.ReleaseDeadline,
		ReleasedAmount:    decimal.Zero,
		RefundedAmount:    decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateEscrow(ctx, e); err != nil {
		s.logFailure(e.ID, err)
		return nil, err
	}

	s.log.Info().
		Str("escrow_id", e.ID).
		Str("buyer_id", string(e.BuyerID)).
		Str("seller_id", string(e.SellerID)).
		Str("amount", core.Money(e.Amount)).
		Str("currency", e.Currency).
		Msg("escrow created")
	_ = s.dispatch.Send(ctx, notify.Notification{
		Kind:       notify.KindEscrowCreated,
		Recipients: e.Parties(),
		Subject:    e.ID,
		Data:       core.Metadata{"amount": core.Money(e.Amount), "currency": e.Currency},
	})
	return &e, nil
}

// =============================================================================
// FUNDING
// =============================================================================

// InitiatePayment records that the buyer started paying.
func (s *Service) InitiatePayment(ctx context.Context, escrowID string, buyer core.Actor) (*Escrow, error) {
	return s.mutate(ctx, escrowID, func(u *unit) error {
		if buyer.UserID != u.escrow.BuyerID {
			return unauthorized("only the buyer can initiate payment")
		}
		return u.initiate(buyer.UserID)
	})
}

func (u *unit) initiate(by core.UserID) error {
	return u.apply(ActionInitiatePayment, by, "Buyer initiated payment", nil)
}

// ProofUpload is the buyer's evidence of payment.
type ProofUpload struct {
	Actor                core.Actor
	FileRef              string
	Description          string
	TransactionReference string
}

func (p ProofUpload) validate() error {
	if p.FileRef == "" {
		return core.Invalid("proof file reference is required")
	}
	return nil
}

// FundEscrow records the buyer's payment proof and moves the escrow to
// paid_pending_confirm. On a created escrow it first initiates payment.
func (s *Service) FundEscrow(ctx context.Context, escrowID string, upload ProofUpload) (*Escrow, error) {
	if err := upload.validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, escrowID, func(u *unit) error {
		if upload.Actor.UserID != u.escrow.BuyerID {
			return unauthorized("only the buyer can fund an escrow")
		}
		if u.escrow.Status == StatusCreated {
			if err := u.initiate(upload.Actor.UserID); err != nil {
				return err
			}
		}
		if !CanTransition(u.escrow.Status, ActionUploadProof) {
			return &core.InvalidTransitionError{EscrowID: u.escrow.ID, From: string(u.escrow.Status), Action: string(ActionUploadProof)}
		}
		_, err := u.uploadProof(upload)
		return err
	})
}

// uploadProof stores the proof. From awaiting_payment it is the funding
// transition; from a later non-terminal state it only appends an event.
func (u *unit) uploadProof(upload ProofUpload) (*Proof, error) {
	if u.escrow.IsTerminal() {
		return nil, &core.InvalidTransitionError{EscrowID: u.escrow.ID, From: string(u.escrow.Status), Action: string(ActionUploadProof)}
	}

	proof := Proof{
		ID:                   uuid.NewString(),
		EscrowID:             u.escrow.ID,
		UploadedBy:           upload.Actor.UserID,
		FileRef:              upload.FileRef,
		Description:          upload.Description,
		TransactionReference: upload.TransactionReference,
		UploadedAt:           u.now,
	}
	if err := u.repo.CreateProof(u.ctx, proof); err != nil {
		return nil, err
	}

	meta := core.Metadata{"proof_id": proof.ID}
	if upload.TransactionReference != "" {
		meta["transaction_reference"] = upload.TransactionReference
	}

	if CanTransition(u.escrow.Status, ActionUploadProof) {
		u.escrow.PaymentProofUploaded = true
		u.escrow.PaidAt = &u.now
		if upload.TransactionReference != "" {
			u.escrow.TransactionReference = upload.TransactionReference
		}
		return &proof, u.apply(ActionUploadProof, upload.Actor.UserID, "Buyer uploaded payment proof", meta)
	}
	if err := u.save(); err != nil {
		return nil, err
	}
	return &proof, u.record(EventProofUploaded, upload.Actor.UserID, "Buyer uploaded additional payment proof", u.escrow.Status, meta)
}

// ConfirmPayment is the seller acknowledging receipt; funds are then held.
func (s *Service) ConfirmPayment(ctx context.Context, escrowID string, confirmer core.Actor) (*Escrow, error) {
	return s.mutate(ctx, escrowID, func(u *unit) error {
		if confirmer.UserID != u.escrow.SellerID {
			return unauthorized("only the seller can confirm payment")
		}
		u.escrow.PaymentConfirmedBySeller = true
		u.escrow.ConfirmedAt = &u.now
		if u.escrow.ReleaseDeadline == nil && s.releaseWindow > 0 {
			deadline := u.now.Add(s.releaseWindow)
			u.escrow.ReleaseDeadline = &deadline
		}
		return u.apply(ActionConfirmPayment, confirmer.UserID, "Seller confirmed payment received", nil)
	})
}

// =============================================================================
// SETTLEMENT
// =============================================================================

// Release pays the full amount to the seller. Allowed for the buyer and for admins.
func (s *Service) Release(ctx context.Context, escrowID string, actor core.Actor) (*Escrow, error) {
	return s.mutate(ctx, escrowID, func(u *unit) error {
		switch {
		case actor.UserID == u.escrow.BuyerID:
		case actor.IsAdmin() && !u.escrow.IsParty(actor.UserID):
			if err := u.override(actor.UserID, ActionRelease, ""); err != nil {
				return err
			}
		default:
			return unauthorized("only the buyer or an admin can release funds")
		}
		return u.release(actor.UserID, "Funds released to seller")
	})
}

func (u *unit) release(by core.UserID, description string) error {
	u.escrow.ReleasedAmount = u.escrow.Amount
	u.escrow.RefundedAmount = decimal.Zero
	u.escrow.ReleasedAt = &u.now
	return u.apply(ActionRelease, by, description, disposition(u.escrow))
}

// Refund returns the full amount to the buyer. Allowed for the seller and for admins.
func (s *Service) Refund(ctx context.Context, escrowID string, actor core.Actor) (*Escrow, error) {
	return s.mutate(ctx, escrowID, func(u *unit) error {
		switch {
		case actor.UserID == u.escrow.SellerID:
		case actor.IsAdmin() && !u.escrow.IsParty(actor.UserID):
			if err := u.override(actor.UserID, ActionRefund, ""); err != nil {
				return err
			}
		default:
			return unauthorized("only the seller or an admin can refund")
		}
		u.escrow.RefundedAmount = u.escrow.Amount
		u.escrow.ReleasedAmount = decimal.Zero
		return u.apply(ActionRefund, actor.UserID, "Funds refunded to buyer", disposition(u.escrow))
	})
}

// override records an admin acting in place of a party, ahead of the
// transition it forces. Rolled back with it if the transition is refused.
func (u *unit) override(admin core.UserID, action Action, reason string) error {
	if !CanTransition(u.escrow.Status, action) {
		return &core.InvalidTransitionError{EscrowID: u.escrow.ID, From: string(u.escrow.Status), Action: string(action)}
	}
	u.escrow.ForcedActionBy = admin
	meta := core.Metadata{"action": string(action)}
	if reason != "" {
		meta["reason"] = reason
	}
	return u.record(EventAdminAction, admin, "Admin override", u.escrow.Status, meta)
}

func disposition(e *Escrow) core.Metadata {
	return core.Metadata{
		"released_amount": core.Money(e.ReleasedAmount),
		"refunded_amount": core.Money(e.RefundedAmount),
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel ends a non-terminal escrow. An admin cancels outright (closing an
// open dispute). A party only records a request; the escrow is cancelled
// when the other party requests too. Funds in custody go back to the buyer.
func (s *Service) Cancel(ctx context.Context, escrowID string, actor core.Actor, reason string) (*Escrow, error) {
	return s.mutate(ctx, escrowID, func(u *unit) error {
		e := u.escrow
		if e.IsTerminal() {
			return &core.InvalidTransitionError{EscrowID: e.ID, From: string(e.Status), Action: string(ActionCancel)}
		}

		if actor.IsAdmin() && !e.IsParty(actor.UserID) {
			if e.Status == StatusDisputed {
				if err := u.closeDispute(actor.UserID, reason); err != nil {
					return err
				}
			}
			if reason != "" {
				e.AdminNotes = reason
			}
			if err := u.override(actor.UserID, ActionCancel, reason); err != nil {
				return err
			}
			return u.cancel(actor.UserID, "Cancelled by admin", reason)
		}

		if !e.IsParty(actor.UserID) {
			return unauthorized("only a party or an admin can cancel")
		}
		if e.Status == StatusDisputed {
			return &core.InvalidTransitionError{EscrowID: e.ID, From: string(e.Status), Action: "request_cancel"}
		}

		switch e.CancelRequestedBy {
		case actor.UserID:
			return nil
		case e.Counterparty(actor.UserID):
			return u.cancel(actor.UserID, "Cancelled by mutual agreement", reason)
		default:
			e.CancelRequestedBy = actor.UserID
			if err := u.save(); err != nil {
				return err
			}
			return u.record(EventCancelRequested, actor.UserID, "Cancellation requested", e.Status, core.Metadata{"reason": reason})
		}
	})
}

func (u *unit) cancel(by core.UserID, description, reason string) error {
	if u.escrow.Status.Funded() {
		u.escrow.RefundedAmount = u.escrow.Amount
		u.escrow.ReleasedAmount = decimal.Zero
	}
	meta := disposition(u.escrow)
	meta["reason"] = reason
	return u.apply(ActionCancel, by, description, meta)
}

// =============================================================================
// QUERIES
// =============================================================================

// Get returns the escrow if viewer is a party or an admin.
func (s *Service) Get(ctx context.Context, escrowID string, viewer core.Actor) (*Escrow, error) {
	e, err := s.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !e.IsParty(viewer.UserID) && !viewer.IsAdmin() {
		return nil, unauthorized("not a party to escrow %s", escrowID)
	}
	return e, nil
}

// Events returns the escrow's audit trail in append order.
func (s *Service) Events(ctx context.Context, escrowID string, viewer core.Actor) ([]Event, error) {
	if _, err := s.Get(ctx, escrowID, viewer); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, escrowID)
}

// ListForUser returns escrows where userID is buyer or seller, newest first.
func (s *Service) ListForUser(ctx context.Context, userID core.UserID, filter ListFilter) ([]Escrow, error) {
	if filter.Role != "" && filter.Role != "buyer" && filter.Role != "seller" {
		return nil, core.Invalid("role must be buyer or seller")
	}
	return s.store.ListEscrowsForUser(ctx, userID, filter)
}

// =============================================================================
// DEADLINE SWEEPS
// =============================================================================

// ExpireOverdue expires every escrow still awaiting funds past its payment
// deadline. Safe to run concurrently with party actions and with itself.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	ids, err := s.store.ListPastPaymentDeadline(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	n, err := s.sweep(ctx, ids, func(u *unit) (bool, error) {
		return u.expireIfOverdue()
	})
	s.metrics.Swept("expired", n)
	return n, err
}

// AutoRelease releases every held escrow whose release deadline has passed.
func (s *Service) AutoRelease(ctx context.Context) (int, error) {
	ids, err := s.store.ListPastReleaseDeadline(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	n, err := s.sweep(ctx, ids, func(u *unit) (bool, error) {
		return u.releaseIfOverdue()
	})
	s.metrics.Swept("auto_released", n)
	return n, err
}

// sweep runs step for each id in its own unit. One failure does not stop the rest.
func (s *Service) sweep(ctx context.Context, ids []string, step func(u *unit) (bool, error)) (int, error) {
	var (
		moved int
		errs  []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var (
			out    Escrow
			events []Event
			did    bool
		)
		err := s.store.WithTx(ctx, func(repo Repository) error {
			e, err := repo.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			u := &unit{ctx: ctx, repo: repo, escrow: e, now: s.clock.Now()}
			did, err = step(u)
			out, events = *u.escrow, u.events
			return err
		})
		if err != nil {
			s.logFailure(id, err)
			errs = append(errs, fmt.Errorf("escrow %s: %w", id, err))
			continue
		}
		if did {
			moved++
			s.published(ctx, &out, events)
		}
	}
	return moved, errors.Join(errs...)
}
