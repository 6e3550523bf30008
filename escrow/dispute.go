package escrow

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/notify"
	"github.com/shopspring/decimal"
)

// =============================================================================
// OPEN
// =============================================================================

// OpenDispute freezes a held escrow until an arbiter resolves it.
func (s *Service) OpenDispute(ctx context.Context, escrowID string, opener core.Actor, reason, evidence string) (*Dispute, error) {
	if reason == "" {
		return nil, core.Invalid("dispute reason is required")
	}

	var dispute Dispute
	e, err := s.mutate(ctx, escrowID, func(u *unit) error {
		if !u.escrow.IsParty(opener.UserID) {
			return unauthorized("only the buyer or the seller can open a dispute")
		}
		dispute = Dispute{
			ID:                  uuid.NewString(),
			EscrowID:            u.escrow.ID,
			OpenedBy:            opener.UserID,
			Reason:              reason,
			EvidenceDescription: evidence,
			Status:              DisputeOpen,
			OpenedAt:            u.now,
		}
		if err := u.apply(ActionOpenDispute, opener.UserID, "Dispute opened: "+reason, core.Metadata{"dispute_id": dispute.ID}); err != nil {
			return err
		}
		return u.repo.CreateDispute(u.ctx, dispute)
	})
	if err != nil {
		return nil, err
	}

	_ = s.dispatch.Send(ctx, notify.Notification{
		Kind:       notify.KindDisputeOpened,
		Recipients: e.Parties(),
		Subject:    dispute.ID,
		Data:       core.Metadata{"escrow_id": e.ID, "opened_by": string(opener.UserID)},
	})
	return &dispute, nil
}

// =============================================================================
// REVIEW AND RESOLVE
// =============================================================================

// isArbiter reports whether actor may decide a dispute on e: an admin who
// is neither buyer nor seller.
func isArbiter(actor core.Actor, e *Escrow) bool {
	return actor.IsAdmin() && !e.IsParty(actor.UserID)
}

// ReviewDispute marks an open dispute as under review. The escrow stays disputed.
func (s *Service) ReviewDispute(ctx context.Context, disputeID string, arbiter core.Actor) (*Dispute, error) {
	d, err := s.store.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	var out Dispute
	_, err = s.mutate(ctx, d.EscrowID, func(u *unit) error {
		if !isArbiter(arbiter, u.escrow) {
			return unauthorized("only an admin who is not a party can review a dispute")
		}
		d, err := u.repo.GetDispute(u.ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Status.IsFinal() {
			return fmt.Errorf("%w: dispute %s is %s", core.ErrDisputeAlreadyResolved, d.ID, d.Status)
		}
		if d.Status != DisputeOpen {
			return fmt.Errorf("%w: dispute %s is already %s", core.ErrInvalidEscrowState, d.ID, d.Status)
		}

		prev := d.Status
		d.Status = DisputeUnderReview
		if err := u.repo.UpdateDispute(u.ctx, *d, prev); err != nil {
			return err
		}
		out = *d
		return u.record(EventDisputeReview, arbiter.UserID, "Dispute under review", u.escrow.Status,
			core.Metadata{"dispute_id": d.ID})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

type ResolveRequest struct {
	DisputeID string
	Resolver  core.Actor
	Outcome   Outcome
	Notes     string

	// SellerShare is the fraction of Amount released to the seller on a
	// split. Required for OutcomeSplit, strictly between 0 and 1.
	SellerShare decimal.NullDecimal
}

func (r ResolveRequest) validate() error {
	switch r.Outcome {
	case OutcomeBuyer, OutcomeSeller:
		return nil
	case OutcomeSplit:
		if !r.SellerShare.Valid {
			return core.Invalid("seller share is required for a split resolution")
		}
		if !r.SellerShare.Decimal.IsPositive() || !r.SellerShare.Decimal.LessThan(decimal.NewFromInt(1)) {
			return core.Invalid("seller share must be strictly between 0 and 1")
		}
		return nil
	}
	return core.Invalid("unknown dispute outcome %q", r.Outcome)
}

// SplitAmounts divides amount by share: the seller's part rounded to cents,
// the buyer gets the remainder so the two always sum to amount.
func SplitAmounts(amount, sellerShare decimal.Decimal) (released, refunded decimal.Decimal) {
	released = amount.Mul(sellerShare).Round(2)
	return released, amount.Sub(released)
}

// ResolveDispute applies the arbiter's decision. A dispute is resolved
// exactly once; a second attempt fails with core.ErrDisputeAlreadyResolved
// and changes nothing.
func (s *Service) ResolveDispute(ctx context.Context, req ResolveRequest) (*Dispute, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	d, err := s.store.GetDispute(ctx, req.DisputeID)
	if err != nil {
		return nil, err
	}

	var out Dispute
	e, err := s.mutate(ctx, d.EscrowID, func(u *unit) error {
		if !isArbiter(req.Resolver, u.escrow) {
			return unauthorized("only an admin who is not a party can resolve a dispute")
		}
		d, err := u.repo.GetDispute(u.ctx, req.DisputeID)
		if err != nil {
			return err
		}
		if d.Status.IsFinal() {
			return fmt.Errorf("%w: dispute %s is %s", core.ErrDisputeAlreadyResolved, d.ID, d.Status)
		}

		e := u.escrow
		var (
			action      Action
			description string
		)
		switch req.Outcome {
		case OutcomeBuyer:
			action, description = ActionResolveBuyer, "Dispute resolved in buyer's favor, funds refunded"
			d.Status = DisputeResolvedBuyer
			e.RefundedAmount, e.ReleasedAmount = e.Amount, decimal.Zero
		case OutcomeSeller:
			action, description = ActionResolveSeller, "Dispute resolved in seller's favor, funds released"
			d.Status = DisputeResolvedSeller
			e.ReleasedAmount, e.RefundedAmount = e.Amount, decimal.Zero
			e.ReleasedAt = &u.now
		case OutcomeSplit:
			action, description = ActionResolveSplit, "Dispute resolved with a split"
			d.Status = DisputeResolvedSplit
			d.SellerShare = req.SellerShare
			e.ReleasedAmount, e.RefundedAmount = SplitAmounts(e.Amount, req.SellerShare.Decimal)
			e.ReleasedAt = &u.now
		}
		d.ResolutionNotes = req.Notes
		d.ResolvedBy = req.Resolver.UserID
		d.ResolvedAt = &u.now
		e.ForcedActionBy = req.Resolver.UserID

		meta := disposition(e)
		meta["dispute_id"] = d.ID
		meta["outcome"] = string(req.Outcome)
		if req.Outcome == OutcomeSplit {
			meta["seller_share"] = req.SellerShare.Decimal.String()
		}
		if err := u.apply(action, req.Resolver.UserID, description, meta); err != nil {
			return err
		}
		if err := u.repo.UpdateDispute(u.ctx, *d, DisputeOpen, DisputeUnderReview); err != nil {
			return err
		}
		out = *d
		return nil
	})
	if err != nil {
		return nil, err
	}

	_ = s.dispatch.Send(ctx, notify.Notification{
		Kind:       notify.KindDisputeResolved,
		Recipients: e.Parties(),
		Subject:    out.ID,
		Data: core.Metadata{
			"escrow_id":       e.ID,
			"outcome":         string(req.Outcome),
			"released_amount": core.Money(e.ReleasedAmount),
			"refunded_amount": core.Money(e.RefundedAmount),
		},
	})
	return &out, nil
}

// closeDispute closes the escrow's dispute without a decision. Used when an
// admin cancels a disputed escrow.
func (u *unit) closeDispute(by core.UserID, notes string) error {
	d, err := u.repo.GetDisputeByEscrow(u.ctx, u.escrow.ID)
	if err != nil {
		return err
	}
	if d.Status.IsFinal() {
		return fmt.Errorf("%w: dispute %s is %s", core.ErrDisputeAlreadyResolved, d.ID, d.Status)
	}
	d.Status = DisputeClosed
	d.ResolvedBy = by
	d.ResolutionNotes = notes
	d.ResolvedAt = &u.now
	return u.repo.UpdateDispute(u.ctx, *d, DisputeOpen, DisputeUnderReview)
}
