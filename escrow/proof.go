package escrow

import (
	"context"
	"fmt"

	"github.com/property237/credit-escrow/core"
)

// AddProof stores another payment proof from the buyer. On an escrow still
// awaiting payment this is the funding transition; later it only appends a
// proof_uploaded event.
func (s *Service) AddProof(ctx context.Context, escrowID string, upload ProofUpload) (*Proof, error) {
	if err := upload.validate(); err != nil {
		return nil, err
	}

	var proof *Proof
	_, err := s.mutate(ctx, escrowID, func(u *unit) error {
		if upload.Actor.UserID != u.escrow.BuyerID {
			return unauthorized("only the buyer can upload payment proofs")
		}
		if u.escrow.Status == StatusCreated {
			if err := u.initiate(upload.Actor.UserID); err != nil {
				return err
			}
		}
		var err error
		proof, err = u.uploadProof(upload)
		return err
	})
	if err != nil {
		return nil, err
	}
	return proof, nil
}

// VerifyProof marks a proof as checked. The verifier is the seller or an
// admin, never the uploader, and a proof is verified once. A settled escrow's
// proofs are frozen with it.
func (s *Service) VerifyProof(ctx context.Context, proofID string, verifier core.Actor, notes string) (*Proof, error) {
	p, err := s.store.GetProof(ctx, proofID)
	if err != nil {
		return nil, err
	}

	var out Proof
	_, err = s.mutate(ctx, p.EscrowID, func(u *unit) error {
		p, err := u.repo.GetProof(u.ctx, proofID)
		if err != nil {
			return err
		}
		if verifier.UserID == p.UploadedBy {
			return unauthorized("a proof cannot be verified by its uploader")
		}
		if verifier.UserID != u.escrow.SellerID && !isArbiter(verifier, u.escrow) {
			return unauthorized("only the seller or an admin can verify a proof")
		}
		if u.escrow.IsTerminal() {
			return &core.InvalidTransitionError{EscrowID: u.escrow.ID, From: string(u.escrow.Status), Action: "verify_proof"}
		}
		if p.IsVerified {
			return fmt.Errorf("%w: proof %s is already verified", core.ErrInvalidEscrowState, p.ID)
		}

		p.IsVerified = true
		p.VerifiedBy = verifier.UserID
		p.VerificationNotes = notes
		p.VerifiedAt = &u.now
		if err := u.repo.MarkProofVerified(u.ctx, *p); err != nil {
			return err
		}
		out = *p
		return u.record(EventProofVerified, verifier.UserID, "Payment proof verified", u.escrow.Status,
			core.Metadata{"proof_id": p.ID})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Proofs lists the escrow's proofs, newest first.
func (s *Service) Proofs(ctx context.Context, escrowID string, viewer core.Actor) ([]Proof, error) {
	if _, err := s.Get(ctx, escrowID, viewer); err != nil {
		return nil, err
	}
	return s.store.ListProofs(ctx, escrowID)
}
