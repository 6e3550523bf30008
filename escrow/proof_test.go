package escrow_test

import (
	"context"
	"testing"

	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/escrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddProof_FundsThenAppends(t *testing.T) {
	// GIVEN: A created escrow
	// WHEN: The buyer uploads a first proof, then another after confirmation
	// THEN: The first funds the escrow, the second only appends an event

	ctx := context.Background()
	svc, _ := newTestService(t)
	e := createEscrow(t, svc, "6000")

	first, err := svc.AddProof(ctx, e.ID, proof("OM-1"))
	require.NoError(t, err)
	assert.Equal(t, buyer.UserID, first.UploadedBy)

	_, err = svc.ConfirmPayment(ctx, e.ID, seller)
	require.NoError(t, err)

	_, err = svc.AddProof(ctx, e.ID, proof("OM-2"))
	require.NoError(t, err)

	got, err := svc.Get(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, got.Status)
	assert.Equal(t, "OM-1", got.TransactionReference, "later proofs do not overwrite the funding reference")

	events, err := svc.Events(ctx, e.ID, buyer)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, escrow.EventProofUploaded, last.Type)
	assert.Equal(t, escrow.StatusHeld, last.FromStatus)
	assert.Equal(t, escrow.StatusHeld, last.ToStatus)

	proofs, err := svc.Proofs(ctx, e.ID, seller)
	require.NoError(t, err)
	assert.Len(t, proofs, 2)

	_, err = svc.AddProof(ctx, e.ID, escrow.ProofUpload{Actor: buyer})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestVerifyProof_SellerOnceNeverUploader(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e := createEscrow(t, svc, "6000")
	p, err := svc.AddProof(ctx, e.ID, proof("OM-9"))
	require.NoError(t, err)

	_, err = svc.VerifyProof(ctx, p.ID, buyer, "looks right")
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, err = svc.VerifyProof(ctx, p.ID, outsider, "")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	verified, err := svc.VerifyProof(ctx, p.ID, seller, "received on MoMo")
	require.NoError(t, err)
	assert.True(t, verified.IsVerified)
	assert.Equal(t, seller.UserID, verified.VerifiedBy)
	require.NotNil(t, verified.VerifiedAt)

	_, err = svc.VerifyProof(ctx, p.ID, admin, "")
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState)

	_, err = svc.VerifyProof(ctx, "no-such-proof", seller, "")
	assert.ErrorIs(t, err, core.ErrProofNotFound)

	types := eventTypes(t, svc, e.ID)
	assert.Equal(t, escrow.EventProofVerified, types[len(types)-1])
}

func TestVerifyProof_FrozenAfterSettlement(t *testing.T) {
	// GIVEN: A held escrow with an unverified proof
	// WHEN: The buyer releases and the seller then verifies the proof
	// THEN: Verification is rejected and the trail ends at the release

	ctx := context.Background()
	svc, _ := newTestService(t)
	e := heldEscrow(t, svc, "4000")

	proofs, err := svc.Proofs(ctx, e.ID, seller)
	require.NoError(t, err)
	require.Len(t, proofs, 1)

	_, err = svc.Release(ctx, e.ID, buyer)
	require.NoError(t, err)
	before := eventTypes(t, svc, e.ID)

	_, err = svc.VerifyProof(ctx, proofs[0].ID, seller, "late check")
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState)

	after := eventTypes(t, svc, e.ID)
	assert.Equal(t, before, after)
	assert.Equal(t, escrow.EventReleased, after[len(after)-1])

	proofs, err = svc.Proofs(ctx, e.ID, seller)
	require.NoError(t, err)
	assert.False(t, proofs[0].IsVerified)
}
