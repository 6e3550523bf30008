package escrow_test

import (
	"context"
	"testing"

	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/escrow"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispute_ResolvedForSeller(t *testing.T) {
	// GIVEN: A held escrow
	// WHEN: The buyer disputes it and an admin rules for the seller
	// THEN: The escrow is released in full and the dispute is final

	ctx := context.Background()
	svc, _ := newTestService(t)
	e := heldEscrow(t, svc, "150000")

	d, err := svc.OpenDispute(ctx, e.ID, buyer, "keys never handed over", "photos of locked door")
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeOpen, d.Status)

	got, err := svc.Get(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusDisputed, got.Status)

	_, err = svc.Release(ctx, e.ID, buyer)
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState, "funds are frozen while disputed")

	resolved, err := svc.ResolveDispute(ctx, escrow.ResolveRequest{
		DisputeID: d.ID,
		Resolver:  admin,
		Outcome:   escrow.OutcomeSeller,
		Notes:     "handover confirmed by agent",
	})
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeResolvedSeller, resolved.Status)
	assert.Equal(t, admin.UserID, resolved.ResolvedBy)
	require.NotNil(t, resolved.ResolvedAt)

	got, err = svc.Get(ctx, e.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assertDecimal(t, "150000", got.ReleasedAmount)
	assert.Equal(t, admin.UserID, got.ForcedActionBy)

	assert.Equal(t, []escrow.EventType{
		escrow.EventPaymentInitiated,
		escrow.EventProofUploaded,
		escrow.EventPaymentConfirmed,
		escrow.EventDisputed,
		escrow.EventReleased,
	}, eventTypes(t, svc, e.ID))
}

func TestDispute_ResolvedOnce(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e := heldEscrow(t, svc, "800")

	d, err := svc.OpenDispute(ctx, e.ID, seller, "buyer moved in early", "")
	require.NoError(t, err)

	_, err = svc.ResolveDispute(ctx, escrow.ResolveRequest{DisputeID: d.ID, Resolver: admin, Outcome: escrow.OutcomeBuyer})
	require.NoError(t, err)

	_, err = svc.ResolveDispute(ctx, escrow.ResolveRequest{DisputeID: d.ID, Resolver: admin, Outcome: escrow.OutcomeSeller})
	assert.ErrorIs(t, err, core.ErrDisputeAlreadyResolved)

	got, err := svc.Get(ctx, e.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, got.Status, "the first decision stands")
	assertDecimal(t, "800", got.RefundedAmount)
	assertDecimal(t, "0", got.ReleasedAmount)
}

func TestDispute_Split(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e := heldEscrow(t, svc, "100000.00")

	d, err := svc.OpenDispute(ctx, e.ID, buyer, "partial damage", "")
	require.NoError(t, err)

	_, err = svc.ResolveDispute(ctx, escrow.ResolveRequest{
		DisputeID:   d.ID,
		Resolver:    admin,
		Outcome:     escrow.OutcomeSplit,
		SellerShare: decimal.NewNullDecimal(dec("1")),
	})
	assert.ErrorIs(t, err, core.ErrInvalidInput, "a full share is not a split")

	resolved, err := svc.ResolveDispute(ctx, escrow.ResolveRequest{
		DisputeID:   d.ID,
		Resolver:    admin,
		Outcome:     escrow.OutcomeSplit,
		SellerShare: decimal.NewNullDecimal(dec("0.3333")),
	})
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeResolvedSplit, resolved.Status)
	require.True(t, resolved.SellerShare.Valid)

	got, err := svc.Get(ctx, e.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assertDecimal(t, "33330.00", got.ReleasedAmount)
	assertDecimal(t, "66670.00", got.RefundedAmount)
	assert.True(t, got.ReleasedAmount.Add(got.RefundedAmount).Equal(got.Amount))
}

func TestSplitAmounts_AlwaysSumsToAmount(t *testing.T) {
	tests := []struct {
		amount, share, released, refunded string
	}{
		{"100.01", "0.5", "50.01", "50.00"},
		{"10", "0.3333", "3.33", "6.67"},
		{"0.01", "0.5", "0.01", "0.00"},
		{"999999.99", "0.125", "125000.00", "874999.99"},
	}
	for _, tt := range tests {
		released, refunded := escrow.SplitAmounts(dec(tt.amount), dec(tt.share))
		assertDecimal(t, tt.released, released)
		assertDecimal(t, tt.refunded, refunded)
		assert.True(t, released.Add(refunded).Equal(dec(tt.amount)))
	}
}

func TestDispute_OnlyNeutralAdminDecides(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	adminBuyer := core.Actor{UserID: "admin-buyer", Role: core.RoleAdmin}
	e, err := svc.CreateEscrow(ctx, escrow.CreateRequest{
		Actor:    adminBuyer,
		Type:     escrow.TypeCommission,
		BuyerID:  adminBuyer.UserID,
		SellerID: seller.UserID,
		Amount:   dec("50"),
	})
	require.NoError(t, err)
	_, err = svc.FundEscrow(ctx, e.ID, escrow.ProofUpload{Actor: adminBuyer, FileRef: "r.pdf"})
	require.NoError(t, err)
	_, err = svc.ConfirmPayment(ctx, e.ID, seller)
	require.NoError(t, err)

	d, err := svc.OpenDispute(ctx, e.ID, seller, "chargeback", "")
	require.NoError(t, err)

	_, err = svc.ResolveDispute(ctx, escrow.ResolveRequest{DisputeID: d.ID, Resolver: adminBuyer, Outcome: escrow.OutcomeBuyer})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, err = svc.ResolveDispute(ctx, escrow.ResolveRequest{DisputeID: d.ID, Resolver: seller, Outcome: escrow.OutcomeSeller})
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = svc.OpenDispute(ctx, e.ID, outsider, "me too", "")
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestDispute_ReviewThenResolve(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e := heldEscrow(t, svc, "400")

	_, err := svc.OpenDispute(ctx, e.ID, buyer, "", "")
	assert.ErrorIs(t, err, core.ErrInvalidInput, "reason is required")

	d, err := svc.OpenDispute(ctx, e.ID, buyer, "wrong unit", "")
	require.NoError(t, err)

	reviewed, err := svc.ReviewDispute(ctx, d.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, escrow.DisputeUnderReview, reviewed.Status)

	_, err = svc.ReviewDispute(ctx, d.ID, admin)
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState)

	_, err = svc.ResolveDispute(ctx, escrow.ResolveRequest{DisputeID: d.ID, Resolver: admin, Outcome: escrow.OutcomeBuyer})
	require.NoError(t, err)

	types := eventTypes(t, svc, e.ID)
	assert.Equal(t, escrow.EventDisputeReview, types[4])
	assert.Equal(t, escrow.EventRefunded, types[5])
}

func TestCancel_AdminClosesOpenDispute(t *testing.T) {
	// GIVEN: A disputed escrow
	// WHEN: A party asks to cancel, then an admin cancels
	// THEN: The party is refused, the admin cancel closes the dispute

	ctx := context.Background()
	svc, _ := newTestService(t)
	e := heldEscrow(t, svc, "3000")
	d, err := svc.OpenDispute(ctx, e.ID, buyer, "no answer from seller", "")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, e.ID, buyer, "give up")
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState)

	cancelled, err := svc.Cancel(ctx, e.ID, admin, "fraud suspected")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, cancelled.Status)
	assertDecimal(t, "3000", cancelled.RefundedAmount)

	_, err = svc.ResolveDispute(ctx, escrow.ResolveRequest{DisputeID: d.ID, Resolver: admin, Outcome: escrow.OutcomeSeller})
	assert.ErrorIs(t, err, core.ErrDisputeAlreadyResolved)
}
