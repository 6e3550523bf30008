package escrow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/escrow"
	"github.com/property237/credit-escrow/notify"
	notifymocks "github.com/property237/credit-escrow/notify/mocks"
	"github.com/property237/credit-escrow/store/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	testStart = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

	buyer    = core.Actor{UserID: "buyer-1", Role: core.RoleUser}
	seller   = core.Actor{UserID: "seller-1", Role: core.RoleUser}
	outsider = core.Actor{UserID: "user-9", Role: core.RoleUser}
	admin    = core.Actor{UserID: "admin-1", Role: core.RoleAdmin}
)

func newTestService(t *testing.T, opts ...escrow.Option) (*escrow.Service, *core.FakeClock) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewFakeClock(testStart)
	opts = append([]escrow.Option{escrow.WithClock(clock)}, opts...)
	return escrow.NewService(store.Escrows(), opts...), clock
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func createEscrow(t *testing.T, svc *escrow.Service, amount string) *escrow.Escrow {
	t.Helper()
	e, err := svc.CreateEscrow(context.Background(), escrow.CreateRequest{
		Actor:      buyer,
		Type:       escrow.TypeDeposit,
		BuyerID:    buyer.UserID,
		SellerID:   seller.UserID,
		PropertyID: "prop-42",
		Amount:     dec(amount),
		Terms:      "Security deposit for apartment 4B",
	})
	require.NoError(t, err)
	return e
}

func proof(ref string) escrow.ProofUpload {
	return escrow.ProofUpload{
		Actor:                buyer,
		FileRef:              "proofs/" + ref + ".jpg",
		TransactionReference: ref,
	}
}

// heldEscrow returns an escrow funded by the buyer and confirmed by the seller.
func heldEscrow(t *testing.T, svc *escrow.Service, amount string) *escrow.Escrow {
	t.Helper()
	ctx := context.Background()
	e := createEscrow(t, svc, amount)
	_, err := svc.FundEscrow(ctx, e.ID, proof("MOMO-1"))
	require.NoError(t, err)
	e, err = svc.ConfirmPayment(ctx, e.ID, seller)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusHeld, e.Status)
	return e
}

func eventTypes(t *testing.T, svc *escrow.Service, id string) []escrow.EventType {
	t.Helper()
	events, err := svc.Events(context.Background(), id, admin)
	require.NoError(t, err)
	types := make([]escrow.EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreateEscrow_Defaults(t *testing.T) {
	svc, _ := newTestService(t)
	e := createEscrow(t, svc, "150000")

	assert.Regexp(t, `^ESC[0-9A-F]{12}$`, e.ID)
	assert.Equal(t, escrow.StatusCreated, e.Status)
	assert.Equal(t, escrow.DefaultCurrency, e.Currency)
	require.NotNil(t, e.ExpiresAt)
	assert.True(t, testStart.Add(escrow.DefaultPaymentWindow).Equal(*e.ExpiresAt))
	assert.Empty(t, eventTypes(t, svc, e.ID), "creation is not a transition")
}

func TestCreateEscrow_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	past := testStart.Add(-time.Hour)

	base := escrow.CreateRequest{
		Actor:    buyer,
		Type:     escrow.TypeSale,
		BuyerID:  buyer.UserID,
		SellerID: seller.UserID,
		Amount:   dec("1000"),
	}

	tests := []struct {
		name   string
		mutate func(r *escrow.CreateRequest)
		want   error
	}{
		{"same buyer and seller", func(r *escrow.CreateRequest) { r.SellerID = r.BuyerID }, core.ErrInvalidInput},
		{"zero amount", func(r *escrow.CreateRequest) { r.Amount = decimal.Zero }, core.ErrInvalidInput},
		{"sub-cent amount", func(r *escrow.CreateRequest) { r.Amount = dec("10.005") }, core.ErrInvalidInput},
		{"unknown type", func(r *escrow.CreateRequest) { r.Type = "loan" }, core.ErrInvalidInput},
		{"unsupported currency", func(r *escrow.CreateRequest) { r.Currency = "GBP" }, core.ErrInvalidInput},
		{"deadline in the past", func(r *escrow.CreateRequest) { r.ExpiresAt = &past }, core.ErrInvalidInput},
		{"outsider creator", func(r *escrow.CreateRequest) { r.Actor = outsider }, core.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := svc.CreateEscrow(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	req := base
	req.Actor = admin
	_, err := svc.CreateEscrow(ctx, req)
	assert.NoError(t, err, "admins may open escrows for others")
}

// =============================================================================
// FUNDING AND SETTLEMENT
// =============================================================================

func TestFundingFlow_AppendsOneEventPerEdge(t *testing.T) {
	// GIVEN: A created escrow
	// WHEN: The buyer funds it and the seller confirms
	// THEN: Three events are appended and the escrow is held

	ctx := context.Background()
	svc, _ := newTestService(t)
	e := createEscrow(t, svc, "150000")

	funded, err := svc.FundEscrow(ctx, e.ID, proof("MOMO-7781"))
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusPaidPendingConfirm, funded.Status)
	assert.True(t, funded.PaymentProofUploaded)
	assert.Equal(t, "MOMO-7781", funded.TransactionReference)
	require.NotNil(t, funded.PaidAt)

	held, err := svc.ConfirmPayment(ctx, e.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, held.Status)
	assert.True(t, held.PaymentConfirmedBySeller)

	events, err := svc.Events(ctx, e.ID, buyer)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, escrow.EventPaymentInitiated, events[0].Type)
	assert.Equal(t, escrow.EventProofUploaded, events[1].Type)
	assert.Equal(t, escrow.EventPaymentConfirmed, events[2].Type)

	for i, ev := range events {
		if i > 0 {
			assert.Equal(t, events[i-1].ToStatus, ev.FromStatus, "events chain")
			assert.Greater(t, ev.Seq, events[i-1].Seq)
		}
	}
	assert.Equal(t, escrow.StatusCreated, events[0].FromStatus)
	assert.Equal(t, escrow.StatusHeld, events[2].ToStatus)
	assert.Equal(t, seller.UserID, events[2].CreatedBy)
}

func TestConfirmPayment_OnlySeller(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e := createEscrow(t, svc, "5000")
	_, err := svc.FundEscrow(ctx, e.ID, proof("REF"))
	require.NoError(t, err)

	_, err = svc.ConfirmPayment(ctx, e.ID, buyer)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = svc.FundEscrow(ctx, e.ID, escrow.ProofUpload{Actor: seller, FileRef: "x.jpg"})
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestRelease_TerminalOnce(t *testing.T) {
	// GIVEN: A held escrow
	// WHEN: The buyer releases, then anyone tries another settlement
	// THEN: Only the first succeeds

	ctx := context.Background()
	svc, _ := newTestService(t)
	e := heldEscrow(t, svc, "150000")

	_, err := svc.Release(ctx, e.ID, seller)
	assert.ErrorIs(t, err, core.ErrUnauthorized, "the seller cannot release to themselves")

	released, err := svc.Release(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, released.Status)
	assertDecimal(t, "150000", released.ReleasedAmount)
	assertDecimal(t, "0", released.RefundedAmount)
	require.NotNil(t, released.ReleasedAt)

	_, err = svc.Release(ctx, e.ID, buyer)
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState)
	_, err = svc.Refund(ctx, e.ID, seller)
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState)
	_, err = svc.Cancel(ctx, e.ID, admin, "too late")
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState)

	assert.Len(t, eventTypes(t, svc, e.ID), 4)
}

func TestRefund_ByAdminIsForced(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e := heldEscrow(t, svc, "900")

	_, err := svc.Refund(ctx, e.ID, buyer)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	refunded, err := svc.Refund(ctx, e.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusRefunded, refunded.Status)
	assertDecimal(t, "900", refunded.RefundedAmount)
	assert.Equal(t, admin.UserID, refunded.ForcedActionBy)

	events, err := svc.Events(ctx, e.ID, admin)
	require.NoError(t, err)
	require.Len(t, events, 5)
	override := events[3]
	assert.Equal(t, escrow.EventAdminAction, override.Type)
	assert.Equal(t, admin.UserID, override.CreatedBy)
	assert.Equal(t, escrow.StatusHeld, override.ToStatus)
	assert.Equal(t, "refund", override.Metadata["action"])
	assert.Equal(t, escrow.EventRefunded, events[4].Type)
}

func TestGet_OnlyPartiesAndAdmins(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e := createEscrow(t, svc, "100")

	_, err := svc.Get(ctx, e.ID, outsider)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	_, err = svc.Events(ctx, e.ID, outsider)
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	got, err := svc.Get(ctx, e.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assertDecimal(t, "100", got.Amount)

	_, err = svc.Get(ctx, "ESC000000000000", admin)
	assert.ErrorIs(t, err, core.ErrEscrowNotFound)
}

func TestListForUser_FiltersByRole(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)
	first := createEscrow(t, svc, "100")
	clock.Advance(time.Minute)

	second, err := svc.CreateEscrow(ctx, escrow.CreateRequest{
		Actor:    seller,
		Type:     escrow.TypeRentAdvance,
		BuyerID:  seller.UserID,
		SellerID: "landlord-3",
		Amount:   dec("250"),
	})
	require.NoError(t, err)

	all, err := svc.ListForUser(ctx, seller.UserID, escrow.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	asSeller, err := svc.ListForUser(ctx, seller.UserID, escrow.ListFilter{Role: "seller"})
	require.NoError(t, err)
	require.Len(t, asSeller, 1)
	assert.Equal(t, first.ID, asSeller[0].ID)

	_, err = svc.ListForUser(ctx, seller.UserID, escrow.ListFilter{Role: "broker"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestLazyExpiry_CommitsExpiredAndRejects(t *testing.T) {
	// GIVEN: An escrow whose payment deadline has passed
	// WHEN: The buyer tries to fund it
	// THEN: The escrow is expired (and stays expired), the action fails

	ctx := context.Background()
	svc, clock := newTestService(t)
	e := createEscrow(t, svc, "5000")

	clock.Advance(escrow.DefaultPaymentWindow + time.Minute)

	_, err := svc.FundEscrow(ctx, e.ID, proof("LATE"))
	require.ErrorIs(t, err, core.ErrEscrowExpired)

	got, err := svc.Get(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusExpired, got.Status)

	events, err := svc.Events(ctx, e.ID, buyer)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, escrow.EventExpired, events[0].Type)
	assert.Equal(t, core.SystemActor.UserID, events[0].CreatedBy)

	_, err = svc.FundEscrow(ctx, e.ID, proof("LATE"))
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState, "already expired")
	assert.NotErrorIs(t, err, core.ErrEscrowExpired)
}

func TestExpireOverdue_SweepsOnlyPastDeadline(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t)

	overdue := createEscrow(t, svc, "100")
	later := testStart.Add(72 * time.Hour)
	fresh, err := svc.CreateEscrow(ctx, escrow.CreateRequest{
		Actor:     buyer,
		Type:      escrow.TypeDeposit,
		BuyerID:   buyer.UserID,
		SellerID:  seller.UserID,
		Amount:    dec("100"),
		ExpiresAt: &later,
	})
	require.NoError(t, err)
	held := heldEscrow(t, svc, "100")

	clock.Advance(48 * time.Hour)

	n, err := svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "idempotent")

	for id, want := range map[string]escrow.Status{
		overdue.ID: escrow.StatusExpired,
		fresh.ID:   escrow.StatusCreated,
		held.ID:    escrow.StatusHeld,
	} {
		got, err := svc.Get(ctx, id, admin)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}
}

func TestAutoRelease_AfterReleaseWindow(t *testing.T) {
	ctx := context.Background()
	svc, clock := newTestService(t, escrow.WithReleaseWindow(72*time.Hour))
	e := heldEscrow(t, svc, "2500")
	require.NotNil(t, e.ReleaseDeadline)

	clock.Advance(71 * time.Hour)
	n, err := svc.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = svc.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assertDecimal(t, "2500", got.ReleasedAmount)

	events, err := svc.Events(ctx, e.ID, buyer)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, escrow.EventReleased, last.Type)
	assert.Equal(t, core.SystemActor.UserID, last.CreatedBy)
}

func TestLazyRelease_OverdueHeldEscrowReleasesFirst(t *testing.T) {
	// GIVEN: A held escrow whose release deadline passed before any sweep ran
	// WHEN: The buyer tries to open a dispute
	// THEN: The escrow is released to the seller by system, the dispute is rejected

	ctx := context.Background()
	svc, clock := newTestService(t, escrow.WithReleaseWindow(time.Hour))
	e := heldEscrow(t, svc, "8000")

	clock.Advance(2 * time.Hour)

	_, err := svc.OpenDispute(ctx, e.ID, buyer, "keys never handed over", "")
	require.ErrorIs(t, err, core.ErrInvalidEscrowState)

	got, err := svc.Get(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, got.Status)
	assertDecimal(t, "8000", got.ReleasedAmount)

	events, err := svc.Events(ctx, e.ID, buyer)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, escrow.EventReleased, last.Type)
	assert.Equal(t, core.SystemActor.UserID, last.CreatedBy)

	_, err = svc.Refund(ctx, e.ID, seller)
	assert.ErrorIs(t, err, core.ErrInvalidEscrowState)
	assert.Len(t, eventTypes(t, svc, e.ID), len(events), "released once")

	n, err := svc.AutoRelease(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left for the sweep")
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestCancel_NeedsBothParties(t *testing.T) {
	// GIVEN: A held escrow
	// WHEN: The buyer asks to cancel (twice), then the seller agrees
	// THEN: One request event, then the cancellation refunds the buyer

	ctx := context.Background()
	svc, _ := newTestService(t)
	e := heldEscrow(t, svc, "7000")

	requested, err := svc.Cancel(ctx, e.ID, buyer, "deal fell through")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusHeld, requested.Status)
	assert.Equal(t, buyer.UserID, requested.CancelRequestedBy)

	_, err = svc.Cancel(ctx, e.ID, buyer, "please")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, e.ID, outsider, "")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	cancelled, err := svc.Cancel(ctx, e.ID, seller, "agreed")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, cancelled.Status)
	assertDecimal(t, "7000", cancelled.RefundedAmount)

	assert.Equal(t, []escrow.EventType{
		escrow.EventPaymentInitiated,
		escrow.EventProofUploaded,
		escrow.EventPaymentConfirmed,
		escrow.EventCancelRequested,
		escrow.EventCancelled,
	}, eventTypes(t, svc, e.ID))
}

func TestCancel_UnfundedRefundsNothing(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	e := createEscrow(t, svc, "300")

	cancelled, err := svc.Cancel(ctx, e.ID, admin, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, cancelled.Status)
	assertDecimal(t, "0", cancelled.RefundedAmount)
	assert.Equal(t, "duplicate", cancelled.AdminNotes)
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func TestNotifierFailure_DoesNotRollBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := notifymocks.NewMockNotifier(ctrl)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("sms gateway down")).AnyTimes()

	ctx := context.Background()
	svc, _ := newTestService(t, escrow.WithNotifier(notifier))
	e := heldEscrow(t, svc, "1200")

	released, err := svc.Release(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, released.Status)

	got, err := svc.Get(ctx, e.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusReleased, got.Status)
}

func TestNotifications_SentToBothParties(t *testing.T) {
	var sent []notify.Notification
	ctrl := gomock.NewController(t)
	notifier := notifymocks.NewMockNotifier(ctrl)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, n notify.Notification) error {
			sent = append(sent, n)
			return nil
		},
	).AnyTimes()

	ctx := context.Background()
	svc, _ := newTestService(t, escrow.WithNotifier(notifier))
	e := heldEscrow(t, svc, "1200")

	_, err := svc.Release(ctx, e.ID, buyer)
	require.NoError(t, err)

	require.Len(t, sent, 5, "created plus four transitions")
	assert.Equal(t, notify.KindEscrowCreated, sent[0].Kind)
	last := sent[len(sent)-1]
	assert.Equal(t, notify.KindEscrowTransition, last.Kind)
	assert.Equal(t, e.ID, last.Subject)
	assert.Equal(t, []core.UserID{buyer.UserID, seller.UserID}, last.Recipients)
	assert.Equal(t, "released", last.Data.Get("to"))
	assert.Equal(t, "1200.00", last.Data.Get("released_amount"))
}
