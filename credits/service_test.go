package credits_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/credits"
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

var testStart = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts ...credits.Option) (*credits.Service, *sqlite.Store, *core.FakeClock) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := core.NewFakeClock(testStart)
	opts = append([]credits.Option{credits.WithClock(clock)}, opts...)
	return credits.NewService(store.Credits(), opts...), store, clock
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func starterPackage() credits.Package {
	return credits.Package{
		ID:           "starter",
		Name:         "Starter",
		Credits:      10,
		BonusCredits: 2,
		Price:        dec("5000"),
		Currency:     "XAF",
		IsActive:     true,
		CreatedAt:    testStart,
		UpdatedAt:    testStart,
	}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if !dec(want).Equal(got) {
		assert.Fail(t, fmt.Sprintf("want %s, got %s", want, got), msgAndArgs...)
	}
}

func assertReconciles(t *testing.T, svc *credits.Service, userID core.UserID) {
	t.Helper()
	rep, err := svc.Reconcile(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, rep.Consistent(), "cached %s, replayed %s, broken %v", rep.Cached, rep.Replayed, rep.BrokenRows)
}

// =============================================================================
// PROPERTY VIEW CHARGING
// =============================================================================

func TestUseCredits_ViewProperty_ChargedOnce(t *testing.T) {
	// GIVEN: A new user with the 5.00 welcome bonus
	// WHEN: Viewing property 42 twice
	// THEN: The first view costs 1.00, the second is rejected as already viewed

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	bal, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "5.00", bal.Balance)

	tx, err := svc.UseCredits(ctx, credits.UseRequest{
		UserID:      "user-1",
		Action:      credits.ActionViewProperty,
		ReferenceID: "42",
		IPAddress:   "10.0.0.7",
	})
	require.NoError(t, err)
	assert.Equal(t, credits.TxUsage, tx.Type)
	assertDecimal(t, "-1.00", tx.Amount)
	assertDecimal(t, "5.00", tx.BalanceBefore)
	assertDecimal(t, "4.00", tx.BalanceAfter)
	assert.Equal(t, "view_property", tx.Metadata.Get("action"))

	_, err = svc.UseCredits(ctx, credits.UseRequest{
		UserID:      "user-1",
		Action:      credits.ActionViewProperty,
		ReferenceID: "42",
	})
	require.ErrorIs(t, err, core.ErrAlreadyViewed)
	var viewed *core.AlreadyViewedError
	require.ErrorAs(t, err, &viewed)
	assert.Equal(t, "42", viewed.PropertyID)

	bal, err = svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "4.00", bal.Balance)
	assertDecimal(t, "1.00", bal.TotalSpent)

	views, err := svc.PropertyViews(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, tx.ID, views[0].TransactionID)
	assertReconciles(t, svc, "user-1")
}

// staleViewStore hides committed property views from the in-transaction
// check, so the charge reaches the unique index the way a concurrent
// request that passed the check before the other committed would.
type staleViewStore struct {
	credits.TxStore
}

func (s staleViewStore) WithTx(ctx context.Context, fn func(credits.Repository) error) error {
	return s.TxStore.WithTx(ctx, func(repo credits.Repository) error {
		return fn(staleViewRepo{repo})
	})
}

type staleViewRepo struct {
	credits.Repository
}

func (staleViewRepo) HasPropertyView(context.Context, core.UserID, string) (bool, error) {
	return false, nil
}

func TestUseCredits_ViewIndexConflictRollsBackCharge(t *testing.T) {
	// GIVEN: A user who already paid to view property 42
	// WHEN: A second charge for 42 misses the view check and hits the unique index
	// THEN: It fails as already viewed and neither the debit nor the ledger row survives

	ctx := context.Background()
	svc, store, clock := newTestService(t)
	_, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)
	_, err = svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionViewProperty, ReferenceID: "42"})
	require.NoError(t, err)

	txsBefore, err := svc.Transactions(ctx, "user-1", credits.TransactionFilter{})
	require.NoError(t, err)

	racing := credits.NewService(staleViewStore{store.Credits()}, credits.WithClock(clock))
	_, err = racing.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionViewProperty, ReferenceID: "42"})
	require.ErrorIs(t, err, core.ErrAlreadyViewed)
	var viewed *core.AlreadyViewedError
	require.ErrorAs(t, err, &viewed)
	assert.Equal(t, "42", viewed.PropertyID)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "4.00", bal.Balance)
	assertDecimal(t, "1.00", bal.TotalSpent)

	txsAfter, err := svc.Transactions(ctx, "user-1", credits.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txsAfter, len(txsBefore))

	views, err := svc.PropertyViews(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, views, 1)
	assertReconciles(t, svc, "user-1")
}

func TestUseCredits_AlreadyViewedWinsOverInsufficient(t *testing.T) {
	// GIVEN: A user who spent their only credit on property 42
	// WHEN: Viewing property 42 again with a zero balance
	// THEN: The answer is "already viewed", not "insufficient credits"

	ctx := context.Background()
	svc, _, _ := newTestService(t, credits.WithWelcomeBonus(dec("1.00")))

	_, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)
	_, err = svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionViewProperty, ReferenceID: "42"})
	require.NoError(t, err)

	_, err = svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionViewProperty, ReferenceID: "42"})
	assert.ErrorIs(t, err, core.ErrAlreadyViewed)
	assert.NotErrorIs(t, err, core.ErrInsufficientCredits)
}

func TestUseCredits_Insufficient_ReportsRequiredAndAvailable(t *testing.T) {
	// GIVEN: A user holding 0.50 credits
	// WHEN: Listing a property (5.00)
	// THEN: Rejected with both amounts, nothing written to the ledger

	ctx := context.Background()
	svc, _, _ := newTestService(t, credits.WithWelcomeBonus(dec("0.50")))

	_, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionListProperty})
	require.ErrorIs(t, err, core.ErrInsufficientCredits)

	var insufficient *core.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assertDecimal(t, "5.00", insufficient.Required)
	assertDecimal(t, "0.50", insufficient.Available)

	txs, err := svc.Transactions(ctx, "user-1", credits.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 1, "only the welcome bonus")
	assert.Equal(t, credits.TxBonus, txs[0].Type)
}

func TestUseCredits_NoBalanceRow_IsInsufficient(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.UseCredits(ctx, credits.UseRequest{UserID: "ghost", Action: credits.ActionContactReveal})

	var insufficient *core.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assertDecimal(t, "0.50", insufficient.Required)
	assertDecimal(t, "0", insufficient.Available)
}

func TestUseCredits_ConfiguredPriceOverridesDefault(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	require.NoError(t, store.Credits().SavePricing(ctx, credits.PricingRule{
		Action:          credits.ActionViewProperty,
		CreditsRequired: dec("2.00"),
		IsActive:        true,
	}))
	_, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)

	tx, err := svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionViewProperty, ReferenceID: "7"})
	require.NoError(t, err)
	assertDecimal(t, "-2.00", tx.Amount)
	assertDecimal(t, "3.00", tx.BalanceAfter)

	price, err := svc.GetPrice(ctx, credits.ActionFeaturedListing)
	require.NoError(t, err)
	assertDecimal(t, "2.00", price, "default when no rule")
}

func TestUseCredits_InactiveRuleFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	require.NoError(t, store.Credits().SavePricing(ctx, credits.PricingRule{
		Action:          credits.ActionListProperty,
		CreditsRequired: dec("9.00"),
		IsActive:        false,
	}))

	price, err := svc.GetPrice(ctx, credits.ActionListProperty)
	require.NoError(t, err)
	assertDecimal(t, "5.00", price)
}

func TestUseCredits_Concurrent_NeverOverspends(t *testing.T) {
	// GIVEN: A user with 3.00 credits
	// WHEN: Ten goroutines each view a different property at the same time
	// THEN: Exactly three succeed and the balance ends at zero

	ctx := context.Background()
	svc, _, _ := newTestService(t, credits.WithWelcomeBonus(dec("3.00")))
	_, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)

	var (
		wg           sync.WaitGroup
		ok, rejected atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.UseCredits(ctx, credits.UseRequest{
				UserID:      "user-1",
				Action:      credits.ActionViewProperty,
				ReferenceID: fmt.Sprintf("prop-%d", i),
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, core.ErrInsufficientCredits):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 3, ok.Load())
	assert.EqualValues(t, 7, rejected.Load())

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "0", bal.Balance)
	assertReconciles(t, svc, "user-1")
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchaseCredits_CreditsBaseAndBonus(t *testing.T) {
	// GIVEN: A package of 10 credits + 2 bonus
	// WHEN: A user without a balance buys it
	// THEN: 12 credits are added in one completed purchase row

	ctx := context.Background()
	svc, store, _ := newTestService(t)
	require.NoError(t, store.Credits().SavePackage(ctx, starterPackage()))

	tx, err := svc.PurchaseCredits(ctx, credits.PurchaseRequest{
		UserID:        "user-1",
		PackageID:     "starter",
		PaymentMethod: "mtn_momo",
	})
	require.NoError(t, err)
	assert.Equal(t, credits.TxPurchase, tx.Type)
	assert.Equal(t, credits.StatusCompleted, tx.Status)
	assertDecimal(t, "12", tx.Amount)
	assertDecimal(t, "0", tx.BalanceBefore)
	assertDecimal(t, "12", tx.BalanceAfter)
	assert.Regexp(t, `^PAY-`, tx.PaymentReference)
	require.True(t, tx.PaymentAmount.Valid)
	assertDecimal(t, "5000", tx.PaymentAmount.Decimal)

	stored, err := store.Credits().GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, credits.StatusCompleted, stored.Status)
	assertDecimal(t, "12", stored.BalanceAfter)
	require.NotNil(t, stored.CompletedAt)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "12", bal.Balance)
	assertDecimal(t, "12", bal.TotalPurchased)
	require.NotNil(t, bal.LastPurchaseAt)
	assert.True(t, testStart.Equal(*bal.LastPurchaseAt))
	assertReconciles(t, svc, "user-1")
}

func TestPurchaseCredits_InactivePackage_NotFound(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	pkg := starterPackage()
	pkg.IsActive = false
	require.NoError(t, store.Credits().SavePackage(ctx, pkg))

	_, err := svc.PurchaseCredits(ctx, credits.PurchaseRequest{UserID: "user-1", PackageID: "starter"})
	assert.ErrorIs(t, err, core.ErrPackageNotFound)

	_, err = svc.PurchaseCredits(ctx, credits.PurchaseRequest{UserID: "user-1", PackageID: "missing"})
	assert.ErrorIs(t, err, core.ErrPackageNotFound)

	_, err = svc.GetBalance(ctx, "user-1")
	assert.ErrorIs(t, err, core.ErrBalanceNotFound, "the unit rolled back")
}

func TestPurchaseCredits_NotifierFailureDoesNotRollBack(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := notifymocks.NewMockNotifier(ctrl)
	notifier.EXPECT().Notify(gomock.Any(), gomock.Any()).Return(errors.New("push gateway down"))

	ctx := context.Background()
	svc, store, _ := newTestService(t, credits.WithNotifier(notifier))
	require.NoError(t, store.Credits().SavePackage(ctx, starterPackage()))

	_, err := svc.PurchaseCredits(ctx, credits.PurchaseRequest{UserID: "user-1", PackageID: "starter"})
	require.NoError(t, err)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "12", bal.Balance)
}

// =============================================================================
// REFUND
// =============================================================================

func TestRefundCredits_RestoresExactAmountOnce(t *testing.T) {
	// GIVEN: A user who paid 1.00 to view a property
	// WHEN: The usage is refunded twice
	// THEN: The first refund restores 1.00, the second is rejected

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)

	usage, err := svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionViewProperty, ReferenceID: "42"})
	require.NoError(t, err)

	refund, err := svc.RefundCredits(ctx, "user-1", usage.ID, "listing removed")
	require.NoError(t, err)
	assert.Equal(t, credits.TxRefund, refund.Type)
	assert.Equal(t, usage.ID, refund.ReferenceID)
	assertDecimal(t, "1.00", refund.Amount)
	assertDecimal(t, "4.00", refund.BalanceBefore)
	assertDecimal(t, "5.00", refund.BalanceAfter)

	_, err = svc.RefundCredits(ctx, "user-1", usage.ID, "again")
	assert.ErrorIs(t, err, core.ErrAlreadyRefunded)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "5.00", bal.Balance)
	assertDecimal(t, "1.00", bal.TotalSpent, "a refund does not undo spending totals")
	assertReconciles(t, svc, "user-1")
}

func TestRefundCredits_OnlyOwnCompletedUsage(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	require.NoError(t, store.Credits().SavePackage(ctx, starterPackage()))

	purchase, err := svc.PurchaseCredits(ctx, credits.PurchaseRequest{UserID: "user-1", PackageID: "starter"})
	require.NoError(t, err)
	usage, err := svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionContactReveal})
	require.NoError(t, err)

	_, err = svc.RefundCredits(ctx, "user-1", purchase.ID, "")
	assert.ErrorIs(t, err, core.ErrTransactionNotFound, "purchases are not refundable here")

	_, err = svc.RefundCredits(ctx, "user-2", usage.ID, "")
	assert.ErrorIs(t, err, core.ErrTransactionNotFound, "another user's usage")

	_, err = svc.RefundCredits(ctx, "user-1", "no-such-tx", "")
	assert.ErrorIs(t, err, core.ErrTransactionNotFound)
}

// =============================================================================
// GRANTS
// =============================================================================

func TestOnUserCreated_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)
	bal, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "5.00", bal.Balance)
	assertDecimal(t, "5.00", bal.TotalEarned)

	txs, err := svc.Transactions(ctx, "user-1", credits.TransactionFilter{Type: credits.TxBonus})
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestGrantBonus_ReferralCountsAsEarned(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, credits.WithWelcomeBonus(decimal.Zero))

	tx, err := svc.GrantBonus(ctx, "user-1", credits.TxReferral, dec("2.50"), "referred user-9")
	require.NoError(t, err)
	assertDecimal(t, "2.50", tx.BalanceAfter)

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "2.50", bal.TotalEarned)

	_, err = svc.GrantBonus(ctx, "user-1", credits.TxPurchase, dec("1"), "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
	_, err = svc.GrantBonus(ctx, "user-1", credits.TxBonus, dec("-1"), "")
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}

func TestAdjustBalance_AdminOnly_NeverNegative(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	admin := core.Actor{UserID: "admin-1", Role: core.RoleAdmin}
	_, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)

	_, err = svc.AdjustBalance(ctx, core.Actor{UserID: "user-1", Role: core.RoleUser}, "user-1", dec("100"), "self service")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	tx, err := svc.AdjustBalance(ctx, admin, "user-1", dec("-2.00"), "chargeback")
	require.NoError(t, err)
	assert.Equal(t, credits.TxAdminAdjustment, tx.Type)
	assertDecimal(t, "-2.00", tx.Amount)
	assertDecimal(t, "3.00", tx.BalanceAfter)
	assert.Equal(t, "admin-1", tx.Metadata.Get("adjusted_by"))

	_, err = svc.AdjustBalance(ctx, admin, "user-1", dec("-3.01"), "too much")
	assert.ErrorIs(t, err, core.ErrInsufficientCredits)

	_, err = svc.AdjustBalance(ctx, admin, "user-1", dec("1"), "")
	assert.ErrorIs(t, err, core.ErrInvalidInput, "reason is required")

	bal, err := svc.GetBalance(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "3.00", bal.Balance)
	assertDecimal(t, "0", bal.TotalSpent, "adjustments are not spending")
	assertReconciles(t, svc, "user-1")
}

// =============================================================================
// QUERIES
// =============================================================================

func TestCheckPropertyAccess_Reasons(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, credits.WithWelcomeBonus(dec("1.00")))

	ok, reason, err := svc.CheckPropertyAccess(ctx, "user-1", "42")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, credits.AccessNoBalance, reason)

	_, err = svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)
	ok, reason, err = svc.CheckPropertyAccess(ctx, "user-1", "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, credits.AccessSufficientCredits, reason)

	_, err = svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionViewProperty, ReferenceID: "42"})
	require.NoError(t, err)

	ok, reason, err = svc.CheckPropertyAccess(ctx, "user-1", "42")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, credits.AccessAlreadyViewed, reason)

	ok, reason, err = svc.CheckPropertyAccess(ctx, "user-1", "43")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, credits.AccessInsufficientCredits, reason)
}

func TestStatistics_CountsActivity(t *testing.T) {
	ctx := context.Background()
	svc, store, clock := newTestService(t)
	require.NoError(t, store.Credits().SavePackage(ctx, starterPackage()))

	stats, err := svc.Statistics(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "0", stats.Balance)
	assert.Zero(t, stats.PurchaseCount)

	_, err = svc.PurchaseCredits(ctx, credits.PurchaseRequest{UserID: "user-1", PackageID: "starter"})
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionViewProperty, ReferenceID: "1"})
	require.NoError(t, err)
	_, err = svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionViewProperty, ReferenceID: "2"})
	require.NoError(t, err)

	stats, err = svc.Statistics(ctx, "user-1")
	require.NoError(t, err)
	assertDecimal(t, "10", stats.Balance)
	assertDecimal(t, "12", stats.TotalPurchased)
	assertDecimal(t, "2", stats.TotalSpent)
	assert.Equal(t, 1, stats.PurchaseCount)
	assert.Equal(t, 2, stats.UsageCount)
	assert.Equal(t, 2, stats.PropertiesViewed)
}

func TestTransactions_NewestFirstUnlessOldest(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t)
	_, err := svc.OnUserCreated(ctx, "user-1")
	require.NoError(t, err)
	clock.Advance(time.Second)
	usage, err := svc.UseCredits(ctx, credits.UseRequest{UserID: "user-1", Action: credits.ActionContactReveal})
	require.NoError(t, err)

	newest, err := svc.Transactions(ctx, "user-1", credits.TransactionFilter{})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, usage.ID, newest[0].ID)

	oldest, err := svc.Transactions(ctx, "user-1", credits.TransactionFilter{Oldest: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.Equal(t, credits.TxBonus, oldest[0].Type)

	_, err = svc.Transactions(ctx, "user-1", credits.TransactionFilter{Type: "gift"})
	assert.ErrorIs(t, err, core.ErrInvalidInput)
}
