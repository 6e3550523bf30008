/*
Package credits implements the credit ledger that gates paid marketplace
actions (viewing property details, listing, featuring, contact reveal).

KEY CONCEPTS IN THIS FILE (types.go):
  - Balance: per-user cached running total, mutated only via Credit/Debit
  - Transaction: an immutable ledger row with before/after snapshots
  - Package: a purchasable bundle of credits
  - PricingRule: credits required for an action
  - PropertyView: the "already paid" marker for a property

SIGN CONVENTION:
  Transaction.Amount is always signed. Credits (purchase, refund, bonus,
  referral, positive adjustment) are positive. Debits (usage, negative
  adjustment) are negative. For every completed row:

      BalanceAfter - BalanceBefore == Amount

  so the cached balance always equals the sum of completed amounts.

SEE ALSO:
  - service.go: The only code that mutates balances
  - ledger.go: Replays the ledger to reconcile cached balances
  - pricing.go: Price lookup with hard-coded fallbacks
*/
package credits

import (
	"time"

	"github.com/property237/credit-escrow/core"
	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxPurchase        TransactionType = "purchase"
	TxUsage           TransactionType = "usage"
	TxRefund          TransactionType = "refund"
	TxBonus           TransactionType = "bonus"
	TxReferral        TransactionType = "referral"
	TxAdminAdjustment TransactionType = "admin_adjustment"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxUsage, TxRefund, TxBonus, TxReferral, TxAdminAdjustment:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type Transaction struct {
	ID            string
	UserID        core.UserID
	Type          TransactionType
	Amount        decimal.Decimal // signed, see package doc
	Status        Status
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Description   string
	ReferenceID   string // property id, original transaction id, payment id
	PackageID     string

	// Payment details (purchases only)
	PaymentMethod    string
	PaymentReference string
	PaymentAmount    decimal.NullDecimal
	PaymentCurrency  string

	Metadata    core.Metadata
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// IsCredit reports whether the row adds to the balance.
func (t Transaction) IsCredit() bool { return t.Amount.IsPositive() }

// =============================================================================
// BALANCE - Cached running total, one per user
// =============================================================================

type Balance struct {
	UserID         core.UserID
	Balance        decimal.Decimal
	TotalPurchased decimal.Decimal
	TotalSpent     decimal.Decimal
	TotalEarned    decimal.Decimal
	LastPurchaseAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewBalance returns an empty balance for a user.
func NewBalance(userID core.UserID, now time.Time) Balance {
	return Balance{
		UserID:         userID,
		Balance:        decimal.Zero,
		TotalPurchased: decimal.Zero,
		TotalSpent:     decimal.Zero,
		TotalEarned:    decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// HasCredits reports whether the balance covers amount.
func (b *Balance) HasCredits(amount decimal.Decimal) bool {
	return b.Balance.GreaterThanOrEqual(amount)
}

// Credit adds amount and updates the lifetime totals for the transaction type.
// Returns the new balance.
func (b *Balance) Credit(amount decimal.Decimal, txType TransactionType, now time.Time) decimal.Decimal {
	b.Balance = b.Balance.Add(amount)
	switch txType {
	case TxPurchase:
		b.TotalPurchased = b.TotalPurchased.Add(amount)
		b.LastPurchaseAt = &now
	case TxBonus, TxReferral:
		b.TotalEarned = b.TotalEarned.Add(amount)
	}
	b.UpdatedAt = now
	return b.Balance
}

// Debit subtracts amount. The balance never goes negative: a debit larger
// than the balance fails and leaves the balance unchanged. Only usage counts
// toward TotalSpent.
func (b *Balance) Debit(amount decimal.Decimal, txType TransactionType, now time.Time) (decimal.Decimal, error) {
	if !b.HasCredits(amount) {
		return b.Balance, &core.InsufficientCreditsError{
			UserID:    b.UserID,
			Required:  amount,
			Available: b.Balance,
		}
	}
	b.Balance = b.Balance.Sub(amount)
	if txType == TxUsage {
		b.TotalSpent = b.TotalSpent.Add(amount)
	}
	b.UpdatedAt = now
	return b.Balance, nil
}

// =============================================================================
// PACKAGE - Purchasable bundle
// =============================================================================

type Package struct {
	ID           string
	Name         string
	Credits      int
	BonusCredits int
	Price        decimal.Decimal
	Currency     string // XAF, USD, EUR
	IsPopular    bool
	IsActive     bool
	DisplayOrder int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

var supportedCurrencies = map[string]bool{"XAF": true, "USD": true, "EUR": true}

// SupportedCurrency reports whether packages may be priced in code.
func SupportedCurrency(code string) bool { return supportedCurrencies[code] }

// TotalCredits is base credits plus bonus credits.
func (p Package) TotalCredits() decimal.Decimal {
	return decimal.NewFromInt(int64(p.Credits + p.BonusCredits))
}

// PricePerCredit is the effective price of one credit including the bonus.
func (p Package) PricePerCredit() decimal.Decimal {
	total := p.TotalCredits()
	if total.IsZero() {
		return decimal.Zero
	}
	return p.Price.DivRound(total, 2)
}

// Validate checks the admin-entered fields.
func (p Package) Validate() error {
	switch {
	case p.ID == "":
		return core.Invalid("package id is required")
	case p.Credits < 1:
		return core.Invalid("package %s: credits must be at least 1", p.ID)
	case p.BonusCredits < 0:
		return core.Invalid("package %s: bonus credits cannot be negative", p.ID)
	case p.Price.LessThan(decimal.RequireFromString("0.01")):
		return core.Invalid("package %s: price must be at least 0.01", p.ID)
	case !SupportedCurrency(p.Currency):
		return core.Invalid("package %s: unsupported currency %q", p.ID, p.Currency)
	}
	return nil
}

// =============================================================================
// PROPERTY VIEW - De-duplication record
// =============================================================================

type PropertyView struct {
	UserID        core.UserID
	PropertyID    string
	TransactionID string
	IPAddress     string
	ViewedAt      time.Time
}

// =============================================================================
// ACCESS CHECK
// =============================================================================

type AccessReason string

const (
	AccessAlreadyViewed       AccessReason = "already_viewed"
	AccessSufficientCredits   AccessReason = "sufficient_credits"
	AccessInsufficientCredits AccessReason = "insufficient_credits"
	AccessNoBalance           AccessReason = "no_balance"
)

// =============================================================================
// STATISTICS
// =============================================================================

type Statistics struct {
	Balance          decimal.Decimal
	TotalPurchased   decimal.Decimal
	TotalSpent       decimal.Decimal
	TotalEarned      decimal.Decimal
	PurchaseCount    int
	UsageCount       int
	PropertiesViewed int
	LastPurchaseAt   *time.Time
}

// TransactionFilter narrows a history query. Zero values mean "any".
type TransactionFilter struct {
	Type   TransactionType
	Status Status
	Limit  int

	// Oldest reverses the default newest-first order to ledger (insertion) order.
	Oldest bool
}
