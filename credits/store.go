package credits

import (
	"context"
	"time"

	"github.com/property237/credit-escrow/core"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REPOSITORY - Persistence of balances, ledger rows, packages, pricing, views
// =============================================================================

// Repository is the persistence surface of the credit ledger.
//
// The ledger is APPEND-ONLY: AppendTransaction is the only way to add a row
// and FinalizeTransaction may only move a pending row to a final status.
// Completed rows are never updated; corrections are new refund or
// adjustment rows.
type Repository interface {
	// GetBalance returns core.ErrBalanceNotFound when the user has no row.
	GetBalance(ctx context.Context, userID core.UserID) (*Balance, error)

	// GetBalanceForUpdate reads the balance for mutation. Only meaningful
	// inside WithTx, where the store holds the writer lock for the unit.
	GetBalanceForUpdate(ctx context.Context, userID core.UserID) (*Balance, error)

	CreateBalance(ctx context.Context, b Balance) error
	SaveBalance(ctx context.Context, b Balance) error

	// GetActivePackage returns core.ErrPackageNotFound for unknown or inactive packages.
	GetActivePackage(ctx context.Context, id string) (*Package, error)
	ListPackages(ctx context.Context, activeOnly bool) ([]Package, error)
	SavePackage(ctx context.Context, p Package) error

	// GetPricing returns nil, nil when no rule exists for the action.
	GetPricing(ctx context.Context, action Action) (*PricingRule, error)
	ListPricing(ctx context.Context) ([]PricingRule, error)
	SavePricing(ctx context.Context, r PricingRule) error

	AppendTransaction(ctx context.Context, tx Transaction) error
	FinalizeTransaction(ctx context.Context, id string, status Status, balanceAfter decimal.Decimal, at time.Time) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, userID core.UserID, filter TransactionFilter) ([]Transaction, error)
	HasRefund(ctx context.Context, originalID string) (bool, error)

	HasPropertyView(ctx context.Context, userID core.UserID, propertyID string) (bool, error)
	// CreatePropertyView returns core.ErrAlreadyViewed on a (user, property) collision.
	CreatePropertyView(ctx context.Context, v PropertyView) error
	ListPropertyViews(ctx context.Context, userID core.UserID) ([]PropertyView, error)
}

// TxStore runs a function as one atomic unit.
// If fn returns an error every write made through the Repository passed to
// fn is rolled back.
type TxStore interface {
	Repository
	WithTx(ctx context.Context, fn func(Repository) error) error
}
