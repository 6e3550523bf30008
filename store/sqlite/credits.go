package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/credits"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CREDIT STORE (credits.TxStore)
// =============================================================================

// CreditStore implements credits.TxStore.
type CreditStore struct {
	creditRepo
	parent *Store
}

var _ credits.TxStore = (*CreditStore)(nil)

// WithTx runs fn as one atomic unit.
func (cs *CreditStore) WithTx(ctx context.Context, fn func(credits.Repository) error) error {
	return cs.parent.withTx(ctx, func(tx *sql.Tx) error {
		return fn(creditRepo{q: tx})
	})
}

// creditRepo implements credits.Repository on a *sql.DB or a *sql.Tx.
type creditRepo struct {
	q querier
}

// =============================================================================
// BALANCES
// =============================================================================

const balanceColumns = `user_id, balance, total_purchased, total_spent, total_earned,
	last_purchase_at, created_at, updated_at`

func (r creditRepo) GetBalance(ctx context.Context, userID core.UserID) (*credits.Balance, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+balanceColumns+" FROM credit_balances WHERE user_id = ?", userID)

	var (
		b                                 credits.Balance
		balance, purchased, spent, earned string
		lastPurchase                      sql.NullString
		createdAt, updatedAt              string
	)
	err := row.Scan(&b.UserID, &balance, &purchased, &spent, &earned, &lastPurchase, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrBalanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	b.Balance = core.MustParseDecimal(balance)
	b.TotalPurchased = core.MustParseDecimal(purchased)
	b.TotalSpent = core.MustParseDecimal(spent)
	b.TotalEarned = core.MustParseDecimal(earned)
	b.LastPurchaseAt = parseNullTime(lastPurchase)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	return &b, nil
}

// GetBalanceForUpdate is GetBalance; inside WithTx the unit already holds
// the database write lock.
func (r creditRepo) GetBalanceForUpdate(ctx context.Context, userID core.UserID) (*credits.Balance, error) {
	return r.GetBalance(ctx, userID)
}

func (r creditRepo) CreateBalance(ctx context.Context, b credits.Balance) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO credit_balances (`+balanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.UserID,
		b.Balance.String(),
		b.TotalPurchased.String(),
		b.TotalSpent.String(),
		b.TotalEarned.String(),
		nullTime(b.LastPurchaseAt),
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create balance: %w", err)
	}
	return nil
}

func (r creditRepo) SaveBalance(ctx context.Context, b credits.Balance) error {
	if b.Balance.IsNegative() {
		return fmt.Errorf("refusing to save negative balance for %s", b.UserID)
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE credit_balances
		SET balance = ?, total_purchased = ?, total_spent = ?, total_earned = ?,
		    last_purchase_at = ?, updated_at = ?
		WHERE user_id = ?`,
		b.Balance.String(),
		b.TotalPurchased.String(),
		b.TotalSpent.String(),
		b.TotalEarned.String(),
		nullTime(b.LastPurchaseAt),
		formatTime(b.UpdatedAt),
		b.UserID,
	)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrBalanceNotFound
	}
	return nil
}

// =============================================================================
// PACKAGES
// =============================================================================

const packageColumns = `id, name, credits, bonus_credits, price, currency,
	is_popular, is_active, display_order, created_at, updated_at`

func scanPackage(scan func(dest ...any) error) (credits.Package, error) {
	var (
		p                    credits.Package
		price                string
		createdAt, updatedAt string
	)
	err := scan(&p.ID, &p.Name, &p.Credits, &p.BonusCredits, &price, &p.Currency,
		&p.IsPopular, &p.IsActive, &p.DisplayOrder, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	p.Price = core.MustParseDecimal(price)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func (r creditRepo) GetActivePackage(ctx context.Context, id string) (*credits.Package, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+packageColumns+" FROM credit_packages WHERE id = ? AND is_active", id)
	p, err := scanPackage(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrPackageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load package: %w", err)
	}
	return &p, nil
}

func (r creditRepo) ListPackages(ctx context.Context, activeOnly bool) ([]credits.Package, error) {
	query := "SELECT " + packageColumns + " FROM credit_packages"
	if activeOnly {
		query += " WHERE is_active"
	}
	query += " ORDER BY display_order ASC, CAST(price AS REAL) ASC"

	rows, err := r.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var out []credits.Package
	for rows.Next() {
		p, err := scanPackage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r creditRepo) SavePackage(ctx context.Context, p credits.Package) error {
	now := formatTime(time.Now())
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO credit_packages (`+packageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			credits = excluded.credits,
			bonus_credits = excluded.bonus_credits,
			price = excluded.price,
			currency = excluded.currency,
			is_popular = excluded.is_popular,
			is_active = excluded.is_active,
			display_order = excluded.display_order,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Credits, p.BonusCredits, p.Price.String(), p.Currency,
		p.IsPopular, p.IsActive, p.DisplayOrder, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save package %s: %w", p.ID, err)
	}
	return nil
}

// =============================================================================
// PRICING
// =============================================================================

func (r creditRepo) GetPricing(ctx context.Context, action credits.Action) (*credits.PricingRule, error) {
	var (
		rule     credits.PricingRule
		required string
	)
	err := r.q.QueryRowContext(ctx,
		"SELECT action, credits_required, description, is_active FROM credit_pricing WHERE action = ?",
		action,
	).Scan(&rule.Action, &required, &rule.Description, &rule.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing: %w", err)
	}
	rule.CreditsRequired = core.MustParseDecimal(required)
	return &rule, nil
}

func (r creditRepo) ListPricing(ctx context.Context) ([]credits.PricingRule, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT action, credits_required, description, is_active FROM credit_pricing ORDER BY action")
	if err != nil {
		return nil, fmt.Errorf("failed to query pricing: %w", err)
	}
	defer rows.Close()

	var out []credits.PricingRule
	for rows.Next() {
		var (
			rule     credits.PricingRule
			required string
		)
		if err := rows.Scan(&rule.Action, &required, &rule.Description, &rule.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan pricing: %w", err)
		}
		rule.CreditsRequired = core.MustParseDecimal(required)
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r creditRepo) SavePricing(ctx context.Context, rule credits.PricingRule) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO credit_pricing (action, credits_required, description, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(action) DO UPDATE SET
			credits_required = excluded.credits_required,
			description = excluded.description,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		rule.Action, rule.CreditsRequired.String(), rule.Description, rule.IsActive, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save pricing %s: %w", rule.Action, err)
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

const transactionColumns = `id, user_id, tx_type, amount, status, balance_before, balance_after,
	description, reference_id, package_id, payment_method, payment_reference,
	payment_amount, payment_currency, metadata_json, created_at, completed_at`

func (r creditRepo) AppendTransaction(ctx context.Context, tx credits.Transaction) error {
	var paymentAmount sql.NullString
	if tx.PaymentAmount.Valid {
		paymentAmount = sql.NullString{String: tx.PaymentAmount.Decimal.String(), Valid: true}
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO credit_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID,
		tx.UserID,
		tx.Type,
		tx.Amount.String(),
		tx.Status,
		tx.BalanceBefore.String(),
		tx.BalanceAfter.String(),
		tx.Description,
		nullString(tx.ReferenceID),
		nullString(tx.PackageID),
		nullString(tx.PaymentMethod),
		nullString(tx.PaymentReference),
		paymentAmount,
		nullString(tx.PaymentCurrency),
		tx.Metadata.Marshal(),
		formatTime(tx.CreatedAt),
		nullTime(tx.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && tx.Type == credits.TxRefund {
			return core.ErrAlreadyRefunded
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// FinalizeTransaction moves a pending row to a final status. Rows that are
// no longer pending are rejected by the schema.
func (r creditRepo) FinalizeTransaction(ctx context.Context, id string, status credits.Status, balanceAfter decimal.Decimal, at time.Time) error {
	if status == credits.StatusPending {
		return fmt.Errorf("cannot finalize transaction %s as pending", id)
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE credit_transactions
		SET status = ?, balance_after = ?, completed_at = ?
		WHERE id = ? AND status = 'pending'`,
		status, balanceAfter.String(), formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finalize transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: no pending transaction %s", core.ErrTransactionNotFound, id)
	}
	return nil
}

func scanTransaction(scan func(dest ...any) error) (credits.Transaction, error) {
	var (
		tx                              credits.Transaction
		amount, before, after           string
		referenceID, packageID          sql.NullString
		paymentMethod, paymentReference sql.NullString
		paymentAmount, paymentCurrency  sql.NullString
		metadataJSON, createdAt         string
		completedAt                     sql.NullString
	)
	err := scan(&tx.ID, &tx.UserID, &tx.Type, &amount, &tx.Status, &before, &after,
		&tx.Description, &referenceID, &packageID, &paymentMethod, &paymentReference,
		&paymentAmount, &paymentCurrency, &metadataJSON, &createdAt, &completedAt)
	if err != nil {
		return tx, err
	}
	tx.Amount = core.MustParseDecimal(amount)
	tx.BalanceBefore = core.MustParseDecimal(before)
	tx.BalanceAfter = core.MustParseDecimal(after)
	tx.ReferenceID = referenceID.String
	tx.PackageID = packageID.String
	tx.PaymentMethod = paymentMethod.String
	tx.PaymentReference = paymentReference.String
	if paymentAmount.Valid {
		tx.PaymentAmount = decimal.NewNullDecimal(core.MustParseDecimal(paymentAmount.String))
	}
	tx.PaymentCurrency = paymentCurrency.String
	tx.Metadata = core.ParseMetadata(metadataJSON)
	tx.CreatedAt = parseTime(createdAt)
	tx.CompletedAt = parseNullTime(completedAt)
	return tx, nil
}

func (r creditRepo) GetTransaction(ctx context.Context, id string) (*credits.Transaction, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM credit_transactions WHERE id = ?", id)
	tx, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return &tx, nil
}

func (r creditRepo) GetTransactionForUpdate(ctx context.Context, id string) (*credits.Transaction, error) {
	return r.GetTransaction(ctx, id)
}

func (r creditRepo) ListTransactions(ctx context.Context, userID core.UserID, filter credits.TransactionFilter) ([]credits.Transaction, error) {
	var (
		where = []string{"user_id = ?"}
		args  = []any{userID}
	)
	if filter.Type != "" {
		where = append(where, "tx_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := "SELECT " + transactionColumns + " FROM credit_transactions WHERE " + strings.Join(where, " AND ")
	if filter.Oldest {
		query += " ORDER BY seq ASC"
	} else {
		query += " ORDER BY seq DESC"
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []credits.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r creditRepo) HasRefund(ctx context.Context, originalID string) (bool, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM credit_transactions WHERE tx_type = 'refund' AND reference_id = ?",
		originalID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check refund: %w", err)
	}
	return count > 0, nil
}

// =============================================================================
// PROPERTY VIEWS
// =============================================================================

func (r creditRepo) HasPropertyView(ctx context.Context, userID core.UserID, propertyID string) (bool, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM property_views WHERE user_id = ? AND property_id = ?",
		userID, propertyID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check property view: %w", err)
	}
	return count > 0, nil
}

func (r creditRepo) CreatePropertyView(ctx context.Context, v credits.PropertyView) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO property_views (user_id, property_id, transaction_id, ip_address, viewed_at)
		VALUES (?, ?, ?, ?, ?)`,
		v.UserID, v.PropertyID, nullString(v.TransactionID), nullString(v.IPAddress), formatTime(v.ViewedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrAlreadyViewed
		}
		return fmt.Errorf("failed to record property view: %w", err)
	}
	return nil
}

func (r creditRepo) ListPropertyViews(ctx context.Context, userID core.UserID) ([]credits.PropertyView, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT user_id, property_id, transaction_id, ip_address, viewed_at
		FROM property_views
		WHERE user_id = ?
		ORDER BY viewed_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query property views: %w", err)
	}
	defer rows.Close()

	var out []credits.PropertyView
	for rows.Next() {
		var (
			v        credits.PropertyView
			txID, ip sql.NullString
			viewedAt string
		)
		if err := rows.Scan(&v.UserID, &v.PropertyID, &txID, &ip, &viewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan property view: %w", err)
		}
		v.TransactionID = txID.String
		v.IPAddress = ip.String
		v.ViewedAt = parseTime(viewedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}
