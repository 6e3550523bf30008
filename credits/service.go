/*
service.go - Credit operations

PURPOSE:
  The only code that moves credits. Each operation is one atomic unit run
  through TxStore.WithTx: the balance read, the checks, the balance write
  and the ledger append either all commit or all roll back.

OPERATION ORDER (UseCredits):
  1. Create-or-fetch the balance under the writer lock
  2. Resolve the price (configured rule or hard-coded default)
  3. view_property only: reject a second charge BEFORE any debit
  4. Sufficiency check, debit, append the usage row (negative amount)
  5. view_property only: record the PropertyView linking the row

  Step 3 comes before step 4 so a user who already paid for a property and
  is now out of credits is told "already viewed", not "insufficient".

NOTIFICATIONS:
  Sent after commit. A delivery failure is logged and never undoes the
  committed unit.
*/
package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/metrics"
	"github.com/property237/credit-escrow/notify"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DefaultWelcomeBonus is granted by OnUserCreated unless configured otherwise.
var DefaultWelcomeBonus = decimal.RequireFromString("5.00")

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store        TxStore
	notifier     notify.Notifier
	dispatch     *notify.Dispatcher
	log          zerolog.Logger
	metrics      *metrics.Recorder
	clock        core.Clock
	welcomeBonus decimal.Decimal
}

type Option func(*Service)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log.With().Str("component", "credits").Logger() }
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

// WithWelcomeBonus sets the bonus granted on user creation. Zero disables it.
func WithWelcomeBonus(amount decimal.Decimal) Option {
	return func(s *Service) { s.welcomeBonus = amount }
}

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:        store,
		notifier:     notify.Nop,
		log:          zerolog.Nop(),
		clock:        core.RealClock(),
		welcomeBonus: DefaultWelcomeBonus,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatch = notify.NewDispatcher(s.notifier, s.log, s.metrics)
	return s
}

// =============================================================================
// PURCHASE
// =============================================================================

type PurchaseRequest struct {
	UserID           core.UserID
	PackageID        string
	PaymentMethod    string
	PaymentReference string // generated when empty
	Metadata         core.Metadata
}

// PurchaseCredits credits the package's total (base + bonus) to the user.
// The payment itself was settled by the gateway; only its reference is recorded.
func (s *Service) PurchaseCredits(ctx context.Context, req PurchaseRequest) (*Transaction, error) {
	if req.UserID == "" {
		return nil, core.Invalid("user id is required")
	}
	if req.PackageID == "" {
		return nil, core.Invalid("package id is required")
	}
	if req.PaymentReference == "" {
		req.PaymentReference = "PAY-" + shortuuid.New()
	}

	var result Transaction
	err := s.store.WithTx(ctx, func(repo Repository) error {
		pkg, err := repo.GetActivePackage(ctx, req.PackageID)
		if err != nil {
			return err
		}

		bal, err := s.balanceForUpdate(ctx, repo, req.UserID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		amount := pkg.TotalCredits()
		before := bal.Balance

		tx := Transaction{
			ID:               uuid.NewString(),
			UserID:           req.UserID,
			Type:             TxPurchase,
			Amount:           amount,
			Status:           StatusPending,
			BalanceBefore:    before,
			BalanceAfter:     before.Add(amount),
			Description:      fmt.Sprintf("Purchased %s (%d credits + %d bonus)", pkg.Name, pkg.Credits, pkg.BonusCredits),
			ReferenceID:      req.PaymentReference,
			PackageID:        pkg.ID,
			PaymentMethod:    req.PaymentMethod,
			PaymentReference: req.PaymentReference,
			PaymentAmount:    decimal.NewNullDecimal(pkg.Price),
			PaymentCurrency:  pkg.Currency,
			Metadata:         req.Metadata.Clone(),
			CreatedAt:        now,
		}
		if err := repo.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		after := bal.Credit(amount, TxPurchase, now)
		if err := repo.SaveBalance(ctx, *bal); err != nil {
			return err
		}
		if err := repo.FinalizeTransaction(ctx, tx.ID, StatusCompleted, after, now); err != nil {
			return err
		}

		tx.Status = StatusCompleted
		tx.BalanceAfter = after
		tx.CompletedAt = &now
		result = tx
		return nil
	})
	if err != nil {
		s.rejected(err)
		return nil, err
	}

	s.metrics.CreditTransaction(string(TxPurchase), result.Amount.InexactFloat64())
	s.log.Info().
		Str("user_id", string(result.UserID)).
		Str("transaction_id", result.ID).
		Str("package_id", result.PackageID).
		Str("amount", core.Money(result.Amount)).
		Msg("credits purchased")

	_ = s.dispatch.Send(ctx, notify.Notification{
		Kind:       notify.KindCreditsPurchased,
		Recipients: []core.UserID{result.UserID},
		Subject:    result.ID,
		Data: core.Metadata{
			"package_id": result.PackageID,
			"credits":    core.Money(result.Amount),
			"balance":    core.Money(result.BalanceAfter),
		},
	})
	return &result, nil
}

// =============================================================================
// USAGE
// =============================================================================

type UseRequest struct {
	UserID      core.UserID
	Action      Action
	ReferenceID string // property id for property actions
	Description string
	Metadata    core.Metadata
	IPAddress   string
}

// UseCredits charges the price of an action. For view_property a user is
// charged at most once per property.
func (s *Service) UseCredits(ctx context.Context, req UseRequest) (*Transaction, error) {
	if req.UserID == "" {
		return nil, core.Invalid("user id is required")
	}
	if req.Action == "" {
		return nil, core.Invalid("action is required")
	}
	if req.Action == ActionViewProperty && req.ReferenceID == "" {
		return nil, core.Invalid("property id is required for %s", ActionViewProperty)
	}

	var result Transaction
	err := s.store.WithTx(ctx, func(repo Repository) error {
		bal, err := s.balanceForUpdate(ctx, repo, req.UserID)
		if err != nil {
			return err
		}

		price, err := Price(ctx, repo, req.Action)
		if err != nil {
			return err
		}

		if req.Action == ActionViewProperty {
			viewed, err := repo.HasPropertyView(ctx, req.UserID, req.ReferenceID)
			if err != nil {
				return err
			}
			if viewed {
				return &core.AlreadyViewedError{UserID: req.UserID, PropertyID: req.ReferenceID}
			}
		}

		now := s.clock.Now()
		before := bal.Balance
		after, err := bal.Debit(price, TxUsage, now)
		if err != nil {
			return err
		}
		if err := repo.SaveBalance(ctx, *bal); err != nil {
			return err
		}

		description := req.Description
		if description == "" {
			description = fmt.Sprintf("Used %s credits for %s", core.Money(price), req.Action)
		}

		tx := Transaction{
			ID:            uuid.NewString(),
			UserID:        req.UserID,
			Type:          TxUsage,
			Amount:        price.Neg(),
			Status:        StatusCompleted,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   description,
			ReferenceID:   req.ReferenceID,
			Metadata:      req.Metadata.With("action", string(req.Action)),
			CreatedAt:     now,
			CompletedAt:   &now,
		}
		if err := repo.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		if req.Action == ActionViewProperty {
			err := repo.CreatePropertyView(ctx, PropertyView{
				UserID:        req.UserID,
				PropertyID:    req.ReferenceID,
				TransactionID: tx.ID,
				IPAddress:     req.IPAddress,
				ViewedAt:      now,
			})
			if errors.Is(err, core.ErrAlreadyViewed) {
				return &core.AlreadyViewedError{UserID: req.UserID, PropertyID: req.ReferenceID}
			}
			if err != nil {
				return err
			}
		}

		result = tx
		return nil
	})
	if err != nil {
		s.rejected(err)
		return nil, err
	}

	s.metrics.CreditTransaction(string(TxUsage), result.Amount.Abs().InexactFloat64())
	s.log.Info().
		Str("user_id", string(result.UserID)).
		Str("transaction_id", result.ID).
		Str("action", string(req.Action)).
		Str("reference_id", result.ReferenceID).
		Str("balance", core.Money(result.BalanceAfter)).
		Msg("credits used")
	return &result, nil
}

// =============================================================================
// REFUND
// =============================================================================

// RefundCredits returns the credits of a completed usage transaction. The
// original row is untouched; a new refund row references it. A usage row
// can be refunded once.
func (s *Service) RefundCredits(ctx context.Context, userID core.UserID, transactionID, reason string) (*Transaction, error) {
	if userID == "" || transactionID == "" {
		return nil, core.Invalid("user id and transaction id are required")
	}

	var result Transaction
	err := s.store.WithTx(ctx, func(repo Repository) error {
		orig, err := repo.GetTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		if orig.UserID != userID || orig.Type != TxUsage || orig.Status != StatusCompleted {
			return fmt.Errorf("%w: %s is not a completed usage transaction of user %s",
				core.ErrTransactionNotFound, transactionID, userID)
		}

		refunded, err := repo.HasRefund(ctx, orig.ID)
		if err != nil {
			return err
		}
		if refunded {
			return core.ErrAlreadyRefunded
		}

		bal, err := s.balanceForUpdate(ctx, repo, userID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		amount := orig.Amount.Abs()
		before := bal.Balance
		after := bal.Credit(amount, TxRefund, now)
		if err := repo.SaveBalance(ctx, *bal); err != nil {
			return err
		}

		description := fmt.Sprintf("Refund for transaction %s", orig.ID)
		if reason != "" {
			description += ": " + reason
		}

		tx := Transaction{
			ID:            uuid.NewString(),
			UserID:        userID,
			Type:          TxRefund,
			Amount:        amount,
			Status:        StatusCompleted,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   description,
			ReferenceID:   orig.ID,
			Metadata:      core.Metadata{"original_transaction": orig.ID, "reason": reason},
			CreatedAt:     now,
			CompletedAt:   &now,
		}
		if err := repo.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		result = tx
		return nil
	})
	if err != nil {
		s.rejected(err)
		return nil, err
	}

	s.metrics.CreditTransaction(string(TxRefund), result.Amount.InexactFloat64())
	s.log.Info().
		Str("user_id", string(userID)).
		Str("transaction_id", result.ID).
		Str("original_transaction", transactionID).
		Str("amount", core.Money(result.Amount)).
		Msg("credits refunded")

	_ = s.dispatch.Send(ctx, notify.Notification{
		Kind:       notify.KindCreditsRefunded,
		Recipients: []core.UserID{userID},
		Subject:    result.ID,
		Data: core.Metadata{
			"original_transaction": transactionID,
			"credits":              core.Money(result.Amount),
		},
	})
	return &result, nil
}

// =============================================================================
// GRANTS - Welcome bonus, referral rewards, admin adjustments
// =============================================================================

// OnUserCreated creates the user's balance and grants the welcome bonus.
// Calling it again for the same user is a no-op returning the existing balance.
func (s *Service) OnUserCreated(ctx context.Context, userID core.UserID) (*Balance, error) {
	if userID == "" {
		return nil, core.Invalid("user id is required")
	}

	var (
		result  Balance
		granted *Transaction
	)
	err := s.store.WithTx(ctx, func(repo Repository) error {
		existing, err := repo.GetBalanceForUpdate(ctx, userID)
		if err == nil {
			result = *existing
			return nil
		}
		if !errors.Is(err, core.ErrBalanceNotFound) {
			return err
		}

		now := s.clock.Now()
		bal := NewBalance(userID, now)
		if err := repo.CreateBalance(ctx, bal); err != nil {
			return err
		}
		if s.welcomeBonus.IsPositive() {
			tx, err := s.credit(ctx, repo, &bal, TxBonus, s.welcomeBonus, "Welcome bonus", core.Metadata{"reason": "welcome"})
			if err != nil {
				return err
			}
			granted = tx
		}
		result = bal
		return nil
	})
	if err != nil {
		return nil, err
	}

	if granted != nil {
		s.metrics.CreditTransaction(string(TxBonus), granted.Amount.InexactFloat64())
		s.log.Info().Str("user_id", string(userID)).Str("amount", core.Money(granted.Amount)).Msg("welcome bonus granted")
		_ = s.dispatch.Send(ctx, notify.Notification{
			Kind:       notify.KindCreditsBonus,
			Recipients: []core.UserID{userID},
			Subject:    granted.ID,
			Data:       core.Metadata{"credits": core.Money(granted.Amount), "reason": "welcome"},
		})
	}
	return &result, nil
}

// GrantBonus credits a bonus or referral reward.
func (s *Service) GrantBonus(ctx context.Context, userID core.UserID, txType TransactionType, amount decimal.Decimal, reason string) (*Transaction, error) {
	if userID == "" {
		return nil, core.Invalid("user id is required")
	}
	if txType != TxBonus && txType != TxReferral {
		return nil, core.Invalid("grant type must be %s or %s", TxBonus, TxReferral)
	}
	if !amount.IsPositive() {
		return nil, core.Invalid("grant amount must be positive")
	}

	var result *Transaction
	err := s.store.WithTx(ctx, func(repo Repository) error {
		bal, err := s.balanceForUpdate(ctx, repo, userID)
		if err != nil {
			return err
		}
		result, err = s.credit(ctx, repo, bal, txType, amount, reason, core.Metadata{"reason": reason})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.metrics.CreditTransaction(string(txType), amount.InexactFloat64())
	_ = s.dispatch.Send(ctx, notify.Notification{
		Kind:       notify.KindCreditsBonus,
		Recipients: []core.UserID{userID},
		Subject:    result.ID,
		Data:       core.Metadata{"credits": core.Money(amount), "reason": reason},
	})
	return result, nil
}

// AdjustBalance applies a signed admin correction. A negative adjustment
// cannot take the balance below zero.
func (s *Service) AdjustBalance(ctx context.Context, admin core.Actor, userID core.UserID, amount decimal.Decimal, reason string) (*Transaction, error) {
	if !admin.IsAdmin() {
		return nil, fmt.Errorf("%w: balance adjustments require an admin", core.ErrUnauthorized)
	}
	if userID == "" {
		return nil, core.Invalid("user id is required")
	}
	if amount.IsZero() {
		return nil, core.Invalid("adjustment amount cannot be zero")
	}
	if reason == "" {
		return nil, core.Invalid("adjustment reason is required")
	}

	meta := core.Metadata{"reason": reason, "adjusted_by": string(admin.UserID)}

	var result *Transaction
	err := s.store.WithTx(ctx, func(repo Repository) error {
		bal, err := s.balanceForUpdate(ctx, repo, userID)
		if err != nil {
			return err
		}
		if amount.IsPositive() {
			result, err = s.credit(ctx, repo, bal, TxAdminAdjustment, amount, reason, meta)
			return err
		}

		now := s.clock.Now()
		before := bal.Balance
		after, err := bal.Debit(amount.Abs(), TxAdminAdjustment, now)
		if err != nil {
			return err
		}
		if err := repo.SaveBalance(ctx, *bal); err != nil {
			return err
		}
		tx := Transaction{
			ID:            uuid.NewString(),
			UserID:        userID,
			Type:          TxAdminAdjustment,
			Amount:        amount,
			Status:        StatusCompleted,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   reason,
			Metadata:      meta,
			CreatedAt:     now,
			CompletedAt:   &now,
		}
		if err := repo.AppendTransaction(ctx, tx); err != nil {
			return err
		}
		result = &tx
		return nil
	})
	if err != nil {
		s.rejected(err)
		return nil, err
	}

	s.metrics.CreditTransaction(string(TxAdminAdjustment), amount.Abs().InexactFloat64())
	s.log.Warn().
		Str("user_id", string(userID)).
		Str("admin_id", string(admin.UserID)).
		Str("amount", core.Money(amount)).
		Str("reason", reason).
		Msg("balance adjusted")
	return result, nil
}

// credit appends a completed positive row and saves the balance. Runs inside WithTx.
func (s *Service) credit(ctx context.Context, repo Repository, bal *Balance, txType TransactionType, amount decimal.Decimal, description string, meta core.Metadata) (*Transaction, error) {
	now := s.clock.Now()
	before := bal.Balance
	after := bal.Credit(amount, txType, now)
	if err := repo.SaveBalance(ctx, *bal); err != nil {
		return nil, err
	}
	tx := Transaction{
		ID:            uuid.NewString(),
		UserID:        bal.UserID,
		Type:          txType,
		Amount:        amount,
		Status:        StatusCompleted,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   description,
		Metadata:      meta,
		CreatedAt:     now,
		CompletedAt:   &now,
	}
	if err := repo.AppendTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// balanceForUpdate fetches the balance for mutation, creating an empty one on first use.
func (s *Service) balanceForUpdate(ctx context.Context, repo Repository, userID core.UserID) (*Balance, error) {
	bal, err := repo.GetBalanceForUpdate(ctx, userID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, core.ErrBalanceNotFound) {
		return nil, err
	}
	fresh := NewBalance(userID, s.clock.Now())
	if err := repo.CreateBalance(ctx, fresh); err != nil {
		return nil, err
	}
	return &fresh, nil
}

func (s *Service) rejected(err error) {
	switch {
	case errors.Is(err, core.ErrInsufficientCredits):
		s.metrics.CreditRejected("insufficient_credits")
	case errors.Is(err, core.ErrAlreadyViewed):
		s.metrics.CreditRejected("already_viewed")
	case errors.Is(err, core.ErrAlreadyRefunded):
		s.metrics.CreditRejected("already_refunded")
	case !core.IsDomainError(err):
		s.log.Error().Err(err).Msg("credit operation failed")
	}
}

// =============================================================================
// QUERIES
// =============================================================================

// CheckPropertyAccess reports whether the user may see a property's details
// without being charged again, or could afford to pay for them. Read only.
func (s *Service) CheckPropertyAccess(ctx context.Context, userID core.UserID, propertyID string) (bool, AccessReason, error) {
	viewed, err := s.store.HasPropertyView(ctx, userID, propertyID)
	if err != nil {
		return false, "", err
	}
	if viewed {
		return true, AccessAlreadyViewed, nil
	}

	bal, err := s.store.GetBalance(ctx, userID)
	if errors.Is(err, core.ErrBalanceNotFound) {
		return false, AccessNoBalance, nil
	}
	if err != nil {
		return false, "", err
	}

	price, err := Price(ctx, s.store, ActionViewProperty)
	if err != nil {
		return false, "", err
	}
	if bal.HasCredits(price) {
		return true, AccessSufficientCredits, nil
	}
	return false, AccessInsufficientCredits, nil
}

// GetPrice returns the credits required for action.
func (s *Service) GetPrice(ctx context.Context, action Action) (decimal.Decimal, error) {
	return Price(ctx, s.store, action)
}

// GetBalance returns core.ErrBalanceNotFound when the user never held credits.
func (s *Service) GetBalance(ctx context.Context, userID core.UserID) (*Balance, error) {
	return s.store.GetBalance(ctx, userID)
}

// Statistics summarizes a user's credit activity. A user without a balance
// gets all-zero statistics.
func (s *Service) Statistics(ctx context.Context, userID core.UserID) (*Statistics, error) {
	stats := &Statistics{
		Balance:        decimal.Zero,
		TotalPurchased: decimal.Zero,
		TotalSpent:     decimal.Zero,
		TotalEarned:    decimal.Zero,
	}

	bal, err := s.store.GetBalance(ctx, userID)
	switch {
	case errors.Is(err, core.ErrBalanceNotFound):
		return stats, nil
	case err != nil:
		return nil, err
	}
	stats.Balance = bal.Balance
	stats.TotalPurchased = bal.TotalPurchased
	stats.TotalSpent = bal.TotalSpent
	stats.TotalEarned = bal.TotalEarned
	stats.LastPurchaseAt = bal.LastPurchaseAt

	purchases, err := s.store.ListTransactions(ctx, userID, TransactionFilter{Type: TxPurchase, Status: StatusCompleted})
	if err != nil {
		return nil, err
	}
	usages, err := s.store.ListTransactions(ctx, userID, TransactionFilter{Type: TxUsage, Status: StatusCompleted})
	if err != nil {
		return nil, err
	}
	views, err := s.store.ListPropertyViews(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats.PurchaseCount = len(purchases)
	stats.UsageCount = len(usages)
	stats.PropertiesViewed = len(views)
	return stats, nil
}

// Transactions returns the user's ledger rows, newest first unless filter.Oldest.
func (s *Service) Transactions(ctx context.Context, userID core.UserID, filter TransactionFilter) ([]Transaction, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, core.Invalid("unknown transaction type %q", filter.Type)
	}
	return s.store.ListTransactions(ctx, userID, filter)
}

func (s *Service) PropertyViews(ctx context.Context, userID core.UserID) ([]PropertyView, error) {
	return s.store.ListPropertyViews(ctx, userID)
}

// Packages lists the active packages ordered by display order, then price.
func (s *Service) Packages(ctx context.Context) ([]Package, error) {
	return s.store.ListPackages(ctx, true)
}

func (s *Service) PricingRules(ctx context.Context) ([]PricingRule, error) {
	return s.store.ListPricing(ctx)
}

// Reconcile replays the user's ledger against the cached balance.
func (s *Service) Reconcile(ctx context.Context, userID core.UserID) (*Reconciliation, error) {
	rep, err := Reconcile(ctx, s.store, userID)
	if err != nil {
		return nil, err
	}
	if !rep.Consistent() {
		s.log.Error().
			Str("user_id", string(userID)).
			Str("cached", core.Money(rep.Cached)).
			Str("replayed", core.Money(rep.Replayed)).
			Strs("broken_rows", rep.BrokenRows).
			Msg("ledger does not reconcile")
	}
	return rep, nil
}
