/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger and escrow models from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

AMOUNTS:
  Every amount leaves the API as a string with two decimal places
  ("1200.00"). Request amounts accept either a JSON string or a number and
  are parsed straight into decimal.Decimal, never through float64.

TYPES:
  Credits:
    BalanceDTO, TransactionDTO, PackageDTO, PricingDTO, PriceDTO,
    StatisticsDTO, PropertyViewDTO, AccessDTO, ReconciliationDTO,
    PurchaseRequest, UseCreditsRequest, RefundRequest, AdjustRequest,
    BonusRequest

  Escrow:
    EscrowDTO, EventDTO, DisputeDTO, ResolutionDTO, ProofDTO, CreateEscrowRequest,
    ProofRequest, CancelRequest, OpenDisputeRequest, ResolveDisputeRequest,
    VerifyProofRequest

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go, handlers_escrow.go: Use these types
*/
package api

import (
	"time"

	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/credits"
	"github.com/property237/credit-escrow/escrow"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CREDIT DTOs
// =============================================================================

type BalanceDTO struct {
	UserID         string     `json:"user_id"`
	Balance        string     `json:"balance"`
	TotalPurchased string     `json:"total_purchased"`
	TotalSpent     string     `json:"total_spent"`
	TotalEarned    string     `json:"total_earned"`
	LastPurchaseAt *time.Time `json:"last_purchase_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type TransactionDTO struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"`
	Amount           string            `json:"amount"`
	Direction        string            `json:"direction"` // credit or debit
	Status           string            `json:"status"`
	BalanceBefore    string            `json:"balance_before"`
	BalanceAfter     string            `json:"balance_after"`
	Description      string            `json:"description,omitempty"`
	ReferenceID      string            `json:"reference_id,omitempty"`
	PackageID        string            `json:"package_id,omitempty"`
	PaymentMethod    string            `json:"payment_method,omitempty"`
	PaymentReference string            `json:"payment_reference,omitempty"`
	PaymentAmount    string            `json:"payment_amount,omitempty"`
	PaymentCurrency  string            `json:"payment_currency,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
}

type PackageDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Credits        int    `json:"credits"`
	BonusCredits   int    `json:"bonus_credits"`
	TotalCredits   string `json:"total_credits"`
	Price          string `json:"price"`
	Currency       string `json:"currency"`
	PricePerCredit string `json:"price_per_credit"`
	IsPopular      bool   `json:"is_popular"`
	DisplayOrder   int    `json:"display_order"`
}

type PricingDTO struct {
	Action          string `json:"action"`
	CreditsRequired string `json:"credits_required"`
	Description     string `json:"description,omitempty"`
	IsActive        bool   `json:"is_active"`
}

// PriceDTO is the effective price of one action, configured or default.
type PriceDTO struct {
	Action          string `json:"action"`
	CreditsRequired string `json:"credits_required"`
}

type StatisticsDTO struct {
	Balance          string     `json:"balance"`
	TotalPurchased   string     `json:"total_purchased"`
	TotalSpent       string     `json:"total_spent"`
	TotalEarned      string     `json:"total_earned"`
	PurchaseCount    int        `json:"purchase_count"`
	UsageCount       int        `json:"usage_count"`
	PropertiesViewed int        `json:"properties_viewed"`
	LastPurchaseAt   *time.Time `json:"last_purchase_at,omitempty"`
}

type PropertyViewDTO struct {
	PropertyID    string    `json:"property_id"`
	TransactionID string    `json:"transaction_id"`
	ViewedAt      time.Time `json:"viewed_at"`
}

type AccessDTO struct {
	PropertyID string `json:"property_id"`
	HasAccess  bool   `json:"has_access"`
	Reason     string `json:"reason"`
}

type ReconciliationDTO struct {
	UserID     string   `json:"user_id"`
	Cached     string   `json:"cached"`
	Replayed   string   `json:"replayed"`
	Rows       int      `json:"rows"`
	BrokenRows []string `json:"broken_rows"`
	Consistent bool     `json:"consistent"`
}

type PurchaseRequest struct {
	PackageID        string            `json:"package_id"`
	PaymentMethod    string            `json:"payment_method"`
	PaymentReference string            `json:"payment_reference,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type UseCreditsRequest struct {
	Action      string            `json:"action"`
	ReferenceID string            `json:"reference_id"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type RefundRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

type AdjustRequest struct {
	UserID string          `json:"user_id"`
	Amount decimal.Decimal `json:"amount"` // signed
	Reason string          `json:"reason"`
}

type BonusRequest struct {
	UserID string          `json:"user_id"`
	Type   string          `json:"type"` // bonus or referral
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// =============================================================================
// ESCROW DTOs
// =============================================================================

type EscrowDTO struct {
	ID                       string     `json:"id"`
	Type                     string     `json:"type"`
	Status                   string     `json:"status"`
	BuyerID                  string     `json:"buyer_id"`
	SellerID                 string     `json:"seller_id"`
	PropertyID               string     `json:"property_id,omitempty"`
	Amount                   string     `json:"amount"`
	Currency                 string     `json:"currency"`
	Terms                    string     `json:"terms,omitempty"`
	ReleaseConditions        string     `json:"release_conditions,omitempty"`
	PaymentMethod            string     `json:"payment_method,omitempty"`
	ExpiresAt                *time.Time `json:"expires_at,omitempty"`
	ReleaseDeadline          *time.Time `json:"release_deadline,omitempty"`
	TransactionReference     string     `json:"transaction_reference,omitempty"`
	PaymentProofUploaded     bool       `json:"payment_proof_uploaded"`
	PaymentConfirmedBySeller bool       `json:"payment_confirmed_by_seller"`
	ReleasedAmount           string     `json:"released_amount"`
	RefundedAmount           string     `json:"refunded_amount"`
	CancelRequestedBy        string     `json:"cancel_requested_by,omitempty"`
	AdminNotes               string     `json:"admin_notes,omitempty"`
	ForcedActionBy           string     `json:"forced_action_by,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	PaidAt                   *time.Time `json:"paid_at,omitempty"`
	ConfirmedAt              *time.Time `json:"confirmed_at,omitempty"`
	ReleasedAt               *time.Time `json:"released_at,omitempty"`
	UpdatedAt                time.Time  `json:"updated_at"`
}

type EventDTO struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Description string            `json:"description"`
	CreatedBy   string            `json:"created_by"`
	FromStatus  string            `json:"from_status"`
	ToStatus    string            `json:"to_status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type DisputeDTO struct {
	ID                  string     `json:"id"`
	EscrowID            string     `json:"escrow_id"`
	OpenedBy            string     `json:"opened_by"`
	Reason              string     `json:"reason"`
	EvidenceDescription string     `json:"evidence_description,omitempty"`
	Status              string     `json:"status"`
	ResolutionNotes     string     `json:"resolution_notes,omitempty"`
	ResolvedBy          string     `json:"resolved_by,omitempty"`
	SellerShare         string     `json:"seller_share,omitempty"`
	OpenedAt            time.Time  `json:"opened_at"`
	ResolvedAt          *time.Time `json:"resolved_at,omitempty"`
}

// ResolutionDTO is the final dispute together with the escrow it settled.
type ResolutionDTO struct {
	Dispute DisputeDTO `json:"dispute"`
	Escrow  EscrowDTO  `json:"escrow"`
}

// SweepDTO reports a manual sweep and when the scheduler runs next.
// NextRunAt is omitted while the scheduler is not running.
type SweepDTO struct {
	Expired      int        `json:"expired"`
	AutoReleased int        `json:"auto_released"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
}

type ProofDTO struct {
	ID                   string     `json:"id"`
	EscrowID             string     `json:"escrow_id"`
	UploadedBy           string     `json:"uploaded_by"`
	FileRef              string     `json:"file_ref"`
	Description          string     `json:"description,omitempty"`
	TransactionReference string     `json:"transaction_reference,omitempty"`
	IsVerified           bool       `json:"is_verified"`
	VerifiedBy           string     `json:"verified_by,omitempty"`
	VerificationNotes    string     `json:"verification_notes,omitempty"`
	UploadedAt           time.Time  `json:"uploaded_at"`
	VerifiedAt           *time.Time `json:"verified_at,omitempty"`
}

type CreateEscrowRequest struct {
	Type              string          `json:"type"`
	BuyerID           string          `json:"buyer_id"`
	SellerID          string          `json:"seller_id"`
	PropertyID        string          `json:"property_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency,omitempty"`
	Terms             string          `json:"terms,omitempty"`
	ReleaseConditions string          `json:"release_conditions,omitempty"`
	PaymentMethod     string          `json:"payment_method,omitempty"`
	ExpiresAt         *time.Time      `json:"expires_at,omitempty"`
	ReleaseDeadline   *time.Time      `json:"release_deadline,omitempty"`
}

type ProofRequest struct {
	FileRef              string `json:"file_ref"`
	Description          string `json:"description,omitempty"`
	TransactionReference string `json:"transaction_reference,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type OpenDisputeRequest struct {
	Reason   string `json:"reason"`
	Evidence string `json:"evidence,omitempty"`
}

type ResolveDisputeRequest struct {
	Outcome     string           `json:"outcome"` // buyer, seller or split
	Notes       string           `json:"notes,omitempty"`
	SellerShare *decimal.Decimal `json:"seller_share,omitempty"`
}

type VerifyProofRequest struct {
	Notes string `json:"notes,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toBalanceDTO(b *credits.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:         string(b.UserID),
		Balance:        core.Money(b.Balance),
		TotalPurchased: core.Money(b.TotalPurchased),
		TotalSpent:     core.Money(b.TotalSpent),
		TotalEarned:    core.Money(b.TotalEarned),
		LastPurchaseAt: b.LastPurchaseAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func toTransactionDTO(tx *credits.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:               tx.ID,
		Type:             string(tx.Type),
		Amount:           core.Money(tx.Amount),
		Direction:        "debit",
		Status:           string(tx.Status),
		BalanceBefore:    core.Money(tx.BalanceBefore),
		BalanceAfter:     core.Money(tx.BalanceAfter),
		Description:      tx.Description,
		ReferenceID:      tx.ReferenceID,
		PackageID:        tx.PackageID,
		PaymentMethod:    tx.PaymentMethod,
		PaymentReference: tx.PaymentReference,
		PaymentCurrency:  tx.PaymentCurrency,
		Metadata:         tx.Metadata,
		CreatedAt:        tx.CreatedAt,
		CompletedAt:      tx.CompletedAt,
	}
	if tx.IsCredit() {
		dto.Direction = "credit"
	}
	if tx.PaymentAmount.Valid {
		dto.PaymentAmount = core.Money(tx.PaymentAmount.Decimal)
	}
	return dto
}

func toTransactionDTOs(txs []credits.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for i := range txs {
		out = append(out, toTransactionDTO(&txs[i]))
	}
	return out
}

func toPackageDTO(p credits.Package) PackageDTO {
	return PackageDTO{
		ID:             p.ID,
		Name:           p.Name,
		Credits:        p.Credits,
		BonusCredits:   p.BonusCredits,
		TotalCredits:   p.TotalCredits().String(),
		Price:          core.Money(p.Price),
		Currency:       p.Currency,
		PricePerCredit: core.Money(p.PricePerCredit()),
		IsPopular:      p.IsPopular,
		DisplayOrder:   p.DisplayOrder,
	}
}

func toPricingDTO(r credits.PricingRule) PricingDTO {
	return PricingDTO{
		Action:          string(r.Action),
		CreditsRequired: core.Money(r.CreditsRequired),
		Description:     r.Description,
		IsActive:        r.IsActive,
	}
}

func toStatisticsDTO(s *credits.Statistics) StatisticsDTO {
	return StatisticsDTO{
		Balance:          core.Money(s.Balance),
		TotalPurchased:   core.Money(s.TotalPurchased),
		TotalSpent:       core.Money(s.TotalSpent),
		TotalEarned:      core.Money(s.TotalEarned),
		PurchaseCount:    s.PurchaseCount,
		UsageCount:       s.UsageCount,
		PropertiesViewed: s.PropertiesViewed,
		LastPurchaseAt:   s.LastPurchaseAt,
	}
}

func toReconciliationDTO(r *credits.Reconciliation) ReconciliationDTO {
	broken := r.BrokenRows
	if broken == nil {
		broken = []string{}
	}
	return ReconciliationDTO{
		UserID:     string(r.UserID),
		Cached:     core.Money(r.Cached),
		Replayed:   core.Money(r.Replayed),
		Rows:       r.Rows,
		BrokenRows: broken,
		Consistent: r.Consistent(),
	}
}

func toEscrowDTO(e *escrow.Escrow) EscrowDTO {
	return EscrowDTO{
		ID:                       e.ID,
		Type:                     string(e.Type),
		Status:                   string(e.Status),
		BuyerID:                  string(e.BuyerID),
		SellerID:                 string(e.SellerID),
		PropertyID:               e.PropertyID,
		Amount:                   core.Money(e.Amount),
		Currency:                 e.Currency,
		Terms:                    e.Terms,
		ReleaseConditions:        e.ReleaseConditions,
		PaymentMethod:            e.PaymentMethod,
		ExpiresAt:                e.ExpiresAt,
		ReleaseDeadline:          e.ReleaseDeadline,
		TransactionReference:     e.TransactionReference,
		PaymentProofUploaded:     e.PaymentProofUploaded,
		PaymentConfirmedBySeller: e.PaymentConfirmedBySeller,
		ReleasedAmount:           core.Money(e.ReleasedAmount),
		RefundedAmount:           core.Money(e.RefundedAmount),
		CancelRequestedBy:        string(e.CancelRequestedBy),
		AdminNotes:               e.AdminNotes,
		ForcedActionBy:           string(e.ForcedActionBy),
		CreatedAt:                e.CreatedAt,
		PaidAt:                   e.PaidAt,
		ConfirmedAt:              e.ConfirmedAt,
		ReleasedAt:               e.ReleasedAt,
		UpdatedAt:                e.UpdatedAt,
	}
}

func toEventDTO(ev escrow.Event) EventDTO {
	return EventDTO{
		ID:          ev.ID,
		Type:        string(ev.Type),
		Description: ev.Description,
		CreatedBy:   string(ev.CreatedBy),
		FromStatus:  string(ev.FromStatus),
		ToStatus:    string(ev.ToStatus),
		Metadata:    ev.Metadata,
		CreatedAt:   ev.CreatedAt,
	}
}

func toDisputeDTO(d *escrow.Dispute) DisputeDTO {
	dto := DisputeDTO{
		ID:                  d.ID,
		EscrowID:            d.EscrowID,
		OpenedBy:            string(d.OpenedBy),
		Reason:              d.Reason,
		EvidenceDescription: d.EvidenceDescription,
		Status:              string(d.Status),
		ResolutionNotes:     d.ResolutionNotes,
		ResolvedBy:          string(d.ResolvedBy),
		OpenedAt:            d.OpenedAt,
		ResolvedAt:          d.ResolvedAt,
	}
	if d.SellerShare.Valid {
		dto.SellerShare = d.SellerShare.Decimal.String()
	}
	return dto
}

func toProofDTO(p *escrow.Proof) ProofDTO {
	return ProofDTO{
		ID:                   p.ID,
		EscrowID:             p.EscrowID,
		UploadedBy:           string(p.UploadedBy),
		FileRef:              p.FileRef,
		Description:          p.Description,
		TransactionReference: p.TransactionReference,
		IsVerified:           p.IsVerified,
		VerifiedBy:           string(p.VerifiedBy),
		VerificationNotes:    p.VerificationNotes,
		UploadedAt:           p.UploadedAt,
		VerifiedAt:           p.VerifiedAt,
	}
}

func toSweepDTO(res escrow.SweepResult, next time.Time) SweepDTO {
	dto := SweepDTO{Expired: res.Expired, AutoReleased: res.AutoReleased}
	if !next.IsZero() {
		dto.NextRunAt = &next
	}
	return dto
}
