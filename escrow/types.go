/*
Package escrow implements the escrow state machine: funds paid by a buyer
are held against a seller's obligation and moved only by explicit party
action, an arbiter's decision, or a deadline.

KEY CONCEPTS IN THIS FILE (types.go):
  - Escrow: the aggregate, its status and its fund disposition
  - Event: one append-only audit entry per transition
  - Dispute: at most one per escrow, resolved exactly once
  - Proof: evidence of payment uploaded by the buyer

FUND DISPOSITION:
  ReleasedAmount and RefundedAmount are zero until the escrow leaves a
  funded state. After release, refund, split resolution or a funded
  cancellation they sum to Amount.

SEE ALSO:
  - machine.go: Transition table
  - service.go: Party actions
  - dispute.go: Dispute handling
  - proof.go: Payment proofs
*/
package escrow

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/property237/credit-escrow/core"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ESCROW
// =============================================================================

type Type string

const (
	TypeDeposit     Type = "deposit"
	TypeSale        Type = "sale"
	TypeRentAdvance Type = "rent_advance"
	TypeCommission  Type = "commission"
)

func (t Type) Valid() bool {
	switch t {
	case TypeDeposit, TypeSale, TypeRentAdvance, TypeCommission:
		return true
	}
	return false
}

type Status string

const (
	StatusCreated            Status = "created"
	StatusAwaitingPayment    Status = "awaiting_payment"
	StatusPaidPendingConfirm Status = "paid_pending_confirm"
	StatusHeld               Status = "held"
	StatusReleased           Status = "released"
	StatusRefunded           Status = "refunded"
	StatusDisputed           Status = "disputed"
	StatusExpired            Status = "expired"
	StatusCancelled          Status = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// AwaitsFunds reports whether the escrow is still before the held state and
// therefore subject to the payment deadline.
func (s Status) AwaitsFunds() bool {
	switch s {
	case StatusCreated, StatusAwaitingPayment, StatusPaidPendingConfirm:
		return true
	}
	return false
}

// Funded reports whether the buyer's money is in custody.
func (s Status) Funded() bool {
	return s == StatusHeld || s == StatusDisputed
}

type Escrow struct {
	ID       string
	Type     Type
	Status   Status
	BuyerID  core.UserID
	SellerID core.UserID

	PropertyID string // optional
	Amount     decimal.Decimal
	Currency   string

	Terms             string
	ReleaseConditions string
	PaymentMethod     string

	ExpiresAt       *time.Time // payment deadline
	ReleaseDeadline *time.Time // auto-release once held

	TransactionReference     string
	PaymentProofUploaded     bool
	PaymentConfirmedBySeller bool

	ReleasedAmount decimal.Decimal
	RefundedAmount decimal.Decimal

	CancelRequestedBy core.UserID
	AdminNotes        string
	ForcedActionBy    core.UserID

	CreatedAt   time.Time
	PaidAt      *time.Time
	ConfirmedAt *time.Time
	ReleasedAt  *time.Time
	UpdatedAt   time.Time
}

// NewID returns an escrow id: "ESC" followed by 12 uppercase hex digits.
func NewID() string {
	u := uuid.New()
	return "ESC" + strings.ToUpper(strings.ReplaceAll(u.String(), "-", "")[:12])
}

// IsExpired reports whether the payment deadline has passed.
func (e *Escrow) IsExpired(now time.Time) bool {
	return e.ExpiresAt != nil && e.ExpiresAt.Before(now)
}

func (e *Escrow) IsTerminal() bool { return e.Status.IsTerminal() }

// IsParty reports whether u is the buyer or the seller.
func (e *Escrow) IsParty(u core.UserID) bool {
	return u != "" && (u == e.BuyerID || u == e.SellerID)
}

// Counterparty returns the other party, or "" when u is not a party.
func (e *Escrow) Counterparty(u core.UserID) core.UserID {
	switch u {
	case e.BuyerID:
		return e.SellerID
	case e.SellerID:
		return e.BuyerID
	}
	return ""
}

func (e *Escrow) Parties() []core.UserID {
	return []core.UserID{e.BuyerID, e.SellerID}
}

// =============================================================================
// EVENT - Append-only audit trail
// =============================================================================

type EventType string

const (
	EventPaymentInitiated EventType = "payment_initiated"
	EventProofUploaded    EventType = "proof_uploaded"
	EventPaymentConfirmed EventType = "payment_confirmed"
	EventReleased         EventType = "released"
	EventRefunded         EventType = "refunded"
	EventDisputed         EventType = "disputed"
	EventDisputeReview    EventType = "dispute_review"
	EventExpired          EventType = "expired"
	EventCancelled        EventType = "cancelled"
	EventCancelRequested  EventType = "cancel_requested"
	EventProofVerified    EventType = "proof_verified"
	EventAdminAction      EventType = "admin_action"
)

type Event struct {
	Seq         int64 // store-assigned, increasing in append order
	ID          string
	EscrowID    string
	Type        EventType
	Description string
	CreatedBy   core.UserID
	FromStatus  Status
	ToStatus    Status
	Metadata    core.Metadata
	CreatedAt   time.Time
}

// =============================================================================
// DISPUTE
// =============================================================================

type DisputeStatus string

const (
	DisputeOpen           DisputeStatus = "open"
	DisputeUnderReview    DisputeStatus = "under_review"
	DisputeResolvedBuyer  DisputeStatus = "resolved_buyer"
	DisputeResolvedSeller DisputeStatus = "resolved_seller"
	DisputeResolvedSplit  DisputeStatus = "resolved_split"
	DisputeClosed         DisputeStatus = "closed"
)

// IsFinal reports whether the dispute can no longer be resolved.
func (s DisputeStatus) IsFinal() bool {
	switch s {
	case DisputeResolvedBuyer, DisputeResolvedSeller, DisputeResolvedSplit, DisputeClosed:
		return true
	}
	return false
}

type Dispute struct {
	ID                  string
	EscrowID            string
	OpenedBy            core.UserID
	Reason              string
	EvidenceDescription string
	Status              DisputeStatus
	ResolutionNotes     string
	ResolvedBy          core.UserID
	SellerShare         decimal.NullDecimal // split resolutions only
	OpenedAt            time.Time
	ResolvedAt          *time.Time
}

// Outcome is the arbiter's decision.
type Outcome string

const (
	OutcomeBuyer  Outcome = "buyer"
	OutcomeSeller Outcome = "seller"
	OutcomeSplit  Outcome = "split"
)

// =============================================================================
// PAYMENT PROOF
// =============================================================================

type Proof struct {
	ID                   string
	EscrowID             string
	UploadedBy           core.UserID
	FileRef              string // key in the external file store
	Description          string
	TransactionReference string
	IsVerified           bool
	VerifiedBy           core.UserID
	VerificationNotes    string
	UploadedAt           time.Time
	VerifiedAt           *time.Time
}

// ListFilter narrows ListForUser. Zero values mean "any".
type ListFilter struct {
	Status Status
	Role   string // "buyer", "seller" or "" for both
	Limit  int
}
