package escrow

import (
	"context"
	"time"

	"github.com/property237/credit-escrow/core"
)

// Repository persists escrows, their event log, disputes and proofs.
//
// The event log is APPEND-ONLY. Escrow updates are compare-and-swap on the
// previous status: UpdateEscrow fails with core.ErrInvalidEscrowState when
// the stored status is no longer expected, so a lost race never overwrites
// a transition made by someone else.
type Repository interface {
	CreateEscrow(ctx context.Context, e Escrow) error
	// GetEscrow returns core.ErrEscrowNotFound for unknown ids.
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	UpdateEscrow(ctx context.Context, e Escrow, expected Status) error
	ListEscrowsForUser(ctx context.Context, userID core.UserID, filter ListFilter) ([]Escrow, error)
	// ListPastPaymentDeadline returns ids of escrows awaiting funds whose ExpiresAt is before now.
	ListPastPaymentDeadline(ctx context.Context, now time.Time) ([]string, error)
	// ListPastReleaseDeadline returns ids of held escrows whose ReleaseDeadline is before now.
	ListPastReleaseDeadline(ctx context.Context, now time.Time) ([]string, error)

	AppendEvent(ctx context.Context, ev Event) error
	// ListEvents returns the escrow's events in append order.
	ListEvents(ctx context.Context, escrowID string) ([]Event, error)

	// CreateDispute fails with core.ErrInvalidEscrowState when the escrow already has one.
	CreateDispute(ctx context.Context, d Dispute) error
	// GetDispute returns core.ErrDisputeNotFound for unknown ids.
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	GetDisputeByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	// UpdateDispute fails with core.ErrDisputeAlreadyResolved when the stored
	// status is none of expected.
	UpdateDispute(ctx context.Context, d Dispute, expected ...DisputeStatus) error

	CreateProof(ctx context.Context, p Proof) error
	// GetProof returns core.ErrProofNotFound for unknown ids.
	GetProof(ctx context.Context, id string) (*Proof, error)
	// MarkProofVerified writes the verification fields of an unverified proof.
	MarkProofVerified(ctx context.Context, p Proof) error
	ListProofs(ctx context.Context, escrowID string) ([]Proof, error)
}

// TxStore runs fn as one atomic unit; any error rolls back every write made
// through the Repository passed to fn.
type TxStore interface {
	Repository
	WithTx(ctx context.Context, fn func(Repository) error) error
}
