package escrow

import (
	"github.com/property237/credit-escrow/core"
)

// =============================================================================
// TRANSITION TABLE
// =============================================================================
//
//   created              --initiate_payment--> awaiting_payment
//   awaiting_payment     --upload_proof------> paid_pending_confirm
//   paid_pending_confirm --confirm_payment---> held
//   held                 --release-----------> released
//   held                 --refund------------> refunded
//   held                 --open_dispute------> disputed
//   created|awaiting_payment|paid_pending_confirm --expire--> expired
//   any non-terminal     --cancel------------> cancelled
//   disputed             --resolve_buyer-----> refunded
//   disputed             --resolve_seller----> released
//   disputed             --resolve_split-----> released
//
// Every edge appends exactly one event of the listed type. Terminal states
// have no outgoing edges.

type Action string

const (
	ActionInitiatePayment Action = "initiate_payment"
	ActionUploadProof     Action = "upload_proof"
	ActionConfirmPayment  Action = "confirm_payment"
	ActionRelease         Action = "release"
	ActionRefund          Action = "refund"
	ActionOpenDispute     Action = "open_dispute"
	ActionExpire          Action = "expire"
	ActionCancel          Action = "cancel"
	ActionResolveBuyer    Action = "resolve_buyer"
	ActionResolveSeller   Action = "resolve_seller"
	ActionResolveSplit    Action = "resolve_split"
)

type edge struct {
	from  []Status
	to    Status
	event EventType
}

var nonTerminal = []Status{
	StatusCreated, StatusAwaitingPayment, StatusPaidPendingConfirm, StatusHeld, StatusDisputed,
}

var transitions = map[Action]edge{
	ActionInitiatePayment: {[]Status{StatusCreated}, StatusAwaitingPayment, EventPaymentInitiated},
	ActionUploadProof:     {[]Status{StatusAwaitingPayment}, StatusPaidPendingConfirm, EventProofUploaded},
	ActionConfirmPayment:  {[]Status{StatusPaidPendingConfirm}, StatusHeld, EventPaymentConfirmed},
	ActionRelease:         {[]Status{StatusHeld}, StatusReleased, EventReleased},
	ActionRefund:          {[]Status{StatusHeld}, StatusRefunded, EventRefunded},
	ActionOpenDispute:     {[]Status{StatusHeld}, StatusDisputed, EventDisputed},
	ActionExpire:          {[]Status{StatusCreated, StatusAwaitingPayment, StatusPaidPendingConfirm}, StatusExpired, EventExpired},
	ActionCancel:          {nonTerminal, StatusCancelled, EventCancelled},
	ActionResolveBuyer:    {[]Status{StatusDisputed}, StatusRefunded, EventRefunded},
	ActionResolveSeller:   {[]Status{StatusDisputed}, StatusReleased, EventReleased},
	ActionResolveSplit:    {[]Status{StatusDisputed}, StatusReleased, EventReleased},
}

// Next returns the target status and event type of action from status.
func Next(from Status, action Action) (Status, EventType, bool) {
	e, ok := transitions[action]
	if !ok {
		return "", "", false
	}
	for _, s := range e.from {
		if s == from {
			return e.to, e.event, true
		}
	}
	return "", "", false
}

// CanTransition reports whether action is allowed from status.
func CanTransition(from Status, action Action) bool {
	_, _, ok := Next(from, action)
	return ok
}

// transition moves e along action's edge and returns the event type to append.
// e is unchanged when the edge does not exist.
func (e *Escrow) transition(action Action) (from Status, event EventType, err error) {
	to, ev, ok := Next(e.Status, action)
	if !ok {
		return e.Status, "", &core.InvalidTransitionError{
			EscrowID: e.ID,
			From:     string(e.Status),
			Action:   string(action),
		}
	}
	from = e.Status
	e.Status = to
	return from, ev, nil
}
