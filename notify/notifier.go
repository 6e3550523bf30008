/*
Package notify is the outbound port for user-facing notifications.

Delivery (email, SMS, push) lives outside this module. The core only hands a
Notification to a Notifier after its atomic unit committed; a delivery
failure is logged and counted, never propagated.
*/
package notify

import (
	"context"

	"github.com/property237/credit-escrow/core"
	"github.com/property237/credit-escrow/metrics"
	"github.com/rs/zerolog"
)

//go:generate mockgen -source=./notifier.go -destination=./mocks/notifier.mock.go -package=notifymocks -typed=true Notifier

// Notification kinds.
const (
	KindCreditsPurchased = "credits.purchased"
	KindCreditsRefunded  = "credits.refunded"
	KindCreditsBonus     = "credits.bonus"
	KindEscrowCreated    = "escrow.created"
	KindEscrowTransition = "escrow.transition"
	KindEscrowEvent      = "escrow.event"
	KindDisputeOpened    = "dispute.opened"
	KindDisputeResolved  = "dispute.resolved"
)

type Notification struct {
	Kind       string
	Recipients []core.UserID
	Subject    string
	Data       core.Metadata
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// =============================================================================
// ADAPTERS
// =============================================================================

// LogNotifier writes every notification to the log. Used until a delivery
// adapter is plugged in.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	recipients := make([]string, len(note.Recipients))
	for i, r := range note.Recipients {
		recipients[i] = string(r)
	}
	ev := n.log.Info().
		Str("kind", note.Kind).
		Strs("recipients", recipients).
		Str("subject", note.Subject)
	for k, v := range note.Data {
		ev = ev.Str(k, v)
	}
	ev.Msg("notification")
	return nil
}

type nop struct{}

func (nop) Notify(context.Context, Notification) error { return nil }

// Nop discards every notification.
var Nop Notifier = nop{}

// =============================================================================
// DISPATCH
// =============================================================================

// Dispatcher delivers notifications after commit and swallows failures.
type Dispatcher struct {
	notifier Notifier
	log      zerolog.Logger
	metrics  *metrics.Recorder
}

func NewDispatcher(n Notifier, log zerolog.Logger, rec *metrics.Recorder) *Dispatcher {
	if n == nil {
		n = Nop
	}
	return &Dispatcher{notifier: n, log: log, metrics: rec}
}

// Send delivers note. The returned error is only informational; callers
// have already committed and must not roll back on it.
func (d *Dispatcher) Send(ctx context.Context, note Notification) error {
	if err := d.notifier.Notify(ctx, note); err != nil {
		d.log.Warn().Err(err).
			Str("kind", note.Kind).
			Str("subject", note.Subject).
			Msg("notification delivery failed")
		d.metrics.NotificationFailed()
		return err
	}
	return nil
}
