/*
ledger.go - Ledger replay and reconciliation

PURPOSE:
  The balance row is a cache. The ledger is the source of truth. Reconcile
  replays a user's completed rows in insertion order and checks two things:

  1. SUM:   cached Balance == Σ Amount of completed rows
  2. CHAIN: each completed row starts where the previous one ended
            (BalanceBefore == running total, BalanceAfter == before + Amount)

  A break in either means something wrote to the balance outside the
  service, or a row was edited after the fact.
*/
package credits

import (
	"context"
	"errors"

	"github.com/property237/credit-escrow/core"
	"github.com/shopspring/decimal"
)

type Reconciliation struct {
	UserID   core.UserID
	Cached   decimal.Decimal
	Replayed decimal.Decimal
	Rows     int

	// BrokenRows lists ids of completed rows whose snapshots do not chain.
	BrokenRows []string
}

// Consistent reports whether both the sum and the chain hold.
func (r Reconciliation) Consistent() bool {
	return r.Cached.Equal(r.Replayed) && len(r.BrokenRows) == 0
}

// Replay sums completed rows in the order given and returns the ids of rows
// that do not chain.
func Replay(txs []Transaction) (decimal.Decimal, []string) {
	running := decimal.Zero
	var broken []string
	for _, tx := range txs {
		if tx.Status != StatusCompleted {
			continue
		}
		if !tx.BalanceBefore.Equal(running) || !tx.BalanceAfter.Equal(tx.BalanceBefore.Add(tx.Amount)) {
			broken = append(broken, tx.ID)
		}
		running = running.Add(tx.Amount)
	}
	return running, broken
}

// Reconcile compares the cached balance of userID with its replayed ledger.
// A user without a balance row reconciles against zero.
func Reconcile(ctx context.Context, repo Repository, userID core.UserID) (*Reconciliation, error) {
	rep := &Reconciliation{UserID: userID, Cached: decimal.Zero}

	bal, err := repo.GetBalance(ctx, userID)
	switch {
	case err == nil:
		rep.Cached = bal.Balance
	case !errors.Is(err, core.ErrBalanceNotFound):
		return nil, err
	}

	txs, err := repo.ListTransactions(ctx, userID, TransactionFilter{Status: StatusCompleted, Oldest: true})
	if err != nil {
		return nil, err
	}
	rep.Rows = len(txs)
	rep.Replayed, rep.BrokenRows = Replay(txs)
	return rep, nil
}
