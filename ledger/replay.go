package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// REPLAY - The balance must always equal the sum of its log
// =============================================================================

// Replay sums the effect of a buyer's transactions. Completed and reversed
// rows contribute their amount; pending and failed rows contribute nothing.
// A reversed row and its compensating reversal net to zero.
func Replay(txs []Transaction) int64 {
	var sum int64
	for _, t := range txs {
		sum += t.Effect()
	}
	return sum
}

// ExpirableAt returns how many of the points held at boundary are still
// unspent: the replayed balance of rows created before boundary, less every
// debit recorded after it. Credits after boundary are new points. A row and
// its reversal that both fall after boundary cancel out.
func ExpirableAt(txs []Transaction, boundary time.Time) int64 {
	var held, debits int64
	late := make(map[TransactionID]bool)
	for _, t := range txs {
		if t.CreatedAt.Before(boundary) {
			held += t.Effect()
		} else {
			late[t.ID] = true
		}
	}
	for _, t := range txs {
		if !late[t.ID] || !t.Status.Effective() {
			continue
		}
		if t.Status == StatusReversed && late[t.ReversedBy] {
			continue
		}
		if t.Reverses != "" && late[t.Reverses] {
			continue
		}
		if t.Amount < 0 {
			debits -= t.Amount
		}
	}
	return max(held-debits, 0)
}

// Verify replays the buyer's log and compares it with the stored balance.
// On divergence the balance is frozen and a *ConsistencyError is returned.
func (e *Engine) Verify(ctx context.Context, buyer BuyerID) (BuyerBalance, error) {
	if _, err := e.store.Buyer(ctx, buyer); err != nil {
		return BuyerBalance{}, err
	}

	var (
		out      BuyerBalance
		mismatch *ConsistencyError
		froze    bool
	)
	err := e.execute(ctx, "verify", func(ctx context.Context) error {
		mismatch, froze = nil, false
		return e.store.WithTx(ctx, func(tx Tx) error {
			bal, err := tx.LockBuyer(ctx, buyer)
			if err != nil {
				return err
			}
			replayed, err := tx.ReplayBuyer(ctx, buyer)
			if err != nil {
				return err
			}
			out = bal
			if replayed == bal.CurrentBalance {
				return nil
			}
			mismatch = &ConsistencyError{BuyerID: buyer, Stored: bal.CurrentBalance, Replayed: replayed}
			if bal.Frozen {
				return nil
			}
			bal.Frozen = true
			bal.FrozenReason = mismatch.Error()
			bal.UpdatedAt = e.clock().UTC()
			out, froze = bal, true
			return tx.PutBuyer(ctx, bal)
		})
	})
	if err != nil {
		return BuyerBalance{}, err
	}
	if mismatch != nil {
		if froze {
			e.reportFrozen(mismatch)
		}
		return out, mismatch
	}
	return out, nil
}

// Thaw resets a frozen balance to its replayed value and lifts the freeze.
func (e *Engine) Thaw(ctx context.Context, buyer BuyerID, actor Actor) (BuyerBalance, error) {
	if !actor.IsSystemAdmin() {
		return BuyerBalance{}, ErrUnauthorized
	}
	if _, err := e.store.Buyer(ctx, buyer); err != nil {
		return BuyerBalance{}, err
	}

	var out BuyerBalance
	err := e.execute(ctx, "thaw", func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx Tx) error {
			bal, err := tx.LockBuyer(ctx, buyer)
			if err != nil {
				return err
			}
			replayed, err := tx.ReplayBuyer(ctx, buyer)
			if err != nil {
				return err
			}
			bal.CurrentBalance = replayed
			bal.Frozen = false
			bal.FrozenReason = ""
			bal.UpdatedAt = e.clock().UTC()
			out = bal
			return tx.PutBuyer(ctx, bal)
		})
	})
	if err != nil {
		return BuyerBalance{}, err
	}

	e.logger.Warn("balance thawed",
		zap.String("buyer_id", string(buyer)),
		zap.String("actor_id", actor.ID),
		zap.Int64("balance", out.CurrentBalance))
	return out, nil
}

// checkWrite replays the log inside the mutating unit when VerifyOnWrite is
// set. A mismatch aborts the mutation.
func (e *Engine) checkWrite(ctx context.Context, tx Tx, bal BuyerBalance) error {
	if !e.opts.VerifyOnWrite {
		return nil
	}
	replayed, err := tx.ReplayBuyer(ctx, bal.BuyerID)
	if err != nil {
		return err
	}
	if replayed != bal.CurrentBalance {
		return &ConsistencyError{BuyerID: bal.BuyerID, Stored: bal.CurrentBalance, Replayed: replayed}
	}
	return nil
}

// afterFailure freezes the buyer when a mutation aborted on a consistency
// violation. The aborted mutation has already been rolled back.
func (e *Engine) afterFailure(ctx context.Context, op string, buyer BuyerID, err error) {
	var ce *ConsistencyError
	if !errors.As(err, &ce) {
		return
	}
	if ce.BuyerID != "" {
		buyer = ce.BuyerID
	}
	if buyer == "" {
		e.logger.Error("consistency violation without a buyer to freeze",
			zap.String("operation", op), zap.Error(err))
		return
	}
	ferr := e.store.WithTx(ctx, func(tx Tx) error {
		bal, err := tx.LockBuyer(ctx, buyer)
		if err != nil {
			return err
		}
		if bal.Frozen {
			return nil
		}
		bal.Frozen = true
		bal.FrozenReason = ce.Error()
		bal.UpdatedAt = e.clock().UTC()
		return tx.PutBuyer(ctx, bal)
	})
	if ferr != nil {
		e.logger.Error("failed to freeze balance",
			zap.String("operation", op),
			zap.String("buyer_id", string(buyer)),
			zap.Error(ferr))
		return
	}
	e.reportFrozen(ce)
}

func (e *Engine) reportFrozen(ce *ConsistencyError) {
	e.metrics.froze()
	e.logger.Error("balance frozen",
		zap.String("buyer_id", string(ce.BuyerID)),
		zap.Int64("stored", ce.Stored),
		zap.Int64("replayed", ce.Replayed))
}
