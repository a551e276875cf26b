/*
engine.go - The Ledger Engine

PURPOSE:
  Validates and applies every point-affecting operation. Each operation
  locks exactly the subject it mutates (one buyer, or one company), checks
  its preconditions against the locked row, then appends the transaction
  row and writes the new balance in the same atomic unit.

OPERATIONS:
  Earn, Spend         buyer += / -= amount, store must be active
  Reverse             compensating row, original marked reversed
  AdminAdjustment     signed correction by a system admin
  Credit              company current += amount, original += amount
  ExpireBuyer         quarterly zeroing (called by the scheduler)
  ResetCompany        quarterly company reset current = original

FAILED ATTEMPTS:
  A rejected Earn or Spend is still recorded as a Failed row for dispute
  resolution. The row is committed; the balance is untouched; the caller
  gets the specific error.

SEE ALSO:
  - retry.go: time budget and contention retry
  - replay.go: Verify / Thaw
  - store.go: the atomic unit contract
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SystemActorID is recorded on rows written by the expiration batch.
const SystemActorID = "system"

type Engine struct {
	store     Store
	directory Directory
	opts      Options
	logger    *zap.Logger
	metrics   *Metrics
	clock     func() time.Time
}

type Option func(*Engine)

func WithOptions(o Options) Option { return func(e *Engine) { e.opts = o.withDefaults() } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics attaches Prometheus collectors; without it nothing is recorded.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }

func NewEngine(store Store, directory Directory, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		directory: directory,
		opts:      DefaultOptions(),
		logger:    zap.NewNop(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) newTransaction(typ TxType, buyer BuyerID) Transaction {
	return Transaction{
		ID:        TransactionID(uuid.NewString()),
		Type:      typ,
		Status:    StatusPending,
		BuyerID:   buyer,
		CreatedAt: e.clock().UTC(),
	}
}

// =============================================================================
// EARN / SPEND
// =============================================================================

// Earn credits points to a buyer for a purchase at an active store.
func (e *Engine) Earn(ctx context.Context, req PurchaseRequest) (Result, error) {
	return e.purchase(ctx, "earn", TxEarn, req)
}

// Spend redeems points at an active store. Fails with
// InsufficientBalanceError when the buyer balance is below amount.
func (e *Engine) Spend(ctx context.Context, req PurchaseRequest) (Result, error) {
	return e.purchase(ctx, "spend", TxSpend, req)
}

func (e *Engine) purchase(ctx context.Context, op string, typ TxType, req PurchaseRequest) (Result, error) {
	if req.BuyerID == "" {
		return Result{}, fmt.Errorf("%s: buyer id required: %w", op, ErrNotFound)
	}
	sign := int64(1)
	if typ == TxSpend {
		sign = -1
	}

	var res Result
	err := e.execute(ctx, op, func(ctx context.Context) error {
		// Directory facts are read before the subject lock is taken so a
		// slow collaborator never holds a buyer row.
		info, precheck := e.checkStore(ctx, req)
		if precheck != nil && !isRecordable(precheck) {
			return precheck
		}

		var rejected error
		err := e.store.WithTx(ctx, func(tx Tx) error {
			bal, err := tx.LockBuyer(ctx, req.BuyerID)
			if err != nil {
				return err
			}

			if req.IdempotencyKey != "" {
				prev, found, err := e.priorAttempt(ctx, tx, req.IdempotencyKey, typ, req.BuyerID, sign*req.Amount)
				if err != nil || found {
					res = Result{Transaction: prev, Balance: bal.CurrentBalance, Replayed: found}
					if found && prev.Status == StatusFailed {
						rejected = &RejectedError{Err: sentinelFor(prev.FailureKind), FailedTransaction: prev.ID}
					}
					return err
				}
			}
			if bal.Frozen {
				return ErrBalanceFrozen
			}

			t := e.newTransaction(typ, req.BuyerID)
			t.StoreID = req.StoreID
			t.CompanyID = req.CompanyID
			if t.CompanyID == "" {
				t.CompanyID = info.CompanyID
			}
			t.Amount = sign * req.Amount
			t.Requested = req.Amount
			t.TotalCost = req.TotalCost
			t.IdempotencyKey = req.IdempotencyKey

			reason := precheck
			if reason == nil && typ == TxSpend && bal.CurrentBalance < req.Amount {
				reason = ErrInsufficientBalance
			}
			if reason != nil {
				t, rejected, err = e.recordFailure(ctx, tx, t, reason, bal)
				res = Result{Transaction: t, Balance: bal.CurrentBalance}
				return err
			}

			if err := t.transition(StatusCompleted); err != nil {
				return err
			}
			if t, err = tx.Append(ctx, t); err != nil {
				return err
			}
			bal.CurrentBalance += t.Amount
			bal.UpdatedAt = t.CreatedAt
			if err := tx.PutBuyer(ctx, bal); err != nil {
				return err
			}
			if err := e.checkWrite(ctx, tx, bal); err != nil {
				return err
			}
			res = Result{Transaction: t, Balance: bal.CurrentBalance}
			return nil
		})
		if err != nil {
			return err
		}
		return rejected
	})
	if err != nil {
		e.afterFailure(ctx, op, req.BuyerID, err)
		return res, err
	}

	e.logger.Debug("purchase applied",
		zap.String("operation", op),
		zap.String("buyer_id", string(req.BuyerID)),
		zap.String("tx_id", string(res.Transaction.ID)),
		zap.Int64("amount", res.Transaction.Amount),
		zap.Int64("balance", res.Balance),
		zap.Bool("replayed", res.Replayed))
	return res, nil
}

// checkStore validates the request against the directory. Validation
// failures are returned for recording; lookup failures are not.
func (e *Engine) checkStore(ctx context.Context, req PurchaseRequest) (StoreInfo, error) {
	if req.Amount <= 0 {
		return StoreInfo{}, ErrInvalidAmount
	}
	info, err := e.directory.Store(ctx, req.StoreID)
	if err != nil {
		return StoreInfo{}, err
	}
	if info.Status != StoreActive {
		return info, ErrStoreNotActive
	}
	if req.CompanyID != "" && info.CompanyID != req.CompanyID {
		return info, ErrCompanyMismatch
	}
	return info, nil
}

// isRecordable reports whether a precheck failure is a domain validation
// result that belongs in the log as a Failed row.
func isRecordable(err error) bool {
	switch KindOf(err) {
	case KindInvalidAmount, KindStoreNotActive, KindStoreUnknown, KindCompanyMismatch:
		return true
	}
	return false
}

func (e *Engine) recordFailure(ctx context.Context, tx Tx, t Transaction, reason error, bal BuyerBalance) (Transaction, error, error) {
	if err := t.transition(StatusFailed); err != nil {
		return t, nil, err
	}
	t.FailureKind = KindOf(reason)
	t.Reason = reason.Error()
	t, err := tx.Append(ctx, t)
	if err != nil {
		return t, nil, err
	}

	if errors.Is(reason, ErrInsufficientBalance) {
		return t, &InsufficientBalanceError{
			BuyerID:           bal.BuyerID,
			Available:         bal.CurrentBalance,
			Requested:         -t.Amount,
			FailedTransaction: t.ID,
		}, nil
	}
	return t, &RejectedError{Err: reason, FailedTransaction: t.ID}, nil
}

// priorAttempt looks up an earlier call with the same idempotency key.
func (e *Engine) priorAttempt(ctx context.Context, tx Tx, key string, typ TxType, buyer BuyerID, amount int64) (Transaction, bool, error) {
	prev, err := tx.TransactionByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	if prev.Type != typ || prev.BuyerID != buyer || prev.Amount != amount {
		return Transaction{}, false, ErrIdempotencyMismatch
	}
	return prev, true, nil
}

// =============================================================================
// REVERSE
// =============================================================================

// Reverse undoes a completed transaction with a compensating row. The buyer
// who owns an Earn or Spend may cancel it; anything else needs an admin.
func (e *Engine) Reverse(ctx context.Context, id TransactionID, actor Actor) (Result, error) {
	var (
		res   Result
		owner BuyerID
	)
	err := e.execute(ctx, "reverse", func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx Tx) error {
			orig, err := tx.Transaction(ctx, id)
			if err != nil {
				return err
			}
			owner = orig.BuyerID
			if err := authorizeReversal(orig, actor); err != nil {
				return err
			}

			bal, err := tx.LockBuyer(ctx, orig.BuyerID)
			if err != nil {
				return err
			}
			// Re-read under the buyer lock; a concurrent reversal may have won.
			if orig, err = tx.Transaction(ctx, id); err != nil {
				return err
			}
			switch {
			case orig.Status == StatusReversed:
				return ErrAlreadyReversed
			case orig.Status != StatusCompleted, orig.Type == TxReversal:
				return ErrNotReversible
			}
			if bal.Frozen {
				return ErrBalanceFrozen
			}

			delta := -orig.Amount
			if bal.CurrentBalance+delta < 0 {
				return &UnderflowError{
					Err:     ErrReversalWouldUnderflow,
					BuyerID: bal.BuyerID,
					Balance: bal.CurrentBalance,
					Delta:   delta,
				}
			}

			comp := e.newTransaction(TxReversal, orig.BuyerID)
			comp.StoreID = orig.StoreID
			comp.CompanyID = orig.CompanyID
			comp.Amount = delta
			comp.Reverses = orig.ID
			comp.ActorID = actor.ID
			comp.Reason = fmt.Sprintf("reversal of %s %s", orig.Type, orig.ID)
			if err := comp.transition(StatusCompleted); err != nil {
				return err
			}
			if comp, err = tx.Append(ctx, comp); err != nil {
				return err
			}
			if err := tx.MarkReversed(ctx, orig.ID, comp.ID); err != nil {
				return err
			}
			orig.Status = StatusReversed
			orig.ReversedBy = comp.ID

			bal.CurrentBalance += delta
			bal.UpdatedAt = comp.CreatedAt
			if err := tx.PutBuyer(ctx, bal); err != nil {
				return err
			}
			if err := e.checkWrite(ctx, tx, bal); err != nil {
				return err
			}
			res = Result{Transaction: comp, Original: &orig, Balance: bal.CurrentBalance}
			return nil
		})
	})
	if err != nil {
		e.afterFailure(ctx, "reverse", owner, err)
		return Result{}, err
	}

	e.logger.Info("transaction reversed",
		zap.String("tx_id", string(id)),
		zap.String("reversal_id", string(res.Transaction.ID)),
		zap.String("actor_id", actor.ID),
		zap.Int64("balance", res.Balance))
	return res, nil
}

func authorizeReversal(orig Transaction, actor Actor) error {
	if actor.IsSystemAdmin() {
		return nil
	}
	if actor.ID == "" || actor.ID != string(orig.BuyerID) {
		return ErrNotOwner
	}
	// Self-service covers cancelling one's own purchases only.
	if orig.Type != TxEarn && orig.Type != TxSpend {
		return ErrUnauthorized
	}
	return nil
}

// =============================================================================
// ADMIN ADJUSTMENT
// =============================================================================

// AdminAdjustment applies a signed manual correction to a buyer balance.
func (e *Engine) AdminAdjustment(ctx context.Context, req AdjustmentRequest) (Result, error) {
	if !req.Actor.IsSystemAdmin() {
		return Result{}, ErrUnauthorized
	}
	if strings.TrimSpace(req.Reason) == "" {
		return Result{}, ErrMissingReason
	}
	if req.Delta == 0 {
		return Result{}, ErrInvalidAmount
	}

	var res Result
	err := e.execute(ctx, "admin_adjustment", func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx Tx) error {
			bal, err := tx.LockBuyer(ctx, req.BuyerID)
			if err != nil {
				return err
			}
			if req.IdempotencyKey != "" {
				prev, found, err := e.priorAttempt(ctx, tx, req.IdempotencyKey, TxAdminAdjustment, req.BuyerID, req.Delta)
				if err != nil || found {
					res = Result{Transaction: prev, Balance: bal.CurrentBalance, Replayed: found}
					return err
				}
			}
			if bal.Frozen {
				return ErrBalanceFrozen
			}
			if bal.CurrentBalance+req.Delta < 0 {
				return &UnderflowError{
					Err:     ErrAdjustmentWouldUnderflow,
					BuyerID: req.BuyerID,
					Balance: bal.CurrentBalance,
					Delta:   req.Delta,
				}
			}

			t := e.newTransaction(TxAdminAdjustment, req.BuyerID)
			t.Amount = req.Delta
			t.Reason = req.Reason
			t.ActorID = req.Actor.ID
			t.IdempotencyKey = req.IdempotencyKey
			t.Metadata = map[string]string{
				"reason":     req.Reason,
				"actor_role": string(req.Actor.Role),
			}
			if err := t.transition(StatusCompleted); err != nil {
				return err
			}
			if t, err = tx.Append(ctx, t); err != nil {
				return err
			}
			bal.CurrentBalance += t.Amount
			bal.UpdatedAt = t.CreatedAt
			if err := tx.PutBuyer(ctx, bal); err != nil {
				return err
			}
			if err := e.checkWrite(ctx, tx, bal); err != nil {
				return err
			}
			res = Result{Transaction: t, Balance: bal.CurrentBalance}
			return nil
		})
	})
	if err != nil {
		e.afterFailure(ctx, "admin_adjustment", req.BuyerID, err)
		return Result{}, err
	}

	e.logger.Info("admin adjustment applied",
		zap.String("buyer_id", string(req.BuyerID)),
		zap.String("actor_id", req.Actor.ID),
		zap.Int64("delta", req.Delta),
		zap.String("reason", req.Reason))
	return res, nil
}

// =============================================================================
// COMPANY CREDIT
// =============================================================================

// Credit adds amount to both the current and original company balance.
func (e *Engine) Credit(ctx context.Context, company CompanyID, amount int64) (CompanyBalance, error) {
	if company == "" {
		return CompanyBalance{}, fmt.Errorf("credit: company id required: %w", ErrNotFound)
	}
	if amount <= 0 {
		return CompanyBalance{}, ErrInvalidAmount
	}

	var out CompanyBalance
	err := e.execute(ctx, "credit", func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(tx Tx) error {
			c, err := tx.LockCompany(ctx, company)
			if err != nil {
				return err
			}
			now := e.clock().UTC()
			c.CurrentBalance += amount
			c.OriginalBalance += amount
			c.UpdatedAt = now
			if err := tx.PutCompany(ctx, c); err != nil {
				return err
			}
			if err := tx.AppendCompanyEntry(ctx, CompanyEntry{
				ID:            uuid.NewString(),
				CompanyID:     company,
				Kind:          EntryCredit,
				Amount:        amount,
				CurrentAfter:  c.CurrentBalance,
				OriginalAfter: c.OriginalBalance,
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			out = c
			return nil
		})
	})
	if err != nil {
		return CompanyBalance{}, err
	}

	e.logger.Info("company credited",
		zap.String("company_id", string(company)),
		zap.Int64("amount", amount),
		zap.Int64("current", out.CurrentBalance),
		zap.Int64("original", out.OriginalBalance))
	return out, nil
}

// =============================================================================
// EXPIRATION (internal, driven by the scheduler)
// =============================================================================

// ExpireBuyer removes the points the buyer still holds from before the end
// of cycle and records an Expire row. Points credited after the boundary
// are kept, so a late or repeated pass never touches the next quarter's
// earnings. Calling it again for the same (or an earlier) cycle is a no-op.
func (e *Engine) ExpireBuyer(ctx context.Context, buyer BuyerID, cycle Cycle) (ExpireOutcome, error) {
	out := ExpireOutcome{BuyerID: buyer}
	err := e.execute(ctx, "expire", func(ctx context.Context) error {
		out = ExpireOutcome{BuyerID: buyer}
		return e.store.WithTx(ctx, func(tx Tx) error {
			bal, err := tx.LockBuyer(ctx, buyer)
			if err != nil {
				return err
			}
			if processed(bal.LastExpiredCycle, cycle) {
				out.Skipped = true
				return nil
			}
			if bal.Frozen {
				return ErrBalanceFrozen
			}

			history, err := tx.BuyerLog(ctx, buyer)
			if err != nil {
				return err
			}
			expirable := min(ExpirableAt(history, cycle.End()), bal.CurrentBalance)

			now := e.clock().UTC()
			if expirable > 0 {
				t := e.newTransaction(TxExpire, buyer)
				t.Amount = -expirable
				t.Cycle = cycle.String()
				t.ActorID = SystemActorID
				t.Reason = "quarterly expiration " + cycle.String()
				if err := t.transition(StatusCompleted); err != nil {
					return err
				}
				if t, err = tx.Append(ctx, t); err != nil {
					return err
				}
				out.Expired = -t.Amount
				out.Transaction = &t
			}

			bal.CurrentBalance -= out.Expired
			bal.LastExpiredCycle = cycle.String()
			bal.UpdatedAt = now
			if err := tx.PutBuyer(ctx, bal); err != nil {
				return err
			}
			return e.checkWrite(ctx, tx, bal)
		})
	})
	if err != nil {
		e.afterFailure(ctx, "expire", buyer, err)
		return out, err
	}
	return out, nil
}

// ResetCompany restores a company's current balance to its original
// baseline for cycle. Returns false when the cycle was already applied.
func (e *Engine) ResetCompany(ctx context.Context, company CompanyID, cycle Cycle) (CompanyBalance, bool, error) {
	var (
		out     CompanyBalance
		applied bool
	)
	err := e.execute(ctx, "company_reset", func(ctx context.Context) error {
		applied = false
		return e.store.WithTx(ctx, func(tx Tx) error {
			c, err := tx.LockCompany(ctx, company)
			if err != nil {
				return err
			}
			if processed(c.LastResetCycle, cycle) {
				out = c
				return nil
			}

			now := e.clock().UTC()
			change := c.OriginalBalance - c.CurrentBalance
			c.CurrentBalance = c.OriginalBalance
			c.LastResetCycle = cycle.String()
			c.UpdatedAt = now
			if err := tx.PutCompany(ctx, c); err != nil {
				return err
			}
			if err := tx.AppendCompanyEntry(ctx, CompanyEntry{
				ID:            uuid.NewString(),
				CompanyID:     company,
				Kind:          EntryReset,
				Amount:        change,
				CurrentAfter:  c.CurrentBalance,
				OriginalAfter: c.OriginalBalance,
				Cycle:         cycle.String(),
				CreatedAt:     now,
			}); err != nil {
				return err
			}
			out, applied = c, true
			return nil
		})
	})
	return out, applied, err
}

// processed reports whether a subject marker already covers cycle.
func processed(marker string, cycle Cycle) bool {
	if marker == "" {
		return false
	}
	last, err := ParseCycle(marker)
	if err != nil {
		return false
	}
	return !last.Before(cycle)
}
