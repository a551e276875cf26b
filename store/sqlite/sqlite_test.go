package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutStore(context.Background(), ledger.StoreInfo{
		ID: "store-1", CompanyID: "acme", Status: ledger.StoreActive,
	}))
	return store
}

func newTestEngine(t *testing.T) (*ledger.Engine, *Store) {
	store := newTestStore(t)
	return ledger.NewEngine(store, store), store
}

func purchase(buyer string, amount int64) ledger.PurchaseRequest {
	return ledger.PurchaseRequest{BuyerID: ledger.BuyerID(buyer), StoreID: "store-1", Amount: amount}
}

// =============================================================================
// ENGINE OVER SQLITE
// =============================================================================

func TestSQLite_EarnSpendReverseRoundTrip(t *testing.T) {
	// GIVEN: Earn 100 with a purchase cost and metadata-free request
	// WHEN: Spending 30, failing a spend of 500 and reversing the spend
	// THEN: All rows round-trip and the balance equals the replay

	ctx := context.Background()
	engine, store := newTestEngine(t)

	cost := decimal.RequireFromString("12.50")
	req := purchase("alice", 100)
	req.TotalCost = &cost
	req.IdempotencyKey = "order-1"
	earned, err := engine.Earn(ctx, req)
	require.NoError(t, err)
	assert.Positive(t, earned.Transaction.Seq)

	spent, err := engine.Spend(ctx, purchase("alice", 30))
	require.NoError(t, err)

	_, err = engine.Spend(ctx, purchase("alice", 500))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	rev, err := engine.Reverse(ctx, spent.Transaction.ID, ledger.Actor{ID: "alice", Role: ledger.RoleBuyer})
	require.NoError(t, err)
	assert.Equal(t, int64(100), rev.Balance)

	txs, err := store.BuyerTransactions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txs, 4)

	assert.Equal(t, "order-1", txs[0].IdempotencyKey)
	require.NotNil(t, txs[0].TotalCost)
	assert.True(t, cost.Equal(*txs[0].TotalCost))
	assert.Equal(t, ledger.CompanyID("acme"), txs[0].CompanyID)

	assert.Equal(t, ledger.StatusReversed, txs[1].Status)
	assert.Equal(t, rev.Transaction.ID, txs[1].ReversedBy)

	assert.Equal(t, ledger.StatusFailed, txs[2].Status)
	assert.Equal(t, ledger.KindInsufficientBalance, txs[2].FailureKind)
	assert.Equal(t, int64(500), txs[2].Requested)

	assert.Equal(t, ledger.TxReversal, txs[3].Type)
	assert.Equal(t, spent.Transaction.ID, txs[3].Reverses)

	for i := 1; i < len(txs); i++ {
		assert.Greater(t, txs[i].Seq, txs[i-1].Seq)
	}

	b, err := store.Buyer(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, ledger.Replay(txs), b.CurrentBalance)

	again, err := engine.Earn(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestSQLite_ConcurrentSpendsSerialize(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	_, err := engine.Earn(ctx, purchase("bob", 50))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = engine.Spend(ctx, purchase("bob", 10))
		}()
	}
	wg.Wait()

	b, err := store.Buyer(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.CurrentBalance)

	txs, err := store.BuyerTransactions(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, txs, 11)
	assert.Equal(t, int64(0), ledger.Replay(txs))
}

func TestSQLite_ExpirationAndCompanyReset(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Date(2026, time.September, 3, 8, 0, 0, 0, time.UTC)
	engine := ledger.NewEngine(store, store, ledger.WithClock(func() time.Time { return now }))

	_, err := engine.Earn(ctx, purchase("carol", 70))
	require.NoError(t, err)
	// Earned after the boundary, so it survives the Q3 pass.
	now = time.Date(2026, time.October, 2, 8, 0, 0, 0, time.UTC)
	_, err = engine.Earn(ctx, purchase("carol", 5))
	require.NoError(t, err)
	_, err = engine.Credit(ctx, "acme", 1000)
	require.NoError(t, err)

	cycle := ledger.Cycle{Year: 2026, Quarter: 3}
	out, err := engine.ExpireBuyer(ctx, "carol", cycle)
	require.NoError(t, err)
	assert.Equal(t, int64(70), out.Expired)

	out, err = engine.ExpireBuyer(ctx, "carol", cycle)
	require.NoError(t, err)
	assert.True(t, out.Skipped)

	b, err := store.Buyer(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.CurrentBalance)
	assert.Equal(t, "2026-Q3", b.LastExpiredCycle)

	_, applied, err := engine.ResetCompany(ctx, "acme", cycle)
	require.NoError(t, err)
	assert.True(t, applied)

	entries, err := store.CompanyEntries(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "2026-Q3", entries[1].Cycle)

	positive, err := store.ListBuyers(ctx, ledger.Page{PositiveOnly: true})
	require.NoError(t, err)
	require.Len(t, positive, 1)
	assert.Equal(t, int64(5), positive[0].CurrentBalance)
}

// =============================================================================
// SCHEMA-LEVEL GUARANTEES
// =============================================================================

func TestSQLite_TransactionsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t)

	earned, err := engine.Earn(ctx, purchase("dave", 10))
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, earned.Transaction.ID)
	assert.Error(t, err)

	_, err = store.db.ExecContext(ctx, `UPDATE transactions SET amount = 999 WHERE id = ?`, earned.Transaction.ID)
	assert.Error(t, err)

	tx, err := store.Transaction(ctx, earned.Transaction.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), tx.Amount)
	assert.Equal(t, ledger.StatusCompleted, tx.Status)
}

func TestSQLite_BalanceCannotGoNegative(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.LockBuyer(ctx, "erin")
		if err != nil {
			return err
		}
		b.CurrentBalance = -1
		return tx.PutBuyer(ctx, b)
	})
	assert.Error(t, err)
}

func TestSQLite_MarkReversedRules(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.Append(ctx, ledger.Transaction{
			ID: "t1", Type: ledger.TxEarn, Status: ledger.StatusCompleted,
			BuyerID: "frank", Amount: 5, CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}
		_, err = tx.Append(ctx, ledger.Transaction{
			ID: "t2", Type: ledger.TxSpend, Status: ledger.StatusFailed,
			BuyerID: "frank", Amount: -5, CreatedAt: time.Now(),
		})
		return err
	})
	require.NoError(t, err)

	err = store.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.MarkReversed(ctx, "t1", "r1"))
		assert.ErrorIs(t, tx.MarkReversed(ctx, "t1", "r2"), ledger.ErrAlreadyReversed)
		assert.ErrorIs(t, tx.MarkReversed(ctx, "t2", "r3"), ledger.ErrNotReversible)
		assert.ErrorIs(t, tx.MarkReversed(ctx, "nope", "r4"), ledger.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestSQLite_ExpirationRuns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	start := time.Date(2026, time.October, 1, 0, 5, 0, 0, time.UTC)
	run := ledger.ExpirationRun{
		ID: "run-1", Cycle: "2026-Q3", Cutoff: start, Status: ledger.RunRunning, StartedAt: start,
	}
	require.NoError(t, store.SaveExpirationRun(ctx, run))

	done, err := store.CycleCompleted(ctx, "2026-Q3")
	require.NoError(t, err)
	assert.False(t, done)

	finished := start.Add(time.Minute)
	run.Status = ledger.RunCompleted
	run.BuyersExpired = 3
	run.PointsExpired = 120
	run.CompletedAt = &finished
	require.NoError(t, store.SaveExpirationRun(ctx, run))

	done, err = store.CycleCompleted(ctx, "2026-Q3")
	require.NoError(t, err)
	assert.True(t, done)

	runs, err := store.ExpirationRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, int64(120), runs[0].PointsExpired)
	require.NotNil(t, runs[0].CompletedAt)
	assert.True(t, finished.Equal(*runs[0].CompletedAt))
}
