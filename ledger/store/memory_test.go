package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/ledger"
)

func completed(id, buyer string, amount int64) ledger.Transaction {
	return ledger.Transaction{
		ID:        ledger.TransactionID(id),
		Type:      ledger.TxEarn,
		Status:    ledger.StatusCompleted,
		BuyerID:   ledger.BuyerID(buyer),
		Amount:    amount,
		CreatedAt: time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemory_RollbackDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.LockBuyer(ctx, "alice")
		require.NoError(t, err)
		_, err = tx.Append(ctx, completed("t1", "alice", 10))
		require.NoError(t, err)
		b.CurrentBalance = 10
		require.NoError(t, tx.PutBuyer(ctx, b))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = m.Buyer(ctx, "alice")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = m.Transaction(ctx, "t1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestMemory_MarkReversedOnlyFromCompleted(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockBuyer(ctx, "bob"); err != nil {
			return err
		}
		if _, err := tx.Append(ctx, completed("t1", "bob", 10)); err != nil {
			return err
		}
		failed := completed("t2", "bob", 5)
		failed.Status = ledger.StatusFailed
		_, err := tx.Append(ctx, failed)
		return err
	})
	require.NoError(t, err)

	err = m.WithTx(ctx, func(tx ledger.Tx) error {
		require.NoError(t, tx.MarkReversed(ctx, "t1", "r1"))
		assert.ErrorIs(t, tx.MarkReversed(ctx, "t1", "r2"), ledger.ErrAlreadyReversed)
		assert.ErrorIs(t, tx.MarkReversed(ctx, "t2", "r3"), ledger.ErrNotReversible)
		return nil
	})
	require.NoError(t, err)

	t1, err := m.Transaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReversed, t1.Status)
	assert.Equal(t, ledger.TransactionID("r1"), t1.ReversedBy)
}

func TestMemory_AppendRejectsPendingAndDuplicateKeys(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	err := m.WithTx(ctx, func(tx ledger.Tx) error {
		pending := completed("t1", "carol", 1)
		pending.Status = ledger.StatusPending
		_, err := tx.Append(ctx, pending)
		assert.Error(t, err)

		a := completed("t2", "carol", 1)
		a.IdempotencyKey = "k"
		first, err := tx.Append(ctx, a)
		require.NoError(t, err)
		assert.Positive(t, first.Seq)

		b := completed("t3", "carol", 1)
		b.IdempotencyKey = "k"
		_, err = tx.Append(ctx, b)
		assert.ErrorIs(t, err, ledger.ErrIdempotencyMismatch)
		return nil
	})
	require.NoError(t, err)
}

func TestMemory_ListBuyersPaginates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for i, id := range []ledger.BuyerID{"b3", "b1", "b2", "b0"} {
		err := m.WithTx(ctx, func(tx ledger.Tx) error {
			b, err := tx.LockBuyer(ctx, id)
			if err != nil {
				return err
			}
			b.CurrentBalance = int64(i)
			return tx.PutBuyer(ctx, b)
		})
		require.NoError(t, err)
	}

	page, err := m.ListBuyers(ctx, ledger.Page{Limit: 2, PositiveOnly: true})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ledger.BuyerID("b0"), page[0].BuyerID)
	assert.Equal(t, ledger.BuyerID("b1"), page[1].BuyerID)

	// b3 has a zero balance and is skipped.
	page, err = m.ListBuyers(ctx, ledger.Page{After: "b1", Limit: 2, PositiveOnly: true})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ledger.BuyerID("b2"), page[0].BuyerID)

	all, err := m.ListBuyers(ctx, ledger.Page{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestMemory_DirectoryAndRuns(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Store(ctx, "s1")
	assert.ErrorIs(t, err, ledger.ErrStoreUnknown)
	assert.Error(t, m.PutStore(ctx, ledger.StoreInfo{ID: "s1", CompanyID: "acme", Status: "bogus"}))
	require.NoError(t, m.PutStore(ctx, ledger.StoreInfo{ID: "s1", CompanyID: "acme", Status: ledger.StoreActive}))

	info, err := m.Store(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, ledger.CompanyID("acme"), info.CompanyID)

	start := time.Date(2026, time.July, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.SaveExpirationRun(ctx, ledger.ExpirationRun{ID: "r1", Cycle: "2026-Q2", Status: ledger.RunCompletedWithErrors, StartedAt: start}))
	done, err := m.CycleCompleted(ctx, "2026-Q2")
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, m.SaveExpirationRun(ctx, ledger.ExpirationRun{ID: "r2", Cycle: "2026-Q2", Status: ledger.RunCompleted, StartedAt: start.Add(time.Hour)}))
	done, err = m.CycleCompleted(ctx, "2026-Q2")
	require.NoError(t, err)
	assert.True(t, done)

	runs, err := m.ExpirationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)
}

func TestMemory_SubjectLocksAreDroppedWhenIdle(t *testing.T) {
	// GIVEN: Units over many distinct buyers, contended units on one buyer,
	//        and a waiter that gives up
	// WHEN: Every unit has finished
	// THEN: No lock entry is left behind

	ctx := context.Background()
	m := NewMemory()

	for i := range 50 {
		require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
			_, err := tx.LockBuyer(ctx, ledger.BuyerID(fmt.Sprintf("b-%d", i)))
			return err
		}))
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
				if _, err := tx.LockBuyer(ctx, "hot"); err != nil {
					return err
				}
				_, err := tx.LockCompany(ctx, "acme")
				return err
			}))
		}()
	}
	wg.Wait()

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- m.WithTx(ctx, func(tx ledger.Tx) error {
			if _, err := tx.LockBuyer(ctx, "hot"); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := m.WithTx(short, func(tx ledger.Tx) error {
		_, err := tx.LockBuyer(short, "hot")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
	require.NoError(t, <-done)

	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	assert.Empty(t, m.locks)
}
