package expiration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// October 1st 2026 closes 2026-Q3.
var (
	cutoff = time.Date(2026, time.October, 1, 0, 5, 0, 0, time.UTC)
	inQ3   = time.Date(2026, time.September, 15, 12, 0, 0, 0, time.UTC)
)

func fixedClock() time.Time { return cutoff }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// setupWithClock returns an engine whose clock starts inside 2026-Q3.
func setupWithClock(t *testing.T) (*ledger.Engine, *store.Memory, *testClock) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.PutStore(context.Background(), ledger.StoreInfo{
		ID: "store-1", CompanyID: "acme", Status: ledger.StoreActive,
	}))
	clk := &testClock{now: inQ3}
	return ledger.NewEngine(mem, mem, ledger.WithClock(clk.Now)), mem, clk
}

func setup(t *testing.T) (*ledger.Engine, *store.Memory) {
	engine, mem, _ := setupWithClock(t)
	return engine, mem
}

func freeze(t *testing.T, mem *store.Memory, buyer string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.WithTx(ctx, func(tx ledger.Tx) error {
		b, err := tx.LockBuyer(ctx, ledger.BuyerID(buyer))
		if err != nil {
			return err
		}
		b.Frozen = true
		b.FrozenReason = "test"
		return tx.PutBuyer(ctx, b)
	}))
}

func earn(t *testing.T, engine *ledger.Engine, buyer string, amount int64) {
	t.Helper()
	_, err := engine.Earn(context.Background(), ledger.PurchaseRequest{
		BuyerID: ledger.BuyerID(buyer), StoreID: "store-1", Amount: amount,
	})
	require.NoError(t, err)
}

func balance(t *testing.T, mem *store.Memory, buyer string) int64 {
	t.Helper()
	b, err := mem.Buyer(context.Background(), ledger.BuyerID(buyer))
	require.NoError(t, err)
	return b.CurrentBalance
}

// flakyExpirer fails the first n calls per buyer with a transient error.
// Buyers listed in always never succeed.
type flakyExpirer struct {
	*ledger.Engine
	mu     sync.Mutex
	calls  map[ledger.BuyerID]int
	n      int
	always map[ledger.BuyerID]bool
}

func newFlaky(engine *ledger.Engine, n int, always ...ledger.BuyerID) *flakyExpirer {
	f := &flakyExpirer{Engine: engine, calls: map[ledger.BuyerID]int{}, n: n, always: map[ledger.BuyerID]bool{}}
	for _, b := range always {
		f.always[b] = true
	}
	return f
}

func (f *flakyExpirer) ExpireBuyer(ctx context.Context, buyer ledger.BuyerID, cycle ledger.Cycle) (ledger.ExpireOutcome, error) {
	f.mu.Lock()
	f.calls[buyer]++
	fail := f.always[buyer] || f.calls[buyer] <= f.n
	f.mu.Unlock()
	if fail {
		return ledger.ExpireOutcome{}, &ledger.TransientError{Op: "expire", Attempts: 1, Err: ledger.ErrConcurrentModification}
	}
	return f.Engine.ExpireBuyer(ctx, buyer, cycle)
}

// =============================================================================
// RUN
// =============================================================================

func TestRun_ExpiresEveryPositiveBuyerAndResetsCompanies(t *testing.T) {
	// GIVEN: Three buyers with points, one with none, and a credited company
	// WHEN: The batch closes 2026-Q3
	// THEN: Every positive balance is zeroed through an expire row and the
	//       company is reset for the cycle

	ctx := context.Background()
	engine, mem := setup(t)
	earn(t, engine, "alice", 100)
	earn(t, engine, "bob", 40)
	earn(t, engine, "carol", 5)
	_, err := engine.AdminAdjustment(ctx, ledger.AdjustmentRequest{
		BuyerID: "dave", Delta: 1, Reason: "seed", Actor: ledger.Actor{ID: "root", Role: ledger.RoleSystemAdmin},
	})
	require.NoError(t, err)
	_, err = engine.AdminAdjustment(ctx, ledger.AdjustmentRequest{
		BuyerID: "dave", Delta: -1, Reason: "seed", Actor: ledger.Actor{ID: "root", Role: ledger.RoleSystemAdmin},
	})
	require.NoError(t, err)
	_, err = engine.Credit(ctx, "acme", 1000)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	s := NewScheduler(engine, mem, mem, Config{BatchSize: 2},
		WithClock(fixedClock), WithMetrics(NewMetrics(reg)))

	run, err := s.Run(ctx, cutoff)
	require.NoError(t, err)

	assert.Equal(t, "2026-Q3", run.Cycle)
	assert.Equal(t, ledger.RunCompleted, run.Status)
	assert.Equal(t, 3, run.BuyersExpired)
	assert.Equal(t, int64(145), run.PointsExpired)
	assert.Equal(t, 1, run.CompaniesReset)
	assert.Zero(t, run.Failures)
	require.NotNil(t, run.CompletedAt)

	for _, buyer := range []string{"alice", "bob", "carol", "dave"} {
		assert.Zero(t, balance(t, mem, buyer), buyer)
	}

	txs, err := mem.BuyerTransactions(ctx, "alice")
	require.NoError(t, err)
	last := txs[len(txs)-1]
	assert.Equal(t, ledger.TxExpire, last.Type)
	assert.Equal(t, int64(-100), last.Amount)
	assert.Equal(t, "2026-Q3", last.Cycle)
	assert.Equal(t, int64(0), ledger.Replay(txs))

	done, err := mem.CycleCompleted(ctx, "2026-Q3")
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, float64(145), testutil.ToFloat64(s.metrics.expired))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.runs.WithLabelValues(string(ledger.RunCompleted))))
}

func TestRun_IsIdempotentPerCycle(t *testing.T) {
	// GIVEN: A pass already closed 2026-Q3
	// WHEN: A buyer earns again and the same cycle is re-run
	// THEN: The buyer is skipped; nothing is expired twice

	ctx := context.Background()
	engine, mem := setup(t)
	earn(t, engine, "alice", 100)
	s := NewScheduler(engine, mem, mem, Config{}, WithClock(fixedClock))

	first, err := s.Run(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, first.BuyersExpired)

	earn(t, engine, "alice", 30)

	second, err := s.Run(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 0, second.BuyersExpired)
	assert.Equal(t, 1, second.BuyersSkipped)
	assert.Equal(t, int64(30), balance(t, mem, "alice"))

	runs, err := mem.ExpirationRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRun_NextCycleExpiresAgain(t *testing.T) {
	ctx := context.Background()
	engine, mem := setup(t)
	earn(t, engine, "alice", 100)
	s := NewScheduler(engine, mem, mem, Config{}, WithClock(fixedClock))

	_, err := s.Run(ctx, cutoff)
	require.NoError(t, err)
	earn(t, engine, "alice", 20)

	run, err := s.Run(ctx, cutoff.AddDate(0, 3, 0))
	require.NoError(t, err)
	assert.Equal(t, "2026-Q4", run.Cycle)
	assert.Equal(t, int64(20), run.PointsExpired)
	assert.Zero(t, balance(t, mem, "alice"))
}

func TestRun_RetriesTransientFailuresPerBuyer(t *testing.T) {
	ctx := context.Background()
	engine, mem := setup(t)
	earn(t, engine, "alice", 10)
	earn(t, engine, "bob", 10)

	flaky := newFlaky(engine, 2)
	s := NewScheduler(flaky, mem, mem, Config{SubjectAttempts: 3, RetryInterval: time.Millisecond}, WithClock(fixedClock))

	run, err := s.Run(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, ledger.RunCompleted, run.Status)
	assert.Equal(t, 2, run.BuyersExpired)
	assert.Equal(t, 3, flaky.calls["alice"])
}

func TestRun_ContinuesPastFailingBuyer(t *testing.T) {
	// GIVEN: One buyer whose expiration keeps failing
	// WHEN: The batch runs
	// THEN: The others are still expired and the run is completed_with_errors,
	//       so the next tick picks the cycle up again

	ctx := context.Background()
	engine, mem := setup(t)
	earn(t, engine, "alice", 10)
	earn(t, engine, "bob", 10)

	flaky := newFlaky(engine, 0, "bob")
	s := NewScheduler(flaky, mem, mem, Config{SubjectAttempts: 2, RetryInterval: time.Millisecond}, WithClock(fixedClock))

	run, err := s.Run(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, ledger.RunCompletedWithErrors, run.Status)
	assert.Equal(t, 1, run.BuyersExpired)
	assert.Equal(t, 1, run.Failures)
	assert.Equal(t, int64(10), balance(t, mem, "bob"))
	assert.Zero(t, balance(t, mem, "alice"))

	done, err := mem.CycleCompleted(ctx, "2026-Q3")
	require.NoError(t, err)
	assert.False(t, done)
}

func TestRun_FrozenBuyerIsNotRetried(t *testing.T) {
	ctx := context.Background()
	engine, mem := setup(t)
	earn(t, engine, "alice", 10)
	freeze(t, mem, "alice")

	var calls atomic.Int32
	counting := &countingExpirer{Engine: engine, calls: &calls}
	s := NewScheduler(counting, mem, mem, Config{SubjectAttempts: 5}, WithClock(fixedClock))

	run, err := s.Run(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Failures)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(10), balance(t, mem, "alice"))
}

type countingExpirer struct {
	*ledger.Engine
	calls *atomic.Int32
}

func (c *countingExpirer) ExpireBuyer(ctx context.Context, buyer ledger.BuyerID, cycle ledger.Cycle) (ledger.ExpireOutcome, error) {
	c.calls.Add(1)
	return c.Engine.ExpireBuyer(ctx, buyer, cycle)
}

func TestRun_ManyBuyersAcrossPages(t *testing.T) {
	ctx := context.Background()
	engine, mem := setup(t)
	for i := 0; i < 25; i++ {
		earn(t, engine, fmt.Sprintf("buyer-%02d", i), int64(i+1))
	}
	s := NewScheduler(engine, mem, mem, Config{BatchSize: 4}, WithClock(fixedClock))

	run, err := s.Run(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 25, run.BuyersExpired)
	assert.Equal(t, int64(25*26/2), run.PointsExpired)

	left, err := mem.ListBuyers(ctx, ledger.Page{PositiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRun_ConcurrentEarnsDuringBatchAreNotLost(t *testing.T) {
	// GIVEN: Buyers holding 10 points from 2026-Q3
	// WHEN: The batch runs while each of them earns 1 point in 2026-Q4
	// THEN: Only the Q3 points expire and every balance equals its replay

	ctx := context.Background()
	engine, mem, clk := setupWithClock(t)
	for i := 0; i < 20; i++ {
		earn(t, engine, fmt.Sprintf("buyer-%02d", i), 10)
	}
	clk.Set(cutoff)
	s := NewScheduler(engine, mem, mem, Config{BatchSize: 3}, WithClock(fixedClock))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := engine.Earn(ctx, ledger.PurchaseRequest{
				BuyerID: ledger.BuyerID(fmt.Sprintf("buyer-%02d", i)), StoreID: "store-1", Amount: 1,
			})
			assert.NoError(t, err)
		}
	}()
	_, err := s.Run(ctx, cutoff)
	require.NoError(t, err)
	wg.Wait()

	for i := 0; i < 20; i++ {
		id := ledger.BuyerID(fmt.Sprintf("buyer-%02d", i))
		txs, err := mem.BuyerTransactions(ctx, id)
		require.NoError(t, err)
		b, err := mem.Buyer(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ledger.Replay(txs), b.CurrentBalance, string(id))
		assert.Equal(t, int64(1), b.CurrentBalance, string(id))
	}
}

func TestRun_RejectsOverlappingPasses(t *testing.T) {
	engine, mem := setup(t)
	s := NewScheduler(engine, mem, mem, Config{}, WithClock(fixedClock))

	s.running.Lock()
	_, err := s.Run(context.Background(), cutoff)
	s.running.Unlock()
	assert.True(t, errors.Is(err, ErrRunInProgress))
}

// =============================================================================
// START / STOP
// =============================================================================

func TestScheduler_StartRunsImmediately(t *testing.T) {
	ctx := context.Background()
	engine, mem := setup(t)
	earn(t, engine, "alice", 100)

	s := NewScheduler(engine, mem, mem, Config{Enabled: true, CheckInterval: time.Hour}, WithClock(fixedClock))
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		done, err := mem.CycleCompleted(ctx, "2026-Q3")
		return err == nil && done
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, balance(t, mem, "alice"))
}

func TestScheduler_SkipsCompletedCycle(t *testing.T) {
	ctx := context.Background()
	engine, mem := setup(t)
	s := NewScheduler(engine, mem, mem, Config{Enabled: true}, WithClock(fixedClock))

	_, err := s.Run(ctx, cutoff)
	require.NoError(t, err)

	s.checkAndProcess(ctx)

	runs, err := mem.ExpirationRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestScheduler_RerunAfterErrorsKeepsNewQuarterPoints(t *testing.T) {
	// GIVEN: The Q3 pass ended with errors because one buyer is frozen
	// WHEN: A buyer earns in Q4 and the next tick re-runs Q3
	// THEN: The Q4 points survive until the Q4 boundary

	ctx := context.Background()
	engine, mem, clk := setupWithClock(t)
	earn(t, engine, "carol", 40)
	earn(t, engine, "frozen", 10)
	freeze(t, mem, "frozen")

	s := NewScheduler(engine, mem, mem, Config{Enabled: true, SubjectAttempts: 1}, WithClock(clk.Now))

	clk.Set(cutoff)
	s.checkAndProcess(ctx)
	runs, err := mem.ExpirationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ledger.RunCompletedWithErrors, runs[0].Status)
	assert.Zero(t, balance(t, mem, "carol"))

	clk.Set(time.Date(2026, time.October, 15, 9, 0, 0, 0, time.UTC))
	earn(t, engine, "alice", 100)
	s.checkAndProcess(ctx)

	assert.Equal(t, int64(100), balance(t, mem, "alice"))
	assert.Equal(t, int64(10), balance(t, mem, "frozen"))
	txs, err := mem.BuyerTransactions(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, txs, 1, "no expire row for points earned after the boundary")

	clk.Set(time.Date(2027, time.January, 1, 0, 5, 0, 0, time.UTC))
	s.checkAndProcess(ctx)
	assert.Zero(t, balance(t, mem, "alice"), "Q4 points expire at the Q4 boundary")
}

func TestScheduler_FirstCheckMidQuarterKeepsCurrentPoints(t *testing.T) {
	// GIVEN: A fresh deployment whose first check happens in November
	// WHEN: The scheduler closes 2026-Q3
	// THEN: Only points held before October 1st expire

	ctx := context.Background()
	engine, mem, clk := setupWithClock(t)
	earn(t, engine, "carol", 40)

	clk.Set(time.Date(2026, time.November, 20, 10, 0, 0, 0, time.UTC))
	earn(t, engine, "alice", 100)
	earn(t, engine, "carol", 5)

	s := NewScheduler(engine, mem, mem, Config{Enabled: true}, WithClock(clk.Now))
	s.checkAndProcess(ctx)

	assert.Equal(t, int64(100), balance(t, mem, "alice"))
	assert.Equal(t, int64(5), balance(t, mem, "carol"))

	runs, err := mem.ExpirationRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "2026-Q3", runs[0].Cycle)
	assert.Equal(t, ledger.RunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].BuyersExpired)
	assert.Equal(t, int64(40), runs[0].PointsExpired)
}

func TestScheduler_StopsRetryingCycleAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	engine, mem := setup(t)
	earn(t, engine, "frozen", 10)
	freeze(t, mem, "frozen")

	s := NewScheduler(engine, mem, mem, Config{Enabled: true, SubjectAttempts: 1, MaxCycleAttempts: 2}, WithClock(fixedClock))
	for i := 0; i < 4; i++ {
		s.checkAndProcess(ctx)
	}

	runs, err := mem.ExpirationRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 2)

	// An operator can still run the cycle by hand.
	_, err = s.RunNow(ctx)
	require.NoError(t, err)
	runs, err = mem.ExpirationRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestScheduler_DisabledDoesNotStart(t *testing.T) {
	engine, mem := setup(t)
	s := NewScheduler(engine, mem, mem, Config{Enabled: false}, WithClock(fixedClock))
	s.Start()
	assert.Nil(t, s.ticker)
	s.Stop()
}
