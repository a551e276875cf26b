package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/warp/points-ledger/ledger"
)

var (
	sharedMu  sync.Mutex
	sharedDSN string
)

// testDSN returns LEDGER_TEST_POSTGRES_DSN when set, otherwise starts one
// PostgreSQL container shared by every test in the package.
func testDSN(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL tests in short mode")
	}
	if dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}

	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedDSN != "" {
		return sharedDSN
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("points_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	sharedDSN = dsn
	return dsn
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), testDSN(t), 16)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

// unique namespaces ids so tests can share one database.
func unique(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString()[:8])
}

func TestPostgres_EngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := ledger.NewEngine(store, store)

	storeID := ledger.StoreID(unique("store"))
	require.NoError(t, store.PutStore(ctx, ledger.StoreInfo{ID: storeID, CompanyID: "acme", Status: ledger.StoreActive}))

	buyer := ledger.BuyerID(unique("buyer"))
	earned, err := engine.Earn(ctx, ledger.PurchaseRequest{BuyerID: buyer, StoreID: storeID, Amount: 100})
	require.NoError(t, err)

	_, err = engine.Spend(ctx, ledger.PurchaseRequest{BuyerID: buyer, StoreID: storeID, Amount: 500})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	rev, err := engine.Reverse(ctx, earned.Transaction.ID, ledger.Actor{ID: string(buyer), Role: ledger.RoleBuyer})
	require.NoError(t, err)
	assert.Equal(t, int64(0), rev.Balance)

	_, err = engine.Reverse(ctx, earned.Transaction.ID, ledger.Actor{ID: string(buyer), Role: ledger.RoleBuyer})
	assert.ErrorIs(t, err, ledger.ErrAlreadyReversed)

	txs, err := store.BuyerTransactions(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, ledger.StatusReversed, txs[0].Status)
	assert.Equal(t, ledger.StatusFailed, txs[1].Status)
	assert.Equal(t, ledger.TxReversal, txs[2].Type)
	assert.Equal(t, int64(0), ledger.Replay(txs))
}

func TestPostgres_ConcurrentEarnsOnOneBuyer(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	opts := ledger.DefaultOptions()
	// REPEATABLE READ turns lock waits into serialization failures; give
	// every writer enough attempts to get through.
	opts.MaxAttempts = 50
	opts.OperationTimeout = 30 * time.Second
	engine := ledger.NewEngine(store, store, ledger.WithOptions(opts))

	storeID := ledger.StoreID(unique("store"))
	require.NoError(t, store.PutStore(ctx, ledger.StoreInfo{ID: storeID, CompanyID: "acme", Status: ledger.StoreActive}))
	buyer := ledger.BuyerID(unique("buyer"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Earn(ctx, ledger.PurchaseRequest{BuyerID: buyer, StoreID: storeID, Amount: 5})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := store.Buyer(ctx, buyer)
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.CurrentBalance)
}

func TestPostgres_TransactionsAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id := ledger.TransactionID(unique("tx"))
	err := store.WithTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.Append(ctx, ledger.Transaction{
			ID: id, Type: ledger.TxEarn, Status: ledger.StatusCompleted,
			BuyerID: ledger.BuyerID(unique("buyer")), Amount: 5, CreatedAt: time.Now(),
		})
		return err
	})
	require.NoError(t, err)

	_, err = store.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, string(id))
	assert.Error(t, err)
	_, err = store.pool.Exec(ctx, `UPDATE transactions SET amount = 1 WHERE id = $1`, string(id))
	assert.Error(t, err)
}

func TestPostgres_RunsAndCompanies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := ledger.NewEngine(store, store)

	company := ledger.CompanyID(unique("company"))
	_, err := engine.Credit(ctx, company, 300)
	require.NoError(t, err)
	_, applied, err := engine.ResetCompany(ctx, company, ledger.Cycle{Year: 2026, Quarter: 3})
	require.NoError(t, err)
	assert.True(t, applied)

	entries, err := store.CompanyEntries(ctx, company)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	cycle := unique("cycle")
	now := time.Now().UTC()
	require.NoError(t, store.SaveExpirationRun(ctx, ledger.ExpirationRun{
		ID: unique("run"), Cycle: cycle, Cutoff: now, Status: ledger.RunCompleted, StartedAt: now, CompletedAt: &now,
	}))
	done, err := store.CycleCompleted(ctx, cycle)
	require.NoError(t, err)
	assert.True(t, done)
}
