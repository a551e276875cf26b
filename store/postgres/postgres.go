/*
Package postgres provides a PostgreSQL-backed implementation of the ledger
stores on top of pgx.

PURPOSE:
  Multi-node deployments. Implements ledger.Store, ledger.RunStore and
  ledger.DirectoryStore.

CONCURRENCY:
  Every atomic unit runs at REPEATABLE READ. LockBuyer / LockCompany take a
  row lock with SELECT ... FOR UPDATE, so units on the same subject
  serialize while other subjects proceed in parallel. Serialization
  failures (40001), deadlocks (40P01) and lock timeouts (55P03) surface as
  ledger.ErrConcurrentModification; the engine retries them.

APPEND-ONLY ENFORCEMENT:
  points_transactions_guard() rejects DELETE and every UPDATE except
  completed -> reversed.
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/ledger"
)

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ ledger.Store          = (*Store)(nil)
	_ ledger.RunStore       = (*Store)(nil)
	_ ledger.DirectoryStore = (*Store)(nil)
)

// New connects to dsn, verifies the connection and migrates the schema.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	tx_type TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('completed', 'reversed', 'failed')),
	buyer_id TEXT NOT NULL,
	store_id TEXT,
	company_id TEXT,
	amount BIGINT NOT NULL,
	requested BIGINT NOT NULL DEFAULT 0,
	total_cost NUMERIC(18, 4),
	reversed_by TEXT,
	reverses TEXT,
	reason TEXT,
	failure_kind TEXT,
	cycle TEXT,
	actor_id TEXT,
	idempotency_key TEXT,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT transactions_idempotency_key_key UNIQUE (idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_transactions_buyer ON transactions (buyer_id, seq);
CREATE INDEX IF NOT EXISTS idx_transactions_company ON transactions (company_id, seq) WHERE company_id IS NOT NULL;

CREATE OR REPLACE FUNCTION points_transactions_guard() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'UPDATE'
		AND OLD.status = 'completed' AND NEW.status = 'reversed'
		AND OLD.reversed_by IS NULL
		AND NEW.id = OLD.id AND NEW.buyer_id = OLD.buyer_id
		AND NEW.amount = OLD.amount AND NEW.tx_type = OLD.tx_type
	THEN
		RETURN NEW;
	END IF;
	RAISE EXCEPTION 'transactions are append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS transactions_guard ON transactions;
CREATE TRIGGER transactions_guard
	BEFORE UPDATE OR DELETE ON transactions
	FOR EACH ROW EXECUTE FUNCTION points_transactions_guard();

CREATE TABLE IF NOT EXISTS buyer_balances (
	buyer_id TEXT PRIMARY KEY,
	current_balance BIGINT NOT NULL DEFAULT 0 CHECK (current_balance >= 0),
	last_expired_cycle TEXT NOT NULL DEFAULT '',
	frozen BOOLEAN NOT NULL DEFAULT FALSE,
	frozen_reason TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_buyer_balances_positive
	ON buyer_balances (buyer_id) WHERE current_balance > 0;

CREATE TABLE IF NOT EXISTS company_balances (
	company_id TEXT PRIMARY KEY,
	current_balance BIGINT NOT NULL DEFAULT 0,
	original_balance BIGINT NOT NULL DEFAULT 0,
	last_reset_cycle TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS company_entries (
	seq BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	company_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount BIGINT NOT NULL,
	current_after BIGINT NOT NULL,
	original_after BIGINT NOT NULL,
	cycle TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_company_entries_company ON company_entries (company_id, seq);

CREATE TABLE IF NOT EXISTS stores (
	id TEXT PRIMARY KEY,
	company_id TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending_approval', 'active', 'inactive')),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS expiration_runs (
	id TEXT PRIMARY KEY,
	cycle TEXT NOT NULL,
	cutoff TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	buyers_expired INTEGER NOT NULL DEFAULT 0,
	buyers_skipped INTEGER NOT NULL DEFAULT 0,
	points_expired BIGINT NOT NULL DEFAULT 0,
	companies_reset INTEGER NOT NULL DEFAULT 0,
	failures INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_expiration_runs_cycle ON expiration_runs (cycle, status);
`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// READER
// =============================================================================

const buyerColumns = `buyer_id, current_balance, last_expired_cycle, frozen, frozen_reason, updated_at`

func scanBuyer(row pgx.Row) (ledger.BuyerBalance, error) {
	var b ledger.BuyerBalance
	err := row.Scan(&b.BuyerID, &b.CurrentBalance, &b.LastExpiredCycle, &b.Frozen, &b.FrozenReason, &b.UpdatedAt)
	return b, err
}

func getBuyer(ctx context.Context, q querier, id ledger.BuyerID, suffix string) (ledger.BuyerBalance, error) {
	b, err := scanBuyer(q.QueryRow(ctx, `SELECT `+buyerColumns+` FROM buyer_balances WHERE buyer_id = $1`+suffix, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.BuyerBalance{}, fmt.Errorf("buyer %s: %w", id, ledger.ErrNotFound)
	}
	return b, classify(err)
}

func (s *Store) Buyer(ctx context.Context, id ledger.BuyerID) (ledger.BuyerBalance, error) {
	return getBuyer(ctx, s.pool, id, "")
}

const companyColumns = `company_id, current_balance, original_balance, last_reset_cycle, updated_at`

func scanCompany(row pgx.Row) (ledger.CompanyBalance, error) {
	var c ledger.CompanyBalance
	err := row.Scan(&c.CompanyID, &c.CurrentBalance, &c.OriginalBalance, &c.LastResetCycle, &c.UpdatedAt)
	return c, err
}

func getCompany(ctx context.Context, q querier, id ledger.CompanyID, suffix string) (ledger.CompanyBalance, error) {
	c, err := scanCompany(q.QueryRow(ctx, `SELECT `+companyColumns+` FROM company_balances WHERE company_id = $1`+suffix, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.CompanyBalance{}, fmt.Errorf("company %s: %w", id, ledger.ErrNotFound)
	}
	return c, classify(err)
}

func (s *Store) Company(ctx context.Context, id ledger.CompanyID) (ledger.CompanyBalance, error) {
	return getCompany(ctx, s.pool, id, "")
}

const txColumns = `seq, id, tx_type, status, buyer_id, store_id, company_id, amount, requested, total_cost::text,
	reversed_by, reverses, reason, failure_kind, cycle, actor_id, idempotency_key, metadata::text, created_at`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		tx ledger.Transaction
		storeID, companyID, totalCost, reversedBy, reverses,
		reason, failureKind, cycle, actorID, idempotencyKey, metadata *string
	)
	err := row.Scan(
		&tx.Seq, &tx.ID, &tx.Type, &tx.Status, &tx.BuyerID, &storeID, &companyID,
		&tx.Amount, &tx.Requested, &totalCost, &reversedBy, &reverses, &reason, &failureKind,
		&cycle, &actorID, &idempotencyKey, &metadata, &tx.CreatedAt,
	)
	if err != nil {
		return tx, err
	}

	tx.StoreID = ledger.StoreID(deref(storeID))
	tx.CompanyID = ledger.CompanyID(deref(companyID))
	tx.ReversedBy = ledger.TransactionID(deref(reversedBy))
	tx.Reverses = ledger.TransactionID(deref(reverses))
	tx.Reason = deref(reason)
	tx.FailureKind = ledger.Kind(deref(failureKind))
	tx.Cycle = deref(cycle)
	tx.ActorID = deref(actorID)
	tx.IdempotencyKey = deref(idempotencyKey)

	if totalCost != nil {
		d, err := decimal.NewFromString(*totalCost)
		if err != nil {
			return tx, fmt.Errorf("transaction %s: bad total_cost: %w", tx.ID, err)
		}
		tx.TotalCost = &d
	}
	if metadata != nil {
		if err := json.Unmarshal([]byte(*metadata), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("transaction %s: bad metadata: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func getTransaction(ctx context.Context, q querier, where string, arg any) (ledger.Transaction, error) {
	tx, err := scanTransaction(q.QueryRow(ctx, `SELECT `+txColumns+` FROM transactions `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("transaction %v: %w", arg, ledger.ErrNotFound)
	}
	return tx, classify(err)
}

func queryTransactions(ctx context.Context, q querier, where string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.Query(ctx, `SELECT `+txColumns+` FROM transactions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", classify(err))
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Transaction, error) {
		return scanTransaction(row)
	})
}

func (s *Store) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, s.pool, `WHERE id = $1`, string(id))
}

func (s *Store) BuyerTransactions(ctx context.Context, id ledger.BuyerID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.pool, `WHERE buyer_id = $1 ORDER BY seq`, string(id))
}

func (s *Store) CompanyTransactions(ctx context.Context, id ledger.CompanyID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.pool, `WHERE company_id = $1 ORDER BY seq`, string(id))
}

func (s *Store) CompanyEntries(ctx context.Context, id ledger.CompanyID) ([]ledger.CompanyEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, company_id, kind, amount, current_after, original_after, COALESCE(cycle, ''), created_at
		FROM company_entries
		WHERE company_id = $1
		ORDER BY seq
	`, string(id))
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.CompanyEntry, error) {
		var e ledger.CompanyEntry
		err := row.Scan(&e.ID, &e.CompanyID, &e.Kind, &e.Amount, &e.CurrentAfter, &e.OriginalAfter, &e.Cycle, &e.CreatedAt)
		return e, err
	})
}

func (s *Store) ListBuyers(ctx context.Context, page ledger.Page) ([]ledger.BuyerBalance, error) {
	query := `SELECT ` + buyerColumns + ` FROM buyer_balances WHERE buyer_id > $1`
	if page.PositiveOnly {
		query += ` AND current_balance > 0`
	}
	query += ` ORDER BY buyer_id LIMIT $2`

	rows, err := s.pool.Query(ctx, query, page.After, limitOf(page))
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.BuyerBalance, error) {
		return scanBuyer(row)
	})
}

func (s *Store) ListCompanies(ctx context.Context, page ledger.Page) ([]ledger.CompanyBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+companyColumns+` FROM company_balances WHERE company_id > $1 ORDER BY company_id LIMIT $2`,
		page.After, limitOf(page))
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.CompanyBalance, error) {
		return scanCompany(row)
	})
}

// limitOf returns nil (LIMIT ALL) for an unset limit.
func limitOf(page ledger.Page) any {
	if page.Limit <= 0 {
		return nil
	}
	return page.Limit
}

// =============================================================================
// ATOMIC UNIT (ledger.Tx)
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", classify(err))
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", classify(err))
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

func (ts *txStore) LockBuyer(ctx context.Context, id ledger.BuyerID) (ledger.BuyerBalance, error) {
	if _, err := ts.tx.Exec(ctx,
		`INSERT INTO buyer_balances (buyer_id) VALUES ($1) ON CONFLICT (buyer_id) DO NOTHING`, string(id)); err != nil {
		return ledger.BuyerBalance{}, classify(err)
	}
	return getBuyer(ctx, ts.tx, id, " FOR UPDATE")
}

func (ts *txStore) PutBuyer(ctx context.Context, b ledger.BuyerBalance) error {
	_, err := ts.tx.Exec(ctx, `
		UPDATE buyer_balances
		SET current_balance = $1, last_expired_cycle = $2, frozen = $3, frozen_reason = $4, updated_at = $5
		WHERE buyer_id = $6
	`, b.CurrentBalance, b.LastExpiredCycle, b.Frozen, b.FrozenReason, timestamp(b.UpdatedAt), string(b.BuyerID))
	if err != nil {
		return fmt.Errorf("failed to update buyer %s: %w", b.BuyerID, classify(err))
	}
	return nil
}

func (ts *txStore) LockCompany(ctx context.Context, id ledger.CompanyID) (ledger.CompanyBalance, error) {
	if _, err := ts.tx.Exec(ctx,
		`INSERT INTO company_balances (company_id) VALUES ($1) ON CONFLICT (company_id) DO NOTHING`, string(id)); err != nil {
		return ledger.CompanyBalance{}, classify(err)
	}
	return getCompany(ctx, ts.tx, id, " FOR UPDATE")
}

func (ts *txStore) PutCompany(ctx context.Context, c ledger.CompanyBalance) error {
	_, err := ts.tx.Exec(ctx, `
		UPDATE company_balances
		SET current_balance = $1, original_balance = $2, last_reset_cycle = $3, updated_at = $4
		WHERE company_id = $5
	`, c.CurrentBalance, c.OriginalBalance, c.LastResetCycle, timestamp(c.UpdatedAt), string(c.CompanyID))
	if err != nil {
		return fmt.Errorf("failed to update company %s: %w", c.CompanyID, classify(err))
	}
	return nil
}

func (ts *txStore) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, `WHERE id = $1`, string(id))
}

func (ts *txStore) TransactionByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, `WHERE idempotency_key = $1`, key)
}

func (ts *txStore) Append(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if !tx.Type.Valid() {
		return ledger.Transaction{}, fmt.Errorf("append: unknown type %q", tx.Type)
	}

	var totalCost *string
	if tx.TotalCost != nil {
		v := tx.TotalCost.String()
		totalCost = &v
	}
	var metadata *string
	if len(tx.Metadata) > 0 {
		raw, err := json.Marshal(tx.Metadata)
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("append: metadata: %w", err)
		}
		v := string(raw)
		metadata = &v
	}

	err := ts.tx.QueryRow(ctx, `
		INSERT INTO transactions
		(id, tx_type, status, buyer_id, store_id, company_id, amount, requested, total_cost,
		 reversed_by, reverses, reason, failure_kind, cycle, actor_id, idempotency_key,
		 metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10, $11, $12, $13, $14, $15, $16, $17::jsonb, $18)
		RETURNING seq
	`,
		string(tx.ID), string(tx.Type), string(tx.Status), string(tx.BuyerID),
		nullable(string(tx.StoreID)), nullable(string(tx.CompanyID)),
		tx.Amount, tx.Requested, totalCost,
		nullable(string(tx.ReversedBy)), nullable(string(tx.Reverses)),
		nullable(tx.Reason), nullable(string(tx.FailureKind)), nullable(tx.Cycle),
		nullable(tx.ActorID), nullable(tx.IdempotencyKey),
		metadata, timestamp(tx.CreatedAt),
	).Scan(&tx.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "idempotency") {
			return ledger.Transaction{}, ledger.ErrIdempotencyMismatch
		}
		return ledger.Transaction{}, fmt.Errorf("failed to append transaction: %w", classify(err))
	}
	return tx, nil
}

func (ts *txStore) MarkReversed(ctx context.Context, id, reversedBy ledger.TransactionID) error {
	tag, err := ts.tx.Exec(ctx,
		`UPDATE transactions SET status = 'reversed', reversed_by = $1 WHERE id = $2 AND status = 'completed'`,
		string(reversedBy), string(id))
	if err != nil {
		return fmt.Errorf("failed to mark %s reversed: %w", id, classify(err))
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := ts.Transaction(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == ledger.StatusReversed {
		return ledger.ErrAlreadyReversed
	}
	return ledger.ErrNotReversible
}

func (ts *txStore) AppendCompanyEntry(ctx context.Context, e ledger.CompanyEntry) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO company_entries (id, company_id, kind, amount, current_after, original_after, cycle, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, string(e.CompanyID), string(e.Kind), e.Amount, e.CurrentAfter, e.OriginalAfter, nullable(e.Cycle), timestamp(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append company entry: %w", classify(err))
	}
	return nil
}

func (ts *txStore) BuyerLog(ctx context.Context, id ledger.BuyerID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, ts.tx, `WHERE buyer_id = $1 ORDER BY seq`, string(id))
}

func (ts *txStore) ReplayBuyer(ctx context.Context, id ledger.BuyerID) (int64, error) {
	var sum int64
	err := ts.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::bigint FROM transactions
		WHERE buyer_id = $1 AND status IN ('completed', 'reversed')
	`, string(id)).Scan(&sum)
	return sum, classify(err)
}

// =============================================================================
// EXPIRATION RUNS
// =============================================================================

func (s *Store) SaveExpirationRun(ctx context.Context, r ledger.ExpirationRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO expiration_runs (id, cycle, cutoff, status, buyers_expired, buyers_skipped,
			points_expired, companies_reset, failures, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			buyers_expired = EXCLUDED.buyers_expired,
			buyers_skipped = EXCLUDED.buyers_skipped,
			points_expired = EXCLUDED.points_expired,
			companies_reset = EXCLUDED.companies_reset,
			failures = EXCLUDED.failures,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at
	`,
		r.ID, r.Cycle, r.Cutoff.UTC(), string(r.Status), r.BuyersExpired, r.BuyersSkipped,
		r.PointsExpired, r.CompaniesReset, r.Failures, r.Error, r.StartedAt.UTC(), r.CompletedAt,
	)
	return classify(err)
}

func (s *Store) ExpirationRuns(ctx context.Context, limit int) ([]ledger.ExpirationRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cycle, cutoff, status, buyers_expired, buyers_skipped, points_expired,
			companies_reset, failures, error, started_at, completed_at
		FROM expiration_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limitOf(ledger.Page{Limit: limit}))
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.ExpirationRun, error) {
		var r ledger.ExpirationRun
		err := row.Scan(&r.ID, &r.Cycle, &r.Cutoff, &r.Status, &r.BuyersExpired, &r.BuyersSkipped,
			&r.PointsExpired, &r.CompaniesReset, &r.Failures, &r.Error, &r.StartedAt, &r.CompletedAt)
		return r, err
	})
}

func (s *Store) CycleCompleted(ctx context.Context, cycle string) (bool, error) {
	var done bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM expiration_runs WHERE cycle = $1 AND status = $2)`,
		cycle, string(ledger.RunCompleted),
	).Scan(&done)
	return done, classify(err)
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (s *Store) Store(ctx context.Context, id ledger.StoreID) (ledger.StoreInfo, error) {
	var info ledger.StoreInfo
	err := s.pool.QueryRow(ctx,
		`SELECT id, company_id, status FROM stores WHERE id = $1`, string(id),
	).Scan(&info.ID, &info.CompanyID, &info.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.StoreInfo{}, ledger.ErrStoreUnknown
	}
	return info, classify(err)
}

func (s *Store) PutStore(ctx context.Context, info ledger.StoreInfo) error {
	if info.ID == "" || info.CompanyID == "" {
		return fmt.Errorf("put store: id and company required")
	}
	if !info.Status.Valid() {
		return fmt.Errorf("put store %s: unknown status %q", info.ID, info.Status)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stores (id, company_id, status, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			company_id = EXCLUDED.company_id,
			status = EXCLUDED.status,
			updated_at = now()
	`, string(info.ID), string(info.CompanyID), string(info.Status))
	return classify(err)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// timestamp substitutes now() for an unset time.
func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

// classify maps retryable PostgreSQL failures to ledger.ErrConcurrentModification.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
		}
	}
	return err
}
