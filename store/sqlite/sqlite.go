/*
Package sqlite provides a SQLite-backed implementation of the ledger stores.

PURPOSE:
  Implements ledger.Store, ledger.RunStore and ledger.DirectoryStore on a
  single SQLite file. Suitable for single-node deployments and for tests
  (":memory:").

APPEND-ONLY ENFORCEMENT:
  Enforced by the schema, not only by the Go code:
  - transactions_no_delete trigger rejects every DELETE
  - transactions_reverse_only trigger rejects every UPDATE except
    status completed -> reversed (with reversed_by)
  - company_entries_no_delete trigger rejects every DELETE

KEY TABLES:
  transactions:     The transaction log, seq gives append order
  buyer_balances:   One row per buyer, CHECK current_balance >= 0
  company_balances: One row per company (current + original)
  company_entries:  Company credit/reset audit rows
  stores:           Directory records pushed by store management
  expiration_runs:  One row per expiration batch pass

CONCURRENCY:
  Every atomic unit is BEGIN IMMEDIATE on the only connection, so units are
  serialized by the database itself. That is coarser than per-subject
  locking but satisfies it. SQLITE_BUSY / SQLITE_LOCKED surface as
  ledger.ErrConcurrentModification and are retried by the engine.

USAGE:
  store, err := sqlite.New("./data/points.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, store)
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/ledger"
)

// timeLayout is fixed-width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ ledger.Store          = (*Store)(nil)
	_ ledger.RunStore       = (*Store)(nil)
	_ ledger.DirectoryStore = (*Store)(nil)
)

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: required for :memory: and keeps writers strictly serial.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tx_type TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('completed', 'reversed', 'failed')),
		buyer_id TEXT NOT NULL,
		store_id TEXT,
		company_id TEXT,
		amount INTEGER NOT NULL,
		requested INTEGER NOT NULL DEFAULT 0,
		total_cost TEXT,
		reversed_by TEXT,
		reverses TEXT,
		reason TEXT,
		failure_kind TEXT,
		cycle TEXT,
		actor_id TEXT,
		idempotency_key TEXT UNIQUE,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	-- Buyer history and replay (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_buyer
		ON transactions(buyer_id, seq);
	CREATE INDEX IF NOT EXISTS idx_transactions_company
		ON transactions(company_id, seq) WHERE company_id IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS transactions_no_delete
	BEFORE DELETE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS transactions_reverse_only
	BEFORE UPDATE ON transactions
	WHEN NOT (
		OLD.status = 'completed' AND NEW.status = 'reversed'
		AND NEW.id = OLD.id AND NEW.seq = OLD.seq
		AND NEW.buyer_id = OLD.buyer_id AND NEW.amount = OLD.amount
		AND NEW.tx_type = OLD.tx_type AND OLD.reversed_by IS NULL
	)
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;

	CREATE TABLE IF NOT EXISTS buyer_balances (
		buyer_id TEXT PRIMARY KEY,
		current_balance INTEGER NOT NULL DEFAULT 0 CHECK (current_balance >= 0),
		last_expired_cycle TEXT NOT NULL DEFAULT '',
		frozen INTEGER NOT NULL DEFAULT 0,
		frozen_reason TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS company_balances (
		company_id TEXT PRIMARY KEY,
		current_balance INTEGER NOT NULL DEFAULT 0,
		original_balance INTEGER NOT NULL DEFAULT 0,
		last_reset_cycle TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS company_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		company_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		current_after INTEGER NOT NULL,
		original_after INTEGER NOT NULL,
		cycle TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_company_entries_company
		ON company_entries(company_id, seq);

	CREATE TRIGGER IF NOT EXISTS company_entries_no_delete
	BEFORE DELETE ON company_entries
	BEGIN
		SELECT RAISE(ABORT, 'company entries are append-only');
	END;

	CREATE TABLE IF NOT EXISTS stores (
		id TEXT PRIMARY KEY,
		company_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('pending_approval', 'active', 'inactive')),
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS expiration_runs (
		id TEXT PRIMARY KEY,
		cycle TEXT NOT NULL,
		cutoff TEXT NOT NULL,
		status TEXT NOT NULL,
		buyers_expired INTEGER NOT NULL DEFAULT 0,
		buyers_skipped INTEGER NOT NULL DEFAULT 0,
		points_expired INTEGER NOT NULL DEFAULT 0,
		companies_reset INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_expiration_runs_cycle
		ON expiration_runs(cycle, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READER
// =============================================================================

const buyerColumns = `buyer_id, current_balance, last_expired_cycle, frozen, frozen_reason, updated_at`

func (s *Store) Buyer(ctx context.Context, id ledger.BuyerID) (ledger.BuyerBalance, error) {
	return getBuyer(ctx, s.db, id)
}

func getBuyer(ctx context.Context, q queryer, id ledger.BuyerID) (ledger.BuyerBalance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+buyerColumns+` FROM buyer_balances WHERE buyer_id = ?`, id)
	b, err := scanBuyer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.BuyerBalance{}, fmt.Errorf("buyer %s: %w", id, ledger.ErrNotFound)
	}
	return b, classify(err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuyer(row scanner) (ledger.BuyerBalance, error) {
	var (
		b         ledger.BuyerBalance
		frozen    int
		updatedAt string
	)
	if err := row.Scan(&b.BuyerID, &b.CurrentBalance, &b.LastExpiredCycle, &frozen, &b.FrozenReason, &updatedAt); err != nil {
		return ledger.BuyerBalance{}, err
	}
	b.Frozen = frozen != 0
	b.UpdatedAt = parseTime(updatedAt)
	return b, nil
}

const companyColumns = `company_id, current_balance, original_balance, last_reset_cycle, updated_at`

func (s *Store) Company(ctx context.Context, id ledger.CompanyID) (ledger.CompanyBalance, error) {
	return getCompany(ctx, s.db, id)
}

func getCompany(ctx context.Context, q queryer, id ledger.CompanyID) (ledger.CompanyBalance, error) {
	row := q.QueryRowContext(ctx, `SELECT `+companyColumns+` FROM company_balances WHERE company_id = ?`, id)
	c, err := scanCompany(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CompanyBalance{}, fmt.Errorf("company %s: %w", id, ledger.ErrNotFound)
	}
	return c, classify(err)
}

func scanCompany(row scanner) (ledger.CompanyBalance, error) {
	var (
		c         ledger.CompanyBalance
		updatedAt string
	)
	if err := row.Scan(&c.CompanyID, &c.CurrentBalance, &c.OriginalBalance, &c.LastResetCycle, &updatedAt); err != nil {
		return ledger.CompanyBalance{}, err
	}
	c.UpdatedAt = parseTime(updatedAt)
	return c, nil
}

const txColumns = `seq, id, tx_type, status, buyer_id, store_id, company_id, amount, requested, total_cost,
	reversed_by, reverses, reason, failure_kind, cycle, actor_id, idempotency_key, metadata_json, created_at`

func (s *Store) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, s.db, `WHERE id = ?`, id)
}

func getTransaction(ctx context.Context, q queryer, where string, arg any) (ledger.Transaction, error) {
	row := q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions `+where, arg)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, fmt.Errorf("transaction %v: %w", arg, ledger.ErrNotFound)
	}
	return tx, classify(err)
}

func (s *Store) BuyerTransactions(ctx context.Context, id ledger.BuyerID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.db, `WHERE buyer_id = ? ORDER BY seq ASC`, id)
}

func (s *Store) CompanyTransactions(ctx context.Context, id ledger.CompanyID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, s.db, `WHERE company_id = ? ORDER BY seq ASC`, id)
}

func queryTransactions(ctx context.Context, q queryer, where string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+txColumns+` FROM transactions `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", classify(err))
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx             ledger.Transaction
		storeID        sql.NullString
		companyID      sql.NullString
		totalCost      sql.NullString
		reversedBy     sql.NullString
		reverses       sql.NullString
		reason         sql.NullString
		failureKind    sql.NullString
		cycle          sql.NullString
		actorID        sql.NullString
		idempotencyKey sql.NullString
		metadataJSON   sql.NullString
		createdAt      string
	)

	err := row.Scan(
		&tx.Seq, &tx.ID, &tx.Type, &tx.Status, &tx.BuyerID, &storeID, &companyID,
		&tx.Amount, &tx.Requested, &totalCost, &reversedBy, &reverses, &reason, &failureKind,
		&cycle, &actorID, &idempotencyKey, &metadataJSON, &createdAt,
	)
	if err != nil {
		return tx, err
	}

	tx.StoreID = ledger.StoreID(storeID.String)
	tx.CompanyID = ledger.CompanyID(companyID.String)
	tx.ReversedBy = ledger.TransactionID(reversedBy.String)
	tx.Reverses = ledger.TransactionID(reverses.String)
	tx.Reason = reason.String
	tx.FailureKind = ledger.Kind(failureKind.String)
	tx.Cycle = cycle.String
	tx.ActorID = actorID.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.CreatedAt = parseTime(createdAt)

	if totalCost.Valid {
		d, err := decimal.NewFromString(totalCost.String)
		if err != nil {
			return tx, fmt.Errorf("transaction %s: bad total_cost: %w", tx.ID, err)
		}
		tx.TotalCost = &d
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("transaction %s: bad metadata: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func (s *Store) CompanyEntries(ctx context.Context, id ledger.CompanyID) ([]ledger.CompanyEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, company_id, kind, amount, current_after, original_after, cycle, created_at
		FROM company_entries
		WHERE company_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []ledger.CompanyEntry
	for rows.Next() {
		var (
			e         ledger.CompanyEntry
			cycle     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.CompanyID, &e.Kind, &e.Amount, &e.CurrentAfter, &e.OriginalAfter, &cycle, &createdAt); err != nil {
			return nil, err
		}
		e.Cycle = cycle.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) ListBuyers(ctx context.Context, page ledger.Page) ([]ledger.BuyerBalance, error) {
	query := `SELECT ` + buyerColumns + ` FROM buyer_balances WHERE buyer_id > ?`
	if page.PositiveOnly {
		query += ` AND current_balance > 0`
	}
	query += ` ORDER BY buyer_id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, page.After, limitOf(page))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var result []ledger.BuyerBalance
	for rows.Next() {
		b, err := scanBuyer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *Store) ListCompanies(ctx context.Context, page ledger.Page) ([]ledger.CompanyBalance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+companyColumns+` FROM company_balances WHERE company_id > ? ORDER BY company_id ASC LIMIT ?`,
		page.After, limitOf(page))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var result []ledger.CompanyBalance
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// limitOf maps an unset limit to SQLite's "no limit".
func limitOf(page ledger.Page) int {
	if page.Limit <= 0 {
		return -1
	}
	return page.Limit
}

// =============================================================================
// ATOMIC UNIT (ledger.Tx)
// =============================================================================

// WithTx executes fn within one IMMEDIATE database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", classify(err))
	}
	return nil
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) LockBuyer(ctx context.Context, id ledger.BuyerID) (ledger.BuyerBalance, error) {
	if _, err := ts.tx.ExecContext(ctx,
		`INSERT INTO buyer_balances (buyer_id) VALUES (?) ON CONFLICT(buyer_id) DO NOTHING`, id); err != nil {
		return ledger.BuyerBalance{}, classify(err)
	}
	return getBuyer(ctx, ts.tx, id)
}

func (ts *txStore) PutBuyer(ctx context.Context, b ledger.BuyerBalance) error {
	frozen := 0
	if b.Frozen {
		frozen = 1
	}
	_, err := ts.tx.ExecContext(ctx, `
		UPDATE buyer_balances
		SET current_balance = ?, last_expired_cycle = ?, frozen = ?, frozen_reason = ?, updated_at = ?
		WHERE buyer_id = ?
	`, b.CurrentBalance, b.LastExpiredCycle, frozen, b.FrozenReason, formatTime(b.UpdatedAt), b.BuyerID)
	if err != nil {
		return fmt.Errorf("failed to update buyer %s: %w", b.BuyerID, classify(err))
	}
	return nil
}

func (ts *txStore) LockCompany(ctx context.Context, id ledger.CompanyID) (ledger.CompanyBalance, error) {
	if _, err := ts.tx.ExecContext(ctx,
		`INSERT INTO company_balances (company_id) VALUES (?) ON CONFLICT(company_id) DO NOTHING`, id); err != nil {
		return ledger.CompanyBalance{}, classify(err)
	}
	return getCompany(ctx, ts.tx, id)
}

func (ts *txStore) PutCompany(ctx context.Context, c ledger.CompanyBalance) error {
	_, err := ts.tx.ExecContext(ctx, `
		UPDATE company_balances
		SET current_balance = ?, original_balance = ?, last_reset_cycle = ?, updated_at = ?
		WHERE company_id = ?
	`, c.CurrentBalance, c.OriginalBalance, c.LastResetCycle, formatTime(c.UpdatedAt), c.CompanyID)
	if err != nil {
		return fmt.Errorf("failed to update company %s: %w", c.CompanyID, classify(err))
	}
	return nil
}

func (ts *txStore) Transaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, `WHERE id = ?`, id)
}

func (ts *txStore) TransactionByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, `WHERE idempotency_key = ?`, key)
}

func (ts *txStore) Append(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if !tx.Type.Valid() {
		return ledger.Transaction{}, fmt.Errorf("append: unknown type %q", tx.Type)
	}

	var totalCost sql.NullString
	if tx.TotalCost != nil {
		totalCost = sql.NullString{String: tx.TotalCost.String(), Valid: true}
	}
	var metadataJSON sql.NullString
	if len(tx.Metadata) > 0 {
		raw, err := json.Marshal(tx.Metadata)
		if err != nil {
			return ledger.Transaction{}, fmt.Errorf("append: metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, tx_type, status, buyer_id, store_id, company_id, amount, requested, total_cost,
		 reversed_by, reverses, reason, failure_kind, cycle, actor_id, idempotency_key,
		 metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.Type, tx.Status, tx.BuyerID,
		nullString(string(tx.StoreID)), nullString(string(tx.CompanyID)),
		tx.Amount, tx.Requested, totalCost,
		nullString(string(tx.ReversedBy)), nullString(string(tx.Reverses)),
		nullString(tx.Reason), nullString(string(tx.FailureKind)), nullString(tx.Cycle),
		nullString(tx.ActorID), nullString(tx.IdempotencyKey),
		metadataJSON, formatTime(tx.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) && strings.Contains(err.Error(), "idempotency_key") {
			return ledger.Transaction{}, ledger.ErrIdempotencyMismatch
		}
		return ledger.Transaction{}, fmt.Errorf("failed to append transaction: %w", classify(err))
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to read seq: %w", err)
	}
	tx.Seq = seq
	return tx, nil
}

func (ts *txStore) MarkReversed(ctx context.Context, id, reversedBy ledger.TransactionID) error {
	res, err := ts.tx.ExecContext(ctx,
		`UPDATE transactions SET status = 'reversed', reversed_by = ? WHERE id = ? AND status = 'completed'`,
		reversedBy, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s reversed: %w", id, classify(err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
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
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO company_entries (id, company_id, kind, amount, current_after, original_after, cycle, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.CompanyID, e.Kind, e.Amount, e.CurrentAfter, e.OriginalAfter, nullString(e.Cycle), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append company entry: %w", classify(err))
	}
	return nil
}

func (ts *txStore) BuyerLog(ctx context.Context, id ledger.BuyerID) ([]ledger.Transaction, error) {
	return queryTransactions(ctx, ts.tx, `WHERE buyer_id = ? ORDER BY seq ASC`, id)
}

func (ts *txStore) ReplayBuyer(ctx context.Context, id ledger.BuyerID) (int64, error) {
	var sum int64
	err := ts.tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE buyer_id = ? AND status IN ('completed', 'reversed')
	`, id).Scan(&sum)
	if err != nil {
		return 0, classify(err)
	}
	return sum, nil
}

// =============================================================================
// EXPIRATION RUNS (ledger.RunStore)
// =============================================================================

func (s *Store) SaveExpirationRun(ctx context.Context, r ledger.ExpirationRun) error {
	var completedAt sql.NullString
	if r.CompletedAt != nil {
		completedAt = sql.NullString{String: formatTime(*r.CompletedAt), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expiration_runs (id, cycle, cutoff, status, buyers_expired, buyers_skipped,
			points_expired, companies_reset, failures, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			buyers_expired = excluded.buyers_expired,
			buyers_skipped = excluded.buyers_skipped,
			points_expired = excluded.points_expired,
			companies_reset = excluded.companies_reset,
			failures = excluded.failures,
			error = excluded.error,
			completed_at = excluded.completed_at
	`,
		r.ID, r.Cycle, formatTime(r.Cutoff), r.Status, r.BuyersExpired, r.BuyersSkipped,
		r.PointsExpired, r.CompaniesReset, r.Failures, r.Error, formatTime(r.StartedAt), completedAt,
	)
	return classify(err)
}

// ExpirationRuns returns the most recent runs first.
func (s *Store) ExpirationRuns(ctx context.Context, limit int) ([]ledger.ExpirationRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle, cutoff, status, buyers_expired, buyers_skipped, points_expired,
			companies_reset, failures, error, started_at, completed_at
		FROM expiration_runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var runs []ledger.ExpirationRun
	for rows.Next() {
		var (
			r                 ledger.ExpirationRun
			cutoff, startedAt string
			completedAt       sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.Cycle, &cutoff, &r.Status, &r.BuyersExpired, &r.BuyersSkipped,
			&r.PointsExpired, &r.CompaniesReset, &r.Failures, &r.Error, &startedAt, &completedAt,
		); err != nil {
			return nil, err
		}
		r.Cutoff = parseTime(cutoff)
		r.StartedAt = parseTime(startedAt)
		if completedAt.Valid {
			t := parseTime(completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CycleCompleted checks whether an expiration run already finished cleanly.
func (s *Store) CycleCompleted(ctx context.Context, cycle string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM expiration_runs WHERE cycle = ? AND status = ?`,
		cycle, ledger.RunCompleted,
	).Scan(&count)
	if err != nil {
		return false, classify(err)
	}
	return count > 0, nil
}

// =============================================================================
// DIRECTORY (ledger.DirectoryStore)
// =============================================================================

func (s *Store) Store(ctx context.Context, id ledger.StoreID) (ledger.StoreInfo, error) {
	var info ledger.StoreInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT id, company_id, status FROM stores WHERE id = ?`, id,
	).Scan(&info.ID, &info.CompanyID, &info.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.StoreInfo{}, ledger.ErrStoreUnknown
	}
	if err != nil {
		return ledger.StoreInfo{}, classify(err)
	}
	return info, nil
}

func (s *Store) PutStore(ctx context.Context, info ledger.StoreInfo) error {
	if info.ID == "" || info.CompanyID == "" {
		return fmt.Errorf("put store: id and company required")
	}
	if !info.Status.Valid() {
		return fmt.Errorf("put store %s: unknown status %q", info.ID, info.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stores (id, company_id, status, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, info.ID, info.CompanyID, info.Status, formatTime(time.Now()))
	return classify(err)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// classify maps lock contention to ledger.ErrConcurrentModification.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	}
	return err
}
