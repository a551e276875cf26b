/*
store.go - Persistence contracts for the Balance Store and Transaction Log

PURPOSE:
  Defines the boundary between the engine and durable storage. A balance
  mutation and its transaction row are always written in the same atomic
  unit (WithTx); partial application is impossible by construction.

KEY INTERFACES:
  Reader:         Read-only access used by the Query Facade and scheduler
  Tx:             Writes available inside one atomic unit
  Store:          Reader + WithTx
  RunStore:       Expiration run records
  DirectoryStore: Local copy of store records synced from the directory

APPEND-ONLY CONTRACT:
  - Append(): the only way a transaction row comes into existence
  - MarkReversed(): the only update, and only completed -> reversed
  - NO Delete. Corrections are new compensating rows.

PER-SUBJECT LOCKING:
  LockBuyer / LockCompany return the current row and hold that subject
  exclusively until the atomic unit ends. Operations on other subjects
  proceed in parallel. Implementations report lock contention they cannot
  wait out as ErrConcurrentModification.

IMPLEMENTATIONS:
  - ledger/store/memory.go: In-memory, for tests and development
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
*/
package ledger

import (
	"context"
	"time"
)

// Page selects a slice of subjects ordered by ID.
type Page struct {
	After        string // exclusive cursor
	Limit        int
	PositiveOnly bool // buyers only: skip zero balances
}

// Reader is the read-only side of the store.
type Reader interface {
	// Buyer returns ErrNotFound if the buyer never had a balance row.
	Buyer(ctx context.Context, id BuyerID) (BuyerBalance, error)
	Company(ctx context.Context, id CompanyID) (CompanyBalance, error)
	Transaction(ctx context.Context, id TransactionID) (Transaction, error)

	// BuyerTransactions returns the buyer's log in append order.
	BuyerTransactions(ctx context.Context, id BuyerID) ([]Transaction, error)
	CompanyTransactions(ctx context.Context, id CompanyID) ([]Transaction, error)
	CompanyEntries(ctx context.Context, id CompanyID) ([]CompanyEntry, error)

	ListBuyers(ctx context.Context, page Page) ([]BuyerBalance, error)
	ListCompanies(ctx context.Context, page Page) ([]CompanyBalance, error)
}

// Tx is the write side, valid only inside WithTx.
type Tx interface {
	// LockBuyer locks the buyer row, creating it at zero if absent.
	LockBuyer(ctx context.Context, id BuyerID) (BuyerBalance, error)
	PutBuyer(ctx context.Context, b BuyerBalance) error

	// LockCompany locks the company row, creating it at zero if absent.
	LockCompany(ctx context.Context, id CompanyID) (CompanyBalance, error)
	PutCompany(ctx context.Context, c CompanyBalance) error

	Transaction(ctx context.Context, id TransactionID) (Transaction, error)
	TransactionByIdempotencyKey(ctx context.Context, key string) (Transaction, error)

	// Append writes a new row and returns it with Seq assigned.
	Append(ctx context.Context, tx Transaction) (Transaction, error)

	// MarkReversed moves a completed row to reversed. Returns
	// ErrAlreadyReversed if it is already reversed and ErrNotReversible
	// for any other status.
	MarkReversed(ctx context.Context, id, reversedBy TransactionID) error

	AppendCompanyEntry(ctx context.Context, e CompanyEntry) error

	// ReplayBuyer sums the effective amounts of the buyer's log.
	ReplayBuyer(ctx context.Context, id BuyerID) (int64, error)

	// BuyerLog returns the buyer's log in append order, including rows
	// written earlier in this unit.
	BuyerLog(ctx context.Context, id BuyerID) ([]Transaction, error)
}

// Store is the Balance Store + Transaction Log.
type Store interface {
	Reader

	// WithTx executes fn as one atomic unit. If fn returns an error every
	// write is discarded; otherwise all writes become visible together.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// =============================================================================
// EXPIRATION RUNS
// =============================================================================

type RunStatus string

const (
	RunRunning             RunStatus = "running"
	RunCompleted           RunStatus = "completed"
	RunCompletedWithErrors RunStatus = "completed_with_errors"
	RunFailed              RunStatus = "failed"
)

// ExpirationRun records one pass of the expiration batch.
type ExpirationRun struct {
	ID             string
	Cycle          string
	Cutoff         time.Time
	Status         RunStatus
	BuyersExpired  int
	BuyersSkipped  int
	PointsExpired  int64
	CompaniesReset int
	Failures       int
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

type RunStore interface {
	SaveExpirationRun(ctx context.Context, run ExpirationRun) error
	ExpirationRuns(ctx context.Context, limit int) ([]ExpirationRun, error)
	// CycleCompleted reports whether a run for cycle finished without errors.
	CycleCompleted(ctx context.Context, cycle string) (bool, error)
}

// DirectoryStore keeps the store records pushed by the store-management
// collaborator. It also satisfies Directory.
type DirectoryStore interface {
	Directory
	PutStore(ctx context.Context, info StoreInfo) error
}
