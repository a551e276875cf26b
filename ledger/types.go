/*
Package ledger provides the loyalty points ledger core.

PURPOSE:
  Buyers earn and redeem points at approved stores, companies fund pools
  of points, and every balance expires at the end of each calendar quarter.
  This package owns the balance invariants, the transaction state machine,
  and the concurrency discipline that keeps balances and the transaction
  log in agreement.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An append-only log row recording one balance-affecting attempt
  - BuyerBalance: The live spendable total for one buyer
  - CompanyBalance: A company's funding pool (current + original baseline)
  - CompanyEntry: Audit row for company-level movements (credit, reset)
  - Actor: Pre-validated caller identity supplied by the authorization layer

DESIGN PRINCIPLES:
  1. Append-only: Transactions are never edited, only reversed by a new row
  2. Reconstructable: A buyer balance always equals the replay of its log
  3. One-way status: Completed may become Reversed, nothing else moves
  4. Auditability: Rejected Earn/Spend attempts are recorded as Failed rows

SEE ALSO:
  - engine.go: The operations that create and transition transactions
  - store.go: Persistence contracts (Balance Store + Transaction Log)
  - replay.go: Log replay and consistency verification
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BuyerID string
type StoreID string
type CompanyID string
type TransactionID string

// =============================================================================
// TRANSACTION - Append-only log row
// =============================================================================

type TxType string

const (
	TxEarn            TxType = "earn"             // Points added from a purchase
	TxSpend           TxType = "spend"            // Points redeemed at a store
	TxExpire          TxType = "expire"           // Quarterly zeroing of the balance
	TxAdminAdjustment TxType = "admin_adjustment" // Manual correction, either sign
	TxReversal        TxType = "reversal"         // Compensating row for a prior transaction
)

func (t TxType) Valid() bool {
	switch t {
	case TxEarn, TxSpend, TxExpire, TxAdminAdjustment, TxReversal:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusReversed  Status = "reversed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition exists out of s.
// Completed is not terminal: it may still become Reversed.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusReversed
}

// Effective reports whether a transaction in this status contributes its
// amount to the buyer balance. A reversed row keeps contributing; its
// compensating reversal row cancels it out.
func (s Status) Effective() bool {
	return s == StatusCompleted || s == StatusReversed
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusReversed
	default:
		return false
	}
}

type Transaction struct {
	ID        TransactionID
	Seq       int64 // log position, assigned by the store on append
	Type      TxType
	Status    Status
	BuyerID   BuyerID
	StoreID   StoreID // empty for expire and admin adjustments
	CompanyID CompanyID

	// Amount is the signed effect on the buyer balance: positive for earn,
	// negative for spend and expire, either sign for adjustments/reversals.
	Amount int64

	// Requested is the unsigned quantity asked for on earn and spend rows.
	// Failed rows keep it even though their Amount has no effect.
	Requested int64

	// TotalCost is informational purchase value for earn/spend. It is not
	// part of any balance invariant.
	TotalCost *decimal.Decimal

	ReversedBy TransactionID // set once, when this row is reversed
	Reverses   TransactionID // set on compensating reversal rows

	Reason         string
	FailureKind    Kind   // set on failed rows
	Cycle          string // quarter label on expire rows
	ActorID        string
	IdempotencyKey string
	Metadata       map[string]string

	CreatedAt time.Time
}

// transition moves tx along the lifecycle, refusing illegal moves.
func (tx *Transaction) transition(to Status) error {
	if !CanTransition(tx.Status, to) {
		return fmt.Errorf("transaction %s: illegal transition %s -> %s", tx.ID, tx.Status, to)
	}
	tx.Status = to
	return nil
}

// Effect returns what this row contributes to the replayed balance.
func (tx Transaction) Effect() int64 {
	if tx.Status.Effective() {
		return tx.Amount
	}
	return 0
}

// =============================================================================
// BALANCES
// =============================================================================

type BuyerBalance struct {
	BuyerID          BuyerID
	CurrentBalance   int64
	LastExpiredCycle string
	Frozen           bool
	FrozenReason     string
	UpdatedAt        time.Time
}

// CompanyBalance tracks a company's point pool. Credit raises both fields;
// the quarterly reset copies OriginalBalance into CurrentBalance. Original
// is a baseline, not a ceiling.
type CompanyBalance struct {
	CompanyID       CompanyID
	CurrentBalance  int64
	OriginalBalance int64
	LastResetCycle  string
	UpdatedAt       time.Time
}

type CompanyEntryKind string

const (
	EntryCredit CompanyEntryKind = "credit"
	EntryReset  CompanyEntryKind = "reset"
)

// CompanyEntry is the company-level audit row. Like transactions, entries
// are append-only.
type CompanyEntry struct {
	ID            string
	CompanyID     CompanyID
	Kind          CompanyEntryKind
	Amount        int64 // credited amount, or the change applied by a reset
	CurrentAfter  int64
	OriginalAfter int64
	Cycle         string
	CreatedAt     time.Time
}

// =============================================================================
// DIRECTORY FACTS - Owned by the store-management collaborator
// =============================================================================

type StoreStatus string

const (
	StorePendingApproval StoreStatus = "pending_approval"
	StoreActive          StoreStatus = "active"
	StoreInactive        StoreStatus = "inactive"
)

func (s StoreStatus) Valid() bool {
	return s == StorePendingApproval || s == StoreActive || s == StoreInactive
}

type StoreInfo struct {
	ID        StoreID
	CompanyID CompanyID
	Status    StoreStatus
}

// =============================================================================
// ACTOR - Pre-validated identity from the authorization collaborator
// =============================================================================

type Role string

const (
	RoleBuyer        Role = "buyer"
	RoleStoreAdmin   Role = "store_admin"
	RoleCompanyAdmin Role = "company_admin"
	RoleSystemAdmin  Role = "system_admin"
)

type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsSystemAdmin() bool { return a.ID != "" && a.Role == RoleSystemAdmin }

// =============================================================================
// REQUESTS & RESULTS
// =============================================================================

// PurchaseRequest is the input for Earn and Spend.
type PurchaseRequest struct {
	BuyerID        BuyerID
	StoreID        StoreID
	CompanyID      CompanyID
	Amount         int64
	TotalCost      *decimal.Decimal
	IdempotencyKey string
}

type AdjustmentRequest struct {
	BuyerID        BuyerID
	Delta          int64
	Reason         string
	Actor          Actor
	IdempotencyKey string
}

// Result is returned by every buyer-facing operation.
type Result struct {
	Transaction Transaction
	// Original is the reversed transaction, set only by Reverse.
	Original *Transaction
	Balance  int64
	// Replayed is true when an idempotency key matched an earlier call and
	// nothing was applied.
	Replayed bool
}

// ExpireOutcome reports what ExpireBuyer did for one buyer.
type ExpireOutcome struct {
	BuyerID     BuyerID
	Expired     int64
	Transaction *Transaction
	Skipped     bool // already processed for this cycle
}
