/*
errors.go - Centralized error types for the ledger core

PURPOSE:
  Every rejected operation returns a specific failure kind, never a bare
  error, so presentation layers can render actionable messages.

ERROR CATEGORIES:
  1. Validation - deterministic business rule violations
  2. Authorization - caller misuse, rejected before any log write
  3. Conflict - transient contention, eligible for retry
  4. Consistency - balance and log disagree; the balance is frozen

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) { ... }
  kind := ledger.KindOf(err) // "insufficient_balance"
*/
package ledger

import (
	"errors"
	"fmt"
)

// Kind is the stable, user-facing name of a failure.
type Kind string

const (
	KindInvalidAmount            Kind = "invalid_amount"
	KindStoreNotActive           Kind = "store_not_active"
	KindStoreUnknown             Kind = "store_unknown"
	KindCompanyMismatch          Kind = "company_mismatch"
	KindInsufficientBalance      Kind = "insufficient_balance"
	KindNotFound                 Kind = "not_found"
	KindAlreadyReversed          Kind = "already_reversed"
	KindNotReversible            Kind = "not_reversible"
	KindNotOwner                 Kind = "not_owner"
	KindReversalWouldUnderflow   Kind = "reversal_would_underflow"
	KindAdjustmentWouldUnderflow Kind = "adjustment_would_underflow"
	KindUnauthorized             Kind = "unauthorized"
	KindMissingReason            Kind = "missing_reason"
	KindIdempotencyMismatch      Kind = "idempotency_mismatch"
	KindConflict                 Kind = "conflict"
	KindTimeout                  Kind = "timeout"
	KindConsistencyViolation     Kind = "consistency_violation"
	KindBalanceFrozen            Kind = "balance_frozen"
	KindInternal                 Kind = "internal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrInvalidAmount            = &kindError{KindInvalidAmount, "amount must be positive"}
	ErrStoreNotActive           = &kindError{KindStoreNotActive, "store is not active"}
	ErrStoreUnknown             = &kindError{KindStoreUnknown, "store is not registered"}
	ErrCompanyMismatch          = &kindError{KindCompanyMismatch, "store does not belong to company"}
	ErrInsufficientBalance      = &kindError{KindInsufficientBalance, "insufficient balance"}
	ErrNotFound                 = &kindError{KindNotFound, "not found"}
	ErrAlreadyReversed          = &kindError{KindAlreadyReversed, "transaction already reversed"}
	ErrNotReversible            = &kindError{KindNotReversible, "transaction cannot be reversed"}
	ErrNotOwner                 = &kindError{KindNotOwner, "actor does not own the transaction"}
	ErrReversalWouldUnderflow   = &kindError{KindReversalWouldUnderflow, "reversal would make balance negative"}
	ErrAdjustmentWouldUnderflow = &kindError{KindAdjustmentWouldUnderflow, "adjustment would make balance negative"}
	ErrUnauthorized             = &kindError{KindUnauthorized, "actor is not authorized"}
	ErrMissingReason            = &kindError{KindMissingReason, "reason is required"}
	ErrIdempotencyMismatch      = &kindError{KindIdempotencyMismatch, "idempotency key reused with a different request"}

	// ErrConcurrentModification is returned by stores when per-subject
	// locking detects contention. The engine retries it with backoff.
	ErrConcurrentModification = &kindError{KindConflict, "concurrent modification detected"}

	// ErrTimeout is returned when an operation exceeds its time budget.
	// Nothing from the attempt survives.
	ErrTimeout = &kindError{KindTimeout, "operation timed out"}

	ErrConsistencyViolation = &kindError{KindConsistencyViolation, "balance does not match transaction log"}
	ErrBalanceFrozen        = &kindError{KindBalanceFrozen, "balance is frozen pending reconciliation"}
)

type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Kind() Kind    { return e.kind }

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a rejected Spend. The
// failed attempt is still recorded; FailedTransaction identifies it.
type InsufficientBalanceError struct {
	BuyerID           BuyerID
	Available         int64
	Requested         int64
	FailedTransaction TransactionID
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// RejectedError wraps any other validation failure of an Earn/Spend that was
// recorded as a Failed transaction.
type RejectedError struct {
	Err               error
	FailedTransaction TransactionID
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%v (recorded as %s)", e.Err, e.FailedTransaction)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// UnderflowError is returned when a reversal or adjustment would drive the
// balance below zero.
type UnderflowError struct {
	Err     error // ErrReversalWouldUnderflow or ErrAdjustmentWouldUnderflow
	BuyerID BuyerID
	Balance int64
	Delta   int64
}

func (e *UnderflowError) Error() string {
	return fmt.Sprintf("%v: balance %d, delta %d", e.Err, e.Balance, e.Delta)
}

func (e *UnderflowError) Unwrap() error { return e.Err }

// ConsistencyError describes a balance that disagrees with its log replay.
type ConsistencyError struct {
	BuyerID  BuyerID
	Stored   int64
	Replayed int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("buyer %s: stored balance %d, log replay %d", e.BuyerID, e.Stored, e.Replayed)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistencyViolation }

// TransientError is surfaced after the engine gave up retrying.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// KindOf returns the failure kind of err, or KindInternal for errors the
// ledger does not classify.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke interface{ Kind() Kind }
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return KindInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrTimeout)
}

// IsAuthorization returns true for caller-misuse errors.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrNotOwner) || errors.Is(err, ErrUnauthorized)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindInvalidAmount, KindStoreNotActive, KindStoreUnknown, KindCompanyMismatch,
		KindInsufficientBalance, KindAlreadyReversed, KindNotReversible,
		KindReversalWouldUnderflow, KindAdjustmentWouldUnderflow, KindMissingReason,
		KindIdempotencyMismatch:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

var sentinels = map[Kind]error{
	KindInvalidAmount:       ErrInvalidAmount,
	KindStoreNotActive:      ErrStoreNotActive,
	KindStoreUnknown:        ErrStoreUnknown,
	KindCompanyMismatch:     ErrCompanyMismatch,
	KindInsufficientBalance: ErrInsufficientBalance,
}

// sentinelFor rebuilds the error of a recorded Failed transaction.
func sentinelFor(kind Kind) error {
	if err, ok := sentinels[kind]; ok {
		return err
	}
	return fmt.Errorf("recorded failure %q", kind)
}
