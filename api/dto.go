/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger's domain model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Purchase cost travels as a decimal string ("12.50") to avoid float
  rounding. Points are integers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/ledger"
	"github.com/warp/points-ledger/query"
)

// =============================================================================
// REQUESTS
// =============================================================================

// PurchaseRequest is the body of earn and spend.
type PurchaseRequest struct {
	StoreID        string           `json:"store_id"`
	CompanyID      string           `json:"company_id,omitempty"`
	Amount         int64            `json:"amount"`
	TotalCost      *decimal.Decimal `json:"total_cost,omitempty"`
	IdempotencyKey string           `json:"idempotency_key,omitempty"`
}

type AdjustmentRequest struct {
	BuyerID        string `json:"buyer_id"`
	Delta          int64  `json:"delta"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type CreditRequest struct {
	Amount int64 `json:"amount"`
}

// StoreRequest upserts a directory record.
type StoreRequest struct {
	CompanyID string `json:"company_id"`
	Status    string `json:"status"`
}

// ExpirationRequest triggers a batch. Cutoff defaults to now.
type ExpirationRequest struct {
	Cutoff *time.Time `json:"cutoff,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type TransactionDTO struct {
	ID             string            `json:"id"`
	Seq            int64             `json:"seq"`
	Type           string            `json:"type"`
	Status         string            `json:"status"`
	BuyerID        string            `json:"buyer_id"`
	StoreID        string            `json:"store_id,omitempty"`
	CompanyID      string            `json:"company_id,omitempty"`
	Amount         int64             `json:"amount"`
	Requested      int64             `json:"requested,omitempty"`
	TotalCost      *decimal.Decimal  `json:"total_cost,omitempty"`
	ReversedBy     string            `json:"reversed_by,omitempty"`
	Reverses       string            `json:"reverses,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	FailureKind    string            `json:"failure_kind,omitempty"`
	Cycle          string            `json:"cycle,omitempty"`
	ActorID        string            `json:"actor_id,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// ResultDTO is returned by every balance-changing buyer operation.
type ResultDTO struct {
	Transaction TransactionDTO  `json:"transaction"`
	Original    *TransactionDTO `json:"original,omitempty"`
	Balance     int64           `json:"balance"`
	Replayed    bool            `json:"replayed,omitempty"`
}

type BalanceDTO struct {
	BuyerID           string `json:"buyer_id"`
	CurrentBalance    int64  `json:"current_balance"`
	TotalEarned       int64  `json:"total_earned"`
	TotalSpent        int64  `json:"total_spent"`
	TotalExpired      int64  `json:"total_expired"`
	TotalAdjusted     int64  `json:"total_adjusted"`
	ReversalsNet      int64  `json:"reversals_net"`
	FailedAttempts    int    `json:"failed_attempts"`
	ExpiringNextCycle int64  `json:"expiring_next_cycle"`
	NextExpiration    string `json:"next_expiration"`
	LastExpiredCycle  string `json:"last_expired_cycle,omitempty"`
	Frozen            bool   `json:"frozen"`
	FrozenReason      string `json:"frozen_reason,omitempty"`
	TransactionCount  int    `json:"transaction_count"`
}

// BuyerStateDTO is the raw balance row, returned by verify and thaw.
type BuyerStateDTO struct {
	BuyerID          string `json:"buyer_id"`
	CurrentBalance   int64  `json:"current_balance"`
	LastExpiredCycle string `json:"last_expired_cycle,omitempty"`
	Frozen           bool   `json:"frozen"`
	FrozenReason     string `json:"frozen_reason,omitempty"`
}

type CompanyBalanceDTO struct {
	CompanyID       string `json:"company_id"`
	CurrentBalance  int64  `json:"current_balance"`
	OriginalBalance int64  `json:"original_balance"`
	LastResetCycle  string `json:"last_reset_cycle,omitempty"`
}

type CompanyEntryDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Amount        int64  `json:"amount"`
	CurrentAfter  int64  `json:"current_after"`
	OriginalAfter int64  `json:"original_after"`
	Cycle         string `json:"cycle,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type CompanyDTO struct {
	CompanyBalanceDTO
	PointsIssued     int64             `json:"points_issued"`
	PointsRedeemed   int64             `json:"points_redeemed"`
	EarnCost         decimal.Decimal   `json:"earn_cost"`
	SpendCost        decimal.Decimal   `json:"spend_cost"`
	TotalCredited    int64             `json:"total_credited"`
	Resets           int               `json:"resets"`
	TransactionCount int               `json:"transaction_count"`
	Entries          []CompanyEntryDTO `json:"entries"`
}

type StoreDTO struct {
	ID        string `json:"id"`
	CompanyID string `json:"company_id"`
	Status    string `json:"status"`
}

type RunDTO struct {
	ID             string `json:"id"`
	Cycle          string `json:"cycle"`
	Cutoff         string `json:"cutoff"`
	Status         string `json:"status"`
	BuyersExpired  int    `json:"buyers_expired"`
	BuyersSkipped  int    `json:"buyers_skipped"`
	PointsExpired  int64  `json:"points_expired"`
	CompaniesReset int    `json:"companies_reset"`
	Failures       int    `json:"failures"`
	Error          string `json:"error,omitempty"`
	StartedAt      string `json:"started_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

type StatsDTO struct {
	Buyers             int    `json:"buyers"`
	BuyersWithBalance  int    `json:"buyers_with_balance"`
	FrozenBuyers       int    `json:"frozen_buyers"`
	OutstandingPoints  int64  `json:"outstanding_points"`
	Companies          int    `json:"companies"`
	PoolCurrentTotal   int64  `json:"pool_current_total"`
	PoolOriginalTotal  int64  `json:"pool_original_total"`
	LargestBuyerID     string `json:"largest_buyer_id,omitempty"`
	LargestBuyerPoints int64  `json:"largest_buyer_points"`
}

// ErrorResponse is the standard error response. Error carries the stable
// failure kind clients switch on.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		Seq:            tx.Seq,
		Type:           string(tx.Type),
		Status:         string(tx.Status),
		BuyerID:        string(tx.BuyerID),
		StoreID:        string(tx.StoreID),
		CompanyID:      string(tx.CompanyID),
		Amount:         tx.Amount,
		Requested:      tx.Requested,
		TotalCost:      tx.TotalCost,
		ReversedBy:     string(tx.ReversedBy),
		Reverses:       string(tx.Reverses),
		Reason:         tx.Reason,
		FailureKind:    string(tx.FailureKind),
		Cycle:          tx.Cycle,
		ActorID:        tx.ActorID,
		IdempotencyKey: tx.IdempotencyKey,
		Metadata:       tx.Metadata,
		CreatedAt:      formatTime(tx.CreatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toResultDTO(r ledger.Result) ResultDTO {
	dto := ResultDTO{
		Transaction: toTransactionDTO(r.Transaction),
		Balance:     r.Balance,
		Replayed:    r.Replayed,
	}
	if r.Original != nil {
		orig := toTransactionDTO(*r.Original)
		dto.Original = &orig
	}
	return dto
}

func toBalanceDTO(s query.BuyerSummary) BalanceDTO {
	return BalanceDTO{
		BuyerID:           string(s.BuyerID),
		CurrentBalance:    s.CurrentBalance,
		TotalEarned:       s.TotalEarned,
		TotalSpent:        s.TotalSpent,
		TotalExpired:      s.TotalExpired,
		TotalAdjusted:     s.TotalAdjusted,
		ReversalsNet:      s.ReversalsNet,
		FailedAttempts:    s.FailedAttempts,
		ExpiringNextCycle: s.ExpiringNextCycle,
		NextExpiration:    formatTime(s.NextExpiration),
		LastExpiredCycle:  s.LastExpiredCycle,
		Frozen:            s.Frozen,
		FrozenReason:      s.FrozenReason,
		TransactionCount:  s.TransactionCount,
	}
}

func toBuyerStateDTO(b ledger.BuyerBalance) BuyerStateDTO {
	return BuyerStateDTO{
		BuyerID:          string(b.BuyerID),
		CurrentBalance:   b.CurrentBalance,
		LastExpiredCycle: b.LastExpiredCycle,
		Frozen:           b.Frozen,
		FrozenReason:     b.FrozenReason,
	}
}

func toCompanyBalanceDTO(c ledger.CompanyBalance) CompanyBalanceDTO {
	return CompanyBalanceDTO{
		CompanyID:       string(c.CompanyID),
		CurrentBalance:  c.CurrentBalance,
		OriginalBalance: c.OriginalBalance,
		LastResetCycle:  c.LastResetCycle,
	}
}

func toCompanyDTO(s query.CompanySummary, entries []ledger.CompanyEntry) CompanyDTO {
	dto := CompanyDTO{
		CompanyBalanceDTO: CompanyBalanceDTO{
			CompanyID:       string(s.CompanyID),
			CurrentBalance:  s.CurrentBalance,
			OriginalBalance: s.OriginalBalance,
			LastResetCycle:  s.LastResetCycle,
		},
		PointsIssued:     s.PointsIssued,
		PointsRedeemed:   s.PointsRedeemed,
		EarnCost:         s.EarnCost,
		SpendCost:        s.SpendCost,
		TotalCredited:    s.TotalCredited,
		Resets:           s.Resets,
		TransactionCount: s.TransactionCount,
		Entries:          make([]CompanyEntryDTO, len(entries)),
	}
	for i, e := range entries {
		dto.Entries[i] = CompanyEntryDTO{
			ID:            e.ID,
			Kind:          string(e.Kind),
			Amount:        e.Amount,
			CurrentAfter:  e.CurrentAfter,
			OriginalAfter: e.OriginalAfter,
			Cycle:         e.Cycle,
			CreatedAt:     formatTime(e.CreatedAt),
		}
	}
	return dto
}

func toRunDTO(run ledger.ExpirationRun) RunDTO {
	dto := RunDTO{
		ID:             run.ID,
		Cycle:          run.Cycle,
		Cutoff:         formatTime(run.Cutoff),
		Status:         string(run.Status),
		BuyersExpired:  run.BuyersExpired,
		BuyersSkipped:  run.BuyersSkipped,
		PointsExpired:  run.PointsExpired,
		CompaniesReset: run.CompaniesReset,
		Failures:       run.Failures,
		Error:          run.Error,
		StartedAt:      formatTime(run.StartedAt),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = formatTime(*run.CompletedAt)
	}
	return dto
}

func toStatsDTO(s query.SystemStats) StatsDTO {
	return StatsDTO{
		Buyers:             s.Buyers,
		BuyersWithBalance:  s.BuyersWithBalance,
		FrozenBuyers:       s.FrozenBuyers,
		OutstandingPoints:  s.OutstandingPoints,
		Companies:          s.Companies,
		PoolCurrentTotal:   s.PoolCurrentTotal,
		PoolOriginalTotal:  s.PoolOriginalTotal,
		LargestBuyerID:     string(s.LargestBuyerID),
		LargestBuyerPoints: s.LargestBuyerPoints,
	}
}
