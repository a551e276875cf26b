/*
facade.go - Read-only views over the ledger

PURPOSE:
  Answers "what does this buyer / company / system look like right now"
  without ever taking a subject lock. Every figure is derived from the
  Balance Store rows and the transaction log; nothing here writes.

VIEWS:
  BuyerSummary     current balance plus per-type totals over the log
  History          filtered buyer log, newest first
  CompanySummary   pool balances plus issued/redeemed totals at its stores
  SystemStats      totals across every buyer and company
  CompanyEntries   credit and reset audit rows

EXPIRATION:
  Every positive balance expires at the end of the current quarter, so
  ExpiringNextCycle is always the current balance.
*/
package query

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/points-ledger/ledger"
)

// statsPageSize bounds each page read by SystemStats.
const statsPageSize = 1000

type Facade struct {
	reader ledger.Reader
	clock  func() time.Time
}

func NewFacade(reader ledger.Reader) *Facade {
	return &Facade{reader: reader, clock: time.Now}
}

// WithClock overrides the time source used for NextExpiration.
func (f *Facade) WithClock(clock func() time.Time) *Facade {
	f.clock = clock
	return f
}

// =============================================================================
// BUYER
// =============================================================================

type BuyerSummary struct {
	BuyerID           ledger.BuyerID
	CurrentBalance    int64
	TotalEarned       int64
	TotalSpent        int64
	TotalExpired      int64
	TotalAdjusted     int64 // net of admin adjustments
	ReversalsNet      int64 // net effect of compensating rows
	FailedAttempts    int
	ExpiringNextCycle int64
	NextExpiration    time.Time
	Frozen            bool
	FrozenReason      string
	LastExpiredCycle  string
	TransactionCount  int
}

// BuyerSummary returns ledger.ErrNotFound for a buyer with no balance row.
func (f *Facade) BuyerSummary(ctx context.Context, buyer ledger.BuyerID) (BuyerSummary, error) {
	bal, err := f.reader.Buyer(ctx, buyer)
	if err != nil {
		return BuyerSummary{}, err
	}
	txs, err := f.reader.BuyerTransactions(ctx, buyer)
	if err != nil {
		return BuyerSummary{}, err
	}

	s := BuyerSummary{
		BuyerID:           buyer,
		CurrentBalance:    bal.CurrentBalance,
		ExpiringNextCycle: bal.CurrentBalance,
		NextExpiration:    ledger.CycleOf(f.clock()).End(),
		Frozen:            bal.Frozen,
		FrozenReason:      bal.FrozenReason,
		LastExpiredCycle:  bal.LastExpiredCycle,
		TransactionCount:  len(txs),
	}
	for _, tx := range txs {
		if tx.Status == ledger.StatusFailed {
			s.FailedAttempts++
			continue
		}
		if !tx.Status.Effective() {
			continue
		}
		switch tx.Type {
		case ledger.TxEarn:
			s.TotalEarned += tx.Amount
		case ledger.TxSpend:
			s.TotalSpent -= tx.Amount
		case ledger.TxExpire:
			s.TotalExpired -= tx.Amount
		case ledger.TxAdminAdjustment:
			s.TotalAdjusted += tx.Amount
		case ledger.TxReversal:
			s.ReversalsNet += tx.Amount
		}
	}
	return s, nil
}

// HistoryFilter narrows History. Zero values match everything.
type HistoryFilter struct {
	Types    []ledger.TxType
	Statuses []ledger.Status
	From     time.Time // inclusive
	To       time.Time // exclusive
	Limit    int
}

func (h HistoryFilter) match(tx ledger.Transaction) bool {
	if len(h.Types) > 0 && !contains(h.Types, tx.Type) {
		return false
	}
	if len(h.Statuses) > 0 && !contains(h.Statuses, tx.Status) {
		return false
	}
	if !h.From.IsZero() && tx.CreatedAt.Before(h.From) {
		return false
	}
	if !h.To.IsZero() && !tx.CreatedAt.Before(h.To) {
		return false
	}
	return true
}

func contains[T comparable](set []T, v T) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// History returns the buyer's transactions, newest first.
func (f *Facade) History(ctx context.Context, buyer ledger.BuyerID, filter HistoryFilter) ([]ledger.Transaction, error) {
	txs, err := f.reader.BuyerTransactions(ctx, buyer)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Transaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		if !filter.match(txs[i]) {
			continue
		}
		out = append(out, txs[i])
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// COMPANY
// =============================================================================

type CompanySummary struct {
	CompanyID       ledger.CompanyID
	CurrentBalance  int64
	OriginalBalance int64
	LastResetCycle  string

	// Points moved at the company's stores.
	PointsIssued   int64
	PointsRedeemed int64

	// Purchase value behind those movements.
	EarnCost  decimal.Decimal
	SpendCost decimal.Decimal

	TotalCredited    int64
	Resets           int
	TransactionCount int
}

func (f *Facade) CompanySummary(ctx context.Context, company ledger.CompanyID) (CompanySummary, error) {
	s := CompanySummary{CompanyID: company, EarnCost: decimal.Zero, SpendCost: decimal.Zero}

	c, err := f.reader.Company(ctx, company)
	switch {
	case err == nil:
		s.CurrentBalance = c.CurrentBalance
		s.OriginalBalance = c.OriginalBalance
		s.LastResetCycle = c.LastResetCycle
	case ledger.IsNotFound(err):
		// A company may have store activity before it was ever credited.
	default:
		return CompanySummary{}, err
	}

	txs, err := f.reader.CompanyTransactions(ctx, company)
	if err != nil {
		return CompanySummary{}, err
	}
	entries, err := f.reader.CompanyEntries(ctx, company)
	if err != nil {
		return CompanySummary{}, err
	}
	if c.CompanyID == "" && len(txs) == 0 && len(entries) == 0 {
		return CompanySummary{}, ledger.ErrNotFound
	}

	s.TransactionCount = len(txs)
	for _, tx := range txs {
		if tx.Status != ledger.StatusCompleted {
			continue
		}
		switch tx.Type {
		case ledger.TxEarn:
			s.PointsIssued += tx.Amount
			if tx.TotalCost != nil {
				s.EarnCost = s.EarnCost.Add(*tx.TotalCost)
			}
		case ledger.TxSpend:
			s.PointsRedeemed -= tx.Amount
			if tx.TotalCost != nil {
				s.SpendCost = s.SpendCost.Add(*tx.TotalCost)
			}
		}
	}
	for _, e := range entries {
		switch e.Kind {
		case ledger.EntryCredit:
			s.TotalCredited += e.Amount
		case ledger.EntryReset:
			s.Resets++
		}
	}
	return s, nil
}

// CompanyEntries returns the company's credit and reset rows in append order.
func (f *Facade) CompanyEntries(ctx context.Context, company ledger.CompanyID) ([]ledger.CompanyEntry, error) {
	return f.reader.CompanyEntries(ctx, company)
}

// =============================================================================
// SYSTEM
// =============================================================================

type SystemStats struct {
	Buyers             int
	BuyersWithBalance  int
	FrozenBuyers       int
	OutstandingPoints  int64
	Companies          int
	PoolCurrentTotal   int64
	PoolOriginalTotal  int64
	LargestBuyerID     ledger.BuyerID
	LargestBuyerPoints int64
}

func (f *Facade) SystemStats(ctx context.Context) (SystemStats, error) {
	var s SystemStats

	page := ledger.Page{Limit: statsPageSize}
	for {
		buyers, err := f.reader.ListBuyers(ctx, page)
		if err != nil {
			return SystemStats{}, err
		}
		for _, b := range buyers {
			s.Buyers++
			if b.CurrentBalance > 0 {
				s.BuyersWithBalance++
			}
			if b.Frozen {
				s.FrozenBuyers++
			}
			s.OutstandingPoints += b.CurrentBalance
			if b.CurrentBalance > s.LargestBuyerPoints {
				s.LargestBuyerID, s.LargestBuyerPoints = b.BuyerID, b.CurrentBalance
			}
		}
		if len(buyers) < statsPageSize {
			break
		}
		page.After = string(buyers[len(buyers)-1].BuyerID)
	}

	page = ledger.Page{Limit: statsPageSize}
	for {
		companies, err := f.reader.ListCompanies(ctx, page)
		if err != nil {
			return SystemStats{}, err
		}
		for _, c := range companies {
			s.Companies++
			s.PoolCurrentTotal += c.CurrentBalance
			s.PoolOriginalTotal += c.OriginalBalance
		}
		if len(companies) < statsPageSize {
			break
		}
		page.After = string(companies[len(companies)-1].CompanyID)
	}
	return s, nil
}
