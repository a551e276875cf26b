// Package store provides in-process implementations of the ledger stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/warp/points-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store, ledger.RunStore and ledger.DirectoryStore.
// Subject locks are real: two units touching the same buyer serialize, units
// on different buyers run in parallel.
type Memory struct {
	mu        sync.RWMutex
	buyers    map[ledger.BuyerID]ledger.BuyerBalance
	companies map[ledger.CompanyID]ledger.CompanyBalance
	log       []ledger.Transaction
	byID      map[ledger.TransactionID]int
	byKey     map[string]ledger.TransactionID
	byBuyer   map[ledger.BuyerID][]int
	entries   map[ledger.CompanyID][]ledger.CompanyEntry
	stores    map[ledger.StoreID]ledger.StoreInfo
	runs      map[string]ledger.ExpirationRun

	seq atomic.Int64

	lockMu sync.Mutex
	locks  map[string]*subjectLock
}

// subjectLock is a one-slot semaphore. refs counts holders and waiters; the
// entry leaves the map when it drops to zero.
type subjectLock struct {
	ch   chan struct{}
	refs int
}

var (
	_ ledger.Store          = (*Memory)(nil)
	_ ledger.RunStore       = (*Memory)(nil)
	_ ledger.DirectoryStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		buyers:    make(map[ledger.BuyerID]ledger.BuyerBalance),
		companies: make(map[ledger.CompanyID]ledger.CompanyBalance),
		byID:      make(map[ledger.TransactionID]int),
		byKey:     make(map[string]ledger.TransactionID),
		byBuyer:   make(map[ledger.BuyerID][]int),
		entries:   make(map[ledger.CompanyID][]ledger.CompanyEntry),
		stores:    make(map[ledger.StoreID]ledger.StoreInfo),
		runs:      make(map[string]ledger.ExpirationRun),
		locks:     make(map[string]*subjectLock),
	}
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) Buyer(_ context.Context, id ledger.BuyerID) (ledger.BuyerBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buyers[id]
	if !ok {
		return ledger.BuyerBalance{}, fmt.Errorf("buyer %s: %w", id, ledger.ErrNotFound)
	}
	return b, nil
}

func (m *Memory) Company(_ context.Context, id ledger.CompanyID) (ledger.CompanyBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[id]
	if !ok {
		return ledger.CompanyBalance{}, fmt.Errorf("company %s: %w", id, ledger.ErrNotFound)
	}
	return c, nil
}

func (m *Memory) Transaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionLocked(id)
}

func (m *Memory) transactionLocked(id ledger.TransactionID) (ledger.Transaction, error) {
	i, ok := m.byID[id]
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return m.log[i], nil
}

func (m *Memory) BuyerTransactions(_ context.Context, id ledger.BuyerID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buyerLogLocked(id), nil
}

func (m *Memory) buyerLogLocked(id ledger.BuyerID) []ledger.Transaction {
	idx := m.byBuyer[id]
	result := make([]ledger.Transaction, len(idx))
	for i, j := range idx {
		result[i] = m.log[j]
	}
	return result
}

func (m *Memory) CompanyTransactions(_ context.Context, id ledger.CompanyID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []ledger.Transaction
	for _, t := range m.log {
		if t.CompanyID == id {
			result = append(result, t)
		}
	}
	return result, nil
}

func (m *Memory) CompanyEntries(_ context.Context, id ledger.CompanyID) ([]ledger.CompanyEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.CompanyEntry, len(m.entries[id]))
	copy(result, m.entries[id])
	return result, nil
}

func (m *Memory) ListBuyers(_ context.Context, page ledger.Page) ([]ledger.BuyerBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.buyers))
	for id, b := range m.buyers {
		if page.PositiveOnly && b.CurrentBalance <= 0 {
			continue
		}
		ids = append(ids, string(id))
	}
	var result []ledger.BuyerBalance
	for _, id := range paginate(ids, page) {
		result = append(result, m.buyers[ledger.BuyerID(id)])
	}
	return result, nil
}

func (m *Memory) ListCompanies(_ context.Context, page ledger.Page) ([]ledger.CompanyBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.companies))
	for id := range m.companies {
		ids = append(ids, string(id))
	}
	var result []ledger.CompanyBalance
	for _, id := range paginate(ids, page) {
		result = append(result, m.companies[ledger.CompanyID(id)])
	}
	return result, nil
}

func paginate(ids []string, page ledger.Page) []string {
	sort.Strings(ids)
	start := sort.SearchStrings(ids, page.After)
	if start < len(ids) && page.After != "" && ids[start] == page.After {
		start++
	}
	ids = ids[start:]
	if page.Limit > 0 && len(ids) > page.Limit {
		ids = ids[:page.Limit]
	}
	return ids
}

// =============================================================================
// ATOMIC UNIT
// =============================================================================

// WithTx runs fn with staged writes. Nothing is visible to other callers
// until fn returns nil; then every staged write lands at once.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		m:         m,
		held:      make(map[string]*subjectLock),
		buyers:    make(map[ledger.BuyerID]ledger.BuyerBalance),
		companies: make(map[ledger.CompanyID]ledger.CompanyBalance),
		reversed:  make(map[ledger.TransactionID]ledger.TransactionID),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	// A unit that ran past its deadline must leave no trace.
	if err := ctx.Err(); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, b := range tx.buyers {
		m.buyers[id] = b
	}
	for id, c := range tx.companies {
		m.companies[id] = c
	}
	for _, t := range tx.appended {
		m.log = append(m.log, t)
		i := len(m.log) - 1
		m.byID[t.ID] = i
		m.byBuyer[t.BuyerID] = append(m.byBuyer[t.BuyerID], i)
		if t.IdempotencyKey != "" {
			m.byKey[t.IdempotencyKey] = t.ID
		}
	}
	for id, by := range tx.reversed {
		i := m.byID[id]
		m.log[i].Status = ledger.StatusReversed
		m.log[i].ReversedBy = by
	}
	for _, e := range tx.entries {
		m.entries[e.CompanyID] = append(m.entries[e.CompanyID], e)
	}
}

func (m *Memory) acquire(ctx context.Context, key string) (*subjectLock, error) {
	m.lockMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &subjectLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.lockMu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return l, nil
	case <-ctx.Done():
		m.unref(key, l)
		return nil, fmt.Errorf("waiting for %s: %w", key, ctx.Err())
	}
}

func (m *Memory) unref(key string, l *subjectLock) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

type memTx struct {
	m    *Memory
	held map[string]*subjectLock

	buyers    map[ledger.BuyerID]ledger.BuyerBalance
	companies map[ledger.CompanyID]ledger.CompanyBalance
	appended  []ledger.Transaction
	reversed  map[ledger.TransactionID]ledger.TransactionID
	entries   []ledger.CompanyEntry
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	l, err := tx.m.acquire(ctx, key)
	if err != nil {
		return err
	}
	tx.held[key] = l
	return nil
}

func (tx *memTx) release() {
	for key, l := range tx.held {
		<-l.ch
		tx.m.unref(key, l)
	}
	tx.held = nil
}

func (tx *memTx) LockBuyer(ctx context.Context, id ledger.BuyerID) (ledger.BuyerBalance, error) {
	if err := tx.lock(ctx, "buyer:"+string(id)); err != nil {
		return ledger.BuyerBalance{}, err
	}
	if b, ok := tx.buyers[id]; ok {
		return b, nil
	}
	tx.m.mu.RLock()
	b, ok := tx.m.buyers[id]
	tx.m.mu.RUnlock()
	if !ok {
		b = ledger.BuyerBalance{BuyerID: id}
		tx.buyers[id] = b
	}
	return b, nil
}

func (tx *memTx) PutBuyer(_ context.Context, b ledger.BuyerBalance) error {
	if _, ok := tx.held["buyer:"+string(b.BuyerID)]; !ok {
		return fmt.Errorf("put buyer %s: not locked in this unit", b.BuyerID)
	}
	if b.CurrentBalance < 0 {
		return fmt.Errorf("put buyer %s: negative balance %d", b.BuyerID, b.CurrentBalance)
	}
	tx.buyers[b.BuyerID] = b
	return nil
}

func (tx *memTx) LockCompany(ctx context.Context, id ledger.CompanyID) (ledger.CompanyBalance, error) {
	if err := tx.lock(ctx, "company:"+string(id)); err != nil {
		return ledger.CompanyBalance{}, err
	}
	if c, ok := tx.companies[id]; ok {
		return c, nil
	}
	tx.m.mu.RLock()
	c, ok := tx.m.companies[id]
	tx.m.mu.RUnlock()
	if !ok {
		c = ledger.CompanyBalance{CompanyID: id}
		tx.companies[id] = c
	}
	return c, nil
}

func (tx *memTx) PutCompany(_ context.Context, c ledger.CompanyBalance) error {
	if _, ok := tx.held["company:"+string(c.CompanyID)]; !ok {
		return fmt.Errorf("put company %s: not locked in this unit", c.CompanyID)
	}
	tx.companies[c.CompanyID] = c
	return nil
}

func (tx *memTx) Transaction(_ context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	for _, t := range tx.appended {
		if t.ID == id {
			return tx.overlay(t), nil
		}
	}
	tx.m.mu.RLock()
	t, err := tx.m.transactionLocked(id)
	tx.m.mu.RUnlock()
	if err != nil {
		return ledger.Transaction{}, err
	}
	return tx.overlay(t), nil
}

func (tx *memTx) overlay(t ledger.Transaction) ledger.Transaction {
	if by, ok := tx.reversed[t.ID]; ok {
		t.Status = ledger.StatusReversed
		t.ReversedBy = by
	}
	return t
}

func (tx *memTx) TransactionByIdempotencyKey(ctx context.Context, key string) (ledger.Transaction, error) {
	for _, t := range tx.appended {
		if t.IdempotencyKey == key {
			return tx.overlay(t), nil
		}
	}
	tx.m.mu.RLock()
	id, ok := tx.m.byKey[key]
	tx.m.mu.RUnlock()
	if !ok {
		return ledger.Transaction{}, fmt.Errorf("idempotency key %q: %w", key, ledger.ErrNotFound)
	}
	return tx.Transaction(ctx, id)
}

func (tx *memTx) Append(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error) {
	if !t.Type.Valid() {
		return ledger.Transaction{}, fmt.Errorf("append: unknown type %q", t.Type)
	}
	if t.Status != ledger.StatusCompleted && t.Status != ledger.StatusFailed {
		return ledger.Transaction{}, fmt.Errorf("append: status %q cannot be logged", t.Status)
	}
	if _, err := tx.Transaction(ctx, t.ID); err == nil {
		return ledger.Transaction{}, fmt.Errorf("append: duplicate transaction id %s", t.ID)
	}
	if t.IdempotencyKey != "" {
		if _, err := tx.TransactionByIdempotencyKey(ctx, t.IdempotencyKey); err == nil {
			return ledger.Transaction{}, ledger.ErrIdempotencyMismatch
		}
	}
	t.Seq = tx.m.seq.Add(1)
	tx.appended = append(tx.appended, t)
	return t, nil
}

func (tx *memTx) MarkReversed(ctx context.Context, id, reversedBy ledger.TransactionID) error {
	t, err := tx.Transaction(ctx, id)
	if err != nil {
		return err
	}
	switch t.Status {
	case ledger.StatusCompleted:
	case ledger.StatusReversed:
		return ledger.ErrAlreadyReversed
	default:
		return ledger.ErrNotReversible
	}
	for i := range tx.appended {
		if tx.appended[i].ID == id {
			tx.appended[i].Status = ledger.StatusReversed
			tx.appended[i].ReversedBy = reversedBy
			return nil
		}
	}
	tx.reversed[id] = reversedBy
	return nil
}

func (tx *memTx) AppendCompanyEntry(_ context.Context, e ledger.CompanyEntry) error {
	tx.entries = append(tx.entries, e)
	return nil
}

func (tx *memTx) BuyerLog(_ context.Context, id ledger.BuyerID) ([]ledger.Transaction, error) {
	tx.m.mu.RLock()
	committed := tx.m.buyerLogLocked(id)
	tx.m.mu.RUnlock()

	out := make([]ledger.Transaction, 0, len(committed))
	for _, t := range committed {
		out = append(out, tx.overlay(t))
	}
	for _, t := range tx.appended {
		if t.BuyerID == id {
			out = append(out, tx.overlay(t))
		}
	}
	return out, nil
}

func (tx *memTx) ReplayBuyer(_ context.Context, id ledger.BuyerID) (int64, error) {
	tx.m.mu.RLock()
	committed := tx.m.buyerLogLocked(id)
	tx.m.mu.RUnlock()

	var sum int64
	for _, t := range committed {
		sum += tx.overlay(t).Effect()
	}
	for _, t := range tx.appended {
		if t.BuyerID == id {
			sum += t.Effect()
		}
	}
	return sum, nil
}

// =============================================================================
// EXPIRATION RUNS
// =============================================================================

func (m *Memory) SaveExpirationRun(_ context.Context, run ledger.ExpirationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

// ExpirationRuns returns the most recent runs first.
func (m *Memory) ExpirationRuns(_ context.Context, limit int) ([]ledger.ExpirationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]ledger.ExpirationRun, 0, len(m.runs))
	for _, r := range m.runs {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) CycleCompleted(_ context.Context, cycle string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		if r.Cycle == cycle && r.Status == ledger.RunCompleted {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// DIRECTORY
// =============================================================================

func (m *Memory) Store(_ context.Context, id ledger.StoreID) (ledger.StoreInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.stores[id]
	if !ok {
		return ledger.StoreInfo{}, ledger.ErrStoreUnknown
	}
	return info, nil
}

func (m *Memory) PutStore(_ context.Context, info ledger.StoreInfo) error {
	if info.ID == "" || info.CompanyID == "" {
		return fmt.Errorf("put store: id and company required")
	}
	if !info.Status.Valid() {
		return fmt.Errorf("put store %s: unknown status %q", info.ID, info.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stores[info.ID] = info
	return nil
}
