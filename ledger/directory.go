package ledger

import (
	"context"
	"sync"
	"time"
)

// Directory answers store lookups. Store status is a fact owned by the
// store-management collaborator; the engine only reads it.
type Directory interface {
	// Store returns ErrStoreUnknown for unregistered stores.
	Store(ctx context.Context, id StoreID) (StoreInfo, error)
}

// CachedDirectory memoizes lookups for a bounded TTL. Approval status can
// change between requests, so entries are never kept indefinitely.
type CachedDirectory struct {
	next  Directory
	ttl   time.Duration
	clock func() time.Time

	mu      sync.Mutex
	entries map[StoreID]cachedStore
}

type cachedStore struct {
	info    StoreInfo
	expires time.Time
}

func NewCachedDirectory(next Directory, ttl time.Duration) *CachedDirectory {
	return &CachedDirectory{
		next:    next,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[StoreID]cachedStore),
	}
}

func (d *CachedDirectory) Store(ctx context.Context, id StoreID) (StoreInfo, error) {
	if d.ttl <= 0 {
		return d.next.Store(ctx, id)
	}

	now := d.clock()
	d.mu.Lock()
	e, ok := d.entries[id]
	d.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.info, nil
	}

	info, err := d.next.Store(ctx, id)
	if err != nil {
		// Misses are not cached: a store may be registered any moment.
		return StoreInfo{}, err
	}

	d.mu.Lock()
	d.entries[id] = cachedStore{info: info, expires: now.Add(d.ttl)}
	d.mu.Unlock()
	return info, nil
}

// Invalidate drops a cached entry, e.g. after a directory update.
func (d *CachedDirectory) Invalidate(id StoreID) {
	d.mu.Lock()
	delete(d.entries, id)
	d.mu.Unlock()
}
