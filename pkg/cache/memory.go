package cache

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

const memoryShards = 32

type memoryShard struct {
	mu    sync.RWMutex
	items map[string]*CacheEntry
}

// MemoryStore is an in-process Store. Keys are spread over independently
// locked shards so operations on different keys rarely contend.
type MemoryStore struct {
	shards [memoryShards]memoryShard
	total  atomic.Int64
	quota  int64
}

// NewMemoryStore creates an empty in-memory store. quota is the advisory
// ceiling reported by Estimate.
func NewMemoryStore(quota int64) *MemoryStore {
	s := &MemoryStore{quota: quota}
	for i := range s.shards {
		s.shards[i].items = make(map[string]*CacheEntry)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return &s.shards[xxhash.Sum64String(key)%memoryShards]
}

// Put stores a private copy of entry.
func (s *MemoryStore) Put(ctx context.Context, entry *CacheEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	stored := NewEntry(entry.Key, entry.StatusCode, entry.Headers, entry.Body, entry.StoredAt)

	k := entry.Key.String()
	sh := s.shard(k)
	sh.mu.Lock()
	var oldSize int64
	if old, ok := sh.items[k]; ok {
		oldSize = old.SizeBytes
	}
	sh.items[k] = stored
	total := s.total.Add(stored.SizeBytes - oldSize)
	sh.mu.Unlock()

	CacheSize.Set(float64(total))
	return nil
}

// Get returns the stored entry. Callers must treat it as read-only.
func (s *MemoryStore) Get(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	k := key.String()
	sh := s.shard(k)
	sh.mu.RLock()
	entry, ok := sh.items[k]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrCacheMiss
	}
	return entry, nil
}

// Delete removes key if present.
func (s *MemoryStore) Delete(ctx context.Context, key CacheKey) error {
	k := key.String()
	sh := s.shard(k)
	sh.mu.Lock()
	old, ok := sh.items[k]
	if ok {
		delete(sh.items, k)
		s.total.Add(-old.SizeBytes)
	}
	sh.mu.Unlock()

	CacheSize.Set(float64(s.total.Load()))
	return nil
}

// Clear removes every entry. Sizes are subtracted per removed entry so a Put
// racing the clear never leaves orphaned accounting behind.
func (s *MemoryStore) Clear(ctx context.Context) error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		var removed int64
		for _, e := range sh.items {
			removed += e.SizeBytes
		}
		sh.items = make(map[string]*CacheEntry)
		s.total.Add(-removed)
		sh.mu.Unlock()
	}

	CacheSize.Set(float64(s.total.Load()))
	return nil
}

// ListAll returns a snapshot of every entry.
func (s *MemoryStore) ListAll(ctx context.Context) ([]*CacheEntry, error) {
	var out []*CacheEntry
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, e := range sh.items {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

// ListMeta returns a snapshot of entry metadata.
func (s *MemoryStore) ListMeta(ctx context.Context) ([]EntryMeta, error) {
	var out []EntryMeta
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, e := range sh.items {
			out = append(out, e.Meta())
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

// TotalSize returns the incrementally maintained size.
func (s *MemoryStore) TotalSize(ctx context.Context) (int64, error) {
	return s.total.Load(), nil
}

// Estimate reports the accounted size against the configured quota.
func (s *MemoryStore) Estimate(ctx context.Context) (Estimate, error) {
	return Estimate{Usage: s.total.Load(), Quota: s.quota}, nil
}

// MemoryNamespaces keeps one MemoryStore per version tag.
type MemoryNamespaces struct {
	mu     sync.Mutex
	quota  int64
	stores map[string]*MemoryStore
}

// NewMemoryNamespaces creates an empty namespace registry.
func NewMemoryNamespaces(quota int64) *MemoryNamespaces {
	return &MemoryNamespaces{
		quota:  quota,
		stores: make(map[string]*MemoryStore),
	}
}

// Open returns the store for version, creating it if needed.
func (n *MemoryNamespaces) Open(version string) Store {
	return n.OpenMemory(version)
}

// OpenMemory is Open with the concrete return type.
func (n *MemoryNamespaces) OpenMemory(version string) *MemoryStore {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.stores[version]
	if !ok {
		s = NewMemoryStore(n.quota)
		n.stores[version] = s
	}
	return s
}

// Versions lists the tags with a live store.
func (n *MemoryNamespaces) Versions() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.stores))
	for v := range n.stores {
		out = append(out, v)
	}
	return out
}

// Retire clears and forgets every store not tagged current.
func (n *MemoryNamespaces) Retire(ctx context.Context, current string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := 0
	for v, s := range n.stores {
		if v == current {
			continue
		}
		if err := s.Clear(ctx); err != nil {
			return removed, err
		}
		delete(n.stores, v)
		removed++
	}
	RetiredNamespaces.Add(float64(removed))
	return removed, nil
}
