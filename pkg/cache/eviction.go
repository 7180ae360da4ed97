package cache

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// DefaultMaxBudget is the hard storage ceiling (10 GiB).
const DefaultMaxBudget int64 = 10 * 1024 * 1024 * 1024

// EvictionCount returns how many entries one over-budget run removes:
// ceil(10% of count), never zero for a non-empty store.
func EvictionCount(count int) int {
	if count <= 0 {
		return 0
	}
	return (count + 9) / 10
}

// EnforceBudget evicts a batch of the oldest entries when the store's total
// size exceeds budget. Entries are ordered by StoredAt, ties broken by key.
// The batch is always EvictionCount(n) entries, even if fewer would bring the
// store back under budget. It returns the number of entries removed.
func EnforceBudget(ctx context.Context, store Store, budget int64) (int, error) {
	total, err := store.TotalSize(ctx)
	if err != nil {
		return 0, err
	}
	if total <= budget {
		return 0, nil
	}

	metas, err := store.ListMeta(ctx)
	if err != nil {
		return 0, err
	}
	if len(metas) == 0 {
		return 0, nil
	}

	sortOldestFirst(metas)

	n := EvictionCount(len(metas))
	removed := 0
	for _, m := range metas[:n] {
		if err := store.Delete(ctx, m.Key); err != nil {
			CacheEvictions.Add(float64(removed))
			return removed, fmt.Errorf("evict %s: %w", m.Key, err)
		}
		removed++
	}

	CacheEvictions.Add(float64(removed))
	CacheEvictionRuns.Inc()
	return removed, nil
}

func sortOldestFirst(metas []EntryMeta) {
	sort.Slice(metas, func(i, j int) bool {
		a, b := metas[i], metas[j]
		if !a.StoredAt.Equal(b.StoredAt) {
			return a.StoredAt.Before(b.StoredAt)
		}
		return a.Key.String() < b.Key.String()
	})
}

// Policy applies EnforceBudget ahead of writes. Concurrent callers that find
// an enforcement run already in progress skip their own; accounting is
// eventually consistent rather than transactional.
type Policy struct {
	budget  int64
	running atomic.Bool
	logger  zerolog.Logger
}

// NewPolicy creates a Policy enforcing budget bytes.
func NewPolicy(budget int64, logger zerolog.Logger) *Policy {
	if budget <= 0 {
		budget = DefaultMaxBudget
	}
	return &Policy{budget: budget, logger: logger}
}

// Budget returns the enforced ceiling.
func (p *Policy) Budget() int64 {
	return p.budget
}

// Admit is called before writing incoming bytes into store. It enforces the
// budget when the write could push the store over it.
func (p *Policy) Admit(ctx context.Context, store Store, incoming int64) (int, error) {
	total, err := store.TotalSize(ctx)
	if err != nil {
		return 0, err
	}
	if total+incoming <= p.budget {
		return 0, nil
	}

	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug().Msg("Budget enforcement already running, skipping")
		return 0, nil
	}
	defer p.running.Store(false)

	removed, err := EnforceBudget(ctx, store, p.budget)
	if removed > 0 {
		p.logger.Info().
			Int64("total_size", total).
			Int64("budget", p.budget).
			Int("evicted", removed).
			Msg("Cache over budget, evicted oldest entries")
	}
	return removed, err
}
