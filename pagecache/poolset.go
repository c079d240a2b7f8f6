package pagecache

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// PoolSet is the process-wide registry of page-cache pools: one place to
// enumerate every live pool in the system for a memory-pressure reclaim
// sweep, owned by the kernel context rather than living as a package-level
// list.
type PoolSet struct {
	mu    sync.Mutex
	pools map[*Pool]struct{}
}

// NewPoolSet returns an empty pool set.
func NewPoolSet() *PoolSet {
	return &PoolSet{pools: make(map[*Pool]struct{})}
}

// Register adds p to the set. Safe to call more than once for the same
// pool; duplicates collapse.
func (s *PoolSet) Register(p *Pool) {
	s.mu.Lock()
	s.pools[p] = struct{}{}
	s.mu.Unlock()
}

// Unregister removes p from the set, e.g. once its owning device or
// v-node is gone.
func (s *PoolSet) Unregister(p *Pool) {
	s.mu.Lock()
	delete(s.pools, p)
	s.mu.Unlock()
}

// Shrink asks every registered pool to reclaim up to perPool pages
// concurrently. Pools are independent — one pool's
// failure does not stop the others from being tried — so the fan-out uses
// errgroup.Group the same way bdev.Request.Submit fans its entries out,
// rather than a plain loop that would abort early on the first error.
func (s *PoolSet) Shrink(ctx context.Context, perPool int) (int, error) {
	s.mu.Lock()
	pools := make([]*Pool, 0, len(s.pools))
	for p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	var total int64
	g, _ := errgroup.WithContext(ctx)
	for _, p := range pools {
		p := p
		g.Go(func() error {
			n, err := p.Shrink(perPool)
			atomic.AddInt64(&total, int64(n))
			return err
		})
	}
	err := g.Wait()
	return int(total), err
}
