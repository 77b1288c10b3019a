package sharding

import (
	"context"

	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/metrics"
	"go.uber.org/zap"
)

// BalancedManager places buckets on a consistent-hash ring of shards and keeps an
// explicit bucket -> shard table.
//
// Blacklisting a shard re-places only that shard's buckets, using a ring built from the
// remaining active shards. Unblacklisting makes the shard eligible again for future
// re-placements but moves nothing back, so a bucket never bounces between shards. The
// table lives in memory: after a restart it is rebuilt from the ring and the stored
// blacklist.
type BalancedManager struct {
	*base
	vnodes int
}

// NewBalancedManager creates a ring-backed manager and loads the tenant's blacklist from store
func NewBalancedManager(ctx context.Context, tenant string, numShards, bucketCount, vnodes int, store BlacklistStore, logger *zap.Logger) (*BalancedManager, error) {
	b, err := newBase(tenant, numShards, bucketCount, store, logger)
	if err != nil {
		return nil, err
	}
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	m := &BalancedManager{base: b, vnodes: vnodes}

	all := make([]bool, numShards)
	initial := m.ring(all)
	owner := make([]int, bucketCount)
	for bucket := range owner {
		owner[bucket], _ = initial.Locate(bucketRingKey(bucket))
	}

	flags, err := b.loadBlacklist(ctx)
	if err != nil {
		return nil, err
	}
	owner, _ = m.replace(owner, flags)
	b.publish(&routingTable{owner: owner, blacklisted: flags})
	return m, nil
}

func (m *BalancedManager) Strategy() Strategy { return StrategyBalanced }

func (m *BalancedManager) ShardForBucket(bucket int) (int, error) {
	return m.resolve(bucket)
}

func (m *BalancedManager) BlacklistShard(ctx context.Context, shard int) error {
	if err := m.checkShard("blacklist_shard", shard); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	cur := m.table.Load()
	if cur.blacklisted[shard] {
		return nil
	}
	active := 0
	for s, bl := range cur.blacklisted {
		if !bl && s != shard {
			active++
		}
	}
	if active == 0 {
		return serr.WrapRoutingError(ErrNoActiveShard, "blacklist_shard", "refusing to blacklist the last active shard").
			WithContext("tenant", m.tenant).WithContext("shard", shard)
	}

	if err := m.store.Blacklist(ctx, m.tenant, shard); err != nil {
		return err
	}
	m.recordEvent("blacklist", shard)
	return m.reload(ctx)
}

func (m *BalancedManager) UnblacklistShard(ctx context.Context, shard int) error {
	if err := m.checkShard("unblacklist_shard", shard); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.store.Unblacklist(ctx, m.tenant, shard); err != nil {
		return err
	}
	m.recordEvent("unblacklist", shard)
	return m.reload(ctx)
}

func (m *BalancedManager) Refresh(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.reload(ctx)
}

// reload must be called with writeMu held
func (m *BalancedManager) reload(ctx context.Context) error {
	flags, err := m.loadBlacklist(ctx)
	if err != nil {
		return err
	}
	cur := m.table.Load()
	owner, moved := m.replace(cur.owner, flags)
	if moved > 0 {
		metrics.BucketsRemappedTotal.WithLabelValues(m.tenant).Add(float64(moved))
		m.logger.Info("Buckets re-placed after blacklisting", zap.Int("moved", moved))
	}
	m.publish(&routingTable{owner: owner, blacklisted: flags})
	return nil
}

// replace returns a copy of owner where every bucket owned by a blacklisted shard is
// moved to the ring of active shards. Other buckets keep their shard. When no shard is
// active the table is returned unchanged.
func (m *BalancedManager) replace(owner []int, blacklisted []bool) ([]int, int) {
	next := make([]int, len(owner))
	copy(next, owner)

	ring := m.ring(blacklisted)
	moved := 0
	for bucket, shard := range owner {
		if !blacklisted[shard] {
			continue
		}
		target, ok := ring.Locate(bucketRingKey(bucket))
		if !ok {
			return next, 0
		}
		next[bucket] = target
		moved++
	}
	return next, moved
}

// ring builds a ring from the shards not flagged in blacklisted
func (m *BalancedManager) ring(blacklisted []bool) *Ring {
	r := NewRing(m.vnodes)
	for s := 0; s < m.numShards; s++ {
		if !blacklisted[s] {
			r.AddShard(s)
		}
	}
	return r
}

// Distribution returns the number of buckets each shard currently owns
func (m *BalancedManager) Distribution() map[int]int {
	t := m.table.Load()
	out := make(map[int]int, m.numShards)
	for s := 0; s < m.numShards; s++ {
		out[s] = 0
	}
	for _, s := range t.owner {
		out[s]++
	}
	return out
}
