package sharding

import (
	"context"

	"go.uber.org/zap"
)

// LegacyManager assigns buckets statically with bucket % numShards. Blacklisting marks a
// shard unhealthy but never moves its buckets: routing to it fails with
// ErrShardBlacklisted until the shard is unblacklisted.
type LegacyManager struct {
	*base
}

// NewLegacyManager creates a static manager and loads the tenant's blacklist from store
func NewLegacyManager(ctx context.Context, tenant string, numShards, bucketCount int, store BlacklistStore, logger *zap.Logger) (*LegacyManager, error) {
	b, err := newBase(tenant, numShards, bucketCount, store, logger)
	if err != nil {
		return nil, err
	}
	m := &LegacyManager{base: b}

	owner := make([]int, bucketCount)
	for bucket := range owner {
		owner[bucket] = bucket % numShards
	}
	flags, err := b.loadBlacklist(ctx)
	if err != nil {
		return nil, err
	}
	b.publish(&routingTable{owner: owner, blacklisted: flags})
	return m, nil
}

func (m *LegacyManager) Strategy() Strategy { return StrategyLegacy }

func (m *LegacyManager) ShardForBucket(bucket int) (int, error) {
	return m.resolve(bucket)
}

func (m *LegacyManager) BlacklistShard(ctx context.Context, shard int) error {
	if err := m.checkShard("blacklist_shard", shard); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := m.store.Blacklist(ctx, m.tenant, shard); err != nil {
		return err
	}
	m.recordEvent("blacklist", shard)
	return m.reload(ctx)
}

func (m *LegacyManager) UnblacklistShard(ctx context.Context, shard int) error {
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

func (m *LegacyManager) Refresh(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.reload(ctx)
}

// reload must be called with writeMu held
func (m *LegacyManager) reload(ctx context.Context) error {
	flags, err := m.loadBlacklist(ctx)
	if err != nil {
		return err
	}
	cur := m.table.Load()
	m.publish(&routingTable{owner: cur.owner, blacklisted: flags})
	return nil
}
