package sharding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/metrics"
	"go.uber.org/zap"
)

// Common errors returned by sharding operations.
var (
	ErrShardBlacklisted = errors.New("sharding: shard is blacklisted")
	ErrNoActiveShard    = errors.New("sharding: no active shard left")
	ErrInvalidShard     = errors.New("sharding: shard index out of range")
	ErrUnknownTenant    = errors.New("sharding: unknown tenant")
)

// Strategy names the bucket-to-shard assignment scheme of a Manager
type Strategy string

const (
	StrategyLegacy   Strategy = "legacy"
	StrategyBalanced Strategy = "balanced"
)

// Manager maps buckets to shards for one tenant and owns that tenant's blacklist state.
// All methods are safe for concurrent use; routing reads never block on administrative
// writes.
type Manager interface {
	// ShardForBucket returns the shard serving bucket. It panics when bucket is outside
	// [0, BucketCount()) and fails with ErrShardBlacklisted or ErrNoActiveShard when the
	// bucket has no valid shard.
	ShardForBucket(bucket int) (int, error)
	// IsMappedToValidShard reports whether bucket currently resolves to an active shard.
	IsMappedToValidShard(bucket int) bool
	BlacklistShard(ctx context.Context, shard int) error
	UnblacklistShard(ctx context.Context, shard int) error
	IsBlacklisted(shard int) bool
	// HealthStatus maps every shard to true when it is active.
	HealthStatus() map[int]bool
	// Refresh reloads blacklist state written to the store by other processes.
	Refresh(ctx context.Context) error
	NumShards() int
	BucketCount() int
	Strategy() Strategy
}

// routingTable is an immutable snapshot published through an atomic pointer
type routingTable struct {
	owner       []int  // bucket -> shard
	blacklisted []bool // shard -> blacklisted
}

func (t *routingTable) blacklistedCount() int {
	n := 0
	for _, b := range t.blacklisted {
		if b {
			n++
		}
	}
	return n
}

// base holds what both strategies share: the published table, the store and the
// writer lock that serializes administrative changes.
type base struct {
	tenant      string
	numShards   int
	bucketCount int
	store       BlacklistStore
	logger      *zap.Logger

	writeMu sync.Mutex
	table   atomic.Pointer[routingTable]
}

func newBase(tenant string, numShards, bucketCount int, store BlacklistStore, logger *zap.Logger) (*base, error) {
	if numShards <= 0 {
		return nil, serr.NewConfigurationError("new_shard_manager", fmt.Sprintf("invalid shard count %d", numShards)).
			WithContext("tenant", tenant)
	}
	if bucketCount < numShards {
		return nil, serr.NewConfigurationError("new_shard_manager",
			fmt.Sprintf("bucket count %d is smaller than shard count %d", bucketCount, numShards)).
			WithContext("tenant", tenant)
	}
	if store == nil {
		store = NoopBlacklistStore{}
	}
	return &base{
		tenant:      tenant,
		numShards:   numShards,
		bucketCount: bucketCount,
		store:       store,
		logger:      logging.OrNop(logger).With(logging.Tenant(tenant)),
	}, nil
}

func (b *base) NumShards() int   { return b.numShards }
func (b *base) BucketCount() int { return b.bucketCount }

func (b *base) checkBucket(bucket int) {
	if bucket < 0 || bucket >= b.bucketCount {
		panic(fmt.Sprintf("sharding: bucket %d outside [0, %d) for tenant %s", bucket, b.bucketCount, b.tenant))
	}
}

func (b *base) checkShard(op string, shard int) error {
	if shard < 0 || shard >= b.numShards {
		return serr.WrapValidationError(ErrInvalidShard, op, fmt.Sprintf("shard %d outside [0, %d)", shard, b.numShards)).
			WithContext("tenant", b.tenant)
	}
	return nil
}

// loadBlacklist reads the store into a shard-indexed flag slice
func (b *base) loadBlacklist(ctx context.Context) ([]bool, error) {
	shards, err := b.store.Blacklisted(ctx, b.tenant)
	if err != nil {
		return nil, serr.WrapPersistenceError(err, "load_blacklist", "reading blacklist store").WithContext("tenant", b.tenant)
	}
	flags := make([]bool, b.numShards)
	for _, s := range shards {
		if s >= 0 && s < b.numShards {
			flags[s] = true
		}
	}
	return flags, nil
}

func (b *base) resolve(bucket int) (int, error) {
	b.checkBucket(bucket)
	t := b.table.Load()
	shard := t.owner[bucket]
	if t.blacklisted[shard] {
		if t.blacklistedCount() == b.numShards {
			return shard, serr.WrapRoutingError(ErrNoActiveShard, "shard_for_bucket", "every shard is blacklisted").
				WithContext("tenant", b.tenant).WithContext("bucket", bucket)
		}
		return shard, serr.WrapRoutingError(ErrShardBlacklisted, "shard_for_bucket", fmt.Sprintf("bucket %d resolves to blacklisted shard %d", bucket, shard)).
			WithContext("tenant", b.tenant).WithContext("bucket", bucket).WithContext("shard", shard)
	}
	return shard, nil
}

func (b *base) IsMappedToValidShard(bucket int) bool {
	b.checkBucket(bucket)
	t := b.table.Load()
	return !t.blacklisted[t.owner[bucket]]
}

func (b *base) IsBlacklisted(shard int) bool {
	if shard < 0 || shard >= b.numShards {
		return false
	}
	return b.table.Load().blacklisted[shard]
}

func (b *base) HealthStatus() map[int]bool {
	t := b.table.Load()
	out := make(map[int]bool, b.numShards)
	for s := 0; s < b.numShards; s++ {
		out[s] = !t.blacklisted[s]
	}
	return out
}

func (b *base) publish(t *routingTable) {
	b.table.Store(t)
	metrics.BlacklistedShards.WithLabelValues(b.tenant).Set(float64(t.blacklistedCount()))
}

func (b *base) recordEvent(action string, shard int) {
	metrics.BlacklistEventsTotal.WithLabelValues(b.tenant, action).Inc()
	b.logger.Info("Shard blacklist state changed", zap.String("action", action), logging.Shard(shard))
}
