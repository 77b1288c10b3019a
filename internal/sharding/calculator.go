package sharding

import (
	"fmt"
	"sort"

	"github.com/23skdu/shardline/internal/bucket"
	serr "github.com/23skdu/shardline/internal/errors"
)

// Calculator composes a bucket extractor with the per-tenant managers:
// shardID(tenant, key) = managers[tenant].ShardForBucket(extractor.BucketID(tenant, key)).
// The manager map is fixed at construction and only read afterwards.
type Calculator struct {
	extractor bucket.Extractor
	managers  map[string]Manager
}

// NewCalculator creates a calculator. Every manager must share the extractor's bucket count.
func NewCalculator(extractor bucket.Extractor, managers map[string]Manager) (*Calculator, error) {
	copied := make(map[string]Manager, len(managers))
	for tenant, m := range managers {
		if m.BucketCount() != extractor.Count() {
			return nil, serr.NewConfigurationError("new_calculator",
				fmt.Sprintf("tenant %s has %d buckets, extractor has %d", tenant, m.BucketCount(), extractor.Count()))
		}
		copied[tenant] = m
	}
	return &Calculator{extractor: extractor, managers: copied}, nil
}

// Manager returns the manager of tenant or a configuration error wrapping ErrUnknownTenant
func (c *Calculator) Manager(tenant string) (Manager, error) {
	m, ok := c.managers[tenant]
	if !ok {
		return nil, serr.WrapConfigurationError(ErrUnknownTenant, "lookup_tenant", fmt.Sprintf("tenant %q is not configured", tenant))
	}
	return m, nil
}

// BucketID returns the bucket of key for tenant
func (c *Calculator) BucketID(tenant, key string) (int, error) {
	if _, err := c.Manager(tenant); err != nil {
		return 0, err
	}
	return c.extractor.BucketID(tenant, key), nil
}

// ShardID returns the shard that must serve key for tenant
func (c *Calculator) ShardID(tenant, key string) (int, error) {
	m, err := c.Manager(tenant)
	if err != nil {
		return 0, err
	}
	return m.ShardForBucket(c.extractor.BucketID(tenant, key))
}

// IsOnValidShard reports whether key currently routes to an active shard
func (c *Calculator) IsOnValidShard(tenant, key string) (bool, error) {
	m, err := c.Manager(tenant)
	if err != nil {
		return false, err
	}
	return m.IsMappedToValidShard(c.extractor.BucketID(tenant, key)), nil
}

// Extractor returns the bucket extractor shared by all tenants
func (c *Calculator) Extractor() bucket.Extractor {
	return c.extractor
}

// Tenants returns the configured tenant ids in ascending order
func (c *Calculator) Tenants() []string {
	out := make([]string, 0, len(c.managers))
	for t := range c.managers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
