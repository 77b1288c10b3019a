package sharding

import (
	"context"
	"fmt"
	"testing"

	"github.com/23skdu/shardline/internal/bucket"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalculator(t *testing.T) (*Calculator, *BalancedManager) {
	t.Helper()
	ctx := context.Background()
	t1, err := NewBalancedManager(ctx, "T1", 4, bucket.DefaultCount, 0, NewMemoryBlacklistStore(), nil)
	require.NoError(t, err)
	t2, err := NewLegacyManager(ctx, "T2", 2, bucket.DefaultCount, nil, nil)
	require.NoError(t, err)

	c, err := NewCalculator(bucket.NewHashExtractor(bucket.DefaultCount), map[string]Manager{"T1": t1, "T2": t2})
	require.NoError(t, err)
	return c, t1
}

func TestCalculator_StableShard(t *testing.T) {
	c, _ := newTestCalculator(t)

	first, err := c.ShardID("T1", "alice")
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		s, err := c.ShardID("T1", "alice")
		require.NoError(t, err)
		assert.Equal(t, first, s)
	}
	assert.Equal(t, []string{"T1", "T2"}, c.Tenants())
}

func TestCalculator_BlacklistReroutes(t *testing.T) {
	ctx := context.Background()
	c, m := newTestCalculator(t)

	// find a key that lands on shard 2
	var key string
	for i := 0; i < 500; i++ {
		k := fmt.Sprintf("user-%d", i)
		s, err := c.ShardID("T1", k)
		require.NoError(t, err)
		if s == 2 {
			key = k
			break
		}
	}
	require.NotEmpty(t, key, "no sample key routed to shard 2")

	require.NoError(t, m.BlacklistShard(ctx, 2))
	valid, err := c.IsOnValidShard("T1", key)
	require.NoError(t, err)
	assert.True(t, valid)

	s, err := c.ShardID("T1", key)
	require.NoError(t, err)
	assert.NotEqual(t, 2, s)
}

func TestCalculator_UnknownTenant(t *testing.T) {
	c, _ := newTestCalculator(t)

	_, err := c.ShardID("nope", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownTenant)
	assert.True(t, serr.IsType(err, serr.ErrorTypeConfiguration))

	_, err = c.BucketID("nope", "alice")
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestCalculator_BucketCountMismatch(t *testing.T) {
	m, err := NewLegacyManager(context.Background(), "T1", 2, 64, nil, nil)
	require.NoError(t, err)
	_, err = NewCalculator(bucket.NewHashExtractor(1024), map[string]Manager{"T1": m})
	require.Error(t, err)
	assert.True(t, serr.IsType(err, serr.ErrorTypeConfiguration))
}
