package sharding

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_Locate(t *testing.T) {
	r := NewRing(20)
	r.AddShard(1)
	r.AddShard(2)

	shard, ok := r.Locate("some-key")
	require.True(t, ok)
	assert.Contains(t, []int{1, 2}, shard)

	again, _ := r.Locate("some-key")
	assert.Equal(t, shard, again)
}

func TestRing_Distribution(t *testing.T) {
	r := NewRing(DefaultVirtualNodes)
	for s := 0; s < 5; s++ {
		r.AddShard(s)
	}

	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		shard, _ := r.Locate(fmt.Sprintf("key-%d", i))
		counts[shard]++
	}
	for s := 0; s < 5; s++ {
		assert.Greater(t, counts[s], 0, "shard %d received 0 keys", s)
	}
}

func TestRing_Empty(t *testing.T) {
	r := NewRing(10)
	_, ok := r.Locate("any-key")
	assert.False(t, ok)
}

func TestRing_SingleShard(t *testing.T) {
	r := NewRing(50)
	r.AddShard(7)
	for i := 0; i < 100; i++ {
		shard, ok := r.Locate(fmt.Sprintf("key-%d", i))
		require.True(t, ok)
		assert.Equal(t, 7, shard)
	}
}

func TestRing_DroppingShardOnlyMovesItsKeys(t *testing.T) {
	full, without := NewRing(64), NewRing(64)
	for s := 0; s < 4; s++ {
		full.AddShard(s)
		if s != 2 {
			without.AddShard(s)
		}
	}
	before := make(map[string]int)
	for i := 0; i < 500; i++ {
		k := bucketRingKey(i)
		before[k], _ = full.Locate(k)
	}

	for k, owner := range before {
		after, _ := without.Locate(k)
		if owner != 2 {
			assert.Equal(t, owner, after, "key %s moved off a surviving shard", k)
		} else {
			assert.NotEqual(t, 2, after)
		}
	}
}

func BenchmarkRing_Locate(b *testing.B) {
	r := NewRing(DefaultVirtualNodes)
	for s := 0; s < 16; s++ {
		r.AddShard(s)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Locate(bucketRingKey(i % 1024))
	}
}
