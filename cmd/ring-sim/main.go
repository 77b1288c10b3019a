package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/23skdu/shardline/internal/sharding"
	"go.uber.org/zap"
)

// simResult is how one strategy reacted to a blacklisted shard
type simResult struct {
	Strategy sharding.Strategy
	Before   map[int]int
	After    map[int]int
	Moved    int
	Stranded int // buckets left on the blacklisted shard
}

// simulate blacklists victim and counts the buckets that changed shard
func simulate(ctx context.Context, m sharding.Manager, victim int) (simResult, error) {
	res := simResult{Strategy: m.Strategy()}
	before := make([]int, m.BucketCount())
	res.Before = make(map[int]int, m.NumShards())
	for b := range before {
		s, err := m.ShardForBucket(b)
		if err != nil {
			return res, err
		}
		before[b] = s
		res.Before[s]++
	}

	if err := m.BlacklistShard(ctx, victim); err != nil {
		return res, err
	}

	res.After = make(map[int]int, m.NumShards())
	for b, prev := range before {
		s, err := m.ShardForBucket(b)
		if errors.Is(err, sharding.ErrShardBlacklisted) {
			res.Stranded++
			continue
		}
		if err != nil {
			return res, err
		}
		res.After[s]++
		if s != prev {
			res.Moved++
		}
	}
	return res, nil
}

func newManager(ctx context.Context, strategy sharding.Strategy, shards, buckets, vnodes int) (sharding.Manager, error) {
	store := sharding.NewMemoryBlacklistStore()
	if strategy == sharding.StrategyLegacy {
		return sharding.NewLegacyManager(ctx, "sim", shards, buckets, store, zap.NewNop())
	}
	return sharding.NewBalancedManager(ctx, "sim", shards, buckets, vnodes, store, zap.NewNop())
}

func printResult(w io.Writer, r simResult, buckets int) {
	fmt.Fprintf(w, "%s\n", r.Strategy)
	shards := make([]int, 0, len(r.Before))
	for s := range r.Before {
		shards = append(shards, s)
	}
	sort.Ints(shards)
	for _, s := range shards {
		fmt.Fprintf(w, "  shard %d: %6d -> %6d\n", s, r.Before[s], r.After[s])
	}
	fmt.Fprintf(w, "  buckets moved: %d (%.2f%%)\n", r.Moved, float64(r.Moved)/float64(buckets)*100)
	fmt.Fprintf(w, "  buckets stranded: %d\n", r.Stranded)
}

func main() {
	shards := flag.Int("shards", 5, "number of shards")
	buckets := flag.Int("buckets", 1024, "number of buckets")
	vnodes := flag.Int("vnodes", sharding.DefaultVirtualNodes, "virtual nodes per shard on the ring")
	victim := flag.Int("blacklist", 0, "shard to blacklist")
	flag.Parse()

	ctx := context.Background()
	for _, strategy := range []sharding.Strategy{sharding.StrategyLegacy, sharding.StrategyBalanced} {
		m, err := newManager(ctx, strategy, *shards, *buckets, *vnodes)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		res, err := simulate(ctx, m, *victim)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		printResult(os.Stdout, res, *buckets)
	}
	fmt.Printf("Ideal move %%: %.2f%%\n", 100.0/float64(*shards))
}
