package sharding

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/shardline/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ScatterGather runs one function per shard and gathers the results in shard order.
// With parallelism 1 (the default) shards are visited serially, which keeps the
// connection footprint of an administrative query to one unit of work at a time.
type ScatterGather struct {
	parallelism int
	logger      *zap.Logger
}

// NewScatterGather creates a coordinator. parallelism <= 1 means serial execution.
func NewScatterGather(parallelism int, logger *zap.Logger) *ScatterGather {
	if parallelism < 1 {
		parallelism = 1
	}
	return &ScatterGather{
		parallelism: parallelism,
		logger:      logging.OrNop(logger),
	}
}

// Parallelism returns the maximum number of shards visited concurrently
func (sg *ScatterGather) Parallelism() int {
	return sg.parallelism
}

// ShardFn is executed once per shard
type ShardFn[T any] func(ctx context.Context, shard int) (T, error)

// Gather executes fn on every shard in shards and returns the results indexed like
// shards. The first failure cancels the remaining shards and is returned.
func Gather[T any](ctx context.Context, sg *ScatterGather, shards []int, fn ShardFn[T]) ([]T, error) {
	results := make([]T, len(shards))
	if len(shards) == 0 {
		return results, nil
	}

	if sg.parallelism == 1 {
		for i, shard := range shards {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := runShard(ctx, sg, shard, fn)
			if err != nil {
				return nil, err
			}
			results[i] = res
		}
		return results, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(sg.parallelism)
	for i, shard := range shards {
		idx, s := i, shard
		g.Go(func() error {
			res, err := runShard(gCtx, sg, s, fn)
			if err != nil {
				return err
			}
			results[idx] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runShard[T any](ctx context.Context, sg *ScatterGather, shard int, fn ShardFn[T]) (T, error) {
	start := time.Now()
	res, err := fn(ctx, shard)
	if err != nil {
		sg.logger.Warn("Scatter request failed",
			logging.Shard(shard),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)))
		var zero T
		return zero, fmt.Errorf("shard %d: %w", shard, err)
	}
	return res, nil
}
