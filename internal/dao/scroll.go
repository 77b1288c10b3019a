package dao

import (
	"context"
	"fmt"
	"maps"

	"github.com/23skdu/shardline/internal/engine"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/metrics"
	"github.com/23skdu/shardline/internal/sharding"
	"github.com/23skdu/shardline/internal/txn"
)

// ScrollDirection is the direction of a cross-shard scroll
type ScrollDirection int

const (
	// ScrollDownward walks the sort field in ascending order.
	ScrollDownward ScrollDirection = iota
	// ScrollUpward walks the sort field in descending order.
	ScrollUpward
)

func (d ScrollDirection) String() string {
	if d == ScrollUpward {
		return "up"
	}
	return "down"
}

// ScrollPointer is the resumable position of one scroll: how many rows of each shard have
// been emitted so far. A pointer belongs to one logical scan and one direction.
type ScrollPointer struct {
	direction ScrollDirection
	offsets   map[int]int
	// upper bound of the sort field for upward scrolls, fixed on the first page
	ceiling any
}

// NewScrollPointer returns an empty pointer for direction
func NewScrollPointer(direction ScrollDirection) *ScrollPointer {
	return &ScrollPointer{direction: direction, offsets: make(map[int]int)}
}

// Direction returns the direction the pointer was created for
func (p *ScrollPointer) Direction() ScrollDirection {
	return p.direction
}

// OffsetForShard returns the number of rows of shard already emitted
func (p *ScrollPointer) OffsetForShard(shard int) int {
	return p.offsets[shard]
}

func (p *ScrollPointer) String() string {
	return fmt.Sprintf("scroll(%s, %v)", p.direction, p.offsets)
}

func (p *ScrollPointer) advance(emitted []sharding.Tagged[engine.Row]) *ScrollPointer {
	next := &ScrollPointer{direction: p.direction, offsets: maps.Clone(p.offsets), ceiling: p.ceiling}
	if next.offsets == nil {
		next.offsets = make(map[int]int, len(emitted))
	}
	for _, t := range emitted {
		next.offsets[t.Shard]++
	}
	return next
}

// ScrollResult is one page of a scroll with the pointer to pass to the next call
type ScrollResult[T any] struct {
	Pointer *ScrollPointer
	Items   []*T
}

// ScrollDown returns the next page of rows matching q across all shards of tenant in
// ascending order of sortField. Pass a nil pointer to start and the returned pointer to
// continue; an empty page ends the scan. Rows inserted during the scan are picked up
// when they sort after the current position. q must not change between calls, and any
// ordering it carries is replaced by sortField. The zero ScrollPointer is a valid start.
func (c *core[T]) ScrollDown(ctx context.Context, tenant string, q engine.Query, ptr *ScrollPointer, pageSize int, sortField string) (*ScrollResult[T], error) {
	return c.scroll(ctx, tenant, q, ptr, ScrollDownward, pageSize, sortField)
}

// ScrollUp is ScrollDown in descending order of sortField. The scan is bounded by the
// highest value present on its first page, so rows inserted afterwards are not returned.
func (c *core[T]) ScrollUp(ctx context.Context, tenant string, q engine.Query, ptr *ScrollPointer, pageSize int, sortField string) (*ScrollResult[T], error) {
	return c.scroll(ctx, tenant, q, ptr, ScrollUpward, pageSize, sortField)
}

func (c *core[T]) scroll(ctx context.Context, tenant string, q engine.Query, ptr *ScrollPointer,
	dir ScrollDirection, pageSize int, sortField string) (*ScrollResult[T], error) {
	op := "scroll_" + dir.String()
	if ptr == nil {
		ptr = NewScrollPointer(dir)
	}
	if ptr.direction != dir {
		return nil, serr.WrapProtocolError(ErrScrollDirection, op,
			fmt.Sprintf("pointer created for scroll %s", ptr.direction))
	}
	if pageSize <= 0 {
		return nil, serr.NewValidationError(op, "page size must be positive")
	}
	if sortField == "" {
		return nil, serr.NewValidationError(op, "sort field is required")
	}

	base := c.table(q)
	if dir == ScrollUpward && ptr.ceiling != nil {
		base = base.Where(sortField, engine.OpLe, ptr.ceiling)
	}
	// per-shard offsets only line up with the merge when sortField is the sole ordering
	base.Orders = nil
	base = base.OrderBy(sortField, dir == ScrollUpward)

	x, err := c.backend.Executor(tenant)
	if err != nil {
		return nil, err
	}
	shards, err := c.backend.Shards(tenant)
	if err != nil {
		return nil, err
	}
	perShard, err := sharding.Gather(ctx, c.backend.ScatterGather(), shards, func(ctx context.Context, shard int) ([]engine.Row, error) {
		sel := &txn.ScrollSelect{Query: base.Page(ptr.OffsetForShard(shard), pageSize)}
		if err := c.run(ctx, route{x: x, shard: shard}, true, op, sel); err != nil {
			return nil, err
		}
		return sel.Result, nil
	})
	if err != nil {
		return nil, err
	}
	recordScatter(tenant, len(shards))

	compare := func(a, b engine.Row) int {
		r, _ := engine.Compare(a[sortField], b[sortField])
		if dir == ScrollUpward {
			return -r
		}
		return r
	}
	merged := sharding.MergeTopK(shards, perShard, compare, pageSize)

	next := ptr.advance(merged)
	if dir == ScrollUpward && next.ceiling == nil && len(merged) > 0 {
		next.ceiling = merged[0].Item[sortField]
	}

	rows := make([]engine.Row, len(merged))
	for i, t := range merged {
		rows[i] = t.Item
	}
	items, err := c.decodeRows(rows)
	if err != nil {
		return nil, err
	}
	metrics.ScrollRowsTotal.WithLabelValues(tenant, dir.String()).Add(float64(len(items)))
	return &ScrollResult[T]{Pointer: next, Items: items}, nil
}

func recordScatter(tenant string, shards int) {
	metrics.ScatterGatherShardsTotal.WithLabelValues(tenant).Add(float64(shards))
}
