// Package dao is the entity-level facade over the sharding and transaction layers.
//
// A lookup DAO serves top-level entities addressed by their lookup key. A relational DAO
// serves child entities that live on the shard of the parent key they are sharded by.
// Every call resolves the target shard through the tenant's calculator and runs as one
// operation of the tenant's transaction executor. The single-tenant variants fix the
// tenant to DefaultTenant and forward everything to their multi-tenant counterpart.
package dao

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/entity"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/sharding"
	"github.com/23skdu/shardline/internal/txn"
	"go.uber.org/zap"
)

// DefaultTenant is the tenant served by the single-tenant DAOs
const DefaultTenant = "default"

// DAO kinds reported to observers
const (
	KindLookup     = "lookup"
	KindRelational = "relational"
)

// Common errors returned by DAOs and their contexts.
var (
	ErrContextExecuted = errors.New("dao: context already executed")
	ErrScrollDirection = errors.New("dao: scroll pointer used in the wrong direction")
	ErrKeyMismatch     = errors.New("dao: entity does not belong to the given parent key")
	ErrRejected        = errors.New("dao: locked entity rejected by filter")
)

// Backend resolves the per-tenant collaborators of a DAO. tenant.Registry implements it.
type Backend interface {
	// Executor returns the transaction executor of tenant.
	Executor(tenant string) (*txn.Executor, error)
	// ShardID returns the shard that must serve key.
	ShardID(tenant, key string) (int, error)
	// Shards returns every shard index of tenant in ascending order.
	Shards(tenant string) ([]int, error)
	// ScatterGather returns the fan-out coordinator for cross-shard reads.
	ScatterGather() *sharding.ScatterGather
}

// core holds what both DAO kinds share for one entity type
type core[T any] struct {
	backend Backend
	desc    *entity.Descriptor[T]
	ent     txn.Entity
	kind    string
	logger  *zap.Logger
}

func newCore[T any](backend Backend, desc *entity.Descriptor[T], role entity.Role, kind string, logger *zap.Logger) (*core[T], error) {
	if backend == nil {
		return nil, serr.NewConfigurationError("new_dao", "backend is required")
	}
	if desc == nil {
		return nil, serr.NewConfigurationError("new_dao", "entity descriptor is required")
	}
	if err := desc.Require(role); err != nil {
		return nil, err
	}
	return &core[T]{
		backend: backend,
		desc:    desc,
		ent:     entityOf(desc),
		kind:    kind,
		logger:  logging.OrNop(logger).With(zap.String("entity", desc.EntityName()), zap.String("dao", kind)),
	}, nil
}

// entityOf binds the row mapping of T to the untyped operation layer
func entityOf[T any](desc *entity.Descriptor[T]) txn.Entity {
	return txn.Entity{
		Table: engine.Table{Name: desc.Table, Key: desc.IDColumn},
		Keys:  desc,
		Encode: func(e any) (engine.Row, error) {
			typed, ok := e.(*T)
			if !ok {
				return nil, fmt.Errorf("encoding %s: unexpected value of type %T", desc.EntityName(), e)
			}
			return entity.ToRow(typed)
		},
		Decode: func(row engine.Row) (any, error) {
			return entity.FromRow[T](row)
		},
	}
}

// Query starts a query over the entity's table
func (c *core[T]) Query() engine.Query {
	return engine.From(c.ent.Table)
}

// Descriptor returns the registered entity descriptor
func (c *core[T]) Descriptor() *entity.Descriptor[T] {
	return c.desc
}

type route struct {
	x     *txn.Executor
	shard int
}

func (c *core[T]) route(tenant, key string) (route, error) {
	x, err := c.backend.Executor(tenant)
	if err != nil {
		return route{}, err
	}
	shard, err := c.backend.ShardID(tenant, key)
	if err != nil {
		return route{}, err
	}
	return route{x: x, shard: shard}, nil
}

func (c *core[T]) run(ctx context.Context, r route, readOnly bool, command string, op txn.OpContext) error {
	return r.x.Execute(ctx, txn.Request{
		Shard:    r.shard,
		ReadOnly: readOnly,
		Command:  command,
		Entity:   c.desc.EntityName(),
		DaoKind:  c.kind,
	}, op)
}

// exec routes key and runs op on its shard
func (c *core[T]) exec(ctx context.Context, tenant, key string, readOnly bool, command string, op txn.OpContext) error {
	r, err := c.route(tenant, key)
	if err != nil {
		return err
	}
	return c.run(ctx, r, readOnly, command, op)
}

// table prefixes q with the entity table when the caller left it empty
func (c *core[T]) table(q engine.Query) engine.Query {
	if q.Table.Name == "" {
		q.Table = c.ent.Table
	}
	return q
}

func cast[T any](v any) *T {
	if v == nil {
		return nil
	}
	return v.(*T)
}

func castAll[T any](vs []any) []*T {
	out := make([]*T, len(vs))
	for i, v := range vs {
		out[i] = v.(*T)
	}
	return out
}

func (c *core[T]) decodeRows(rows []engine.Row) ([]*T, error) {
	out := make([]*T, 0, len(rows))
	for _, row := range rows {
		e, err := entity.FromRow[T](row)
		if err != nil {
			return nil, serr.WrapValidationError(err, "decode_row", c.desc.EntityName())
		}
		out = append(out, e)
	}
	return out, nil
}

// mutator adapts a typed mutation. Returning nil from fn leaves the row untouched.
// keyedMutator adapts fn to txn.Mutator and rejects results whose routing key is no
// longer key, since the row would then live on the wrong shard.
func (c *core[T]) keyedMutator(key string, fn func(*T) *T) txn.Mutator {
	return func(e any) (any, error) {
		next := fn(e.(*T))
		if next == nil {
			return nil, nil
		}
		if got := c.desc.Key(next); got != key {
			return nil, serr.WrapValidationError(ErrKeyMismatch, "update",
				fmt.Sprintf("%s mutated from key %q to %q", c.desc.EntityName(), key, got))
		}
		return next, nil
	}
}

func (c *core[T]) scatter(ctx context.Context, tenant string, readOnly bool, command string, build func() txn.OpContext, collect func(shard int, op txn.OpContext) error) error {
	x, err := c.backend.Executor(tenant)
	if err != nil {
		return err
	}
	shards, err := c.backend.Shards(tenant)
	if err != nil {
		return err
	}
	ops, err := sharding.Gather(ctx, c.backend.ScatterGather(), shards, func(ctx context.Context, shard int) (txn.OpContext, error) {
		op := build()
		if err := c.run(ctx, route{x: x, shard: shard}, readOnly, command, op); err != nil {
			return nil, err
		}
		return op, nil
	})
	if err != nil {
		return err
	}
	recordScatter(tenant, len(shards))
	for i, op := range ops {
		if err := collect(shards[i], op); err != nil {
			return err
		}
	}
	return nil
}

// ScatterGather runs q on every shard of tenant and concatenates the results in shard
// order. It visits every shard and is meant for administrative and reporting reads.
func (c *core[T]) ScatterGather(ctx context.Context, tenant string, q engine.Query) ([]*T, error) {
	q = c.table(q)
	var out []*T
	err := c.scatter(ctx, tenant, true, "scatter_gather",
		func() txn.OpContext { return &txn.Select{Query: q} },
		func(_ int, op txn.OpContext) error {
			items, err := c.decodeRows(op.(*txn.Select).Result)
			if err != nil {
				return err
			}
			out = append(out, items...)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CountAll counts the rows matching q across every shard of tenant
func (c *core[T]) CountAll(ctx context.Context, tenant string, q engine.Query) (int64, error) {
	q = c.table(q)
	var total int64
	err := c.scatter(ctx, tenant, true, "count_all",
		func() txn.OpContext { return &txn.Count{Query: q} },
		func(_ int, op txn.OpContext) error {
			total += op.(*txn.Count).Result
			return nil
		})
	return total, err
}
