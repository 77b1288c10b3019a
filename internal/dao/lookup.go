package dao

import (
	"context"

	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/entity"
	"github.com/23skdu/shardline/internal/txn"
	"go.uber.org/zap"
)

// MultiTenantLookupDao serves top-level entities. The lookup key is the primary key and
// the routing key at the same time.
type MultiTenantLookupDao[T any] struct {
	*core[T]
}

// NewMultiTenantLookupDao validates desc, which must declare a lookup key
func NewMultiTenantLookupDao[T any](backend Backend, desc *entity.Descriptor[T], logger *zap.Logger) (*MultiTenantLookupDao[T], error) {
	c, err := newCore(backend, desc, entity.RoleLookup, KindLookup, logger)
	if err != nil {
		return nil, err
	}
	return &MultiTenantLookupDao[T]{core: c}, nil
}

// Get returns the entity stored under key, or nil when there is none
func (d *MultiTenantLookupDao[T]) Get(ctx context.Context, tenant, key string) (*T, error) {
	op := &txn.Get{Entity: d.ent, ID: key}
	if err := d.exec(ctx, tenant, key, true, "get", op); err != nil {
		return nil, err
	}
	return cast[T](op.Result), nil
}

// Save inserts or replaces e on the shard of its lookup key and returns it with the
// bucket key populated.
func (d *MultiTenantLookupDao[T]) Save(ctx context.Context, tenant string, e *T) (*T, error) {
	op := &txn.Save{Entity: d.ent, Value: e}
	if err := d.exec(ctx, tenant, d.desc.Key(e), false, "save", op); err != nil {
		return nil, err
	}
	return e, nil
}

// Update locks the row of key and writes back what mutate returns. Returning nil from
// mutate leaves the row untouched. Update reports whether a row was written.
func (d *MultiTenantLookupDao[T]) Update(ctx context.Context, tenant, key string, mutate func(*T) *T) (bool, error) {
	_, ok, err := d.GetAndUpdate(ctx, tenant, key, mutate)
	return ok, err
}

// GetAndUpdate is Update returning the entity as written, or as read when mutate
// declined the change.
func (d *MultiTenantLookupDao[T]) GetAndUpdate(ctx context.Context, tenant, key string, mutate func(*T) *T) (*T, bool, error) {
	op := &txn.Update{Entity: d.ent, ID: key, Mutate: d.keyedMutator(key, mutate)}
	if err := d.exec(ctx, tenant, key, false, "update", op); err != nil {
		return nil, false, err
	}
	return cast[T](op.Result), op.Updated, nil
}

// Delete removes the row of key and reports whether it existed
func (d *MultiTenantLookupDao[T]) Delete(ctx context.Context, tenant, key string) (bool, error) {
	op := &txn.Delete{Table: d.ent.Table, ID: key}
	if err := d.exec(ctx, tenant, key, false, "delete", op); err != nil {
		return false, err
	}
	return op.Deleted, nil
}

// Exists reports whether a row is stored under key
func (d *MultiTenantLookupDao[T]) Exists(ctx context.Context, tenant, key string) (bool, error) {
	e, err := d.Get(ctx, tenant, key)
	return e != nil, err
}

// GetAll reads several keys, one unit of work per shard involved. Missing keys are
// absent from the result.
func (d *MultiTenantLookupDao[T]) GetAll(ctx context.Context, tenant string, keys []string) (map[string]*T, error) {
	byShard := make(map[int][]string)
	var shards []int
	for _, key := range keys {
		shard, err := d.backend.ShardID(tenant, key)
		if err != nil {
			return nil, err
		}
		if _, seen := byShard[shard]; !seen {
			shards = append(shards, shard)
		}
		byShard[shard] = append(byShard[shard], key)
	}
	x, err := d.backend.Executor(tenant)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*T, len(keys))
	for _, shard := range shards {
		group := byShard[shard]
		op := &txn.RunInSession{Fn: func(ctx context.Context, u *txn.Unit) (any, error) {
			for _, key := range group {
				e, err := u.Get(ctx, d.ent, key, engine.LockNone)
				if err != nil {
					return nil, err
				}
				if e != nil {
					out[key] = e.(*T)
				}
			}
			return nil, nil
		}}
		if err := d.run(ctx, route{x: x, shard: shard}, true, "get_all", op); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// RunInSession runs fn in a unit of work on the shard of key
func (d *MultiTenantLookupDao[T]) RunInSession(ctx context.Context, tenant, key string, fn func(ctx context.Context, u *txn.Unit) error) error {
	op := &txn.RunInSession{Fn: func(ctx context.Context, u *txn.Unit) (any, error) {
		return nil, fn(ctx, u)
	}}
	return d.exec(ctx, tenant, key, false, "run_in_session", op)
}

// LockAndGetExecutor opens a locked context on the existing entity of key
func (d *MultiTenantLookupDao[T]) LockAndGetExecutor(tenant, key string) *LockedContext[T] {
	return newLockedContext(d.core, tenant, key, txn.LockRead, key, nil)
}

// SaveAndGetExecutor opens a locked context that first saves e and keeps it locked
func (d *MultiTenantLookupDao[T]) SaveAndGetExecutor(tenant string, e *T) *LockedContext[T] {
	return newLockedContext(d.core, tenant, d.desc.Key(e), txn.LockInsert, nil, e)
}

// ReadOnlyExecutor opens a read-only context on the entity of key
func (d *MultiTenantLookupDao[T]) ReadOnlyExecutor(tenant, key string) *ReadOnlyContext[*T] {
	return newReadOnlyContext(d.core, tenant, key,
		func(ctx context.Context, u *txn.Unit) (*T, error) {
			e, err := u.Get(ctx, d.ent, key, engine.LockNone)
			return cast[T](e), err
		},
		func(e *T) bool { return e == nil })
}

// LookupDao is MultiTenantLookupDao fixed to DefaultTenant
type LookupDao[T any] struct {
	mt *MultiTenantLookupDao[T]
}

// NewLookupDao creates a single-tenant lookup DAO
func NewLookupDao[T any](backend Backend, desc *entity.Descriptor[T], logger *zap.Logger) (*LookupDao[T], error) {
	mt, err := NewMultiTenantLookupDao(backend, desc, logger)
	if err != nil {
		return nil, err
	}
	return &LookupDao[T]{mt: mt}, nil
}

// MultiTenant returns the underlying DAO
func (d *LookupDao[T]) MultiTenant() *MultiTenantLookupDao[T] { return d.mt }

func (d *LookupDao[T]) Query() engine.Query { return d.mt.Query() }

func (d *LookupDao[T]) Get(ctx context.Context, key string) (*T, error) {
	return d.mt.Get(ctx, DefaultTenant, key)
}

func (d *LookupDao[T]) Save(ctx context.Context, e *T) (*T, error) {
	return d.mt.Save(ctx, DefaultTenant, e)
}

func (d *LookupDao[T]) Update(ctx context.Context, key string, mutate func(*T) *T) (bool, error) {
	return d.mt.Update(ctx, DefaultTenant, key, mutate)
}

func (d *LookupDao[T]) GetAndUpdate(ctx context.Context, key string, mutate func(*T) *T) (*T, bool, error) {
	return d.mt.GetAndUpdate(ctx, DefaultTenant, key, mutate)
}

func (d *LookupDao[T]) Delete(ctx context.Context, key string) (bool, error) {
	return d.mt.Delete(ctx, DefaultTenant, key)
}

func (d *LookupDao[T]) Exists(ctx context.Context, key string) (bool, error) {
	return d.mt.Exists(ctx, DefaultTenant, key)
}

func (d *LookupDao[T]) GetAll(ctx context.Context, keys []string) (map[string]*T, error) {
	return d.mt.GetAll(ctx, DefaultTenant, keys)
}

func (d *LookupDao[T]) RunInSession(ctx context.Context, key string, fn func(ctx context.Context, u *txn.Unit) error) error {
	return d.mt.RunInSession(ctx, DefaultTenant, key, fn)
}

func (d *LookupDao[T]) ScatterGather(ctx context.Context, q engine.Query) ([]*T, error) {
	return d.mt.ScatterGather(ctx, DefaultTenant, q)
}

func (d *LookupDao[T]) CountAll(ctx context.Context, q engine.Query) (int64, error) {
	return d.mt.CountAll(ctx, DefaultTenant, q)
}

func (d *LookupDao[T]) LockAndGetExecutor(key string) *LockedContext[T] {
	return d.mt.LockAndGetExecutor(DefaultTenant, key)
}

func (d *LookupDao[T]) SaveAndGetExecutor(e *T) *LockedContext[T] {
	return d.mt.SaveAndGetExecutor(DefaultTenant, e)
}

func (d *LookupDao[T]) ReadOnlyExecutor(key string) *ReadOnlyContext[*T] {
	return d.mt.ReadOnlyExecutor(DefaultTenant, key)
}

func (d *LookupDao[T]) ScrollDown(ctx context.Context, q engine.Query, ptr *ScrollPointer, pageSize int, sortField string) (*ScrollResult[T], error) {
	return d.mt.ScrollDown(ctx, DefaultTenant, q, ptr, pageSize, sortField)
}

func (d *LookupDao[T]) ScrollUp(ctx context.Context, q engine.Query, ptr *ScrollPointer, pageSize int, sortField string) (*ScrollResult[T], error) {
	return d.mt.ScrollUp(ctx, DefaultTenant, q, ptr, pageSize, sortField)
}
