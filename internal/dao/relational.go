package dao

import (
	"context"
	"fmt"

	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/entity"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/txn"
	"go.uber.org/zap"
)

// MultiTenantRelationalDao serves entities sharded by the key of a parent. All rows of
// one parent key live on the same shard; ids are only unique within it.
type MultiTenantRelationalDao[T any] struct {
	*core[T]
}

// NewMultiTenantRelationalDao validates desc, which must declare a sharding key
func NewMultiTenantRelationalDao[T any](backend Backend, desc *entity.Descriptor[T], logger *zap.Logger) (*MultiTenantRelationalDao[T], error) {
	c, err := newCore(backend, desc, entity.RoleSharding, KindRelational, logger)
	if err != nil {
		return nil, err
	}
	return &MultiTenantRelationalDao[T]{core: c}, nil
}

func (d *MultiTenantRelationalDao[T]) owned(parentKey string, e *T) error {
	if key := d.desc.Key(e); key != parentKey {
		return serr.WrapValidationError(ErrKeyMismatch, "save",
			fmt.Sprintf("%s sharded by %q saved under %q", d.desc.EntityName(), key, parentKey))
	}
	return nil
}

// Get returns the entity with id under parentKey, or nil
func (d *MultiTenantRelationalDao[T]) Get(ctx context.Context, tenant, parentKey string, id any) (*T, error) {
	op := &txn.Get{Entity: d.ent, ID: id}
	if err := d.exec(ctx, tenant, parentKey, true, "get", op); err != nil {
		return nil, err
	}
	return cast[T](op.Result), nil
}

// Save inserts or replaces e, whose sharding key must equal parentKey
func (d *MultiTenantRelationalDao[T]) Save(ctx context.Context, tenant, parentKey string, e *T) (*T, error) {
	if err := d.owned(parentKey, e); err != nil {
		return nil, err
	}
	op := &txn.Save{Entity: d.ent, Value: e}
	if err := d.exec(ctx, tenant, parentKey, false, "save", op); err != nil {
		return nil, err
	}
	return e, nil
}

// SaveAll saves entities of one parent in a single unit of work
func (d *MultiTenantRelationalDao[T]) SaveAll(ctx context.Context, tenant, parentKey string, es []*T) error {
	values := make([]any, len(es))
	for i, e := range es {
		if err := d.owned(parentKey, e); err != nil {
			return err
		}
		values[i] = e
	}
	return d.exec(ctx, tenant, parentKey, false, "save_all", &txn.SaveAll{Entity: d.ent, Values: values})
}

// Update locks the row id and writes back what mutate returns; nil leaves it untouched
func (d *MultiTenantRelationalDao[T]) Update(ctx context.Context, tenant, parentKey string, id any, mutate func(*T) *T) (bool, error) {
	op := &txn.Update{Entity: d.ent, ID: id, Mutate: d.keyedMutator(parentKey, mutate)}
	if err := d.exec(ctx, tenant, parentKey, false, "update", op); err != nil {
		return false, err
	}
	return op.Updated, nil
}

// Delete removes the row id and reports whether it existed
func (d *MultiTenantRelationalDao[T]) Delete(ctx context.Context, tenant, parentKey string, id any) (bool, error) {
	op := &txn.Delete{Table: d.ent.Table, ID: id}
	if err := d.exec(ctx, tenant, parentKey, false, "delete", op); err != nil {
		return false, err
	}
	return op.Deleted, nil
}

// Exists reports whether row id is stored under parentKey
func (d *MultiTenantRelationalDao[T]) Exists(ctx context.Context, tenant, parentKey string, id any) (bool, error) {
	e, err := d.Get(ctx, tenant, parentKey, id)
	return e != nil, err
}

// Select runs q on the shard of parentKey. q should filter by the parent.
func (d *MultiTenantRelationalDao[T]) Select(ctx context.Context, tenant, parentKey string, q engine.Query) ([]*T, error) {
	op := &txn.Select{Query: d.table(q)}
	if err := d.exec(ctx, tenant, parentKey, true, "select", op); err != nil {
		return nil, err
	}
	return d.decodeRows(op.Result)
}

// Count counts the rows matching q on the shard of parentKey
func (d *MultiTenantRelationalDao[T]) Count(ctx context.Context, tenant, parentKey string, q engine.Query) (int64, error) {
	op := &txn.Count{Query: d.table(q)}
	if err := d.exec(ctx, tenant, parentKey, true, "count", op); err != nil {
		return 0, err
	}
	return op.Result, nil
}

// UpdateByQuery sets columns on every row matching q on the shard of parentKey
func (d *MultiTenantRelationalDao[T]) UpdateByQuery(ctx context.Context, tenant, parentKey string, q engine.Query, set engine.Row) (int64, error) {
	op := &txn.UpdateByQuery{Query: d.table(q), Set: set}
	if err := d.exec(ctx, tenant, parentKey, false, "update_by_query", op); err != nil {
		return 0, err
	}
	return op.Affected, nil
}

// UpdateAll mutates the rows matching q in batches under lock and returns how many were
// written. It stops at the first row for which stop returns true; stop may be nil.
func (d *MultiTenantRelationalDao[T]) UpdateAll(ctx context.Context, tenant, parentKey string, q engine.Query,
	batchSize int, mutate func(*T) *T, stop func(*T) bool) (int, error) {
	op := &txn.UpdateAll{Entity: d.ent, Query: d.table(q), BatchSize: batchSize, Mutate: d.keyedMutator(parentKey, mutate)}
	if stop != nil {
		op.Stop = func(e any) bool { return stop(e.(*T)) }
	}
	if err := d.exec(ctx, tenant, parentKey, false, "update_all", op); err != nil {
		return 0, err
	}
	return op.Updated, nil
}

// CreateOrUpdate locks the first row matching q and passes it to mutate, or saves the
// entity built by create when nothing matches. It reports whether a row was created.
func (d *MultiTenantRelationalDao[T]) CreateOrUpdate(ctx context.Context, tenant, parentKey string, q engine.Query,
	create func() *T, mutate func(*T) *T) (*T, bool, error) {
	op := &txn.CreateOrUpdate{
		Entity: d.ent,
		Query:  d.table(q),
		Create: func() (any, error) {
			e := create()
			if err := d.owned(parentKey, e); err != nil {
				return nil, err
			}
			return e, nil
		},
		Mutate: d.keyedMutator(parentKey, mutate),
	}
	if err := d.exec(ctx, tenant, parentKey, false, "create_or_update", op); err != nil {
		return nil, false, err
	}
	return cast[T](op.Result), op.Created, nil
}

// RunWithQuery runs q and hands the results to fn while the unit of work is still open
func (d *MultiTenantRelationalDao[T]) RunWithQuery(ctx context.Context, tenant, parentKey string, q engine.Query,
	fn func(ctx context.Context, u *txn.Unit, rows []*T) error) error {
	q = d.table(q)
	op := &txn.RunInSession{Fn: func(ctx context.Context, u *txn.Unit) (any, error) {
		rows, err := u.Select(ctx, d.ent, q)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, u, castAll[T](rows))
	}}
	return d.exec(ctx, tenant, parentKey, false, "run_with_query", op)
}

// RunInSession runs fn in a unit of work on the shard of parentKey
func (d *MultiTenantRelationalDao[T]) RunInSession(ctx context.Context, tenant, parentKey string, fn func(ctx context.Context, u *txn.Unit) error) error {
	op := &txn.RunInSession{Fn: func(ctx context.Context, u *txn.Unit) (any, error) {
		return nil, fn(ctx, u)
	}}
	return d.exec(ctx, tenant, parentKey, false, "run_in_session", op)
}

// LockAndGetExecutor opens a locked context on the existing row id under parentKey
func (d *MultiTenantRelationalDao[T]) LockAndGetExecutor(tenant, parentKey string, id any) *LockedContext[T] {
	return newLockedContext(d.core, tenant, parentKey, txn.LockRead, id, nil)
}

// SaveAndGetExecutor opens a locked context that first saves e and keeps it locked
func (d *MultiTenantRelationalDao[T]) SaveAndGetExecutor(tenant string, e *T) *LockedContext[T] {
	return newLockedContext(d.core, tenant, d.desc.Key(e), txn.LockInsert, nil, e)
}

// ReadOnlyExecutor opens a read-only context on the rows matching q under parentKey
func (d *MultiTenantRelationalDao[T]) ReadOnlyExecutor(tenant, parentKey string, q engine.Query) *ReadOnlyContext[[]*T] {
	q = d.table(q)
	return newReadOnlyContext(d.core, tenant, parentKey,
		func(ctx context.Context, u *txn.Unit) ([]*T, error) {
			rows, err := u.Select(ctx, d.ent, q)
			if err != nil {
				return nil, err
			}
			return castAll[T](rows), nil
		},
		func(rows []*T) bool { return len(rows) == 0 })
}

// RelationalDao is MultiTenantRelationalDao fixed to DefaultTenant
type RelationalDao[T any] struct {
	mt *MultiTenantRelationalDao[T]
}

// NewRelationalDao creates a single-tenant relational DAO
func NewRelationalDao[T any](backend Backend, desc *entity.Descriptor[T], logger *zap.Logger) (*RelationalDao[T], error) {
	mt, err := NewMultiTenantRelationalDao(backend, desc, logger)
	if err != nil {
		return nil, err
	}
	return &RelationalDao[T]{mt: mt}, nil
}

// MultiTenant returns the underlying DAO, e.g. to pass it to SaveChild
func (d *RelationalDao[T]) MultiTenant() *MultiTenantRelationalDao[T] { return d.mt }

func (d *RelationalDao[T]) Query() engine.Query { return d.mt.Query() }

func (d *RelationalDao[T]) Get(ctx context.Context, parentKey string, id any) (*T, error) {
	return d.mt.Get(ctx, DefaultTenant, parentKey, id)
}

func (d *RelationalDao[T]) Save(ctx context.Context, parentKey string, e *T) (*T, error) {
	return d.mt.Save(ctx, DefaultTenant, parentKey, e)
}

func (d *RelationalDao[T]) SaveAll(ctx context.Context, parentKey string, es []*T) error {
	return d.mt.SaveAll(ctx, DefaultTenant, parentKey, es)
}

func (d *RelationalDao[T]) Update(ctx context.Context, parentKey string, id any, mutate func(*T) *T) (bool, error) {
	return d.mt.Update(ctx, DefaultTenant, parentKey, id, mutate)
}

func (d *RelationalDao[T]) Delete(ctx context.Context, parentKey string, id any) (bool, error) {
	return d.mt.Delete(ctx, DefaultTenant, parentKey, id)
}

func (d *RelationalDao[T]) Exists(ctx context.Context, parentKey string, id any) (bool, error) {
	return d.mt.Exists(ctx, DefaultTenant, parentKey, id)
}

func (d *RelationalDao[T]) Select(ctx context.Context, parentKey string, q engine.Query) ([]*T, error) {
	return d.mt.Select(ctx, DefaultTenant, parentKey, q)
}

func (d *RelationalDao[T]) Count(ctx context.Context, parentKey string, q engine.Query) (int64, error) {
	return d.mt.Count(ctx, DefaultTenant, parentKey, q)
}

func (d *RelationalDao[T]) UpdateByQuery(ctx context.Context, parentKey string, q engine.Query, set engine.Row) (int64, error) {
	return d.mt.UpdateByQuery(ctx, DefaultTenant, parentKey, q, set)
}

func (d *RelationalDao[T]) UpdateAll(ctx context.Context, parentKey string, q engine.Query, batchSize int, mutate func(*T) *T, stop func(*T) bool) (int, error) {
	return d.mt.UpdateAll(ctx, DefaultTenant, parentKey, q, batchSize, mutate, stop)
}

func (d *RelationalDao[T]) CreateOrUpdate(ctx context.Context, parentKey string, q engine.Query, create func() *T, mutate func(*T) *T) (*T, bool, error) {
	return d.mt.CreateOrUpdate(ctx, DefaultTenant, parentKey, q, create, mutate)
}

func (d *RelationalDao[T]) RunWithQuery(ctx context.Context, parentKey string, q engine.Query, fn func(ctx context.Context, u *txn.Unit, rows []*T) error) error {
	return d.mt.RunWithQuery(ctx, DefaultTenant, parentKey, q, fn)
}

func (d *RelationalDao[T]) RunInSession(ctx context.Context, parentKey string, fn func(ctx context.Context, u *txn.Unit) error) error {
	return d.mt.RunInSession(ctx, DefaultTenant, parentKey, fn)
}

func (d *RelationalDao[T]) ScatterGather(ctx context.Context, q engine.Query) ([]*T, error) {
	return d.mt.ScatterGather(ctx, DefaultTenant, q)
}

func (d *RelationalDao[T]) CountAll(ctx context.Context, q engine.Query) (int64, error) {
	return d.mt.CountAll(ctx, DefaultTenant, q)
}

func (d *RelationalDao[T]) ScrollDown(ctx context.Context, q engine.Query, ptr *ScrollPointer, pageSize int, sortField string) (*ScrollResult[T], error) {
	return d.mt.ScrollDown(ctx, DefaultTenant, q, ptr, pageSize, sortField)
}

func (d *RelationalDao[T]) ScrollUp(ctx context.Context, q engine.Query, ptr *ScrollPointer, pageSize int, sortField string) (*ScrollResult[T], error) {
	return d.mt.ScrollUp(ctx, DefaultTenant, q, ptr, pageSize, sortField)
}

func (d *RelationalDao[T]) LockAndGetExecutor(parentKey string, id any) *LockedContext[T] {
	return d.mt.LockAndGetExecutor(DefaultTenant, parentKey, id)
}

func (d *RelationalDao[T]) SaveAndGetExecutor(e *T) *LockedContext[T] {
	return d.mt.SaveAndGetExecutor(DefaultTenant, e)
}

func (d *RelationalDao[T]) ReadOnlyExecutor(parentKey string, q engine.Query) *ReadOnlyContext[[]*T] {
	return d.mt.ReadOnlyExecutor(DefaultTenant, parentKey, q)
}
