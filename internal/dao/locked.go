package dao

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/23skdu/shardline/internal/engine"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/txn"
)

// LockedContext chains writes under the row lock of one parent entity. Steps are queued
// by the methods below and the package-level builders (SaveChild, SaveChildren,
// CreateOrUpdateChild, UpdateChildren) and run in FIFO order in a single unit of work
// when Execute is called. They commit or roll back together. A context executes once.
//
// Child entities must be sharded by the parent's routing key, so they live on the
// parent's shard.
type LockedContext[T any] struct {
	c      *core[T]
	tenant string
	key    string
	mode   txn.LockMode
	id     any
	value  *T
	steps  []txn.Step

	executed atomic.Bool
}

func newLockedContext[T any](c *core[T], tenant, key string, mode txn.LockMode, id any, value *T) *LockedContext[T] {
	return &LockedContext[T]{c: c, tenant: tenant, key: key, mode: mode, id: id, value: value}
}

// Key returns the routing key the context is locked on
func (lc *LockedContext[T]) Key() string {
	return lc.key
}

// Then queues a custom step
func (lc *LockedContext[T]) Then(step func(ctx context.Context, u *txn.Unit, parent *T) error) *LockedContext[T] {
	lc.steps = append(lc.steps, func(ctx context.Context, u *txn.Unit, parent any) error {
		return step(ctx, u, parent.(*T))
	})
	return lc
}

// Mutate queues an in-place change of the locked parent, written back immediately
func (lc *LockedContext[T]) Mutate(fn func(parent *T)) *LockedContext[T] {
	ent := lc.c.ent
	keep := lc.c.keyedMutator(lc.key, func(p *T) *T { fn(p); return p })
	return lc.Then(func(ctx context.Context, u *txn.Unit, parent *T) error {
		if _, err := keep(parent); err != nil {
			return err
		}
		_, err := u.Update(ctx, ent, parent)
		return err
	})
}

// Filter aborts the context, rolling back earlier steps, when pred rejects the parent.
// The returned error wraps ErrRejected.
func (lc *LockedContext[T]) Filter(pred func(parent *T) bool) *LockedContext[T] {
	return lc.Then(func(_ context.Context, _ *txn.Unit, parent *T) error {
		if pred(parent) {
			return nil
		}
		return serr.WrapValidationError(ErrRejected, "locked_filter", lc.c.desc.EntityName())
	})
}

// Execute locks the parent, runs the queued steps and commits. It returns the parent as
// last seen by the steps. A LockAndGetExecutor context on a missing parent fails with
// txn.ErrNotFound.
func (lc *LockedContext[T]) Execute(ctx context.Context) (*T, error) {
	if !lc.executed.CompareAndSwap(false, true) {
		return nil, serr.WrapProtocolError(ErrContextExecuted, "execute_locked_context", lc.c.desc.EntityName())
	}
	op := &txn.LockAndExecute{
		Mode:   lc.mode,
		Entity: lc.c.ent,
		ID:     lc.id,
		Value:  lc.value,
		Steps:  lc.steps,
	}
	if lc.mode == txn.LockInsert {
		op.ID = nil
	}
	if err := lc.c.exec(ctx, lc.tenant, lc.key, false, "lock_and_execute", op); err != nil {
		return nil, err
	}
	return cast[T](op.Result), nil
}

func checkChild[C any](child *MultiTenantRelationalDao[C], parentKey string, e *C) error {
	if key := child.desc.Key(e); key != parentKey {
		return serr.WrapValidationError(ErrKeyMismatch, "save_child",
			fmt.Sprintf("%s sharded by %q inside context of %q", child.desc.EntityName(), key, parentKey))
	}
	return nil
}

// SaveChild queues saving the child built from the parent. Returning nil skips the save.
func SaveChild[T, C any](lc *LockedContext[T], child *MultiTenantRelationalDao[C], build func(parent *T) *C) *LockedContext[T] {
	return lc.Then(func(ctx context.Context, u *txn.Unit, parent *T) error {
		e := build(parent)
		if e == nil {
			return nil
		}
		if err := checkChild(child, lc.key, e); err != nil {
			return err
		}
		return u.Save(ctx, child.ent, e)
	})
}

// SaveChildren queues saving every child built from the parent
func SaveChildren[T, C any](lc *LockedContext[T], child *MultiTenantRelationalDao[C], build func(parent *T) []*C) *LockedContext[T] {
	return lc.Then(func(ctx context.Context, u *txn.Unit, parent *T) error {
		for _, e := range build(parent) {
			if err := checkChild(child, lc.key, e); err != nil {
				return err
			}
			if err := u.Save(ctx, child.ent, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateOrUpdateChild queues a conditional write: the first child matching query is
// locked and passed to mutate, otherwise create builds a new child which is saved.
func CreateOrUpdateChild[T, C any](lc *LockedContext[T], child *MultiTenantRelationalDao[C],
	query func(parent *T) engine.Query, create func(parent *T) *C, mutate func(*C) *C) *LockedContext[T] {
	return lc.Then(func(ctx context.Context, u *txn.Unit, parent *T) error {
		op := &txn.CreateOrUpdate{
			Entity: child.ent,
			Query:  child.table(query(parent)),
			Create: func() (any, error) {
				e := create(parent)
				if err := checkChild(child, lc.key, e); err != nil {
					return nil, err
				}
				return e, nil
			},
			Mutate: child.keyedMutator(lc.key, mutate),
		}
		return u.Apply(ctx, op)
	})
}

// UpdateChildren queues a batched update of the children matching query. Iteration
// stops at the first child for which stop returns true; stop may be nil.
func UpdateChildren[T, C any](lc *LockedContext[T], child *MultiTenantRelationalDao[C],
	query func(parent *T) engine.Query, batchSize int, mutate func(*C) *C, stop func(*C) bool) *LockedContext[T] {
	return lc.Then(func(ctx context.Context, u *txn.Unit, parent *T) error {
		op := &txn.UpdateAll{
			Entity:    child.ent,
			Query:     child.table(query(parent)),
			BatchSize: batchSize,
			Mutate:    child.keyedMutator(lc.key, mutate),
		}
		if stop != nil {
			op.Stop = func(e any) bool { return stop(e.(*C)) }
		}
		return u.Apply(ctx, op)
	})
}
