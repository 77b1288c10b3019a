package dao

import (
	"context"
	"sync/atomic"

	"github.com/23skdu/shardline/internal/engine"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/txn"
)

// ReadOnlyContext fetches V (one entity or a list) in a read-only unit of work and runs
// the queued handlers on it before the unit of work closes. Related entities living on
// the same shard can be joined onto the fetched value with ReadAugmentParent and
// ReadOneAugmentParent.
type ReadOnlyContext[V any] struct {
	name      string
	exec      func(ctx context.Context, op txn.OpContext) error
	fetch     func(ctx context.Context, u *txn.Unit) (V, error)
	empty     func(V) bool
	steps     []txn.Step
	populator func(ctx context.Context) (bool, error)

	executed atomic.Bool
}

func newReadOnlyContext[T, V any](c *core[T], tenant, key string,
	fetch func(ctx context.Context, u *txn.Unit) (V, error), empty func(V) bool) *ReadOnlyContext[V] {
	return &ReadOnlyContext[V]{
		name: c.desc.EntityName(),
		exec: func(ctx context.Context, op txn.OpContext) error {
			return c.exec(ctx, tenant, key, true, "read_only", op)
		},
		fetch: fetch,
		empty: empty,
	}
}

// Apply queues fn to run on the fetched value inside the unit of work
func (rc *ReadOnlyContext[V]) Apply(fn func(v V) error) *ReadOnlyContext[V] {
	return rc.then(func(_ context.Context, _ *txn.Unit, v V) error {
		return fn(v)
	})
}

// WithPopulator sets a callback run when the fetch finds nothing. When it reports
// true the fetch is retried once.
func (rc *ReadOnlyContext[V]) WithPopulator(fn func(ctx context.Context) (bool, error)) *ReadOnlyContext[V] {
	rc.populator = fn
	return rc
}

func (rc *ReadOnlyContext[V]) then(step func(ctx context.Context, u *txn.Unit, v V) error) *ReadOnlyContext[V] {
	rc.steps = append(rc.steps, func(ctx context.Context, u *txn.Unit, parent any) error {
		return step(ctx, u, parent.(V))
	})
	return rc
}

// Execute fetches the value and runs the queued handlers. An empty fetch skips the
// handlers and returns the empty value without error.
func (rc *ReadOnlyContext[V]) Execute(ctx context.Context) (V, error) {
	var zero V
	if !rc.executed.CompareAndSwap(false, true) {
		return zero, serr.WrapProtocolError(ErrContextExecuted, "execute_read_only_context", rc.name)
	}

	v, found, err := rc.attempt(ctx)
	if err != nil || found || rc.populator == nil {
		return v, err
	}
	populated, err := rc.populator(ctx)
	if err != nil {
		return zero, err
	}
	if !populated {
		return v, nil
	}
	v, _, err = rc.attempt(ctx)
	return v, err
}

func (rc *ReadOnlyContext[V]) attempt(ctx context.Context) (V, bool, error) {
	var zero V
	op := &txn.ReadOnly{
		Fetch: func(ctx context.Context, u *txn.Unit) (any, error) {
			return rc.fetch(ctx, u)
		},
		Empty: func(v any) bool { return rc.empty(v.(V)) },
		Steps: rc.steps,
	}
	if err := rc.exec(ctx, op); err != nil {
		return zero, false, err
	}
	v, _ := op.Result.(V)
	return v, !rc.empty(v), nil
}

func relatedRows[C any](ctx context.Context, u *txn.Unit, related *MultiTenantRelationalDao[C],
	q engine.Query, filter func(*C) bool) ([]*C, error) {
	rows, err := u.Select(ctx, related.ent, related.table(q))
	if err != nil {
		return nil, err
	}
	out := make([]*C, 0, len(rows))
	for _, r := range rows {
		e := r.(*C)
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ReadAugmentParent queues a query of related entities built from the fetched value.
// The matches accepted by filter (nil accepts all) are handed to consume, which
// typically attaches them to the parent.
func ReadAugmentParent[V, C any](rc *ReadOnlyContext[V], related *MultiTenantRelationalDao[C],
	query func(parent V) engine.Query, filter func(*C) bool, consume func(parent V, children []*C)) *ReadOnlyContext[V] {
	return rc.then(func(ctx context.Context, u *txn.Unit, v V) error {
		children, err := relatedRows(ctx, u, related, query(v), filter)
		if err != nil {
			return err
		}
		consume(v, children)
		return nil
	})
}

// ReadOneAugmentParent is ReadAugmentParent handing only the first accepted match, or
// nil, to consume.
func ReadOneAugmentParent[V, C any](rc *ReadOnlyContext[V], related *MultiTenantRelationalDao[C],
	query func(parent V) engine.Query, filter func(*C) bool, consume func(parent V, child *C)) *ReadOnlyContext[V] {
	return rc.then(func(ctx context.Context, u *txn.Unit, v V) error {
		children, err := relatedRows(ctx, u, related, query(v), filter)
		if err != nil {
			return err
		}
		var first *C
		if len(children) > 0 {
			first = children[0]
		}
		consume(v, first)
		return nil
	})
}
