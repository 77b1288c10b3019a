package txn

import (
	"context"
	"errors"

	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/entity"
)

// ErrNotFound is returned by operations that require an existing row
var ErrNotFound = errors.New("txn: entity not found")

// OpType identifies the kind of an OpContext
type OpType string

const (
	OpGet            OpType = "get"
	OpSave           OpType = "save"
	OpSaveAll        OpType = "save_all"
	OpUpdate         OpType = "update"
	OpUpdateByQuery  OpType = "update_by_query"
	OpUpdateAll      OpType = "update_all"
	OpDelete         OpType = "delete"
	OpCount          OpType = "count"
	OpSelect         OpType = "select"
	OpRunInSession   OpType = "run_in_session"
	OpScrollSelect   OpType = "scroll_select"
	OpLockAndExecute OpType = "lock_and_execute"
	OpCreateOrUpdate OpType = "create_or_update"
	OpReadOnly       OpType = "read_only"
)

// OpContext describes one persistence action. The concrete types in this package are
// the only implementations; observers switch on them to inspect parameters and
// results. Results are written into the OpContext once it has executed.
type OpContext interface {
	Type() OpType
	apply(ctx context.Context, u *Unit) error
}

// Encoder turns an entity into a row
type Encoder func(e any) (engine.Row, error)

// Decoder turns a row into an entity
type Decoder func(row engine.Row) (any, error)

// Mutator returns the entity to write back, or nil to leave the row untouched
type Mutator func(e any) (any, error)

// EntityMutator is implemented by operations that write entities. Hooks registered
// before execution run on every entity right before it is encoded and written.
type EntityMutator interface {
	OpContext
	BeforePersist(hook PersistHook)
}

// PersistHook may modify e before it is written. keys describes e's type.
type PersistHook func(keys entity.Keys, e any) error

// Hooks implements EntityMutator for the operations embedding it
type Hooks struct {
	hooks []PersistHook
}

func (h *Hooks) BeforePersist(hook PersistHook) {
	h.hooks = append(h.hooks, hook)
}

func (h *Hooks) persistHooks() []PersistHook {
	return h.hooks
}

type hooked interface {
	persistHooks() []PersistHook
}

// Entity bundles what is needed to write one entity type
type Entity struct {
	Table  engine.Table
	Keys   entity.Keys
	Encode Encoder
	Decode Decoder
}

// Get reads one row by primary key.
type Get struct {
	Entity Entity
	ID     any
	Lock   engine.LockMode

	Result any
}

func (o *Get) Type() OpType { return OpGet }

func (o *Get) apply(ctx context.Context, u *Unit) error {
	e, err := u.Get(ctx, o.Entity, o.ID, o.Lock)
	o.Result = e
	return err
}

// Save inserts or replaces one entity.
type Save struct {
	Hooks
	Entity Entity
	Value  any
}

func (o *Save) Type() OpType { return OpSave }

func (o *Save) apply(ctx context.Context, u *Unit) error {
	return u.Save(ctx, o.Entity, o.Value)
}

// SaveAll saves several entities of one shard in one unit of work.
type SaveAll struct {
	Hooks
	Entity Entity
	Values []any
}

func (o *SaveAll) Type() OpType { return OpSaveAll }

func (o *SaveAll) apply(ctx context.Context, u *Unit) error {
	for _, v := range o.Values {
		if err := u.Save(ctx, o.Entity, v); err != nil {
			return err
		}
	}
	return nil
}

// Update locks one row, passes the decoded entity to Mutate and writes back the result.
// A missing row leaves Updated false.
type Update struct {
	Hooks
	Entity Entity
	ID     any
	Mutate Mutator

	Updated bool
	Result  any
}

func (o *Update) Type() OpType { return OpUpdate }

func (o *Update) apply(ctx context.Context, u *Unit) error {
	cur, err := u.Get(ctx, o.Entity, o.ID, engine.LockForUpdate)
	if err != nil || cur == nil {
		return err
	}
	next, err := o.Mutate(cur)
	if err != nil || next == nil {
		o.Result = cur
		return err
	}
	o.Updated, err = u.Update(ctx, o.Entity, next)
	o.Result = next
	return err
}

// UpdateByQuery sets columns on every row matching Query.
type UpdateByQuery struct {
	Query engine.Query
	Set   engine.Row

	Affected int64
}

func (o *UpdateByQuery) Type() OpType { return OpUpdateByQuery }

func (o *UpdateByQuery) apply(ctx context.Context, u *Unit) error {
	n, err := u.Session.UpdateWhere(ctx, o.Query, o.Set)
	o.Affected = n
	return err
}

// UpdateAll walks the rows of Query in batches under lock, mutating each. Batches are
// paged by primary key, so a mutation that makes a row stop matching Query does not
// shift the rows still to come; Query's own ordering is ignored. Iteration ends early at
// the first entity for which Stop returns true.
type UpdateAll struct {
	Hooks
	Entity    Entity
	Query     engine.Query
	BatchSize int
	Mutate    Mutator
	Stop      func(e any) bool

	Updated int
}

func (o *UpdateAll) Type() OpType { return OpUpdateAll }

func (o *UpdateAll) apply(ctx context.Context, u *Unit) error {
	batch := o.BatchSize
	if batch <= 0 {
		batch = 100
	}
	key := o.Entity.Table.Key
	base := o.Query.ForUpdate()
	base.Orders = nil
	base = base.OrderBy(key, false)

	var last any
	for {
		q := base
		if last != nil {
			q = q.Where(key, engine.OpGt, last)
		}
		rows, err := u.Session.Select(ctx, q.Page(0, batch))
		if err != nil {
			return err
		}
		for _, row := range rows {
			last = row[key]
			e, err := o.Entity.Decode(row)
			if err != nil {
				return err
			}
			if o.Stop != nil && o.Stop(e) {
				return nil
			}
			next, err := o.Mutate(e)
			if err != nil {
				return err
			}
			if next == nil {
				continue
			}
			if _, err := u.Update(ctx, o.Entity, next); err != nil {
				return err
			}
			o.Updated++
		}
		if len(rows) < batch || last == nil {
			return nil
		}
	}
}

// Delete removes one row by primary key.
type Delete struct {
	Table engine.Table
	ID    any

	Deleted bool
}

func (o *Delete) Type() OpType { return OpDelete }

func (o *Delete) apply(ctx context.Context, u *Unit) error {
	n, err := u.Session.Delete(ctx, o.Table, o.ID)
	o.Deleted = n > 0
	return err
}

// Count counts the rows matching Query.
type Count struct {
	Query engine.Query

	Result int64
}

func (o *Count) Type() OpType { return OpCount }

func (o *Count) apply(ctx context.Context, u *Unit) error {
	n, err := u.Session.Count(ctx, o.Query)
	o.Result = n
	return err
}

// Select reads the rows matching Query.
type Select struct {
	Query engine.Query

	Result []engine.Row
}

func (o *Select) Type() OpType { return OpSelect }

func (o *Select) apply(ctx context.Context, u *Unit) error {
	rows, err := u.Session.Select(ctx, o.Query)
	o.Result = rows
	return err
}

// ScrollSelect reads one page of a cross-shard scroll from one shard.
type ScrollSelect struct {
	Query engine.Query

	Result []engine.Row
}

func (o *ScrollSelect) Type() OpType { return OpScrollSelect }

func (o *ScrollSelect) apply(ctx context.Context, u *Unit) error {
	rows, err := u.Session.Select(ctx, o.Query)
	o.Result = rows
	return err
}

// RunInSession hands the unit of work to a callback.
type RunInSession struct {
	Hooks
	Fn func(ctx context.Context, u *Unit) (any, error)

	Result any
}

func (o *RunInSession) Type() OpType { return OpRunInSession }

func (o *RunInSession) apply(ctx context.Context, u *Unit) error {
	res, err := o.Fn(ctx, u)
	o.Result = res
	return err
}

// LockMode of a LockAndExecute
type LockMode int

const (
	// LockRead locks an existing parent row.
	LockRead LockMode = iota
	// LockInsert saves a new parent and keeps its row locked.
	LockInsert
)

// Step is one queued operation of a locked or read-only context. parent is the entity
// the context was opened for.
type Step func(ctx context.Context, u *Unit, parent any) error

// LockAndExecute locks a parent row and runs the queued steps in order in the same unit
// of work.
type LockAndExecute struct {
	Hooks
	Mode   LockMode
	Entity Entity
	ID     any  // LockRead
	Value  any  // LockInsert
	Steps  []Step

	Result any
}

func (o *LockAndExecute) Type() OpType { return OpLockAndExecute }

func (o *LockAndExecute) apply(ctx context.Context, u *Unit) error {
	var parent any
	switch o.Mode {
	case LockInsert:
		if err := u.Save(ctx, o.Entity, o.Value); err != nil {
			return err
		}
		parent = o.Value
	default:
		e, err := u.Get(ctx, o.Entity, o.ID, engine.LockForUpdate)
		if err != nil {
			return err
		}
		if e == nil {
			return ErrNotFound
		}
		parent = e
	}

	for _, step := range o.Steps {
		if err := step(ctx, u, parent); err != nil {
			return err
		}
	}
	o.Result = parent
	return nil
}

// CreateOrUpdate locks the first row matching Query. Without a match Create builds a
// new entity which is saved; otherwise the match goes through Mutate.
type CreateOrUpdate struct {
	Hooks
	Entity Entity
	Query  engine.Query
	Create func() (any, error)
	Mutate Mutator

	Created bool
	Result  any
}

func (o *CreateOrUpdate) Type() OpType { return OpCreateOrUpdate }

func (o *CreateOrUpdate) apply(ctx context.Context, u *Unit) error {
	rows, err := u.Session.Select(ctx, o.Query.Page(0, 1).ForUpdate())
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		e, err := o.Create()
		if err != nil {
			return err
		}
		if err := u.Save(ctx, o.Entity, e); err != nil {
			return err
		}
		o.Created = true
		o.Result = e
		return nil
	}

	cur, err := o.Entity.Decode(rows[0])
	if err != nil {
		return err
	}
	next, err := o.Mutate(cur)
	if err != nil {
		return err
	}
	if next == nil {
		o.Result = cur
		return nil
	}
	if _, err := u.Update(ctx, o.Entity, next); err != nil {
		return err
	}
	o.Result = next
	return nil
}

// ReadOnly fetches data and runs the queued steps on it inside one read-only unit of
// work. Steps are skipped when Empty reports the fetched value as empty.
type ReadOnly struct {
	Fetch func(ctx context.Context, u *Unit) (any, error)
	Empty func(v any) bool
	Steps []Step

	Result any
}

func (o *ReadOnly) Type() OpType { return OpReadOnly }

func (o *ReadOnly) apply(ctx context.Context, u *Unit) error {
	v, err := o.Fetch(ctx, u)
	if err != nil {
		return err
	}
	o.Result = v
	if o.Empty != nil && o.Empty(v) {
		return nil
	}
	for _, step := range o.Steps {
		if err := step(ctx, u, v); err != nil {
			return err
		}
	}
	return nil
}
