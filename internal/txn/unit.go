package txn

import (
	"context"

	"github.com/23skdu/shardline/internal/engine"
)

// Unit is the open unit of work an operation executes against. Writes made through
// its entity methods run the operation's persist hooks first, so entities saved by
// chained steps get the same treatment as the operation's own entity.
type Unit struct {
	Session engine.Session
	hooks   []PersistHook
}

func newUnit(s engine.Session, op OpContext) *Unit {
	u := &Unit{Session: s}
	if h, ok := op.(hooked); ok {
		u.hooks = h.persistHooks()
	}
	return u
}

// Prepare runs the persist hooks on v
func (u *Unit) Prepare(ent Entity, v any) error {
	for _, hook := range u.hooks {
		if err := hook(ent.Keys, v); err != nil {
			return err
		}
	}
	return nil
}

// Apply runs op inside this unit of work. Entities op writes go through this unit's
// persist hooks, not op's own.
func (u *Unit) Apply(ctx context.Context, op OpContext) error {
	return op.apply(ctx, u)
}

// Get reads and decodes one entity; it returns nil when the row does not exist
func (u *Unit) Get(ctx context.Context, ent Entity, id any, lock engine.LockMode) (any, error) {
	row, err := u.Session.Get(ctx, ent.Table, id, lock)
	if err != nil || row == nil {
		return nil, err
	}
	return ent.Decode(row)
}

// Select reads and decodes the entities matching q
func (u *Unit) Select(ctx context.Context, ent Entity, q engine.Query) ([]any, error) {
	rows, err := u.Session.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		e, err := ent.Decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (u *Unit) encode(ent Entity, v any) (engine.Row, error) {
	if err := u.Prepare(ent, v); err != nil {
		return nil, err
	}
	return ent.Encode(v)
}

// Save inserts v or replaces the existing row with the same key
func (u *Unit) Save(ctx context.Context, ent Entity, v any) error {
	row, err := u.encode(ent, v)
	if err != nil {
		return err
	}
	return engine.Upsert(ctx, u.Session, ent.Table, row)
}

// Insert writes v, failing when its key already exists
func (u *Unit) Insert(ctx context.Context, ent Entity, v any) error {
	row, err := u.encode(ent, v)
	if err != nil {
		return err
	}
	return u.Session.Insert(ctx, ent.Table, row)
}

// Update rewrites the row of v and reports whether it existed
func (u *Unit) Update(ctx context.Context, ent Entity, v any) (bool, error) {
	row, err := u.encode(ent, v)
	if err != nil {
		return false, err
	}
	n, err := u.Session.Update(ctx, ent.Table, row)
	return n > 0, err
}
