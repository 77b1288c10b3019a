// Package engine defines the persistence collaborator the routing core drives.
//
// An Engine opens units of work (Sessions) against one shard. The core never builds
// SQL itself: it hands tables, keys and Query values to a Session and lets the engine
// decide how to execute them.
package engine

import (
	"context"
	"errors"
)

// Common errors returned by engines.
var (
	ErrDuplicateKey    = errors.New("engine: duplicate key")
	ErrUnsupported     = errors.New("engine: operation not supported")
	ErrSessionClosed   = errors.New("engine: session closed")
	ErrNoTransaction   = errors.New("engine: no transaction in progress")
	ErrTxInProgress    = errors.New("engine: transaction already in progress")
	ErrReadOnly        = errors.New("engine: write in read-only transaction")
	ErrLockTimeout     = errors.New("engine: timed out waiting for row lock")
	ErrShardOutOfRange = errors.New("engine: shard out of range")
)

// Row is one record keyed by column name
type Row map[string]any

// Clone returns a shallow copy of r
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table names a table and its primary key column
type Table struct {
	Name string
	Key  string
}

// LockMode selects whether reads take a pessimistic row lock
type LockMode int

const (
	LockNone LockMode = iota
	// LockForUpdate holds the row lock until the session commits, rolls back or closes.
	LockForUpdate
)

// Session is a unit of work bound to one shard. Without Begin every call runs on its
// own; after Begin all calls share one transaction until Commit or Rollback.
// A Session is not safe for concurrent use.
type Session interface {
	ID() string
	Shard() int

	Begin(ctx context.Context, readOnly bool) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Close releases the session. An open transaction is rolled back.
	Close() error
	InTransaction() bool

	// Get returns the row with primary key id, or nil when there is none.
	Get(ctx context.Context, table Table, id any, lock LockMode) (Row, error)
	Insert(ctx context.Context, table Table, row Row) error
	// Update replaces the non-key columns of the row identified by row[table.Key].
	Update(ctx context.Context, table Table, row Row) (int64, error)
	Delete(ctx context.Context, table Table, id any) (int64, error)

	Select(ctx context.Context, q Query) ([]Row, error)
	// Count ignores the query's ordering and paging.
	Count(ctx context.Context, q Query) (int64, error)
	// UpdateWhere sets the given columns on every row matching the query's filters.
	UpdateWhere(ctx context.Context, q Query, set Row) (int64, error)
	// Exec runs a raw statement. Engines without a statement language return ErrUnsupported.
	Exec(ctx context.Context, stmt string, args ...any) (int64, error)
}

// Engine opens sessions against the shards of one tenant.
type Engine interface {
	Open(ctx context.Context, shard int) (Session, error)
	NumShards() int
	Close() error
}

// Upsert inserts row, or updates it when a row with the same key exists.
func Upsert(ctx context.Context, s Session, table Table, row Row) error {
	existing, err := s.Get(ctx, table, row[table.Key], LockNone)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.Insert(ctx, table, row)
	}
	_, err = s.Update(ctx, table, row)
	return err
}
