// Package sqldb runs sessions on database/sql, one *sql.DB per shard.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Engine opens sessions on per-shard connection pools
type Engine struct {
	dialect Dialect
	dbs     []*sql.DB
	logger  *zap.Logger
}

// New wraps already opened pools, dbs[i] serving shard i
func New(dialect Dialect, dbs []*sql.DB, logger *zap.Logger) *Engine {
	return &Engine{dialect: dialect, dbs: dbs, logger: logging.OrNop(logger)}
}

// Open opens one pool per DSN with the dialect's driver. The driver package must be
// imported by the binary.
func Open(dialect Dialect, dsns []string, logger *zap.Logger) (*Engine, error) {
	dbs := make([]*sql.DB, 0, len(dsns))
	for i, dsn := range dsns {
		db, err := sql.Open(dialect.Driver, dsn)
		if err != nil {
			for _, opened := range dbs {
				_ = opened.Close()
			}
			return nil, errors.Wrapf(err, "opening shard %d", i)
		}
		dbs = append(dbs, db)
	}
	return New(dialect, dbs, logger), nil
}

// Dialect returns the engine's dialect
func (e *Engine) Dialect() Dialect {
	return e.dialect
}

// DB returns the pool of shard, for migrations and tooling
func (e *Engine) DB(shard int) *sql.DB {
	return e.dbs[shard]
}

// Open implements engine.Engine.
func (e *Engine) Open(_ context.Context, shard int) (engine.Session, error) {
	if shard < 0 || shard >= len(e.dbs) {
		return nil, fmt.Errorf("%w: %d of %d", engine.ErrShardOutOfRange, shard, len(e.dbs))
	}
	return &session{id: uuid.NewString(), shard: shard, e: e, db: e.dbs[shard]}, nil
}

// NumShards implements engine.Engine.
func (e *Engine) NumShards() int {
	return len(e.dbs)
}

// Close implements engine.Engine.
func (e *Engine) Close() error {
	var first error
	for i, db := range e.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "closing shard %d", i)
		}
	}
	return first
}

// Ping checks every shard, returning the shards that failed
func (e *Engine) Ping(ctx context.Context) map[int]error {
	failed := make(map[int]error)
	for i, db := range e.dbs {
		if err := db.PingContext(ctx); err != nil {
			failed[i] = err
		}
	}
	return failed
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type session struct {
	id     string
	shard  int
	e      *Engine
	db     *sql.DB
	tx     *sql.Tx
	closed bool
}

func (s *session) ID() string          { return s.id }
func (s *session) Shard() int          { return s.shard }
func (s *session) InTransaction() bool { return s.tx != nil }

func (s *session) q() (querier, error) {
	if s.closed {
		return nil, engine.ErrSessionClosed
	}
	if s.tx != nil {
		return s.tx, nil
	}
	return s.db, nil
}

func (s *session) Begin(ctx context.Context, readOnly bool) error {
	if s.closed {
		return engine.ErrSessionClosed
	}
	if s.tx != nil {
		return engine.ErrTxInProgress
	}
	opts := &sql.TxOptions{ReadOnly: readOnly && s.e.dialect.ReadOnlyTx}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return errors.Wrap(err, "getting SQL transaction")
	}
	s.tx = tx
	return nil
}

func (s *session) Commit(context.Context) error {
	if s.tx == nil {
		return engine.ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	return errors.Wrap(tx.Commit(), "committing")
}

func (s *session) Rollback(context.Context) error {
	if s.tx == nil {
		return engine.ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	return errors.Wrap(tx.Rollback(), "rolling back")
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tx != nil {
		s.e.logger.Debug("Rolling back transaction of closed session", zap.String("session", s.id))
		err := s.tx.Rollback()
		s.tx = nil
		if err != nil && !errors.Is(err, sql.ErrTxDone) {
			return errors.Wrap(err, "rolling back on close")
		}
	}
	return nil
}

func (s *session) query(ctx context.Context, stmt string, args []any) ([]engine.Row, error) {
	q, err := s.q()
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %q", stmt)
	}
	defer rows.Close()
	return scanRows(rows)
}

func (s *session) exec(ctx context.Context, stmt string, args []any) (int64, error) {
	q, err := s.q()
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "exec %q", stmt)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *session) forUpdate(lock engine.LockMode) bool {
	return lock == engine.LockForUpdate && s.tx != nil && s.e.dialect.ForUpdate
}

func (s *session) Get(ctx context.Context, table engine.Table, id any, lock engine.LockMode) (engine.Row, error) {
	stmt, args := buildGet(s.e.dialect, table, id, s.forUpdate(lock))
	rows, err := s.query(ctx, stmt, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (s *session) Insert(ctx context.Context, table engine.Table, row engine.Row) error {
	stmt, args := buildInsert(s.e.dialect, table, row)
	_, err := s.exec(ctx, stmt, args)
	return err
}

func (s *session) Update(ctx context.Context, table engine.Table, row engine.Row) (int64, error) {
	if len(row) < 2 {
		return 0, nil
	}
	stmt, args := buildUpdate(s.e.dialect, table, row)
	return s.exec(ctx, stmt, args)
}

func (s *session) Delete(ctx context.Context, table engine.Table, id any) (int64, error) {
	stmt, args := buildDelete(s.e.dialect, table, id)
	return s.exec(ctx, stmt, args)
}

func (s *session) Select(ctx context.Context, q engine.Query) ([]engine.Row, error) {
	stmt, args := buildSelect(s.e.dialect, q, s.forUpdate(q.Lock))
	return s.query(ctx, stmt, args)
}

func (s *session) Count(ctx context.Context, q engine.Query) (int64, error) {
	stmt, args := buildCount(s.e.dialect, q)
	rows, err := s.query(ctx, stmt, args)
	if err != nil {
		return 0, err
	}
	for _, v := range rows[0] {
		if n, ok := engine.AsInt64(v); ok {
			return n, nil
		}
	}
	return 0, fmt.Errorf("count: unexpected result %v", rows[0])
}

func (s *session) UpdateWhere(ctx context.Context, q engine.Query, set engine.Row) (int64, error) {
	if len(set) == 0 {
		return 0, nil
	}
	stmt, args := buildUpdateWhere(s.e.dialect, q, set)
	return s.exec(ctx, stmt, args)
}

func (s *session) Exec(ctx context.Context, stmt string, args ...any) (int64, error) {
	return s.exec(ctx, stmt, args)
}

func scanRows(rows *sql.Rows) ([]engine.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []engine.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(engine.Row, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
