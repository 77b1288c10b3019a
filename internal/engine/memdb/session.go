package memdb

import (
	"context"
	"fmt"
	"sort"

	"github.com/23skdu/shardline/internal/engine"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type session struct {
	id     string
	e      *Engine
	s      *shard
	closed bool

	inTx     bool
	readOnly bool
	// staged rows by table and key; nil marks a delete
	writes map[string]map[string]engine.Row
	held   map[string]struct{}
}

func newSession(e *Engine, s *shard) *session {
	return &session{
		id:   uuid.NewString(),
		e:    e,
		s:    s,
		held: make(map[string]struct{}),
	}
}

func (ss *session) ID() string          { return ss.id }
func (ss *session) Shard() int          { return ss.s.idx }
func (ss *session) InTransaction() bool { return ss.inTx }

func (ss *session) Begin(_ context.Context, readOnly bool) error {
	if ss.closed {
		return engine.ErrSessionClosed
	}
	if ss.inTx {
		return engine.ErrTxInProgress
	}
	ss.inTx = true
	ss.readOnly = readOnly
	ss.writes = make(map[string]map[string]engine.Row)
	return nil
}

func (ss *session) Commit(_ context.Context) error {
	if ss.closed {
		return engine.ErrSessionClosed
	}
	if !ss.inTx {
		return engine.ErrNoTransaction
	}
	ss.s.apply(ss.writes)
	ss.endTx()
	return nil
}

func (ss *session) Rollback(_ context.Context) error {
	if ss.closed {
		return engine.ErrSessionClosed
	}
	if !ss.inTx {
		return engine.ErrNoTransaction
	}
	ss.endTx()
	return nil
}

func (ss *session) endTx() {
	ss.inTx = false
	ss.readOnly = false
	ss.writes = nil
	for k := range ss.held {
		ss.s.release(k)
		delete(ss.held, k)
	}
}

func (ss *session) Close() error {
	if ss.closed {
		return nil
	}
	if ss.inTx {
		ss.e.logger.Debug("Rolling back transaction of closed session", zap.String("session", ss.id))
		ss.endTx()
	}
	ss.closed = true
	ss.e.open.Add(-1)
	return nil
}

func (ss *session) check(write bool) error {
	if ss.closed {
		return engine.ErrSessionClosed
	}
	if write && ss.inTx && ss.readOnly {
		return engine.ErrReadOnly
	}
	return nil
}

// lock takes the row lock for the rest of the transaction. Outside a transaction the
// returned func releases it immediately after the statement.
func (ss *session) lock(ctx context.Context, table, key string) (func(), error) {
	k := lockKey(table, key)
	if _, ok := ss.held[k]; ok {
		return func() {}, nil
	}
	if err := ss.s.acquire(ctx, k, ss.e.lockTimeout); err != nil {
		return nil, err
	}
	if ss.inTx {
		ss.held[k] = struct{}{}
		return func() {}, nil
	}
	return func() { ss.s.release(k) }, nil
}

func (ss *session) read(table, key string) engine.Row {
	if ss.inTx {
		if rows, ok := ss.writes[table]; ok {
			if r, staged := rows[key]; staged {
				return r.Clone()
			}
		}
	}
	return ss.s.committed(table, key)
}

func (ss *session) write(table, key string, row engine.Row) {
	if !ss.inTx {
		ss.s.apply(map[string]map[string]engine.Row{table: {key: row}})
		return
	}
	rows, ok := ss.writes[table]
	if !ok {
		rows = make(map[string]engine.Row)
		ss.writes[table] = rows
	}
	rows[key] = row
}

func (ss *session) Get(ctx context.Context, table engine.Table, id any, lock engine.LockMode) (engine.Row, error) {
	if err := ss.check(false); err != nil {
		return nil, err
	}
	key := engine.KeyString(id)
	if lock == engine.LockForUpdate && ss.inTx {
		if _, err := ss.lock(ctx, table.Name, key); err != nil {
			return nil, err
		}
	}
	return ss.read(table.Name, key), nil
}

func (ss *session) Insert(ctx context.Context, table engine.Table, row engine.Row) error {
	if err := ss.check(true); err != nil {
		return err
	}
	id, ok := row[table.Key]
	if !ok || id == nil {
		return fmt.Errorf("insert into %s: missing key column %s", table.Name, table.Key)
	}
	key := engine.KeyString(id)
	release, err := ss.lock(ctx, table.Name, key)
	if err != nil {
		return err
	}
	defer release()

	if ss.read(table.Name, key) != nil {
		return fmt.Errorf("%w: %s %s", engine.ErrDuplicateKey, table.Name, key)
	}
	ss.write(table.Name, key, row.Clone())
	return nil
}

func (ss *session) Update(ctx context.Context, table engine.Table, row engine.Row) (int64, error) {
	if err := ss.check(true); err != nil {
		return 0, err
	}
	key := engine.KeyString(row[table.Key])
	release, err := ss.lock(ctx, table.Name, key)
	if err != nil {
		return 0, err
	}
	defer release()

	cur := ss.read(table.Name, key)
	if cur == nil {
		return 0, nil
	}
	for col, v := range row {
		cur[col] = v
	}
	ss.write(table.Name, key, cur)
	return 1, nil
}

func (ss *session) Delete(ctx context.Context, table engine.Table, id any) (int64, error) {
	if err := ss.check(true); err != nil {
		return 0, err
	}
	key := engine.KeyString(id)
	release, err := ss.lock(ctx, table.Name, key)
	if err != nil {
		return 0, err
	}
	defer release()

	if ss.read(table.Name, key) == nil {
		return 0, nil
	}
	ss.write(table.Name, key, nil)
	return 1, nil
}

// visible returns the keys and rows of table as this session sees them
func (ss *session) visible(table string) map[string]engine.Row {
	rows := ss.s.snapshot(table)
	if ss.inTx {
		for k, r := range ss.writes[table] {
			if r == nil {
				delete(rows, k)
			} else {
				rows[k] = r.Clone()
			}
		}
	}
	return rows
}

type keyedRow struct {
	key string
	row engine.Row
}

func (ss *session) match(q engine.Query) []keyedRow {
	var out []keyedRow
	for k, r := range ss.visible(q.Table.Name) {
		if q.Matches(r) {
			out = append(out, keyedRow{key: k, row: r})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		for _, o := range q.Orders {
			c := compareNullsFirst(out[i].row[o.Column], out[j].row[o.Column])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].key < out[j].key
	})
	return out
}

func compareNullsFirst(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	if c, ok := engine.Compare(a, b); ok {
		return c
	}
	return 0
}

func page(rows []keyedRow, offset, limit int) []keyedRow {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func (ss *session) Select(ctx context.Context, q engine.Query) ([]engine.Row, error) {
	if err := ss.check(false); err != nil {
		return nil, err
	}
	rows := page(ss.match(q), q.Offset, q.Limit)

	if q.Lock == engine.LockForUpdate && ss.inTx {
		locked := rows[:0]
		for _, kr := range rows {
			if _, err := ss.lock(ctx, q.Table.Name, kr.key); err != nil {
				return nil, err
			}
			// the row may have changed while waiting
			fresh := ss.read(q.Table.Name, kr.key)
			if fresh != nil && q.Matches(fresh) {
				locked = append(locked, keyedRow{key: kr.key, row: fresh})
			}
		}
		rows = locked
	}

	out := make([]engine.Row, len(rows))
	for i, kr := range rows {
		out[i] = kr.row
	}
	return out, nil
}

func (ss *session) Count(_ context.Context, q engine.Query) (int64, error) {
	if err := ss.check(false); err != nil {
		return 0, err
	}
	var n int64
	for _, r := range ss.visible(q.Table.Name) {
		if q.Matches(r) {
			n++
		}
	}
	return n, nil
}

func (ss *session) UpdateWhere(ctx context.Context, q engine.Query, set engine.Row) (int64, error) {
	if err := ss.check(true); err != nil {
		return 0, err
	}
	var n int64
	for _, kr := range ss.match(q) {
		release, err := ss.lock(ctx, q.Table.Name, kr.key)
		if err != nil {
			return n, err
		}
		cur := ss.read(q.Table.Name, kr.key)
		if cur != nil && q.Matches(cur) {
			for col, v := range set {
				cur[col] = v
			}
			ss.write(q.Table.Name, kr.key, cur)
			n++
		}
		release()
	}
	return n, nil
}

func (ss *session) Exec(context.Context, string, ...any) (int64, error) {
	return 0, engine.ErrUnsupported
}
