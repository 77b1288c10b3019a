package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var orders = engine.Table{Name: "orders", Key: "id"}

func newTestEngine(t *testing.T, shards int) *Engine {
	t.Helper()
	ctx := context.Background()
	dbs := make([]*sql.DB, shards)
	for i := range dbs {
		db, err := sql.Open("sqlite", fmt.Sprintf("file:%s-%d?mode=memory&cache=shared", t.Name(), i))
		require.NoError(t, err)
		db.SetMaxOpenConns(1)
		_, err = db.ExecContext(ctx, `CREATE TABLE orders (id TEXT PRIMARY KEY, customer TEXT, total INTEGER, seq INTEGER)`)
		require.NoError(t, err)
		dbs[i] = db
	}
	e := New(SQLite, dbs, nil)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBuilder_Dialects(t *testing.T) {
	q := engine.From(orders).Where("customer", engine.OpEq, "c1").Where("total", engine.OpGt, 10).
		OrderBy("seq", true).Page(5, 0)

	stmt, args := buildSelect(Postgres, q, true)
	assert.Equal(t, `SELECT * FROM "orders" WHERE "customer" = $1 AND "total" > $2 ORDER BY "seq" DESC LIMIT ALL OFFSET 5 FOR UPDATE`, stmt)
	assert.Equal(t, []any{"c1", 10}, args)

	stmt, _ = buildSelect(MySQL, q.Page(0, 3), false)
	assert.Equal(t, "SELECT * FROM `orders` WHERE `customer` = ? AND `total` > ? ORDER BY `seq` DESC LIMIT 3", stmt)

	stmt, args = buildUpdate(SQLite, orders, engine.Row{"id": "o1", "total": 3, "customer": "c"})
	assert.Equal(t, `UPDATE "orders" SET "customer" = ?, "total" = ? WHERE "id" = ?`, stmt)
	assert.Equal(t, []any{"c", 3, "o1"}, args)

	stmt, _ = buildInsert(DuckDB, orders, engine.Row{"id": "o1", "total": 3})
	assert.Equal(t, `INSERT INTO "orders" ("id", "total") VALUES ($1, $2)`, stmt)
}

func TestLookupDialect(t *testing.T) {
	for _, name := range []string{"sqlite", "sqlite3", "postgres", "MySQL", "duckdb"} {
		_, err := LookupDialect(name)
		assert.NoError(t, err, name)
	}
	_, err := LookupDialect("oracle")
	assert.Error(t, err)
	assert.Equal(t, `"a""b"`, SQLite.Quote(`a"b`))
}

func TestSession_CRUD(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 2)
	s, err := e.Open(ctx, 1)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Insert(ctx, orders, engine.Row{"id": "o1", "customer": "c1", "total": 10, "seq": 1}))

	row, err := s.Get(ctx, orders, "o1", engine.LockForUpdate)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "c1", row["customer"])
	assert.Equal(t, int64(10), row["total"])

	n, err := s.Update(ctx, orders, engine.Row{"id": "o1", "total": 20})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Delete(ctx, orders, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, err = s.Get(ctx, orders, "o1", engine.LockNone)
	require.NoError(t, err)
	assert.Nil(t, row)

	other, err := e.Open(ctx, 0)
	require.NoError(t, err)
	defer other.Close()
	cnt, err := other.Count(ctx, engine.From(orders))
	require.NoError(t, err)
	assert.Zero(t, cnt)
}

func TestSession_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 1)
	s, err := e.Open(ctx, 0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Begin(ctx, false))
	assert.True(t, s.InTransaction())
	require.NoError(t, s.Insert(ctx, orders, engine.Row{"id": "o1", "seq": 1}))
	require.NoError(t, s.Rollback(ctx))
	assert.False(t, s.InTransaction())

	n, err := s.Count(ctx, engine.From(orders))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, s.Commit(ctx), engine.ErrNoTransaction)
}

func TestSession_SelectPagingAndUpdateWhere(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 1)
	s, err := e.Open(ctx, 0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Begin(ctx, false))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Insert(ctx, orders, engine.Row{"id": fmt.Sprintf("o%02d", i), "customer": "c1", "seq": i, "total": i * 10}))
	}
	require.NoError(t, s.Commit(ctx))

	rows, err := s.Select(ctx, engine.From(orders).OrderBy("seq", false).Page(7, 0))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(7), rows[0]["seq"])

	n, err := s.UpdateWhere(ctx, engine.From(orders).Where("seq", engine.OpLt, 3), engine.Row{"customer": "c2"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	cnt, err := s.Count(ctx, engine.From(orders).Where("customer", engine.OpEq, "c2"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), cnt)

	affected, err := s.Exec(ctx, `DELETE FROM orders WHERE seq >= ?`, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), affected)
}

func TestSession_Closed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, 1)
	s, err := e.Open(ctx, 0)
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx, true))
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, orders, "x", engine.LockNone)
	assert.ErrorIs(t, err, engine.ErrSessionClosed)

	_, err = e.Open(ctx, 3)
	assert.ErrorIs(t, err, engine.ErrShardOutOfRange)
	assert.Empty(t, e.Ping(ctx))
}

type event struct {
	ID        string    `db:"id"`
	CreatedAt time.Time `db:"created_at"`
}

func TestSession_TimeColumnRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.ExecContext(ctx, `CREATE TABLE events (id TEXT PRIMARY KEY, created_at DATETIME)`)
	require.NoError(t, err)
	e := New(SQLite, []*sql.DB{db}, nil)
	defer func() { _ = e.Close() }()

	events := engine.Table{Name: "events", Key: "id"}
	want := &event{ID: "e1", CreatedAt: time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)}
	row, err := entity.ToRow(want)
	require.NoError(t, err)

	s, err := e.Open(ctx, 0)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Insert(ctx, events, row))

	got, err := s.Get(ctx, events, "e1", engine.LockNone)
	require.NoError(t, err)
	require.NotNil(t, got)
	back, err := entity.FromRow[event](got)
	require.NoError(t, err)
	assert.True(t, want.CreatedAt.Equal(back.CreatedAt), "got %v", back.CreatedAt)
}
