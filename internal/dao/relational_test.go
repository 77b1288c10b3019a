package dao

import (
	"context"
	"fmt"
	"testing"

	"github.com/23skdu/shardline/internal/engine"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedOrders(t *testing.T, f *fixture, tenant, userID string, n int) {
	t.Helper()
	var batch []*order
	for i := 0; i < n; i++ {
		batch = append(batch, &order{ID: fmt.Sprintf("%s-o%d", userID, i), UserID: userID, Seq: i, Amount: 10})
	}
	require.NoError(t, f.orders.SaveAll(context.Background(), tenant, userID, batch))
}

func TestRelational_ChildrenLiveWithParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	_, err := f.users.Save(ctx, "T1", &user{ID: "alice"})
	require.NoError(t, err)
	seedOrders(t, f, "T1", "alice", 3)

	assert.Len(t, f.rows(t, "T1", "alice", "orders"), 3)
	for _, row := range f.rows(t, "T1", "alice", "orders") {
		assert.Equal(t, f.extractor.BucketID("T1", "alice"), row["bucket_key"])
	}

	got, err := f.orders.Get(ctx, "T1", "alice", "alice-o1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Seq)

	list, err := f.orders.Select(ctx, "T1", "alice",
		f.orders.Query().Where("user_id", engine.OpEq, "alice").OrderBy("seq", true))
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 2, list[0].Seq)

	n, err := f.orders.Count(ctx, "T1", "alice", f.orders.Query().Where("seq", engine.OpGe, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRelational_SaveRejectsForeignParent(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.orders.Save(context.Background(), "T1", "alice", &order{ID: "x", UserID: "bob"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.True(t, serr.IsType(err, serr.ErrorTypeValidation))
}

func TestRelational_Mutations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	seedOrders(t, f, "T1", "alice", 6)
	byUser := f.orders.Query().Where("user_id", engine.OpEq, "alice")

	ok, err := f.orders.Update(ctx, "T1", "alice", "alice-o0", func(o *order) *order {
		o.Amount = 99
		return o
	})
	require.NoError(t, err)
	assert.True(t, ok)

	affected, err := f.orders.UpdateByQuery(ctx, "T1", "alice", byUser.Where("seq", engine.OpGe, 4), engine.Row{"amount": 0})
	require.NoError(t, err)
	assert.Equal(t, int64(2), affected)

	updated, err := f.orders.UpdateAll(ctx, "T1", "alice", byUser, 2,
		func(o *order) *order { o.Amount++; return o },
		func(o *order) bool { return o.Seq == 3 })
	require.NoError(t, err)
	assert.Equal(t, 3, updated)

	got, err := f.orders.Get(ctx, "T1", "alice", "alice-o0")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Amount)

	created, isNew, err := f.orders.CreateOrUpdate(ctx, "T1", "alice", byUser.Where("seq", engine.OpEq, 50),
		func() *order { return &order{ID: "alice-o50", UserID: "alice", Seq: 50} },
		func(o *order) *order { o.Amount = -1; return o })
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "alice-o50", created.ID)

	again, isNew, err := f.orders.CreateOrUpdate(ctx, "T1", "alice", byUser.Where("seq", engine.OpEq, 50),
		func() *order { return &order{ID: "dup", UserID: "alice", Seq: 50} },
		func(o *order) *order { o.Amount = -1; return o })
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, -1, again.Amount)

	deleted, err := f.orders.Delete(ctx, "T1", "alice", "alice-o50")
	require.NoError(t, err)
	assert.True(t, deleted)

	exists, err := f.orders.Exists(ctx, "T1", "alice", "alice-o50")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRelational_RunWithQueryRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	seedOrders(t, f, "T1", "alice", 2)

	var seen int
	err := f.orders.RunWithQuery(ctx, "T1", "alice", f.orders.Query().Where("user_id", engine.OpEq, "alice"),
		func(ctx context.Context, u *txn.Unit, rows []*order) error {
			seen = len(rows)
			for _, o := range rows {
				o.Amount = 0
				if _, err := u.Update(ctx, f.orders.ent, o); err != nil {
					return err
				}
			}
			return fmt.Errorf("abort")
		})
	require.Error(t, err)
	assert.Equal(t, 2, seen)

	got, err := f.orders.Get(ctx, "T1", "alice", "alice-o0")
	require.NoError(t, err)
	assert.Equal(t, 10, got.Amount, "changes were rolled back")
}

func TestRelationalDao_SingleTenant(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	orders, err := NewRelationalDao(f.backend, orderDescriptor(), nil)
	require.NoError(t, err)

	_, err = orders.Save(ctx, "zoe", &order{ID: "z1", UserID: "zoe", Seq: 1})
	require.NoError(t, err)

	n, err := orders.CountAll(ctx, orders.Query())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.orders.Get(ctx, DefaultTenant, "zoe", "z1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRelational_UpdateAllVisitsEveryMatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	var batch []*order
	for i := 0; i < 6; i++ {
		batch = append(batch, &order{ID: fmt.Sprintf("alice-o%d", i), UserID: "alice", Seq: i})
	}
	require.NoError(t, f.orders.SaveAll(ctx, "T1", "alice", batch))

	zero := f.orders.Query().Where("user_id", engine.OpEq, "alice").Where("amount", engine.OpEq, 0)
	updated, err := f.orders.UpdateAll(ctx, "T1", "alice", zero, 2,
		func(o *order) *order { o.Amount = 1; return o }, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, updated)

	left, err := f.orders.Count(ctx, "T1", "alice", zero)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestRelational_MutationsCannotChangeParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	seedOrders(t, f, "T1", "alice", 3)
	byUser := f.orders.Query().Where("user_id", engine.OpEq, "alice")
	steal := func(o *order) *order { o.UserID = "bob"; return o }

	_, err := f.orders.Update(ctx, "T1", "alice", "alice-o0", steal)
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.True(t, serr.IsType(err, serr.ErrorTypeValidation))

	_, err = f.orders.UpdateAll(ctx, "T1", "alice", byUser, 2, steal, nil)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, _, err = f.orders.CreateOrUpdate(ctx, "T1", "alice", byUser.Where("seq", engine.OpEq, 1),
		func() *order { return &order{ID: "unused", UserID: "alice"} }, steal)
	assert.ErrorIs(t, err, ErrKeyMismatch)

	for _, row := range f.rows(t, "T1", "alice", "orders") {
		assert.Equal(t, "alice", row["user_id"])
	}
}

func TestLookup_UpdateCannotChangeKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	_, err := f.users.Save(ctx, "T1", &user{ID: "alice"})
	require.NoError(t, err)

	_, err = f.users.Update(ctx, "T1", "alice", func(u *user) *user { u.ID = "mallory"; return u })
	assert.ErrorIs(t, err, ErrKeyMismatch)

	got, err := f.users.Get(ctx, "T1", "mallory")
	require.NoError(t, err)
	assert.Nil(t, got)
}
