package dao

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/23skdu/shardline/internal/engine"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ordersOf(u *user) engine.Query {
	return engine.Query{}.Where("user_id", engine.OpEq, u.ID).OrderBy("seq", false)
}

func TestLockedContext_SavesParentAndChildren(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	lc := f.users.SaveAndGetExecutor("T1", &user{ID: "alice", Name: "Alice"})
	SaveChild(lc, f.orders, func(p *user) *order {
		return &order{ID: "a1", UserID: p.ID, Seq: 1}
	})
	SaveChildren(lc, f.orders, func(p *user) []*order {
		return []*order{{ID: "a2", UserID: p.ID, Seq: 2}, {ID: "a3", UserID: p.ID, Seq: 3}}
	})
	CreateOrUpdateChild(lc, f.orders, func(p *user) engine.Query { return ordersOf(p).Where("seq", engine.OpEq, 2) },
		func(p *user) *order { return &order{ID: "never", UserID: p.ID} },
		func(o *order) *order { o.Amount = 42; return o })
	UpdateChildren(lc, f.orders, ordersOf, 1,
		func(o *order) *order { o.Amount++; return o },
		func(o *order) bool { return o.Seq == 3 })
	lc.Mutate(func(p *user) { p.Visits = 7 })

	parent, err := lc.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, parent.Visits)

	orders := f.rows(t, "T1", "alice", "orders")
	assert.Len(t, orders, 3, "children are stored on the parent's shard")

	a2, err := f.orders.Get(ctx, "T1", "alice", "a2")
	require.NoError(t, err)
	assert.Equal(t, 43, a2.Amount)
	a3, err := f.orders.Get(ctx, "T1", "alice", "a3")
	require.NoError(t, err)
	assert.Equal(t, 0, a3.Amount)
	assert.Equal(t, f.extractor.BucketID("T1", "alice"), a3.Bucket())

	stored, err := f.users.Get(ctx, "T1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 7, stored.Visits)

	_, err = lc.Execute(ctx)
	assert.ErrorIs(t, err, ErrContextExecuted)
	assert.True(t, serr.IsType(err, serr.ErrorTypeProtocol))
}

func TestLockedContext_RollsBackAsGroup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	boom := errors.New("boom")
	lc := f.users.SaveAndGetExecutor("T1", &user{ID: "alice"})
	SaveChild(lc, f.orders, func(p *user) *order { return &order{ID: "a1", UserID: p.ID} })
	lc.Then(func(context.Context, *txn.Unit, *user) error { return boom })

	_, err := lc.Execute(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.rows(t, "T1", "alice", "users"))
	assert.Empty(t, f.rows(t, "T1", "alice", "orders"))
}

func TestLockedContext_ChildOfOtherParentFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	lc := f.users.SaveAndGetExecutor("T1", &user{ID: "alice"})
	SaveChild(lc, f.orders, func(*user) *order { return &order{ID: "b1", UserID: "bob"} })
	_, err := lc.Execute(ctx)
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.Empty(t, f.rows(t, "T1", "alice", "users"))
}

func TestLockedContext_FilterAndMissingParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	_, err := f.users.LockAndGetExecutor("T1", "ghost").Execute(ctx)
	assert.ErrorIs(t, err, txn.ErrNotFound)

	_, err = f.users.Save(ctx, "T1", &user{ID: "alice", Visits: 1})
	require.NoError(t, err)
	_, err = f.users.LockAndGetExecutor("T1", "alice").
		Mutate(func(p *user) { p.Visits = 100 }).
		Filter(func(p *user) bool { return p.Visits < 10 }).
		Execute(ctx)
	assert.ErrorIs(t, err, ErrRejected)

	got, err := f.users.Get(ctx, "T1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Visits)
}

func TestLockedContext_WritersSerialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	_, err := f.users.Save(ctx, "T1", &user{ID: "alice"})
	require.NoError(t, err)

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.users.LockAndGetExecutor("T1", "alice").
			Then(func(context.Context, *txn.Unit, *user) error {
				close(locked)
				<-release
				return nil
			}).
			Mutate(func(p *user) { p.Visits++ }).
			Execute(ctx)
		assert.NoError(t, err)
	}()
	<-locked

	second := make(chan error, 1)
	go func() {
		_, err := f.users.LockAndGetExecutor("T1", "alice").
			Mutate(func(p *user) { p.Visits++ }).
			Execute(ctx)
		second <- err
	}()

	select {
	case <-second:
		t.Fatal("second writer ran while the first held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-second)
	wg.Wait()

	got, err := f.users.Get(ctx, "T1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Visits)
}

type userView struct {
	user   *user
	orders []*order
	latest *order
}

func TestReadOnlyContext_AugmentsParent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	_, err := f.users.Save(ctx, "T1", &user{ID: "alice"})
	require.NoError(t, err)
	seedOrders(t, f, "T1", "alice", 4)

	view := &userView{}
	rc := f.users.ReadOnlyExecutor("T1", "alice")
	ReadAugmentParent(rc, f.orders, ordersOf,
		func(o *order) bool { return o.Seq%2 == 0 },
		func(p *user, children []*order) { view.user, view.orders = p, children })
	ReadOneAugmentParent(rc, f.orders,
		func(p *user) engine.Query { return engine.Query{}.Where("user_id", engine.OpEq, p.ID).OrderBy("seq", true) },
		nil,
		func(_ *user, o *order) { view.latest = o })
	applied := false
	rc.Apply(func(*user) error { applied = true; return nil })

	got, err := rc.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.ID)
	assert.True(t, applied)
	require.Len(t, view.orders, 2)
	assert.Equal(t, 0, view.orders[0].Seq)
	assert.Equal(t, 2, view.orders[1].Seq)
	require.NotNil(t, view.latest)
	assert.Equal(t, 3, view.latest.Seq)

	_, err = rc.Execute(ctx)
	assert.ErrorIs(t, err, ErrContextExecuted)
}

func TestReadOnlyContext_PopulatorRetriesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	calls := 0
	got, err := f.users.ReadOnlyExecutor("T1", "lazy").
		WithPopulator(func(ctx context.Context) (bool, error) {
			calls++
			_, err := f.users.Save(ctx, "T1", &user{ID: "lazy", Name: "populated"})
			return err == nil, err
		}).
		Execute(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "populated", got.Name)
	assert.Equal(t, 1, calls)

	calls = 0
	got, err = f.users.ReadOnlyExecutor("T1", "never").
		WithPopulator(func(context.Context) (bool, error) { calls++; return true, nil }).
		Execute(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, calls)
}

func TestReadOnlyContext_RelationalList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	seedOrders(t, f, "T1", "alice", 3)

	total := 0
	list, err := f.orders.ReadOnlyExecutor("T1", "alice", f.orders.Query().Where("user_id", engine.OpEq, "alice")).
		Apply(func(orders []*order) error {
			for _, o := range orders {
				total += o.Amount
			}
			return nil
		}).
		Execute(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)
	assert.Equal(t, 30, total)

	empty, err := f.orders.ReadOnlyExecutor("T1", "nobody", f.orders.Query().Where("user_id", engine.OpEq, "nobody")).Execute(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLockedContext_MutateCannotChangeKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	_, err := f.users.Save(ctx, "T1", &user{ID: "alice"})
	require.NoError(t, err)

	_, err = f.users.LockAndGetExecutor("T1", "alice").
		Mutate(func(p *user) { p.ID = "mallory" }).
		Execute(ctx)
	assert.ErrorIs(t, err, ErrKeyMismatch)
	assert.Len(t, f.rows(t, "T1", "alice", "users"), 1)
}
