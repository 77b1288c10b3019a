package dao

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/23skdu/shardline/internal/bucket"
	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/engine/memdb"
	"github.com/23skdu/shardline/internal/entity"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/sharding"
	"github.com/23skdu/shardline/internal/txn"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type user struct {
	entity.ShardingMetadata `db:",squash"`
	ID                      string `db:"id"`
	Name                    string `db:"name"`
	Visits                  int    `db:"visits"`
}

type order struct {
	entity.ShardingMetadata `db:",squash"`
	ID                      string `db:"id"`
	UserID                  string `db:"user_id"`
	Seq                     int    `db:"seq"`
	Amount                  int    `db:"amount"`
}

func userDescriptor() *entity.Descriptor[user] {
	return &entity.Descriptor[user]{
		Table:     "users",
		IDColumn:  "id",
		LookupKey: func(u *user) string { return u.ID },
		BucketKey: entity.MetadataBucketKey[user](),
	}
}

func orderDescriptor() *entity.Descriptor[order] {
	return &entity.Descriptor[order]{
		Table:       "orders",
		IDColumn:    "id",
		ShardingKey: func(o *order) string { return o.UserID },
		BucketKey:   entity.MetadataBucketKey[order](),
	}
}

// testBackend wires calculators and executors the way tenant.Registry does
type testBackend struct {
	calc      *sharding.Calculator
	executors map[string]*txn.Executor
	engines   map[string]*memdb.Engine
	sg        *sharding.ScatterGather
}

func (b *testBackend) Executor(tenant string) (*txn.Executor, error) {
	if _, err := b.calc.Manager(tenant); err != nil {
		return nil, err
	}
	return b.executors[tenant], nil
}

func (b *testBackend) ShardID(tenant, key string) (int, error) {
	return b.calc.ShardID(tenant, key)
}

func (b *testBackend) Shards(tenant string) ([]int, error) {
	m, err := b.calc.Manager(tenant)
	if err != nil {
		return nil, err
	}
	out := make([]int, m.NumShards())
	for i := range out {
		out[i] = i
	}
	return out, nil
}

func (b *testBackend) ScatterGather() *sharding.ScatterGather {
	return b.sg
}

type fixture struct {
	backend   *testBackend
	extractor bucket.Extractor
	users     *MultiTenantLookupDao[user]
	orders    *MultiTenantRelationalDao[order]
}

func newFixture(t *testing.T, parallelism int) *fixture {
	t.Helper()
	ctx := context.Background()
	extractor := bucket.NewHashExtractor(bucket.DefaultCount)

	b := &testBackend{
		executors: make(map[string]*txn.Executor),
		engines:   make(map[string]*memdb.Engine),
		sg:        sharding.NewScatterGather(parallelism, nil),
	}
	managers := make(map[string]sharding.Manager)
	for tenant, shards := range map[string]int{"T1": 4, "T2": 2, DefaultTenant: 3} {
		m, err := sharding.NewBalancedManager(ctx, tenant, shards, bucket.DefaultCount, 0, sharding.NewMemoryBlacklistStore(), nil)
		require.NoError(t, err)
		managers[tenant] = m
		eng := memdb.New(shards)
		b.engines[tenant] = eng
		b.executors[tenant] = txn.NewExecutor(tenant, eng, txn.Options{}, nil, txn.BucketKeyObserver(extractor))
	}
	calc, err := sharding.NewCalculator(extractor, managers)
	require.NoError(t, err)
	b.calc = calc

	users, err := NewMultiTenantLookupDao(b, userDescriptor(), nil)
	require.NoError(t, err)
	orders, err := NewMultiTenantRelationalDao(b, orderDescriptor(), nil)
	require.NoError(t, err)
	return &fixture{backend: b, extractor: extractor, users: users, orders: orders}
}

func (f *fixture) rows(t *testing.T, tenant, key, table string) []engine.Row {
	t.Helper()
	shard, err := f.backend.ShardID(tenant, key)
	require.NoError(t, err)
	return f.backend.engines[tenant].Rows(shard, table)
}

type session struct {
	entity.ShardingMetadata `db:",squash"`
	ID                      string    `db:"id"`
	StartedAt               time.Time `db:"started_at"`
}

func TestLookup_TimeColumnRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	sessions, err := NewMultiTenantLookupDao(f.backend, &entity.Descriptor[session]{
		Table:     "sessions",
		IDColumn:  "id",
		LookupKey: func(s *session) string { return s.ID },
		BucketKey: entity.MetadataBucketKey[session](),
	}, nil)
	require.NoError(t, err)

	want := &session{ID: "s1", StartedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	_, err = sessions.Save(ctx, "T1", want)
	require.NoError(t, err)

	got, err := sessions.Get(ctx, "T1", "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, want.StartedAt.Equal(got.StartedAt), "got %v", got.StartedAt)
	assert.Equal(t, want.Bucket(), got.Bucket())
}

func TestNewDao_RejectsWrongRole(t *testing.T) {
	f := newFixture(t, 1)

	_, err := NewMultiTenantLookupDao(f.backend, orderDescriptor(), nil)
	assert.True(t, serr.IsType(err, serr.ErrorTypeConfiguration))

	_, err = NewMultiTenantRelationalDao(f.backend, userDescriptor(), nil)
	assert.True(t, serr.IsType(err, serr.ErrorTypeConfiguration))

	both := userDescriptor()
	both.ShardingKey = func(u *user) string { return u.Name }
	_, err = NewMultiTenantLookupDao(f.backend, both, nil)
	assert.ErrorIs(t, err, entity.ErrConflictingKeys)
}

func TestLookup_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	want := &user{ID: "alice", Name: "Alice", Visits: 3}
	_, err := f.users.Save(ctx, "T1", want)
	require.NoError(t, err)

	got, err := f.users.Get(ctx, "T1", "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	missing, err := f.users.Get(ctx, "T1", "bob")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ok, err := f.users.Exists(ctx, "T1", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	// tenants are isolated
	ok, err = f.users.Exists(ctx, "T2", "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookup_BucketKeyFollowsRouting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	u := &user{ID: "alice"}
	u.BucketKey = 7777
	_, err := f.users.Save(ctx, "T1", u)
	require.NoError(t, err)

	want := f.extractor.BucketID("T1", "alice")
	got, err := f.users.Get(ctx, "T1", "alice")
	require.NoError(t, err)
	assert.Equal(t, want, got.Bucket())

	rows := f.rows(t, "T1", "alice", "users")
	require.Len(t, rows, 1)
	assert.Equal(t, want, rows[0]["bucket_key"])
}

func TestLookup_SameKeySameShard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	for i := 0; i < 5; i++ {
		_, err := f.users.Save(ctx, "T1", &user{ID: "alice", Visits: i})
		require.NoError(t, err)
	}
	total := 0
	for shard := 0; shard < 4; shard++ {
		total += len(f.backend.engines["T1"].Rows(shard, "users"))
	}
	assert.Equal(t, 1, total)
	assert.Len(t, f.rows(t, "T1", "alice", "users"), 1)
}

func TestLookup_UpdateDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	ok, err := f.users.Update(ctx, "T1", "ghost", func(u *user) *user { return u })
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.users.Save(ctx, "T1", &user{ID: "alice", Visits: 1})
	require.NoError(t, err)

	got, ok, err := f.users.GetAndUpdate(ctx, "T1", "alice", func(u *user) *user {
		u.Visits++
		return u
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, got.Visits)

	got, ok, err = f.users.GetAndUpdate(ctx, "T1", "alice", func(*user) *user { return nil })
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, got.Visits)

	deleted, err := f.users.Delete(ctx, "T1", "alice")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = f.users.Delete(ctx, "T1", "alice")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestLookup_GetAll(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	var keys []string
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("user-%d", i)
		keys = append(keys, key)
		if i%2 == 0 {
			_, err := f.users.Save(ctx, "T1", &user{ID: key, Visits: i})
			require.NoError(t, err)
		}
	}

	got, err := f.users.GetAll(ctx, "T1", keys)
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Equal(t, 4, got["user-4"].Visits)
	assert.NotContains(t, got, "user-5")
}

func TestLookup_UnknownTenant(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.users.Get(context.Background(), "nope", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, sharding.ErrUnknownTenant)
	assert.True(t, serr.IsType(err, serr.ErrorTypeConfiguration))
}

func TestLookup_BlacklistedShardReroutes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	shard, err := f.backend.ShardID("T1", "alice")
	require.NoError(t, err)
	m, err := f.backend.calc.Manager("T1")
	require.NoError(t, err)
	require.NoError(t, m.BlacklistShard(ctx, shard))

	moved, err := f.backend.ShardID("T1", "alice")
	require.NoError(t, err)
	assert.NotEqual(t, shard, moved)

	_, err = f.users.Save(ctx, "T1", &user{ID: "alice"})
	require.NoError(t, err)
	assert.Len(t, f.backend.engines["T1"].Rows(moved, "users"), 1)
}

func TestScatterGatherAndCount(t *testing.T) {
	for _, parallelism := range []int{1, 3} {
		t.Run(fmt.Sprintf("parallelism=%d", parallelism), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, parallelism)
			for i := 0; i < 40; i++ {
				_, err := f.users.Save(ctx, "T1", &user{ID: fmt.Sprintf("u%02d", i), Visits: i % 4})
				require.NoError(t, err)
			}

			all, err := f.users.ScatterGather(ctx, "T1", f.users.Query())
			require.NoError(t, err)
			assert.Len(t, all, 40)

			n, err := f.users.CountAll(ctx, "T1", f.users.Query().Where("visits", engine.OpEq, 0))
			require.NoError(t, err)
			assert.Equal(t, int64(10), n)
		})
	}
}

func TestSingleTenantFacade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	users, err := NewLookupDao(f.backend, userDescriptor(), nil)
	require.NoError(t, err)
	_, err = users.Save(ctx, &user{ID: "carol"})
	require.NoError(t, err)

	viaDefault, err := f.users.Get(ctx, DefaultTenant, "carol")
	require.NoError(t, err)
	assert.NotNil(t, viaDefault)

	got, err := users.Get(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, f.extractor.BucketID(DefaultTenant, "carol"), got.Bucket())

	ok, err := users.Exists(ctx, "dave")
	require.NoError(t, err)
	assert.False(t, ok)
}
