package sharding

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openSQLiteStore(t *testing.T) *SQLBlacklistStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLBlacklistStore(db, "sqlite")
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestBlacklistStores(t *testing.T) {
	stores := map[string]func(t *testing.T) BlacklistStore{
		"memory": func(*testing.T) BlacklistStore { return NewMemoryBlacklistStore() },
		"sqlite": func(t *testing.T) BlacklistStore { return openSQLiteStore(t) },
	}

	for name, mk := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := mk(t)

			got, err := s.Blacklisted(ctx, "t1")
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, s.Blacklist(ctx, "t1", 3))
			require.NoError(t, s.Blacklist(ctx, "t1", 1))
			require.NoError(t, s.Blacklist(ctx, "t1", 3))
			require.NoError(t, s.Blacklist(ctx, "t2", 0))

			got, err = s.Blacklisted(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []int{1, 3}, got)

			require.NoError(t, s.Unblacklist(ctx, "t1", 3))
			require.NoError(t, s.Unblacklist(ctx, "t1", 2))
			got, err = s.Blacklisted(ctx, "t1")
			require.NoError(t, err)
			assert.Equal(t, []int{1}, got)

			got, err = s.Blacklisted(ctx, "t2")
			require.NoError(t, err)
			assert.Equal(t, []int{0}, got)
		})
	}
}

func TestNoopBlacklistStore(t *testing.T) {
	ctx := context.Background()
	var s NoopBlacklistStore
	require.NoError(t, s.Blacklist(ctx, "t1", 1))
	got, err := s.Blacklisted(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLBlacklistStore_SharedAcrossManagers(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)

	m, err := NewLegacyManager(ctx, "t1", 4, 64, store, nil)
	require.NoError(t, err)
	require.NoError(t, m.BlacklistShard(ctx, 2))

	restarted, err := NewLegacyManager(ctx, "t1", 4, 64, store, nil)
	require.NoError(t, err)
	assert.True(t, restarted.IsBlacklisted(2))
}

func TestSQLBlacklistStore_ConcurrentBlacklist(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Blacklist(ctx, "t1", 5)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Blacklisted(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []int{5}, got)
}

func TestSQLBlacklistStore_InsertPerDriver(t *testing.T) {
	cases := map[string]string{
		"sqlite":   "INSERT INTO shard_blacklist (tenant, shard) VALUES (?, ?) ON CONFLICT DO NOTHING",
		"postgres": "INSERT INTO shard_blacklist (tenant, shard) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		"duckdb":   "INSERT INTO shard_blacklist (tenant, shard) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		"mysql":    "INSERT IGNORE INTO shard_blacklist (tenant, shard) VALUES (?, ?)",
	}
	for driver, want := range cases {
		t.Run(driver, func(t *testing.T) {
			assert.Equal(t, want, NewSQLBlacklistStore(nil, driver).insert)
		})
	}
}
