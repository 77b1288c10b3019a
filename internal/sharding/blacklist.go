package sharding

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
)

// BlacklistStore persists which shards of a tenant are excluded from routing.
// Managers read it at construction and after every change, and keep an in-memory
// snapshot for the routing hot path.
type BlacklistStore interface {
	Blacklist(ctx context.Context, tenant string, shard int) error
	Unblacklist(ctx context.Context, tenant string, shard int) error
	// Blacklisted returns the blacklisted shards of a tenant in ascending order.
	Blacklisted(ctx context.Context, tenant string) ([]int, error)
}

// NoopBlacklistStore disables blacklisting: writes are accepted and forgotten.
type NoopBlacklistStore struct{}

func (NoopBlacklistStore) Blacklist(context.Context, string, int) error   { return nil }
func (NoopBlacklistStore) Unblacklist(context.Context, string, int) error { return nil }
func (NoopBlacklistStore) Blacklisted(context.Context, string) ([]int, error) {
	return nil, nil
}

// MemoryBlacklistStore keeps blacklist state in process memory.
type MemoryBlacklistStore struct {
	tenants *xsync.MapOf[string, *xsync.MapOf[int, struct{}]]
}

// NewMemoryBlacklistStore creates an empty in-memory store
func NewMemoryBlacklistStore() *MemoryBlacklistStore {
	return &MemoryBlacklistStore{
		tenants: xsync.NewMapOf[string, *xsync.MapOf[int, struct{}]](),
	}
}

func (m *MemoryBlacklistStore) shards(tenant string) *xsync.MapOf[int, struct{}] {
	set, _ := m.tenants.LoadOrCompute(tenant, func() *xsync.MapOf[int, struct{}] {
		return xsync.NewMapOf[int, struct{}]()
	})
	return set
}

func (m *MemoryBlacklistStore) Blacklist(_ context.Context, tenant string, shard int) error {
	m.shards(tenant).Store(shard, struct{}{})
	return nil
}

func (m *MemoryBlacklistStore) Unblacklist(_ context.Context, tenant string, shard int) error {
	m.shards(tenant).Delete(shard)
	return nil
}

func (m *MemoryBlacklistStore) Blacklisted(_ context.Context, tenant string) ([]int, error) {
	var out []int
	m.shards(tenant).Range(func(shard int, _ struct{}) bool {
		out = append(out, shard)
		return true
	})
	sort.Ints(out)
	return out, nil
}

// SQLBlacklistStore keeps blacklist state in a shard_blacklist table so that several
// processes routing for the same tenants agree on it.
type SQLBlacklistStore struct {
	db          *sql.DB
	placeholder func(n int) string
	insert      string
}

// NewSQLBlacklistStore wraps db. driver is the sql dialect name (sqlite, sqlite3,
// postgres, mysql, duckdb) and selects the placeholder style and the insert-if-absent
// statement.
func NewSQLBlacklistStore(db *sql.DB, driver string) *SQLBlacklistStore {
	s := &SQLBlacklistStore{db: db, placeholder: func(int) string { return "?" }}
	switch strings.ToLower(driver) {
	case "postgres", "duckdb":
		s.placeholder = func(n int) string { return fmt.Sprintf("$%d", n) }
	}
	values := fmt.Sprintf("(tenant, shard) VALUES (%s, %s)", s.placeholder(1), s.placeholder(2))
	if strings.EqualFold(driver, "mysql") {
		s.insert = "INSERT IGNORE INTO shard_blacklist " + values
	} else {
		s.insert = "INSERT INTO shard_blacklist " + values + " ON CONFLICT DO NOTHING"
	}
	return s
}

// Migrate creates the blacklist table if it does not exist
func (s *SQLBlacklistStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS shard_blacklist (
		tenant VARCHAR(255) NOT NULL,
		shard INTEGER NOT NULL,
		PRIMARY KEY (tenant, shard)
	)`)
	if err != nil {
		return fmt.Errorf("creating shard_blacklist: %w", err)
	}
	return nil
}

// Blacklist records shard; recording it twice, even concurrently, is not an error.
func (s *SQLBlacklistStore) Blacklist(ctx context.Context, tenant string, shard int) error {
	if _, err := s.db.ExecContext(ctx, s.insert, tenant, shard); err != nil {
		return fmt.Errorf("blacklisting shard %d of %s: %w", shard, tenant, err)
	}
	return nil
}

func (s *SQLBlacklistStore) Unblacklist(ctx context.Context, tenant string, shard int) error {
	q := fmt.Sprintf("DELETE FROM shard_blacklist WHERE tenant = %s AND shard = %s", s.placeholder(1), s.placeholder(2))
	if _, err := s.db.ExecContext(ctx, q, tenant, shard); err != nil {
		return fmt.Errorf("unblacklisting shard %d of %s: %w", shard, tenant, err)
	}
	return nil
}

func (s *SQLBlacklistStore) Blacklisted(ctx context.Context, tenant string) ([]int, error) {
	q := fmt.Sprintf("SELECT shard FROM shard_blacklist WHERE tenant = %s ORDER BY shard", s.placeholder(1))
	rows, err := s.db.QueryContext(ctx, q, tenant)
	if err != nil {
		return nil, fmt.Errorf("reading blacklist of %s: %w", tenant, err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var shard int
		if err := rows.Scan(&shard); err != nil {
			return nil, err
		}
		out = append(out, shard)
	}
	return out, rows.Err()
}
