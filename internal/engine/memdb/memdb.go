// Package memdb is an in-process engine: every shard is a set of tables held in
// memory, with row locks and buffered transactions. It backs tests and embedded
// deployments that do not need durability.
package memdb

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// DefaultLockTimeout bounds how long a session waits for a row lock
const DefaultLockTimeout = 5 * time.Second

// Engine holds numShards independent in-memory databases
type Engine struct {
	shards      []*shard
	lockTimeout time.Duration
	logger      *zap.Logger
	closed      atomic.Bool
	open        atomic.Int64
}

// Option configures an Engine
type Option func(*Engine)

// WithLockTimeout sets how long row lock acquisition may block
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.lockTimeout = d
		}
	}
}

// WithLogger sets the engine logger
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logging.OrNop(l)
	}
}

// New creates an engine with numShards empty shards
func New(numShards int, opts ...Option) *Engine {
	e := &Engine{
		shards:      make([]*shard, numShards),
		lockTimeout: DefaultLockTimeout,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	for i := range e.shards {
		e.shards[i] = &shard{
			idx:    i,
			label:  strconv.Itoa(i),
			tables: make(map[string]map[string]engine.Row),
			locks:  xsync.NewMapOf[string, chan struct{}](),
		}
	}
	return e
}

// Open implements engine.Engine.
func (e *Engine) Open(_ context.Context, shard int) (engine.Session, error) {
	if e.closed.Load() {
		return nil, engine.ErrSessionClosed
	}
	if shard < 0 || shard >= len(e.shards) {
		return nil, fmt.Errorf("%w: %d of %d", engine.ErrShardOutOfRange, shard, len(e.shards))
	}
	e.open.Add(1)
	return newSession(e, e.shards[shard]), nil
}

// NumShards implements engine.Engine.
func (e *Engine) NumShards() int {
	return len(e.shards)
}

// Close implements engine.Engine. Sessions opened afterwards fail.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// OpenSessions returns the number of sessions not yet closed
func (e *Engine) OpenSessions() int64 {
	return e.open.Load()
}

// Rows returns a copy of every committed row of table on shard, for inspection in tests
// and tools.
func (e *Engine) Rows(shard int, table string) []engine.Row {
	s := e.shards[shard]
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.Row, 0, len(s.tables[table]))
	for _, r := range s.tables[table] {
		out = append(out, r.Clone())
	}
	return out
}

type shard struct {
	idx   int
	label string

	mu     sync.RWMutex
	tables map[string]map[string]engine.Row

	// one single-slot channel per locked row, keyed by table and primary key
	locks *xsync.MapOf[string, chan struct{}]
}

func lockKey(table, key string) string {
	return table + "\x00" + key
}

func (s *shard) acquire(ctx context.Context, key string, timeout time.Duration) error {
	slot, _ := s.locks.LoadOrCompute(key, func() chan struct{} {
		return make(chan struct{}, 1)
	})

	select {
	case slot <- struct{}{}:
		return nil
	default:
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	defer func() {
		metrics.LockWaitSeconds.WithLabelValues(s.label).Observe(time.Since(start).Seconds())
	}()

	select {
	case slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w after %s", engine.ErrLockTimeout, timeout)
	}
}

func (s *shard) release(key string) {
	if slot, ok := s.locks.Load(key); ok {
		<-slot
	}
}

func (s *shard) committed(table, key string) engine.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tables[table][key].Clone()
}

func (s *shard) snapshot(table string) map[string]engine.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]engine.Row, len(s.tables[table]))
	for k, r := range s.tables[table] {
		out[k] = r.Clone()
	}
	return out
}

// apply writes staged rows; a nil row deletes
func (s *shard) apply(writes map[string]map[string]engine.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for table, rows := range writes {
		t, ok := s.tables[table]
		if !ok {
			t = make(map[string]engine.Row)
			s.tables[table] = t
		}
		for k, r := range rows {
			if r == nil {
				delete(t, k)
			} else {
				t[k] = r
			}
		}
	}
}
