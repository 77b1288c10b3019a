// Package txn runs operations inside units of work.
//
// Every operation is an OpContext handed to an Executor together with the shard that
// must serve it. The Executor threads it through a chain of observers and finally
// opens a session on the shard, begins a transaction, applies the operation and
// commits, rolling back on any failure. The session is always closed.
package txn

import (
	"context"
	"errors"
	"fmt"

	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/engine"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/metrics"
	"go.uber.org/zap"
)

// ExecutionContext describes one operation as it passes the observer chain. It is
// not persisted.
type ExecutionContext struct {
	Tenant    string
	Shard     int
	ShardName string
	Entity    string
	DaoKind   string
	Command   string
	OpType    OpType
	ReadOnly  bool
}

func (ec *ExecutionContext) fields() []zap.Field {
	return []zap.Field{
		logging.Tenant(ec.Tenant),
		logging.Shard(ec.Shard),
		zap.String("shard_name", ec.ShardName),
		zap.String("entity", ec.Entity),
		zap.String("dao", ec.DaoKind),
		zap.String("command", ec.Command),
	}
}

// Request identifies where and how an operation runs
type Request struct {
	Shard    int
	ReadOnly bool
	Command  string
	Entity   string
	DaoKind  string
}

// Handler executes an operation
type Handler func(ctx context.Context, ec *ExecutionContext, op OpContext) error

// Observer wraps a Handler. It must call next exactly once to continue the chain, or
// return without calling it to short-circuit the operation.
type Observer func(next Handler) Handler

// Options tune the terminal handler
type Options struct {
	// SkipReadOnlyTransaction runs read-only operations without begin/commit.
	SkipReadOnlyTransaction bool
	// ShardName renders the shard name used in logs and metrics.
	ShardName func(shard int) string
}

// Executor runs operations of one tenant
type Executor struct {
	tenant  string
	engine  engine.Engine
	opts    Options
	logger  *zap.Logger
	handler Handler
}

// NewExecutor builds the observer chain. The first observer is the outermost.
func NewExecutor(tenant string, eng engine.Engine, opts Options, logger *zap.Logger, observers ...Observer) *Executor {
	if opts.ShardName == nil {
		opts.ShardName = func(shard int) string { return fmt.Sprintf("%s_%d", tenant, shard) }
	}
	x := &Executor{
		tenant: tenant,
		engine: eng,
		opts:   opts,
		logger: logging.OrNop(logger).With(logging.Tenant(tenant)),
	}
	h := x.terminal
	for i := len(observers) - 1; i >= 0; i-- {
		h = observers[i](h)
	}
	x.handler = h
	return x
}

// Tenant returns the tenant the executor serves
func (x *Executor) Tenant() string {
	return x.tenant
}

// Engine returns the tenant's engine
func (x *Executor) Engine() engine.Engine {
	return x.engine
}

// Execute runs op on req.Shard. Results are written into op.
func (x *Executor) Execute(ctx context.Context, req Request, op OpContext) error {
	ec := &ExecutionContext{
		Tenant:    x.tenant,
		Shard:     req.Shard,
		ShardName: x.opts.ShardName(req.Shard),
		Entity:    req.Entity,
		DaoKind:   req.DaoKind,
		Command:   req.Command,
		OpType:    op.Type(),
		ReadOnly:  req.ReadOnly,
	}
	if ec.Command == "" {
		ec.Command = string(op.Type())
	}
	return x.handler(ctx, ec, op)
}

func (x *Executor) terminal(ctx context.Context, ec *ExecutionContext, op OpContext) (err error) {
	s, err := x.engine.Open(ctx, ec.Shard)
	if err != nil {
		return serr.WrapPersistenceError(err, "open_session", ec.ShardName).WithContext("tenant", ec.Tenant)
	}
	gauge := metrics.SessionsOpen.WithLabelValues(ec.Tenant)
	gauge.Inc()
	defer func() {
		gauge.Dec()
		if cerr := s.Close(); cerr != nil {
			x.logger.Warn("Failed to close session", append(ec.fields(), zap.Error(cerr))...)
			if err == nil {
				err = serr.WrapPersistenceError(cerr, "close_session", ec.ShardName)
			}
		}
	}()

	transactional := !(ec.ReadOnly && x.opts.SkipReadOnlyTransaction)
	if transactional {
		if err := s.Begin(ctx, ec.ReadOnly); err != nil {
			return serr.WrapPersistenceError(err, "begin", ec.ShardName).WithContext("tenant", ec.Tenant)
		}
	}

	if err := op.apply(ctx, newUnit(s, op)); err != nil {
		if transactional {
			if rbErr := s.Rollback(ctx); rbErr != nil {
				x.logger.Error("Rollback failed", append(ec.fields(), zap.Error(rbErr))...)
			}
		}
		return classify(err, ec)
	}

	if transactional {
		if err := s.Commit(ctx); err != nil {
			return serr.WrapPersistenceError(err, "commit", ec.ShardName).WithContext("tenant", ec.Tenant)
		}
	}
	return nil
}

// classify keeps structured errors raised by callbacks and marks everything else as a
// persistence failure. The cause stays reachable through errors.Is and errors.As.
func classify(err error, ec *ExecutionContext) error {
	if serr.TypeOf(err) != "" || errors.Is(err, ErrNotFound) {
		return err
	}
	return serr.WrapPersistenceError(err, ec.Command, ec.ShardName).
		WithContext("tenant", ec.Tenant).
		WithContext("entity", ec.Entity)
}
