package txn

import (
	"context"
	"errors"
	"strconv"

	"github.com/23skdu/shardline/internal/breaker"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Blacklister is the part of a shard manager driven by AutoBlacklister
type Blacklister interface {
	BlacklistShard(ctx context.Context, shard int) error
	UnblacklistShard(ctx context.Context, shard int) error
	IsBlacklisted(shard int) bool
}

// Pinger checks whether a shard answers
type Pinger func(ctx context.Context, shard int) error

// AutoBlacklister feeds persistence failures of each shard into a circuit breaker.
// A tripped breaker blacklists its shard; Probe lets a cooled-down breaker test the
// shard again and unblacklists it when the probe succeeds.
type AutoBlacklister struct {
	tenant   string
	target   Blacklister
	breakers *breaker.Registry
	shards   *xsync.MapOf[string, int]
	logger   *zap.Logger
}

// NewAutoBlacklister creates the breakers of one tenant
func NewAutoBlacklister(tenant string, target Blacklister, st breaker.Settings, logger *zap.Logger) *AutoBlacklister {
	a := &AutoBlacklister{
		tenant: tenant,
		target: target,
		shards: xsync.NewMapOf[string, int](),
		logger: logging.OrNop(logger).With(logging.Tenant(tenant)),
	}
	userHook := st.OnStateChange
	st.OnStateChange = func(name string, from, to breaker.State) {
		a.onStateChange(name, from, to)
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	a.breakers = breaker.NewRegistry(st)
	return a
}

func (a *AutoBlacklister) breakerFor(shardName string, shard int) *breaker.Breaker {
	a.shards.Store(shardName, shard)
	return a.breakers.Get(shardName)
}

// Observer records the outcome of every operation. Only persistence failures count
// against a shard; rejected, invalid or cancelled operations say nothing about its health.
func (a *AutoBlacklister) Observer() Observer {
	return func(next Handler) Handler {
		return func(ctx context.Context, ec *ExecutionContext, op OpContext) error {
			err := next(ctx, ec, op)
			b := a.breakerFor(ec.ShardName, ec.Shard)
			switch {
			case err == nil:
				b.Record(true)
			case serr.IsType(err, serr.ErrorTypePersistence) &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded):
				b.Record(false)
			}
			return err
		}
	}
}

// Probe pings every shard whose breaker is half-open and records the result
func (a *AutoBlacklister) Probe(ctx context.Context, ping Pinger) {
	a.shards.Range(func(name string, shard int) bool {
		b := a.breakers.Get(name)
		if b.State() != breaker.StateHalfOpen || !b.Allow() {
			return true
		}
		err := ping(ctx, shard)
		if err != nil {
			a.logger.Warn("Shard probe failed", logging.Shard(shard), zap.Error(err))
		}
		b.Record(err == nil)
		return true
	})
}

// States returns the breaker state per shard name
func (a *AutoBlacklister) States() map[string]breaker.State {
	return a.breakers.States()
}

func (a *AutoBlacklister) onStateChange(name string, from, to breaker.State) {
	shard, ok := a.shards.Load(name)
	if !ok {
		return
	}
	metrics.ShardBreakerState.WithLabelValues(a.tenant, strconv.Itoa(shard)).Set(float64(to))
	a.logger.Info("Shard breaker changed state",
		logging.Shard(shard), zap.Stringer("from", from), zap.Stringer("to", to))

	ctx := context.Background()
	switch to {
	case breaker.StateOpen:
		if a.target.IsBlacklisted(shard) {
			return
		}
		if err := a.target.BlacklistShard(ctx, shard); err != nil {
			a.logger.Error("Auto-blacklisting failed", logging.Shard(shard), zap.Error(err))
		}
	case breaker.StateClosed:
		if from != breaker.StateHalfOpen || !a.target.IsBlacklisted(shard) {
			return
		}
		if err := a.target.UnblacklistShard(ctx, shard); err != nil {
			a.logger.Error("Auto-unblacklisting failed", logging.Shard(shard), zap.Error(err))
		}
	}
}
