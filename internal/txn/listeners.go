package txn

import (
	"context"
	"errors"
	"fmt"

	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/limiter"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/metrics"
	"go.uber.org/zap"
)

// ErrOperationBlocked is returned when a filter rejects an operation
var ErrOperationBlocked = errors.New("txn: operation blocked by filter")

// Listener is notified around every operation. Listener panics are recovered and
// logged; they never fail the operation.
type Listener interface {
	BeforeExecute(ctx context.Context, ec *ExecutionContext)
	AfterExecute(ctx context.Context, ec *ExecutionContext)
	AfterException(ctx context.Context, ec *ExecutionContext, err error)
}

// ListenerObserver notifies listeners in registration order
func ListenerObserver(logger *zap.Logger, listeners ...Listener) Observer {
	logger = logging.OrNop(logger)
	notify := func(ec *ExecutionContext, fn func()) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Transaction listener panicked", append(ec.fields(), zap.Any("panic", r))...)
			}
		}()
		fn()
	}

	return func(next Handler) Handler {
		return func(ctx context.Context, ec *ExecutionContext, op OpContext) error {
			for _, l := range listeners {
				notify(ec, func() { l.BeforeExecute(ctx, ec) })
			}
			err := next(ctx, ec, op)
			for _, l := range listeners {
				if err != nil {
					notify(ec, func() { l.AfterException(ctx, ec, err) })
				} else {
					notify(ec, func() { l.AfterExecute(ctx, ec) })
				}
			}
			return err
		}
	}
}

// FilterResult is the verdict of a Filter
type FilterResult struct {
	Allowed bool
	Reason  string
}

// Allow is the verdict letting an operation through
func Allow() FilterResult {
	return FilterResult{Allowed: true}
}

// Block is the verdict rejecting an operation
func Block(reason string) FilterResult {
	return FilterResult{Reason: reason}
}

// Filter decides whether an operation may run before any unit of work is opened
type Filter interface {
	Name() string
	Evaluate(ctx context.Context, ec *ExecutionContext) FilterResult
}

// FilterFunc adapts a function to Filter
type FilterFunc struct {
	FilterName string
	Fn         func(ctx context.Context, ec *ExecutionContext) FilterResult
}

func (f FilterFunc) Name() string { return f.FilterName }

func (f FilterFunc) Evaluate(ctx context.Context, ec *ExecutionContext) FilterResult {
	return f.Fn(ctx, ec)
}

// FilterObserver evaluates filters in order; the first rejection fails the operation
// with ErrOperationBlocked.
func FilterObserver(filters ...Filter) Observer {
	return func(next Handler) Handler {
		return func(ctx context.Context, ec *ExecutionContext, op OpContext) error {
			for _, f := range filters {
				res := f.Evaluate(ctx, ec)
				if res.Allowed {
					continue
				}
				metrics.FilterBlockedTotal.WithLabelValues(ec.Tenant, f.Name()).Inc()
				return serr.WrapValidationError(ErrOperationBlocked, ec.Command,
					fmt.Sprintf("filter %s: %s", f.Name(), res.Reason)).
					WithContext("tenant", ec.Tenant).
					WithContext("shard", ec.Shard)
			}
			return next(ctx, ec, op)
		}
	}
}

// RateLimitFilter admits operations per shard through a token bucket
type RateLimitFilter struct {
	limiter *limiter.KeyedLimiter
}

// NewRateLimitFilter creates a filter. A disabled config admits everything.
func NewRateLimitFilter(cfg limiter.Config) *RateLimitFilter {
	return &RateLimitFilter{limiter: limiter.New(cfg)}
}

func (f *RateLimitFilter) Name() string { return "rate_limit" }

func (f *RateLimitFilter) Evaluate(ctx context.Context, ec *ExecutionContext) FilterResult {
	if err := f.limiter.Acquire(ctx, ec.ShardName); err != nil {
		return Block(err.Error())
	}
	return Allow()
}
