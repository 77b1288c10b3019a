// Package limiter throttles operations with one token bucket per key.
package limiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/shardline/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// ErrLimited is returned when a key has exhausted its budget
var ErrLimited = errors.New("limiter: rate limit exceeded")

// Config holds rate limiter configuration
type Config struct {
	RPS   int  `envconfig:"RATE_LIMIT_RPS" default:"0" mapstructure:"rps"`     // 0 means disabled
	Burst int  `envconfig:"RATE_LIMIT_BURST" default:"0" mapstructure:"burst"` // 0 means use RPS
	Wait  bool `envconfig:"RATE_LIMIT_WAIT" default:"false" mapstructure:"wait"`
}

// KeyedLimiter keeps one token bucket per key (typically tenant/shard)
type KeyedLimiter struct {
	cfg      Config
	enabled  bool
	limiters *xsync.MapOf[string, *rate.Limiter]
}

// New creates a keyed limiter. With Wait set, callers block for a token until their
// context ends; otherwise an empty bucket fails immediately.
func New(cfg Config) *KeyedLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RPS
	}
	return &KeyedLimiter{
		cfg:      cfg,
		enabled:  cfg.RPS > 0,
		limiters: xsync.NewMapOf[string, *rate.Limiter](),
	}
}

// Enabled reports whether any limit is configured
func (l *KeyedLimiter) Enabled() bool {
	return l.enabled
}

func (l *KeyedLimiter) get(key string) *rate.Limiter {
	lim, _ := l.limiters.LoadOrCompute(key, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	})
	return lim
}

// Acquire takes one token for key
func (l *KeyedLimiter) Acquire(ctx context.Context, key string) error {
	if !l.enabled {
		return nil
	}
	lim := l.get(key)

	if !l.cfg.Wait {
		if !lim.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
			return fmt.Errorf("%w for %s", ErrLimited, key)
		}
		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		return nil
	}

	if err := lim.Wait(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// the wait would outlast the context deadline
		metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
		return fmt.Errorf("%w for %s", ErrLimited, key)
	}
	metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
	return nil
}
