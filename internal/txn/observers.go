package txn

import (
	"context"
	"strconv"
	"time"

	"github.com/23skdu/shardline/internal/bucket"
	"github.com/23skdu/shardline/internal/entity"
	serr "github.com/23skdu/shardline/internal/errors"
	"github.com/23skdu/shardline/internal/logging"
	"github.com/23skdu/shardline/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// LoggingObserver logs every operation at debug level and failures at warn level
func LoggingObserver(logger *zap.Logger) Observer {
	logger = logging.OrNop(logger)
	return func(next Handler) Handler {
		return func(ctx context.Context, ec *ExecutionContext, op OpContext) error {
			fields := append(ec.fields(), zap.String("request_id", uuid.NewString()))
			logger.Debug("Executing operation", fields...)

			start := time.Now()
			err := next(ctx, ec, op)
			fields = append(fields, zap.Duration("duration", time.Since(start)))
			if err != nil {
				logger.Warn("Operation failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("Operation completed", fields...)
			return nil
		}
	}
}

// MetricsObserver counts operations and observes their latency
func MetricsObserver() Observer {
	return func(next Handler) Handler {
		return func(ctx context.Context, ec *ExecutionContext, op OpContext) error {
			start := time.Now()
			err := next(ctx, ec, op)

			status := "ok"
			if err != nil {
				status = string(serr.TypeOf(err))
				if status == "" {
					status = "error"
				}
			}
			metrics.OperationsTotal.WithLabelValues(ec.Tenant, strconv.Itoa(ec.Shard), ec.Command, status).Inc()
			metrics.OperationDurationSeconds.WithLabelValues(ec.Tenant, ec.Command).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// TracingObserver wraps every operation in a span
func TracingObserver(tracer trace.Tracer) Observer {
	return func(next Handler) Handler {
		return func(ctx context.Context, ec *ExecutionContext, op OpContext) error {
			ctx, span := tracer.Start(ctx, "txn."+ec.Command, trace.WithAttributes(
				attribute.String("shardline.tenant", ec.Tenant),
				attribute.Int("shardline.shard", ec.Shard),
				attribute.String("shardline.shard_name", ec.ShardName),
				attribute.String("shardline.entity", ec.Entity),
				attribute.String("shardline.op", string(ec.OpType)),
				attribute.Bool("shardline.read_only", ec.ReadOnly),
			))
			defer span.End()

			err := next(ctx, ec, op)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// BucketKeyObserver stores the routing bucket on every entity an operation writes, so
// persisted bucket keys always match the bucket the write was routed by, whatever the
// caller put there.
func BucketKeyObserver(extractor bucket.Extractor) Observer {
	return func(next Handler) Handler {
		return func(ctx context.Context, ec *ExecutionContext, op OpContext) error {
			if m, ok := op.(EntityMutator); ok {
				tenant := ec.Tenant
				m.BeforePersist(func(keys entity.Keys, e any) error {
					if keys == nil {
						return nil
					}
					key, err := keys.RoutingKey(e)
					if err != nil {
						return err
					}
					keys.SetBucketKey(e, extractor.BucketID(tenant, key))
					return nil
				})
			}
			return next(ctx, ec, op)
		}
	}
}
