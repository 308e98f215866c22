package cluster

import (
	"context"
	"time"

	obsmetrics "github.com/amirimatin/go-poolcluster/pkg/observability/metrics"
	"github.com/amirimatin/go-poolcluster/pkg/observability/tracing"
)

// instrument runs fn inside a span and records its outcome and latency.
func instrument(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, end := tracing.StartOp(ctx, op)
	err := fn(ctx)
	end(err)
	obsmetrics.Operations.WithLabelValues(op, obsmetrics.Result(err)).Inc()
	obsmetrics.OperationSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return err
}
