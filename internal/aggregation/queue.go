// Package aggregation wires the rollup service with its in-process work
// queue. Ingest enqueues the live hour bucket; the scheduler enqueues closed
// buckets and drains the backlog.
package aggregation

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"go.uber.org/zap"
)

const (
	defaultQueueCapacity = 1024
	rollupItemTimeout    = 10 * time.Second
)

// Queue is a bounded, deduplicating rollup work queue. A key already
// waiting is not enqueued twice, which keeps the hot live-hour bucket from
// flooding the backlog. Overflow is returned to the producer, not dropped
// silently.
type Queue struct {
	svc aggdomain.Service
	log *zap.Logger

	mu      sync.Mutex
	pending map[aggdomain.RollupKey]struct{}
	ch      chan aggdomain.RollupKey
}

func NewQueue(svc aggdomain.Service, log *zap.Logger) *Queue {
	return &Queue{
		svc:     svc,
		log:     log.Named("aggregation.queue"),
		pending: make(map[aggdomain.RollupKey]struct{}),
		ch:      make(chan aggdomain.RollupKey, defaultQueueCapacity),
	}
}

func (q *Queue) Enqueue(key aggdomain.RollupKey) error {
	key.BucketStart = key.BucketType.Truncate(key.BucketStart)

	q.mu.Lock()
	if _, dup := q.pending[key]; dup {
		q.mu.Unlock()
		return nil
	}
	select {
	case q.ch <- key:
		q.pending[key] = struct{}{}
		q.mu.Unlock()
		return nil
	default:
		q.mu.Unlock()
		return aggdomain.ErrQueueFull
	}
}

// EnqueueHour satisfies the usage ingest hook. A full queue only delays the
// refresh until the next scheduled sweep, so the error is logged, not returned.
func (q *Queue) EnqueueHour(tenantID snowflake.ID, metricType metric.Type, bucketStart time.Time) {
	err := q.Enqueue(aggdomain.RollupKey{
		TenantID:    tenantID,
		MetricType:  metricType,
		BucketType:  aggdomain.BucketHour,
		BucketStart: bucketStart,
	})
	if err != nil {
		q.log.Warn("live bucket enqueue dropped", zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
			zap.String("metric_type", metricType.String()),
		)
	}
}

// DrainOnce processes up to max queued keys and returns how many it ran.
// Rollup failures are logged and the key is surrendered; the scheduler's
// closed-bucket sweep recomputes it later.
func (q *Queue) DrainOnce(ctx context.Context, max int) int {
	processed := 0
	for processed < max {
		select {
		case <-ctx.Done():
			return processed
		case key := <-q.ch:
			q.mu.Lock()
			delete(q.pending, key)
			q.mu.Unlock()

			itemCtx, cancel := context.WithTimeout(ctx, rollupItemTimeout)
			_, err := q.svc.Rollup(itemCtx, key)
			cancel()
			if err != nil {
				q.log.Error("rollup failed", zap.Error(err),
					zap.String("tenant_id", key.TenantID.String()),
					zap.String("metric_type", key.MetricType.String()),
					zap.String("bucket_type", string(key.BucketType)),
					zap.Time("bucket_start", key.BucketStart),
				)
			}
			processed++
		default:
			return processed
		}
	}
	return processed
}

// Len reports the queue backlog.
func (q *Queue) Len() int {
	return len(q.ch)
}
