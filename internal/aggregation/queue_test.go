package aggregation

import (
	"context"
	"sync"
	"testing"
	"time"

	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingService struct {
	mu   sync.Mutex
	keys []aggdomain.RollupKey
}

func (s *recordingService) Rollup(_ context.Context, key aggdomain.RollupKey) (*aggdomain.Aggregation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	return &aggdomain.Aggregation{}, nil
}

func (s *recordingService) Series(context.Context, aggdomain.SeriesFilter) ([]*aggdomain.Aggregation, error) {
	return nil, nil
}

func (s *recordingService) ActiveKeys(context.Context, aggdomain.BucketType, time.Time, time.Time) ([]aggdomain.RollupKey, error) {
	return nil, nil
}

func testKey(hour int) aggdomain.RollupKey {
	return aggdomain.RollupKey{
		TenantID:    1,
		MetricType:  metric.TypeAPICall,
		BucketType:  aggdomain.BucketHour,
		BucketStart: time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC),
	}
}

func TestQueueDeduplicatesPendingKeys(t *testing.T) {
	svc := &recordingService{}
	q := NewQueue(svc, zap.NewNop())

	require.NoError(t, q.Enqueue(testKey(9)))
	require.NoError(t, q.Enqueue(testKey(9)))
	require.NoError(t, q.Enqueue(testKey(10)))
	assert.Equal(t, 2, q.Len())

	processed := q.DrainOnce(context.Background(), 10)
	assert.Equal(t, 2, processed)
	assert.Len(t, svc.keys, 2)
}

func TestQueueReenqueueAfterDrain(t *testing.T) {
	svc := &recordingService{}
	q := NewQueue(svc, zap.NewNop())

	require.NoError(t, q.Enqueue(testKey(9)))
	q.DrainOnce(context.Background(), 10)

	// Once drained the key may be enqueued again for a late recompute.
	require.NoError(t, q.Enqueue(testKey(9)))
	assert.Equal(t, 1, q.Len())
}

func TestQueueDrainRespectsBatchSize(t *testing.T) {
	svc := &recordingService{}
	q := NewQueue(svc, zap.NewNop())

	for hour := 0; hour < 5; hour++ {
		require.NoError(t, q.Enqueue(testKey(hour)))
	}

	processed := q.DrainOnce(context.Background(), 3)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueHourNormalizesBucketStart(t *testing.T) {
	svc := &recordingService{}
	q := NewQueue(svc, zap.NewNop())

	q.EnqueueHour(1, metric.TypeAPICall, time.Date(2026, 3, 10, 9, 42, 13, 0, time.UTC))
	q.DrainOnce(context.Background(), 1)

	require.Len(t, svc.keys, 1)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), svc.keys[0].BucketStart)
}
