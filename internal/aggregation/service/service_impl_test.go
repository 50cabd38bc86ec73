package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/metric"
	usagedomain "github.com/smallbiznis/quotaflow/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fixture struct {
	svc   aggdomain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clk   *clock.FakeClock
	count int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&usagedomain.UsageEvent{}, &aggdomain.Aggregation{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    gdb,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	return &fixture{svc: svc, db: gdb, node: node, clk: clk}
}

func (f *fixture) seedEvent(t *testing.T, occurredAt time.Time, quantity float64, accepted bool) {
	t.Helper()
	require.NoError(t, f.db.Create(&usagedomain.UsageEvent{
		ID:         f.node.Generate(),
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   quantity,
		Accepted:   accepted,
		OccurredAt: occurredAt,
		CreatedAt:  occurredAt,
	}).Error)
	f.count++
}

func hourKey(start time.Time) aggdomain.RollupKey {
	return aggdomain.RollupKey{
		TenantID:    1,
		MetricType:  metric.TypeAPICall,
		BucketType:  aggdomain.BucketHour,
		BucketStart: start,
	}
}

func TestRollupComputesBucketStats(t *testing.T) {
	fx := newFixture(t)
	bucket := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	fx.seedEvent(t, bucket.Add(5*time.Minute), 4, true)
	fx.seedEvent(t, bucket.Add(20*time.Minute), 10, true)
	fx.seedEvent(t, bucket.Add(45*time.Minute), 1, true)
	// Outside the bucket and denied events stay out of the aggregate.
	fx.seedEvent(t, bucket.Add(70*time.Minute), 100, true)
	fx.seedEvent(t, bucket.Add(30*time.Minute), 100, false)

	row, err := fx.svc.Rollup(context.Background(), hourKey(bucket))
	require.NoError(t, err)
	assert.InDelta(t, 15, row.Sum, 1e-9)
	assert.InDelta(t, 5, row.Avg, 1e-9)
	assert.InDelta(t, 1, row.Min, 1e-9)
	assert.InDelta(t, 10, row.Max, 1e-9)
	assert.EqualValues(t, 3, row.SampleCount)
}

func TestRollupIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	bucket := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	fx.seedEvent(t, bucket.Add(time.Minute), 7, true)

	ctx := context.Background()
	_, err := fx.svc.Rollup(ctx, hourKey(bucket))
	require.NoError(t, err)

	// A late event lands, then the bucket is recomputed twice.
	fx.seedEvent(t, bucket.Add(2*time.Minute), 3, true)
	_, err = fx.svc.Rollup(ctx, hourKey(bucket))
	require.NoError(t, err)
	row, err := fx.svc.Rollup(ctx, hourKey(bucket))
	require.NoError(t, err)

	assert.InDelta(t, 10, row.Sum, 1e-9)

	var count int64
	require.NoError(t, fx.db.Model(&aggdomain.Aggregation{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRollupDerivesTrendFromPriorBucket(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	prev := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	cur := prev.Add(time.Hour)

	fx.seedEvent(t, prev.Add(time.Minute), 10, true)
	fx.seedEvent(t, cur.Add(time.Minute), 15, true)

	_, err := fx.svc.Rollup(ctx, hourKey(prev))
	require.NoError(t, err)

	row, err := fx.svc.Rollup(ctx, hourKey(cur))
	require.NoError(t, err)
	assert.Equal(t, aggdomain.TrendIncreasing, row.Trend)
	assert.InDelta(t, 50, row.ChangePercent, 1e-9)

	// Within the stable band no direction is claimed.
	stable := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	fx.seedEvent(t, stable.Add(time.Minute), 15.5, true)
	row, err = fx.svc.Rollup(ctx, hourKey(stable))
	require.NoError(t, err)
	assert.Equal(t, aggdomain.TrendStable, row.Trend)
}

func TestSeriesReturnsOrderedWindow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		bucket := base.Add(time.Duration(i) * time.Hour)
		fx.seedEvent(t, bucket.Add(time.Minute), float64(i+1), true)
		_, err := fx.svc.Rollup(ctx, hourKey(bucket))
		require.NoError(t, err)
	}

	series, err := fx.svc.Series(ctx, aggdomain.SeriesFilter{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		BucketType: aggdomain.BucketHour,
		From:       base.Add(time.Hour),
		To:         base.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.True(t, series[0].BucketStart.Before(series[1].BucketStart))
	assert.InDelta(t, 2, series[0].Sum, 1e-9)
	assert.InDelta(t, 3, series[1].Sum, 1e-9)
}

func TestActiveKeysExpandsBuckets(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	from := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	to := from.Add(2 * time.Hour)

	fx.seedEvent(t, from.Add(time.Minute), 1, true)

	keys, err := fx.svc.ActiveKeys(ctx, aggdomain.BucketHour, from, to)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, from, keys[0].BucketStart)
	assert.Equal(t, from.Add(time.Hour), keys[1].BucketStart)
}

func TestBucketTruncation(t *testing.T) {
	at := time.Date(2026, 3, 11, 14, 42, 7, 0, time.UTC) // a Wednesday

	assert.Equal(t, time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC), aggdomain.BucketHour.Truncate(at))
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), aggdomain.BucketDay.Truncate(at))
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), aggdomain.BucketWeek.Truncate(at))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), aggdomain.BucketMonth.Truncate(at))
}
