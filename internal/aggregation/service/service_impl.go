package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/metric"
	obsmetrics "github.com/smallbiznis/quotaflow/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stableBandPercent is the change band treated as no trend movement.
const stableBandPercent = 5.0

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) aggdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("aggregation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

type bucketStats struct {
	Sum         float64
	Avg         float64
	Min         float64
	Max         float64
	SampleCount int64
}

func (s *Service) Rollup(ctx context.Context, key aggdomain.RollupKey) (*aggdomain.Aggregation, error) {
	if key.TenantID == 0 {
		return nil, quotadomain.ErrInvalidTenant
	}
	if !key.MetricType.Valid() {
		return nil, metric.ErrInvalidMetric
	}
	if !key.BucketType.Valid() {
		return nil, aggdomain.ErrInvalidBucket
	}

	bucketStart := key.BucketType.Truncate(key.BucketStart)
	bucketEnd := key.BucketType.End(bucketStart)

	var stats bucketStats
	err := s.db.WithContext(ctx).
		Table("usage_events").
		Select(`COALESCE(SUM(quantity), 0) AS sum,
			COALESCE(AVG(quantity), 0) AS avg,
			COALESCE(MIN(quantity), 0) AS min,
			COALESCE(MAX(quantity), 0) AS max,
			COUNT(*) AS sample_count`).
		Where("tenant_id = ? AND metric_type = ? AND accepted = ? AND occurred_at >= ? AND occurred_at < ?",
			key.TenantID, key.MetricType, true, bucketStart, bucketEnd).
		Scan(&stats).Error
	if err != nil {
		return nil, err
	}

	trend, changePercent, err := s.trendAgainstPrev(ctx, key, bucketStart, stats.Sum)
	if err != nil {
		return nil, err
	}

	row := &aggdomain.Aggregation{
		ID:            s.genID.Generate(),
		TenantID:      key.TenantID,
		MetricType:    key.MetricType,
		BucketType:    key.BucketType,
		BucketStart:   bucketStart,
		Sum:           stats.Sum,
		Avg:           stats.Avg,
		Min:           stats.Min,
		Max:           stats.Max,
		SampleCount:   stats.SampleCount,
		Trend:         trend,
		ChangePercent: changePercent,
		ComputedAt:    s.clock.Now(),
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"}, {Name: "metric_type"},
			{Name: "bucket_type"}, {Name: "bucket_start"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"sum", "avg", "min", "max", "sample_count",
			"trend", "change_percent", "computed_at",
		}),
	}).Create(row).Error
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordRollup(ctx, string(key.BucketType))
	return row, nil
}

func (s *Service) trendAgainstPrev(ctx context.Context, key aggdomain.RollupKey, bucketStart time.Time, sum float64) (aggdomain.Trend, float64, error) {
	var prev aggdomain.Aggregation
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND metric_type = ? AND bucket_type = ? AND bucket_start = ?",
			key.TenantID, key.MetricType, key.BucketType, key.BucketType.Prev(bucketStart)).
		First(&prev).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return aggdomain.TrendStable, 0, nil
		}
		return "", 0, err
	}
	if prev.Sum == 0 {
		if sum == 0 {
			return aggdomain.TrendStable, 0, nil
		}
		return aggdomain.TrendIncreasing, 100, nil
	}

	change := (sum - prev.Sum) / prev.Sum * 100
	switch {
	case math.Abs(change) <= stableBandPercent:
		return aggdomain.TrendStable, change, nil
	case change > 0:
		return aggdomain.TrendIncreasing, change, nil
	default:
		return aggdomain.TrendDecreasing, change, nil
	}
}

func (s *Service) Series(ctx context.Context, filter aggdomain.SeriesFilter) ([]*aggdomain.Aggregation, error) {
	if filter.TenantID == 0 {
		return nil, quotadomain.ErrInvalidTenant
	}
	if !filter.MetricType.Valid() {
		return nil, metric.ErrInvalidMetric
	}
	if !filter.BucketType.Valid() {
		return nil, aggdomain.ErrInvalidBucket
	}

	query := s.db.WithContext(ctx).
		Where("tenant_id = ? AND metric_type = ? AND bucket_type = ?",
			filter.TenantID, filter.MetricType, filter.BucketType).
		Order("bucket_start ASC")
	if !filter.From.IsZero() {
		query = query.Where("bucket_start >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("bucket_start < ?", filter.To)
	}

	var rows []*aggdomain.Aggregation
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) ActiveKeys(ctx context.Context, bucketType aggdomain.BucketType, from, to time.Time) ([]aggdomain.RollupKey, error) {
	if !bucketType.Valid() {
		return nil, aggdomain.ErrInvalidBucket
	}

	type pair struct {
		TenantID   snowflake.ID
		MetricType metric.Type
	}
	var pairs []pair
	err := s.db.WithContext(ctx).
		Table("usage_events").
		Select("DISTINCT tenant_id, metric_type").
		Where("accepted = ? AND occurred_at >= ? AND occurred_at < ?", true, from, to).
		Scan(&pairs).Error
	if err != nil {
		return nil, err
	}

	keys := make([]aggdomain.RollupKey, 0, len(pairs))
	for _, p := range pairs {
		for start := bucketType.Truncate(from); start.Before(to); start = bucketType.End(start) {
			keys = append(keys, aggdomain.RollupKey{
				TenantID:    p.TenantID,
				MetricType:  p.MetricType,
				BucketType:  bucketType,
				BucketStart: start,
			})
		}
	}
	return keys, nil
}
