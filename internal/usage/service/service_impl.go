package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/metric"
	obsmetrics "github.com/smallbiznis/quotaflow/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"github.com/smallbiznis/quotaflow/internal/ratelimit"
	usagedomain "github.com/smallbiznis/quotaflow/internal/usage/domain"
	"github.com/smallbiznis/quotaflow/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Quota      quotadomain.Service
	Clock      clock.Clock
	Limiter    *ratelimit.IngestLimiter  `optional:"true"`
	Enqueuer   usagedomain.RollupEnqueuer `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	quota      quotadomain.Service
	clock      clock.Clock
	limiter    *ratelimit.IngestLimiter
	enqueuer   usagedomain.RollupEnqueuer
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("usage.service"),
		genID:      p.GenID,
		quota:      p.Quota,
		clock:      p.Clock,
		limiter:    p.Limiter,
		enqueuer:   p.Enqueuer,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Track(ctx context.Context, req usagedomain.TrackRequest) (usagedomain.TrackResult, error) {
	if req.TenantID == 0 {
		return usagedomain.TrackResult{}, quotadomain.ErrInvalidTenant
	}
	if !req.MetricType.Valid() {
		return usagedomain.TrackResult{}, metric.ErrInvalidMetric
	}
	if req.Quantity <= 0 {
		return usagedomain.TrackResult{}, quotadomain.ErrInvalidQuantity
	}

	admitted, err := s.limiter.AllowTenant(ctx, req.TenantID)
	if err != nil {
		// Redis trouble must not take down metering; admit and log.
		s.log.Warn("rate limiter unavailable, admitting", zap.Error(err))
	} else if !admitted.Allowed {
		return usagedomain.TrackResult{}, usagedomain.ErrRateLimited
	}

	occurredAt := req.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now()
	}

	commit, commitErr := s.quota.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:       req.TenantID,
		MetricType:     req.MetricType,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
	})
	if commitErr != nil && !errors.Is(commitErr, quotadomain.ErrQuotaExceeded) {
		return usagedomain.TrackResult{}, commitErr
	}

	if commit.Deduplicated {
		return usagedomain.TrackResult{
			Accepted:        commit.Accepted,
			Deduplicated:    true,
			OverageQuantity: commit.OverageQuantity,
			UsagePercent:    commit.NewUsagePercent,
		}, nil
	}

	event := &usagedomain.UsageEvent{
		ID:              s.genID.Generate(),
		TenantID:        req.TenantID,
		MetricType:      req.MetricType,
		SubjectID:       req.SubjectID,
		Quantity:        req.Quantity,
		LatencyMs:       req.LatencyMs,
		ErrorOccurred:   req.ErrorOccurred,
		Accepted:        commit.Accepted,
		OverageQuantity: commit.OverageQuantity,
		IdempotencyKey:  req.IdempotencyKey,
		Metadata:        datatypes.JSONMap(req.Metadata),
		OccurredAt:      occurredAt,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		s.log.Error("usage event insert failed", zap.Error(err),
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("metric_type", req.MetricType.String()),
		)
		return usagedomain.TrackResult{}, err
	}

	s.obsMetrics.RecordUsageIngest(ctx, req.MetricType.String())
	if s.enqueuer != nil && commit.Accepted {
		s.enqueuer.EnqueueHour(req.TenantID, req.MetricType, occurredAt.UTC().Truncate(time.Hour))
	}

	result := usagedomain.TrackResult{
		EventID:         event.ID,
		Accepted:        commit.Accepted,
		OverageQuantity: commit.OverageQuantity,
		UsagePercent:    commit.NewUsagePercent,
	}
	if commitErr != nil {
		return result, commitErr
	}
	return result, nil
}

func (s *Service) List(ctx context.Context, filter usagedomain.ListFilter) ([]*usagedomain.UsageEvent, *pagination.PageInfo, error) {
	if filter.TenantID == 0 {
		return nil, nil, quotadomain.ErrInvalidTenant
	}

	limit := filter.Pagination.PageSize
	if limit <= 0 {
		limit = 50
	}

	query := s.db.WithContext(ctx).
		Where("tenant_id = ?", filter.TenantID).
		Order("id DESC").
		Limit(limit + 1)

	if filter.MetricType != "" {
		if !filter.MetricType.Valid() {
			return nil, nil, metric.ErrInvalidMetric
		}
		query = query.Where("metric_type = ?", filter.MetricType)
	}
	if !filter.From.IsZero() {
		query = query.Where("occurred_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("occurred_at < ?", filter.To)
	}
	if token := filter.Pagination.PageToken; token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, nil, err
		}
		lastID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, err
		}
		query = query.Where("id < ?", lastID)
	}

	var events []*usagedomain.UsageEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, nil, err
	}

	pageInfo := pagination.BuildCursorPageInfo(events, limit, func(e *usagedomain.UsageEvent) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: e.ID.String()})
		return token
	})
	if len(events) > limit {
		events = events[:limit]
	}
	return events, pageInfo, nil
}

func (s *Service) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("occurred_at < ?", cutoff).
		Delete(&usagedomain.UsageEvent{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		s.log.Info("pruned raw usage events",
			zap.Int64("deleted", res.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return res.RowsAffected, nil
}
