package forecast

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/metric"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultWindowDays = 30

type Request struct {
	TenantID    snowflake.ID `json:"tenant_id"`
	MetricType  metric.Type  `json:"metric_type"`
	ModelType   ModelType    `json:"model_type"`
	HorizonDays int          `json:"horizon_days"`
	WindowDays  int          `json:"window_days"`
}

type Result struct {
	MetricType     metric.Type `json:"metric_type"`
	ModelType      ModelType   `json:"model_type"`
	HorizonDays    int         `json:"horizon_days"`
	PredictedDaily float64     `json:"predicted_daily"`
	LowerBound     float64     `json:"lower_bound"`
	UpperBound     float64     `json:"upper_bound"`
	Accuracy       float64     `json:"accuracy"`

	// Period projection against the quota snapshot. WillExceedQuota is the
	// period-aware projection; PredictionExceedsLimit compares the raw model
	// output to the limit without extending it to period end.
	ProjectedPeriodTotal   float64 `json:"projected_period_total"`
	WillExceedQuota        bool    `json:"will_exceed_quota"`
	PredictionExceedsLimit bool    `json:"prediction_exceeds_limit"`
	EstimatedOverageCost   float64 `json:"estimated_overage_cost"`
}

type Params struct {
	fx.In

	Log         *zap.Logger
	Aggregation aggdomain.Service
	Quota       quotadomain.Service
	Clock       clock.Clock
}

type Service struct {
	log         *zap.Logger
	aggregation aggdomain.Service
	quota       quotadomain.Service
	clock       clock.Clock
}

func NewService(p Params) *Service {
	return &Service{
		log:         p.Log.Named("forecast.service"),
		aggregation: p.Aggregation,
		quota:       p.Quota,
		clock:       p.Clock,
	}
}

// Forecast loads the daily series, runs the selected model, and projects
// the remaining period against the quota snapshot.
func (s *Service) Forecast(ctx context.Context, req Request) (Result, error) {
	if req.TenantID == 0 {
		return Result{}, quotadomain.ErrInvalidTenant
	}
	if !req.MetricType.Valid() {
		return Result{}, metric.ErrInvalidMetric
	}

	model, err := ForModelType(req.ModelType)
	if err != nil {
		return Result{}, err
	}
	modelType := req.ModelType
	if modelType == "" {
		modelType = ModelLinearRegression
	}

	horizon := req.HorizonDays
	if horizon < 1 {
		horizon = 1
	}
	window := req.WindowDays
	if window < MinPoints {
		window = defaultWindowDays
	}

	today := aggdomain.BucketDay.Truncate(s.clock.Now())
	series, err := s.aggregation.Series(ctx, aggdomain.SeriesFilter{
		TenantID:   req.TenantID,
		MetricType: req.MetricType,
		BucketType: aggdomain.BucketDay,
		From:       today.AddDate(0, 0, -window),
		To:         today,
	})
	if err != nil {
		return Result{}, err
	}
	if len(series) < MinPoints {
		return Result{}, ErrInsufficientData
	}

	points := make([]Point, 0, len(series))
	for _, row := range series {
		points = append(points, Point{Timestamp: row.BucketStart, Value: row.Sum})
	}

	prediction, err := model.Predict(points, horizon)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		MetricType:     req.MetricType,
		ModelType:      modelType,
		HorizonDays:    horizon,
		PredictedDaily: prediction.PredictedValue,
		LowerBound:     prediction.LowerBound,
		UpperBound:     prediction.UpperBound,
		Accuracy:       prediction.Accuracy,
	}

	snapshot, err := s.quota.Snapshot(ctx, req.TenantID, req.MetricType)
	if err != nil {
		// A missing entitlement still leaves the raw prediction useful.
		s.log.Warn("quota snapshot unavailable for projection", zap.Error(err),
			zap.String("tenant_id", req.TenantID.String()),
			zap.String("metric_type", req.MetricType.String()),
		)
		return result, nil
	}

	result.ProjectedPeriodTotal = projectPeriodTotal(snapshot, points, model, s.clock.Now())
	if snapshot.Limit != nil && *snapshot.Limit > 0 {
		result.PredictionExceedsLimit = prediction.PredictedValue > *snapshot.Limit
		if result.ProjectedPeriodTotal > *snapshot.Limit {
			result.WillExceedQuota = true
			result.EstimatedOverageCost = (result.ProjectedPeriodTotal - *snapshot.Limit) * snapshot.OverageRate
		}
	}
	return result, nil
}

// projectPeriodTotal extends current usage with one model prediction per
// remaining day of the quota period.
func projectPeriodTotal(snapshot quotadomain.Snapshot, points []Point, model Model, now time.Time) float64 {
	daysLeft := int(snapshot.PeriodEnd.Sub(now).Hours() / 24)
	if daysLeft <= 0 {
		return snapshot.CurrentUsage
	}

	total := snapshot.CurrentUsage
	for day := 1; day <= daysLeft; day++ {
		prediction, err := model.Predict(points, day)
		if err != nil {
			break
		}
		daily := prediction.PredictedValue
		if daily < 0 {
			daily = 0
		}
		total += daily
	}
	return total
}

var Module = fx.Module("forecast",
	fx.Provide(NewService),
)
