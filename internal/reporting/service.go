// Package reporting composes read-only views over quotas, aggregates,
// billing, and alerts. It owns no authoritative state.
package reporting

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	alertdomain "github.com/smallbiznis/quotaflow/internal/alert/domain"
	billingdomain "github.com/smallbiznis/quotaflow/internal/billing/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"github.com/smallbiznis/quotaflow/internal/providers/render"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultTrendDays = 30

type Summary struct {
	TenantID           snowflake.ID          `json:"tenant_id"`
	Quotas             []quotadomain.Snapshot `json:"quotas"`
	PendingOverageCost float64               `json:"pending_overage_cost"`
	ActiveAlerts       int64                 `json:"active_alerts"`
	GeneratedAt        time.Time             `json:"generated_at"`
}

type Trends struct {
	MetricType metric.Type               `json:"metric_type"`
	Days       int                       `json:"days"`
	Trend      aggdomain.Trend           `json:"trend"`
	Series     []*aggdomain.Aggregation  `json:"series"`
}

type GenerateRequest struct {
	TenantID      snowflake.ID  `json:"tenant_id"`
	Format        render.Format `json:"format"`
	IncludeSeries bool          `json:"include_series"`
	Days          int           `json:"days"`
}

type ReportHandle struct {
	ID          snowflake.ID  `json:"id"`
	Format      render.Format `json:"format"`
	ContentType string        `json:"content_type"`
	Bytes       []byte        `json:"-"`
}

type Params struct {
	fx.In

	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Quota       quotadomain.Service
	Aggregation aggdomain.Service
	Billing     billingdomain.Collaborator `optional:"true"`
	Alerts      alertdomain.Service
}

type Service struct {
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	quota       quotadomain.Service
	aggregation aggdomain.Service
	billing     billingdomain.Collaborator
	alerts      alertdomain.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:         p.Log.Named("reporting.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		quota:       p.Quota,
		aggregation: p.Aggregation,
		billing:     p.Billing,
		alerts:      p.Alerts,
	}
}

func (s *Service) Summary(ctx context.Context, tenantID snowflake.ID) (Summary, error) {
	if tenantID == 0 {
		return Summary{}, quotadomain.ErrInvalidTenant
	}

	summary := Summary{
		TenantID:    tenantID,
		GeneratedAt: s.clock.Now(),
	}

	for _, metricType := range metric.All() {
		snapshot, err := s.quota.Snapshot(ctx, tenantID, metricType)
		if err != nil {
			// No entitlement for this metric; skip it rather than fail the
			// whole summary.
			s.log.Debug("snapshot skipped", zap.Error(err),
				zap.String("metric_type", metricType.String()))
			continue
		}
		summary.Quotas = append(summary.Quotas, snapshot)
	}

	if s.billing != nil {
		pending, err := s.billing.PendingAmount(ctx, tenantID)
		if err != nil {
			return Summary{}, err
		}
		summary.PendingOverageCost = pending
	}

	active, err := s.alerts.ActiveCount(ctx, tenantID)
	if err != nil {
		return Summary{}, err
	}
	summary.ActiveAlerts = active
	return summary, nil
}

func (s *Service) Trends(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, days int) (Trends, error) {
	if tenantID == 0 {
		return Trends{}, quotadomain.ErrInvalidTenant
	}
	if !metricType.Valid() {
		return Trends{}, metric.ErrInvalidMetric
	}
	if days <= 0 {
		days = defaultTrendDays
	}

	today := aggdomain.BucketDay.Truncate(s.clock.Now())
	series, err := s.aggregation.Series(ctx, aggdomain.SeriesFilter{
		TenantID:   tenantID,
		MetricType: metricType,
		BucketType: aggdomain.BucketDay,
		From:       today.AddDate(0, 0, -days),
		To:         today.AddDate(0, 0, 1),
	})
	if err != nil {
		return Trends{}, err
	}

	trend := aggdomain.TrendStable
	if len(series) > 0 {
		trend = series[len(series)-1].Trend
	}

	return Trends{
		MetricType: metricType,
		Days:       days,
		Trend:      trend,
		Series:     series,
	}, nil
}

func (s *Service) GenerateReport(ctx context.Context, req GenerateRequest) (ReportHandle, error) {
	if req.TenantID == 0 {
		return ReportHandle{}, quotadomain.ErrInvalidTenant
	}

	renderer, err := render.ForFormat(req.Format)
	if err != nil {
		return ReportHandle{}, err
	}
	format := req.Format
	if format == "" {
		format = render.FormatJSON
	}

	summary, err := s.Summary(ctx, req.TenantID)
	if err != nil {
		return ReportHandle{}, err
	}

	report := render.Report{
		TenantID:           req.TenantID.String(),
		GeneratedAt:        summary.GeneratedAt,
		PendingOverageCost: summary.PendingOverageCost,
		ActiveAlerts:       int(summary.ActiveAlerts),
	}
	for _, snapshot := range summary.Quotas {
		if report.PeriodStart.IsZero() {
			report.PeriodStart = snapshot.PeriodStart
			report.PeriodEnd = snapshot.PeriodEnd
		}
		report.Metrics = append(report.Metrics, render.MetricSummary{
			Metric:       snapshot.MetricType.String(),
			Limit:        snapshot.Limit,
			CurrentUsage: snapshot.CurrentUsage,
			UsagePercent: snapshot.UsagePercent,
		})
	}

	if req.IncludeSeries {
		for _, snapshot := range summary.Quotas {
			trends, err := s.Trends(ctx, req.TenantID, snapshot.MetricType, req.Days)
			if err != nil {
				return ReportHandle{}, err
			}
			for _, row := range trends.Series {
				report.Series = append(report.Series, render.SeriesPoint{
					Metric: row.MetricType.String(),
					Date:   row.BucketStart,
					Sum:    row.Sum,
				})
			}
		}
	}

	artifact, err := renderer.Render(ctx, report)
	if err != nil {
		return ReportHandle{}, err
	}

	return ReportHandle{
		ID:          s.genID.Generate(),
		Format:      format,
		ContentType: artifact.ContentType,
		Bytes:       artifact.Bytes,
	}, nil
}

var Module = fx.Module("reporting",
	fx.Provide(NewService),
)
