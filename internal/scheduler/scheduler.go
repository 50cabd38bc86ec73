// Package scheduler drives the background loop: rollups, forecast and
// anomaly sweeps, alert dispatch, and raw event retention. Every job is
// idempotent; a failed tick is retried on the next one and never surfaces
// to the ingest path.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	alertdomain "github.com/smallbiznis/quotaflow/internal/alert/domain"
	anomalydomain "github.com/smallbiznis/quotaflow/internal/anomaly/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	appconfig "github.com/smallbiznis/quotaflow/internal/config"
	"github.com/smallbiznis/quotaflow/internal/forecast"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"github.com/smallbiznis/quotaflow/internal/ratelimit"
	usagedomain "github.com/smallbiznis/quotaflow/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler missing required dependencies")

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	AppCfg appconfig.Config
	Config Config `optional:"true"`

	UsageSvc    usagedomain.Service
	AggSvc      aggdomain.Service
	Queue       QueueDrainer
	ForecastSvc *forecast.Service
	AnomalySvc  anomalydomain.Service
	AlertSvc    alertdomain.Service
	Limiter     *ratelimit.IngestLimiter `optional:"true"`
}

// QueueDrainer is the slice of the rollup queue the scheduler needs.
type QueueDrainer interface {
	Enqueue(key aggdomain.RollupKey) error
	DrainOnce(ctx context.Context, max int) int
	Len() int
}

type Scheduler struct {
	db     *gorm.DB
	log    *zap.Logger
	cfg    Config
	appCfg appconfig.Config
	clock  clock.Clock

	usageSvc    usagedomain.Service
	aggSvc      aggdomain.Service
	queue       QueueDrainer
	forecastSvc *forecast.Service
	anomalySvc  anomalydomain.Service
	alertSvc    alertdomain.Service
	limiter     *ratelimit.IngestLimiter
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.UsageSvc == nil || p.AggSvc == nil || p.Queue == nil || p.ForecastSvc == nil || p.AnomalySvc == nil || p.AlertSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:          p.DB,
		log:         p.Log.Named("scheduler"),
		cfg:         p.Config.withDefaults(),
		appCfg:      p.AppCfg,
		clock:       p.Clock,
		usageSvc:    p.UsageSvc,
		aggSvc:      p.AggSvc,
		queue:       p.Queue,
		forecastSvc: p.ForecastSvc,
		anomalySvc:  p.AnomalySvc,
		alertSvc:    p.AlertSvc,
		limiter:     p.Limiter,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Soft timeout: whatever did not finish is picked up next tick.
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"rollup_enqueue", s.isJobEnabled("rollup_enqueue"), func(ctx context.Context) error {
			return s.runJob(ctx, "rollup_enqueue", s.cfg.JobTimeout, s.RollupEnqueueJob)
		}},
		{"rollup_drain", s.isJobEnabled("rollup_drain"), func(ctx context.Context) error {
			return s.runJob(ctx, "rollup_drain", s.cfg.JobTimeout, s.RollupDrainJob)
		}},
		{"forecast_sweep", s.isJobEnabled("forecast_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "forecast_sweep", s.cfg.JobTimeout, func(ctx context.Context) error {
				return s.withSweepLock(ctx, "forecast_sweep", s.ForecastSweepJob)
			})
		}},
		{"anomaly_sweep", s.isJobEnabled("anomaly_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "anomaly_sweep", s.cfg.JobTimeout, func(ctx context.Context) error {
				return s.withSweepLock(ctx, "anomaly_sweep", s.AnomalySweepJob)
			})
		}},
		{"alert_dispatch", s.isJobEnabled("alert_dispatch"), func(ctx context.Context) error {
			return s.runJob(ctx, "alert_dispatch", s.cfg.JobTimeout, func(ctx context.Context) error {
				return s.withSweepLock(ctx, "alert_dispatch", s.AlertDispatchJob)
			})
		}},
		{"alert_resolve_cleared", s.isJobEnabled("alert_resolve_cleared"), func(ctx context.Context) error {
			return s.runJob(ctx, "alert_resolve_cleared", s.cfg.JobTimeout, s.AlertResolveClearedJob)
		}},
		{"usage_prune", s.isJobEnabled("usage_prune"), func(ctx context.Context) error {
			return s.runJob(ctx, "usage_prune", s.cfg.JobTimeout, s.UsagePruneJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// withSweepLock serializes a sweep across instances via the redis locker.
// Without redis the lock degrades to a no-op, which is correct for a
// single-instance install.
func (s *Scheduler) withSweepLock(ctx context.Context, name string, fn func(context.Context) error) error {
	token, acquired, err := s.limiter.TryLockSweep(ctx, name)
	if err != nil {
		return err
	}
	if !acquired {
		s.log.Debug("sweep held by another instance", zap.String("job", name))
		return nil
	}
	defer func() {
		if err := s.limiter.ReleaseSweep(ctx, name, token); err != nil {
			s.log.Warn("sweep lock release failed", zap.String("job", name), zap.Error(err))
		}
	}()
	return fn(ctx)
}

// RollupEnqueueJob queues recently touched hour and day buckets for
// recomputation. Rollups are idempotent, so re-enqueueing the live bucket
// is harmless.
func (s *Scheduler) RollupEnqueueJob(ctx context.Context) error {
	now := s.clock.Now()
	var jobErr error

	windows := []struct {
		bucketType aggdomain.BucketType
		lookback   time.Duration
	}{
		{aggdomain.BucketHour, s.cfg.HourLookback},
		{aggdomain.BucketDay, s.cfg.DayLookback},
	}

	for _, window := range windows {
		keys, err := s.aggSvc.ActiveKeys(ctx, window.bucketType, now.Add(-window.lookback), now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		for _, key := range keys {
			if err := s.queue.Enqueue(key); err != nil {
				if errors.Is(err, aggdomain.ErrQueueFull) {
					// Backlog is saturated; drain first, enqueue the rest
					// next tick.
					s.log.Warn("rollup queue full, deferring enqueue",
						zap.String("bucket_type", string(window.bucketType)),
						zap.Int("backlog", s.queue.Len()),
					)
					return jobErr
				}
				jobErr = errors.Join(jobErr, err)
			}
		}
	}
	return jobErr
}

func (s *Scheduler) RollupDrainJob(ctx context.Context) error {
	processed := s.queue.DrainOnce(ctx, s.cfg.BatchSize)
	if processed > 0 {
		s.log.Debug("rollup backlog drained",
			zap.Int("processed", processed),
			zap.Int("remaining", s.queue.Len()),
		)
	}
	return ctx.Err()
}

// ForecastSweepJob refreshes the period projection for every entitled
// (tenant, metric) pair and raises an approaching-limit alert when the
// projection crosses the quota.
func (s *Scheduler) ForecastSweepJob(ctx context.Context) error {
	pairs, err := s.activePairs(ctx)
	if err != nil {
		return err
	}

	var jobErr error
	for _, pair := range pairs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		result, err := s.forecastSvc.Forecast(ctx, forecast.Request{
			TenantID:   pair.TenantID,
			MetricType: pair.MetricType,
		})
		if err != nil {
			if errors.Is(err, forecast.ErrInsufficientData) {
				continue
			}
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if !result.WillExceedQuota {
			continue
		}

		_, err = s.alertSvc.Trigger(ctx, alertdomain.TriggerRequest{
			TenantID:   pair.TenantID,
			MetricType: pair.MetricType,
			AlertType:  alertdomain.TypeApproachingLimit,
			Severity:   alertdomain.SeverityHigh,
			Message: fmt.Sprintf("%s projected to reach %.0f this period, estimated overage cost %.2f",
				pair.MetricType, result.ProjectedPeriodTotal, result.EstimatedOverageCost),
		})
		if err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

// AnomalySweepJob runs detection for every entitled pair and feeds new
// findings to the alert manager.
func (s *Scheduler) AnomalySweepJob(ctx context.Context) error {
	pairs, err := s.activePairs(ctx)
	if err != nil {
		return err
	}

	var jobErr error
	for _, pair := range pairs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		findings, err := s.anomalySvc.Detect(ctx, anomalydomain.DetectRequest{
			TenantID:   pair.TenantID,
			MetricType: pair.MetricType,
		})
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		for _, finding := range findings {
			_, err := s.alertSvc.Trigger(ctx, alertdomain.TriggerRequest{
				TenantID:            finding.TenantID,
				MetricType:          finding.MetricType,
				AlertType:           alertdomain.TypeAnomaly,
				Severity:            alertSeverity(finding.Severity),
				TriggerValuePercent: finding.RiskScore,
				Message: fmt.Sprintf("%s anomaly on %s: observed %.1f outside [%.1f, %.1f]",
					finding.Method, finding.MetricType, finding.ObservedValue,
					finding.ExpectedLow, finding.ExpectedHigh),
			})
			if err != nil {
				jobErr = errors.Join(jobErr, err)
			}
		}
	}
	return jobErr
}

func alertSeverity(severity anomalydomain.Severity) alertdomain.Severity {
	switch severity {
	case anomalydomain.SeverityCritical:
		return alertdomain.SeverityCritical
	case anomalydomain.SeverityHigh:
		return alertdomain.SeverityHigh
	case anomalydomain.SeverityMedium:
		return alertdomain.SeverityMedium
	default:
		return alertdomain.SeverityLow
	}
}

func (s *Scheduler) AlertDispatchJob(ctx context.Context) error {
	dispatched, err := s.alertSvc.DispatchPending(ctx, s.cfg.BatchSize)
	if dispatched > 0 {
		s.log.Info("alerts dispatched", zap.Int("count", dispatched))
	}
	return err
}

func (s *Scheduler) AlertResolveClearedJob(ctx context.Context) error {
	resolved, err := s.alertSvc.ResolveCleared(ctx)
	if resolved > 0 {
		s.log.Info("cleared alerts resolved", zap.Int("count", resolved))
	}
	return err
}

func (s *Scheduler) UsagePruneJob(ctx context.Context) error {
	retentionDays := s.appCfg.Retention.RawEventDays
	if retentionDays <= 0 {
		return nil
	}

	cutoff := s.clock.Now().AddDate(0, 0, -retentionDays)
	pruned, err := s.usageSvc.PruneBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.log.Info("raw events pruned",
			zap.Int64("count", pruned),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

type tenantMetricPair struct {
	TenantID   snowflake.ID
	MetricType metric.Type
}

// activePairs lists (tenant, metric) pairs with a current quota period.
func (s *Scheduler) activePairs(ctx context.Context) ([]tenantMetricPair, error) {
	var pairs []tenantMetricPair
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT tenant_id, metric_type
		 FROM quotas
		 WHERE period_end > ?
		 ORDER BY tenant_id, metric_type`,
		s.clock.Now(),
	).Scan(&pairs).Error
	if err != nil {
		return nil, err
	}
	return pairs, nil
}
