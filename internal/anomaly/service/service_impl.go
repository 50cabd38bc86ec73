package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	anomalydomain "github.com/smallbiznis/quotaflow/internal/anomaly/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/config"
	"github.com/smallbiznis/quotaflow/internal/metric"
	obsmetrics "github.com/smallbiznis/quotaflow/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	usagedomain "github.com/smallbiznis/quotaflow/internal/usage/domain"
	"github.com/smallbiznis/quotaflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultWindowHours  = 24
	minBaselineBuckets  = 6
	minPatternEvents    = 20
	minCadenceEvents    = 10
	offHoursShareLimit  = 0.5
	cadenceVariationMax = 0.1

	confidenceStatistical = 0.9
	confidenceVelocity    = 0.8
	confidencePattern     = 0.7
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Config      config.Config
	Aggregation aggdomain.Service
	ObsMetrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	cfg         config.AnomalyConfig
	aggregation aggdomain.Service
	obsMetrics  *obsmetrics.Metrics
}

func NewService(p Params) anomalydomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("anomaly.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		cfg:         p.Config.Anomaly,
		aggregation: p.Aggregation,
		obsMetrics:  p.ObsMetrics,
	}
}

// finding is a detector output before scoring and persistence. A zero
// windowStart keys the row by the detection window; detectors that flag a
// single bucket set the bucket's own start instead so overlapping windows
// land on the same row.
type finding struct {
	method       anomalydomain.Method
	windowStart  time.Time
	observed     float64
	expectedLow  float64
	expectedHigh float64
	magnitude    float64
	confidence   float64
	details      map[string]any
}

func (s *Service) Detect(ctx context.Context, req anomalydomain.DetectRequest) ([]*anomalydomain.Anomaly, error) {
	if req.TenantID == 0 {
		return nil, quotadomain.ErrInvalidTenant
	}

	metrics := metric.All()
	if req.MetricType != "" {
		if !req.MetricType.Valid() {
			return nil, metric.ErrInvalidMetric
		}
		metrics = []metric.Type{req.MetricType}
	}

	windowHours := req.WindowHours
	if windowHours <= 0 {
		windowHours = defaultWindowHours
	}

	now := s.clock.Now().UTC()
	windowEnd := now.Truncate(time.Hour)
	windowStart := windowEnd.Add(-time.Duration(windowHours) * time.Hour)

	ageFactor, err := s.accountAgeFactor(ctx, req.TenantID, now)
	if err != nil {
		return nil, err
	}

	var persisted []*anomalydomain.Anomaly
	for _, metricType := range metrics {
		findings, err := s.runDetectors(ctx, req.TenantID, metricType, windowStart, windowEnd)
		if err != nil {
			return nil, err
		}

		for _, f := range findings {
			row, err := s.persist(ctx, req.TenantID, metricType, windowStart, f, ageFactor)
			if err != nil {
				return nil, err
			}
			if row != nil {
				persisted = append(persisted, row)
				s.obsMetrics.RecordAnomaly(ctx, string(f.method))
			}
		}
	}
	return persisted, nil
}

func (s *Service) runDetectors(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, windowStart, windowEnd time.Time) ([]finding, error) {
	series, err := s.aggregation.Series(ctx, aggdomain.SeriesFilter{
		TenantID:   tenantID,
		MetricType: metricType,
		BucketType: aggdomain.BucketHour,
		From:       windowStart,
		To:         windowEnd,
	})
	if err != nil {
		return nil, err
	}

	var findings []finding
	findings = append(findings, s.detectStatistical(series)...)
	if f := s.detectVelocity(series); f != nil {
		findings = append(findings, *f)
	}

	patternFinding, err := s.detectPattern(ctx, tenantID, metricType, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	if patternFinding != nil {
		findings = append(findings, *patternFinding)
	}
	return findings, nil
}

// detectStatistical tests every closed hour past the minimum baseline
// against the mean and standard deviation of the buckets before it, so a
// mid-window outlier is caught by an on-demand run, not only by the sweep
// that sees it as the latest hour.
func (s *Service) detectStatistical(series []*aggdomain.Aggregation) []finding {
	var findings []finding
	for i := minBaselineBuckets; i < len(series); i++ {
		baseline := series[:i]
		candidate := series[i]

		var sum float64
		for _, row := range baseline {
			sum += row.Sum
		}
		mean := sum / float64(len(baseline))

		var variance float64
		for _, row := range baseline {
			variance += (row.Sum - mean) * (row.Sum - mean)
		}
		variance /= float64(len(baseline))
		sigma := math.Sqrt(variance)
		if sigma == 0 {
			continue
		}

		z := (candidate.Sum - mean) / sigma
		if math.Abs(z) <= s.cfg.ZScoreThreshold {
			continue
		}

		findings = append(findings, finding{
			method:       anomalydomain.MethodStatistical,
			windowStart:  candidate.BucketStart,
			observed:     candidate.Sum,
			expectedLow:  mean - s.cfg.ZScoreThreshold*sigma,
			expectedHigh: mean + s.cfg.ZScoreThreshold*sigma,
			magnitude:    math.Min(100, math.Abs(z)*20),
			confidence:   confidenceStatistical,
			details: map[string]any{
				"z_score":        z,
				"baseline_mean":  mean,
				"baseline_sigma": sigma,
			},
		})
	}
	return findings
}

// detectVelocity flags a hour-over-hour increase beyond the configured
// percentage.
func (s *Service) detectVelocity(series []*aggdomain.Aggregation) *finding {
	if len(series) < 2 {
		return nil
	}

	prev := series[len(series)-2]
	cur := series[len(series)-1]
	if prev.Sum <= 0 {
		return nil
	}

	increase := (cur.Sum - prev.Sum) / prev.Sum * 100
	if increase <= s.cfg.VelocityThreshold {
		return nil
	}

	return &finding{
		method:       anomalydomain.MethodVelocity,
		observed:     cur.Sum,
		expectedLow:  0,
		expectedHigh: prev.Sum * (1 + s.cfg.VelocityThreshold/100),
		magnitude:    math.Min(100, increase/s.cfg.VelocityThreshold*60),
		confidence:   confidenceVelocity,
		details: map[string]any{
			"increase_percent": increase,
			"previous_sum":     prev.Sum,
		},
	}
}

// detectPattern inspects raw events for abuse signatures: off-hours
// concentration, machine-steady cadence, and first-seen geographies. All
// triggered signals fold into one finding per window.
func (s *Service) detectPattern(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, windowStart, windowEnd time.Time) (*finding, error) {
	var events []*usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND metric_type = ? AND accepted = ? AND occurred_at >= ? AND occurred_at < ?",
			tenantID, metricType, true, windowStart, windowEnd).
		Order("occurred_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	if len(events) < minCadenceEvents {
		return nil, nil
	}

	signals := map[string]any{}

	if len(events) >= minPatternEvents {
		offHours := 0
		for _, e := range events {
			if hour := e.OccurredAt.UTC().Hour(); hour < 6 {
				offHours++
			}
		}
		if share := float64(offHours) / float64(len(events)); share > offHoursShareLimit {
			signals["off_hours_share"] = share
		}
	}

	if cv, ok := interArrivalVariation(events); ok && cv < cadenceVariationMax {
		signals["cadence_variation"] = cv
	}

	newGeos, err := s.firstSeenGeographies(ctx, tenantID, events, windowStart)
	if err != nil {
		return nil, err
	}
	if len(newGeos) > 0 {
		signals["new_geographies"] = newGeos
	}

	if len(signals) == 0 {
		return nil, nil
	}

	return &finding{
		method:     anomalydomain.MethodPattern,
		observed:   float64(len(events)),
		confidence: confidencePattern,
		magnitude:  math.Min(100, 20+float64(len(signals))*20),
		details:    signals,
	}, nil
}

// interArrivalVariation returns the coefficient of variation of gaps
// between consecutive events. Near zero means scripted traffic.
func interArrivalVariation(events []*usagedomain.UsageEvent) (float64, bool) {
	if len(events) < minCadenceEvents {
		return 0, false
	}

	gaps := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		gaps = append(gaps, events[i].OccurredAt.Sub(events[i-1].OccurredAt).Seconds())
	}

	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		return 0, false
	}

	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))

	return math.Sqrt(variance) / mean, true
}

// firstSeenGeographies lists countries present in the window that never
// appeared for this tenant before it.
func (s *Service) firstSeenGeographies(ctx context.Context, tenantID snowflake.ID, events []*usagedomain.UsageEvent, windowStart time.Time) ([]string, error) {
	current := map[string]struct{}{}
	for _, e := range events {
		if country, ok := e.Metadata["country"].(string); ok && country != "" {
			current[country] = struct{}{}
		}
	}
	if len(current) == 0 {
		return nil, nil
	}

	var prior []*usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND occurred_at < ?", tenantID, windowStart).
		Find(&prior).Error
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	for _, e := range prior {
		if country, ok := e.Metadata["country"].(string); ok && country != "" {
			seen[country] = struct{}{}
		}
	}
	if len(seen) == 0 {
		// First window with any geography data; nothing to compare against.
		return nil, nil
	}

	var fresh []string
	for country := range current {
		if _, ok := seen[country]; !ok {
			fresh = append(fresh, country)
		}
	}
	return fresh, nil
}

// accountAgeFactor weighs findings for young tenants more heavily.
func (s *Service) accountAgeFactor(ctx context.Context, tenantID snowflake.ID, now time.Time) (float64, error) {
	var first usagedomain.UsageEvent
	err := s.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("occurred_at ASC").
		First(&first).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 1.0, nil
		}
		return 0, err
	}

	age := now.Sub(first.OccurredAt)
	switch {
	case age < 7*24*time.Hour:
		return 1.2, nil
	case age < 30*24*time.Hour:
		return 1.1, nil
	default:
		return 1.0, nil
	}
}

func (s *Service) persist(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, windowStart time.Time, f finding, ageFactor float64) (*anomalydomain.Anomaly, error) {
	score := math.Min(100, f.magnitude*f.confidence*ageFactor)
	fraudSuspect := score > s.cfg.FraudRiskScore

	if !f.windowStart.IsZero() {
		windowStart = f.windowStart
	}

	row := &anomalydomain.Anomaly{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		MetricType:     metricType,
		Method:         f.method,
		WindowStart:    windowStart,
		ObservedValue:  f.observed,
		ExpectedLow:    f.expectedLow,
		ExpectedHigh:   f.expectedHigh,
		RiskScore:      score,
		Severity:       severityForScore(score),
		Status:         anomalydomain.StatusDetected,
		IsFraudSuspect: fraudSuspect,
		RequiresReview: fraudSuspect,
		Details:        datatypes.JSONMap(f.details),
		DetectedAt:     s.clock.Now(),
		UpdatedAt:      s.clock.Now(),
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		if db.IsDuplicateKeyErr(res.Error) {
			return nil, nil
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// Already recorded by an earlier sweep of the same window.
		return nil, nil
	}
	return row, nil
}

func severityForScore(score float64) anomalydomain.Severity {
	switch {
	case score >= 90:
		return anomalydomain.SeverityCritical
	case score >= 75:
		return anomalydomain.SeverityHigh
	case score >= 50:
		return anomalydomain.SeverityMedium
	default:
		return anomalydomain.SeverityLow
	}
}

func (s *Service) Transition(ctx context.Context, id snowflake.ID, to anomalydomain.Status) (*anomalydomain.Anomaly, error) {
	var row anomalydomain.Anomaly
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, anomalydomain.ErrNotFound
		}
		return nil, err
	}

	if !row.CanTransition(to) {
		return nil, anomalydomain.ErrInvalidTransition
	}

	row.Status = to
	row.UpdatedAt = s.clock.Now()
	if err := s.db.WithContext(ctx).Model(&anomalydomain.Anomaly{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{"status": to, "updated_at": row.UpdatedAt}).Error; err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *Service) List(ctx context.Context, filter anomalydomain.ListFilter) ([]*anomalydomain.Anomaly, error) {
	if filter.TenantID == 0 {
		return nil, quotadomain.ErrInvalidTenant
	}

	query := s.db.WithContext(ctx).
		Where("tenant_id = ?", filter.TenantID).
		Order("detected_at DESC")
	if filter.MetricType != "" {
		query = query.Where("metric_type = ?", filter.MetricType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var rows []*anomalydomain.Anomaly
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
