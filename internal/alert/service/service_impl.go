package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	alertdomain "github.com/smallbiznis/quotaflow/internal/alert/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/metric"
	obsmetrics "github.com/smallbiznis/quotaflow/internal/observability/metrics"
	"github.com/smallbiznis/quotaflow/internal/providers/notify"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"github.com/smallbiznis/quotaflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCooldownMinutes = 60
	defaultChannels        = "email,slack"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Notify     notify.Provider
	Quota      quotadomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	notify     notify.Provider
	quota      quotadomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("alert.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		notify:     p.Notify,
		quota:      p.Quota,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Trigger(ctx context.Context, req alertdomain.TriggerRequest) (*alertdomain.Alert, error) {
	if req.TenantID == 0 {
		return nil, quotadomain.ErrInvalidTenant
	}
	if !req.MetricType.Valid() {
		return nil, metric.ErrInvalidMetric
	}
	if !req.AlertType.Valid() {
		return nil, alertdomain.ErrInvalidTransition
	}

	now := s.clock.Now()
	threshold := s.thresholdFor(ctx, req.TenantID, req.MetricType, req.AlertType)

	// Cooldown from the most recently resolved alert of the same key.
	var last alertdomain.Alert
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND metric_type = ? AND alert_type = ? AND status = ?",
			req.TenantID, req.MetricType, req.AlertType, alertdomain.StatusResolved).
		Order("resolved_at DESC").
		First(&last).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil && last.CooldownUntil != nil && now.Before(*last.CooldownUntil) {
		return nil, nil
	}

	dedupKey := alertdomain.ActiveDedupKey(req.TenantID, req.MetricType, req.AlertType)
	row := &alertdomain.Alert{
		ID:                  s.genID.Generate(),
		TenantID:            req.TenantID,
		MetricType:          req.MetricType,
		AlertType:           req.AlertType,
		Severity:            req.Severity,
		TriggerValuePercent: req.TriggerValuePercent,
		Message:             req.Message,
		Channels:            threshold.Channels,
		Status:              alertdomain.StatusPending,
		DedupKey:            &dedupKey,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			// An alert for this key is already active.
			return nil, nil
		}
		return nil, err
	}

	s.obsMetrics.RecordAlertFired(ctx, string(req.AlertType))
	return row, nil
}

// QuotaThresholdCrossed adapts quota threshold signals into alert triggers.
// It must never fail the commit that raised it.
func (s *Service) QuotaThresholdCrossed(ctx context.Context, signal quotadomain.ThresholdSignal) {
	alertType, severity := classifySignal(signal.Level)
	_, err := s.Trigger(ctx, alertdomain.TriggerRequest{
		TenantID:            signal.TenantID,
		MetricType:          signal.MetricType,
		AlertType:           alertType,
		Severity:            severity,
		TriggerValuePercent: signal.UsagePercent,
		Message: fmt.Sprintf("%s usage at %.1f%% of quota",
			signal.MetricType, signal.UsagePercent),
	})
	if err != nil {
		s.log.Warn("threshold alert trigger failed", zap.Error(err),
			zap.String("tenant_id", signal.TenantID.String()),
			zap.String("metric_type", signal.MetricType.String()),
			zap.String("level", string(signal.Level)),
		)
	}
}

func classifySignal(level quotadomain.ThresholdLevel) (alertdomain.AlertType, alertdomain.Severity) {
	switch level {
	case quotadomain.ThresholdApproaching:
		return alertdomain.TypeApproachingLimit, alertdomain.SeverityMedium
	case quotadomain.ThresholdSoft:
		return alertdomain.TypeSoftLimitReached, alertdomain.SeverityHigh
	case quotadomain.ThresholdHard:
		return alertdomain.TypeHardLimitReached, alertdomain.SeverityCritical
	default:
		return alertdomain.TypeOverage, alertdomain.SeverityCritical
	}
}

// thresholdFor prefers a tenant-scoped row, then global, then defaults.
func (s *Service) thresholdFor(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, alertType alertdomain.AlertType) alertdomain.Threshold {
	fallback := alertdomain.Threshold{
		Channels:        defaultChannels,
		CooldownMinutes: defaultCooldownMinutes,
	}

	var rows []alertdomain.Threshold
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND tenant_id IN ? AND (alert_type = ? OR alert_type = '') AND (metric_type = ? OR metric_type = '')",
			true, []snowflake.ID{tenantID, 0}, alertType, metricType).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return fallback
	}

	best := fallback
	bestScore := -1
	for _, row := range rows {
		score := 0
		if row.TenantID == tenantID {
			score += 4
		}
		if row.MetricType == metricType {
			score += 2
		}
		if row.AlertType == alertType {
			score++
		}
		if score > bestScore {
			best = row
			bestScore = score
		}
	}
	if best.Channels == "" {
		best.Channels = defaultChannels
	}
	if best.CooldownMinutes <= 0 {
		best.CooldownMinutes = defaultCooldownMinutes
	}
	return best
}

func (s *Service) DispatchPending(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 50
	}

	var pending []*alertdomain.Alert
	err := s.db.WithContext(ctx).
		Where("status = ?", alertdomain.StatusPending).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&pending).Error
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, row := range pending {
		if err := s.deliver(ctx, row); err != nil {
			// Leave pending; the next sweep retries.
			s.log.Warn("alert delivery failed", zap.Error(err),
				zap.String("alert_id", row.ID.String()),
				zap.String("alert_type", string(row.AlertType)),
			)
			continue
		}

		now := s.clock.Now()
		err = s.db.WithContext(ctx).Model(&alertdomain.Alert{}).
			Where("id = ? AND status = ?", row.ID, alertdomain.StatusPending).
			Updates(map[string]any{
				"status":     alertdomain.StatusSent,
				"sent_at":    now,
				"updated_at": now,
			}).Error
		if err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

func (s *Service) deliver(ctx context.Context, row *alertdomain.Alert) error {
	payload := notify.Payload{
		Subject:  fmt.Sprintf("Quota alert: %s", row.AlertType),
		Body:     row.Message,
		Severity: string(row.Severity),
		TenantID: row.TenantID.String(),
		Metric:   row.MetricType.String(),
	}

	for _, channel := range strings.Split(row.Channels, ",") {
		channel = strings.TrimSpace(channel)
		if channel == "" {
			continue
		}
		if err := s.notify.Send(ctx, notify.Channel(channel), payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Acknowledge(ctx context.Context, tenantID, id snowflake.ID) (*alertdomain.Alert, error) {
	var row alertdomain.Alert
	err := s.db.WithContext(ctx).First(&row, "id = ? AND tenant_id = ?", id, tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, alertdomain.ErrNotFound
		}
		return nil, err
	}
	if row.Status != alertdomain.StatusSent {
		return nil, alertdomain.ErrInvalidTransition
	}

	now := s.clock.Now()
	err = s.db.WithContext(ctx).Model(&alertdomain.Alert{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":          alertdomain.StatusAcknowledged,
			"acknowledged_at": now,
			"updated_at":      now,
		}).Error
	if err != nil {
		return nil, err
	}
	row.Status = alertdomain.StatusAcknowledged
	row.AcknowledgedAt = &now
	return &row, nil
}

func (s *Service) Resolve(ctx context.Context, id snowflake.ID) (*alertdomain.Alert, error) {
	var row alertdomain.Alert
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, alertdomain.ErrNotFound
		}
		return nil, err
	}
	if row.Status == alertdomain.StatusResolved {
		return nil, alertdomain.ErrInvalidTransition
	}

	threshold := s.thresholdFor(ctx, row.TenantID, row.MetricType, row.AlertType)
	now := s.clock.Now()
	cooldownUntil := now.Add(time.Duration(threshold.CooldownMinutes) * time.Minute)

	err = s.db.WithContext(ctx).Model(&alertdomain.Alert{}).
		Where("id = ?", row.ID).
		Updates(map[string]any{
			"status":         alertdomain.StatusResolved,
			"dedup_key":      nil,
			"resolved_at":    now,
			"cooldown_until": cooldownUntil,
			"updated_at":     now,
		}).Error
	if err != nil {
		return nil, err
	}
	row.Status = alertdomain.StatusResolved
	row.DedupKey = nil
	row.ResolvedAt = &now
	row.CooldownUntil = &cooldownUntil
	return &row, nil
}

// quotaAlertFloor is the usage percent at which each quota alert type
// stops being true.
func quotaAlertFloor(alertType alertdomain.AlertType) (float64, bool) {
	switch alertType {
	case alertdomain.TypeApproachingLimit:
		return 80, true
	case alertdomain.TypeSoftLimitReached:
		return 90, true
	case alertdomain.TypeHardLimitReached, alertdomain.TypeOverage:
		return 100, true
	default:
		return 0, false
	}
}

func (s *Service) ResolveCleared(ctx context.Context) (int, error) {
	var open []*alertdomain.Alert
	err := s.db.WithContext(ctx).
		Where("status IN ?", []alertdomain.Status{alertdomain.StatusPending, alertdomain.StatusSent}).
		Find(&open).Error
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, row := range open {
		floor, ok := quotaAlertFloor(row.AlertType)
		if !ok {
			continue
		}

		snapshot, err := s.quota.Snapshot(ctx, row.TenantID, row.MetricType)
		if err != nil {
			s.log.Warn("snapshot failed during alert sweep", zap.Error(err),
				zap.String("alert_id", row.ID.String()))
			continue
		}
		if snapshot.UsagePercent >= floor {
			continue
		}

		if _, err := s.Resolve(ctx, row.ID); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

func (s *Service) List(ctx context.Context, filter alertdomain.ListFilter) ([]*alertdomain.Alert, error) {
	if filter.TenantID == 0 {
		return nil, quotadomain.ErrInvalidTenant
	}

	query := s.db.WithContext(ctx).
		Where("tenant_id = ?", filter.TenantID).
		Order("created_at DESC")
	if filter.MetricType != "" {
		query = query.Where("metric_type = ?", filter.MetricType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.AlertType != "" {
		query = query.Where("alert_type = ?", filter.AlertType)
	}

	var rows []*alertdomain.Alert
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ActiveCount is used by the reporting summary.
func (s *Service) ActiveCount(ctx context.Context, tenantID snowflake.ID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&alertdomain.Alert{}).
		Where("tenant_id = ? AND status IN ?", tenantID,
			[]alertdomain.Status{alertdomain.StatusPending, alertdomain.StatusSent, alertdomain.StatusAcknowledged}).
		Count(&count).Error
	return count, err
}
