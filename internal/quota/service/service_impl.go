package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/quotaflow/internal/billing/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/config"
	"github.com/smallbiznis/quotaflow/internal/licensing"
	"github.com/smallbiznis/quotaflow/internal/metric"
	obsmetrics "github.com/smallbiznis/quotaflow/internal/observability/metrics"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"github.com/smallbiznis/quotaflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const baseRetryBackoff = time.Millisecond

var errVersionConflict = errors.New("version_conflict")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Licensing  licensing.Provider
	Clock      clock.Clock
	Config     config.Config
	Billing    billingdomain.Collaborator `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	licensing licensing.Provider
	clock     clock.Clock
	cfg       config.QuotaConfig

	billing    billingdomain.Collaborator
	notifier   quotadomain.ThresholdNotifier
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) quotadomain.Service {
	cfg := p.Config.Quota
	if cfg.MaxCommitAttempts <= 0 {
		cfg.MaxCommitAttempts = 5
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("quota.service"),
		genID:      p.GenID,
		licensing:  p.Licensing,
		clock:      p.Clock,
		cfg:        cfg,
		billing:    p.Billing,
		obsMetrics: p.ObsMetrics,
	}
}

// SetThresholdNotifier attaches the alerting hook. The alert manager also
// consumes quota snapshots, so the hookup happens after both are built,
// during startup and before any traffic.
func (s *Service) SetThresholdNotifier(n quotadomain.ThresholdNotifier) {
	s.notifier = n
}

func (s *Service) CheckAvailability(ctx context.Context, req quotadomain.CheckAvailabilityRequest) (quotadomain.Availability, error) {
	if err := validateKey(req.TenantID, req.MetricType, req.Quantity); err != nil {
		return quotadomain.Availability{}, err
	}

	row, err := s.loadOrCreate(ctx, req.TenantID, req.MetricType)
	if err != nil {
		return quotadomain.Availability{}, err
	}

	decision := evaluate(row, req.Quantity, s.cfg.CountCrossingAsOverage)
	availability := quotadomain.Availability{
		Available: decision.accepted,
		Quota:     row.Snapshot(),
	}
	if !decision.accepted {
		availability.Reason = quotadomain.ErrQuotaExceeded.Error()
	}
	return availability, nil
}

func (s *Service) ReserveAndCommit(ctx context.Context, req quotadomain.CommitRequest) (quotadomain.CommitResult, error) {
	if err := validateKey(req.TenantID, req.MetricType, req.Quantity); err != nil {
		return quotadomain.CommitResult{}, err
	}
	start := s.clock.Now()

	// Replay before any work so a retried request can never double count.
	if req.IdempotencyKey != "" {
		replay, err := s.findCommit(ctx, req.TenantID, req.MetricType, req.IdempotencyKey)
		if err != nil {
			return quotadomain.CommitResult{}, err
		}
		if replay != nil {
			s.obsMetrics.RecordDedup(ctx, req.MetricType.String())
			return replayResult(replay), nil
		}
	}

	for attempt := 0; attempt < s.cfg.MaxCommitAttempts; attempt++ {
		if attempt > 0 {
			backoff := baseRetryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return quotadomain.CommitResult{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		row, err := s.loadOrCreate(ctx, req.TenantID, req.MetricType)
		if err != nil {
			return quotadomain.CommitResult{}, err
		}

		decision := evaluate(row, req.Quantity, s.cfg.CountCrossingAsOverage)
		if !decision.accepted {
			if err := s.recordCommit(ctx, nil, req, decision); err != nil && !db.IsDuplicateKeyErr(err) {
				return quotadomain.CommitResult{}, err
			}
			s.obsMetrics.RecordCommit(ctx, req.MetricType.String(), false, s.clock.Now().Sub(start))
			return quotadomain.CommitResult{NewUsagePercent: row.UsagePercent()}, quotadomain.ErrQuotaExceeded
		}

		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Model(&quotadomain.Quota{}).
				Where("id = ? AND version = ?", row.ID, row.Version).
				Updates(map[string]any{
					"current_usage": decision.newUsage,
					"version":       row.Version + 1,
					"updated_at":    s.clock.Now(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
			return s.recordCommit(ctx, tx, req, decision)
		})

		switch {
		case err == nil:
			s.afterCommit(ctx, row, req, decision)
			s.obsMetrics.RecordCommit(ctx, req.MetricType.String(), true, s.clock.Now().Sub(start))
			return quotadomain.CommitResult{
				Accepted:        true,
				OverageQuantity: decision.overageQuantity,
				NewUsagePercent: decision.newPercent,
			}, nil
		case errors.Is(err, errVersionConflict):
			s.obsMetrics.RecordContention(ctx, req.MetricType.String())
			continue
		case db.IsDuplicateKeyErr(err):
			// Lost the idempotency race: another writer committed the
			// same key. The update rolled back with the transaction.
			replay, ferr := s.findCommit(ctx, req.TenantID, req.MetricType, req.IdempotencyKey)
			if ferr != nil {
				return quotadomain.CommitResult{}, ferr
			}
			if replay != nil {
				s.obsMetrics.RecordDedup(ctx, req.MetricType.String())
				return replayResult(replay), nil
			}
			return quotadomain.CommitResult{}, err
		default:
			return quotadomain.CommitResult{}, err
		}
	}

	s.log.Warn("commit retry budget exhausted",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("metric_type", req.MetricType.String()),
		zap.Int("attempts", s.cfg.MaxCommitAttempts),
	)
	return quotadomain.CommitResult{}, quotadomain.ErrQuotaContention
}

func (s *Service) Reserve(ctx context.Context, req quotadomain.CommitRequest) error {
	if err := validateKey(req.TenantID, req.MetricType, req.Quantity); err != nil {
		return err
	}

	return s.retryCAS(ctx, req.TenantID, req.MetricType, func(row *quotadomain.Quota) (map[string]any, error) {
		if row.LimitValue != nil && !row.OverageAllowed &&
			row.CurrentUsage+row.ReservedUsage+req.Quantity > *row.LimitValue {
			return nil, quotadomain.ErrQuotaExceeded
		}
		return map[string]any{"reserved_usage": row.ReservedUsage + req.Quantity}, nil
	})
}

func (s *Service) CommitReservation(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, quantity float64) error {
	if err := validateKey(tenantID, metricType, quantity); err != nil {
		return err
	}

	return s.retryCAS(ctx, tenantID, metricType, func(row *quotadomain.Quota) (map[string]any, error) {
		reserved := row.ReservedUsage - quantity
		if reserved < 0 {
			reserved = 0
		}
		return map[string]any{
			"current_usage":  row.CurrentUsage + quantity,
			"reserved_usage": reserved,
		}, nil
	})
}

func (s *Service) Release(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, quantity float64) error {
	if err := validateKey(tenantID, metricType, quantity); err != nil {
		return err
	}

	return s.retryCAS(ctx, tenantID, metricType, func(row *quotadomain.Quota) (map[string]any, error) {
		reserved := row.ReservedUsage - quantity
		if reserved < 0 {
			reserved = 0
		}
		return map[string]any{"reserved_usage": reserved}, nil
	})
}

func (s *Service) Snapshot(ctx context.Context, tenantID snowflake.ID, metricType metric.Type) (quotadomain.Snapshot, error) {
	if tenantID == 0 {
		return quotadomain.Snapshot{}, quotadomain.ErrInvalidTenant
	}
	if !metricType.Valid() {
		return quotadomain.Snapshot{}, metric.ErrInvalidMetric
	}

	row, err := s.loadOrCreate(ctx, tenantID, metricType)
	if err != nil {
		return quotadomain.Snapshot{}, err
	}
	return row.Snapshot(), nil
}

func (s *Service) ResetPeriod(ctx context.Context, tenantID snowflake.ID, metricType metric.Type) error {
	if tenantID == 0 {
		return quotadomain.ErrInvalidTenant
	}
	if !metricType.Valid() {
		return metric.ErrInvalidMetric
	}

	now := s.clock.Now()
	if caching, ok := s.licensing.(*licensing.CachingProvider); ok {
		caching.Invalidate(tenantID, metricType, now)
	}

	entitlement, err := s.licensing.Resolve(ctx, tenantID, metricType, now)
	if err != nil {
		return err
	}

	return s.retryCAS(ctx, tenantID, metricType, func(row *quotadomain.Quota) (map[string]any, error) {
		return map[string]any{
			"current_usage":   0,
			"reserved_usage":  0,
			"limit_value":     entitlement.Limit,
			"overage_allowed": entitlement.OverageAllowed,
			"overage_limit":   entitlement.OverageLimit,
			"overage_rate":    entitlement.OverageRate,
			"period_start":    entitlement.PeriodStart,
			"period_end":      entitlement.PeriodEnd,
		}, nil
	})
}

// retryCAS applies a version-conditioned update with the commit retry budget.
func (s *Service) retryCAS(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, compute func(*quotadomain.Quota) (map[string]any, error)) error {
	for attempt := 0; attempt < s.cfg.MaxCommitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(baseRetryBackoff << (attempt - 1)):
			}
		}

		row, err := s.loadOrCreate(ctx, tenantID, metricType)
		if err != nil {
			return err
		}

		updates, err := compute(row)
		if err != nil {
			return err
		}
		updates["version"] = row.Version + 1
		updates["updated_at"] = s.clock.Now()

		res := s.db.WithContext(ctx).Model(&quotadomain.Quota{}).
			Where("id = ? AND version = ?", row.ID, row.Version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		s.obsMetrics.RecordContention(ctx, metricType.String())
	}
	return quotadomain.ErrQuotaContention
}

// loadOrCreate returns the current-period row, lazily provisioning it from
// the licensing collaborator on first encounter. A duplicate-key insert
// means another caller won the race; re-read and use theirs.
func (s *Service) loadOrCreate(ctx context.Context, tenantID snowflake.ID, metricType metric.Type) (*quotadomain.Quota, error) {
	now := s.clock.Now()
	periodStart, _ := licensing.PeriodBounds(now)

	var row quotadomain.Quota
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND metric_type = ? AND period_start = ?", tenantID, metricType, periodStart).
		First(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	entitlement, err := s.licensing.Resolve(ctx, tenantID, metricType, now)
	if err != nil {
		return nil, err
	}

	row = quotadomain.Quota{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		MetricType:     metricType,
		PeriodStart:    entitlement.PeriodStart,
		PeriodEnd:      entitlement.PeriodEnd,
		LimitValue:     entitlement.Limit,
		OverageAllowed: entitlement.OverageAllowed,
		OverageLimit:   entitlement.OverageLimit,
		OverageRate:    entitlement.OverageRate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			var existing quotadomain.Quota
			if err := s.db.WithContext(ctx).
				Where("tenant_id = ? AND metric_type = ? AND period_start = ?", tenantID, metricType, periodStart).
				First(&existing).Error; err != nil {
				return nil, err
			}
			return &existing, nil
		}
		return nil, err
	}
	return &row, nil
}

type decision struct {
	accepted        bool
	newUsage        float64
	newPercent      float64
	overageQuantity float64
}

// evaluate applies the admission rule to a fresh row read. The version CAS
// re-runs it on conflict, so a stale read can never commit.
func evaluate(row *quotadomain.Quota, quantity float64, countCrossingAsOverage bool) decision {
	newUsage := row.CurrentUsage + quantity

	if row.LimitValue == nil || *row.LimitValue <= 0 {
		return decision{accepted: true, newUsage: newUsage}
	}

	limit := *row.LimitValue
	newPercent := newUsage / limit * 100
	excess := newUsage - limit

	if !row.OverageAllowed {
		// Reserved capacity counts against headroom; the reserve and
		// commit paths share the limit and may not jointly oversubscribe.
		if newUsage+row.ReservedUsage > limit {
			return decision{newPercent: row.UsagePercent()}
		}
		return decision{accepted: true, newUsage: newUsage, newPercent: newPercent}
	}

	if excess <= 0 {
		return decision{accepted: true, newUsage: newUsage, newPercent: newPercent}
	}
	if row.OverageLimit != nil && excess > *row.OverageLimit {
		return decision{newPercent: row.UsagePercent()}
	}

	overage := excess
	if overage > quantity {
		overage = quantity
	}
	if !countCrossingAsOverage && row.CurrentUsage < limit {
		// Alternate boundary policy: the commit that causes the crossing
		// stays in quota; billing starts with the next commit.
		overage = 0
	}

	return decision{
		accepted:        true,
		newUsage:        newUsage,
		newPercent:      newPercent,
		overageQuantity: overage,
	}
}

// recordCommit writes the idempotency ledger row inside the commit
// transaction; rejected commits are recorded too so a retried rejection
// replays instead of re-evaluating against drifted state.
func (s *Service) recordCommit(ctx context.Context, tx *gorm.DB, req quotadomain.CommitRequest, d decision) error {
	if req.IdempotencyKey == "" {
		return nil
	}
	if tx == nil {
		tx = s.db
	}
	return tx.WithContext(ctx).Create(&quotadomain.QuotaCommit{
		ID:              s.genID.Generate(),
		TenantID:        req.TenantID,
		MetricType:      req.MetricType,
		IdempotencyKey:  req.IdempotencyKey,
		Quantity:        req.Quantity,
		Accepted:        d.accepted,
		OverageQuantity: d.overageQuantity,
		NewUsagePercent: d.newPercent,
		CreatedAt:       s.clock.Now(),
	}).Error
}

func (s *Service) findCommit(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, key string) (*quotadomain.QuotaCommit, error) {
	var row quotadomain.QuotaCommit
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND metric_type = ? AND idempotency_key = ?", tenantID, metricType, key).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func replayResult(commit *quotadomain.QuotaCommit) quotadomain.CommitResult {
	return quotadomain.CommitResult{
		Accepted:        commit.Accepted,
		Deduplicated:    true,
		OverageQuantity: commit.OverageQuantity,
		NewUsagePercent: commit.NewUsagePercent,
	}
}

// afterCommit raises threshold signals and hands overage to billing.
// Both are best effort; neither failure reaches the hot-path caller.
func (s *Service) afterCommit(ctx context.Context, before *quotadomain.Quota, req quotadomain.CommitRequest, d decision) {
	if d.overageQuantity > 0 && s.billing != nil {
		if err := s.billing.RecordOverage(ctx, req.TenantID, req.MetricType, before.PeriodStart, d.overageQuantity, before.OverageRate); err != nil {
			s.log.Warn("overage billing failed",
				zap.Error(err),
				zap.String("tenant_id", req.TenantID.String()),
				zap.String("metric_type", req.MetricType.String()),
			)
		}
	}

	if s.notifier == nil || before.LimitValue == nil || *before.LimitValue <= 0 {
		return
	}

	oldPercent := before.UsagePercent()
	for _, boundary := range []struct {
		percent float64
		level   quotadomain.ThresholdLevel
	}{
		{80, quotadomain.ThresholdApproaching},
		{90, quotadomain.ThresholdSoft},
		{100, quotadomain.ThresholdHard},
	} {
		if oldPercent < boundary.percent && d.newPercent >= boundary.percent {
			s.notifier.QuotaThresholdCrossed(ctx, quotadomain.ThresholdSignal{
				TenantID:     req.TenantID,
				MetricType:   req.MetricType,
				Level:        boundary.level,
				UsagePercent: d.newPercent,
			})
		}
	}
	if d.overageQuantity > 0 {
		s.notifier.QuotaThresholdCrossed(ctx, quotadomain.ThresholdSignal{
			TenantID:     req.TenantID,
			MetricType:   req.MetricType,
			Level:        quotadomain.ThresholdOverage,
			UsagePercent: d.newPercent,
		})
	}
}

func validateKey(tenantID snowflake.ID, metricType metric.Type, quantity float64) error {
	if tenantID == 0 {
		return quotadomain.ErrInvalidTenant
	}
	if !metricType.Valid() {
		return metric.ErrInvalidMetric
	}
	if quantity <= 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return quotadomain.ErrInvalidQuantity
	}
	return nil
}
