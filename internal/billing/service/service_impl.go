package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/quotaflow/internal/billing/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) billingdomain.Collaborator {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("billing.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// RecordOverage upserts into the accumulator keyed by
// (tenant, metric, period_start); concurrent increments add, never duplicate.
func (s *Service) RecordOverage(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, periodStart time.Time, quantity, rate float64) error {
	if quantity <= 0 {
		return nil
	}

	now := s.clock.Now()
	charge := billingdomain.PendingOverageCharge{
		ID:          s.genID.Generate(),
		TenantID:    tenantID,
		MetricType:  metricType,
		PeriodStart: periodStart.UTC(),
		Quantity:    quantity,
		Amount:      quantity * rate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "metric_type"},
			{Name: "period_start"},
		},
		DoUpdates: clause.Assignments(map[string]any{
			"quantity":   gorm.Expr("pending_overage_charges.quantity + ?", quantity),
			"amount":     gorm.Expr("pending_overage_charges.amount + ?", quantity*rate),
			"updated_at": now,
		}),
	}).Create(&charge).Error
	if err != nil {
		return err
	}

	s.log.Info("overage recorded",
		zap.String("tenant_id", tenantID.String()),
		zap.String("metric_type", metricType.String()),
		zap.Float64("quantity", quantity),
		zap.Float64("amount", quantity*rate),
	)
	return nil
}

func (s *Service) PendingAmount(ctx context.Context, tenantID snowflake.ID) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).
		Model(&billingdomain.PendingOverageCharge{}).
		Where("tenant_id = ?", tenantID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}
