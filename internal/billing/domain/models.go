// Package domain contains the billing collaborator boundary. The engine
// emits overage quantities; turning them into money is the billing side's
// job, so the only state kept here is the pending charge accumulator.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

// PendingOverageCharge accumulates billable overage per
// (tenant, metric, period). Repeated overage commits within a period add
// into one row rather than creating many charge line items.
type PendingOverageCharge struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	TenantID    snowflake.ID `gorm:"not null;uniqueIndex:ux_pending_overage_key,priority:1"`
	MetricType  metric.Type  `gorm:"type:text;not null;uniqueIndex:ux_pending_overage_key,priority:2"`
	PeriodStart time.Time    `gorm:"not null;uniqueIndex:ux_pending_overage_key,priority:3"`
	Quantity    float64      `gorm:"not null"`
	Amount      float64      `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PendingOverageCharge) TableName() string { return "pending_overage_charges" }

// Collaborator receives overage as it is committed.
type Collaborator interface {
	RecordOverage(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, periodStart time.Time, quantity, rate float64) error
	PendingAmount(ctx context.Context, tenantID snowflake.ID) (float64, error)
}
