// Package domain holds the alerting state machine. One active alert per
// (tenant, metric, type); re-fires are absorbed by dedup and cooldown.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

type AlertType string

const (
	TypeApproachingLimit AlertType = "approaching_limit"
	TypeSoftLimitReached AlertType = "soft_limit_reached"
	TypeHardLimitReached AlertType = "hard_limit_reached"
	TypeOverage          AlertType = "overage"
	TypeAnomaly          AlertType = "anomaly"
)

func (t AlertType) Valid() bool {
	switch t {
	case TypeApproachingLimit, TypeSoftLimitReached, TypeHardLimitReached, TypeOverage, TypeAnomaly:
		return true
	default:
		return false
	}
}

type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is one notification lifecycle row. DedupKey is set while the alert
// is active and cleared on resolve; its unique index is what makes two
// racing triggers collapse into one row (NULLs never collide).
type Alert struct {
	ID         snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID   snowflake.ID `gorm:"not null;index" json:"tenant_id"`
	MetricType metric.Type  `gorm:"type:text;not null" json:"metric_type"`
	AlertType  AlertType    `gorm:"type:text;not null" json:"alert_type"`
	Severity   Severity     `gorm:"type:text;not null" json:"severity"`

	TriggerValuePercent float64 `gorm:"not null;default:0" json:"trigger_value_percent"`
	Message             string  `gorm:"type:text" json:"message"`
	Channels            string  `gorm:"type:text" json:"channels"`

	Status   Status  `gorm:"type:text;not null;default:pending" json:"status"`
	DedupKey *string `gorm:"type:text;uniqueIndex:ux_alerts_active" json:"-"`

	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Alert) TableName() string { return "alerts" }

// ActiveDedupKey is the value held in DedupKey while an alert is open.
func ActiveDedupKey(tenantID snowflake.ID, metricType metric.Type, alertType AlertType) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, metricType, alertType)
}

type ThresholdType string

const (
	ThresholdPercentage ThresholdType = "percentage"
	ThresholdAbsolute   ThresholdType = "absolute"
	ThresholdRate       ThresholdType = "rate"
)

// Threshold configures alerting per tenant or globally (TenantID 0).
// More specific rows win.
type Threshold struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID  `gorm:"not null;default:0;index" json:"tenant_id"`
	MetricType      metric.Type   `gorm:"type:text" json:"metric_type"`
	AlertType       AlertType     `gorm:"type:text" json:"alert_type"`
	ThresholdType   ThresholdType `gorm:"type:text;not null;default:percentage" json:"threshold_type"`
	Value           float64       `gorm:"not null;default:0" json:"value"`
	Channels        string        `gorm:"type:text" json:"channels"`
	CooldownMinutes int           `gorm:"not null;default:60" json:"cooldown_minutes"`
	Enabled         bool          `gorm:"not null;default:true" json:"enabled"`
	CreatedAt       time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"not null" json:"updated_at"`
}

func (Threshold) TableName() string { return "alert_thresholds" }

type TriggerRequest struct {
	TenantID            snowflake.ID
	MetricType          metric.Type
	AlertType           AlertType
	Severity            Severity
	TriggerValuePercent float64
	Message             string
}

type ListFilter struct {
	TenantID   snowflake.ID
	MetricType metric.Type
	Status     Status
	AlertType  AlertType
}

type Service interface {
	// Trigger opens a new pending alert unless an active one exists or the
	// cooldown from the last resolved one is still running. A suppressed
	// trigger returns (nil, nil).
	Trigger(ctx context.Context, req TriggerRequest) (*Alert, error)
	// DispatchPending delivers pending alerts and marks them sent.
	DispatchPending(ctx context.Context, batchSize int) (int, error)
	Acknowledge(ctx context.Context, tenantID, id snowflake.ID) (*Alert, error)
	Resolve(ctx context.Context, id snowflake.ID) (*Alert, error)
	// ResolveCleared closes open quota alerts whose condition no longer
	// holds, e.g. after a period reset.
	ResolveCleared(ctx context.Context) (int, error)
	List(ctx context.Context, filter ListFilter) ([]*Alert, error)
	// ActiveCount counts unresolved alerts for one tenant.
	ActiveCount(ctx context.Context, tenantID snowflake.ID) (int64, error)
}

var (
	ErrNotFound          = errors.New("alert_not_found")
	ErrInvalidTransition = errors.New("invalid_alert_transition")
)
