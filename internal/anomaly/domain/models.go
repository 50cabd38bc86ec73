// Package domain defines detected usage anomalies and their review
// lifecycle. A finding is immutable evidence; only its status moves.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"gorm.io/datatypes"
)

type Method string

const (
	MethodStatistical Method = "statistical"
	MethodVelocity    Method = "velocity"
	MethodPattern     Method = "pattern"
)

type Status string

const (
	StatusDetected      Status = "detected"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusDismissed     Status = "dismissed"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Anomaly is one detection finding. The unique key keeps a re-run of the
// same window from producing duplicate rows.
type Anomaly struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID `gorm:"not null;uniqueIndex:ux_anomalies_key,priority:1" json:"tenant_id"`
	MetricType  metric.Type  `gorm:"type:text;not null;uniqueIndex:ux_anomalies_key,priority:2" json:"metric_type"`
	Method      Method       `gorm:"type:text;not null;uniqueIndex:ux_anomalies_key,priority:3" json:"method"`
	WindowStart time.Time    `gorm:"not null;uniqueIndex:ux_anomalies_key,priority:4" json:"window_start"`

	ObservedValue float64 `gorm:"not null" json:"observed_value"`
	ExpectedLow   float64 `gorm:"not null" json:"expected_low"`
	ExpectedHigh  float64 `gorm:"not null" json:"expected_high"`

	RiskScore      float64  `gorm:"not null" json:"risk_score"`
	Severity       Severity `gorm:"type:text;not null" json:"severity"`
	Status         Status   `gorm:"type:text;not null;default:detected" json:"status"`
	IsFraudSuspect bool     `gorm:"not null;default:false" json:"is_fraud_suspect"`
	RequiresReview bool     `gorm:"not null;default:false" json:"requires_review"`

	Details    datatypes.JSONMap `json:"details,omitempty"`
	DetectedAt time.Time         `gorm:"not null" json:"detected_at"`
	UpdatedAt  time.Time         `gorm:"not null" json:"updated_at"`
}

func (Anomaly) TableName() string { return "anomalies" }

type DetectRequest struct {
	TenantID    snowflake.ID `json:"tenant_id"`
	MetricType  metric.Type  `json:"metric_type"`
	WindowHours int          `json:"window_hours"`
}

type ListFilter struct {
	TenantID   snowflake.ID
	MetricType metric.Type
	Status     Status
}

type Service interface {
	// Detect runs every detector over the window and persists new findings.
	Detect(ctx context.Context, req DetectRequest) ([]*Anomaly, error)
	// Transition moves one finding through the review lifecycle.
	Transition(ctx context.Context, id snowflake.ID, to Status) (*Anomaly, error)
	List(ctx context.Context, filter ListFilter) ([]*Anomaly, error)
}

var (
	ErrNotFound          = errors.New("anomaly_not_found")
	ErrInvalidTransition = errors.New("invalid_status_transition")
)

// CanTransition enforces detected→investigating→resolved|dismissed. A
// finding that requires review may not leave detected except into
// investigation, and closed findings stay closed.
func (a *Anomaly) CanTransition(to Status) bool {
	switch a.Status {
	case StatusDetected:
		if a.RequiresReview {
			return to == StatusInvestigating
		}
		return to == StatusInvestigating || to == StatusResolved || to == StatusDismissed
	case StatusInvestigating:
		return to == StatusResolved || to == StatusDismissed
	default:
		return false
	}
}
