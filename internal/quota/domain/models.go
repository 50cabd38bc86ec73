// Package domain contains the authoritative per-period usage counters.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

// Quota is the single hot-mutated row per (tenant, metric, period).
// Version is the optimistic stamp: every write is conditioned on it, so
// concurrent commits on the same key linearize without a held lock while
// different keys proceed fully in parallel.
type Quota struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	TenantID       snowflake.ID `gorm:"not null;uniqueIndex:ux_quotas_key,priority:1"`
	MetricType     metric.Type  `gorm:"type:text;not null;uniqueIndex:ux_quotas_key,priority:2"`
	PeriodStart    time.Time    `gorm:"not null;uniqueIndex:ux_quotas_key,priority:3"`
	PeriodEnd      time.Time    `gorm:"not null"`
	LimitValue     *float64
	CurrentUsage   float64 `gorm:"not null;default:0"`
	ReservedUsage  float64 `gorm:"not null;default:0"`
	OverageAllowed bool    `gorm:"not null;default:false"`
	OverageLimit   *float64
	OverageRate    float64   `gorm:"not null;default:0"`
	Version        int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Quota) TableName() string { return "quotas" }

// UsagePercent is current usage relative to the limit; 0 when unlimited.
func (q Quota) UsagePercent() float64 {
	if q.LimitValue == nil || *q.LimitValue <= 0 {
		return 0
	}
	return q.CurrentUsage / *q.LimitValue * 100
}

// QuotaCommit is the idempotency ledger. Inserting it shares the commit
// transaction, so a retried request with the same key replays the recorded
// outcome instead of incrementing twice.
type QuotaCommit struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	TenantID        snowflake.ID `gorm:"not null;uniqueIndex:ux_quota_commits_key,priority:1"`
	MetricType      metric.Type  `gorm:"type:text;not null;uniqueIndex:ux_quota_commits_key,priority:2"`
	IdempotencyKey  string       `gorm:"type:text;not null;uniqueIndex:ux_quota_commits_key,priority:3"`
	Quantity        float64      `gorm:"not null"`
	Accepted        bool         `gorm:"not null"`
	OverageQuantity float64      `gorm:"not null;default:0"`
	NewUsagePercent float64      `gorm:"not null;default:0"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (QuotaCommit) TableName() string { return "quota_commits" }

// Snapshot is the read-only view handed to callers and the reporting facade.
type Snapshot struct {
	MetricType     metric.Type `json:"metric_type"`
	PeriodStart    time.Time   `json:"period_start"`
	PeriodEnd      time.Time   `json:"period_end"`
	Limit          *float64    `json:"limit"`
	CurrentUsage   float64     `json:"current_usage"`
	ReservedUsage  float64     `json:"reserved_usage"`
	OverageAllowed bool        `json:"overage_allowed"`
	OverageRate    float64     `json:"overage_rate"`
	UsagePercent   float64     `json:"usage_percent"`
}

func (q Quota) Snapshot() Snapshot {
	return Snapshot{
		MetricType:     q.MetricType,
		PeriodStart:    q.PeriodStart,
		PeriodEnd:      q.PeriodEnd,
		Limit:          q.LimitValue,
		CurrentUsage:   q.CurrentUsage,
		ReservedUsage:  q.ReservedUsage,
		OverageAllowed: q.OverageAllowed,
		OverageRate:    q.OverageRate,
		UsagePercent:   q.UsagePercent(),
	}
}
