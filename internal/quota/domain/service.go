package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

type CheckAvailabilityRequest struct {
	TenantID   snowflake.ID `json:"tenant_id"`
	MetricType metric.Type  `json:"metric_type"`
	Quantity   float64      `json:"quantity"`
}

type Availability struct {
	Available bool     `json:"available"`
	Reason    string   `json:"reason,omitempty"`
	Quota     Snapshot `json:"quota"`
}

type CommitRequest struct {
	TenantID       snowflake.ID `json:"tenant_id"`
	MetricType     metric.Type  `json:"metric_type"`
	Quantity       float64      `json:"quantity"`
	IdempotencyKey string       `json:"idempotency_key"`
}

type CommitResult struct {
	Accepted        bool    `json:"accepted"`
	Deduplicated    bool    `json:"deduplicated"`
	OverageQuantity float64 `json:"overage_quantity"`
	NewUsagePercent float64 `json:"new_usage_percent"`
}

// ThresholdLevel identifies which usage boundary a commit crossed.
type ThresholdLevel string

const (
	ThresholdApproaching ThresholdLevel = "approaching_limit"
	ThresholdSoft        ThresholdLevel = "soft_limit_reached"
	ThresholdHard        ThresholdLevel = "hard_limit_reached"
	ThresholdOverage     ThresholdLevel = "overage"
)

// ThresholdSignal is raised after a successful commit crosses 80/90/100%.
// Dedup and cooldown live with the receiver, not here.
type ThresholdSignal struct {
	TenantID     snowflake.ID
	MetricType   metric.Type
	Level        ThresholdLevel
	UsagePercent float64
}

// ThresholdNotifier receives threshold crossings; the alert manager
// implements it. Failures must never fail the commit.
type ThresholdNotifier interface {
	QuotaThresholdCrossed(ctx context.Context, signal ThresholdSignal)
}

type Service interface {
	// CheckAvailability is a pure advisory read; it reserves nothing.
	CheckAvailability(ctx context.Context, req CheckAvailabilityRequest) (Availability, error)
	// ReserveAndCommit atomically tests and increments the counter for
	// one (tenant, metric, period) key.
	ReserveAndCommit(ctx context.Context, req CommitRequest) (CommitResult, error)
	// Reserve holds capacity for an in-flight operation; CommitReservation
	// converts it to usage and Release returns it.
	Reserve(ctx context.Context, req CommitRequest) error
	CommitReservation(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, quantity float64) error
	Release(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, quantity float64) error
	// Snapshot returns the current-period view, creating the row lazily.
	Snapshot(ctx context.Context, tenantID snowflake.ID, metricType metric.Type) (Snapshot, error)
	// ResetPeriod zeroes usage and recomputes period bounds; renewal only.
	ResetPeriod(ctx context.Context, tenantID snowflake.ID, metricType metric.Type) error
}

var (
	ErrQuotaExceeded   = errors.New("quota_exceeded")
	ErrQuotaContention = errors.New("quota_contention")
	ErrInvalidQuantity = errors.New("invalid_quantity")
	ErrInvalidTenant   = errors.New("invalid_tenant")
)
