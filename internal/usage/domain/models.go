// Package domain holds the raw usage event stream and the tracking API.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"github.com/smallbiznis/quotaflow/pkg/db/pagination"
	"gorm.io/datatypes"
)

// UsageEvent is one immutable metering record. Denied events are kept too,
// flagged Accepted=false, so reporting can show rejected demand.
type UsageEvent struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	TenantID        snowflake.ID      `gorm:"not null;index:ix_usage_events_key,priority:1" json:"tenant_id"`
	MetricType      metric.Type       `gorm:"type:text;not null;index:ix_usage_events_key,priority:2" json:"metric_type"`
	SubjectID       string            `gorm:"type:text" json:"subject_id,omitempty"`
	Quantity        float64           `gorm:"not null" json:"quantity"`
	LatencyMs       int64             `json:"latency_ms,omitempty"`
	ErrorOccurred   bool              `gorm:"not null;default:false" json:"error_occurred"`
	Accepted        bool              `gorm:"not null;default:true" json:"accepted"`
	OverageQuantity float64           `gorm:"not null;default:0" json:"overage_quantity"`
	IdempotencyKey  string            `gorm:"type:text" json:"idempotency_key,omitempty"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty"`
	OccurredAt      time.Time         `gorm:"not null;index:ix_usage_events_key,priority:3" json:"occurred_at"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

func (UsageEvent) TableName() string { return "usage_events" }

type TrackRequest struct {
	TenantID       snowflake.ID      `json:"tenant_id"`
	MetricType     metric.Type       `json:"metric_type"`
	SubjectID      string            `json:"subject_id"`
	Quantity       float64           `json:"quantity"`
	LatencyMs      int64             `json:"latency_ms"`
	ErrorOccurred  bool              `json:"error_occurred"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]any    `json:"metadata"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

type TrackResult struct {
	EventID         snowflake.ID `json:"event_id,omitempty"`
	Accepted        bool         `json:"accepted"`
	Deduplicated    bool         `json:"deduplicated"`
	OverageQuantity float64      `json:"overage_quantity"`
	UsagePercent    float64      `json:"usage_percent"`
}

type ListFilter struct {
	TenantID   snowflake.ID
	MetricType metric.Type
	From       time.Time
	To         time.Time
	Pagination pagination.Pagination
}

// RollupEnqueuer accepts dirty hour buckets for asynchronous aggregation.
// The aggregation queue implements it; a nil enqueuer drops the hint and the
// periodic sweep picks the bucket up instead.
type RollupEnqueuer interface {
	EnqueueHour(tenantID snowflake.ID, metricType metric.Type, bucketStart time.Time)
}

type Service interface {
	// Track runs the full ingest path: admission, quota commit, and the
	// immutable event record.
	Track(ctx context.Context, req TrackRequest) (TrackResult, error)
	List(ctx context.Context, filter ListFilter) ([]*UsageEvent, *pagination.PageInfo, error)
	// PruneBefore deletes raw events older than cutoff and returns the count.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var ErrRateLimited = errors.New("rate_limited")
