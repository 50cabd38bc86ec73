// Package domain defines multi-resolution usage aggregates. Raw events are
// the source of truth; every aggregate row can be recomputed from them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

type BucketType string

const (
	BucketHour  BucketType = "hour"
	BucketDay   BucketType = "day"
	BucketWeek  BucketType = "week"
	BucketMonth BucketType = "month"
)

func (b BucketType) Valid() bool {
	switch b {
	case BucketHour, BucketDay, BucketWeek, BucketMonth:
		return true
	default:
		return false
	}
}

// End returns the exclusive end of the bucket that starts at start.
func (b BucketType) End(start time.Time) time.Time {
	switch b {
	case BucketHour:
		return start.Add(time.Hour)
	case BucketDay:
		return start.AddDate(0, 0, 1)
	case BucketWeek:
		return start.AddDate(0, 0, 7)
	case BucketMonth:
		return start.AddDate(0, 1, 0)
	default:
		return start
	}
}

// Truncate aligns t to the bucket grid in UTC. Weeks start on Monday.
func (b BucketType) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch b {
	case BucketHour:
		return t.Truncate(time.Hour)
	case BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case BucketWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case BucketMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t
	}
}

// Prev returns the start of the equal-length bucket before start.
func (b BucketType) Prev(start time.Time) time.Time {
	switch b {
	case BucketHour:
		return start.Add(-time.Hour)
	case BucketDay:
		return start.AddDate(0, 0, -1)
	case BucketWeek:
		return start.AddDate(0, 0, -7)
	case BucketMonth:
		return start.AddDate(0, -1, 0)
	default:
		return start
	}
}

type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Aggregation is one recomputable bucket row.
type Aggregation struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID    snowflake.ID `gorm:"not null;uniqueIndex:ux_aggregations_key,priority:1" json:"tenant_id"`
	MetricType  metric.Type  `gorm:"type:text;not null;uniqueIndex:ux_aggregations_key,priority:2" json:"metric_type"`
	BucketType  BucketType   `gorm:"type:text;not null;uniqueIndex:ux_aggregations_key,priority:3" json:"bucket_type"`
	BucketStart time.Time    `gorm:"not null;uniqueIndex:ux_aggregations_key,priority:4" json:"bucket_start"`

	Sum         float64 `gorm:"not null;default:0" json:"sum"`
	Avg         float64 `gorm:"not null;default:0" json:"avg"`
	Min         float64 `gorm:"not null;default:0" json:"min"`
	Max         float64 `gorm:"not null;default:0" json:"max"`
	SampleCount int64   `gorm:"not null;default:0" json:"sample_count"`

	Trend         Trend     `gorm:"type:text;not null;default:stable" json:"trend"`
	ChangePercent float64   `gorm:"not null;default:0" json:"change_percent"`
	ComputedAt    time.Time `gorm:"not null" json:"computed_at"`
}

func (Aggregation) TableName() string { return "aggregations" }

// RollupKey identifies one bucket to recompute.
type RollupKey struct {
	TenantID    snowflake.ID
	MetricType  metric.Type
	BucketType  BucketType
	BucketStart time.Time
}

type SeriesFilter struct {
	TenantID   snowflake.ID
	MetricType metric.Type
	BucketType BucketType
	From       time.Time
	To         time.Time
}

type Service interface {
	// Rollup recomputes one bucket from raw events and upserts the row.
	// Safe to run repeatedly and in any order.
	Rollup(ctx context.Context, key RollupKey) (*Aggregation, error)
	Series(ctx context.Context, filter SeriesFilter) ([]*Aggregation, error)
	// ActiveKeys lists (tenant, metric) pairs with raw events inside the
	// window, expanded to bucket keys for the scheduler.
	ActiveKeys(ctx context.Context, bucketType BucketType, from, to time.Time) ([]RollupKey, error)
}

var (
	ErrInvalidBucket = errors.New("invalid_bucket_type")
	ErrQueueFull     = errors.New("rollup_queue_full")
)
