// Package licensing is the subscription collaborator boundary. It supplies
// quota limits, overage policy, and period bounds per tenant and metric;
// the quota engine resolves lazily and caches for the period's lifetime.
package licensing

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

// Entitlement is the quota definition a subscription tier grants for one
// metric over one period. A nil Limit means unlimited.
type Entitlement struct {
	Limit          *float64
	OverageAllowed bool
	OverageLimit   *float64
	OverageRate    float64
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

type Provider interface {
	Resolve(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, at time.Time) (Entitlement, error)
}

var ErrNoSubscription = errors.New("no_active_subscription")

// PeriodBounds returns the calendar-month window containing at, in UTC.
func PeriodBounds(at time.Time) (time.Time, time.Time) {
	at = at.UTC()
	start := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
