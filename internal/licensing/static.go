package licensing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

// Plan is a static entitlement definition applied to every tenant that has
// no externally provisioned subscription.
type Plan struct {
	Limit          *float64
	OverageAllowed bool
	OverageLimit   *float64
	OverageRate    float64
}

// StaticProvider serves entitlements from an in-process plan table. It is
// the OSS default; deployments with a real subscription service swap in
// their own Provider.
type StaticProvider struct {
	plans map[metric.Type]Plan
}

func NewStaticProvider(plans map[metric.Type]Plan) *StaticProvider {
	if plans == nil {
		plans = DefaultPlans()
	}
	return &StaticProvider{plans: plans}
}

// DefaultPlans mirrors the free-tier quotas.
func DefaultPlans() map[metric.Type]Plan {
	return map[metric.Type]Plan{
		metric.TypeDocumentProcessing: {Limit: ptr(1000), OverageAllowed: true, OverageRate: 0.05},
		metric.TypeAPICall:            {Limit: ptr(100000), OverageAllowed: true, OverageRate: 0.0005},
		metric.TypeStorageBytes:       {Limit: ptr(5 << 30), OverageAllowed: false},
		metric.TypeConcurrentUsers:    {Limit: ptr(25), OverageAllowed: false},
		metric.TypeReportGeneration:   {Limit: ptr(200), OverageAllowed: true, OverageRate: 0.10},
	}
}

func (p *StaticProvider) Resolve(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, at time.Time) (Entitlement, error) {
	plan, ok := p.plans[metricType]
	if !ok {
		return Entitlement{}, metric.ErrInvalidMetric
	}

	start, end := PeriodBounds(at)
	return Entitlement{
		Limit:          plan.Limit,
		OverageAllowed: plan.OverageAllowed,
		OverageLimit:   plan.OverageLimit,
		OverageRate:    plan.OverageRate,
		PeriodStart:    start,
		PeriodEnd:      end,
	}, nil
}

func ptr(v float64) *float64 { return &v }
