package licensing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/cache"
	"github.com/smallbiznis/quotaflow/internal/metric"
)

// CachingProvider memoizes entitlement lookups until the period ends, so
// the hot path hits the subscription collaborator once per
// (tenant, metric, period).
type CachingProvider struct {
	inner Provider
	cache *cache.TTLCache[string, Entitlement]
}

func NewCachingProvider(inner Provider) *CachingProvider {
	return &CachingProvider{
		inner: inner,
		cache: cache.NewTTLCache[string, Entitlement](),
	}
}

func (p *CachingProvider) Resolve(ctx context.Context, tenantID snowflake.ID, metricType metric.Type, at time.Time) (Entitlement, error) {
	start, _ := PeriodBounds(at)
	key := cache.Key(tenantID.String(), metricType.String(), start.Format(time.RFC3339))

	if cached, ok := p.cache.Get(key); ok {
		return cached, nil
	}

	entitlement, err := p.inner.Resolve(ctx, tenantID, metricType, at)
	if err != nil {
		return Entitlement{}, err
	}

	ttl := time.Until(entitlement.PeriodEnd)
	p.cache.Set(key, entitlement, ttl)
	return entitlement, nil
}

// Invalidate drops the cached entitlement for one key, used on period reset.
func (p *CachingProvider) Invalidate(tenantID snowflake.ID, metricType metric.Type, at time.Time) {
	start, _ := PeriodBounds(at)
	p.cache.Delete(cache.Key(tenantID.String(), metricType.String(), start.Format(time.RFC3339)))
}
