package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quotaflow/internal/config"
)

const (
	keyIngestTenant = "quota:ingest:tenant:%s"
	keySweepLock    = "quota:sweep:lock:%s"
)

// IngestLimiter throttles raw event ingestion per tenant before any quota
// work happens. Disabled installs return nil and every caller treats a nil
// limiter as allow-all.
type IngestLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	tenantRate  float64
	tenantBurst int
	lockTTL     time.Duration
}

func NewIngestLimiter(cfg config.Config) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.TenantRate <= 0 || limitCfg.TenantBurst <= 0 {
		return nil, errors.New("tenant rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: limitCfg.RedisPassword,
		DB:       limitCfg.RedisDB,
	})

	return &IngestLimiter{
		enabled:     true,
		bucket:      NewTokenBucket(client),
		locker:      NewLocker(client),
		tenantRate:  limitCfg.TenantRate,
		tenantBurst: limitCfg.TenantBurst,
		lockTTL:     time.Duration(limitCfg.LockTTLSecond) * time.Second,
	}, nil
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *IngestLimiter) AllowTenant(ctx context.Context, tenantID snowflake.ID) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyIngestTenant, tenantID.String()), l.tenantRate, l.tenantBurst)
}

// TryLockSweep guards background sweeps that must run on one instance at a
// time, like alert dispatch and anomaly detection.
func (l *IngestLimiter) TryLockSweep(ctx context.Context, name string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keySweepLock, name), l.lockTTL)
}

func (l *IngestLimiter) ReleaseSweep(ctx context.Context, name, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keySweepLock, name), token)
}
