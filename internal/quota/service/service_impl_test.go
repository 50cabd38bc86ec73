package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/smallbiznis/quotaflow/internal/billing/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/config"
	"github.com/smallbiznis/quotaflow/internal/licensing"
	"github.com/smallbiznis/quotaflow/internal/metric"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type stubLicensing struct {
	mu           sync.Mutex
	entitlements map[metric.Type]licensing.Entitlement
}

func (s *stubLicensing) Resolve(_ context.Context, _ snowflake.ID, metricType metric.Type, at time.Time) (licensing.Entitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entitlements[metricType]
	if !ok {
		return licensing.Entitlement{}, licensing.ErrNoSubscription
	}
	ent.PeriodStart, ent.PeriodEnd = licensing.PeriodBounds(at)
	return ent, nil
}

type capturedOverage struct {
	metricType metric.Type
	quantity   float64
	rate       float64
}

type stubBilling struct {
	mu       sync.Mutex
	overages []capturedOverage
}

func (s *stubBilling) RecordOverage(_ context.Context, _ snowflake.ID, metricType metric.Type, _ time.Time, quantity, rate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overages = append(s.overages, capturedOverage{metricType: metricType, quantity: quantity, rate: rate})
	return nil
}

func (s *stubBilling) PendingAmount(context.Context, snowflake.ID) (float64, error) {
	return 0, nil
}

var _ billingdomain.Collaborator = (*stubBilling)(nil)

type stubNotifier struct {
	mu      sync.Mutex
	signals []quotadomain.ThresholdSignal
}

func (s *stubNotifier) QuotaThresholdCrossed(_ context.Context, signal quotadomain.ThresholdSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signal)
}

func (s *stubNotifier) levels() []quotadomain.ThresholdLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]quotadomain.ThresholdLevel, 0, len(s.signals))
	for _, sig := range s.signals {
		out = append(out, sig.Level)
	}
	return out
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	billing  *stubBilling
	notifier *stubNotifier
	clk      *clock.FakeClock
}

func limitPtr(v float64) *float64 { return &v }

func newFixture(t *testing.T, entitlements map[metric.Type]licensing.Entitlement) *fixture {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, gdb.AutoMigrate(&quotadomain.Quota{}, &quotadomain.QuotaCommit{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	billing := &stubBilling{}
	notifier := &stubNotifier{}
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:        gdb,
		Log:       zap.NewNop(),
		GenID:     node,
		Licensing: &stubLicensing{entitlements: entitlements},
		Clock:     clk,
		Config: config.Config{Quota: config.QuotaConfig{
			CountCrossingAsOverage: true,
			MaxCommitAttempts:      5,
		}},
		Billing: billing,
	}).(*Service)
	svc.SetThresholdNotifier(notifier)

	return &fixture{svc: svc, db: gdb, billing: billing, notifier: notifier, clk: clk}
}

func strictEntitlements(limit float64) map[metric.Type]licensing.Entitlement {
	return map[metric.Type]licensing.Entitlement{
		metric.TypeAPICall: {Limit: limitPtr(limit)},
	}
}

func TestReserveAndCommitWithinLimit(t *testing.T) {
	fx := newFixture(t, strictEntitlements(100))

	result, err := fx.svc.ReserveAndCommit(context.Background(), quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   25,
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.False(t, result.Deduplicated)
	assert.Zero(t, result.OverageQuantity)
	assert.InDelta(t, 25, result.NewUsagePercent, 1e-9)
}

func TestReserveAndCommitEnforcesHardLimit(t *testing.T) {
	fx := newFixture(t, strictEntitlements(100))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
			TenantID:   1,
			MetricType: metric.TypeAPICall,
			Quantity:   10,
		})
		require.NoError(t, err)
		require.True(t, result.Accepted)
	}

	_, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   1,
	})
	assert.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)

	snapshot, err := fx.svc.Snapshot(ctx, 1, metric.TypeAPICall)
	require.NoError(t, err)
	assert.InDelta(t, 100, snapshot.CurrentUsage, 1e-9)
}

func TestReserveAndCommitBillsCrossingOverage(t *testing.T) {
	fx := newFixture(t, map[metric.Type]licensing.Entitlement{
		metric.TypeDocumentProcessing: {
			Limit:          limitPtr(100),
			OverageAllowed: true,
			OverageRate:    0.5,
		},
	})
	ctx := context.Background()

	_, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   7,
		MetricType: metric.TypeDocumentProcessing,
		Quantity:   95,
	})
	require.NoError(t, err)

	result, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   7,
		MetricType: metric.TypeDocumentProcessing,
		Quantity:   10,
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.InDelta(t, 5, result.OverageQuantity, 1e-9)
	assert.InDelta(t, 105, result.NewUsagePercent, 1e-9)

	require.Len(t, fx.billing.overages, 1)
	assert.InDelta(t, 5, fx.billing.overages[0].quantity, 1e-9)
	assert.InDelta(t, 0.5, fx.billing.overages[0].rate, 1e-9)
}

func TestReserveAndCommitRespectsOverageCap(t *testing.T) {
	fx := newFixture(t, map[metric.Type]licensing.Entitlement{
		metric.TypeAPICall: {
			Limit:          limitPtr(100),
			OverageAllowed: true,
			OverageLimit:   limitPtr(20),
			OverageRate:    0.1,
		},
	})
	ctx := context.Background()

	_, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   3,
		MetricType: metric.TypeAPICall,
		Quantity:   100,
	})
	require.NoError(t, err)

	result, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   3,
		MetricType: metric.TypeAPICall,
		Quantity:   20,
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.InDelta(t, 20, result.OverageQuantity, 1e-9)

	_, err = fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   3,
		MetricType: metric.TypeAPICall,
		Quantity:   1,
	})
	assert.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)
}

func TestReserveAndCommitDeduplicatesByKey(t *testing.T) {
	fx := newFixture(t, strictEntitlements(100))
	ctx := context.Background()

	req := quotadomain.CommitRequest{
		TenantID:       1,
		MetricType:     metric.TypeAPICall,
		Quantity:       40,
		IdempotencyKey: "req-abc",
	}

	first, err := fx.svc.ReserveAndCommit(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.False(t, first.Deduplicated)

	second, err := fx.svc.ReserveAndCommit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Accepted)
	assert.True(t, second.Deduplicated)
	assert.InDelta(t, first.NewUsagePercent, second.NewUsagePercent, 1e-9)

	snapshot, err := fx.svc.Snapshot(ctx, 1, metric.TypeAPICall)
	require.NoError(t, err)
	assert.InDelta(t, 40, snapshot.CurrentUsage, 1e-9)
}

func TestReserveAndCommitEmitsThresholdSignals(t *testing.T) {
	fx := newFixture(t, strictEntitlements(100))
	ctx := context.Background()

	_, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   75,
	})
	require.NoError(t, err)
	assert.Empty(t, fx.notifier.levels())

	// One commit jumping from 75% to 95% crosses both boundaries.
	_, err = fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   20,
	})
	require.NoError(t, err)
	assert.Equal(t, []quotadomain.ThresholdLevel{
		quotadomain.ThresholdApproaching,
		quotadomain.ThresholdSoft,
	}, fx.notifier.levels())
}

func TestReserveAndCommitConcurrentNeverOversubscribes(t *testing.T) {
	fx := newFixture(t, strictEntitlements(50))
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
				TenantID:   1,
				MetricType: metric.TypeAPICall,
				Quantity:   10,
			})
			if err != nil {
				if !errors.Is(err, quotadomain.ErrQuotaExceeded) && !errors.Is(err, quotadomain.ErrQuotaContention) {
					t.Errorf("unexpected commit error: %v", err)
				}
				return
			}
			if result.Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	snapshot, err := fx.svc.Snapshot(ctx, 1, metric.TypeAPICall)
	require.NoError(t, err)
	assert.InDelta(t, float64(accepted*10), snapshot.CurrentUsage, 1e-9)
	assert.LessOrEqual(t, snapshot.CurrentUsage, 50.0)
}

func TestReserveCommitReleaseLifecycle(t *testing.T) {
	fx := newFixture(t, strictEntitlements(100))
	ctx := context.Background()

	require.NoError(t, fx.svc.Reserve(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   30,
	}))

	snapshot, err := fx.svc.Snapshot(ctx, 1, metric.TypeAPICall)
	require.NoError(t, err)
	assert.InDelta(t, 30, snapshot.ReservedUsage, 1e-9)
	assert.Zero(t, snapshot.CurrentUsage)

	// Reservation plus live usage may not exceed the limit.
	err = fx.svc.Reserve(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   80,
	})
	assert.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)

	require.NoError(t, fx.svc.CommitReservation(ctx, 1, metric.TypeAPICall, 20))
	require.NoError(t, fx.svc.Release(ctx, 1, metric.TypeAPICall, 10))

	snapshot, err = fx.svc.Snapshot(ctx, 1, metric.TypeAPICall)
	require.NoError(t, err)
	assert.InDelta(t, 20, snapshot.CurrentUsage, 1e-9)
	assert.Zero(t, snapshot.ReservedUsage)
}

func TestReserveAndCommitCountsReservedCapacity(t *testing.T) {
	fx := newFixture(t, strictEntitlements(100))
	ctx := context.Background()

	require.NoError(t, fx.svc.Reserve(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   50,
	}))

	// A commit that fits the limit alone but not alongside the open
	// reservation must be rejected.
	_, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   60,
	})
	assert.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)

	availability, err := fx.svc.CheckAvailability(ctx, quotadomain.CheckAvailabilityRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   60,
	})
	require.NoError(t, err)
	assert.False(t, availability.Available)

	result, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   50,
	})
	require.NoError(t, err)
	assert.True(t, result.Accepted)

	snapshot, err := fx.svc.Snapshot(ctx, 1, metric.TypeAPICall)
	require.NoError(t, err)
	assert.InDelta(t, 50, snapshot.CurrentUsage, 1e-9)
	assert.InDelta(t, 50, snapshot.ReservedUsage, 1e-9)
	assert.LessOrEqual(t, snapshot.CurrentUsage+snapshot.ReservedUsage, 100.0)
}

func TestResetPeriodZeroesUsage(t *testing.T) {
	fx := newFixture(t, strictEntitlements(100))
	ctx := context.Background()

	_, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   60,
	})
	require.NoError(t, err)

	require.NoError(t, fx.svc.ResetPeriod(ctx, 1, metric.TypeAPICall))

	snapshot, err := fx.svc.Snapshot(ctx, 1, metric.TypeAPICall)
	require.NoError(t, err)
	assert.Zero(t, snapshot.CurrentUsage)
	assert.Zero(t, snapshot.ReservedUsage)
}

func TestCheckAvailabilityDoesNotMutate(t *testing.T) {
	fx := newFixture(t, strictEntitlements(100))
	ctx := context.Background()

	availability, err := fx.svc.CheckAvailability(ctx, quotadomain.CheckAvailabilityRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   100,
	})
	require.NoError(t, err)
	assert.True(t, availability.Available)

	availability, err = fx.svc.CheckAvailability(ctx, quotadomain.CheckAvailabilityRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   101,
	})
	require.NoError(t, err)
	assert.False(t, availability.Available)
	assert.Equal(t, quotadomain.ErrQuotaExceeded.Error(), availability.Reason)

	snapshot, err := fx.svc.Snapshot(ctx, 1, metric.TypeAPICall)
	require.NoError(t, err)
	assert.Zero(t, snapshot.CurrentUsage)
}

func TestReserveAndCommitValidation(t *testing.T) {
	fx := newFixture(t, strictEntitlements(100))
	ctx := context.Background()

	_, err := fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   0,
		MetricType: metric.TypeAPICall,
		Quantity:   1,
	})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidTenant)

	_, err = fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.Type("bogus"),
		Quantity:   1,
	})
	assert.ErrorIs(t, err, metric.ErrInvalidMetric)

	_, err = fx.svc.ReserveAndCommit(ctx, quotadomain.CommitRequest{
		TenantID:   1,
		MetricType: metric.TypeAPICall,
		Quantity:   -4,
	})
	assert.ErrorIs(t, err, quotadomain.ErrInvalidQuantity)
}
