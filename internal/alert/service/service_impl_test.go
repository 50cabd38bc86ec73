package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	alertdomain "github.com/smallbiznis/quotaflow/internal/alert/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"github.com/smallbiznis/quotaflow/internal/providers/notify"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type sentNotification struct {
	channel notify.Channel
	payload notify.Payload
}

type fakeNotify struct {
	mu    sync.Mutex
	sent  []sentNotification
	fail  bool
}

func (f *fakeNotify) Send(_ context.Context, channel notify.Channel, payload notify.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("transport down")
	}
	f.sent = append(f.sent, sentNotification{channel: channel, payload: payload})
	return nil
}

func (f *fakeNotify) Channels() []notify.Channel {
	return []notify.Channel{notify.ChannelEmail, notify.ChannelSlack}
}

type fakeQuota struct {
	usagePercent float64
}

func (f *fakeQuota) CheckAvailability(context.Context, quotadomain.CheckAvailabilityRequest) (quotadomain.Availability, error) {
	return quotadomain.Availability{}, nil
}

func (f *fakeQuota) ReserveAndCommit(context.Context, quotadomain.CommitRequest) (quotadomain.CommitResult, error) {
	return quotadomain.CommitResult{}, nil
}

func (f *fakeQuota) Reserve(context.Context, quotadomain.CommitRequest) error { return nil }

func (f *fakeQuota) CommitReservation(context.Context, snowflake.ID, metric.Type, float64) error {
	return nil
}

func (f *fakeQuota) Release(context.Context, snowflake.ID, metric.Type, float64) error { return nil }

func (f *fakeQuota) Snapshot(context.Context, snowflake.ID, metric.Type) (quotadomain.Snapshot, error) {
	return quotadomain.Snapshot{UsagePercent: f.usagePercent}, nil
}

func (f *fakeQuota) ResetPeriod(context.Context, snowflake.ID, metric.Type) error { return nil }

type fixture struct {
	svc    *Service
	db     *gorm.DB
	notify *fakeNotify
	quota  *fakeQuota
	clk    *clock.FakeClock
	node   *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&alertdomain.Alert{}, &alertdomain.Threshold{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	fn := &fakeNotify{}
	fq := &fakeQuota{usagePercent: 85}

	svc := NewService(Params{
		DB:     gdb,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Notify: fn,
		Quota:  fq,
	})
	return &fixture{svc: svc, db: gdb, notify: fn, quota: fq, clk: clk, node: node}
}

func approachingTrigger() alertdomain.TriggerRequest {
	return alertdomain.TriggerRequest{
		TenantID:            1,
		MetricType:          metric.TypeAPICall,
		AlertType:           alertdomain.TypeApproachingLimit,
		Severity:            alertdomain.SeverityMedium,
		TriggerValuePercent: 82,
		Message:             "api_call usage at 82.0% of quota",
	}
}

func TestTriggerCreatesPendingAlert(t *testing.T) {
	fx := newFixture(t)

	row, err := fx.svc.Trigger(context.Background(), approachingTrigger())
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, alertdomain.StatusPending, row.Status)
	assert.Equal(t, "email,slack", row.Channels)
	require.NotNil(t, row.DedupKey)
}

func TestTriggerDeduplicatesActiveAlert(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)
	require.NotNil(t, first)

	// The same threshold crossing fires once, no matter how often signaled.
	for i := 0; i < 3; i++ {
		dup, err := fx.svc.Trigger(ctx, approachingTrigger())
		require.NoError(t, err)
		assert.Nil(t, dup)
	}

	var count int64
	require.NoError(t, fx.db.Model(&alertdomain.Alert{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// A different alert type for the same metric is its own lifecycle.
	other := approachingTrigger()
	other.AlertType = alertdomain.TypeSoftLimitReached
	row, err := fx.svc.Trigger(ctx, other)
	require.NoError(t, err)
	assert.NotNil(t, row)
}

func TestTriggerHonorsCooldown(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)
	_, err = fx.svc.Resolve(ctx, first.ID)
	require.NoError(t, err)

	// Still cooling down.
	fx.clk.Advance(10 * time.Minute)
	suppressed, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)
	assert.Nil(t, suppressed)

	fx.clk.Advance(51 * time.Minute)
	refired, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)
	assert.NotNil(t, refired)
}

func TestTriggerUsesTenantThresholdRow(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.db.Create(&alertdomain.Threshold{
		ID:              fx.node.Generate(),
		TenantID:        1,
		ThresholdType:   alertdomain.ThresholdPercentage,
		Channels:        "slack",
		CooldownMinutes: 5,
		Enabled:         true,
		CreatedAt:       fx.clk.Now(),
		UpdatedAt:       fx.clk.Now(),
	}).Error)

	row, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)
	assert.Equal(t, "slack", row.Channels)

	_, err = fx.svc.Resolve(ctx, row.ID)
	require.NoError(t, err)
	fx.clk.Advance(6 * time.Minute)

	refired, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)
	assert.NotNil(t, refired)
}

func TestDispatchPendingMarksSent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	row, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)

	dispatched, err := fx.svc.DispatchPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, dispatched)
	assert.Len(t, fx.notify.sent, 2) // email + slack

	var reread alertdomain.Alert
	require.NoError(t, fx.db.First(&reread, "id = ?", row.ID).Error)
	assert.Equal(t, alertdomain.StatusSent, reread.Status)
	assert.NotNil(t, reread.SentAt)
}

func TestDispatchLeavesPendingOnDeliveryFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.notify.fail = true

	row, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)

	dispatched, err := fx.svc.DispatchPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, dispatched)

	var reread alertdomain.Alert
	require.NoError(t, fx.db.First(&reread, "id = ?", row.ID).Error)
	assert.Equal(t, alertdomain.StatusPending, reread.Status)
}

func TestAcknowledgeRequiresSent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	row, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)

	_, err = fx.svc.Acknowledge(ctx, 1, row.ID)
	assert.ErrorIs(t, err, alertdomain.ErrInvalidTransition)

	_, err = fx.svc.DispatchPending(ctx, 10)
	require.NoError(t, err)

	acked, err := fx.svc.Acknowledge(ctx, 1, row.ID)
	require.NoError(t, err)
	assert.Equal(t, alertdomain.StatusAcknowledged, acked.Status)
	assert.NotNil(t, acked.AcknowledgedAt)

	// Another tenant cannot acknowledge it.
	_, err = fx.svc.Acknowledge(ctx, 2, row.ID)
	assert.ErrorIs(t, err, alertdomain.ErrNotFound)
}

func TestResolveClearsDedupAndStampsCooldown(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	row, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)

	resolved, err := fx.svc.Resolve(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, alertdomain.StatusResolved, resolved.Status)
	assert.Nil(t, resolved.DedupKey)
	require.NotNil(t, resolved.CooldownUntil)
	assert.Equal(t, fx.clk.Now().Add(60*time.Minute), *resolved.CooldownUntil)

	_, err = fx.svc.Resolve(ctx, row.ID)
	assert.ErrorIs(t, err, alertdomain.ErrInvalidTransition)
}

func TestResolveClearedClosesStaleQuotaAlerts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Trigger(ctx, approachingTrigger())
	require.NoError(t, err)

	// Usage still above the floor: nothing to close.
	fx.quota.usagePercent = 85
	closed, err := fx.svc.ResolveCleared(ctx)
	require.NoError(t, err)
	assert.Zero(t, closed)

	// Usage dropped below 80: the approaching alert no longer holds.
	fx.quota.usagePercent = 42
	closed, err = fx.svc.ResolveCleared(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, closed)

	rows, err := fx.svc.List(ctx, alertdomain.ListFilter{TenantID: 1, Status: alertdomain.StatusResolved})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestQuotaThresholdCrossedMapsSignal(t *testing.T) {
	fx := newFixture(t)

	fx.svc.QuotaThresholdCrossed(context.Background(), quotadomain.ThresholdSignal{
		TenantID:     1,
		MetricType:   metric.TypeAPICall,
		Level:        quotadomain.ThresholdHard,
		UsagePercent: 100,
	})

	rows, err := fx.svc.List(context.Background(), alertdomain.ListFilter{TenantID: 1})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, alertdomain.TypeHardLimitReached, rows[0].AlertType)
	assert.Equal(t, alertdomain.SeverityCritical, rows[0].Severity)
	assert.InDelta(t, 100, rows[0].TriggerValuePercent, 1e-9)
}
