package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/smallbiznis/quotaflow/internal/billing/domain"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/metric"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type fixture struct {
	svc billingdomain.Collaborator
	db  *gorm.DB
	clk *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&billingdomain.PendingOverageCharge{}))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    gdb,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	return &fixture{svc: svc, db: gdb, clk: clk}
}

func TestRecordOverageAccumulatesPerPeriod(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, fx.svc.RecordOverage(ctx, 1, metric.TypeAPICall, periodStart, 5, 0.5))

	var row billingdomain.PendingOverageCharge
	require.NoError(t, fx.db.First(&row).Error)
	assert.InDelta(t, 5, row.Quantity, 1e-9)
	assert.InDelta(t, 2.5, row.Amount, 1e-9)
	assert.WithinDuration(t, fx.clk.Now(), row.UpdatedAt, time.Second)

	fx.clk.Advance(2 * time.Hour)
	require.NoError(t, fx.svc.RecordOverage(ctx, 1, metric.TypeAPICall, periodStart, 3, 0.5))

	var rows []billingdomain.PendingOverageCharge
	require.NoError(t, fx.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.InDelta(t, 8, rows[0].Quantity, 1e-9)
	assert.InDelta(t, 4, rows[0].Amount, 1e-9)
	assert.WithinDuration(t, fx.clk.Now(), rows[0].UpdatedAt.UTC(), time.Second)

	total, err := fx.svc.PendingAmount(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 4, total, 1e-9)
}

func TestRecordOverageIgnoresNonPositiveQuantity(t *testing.T) {
	fx := newFixture(t)

	require.NoError(t, fx.svc.RecordOverage(context.Background(), 1, metric.TypeAPICall,
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 0, 0.5))

	var count int64
	require.NoError(t, fx.db.Model(&billingdomain.PendingOverageCharge{}).Count(&count).Error)
	assert.Zero(t, count)
}
