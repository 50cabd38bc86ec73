package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaflow/internal/aggregation"
	"github.com/smallbiznis/quotaflow/internal/alert"
	"github.com/smallbiznis/quotaflow/internal/anomaly"
	"github.com/smallbiznis/quotaflow/internal/billing"
	"github.com/smallbiznis/quotaflow/internal/clock"
	"github.com/smallbiznis/quotaflow/internal/config"
	"github.com/smallbiznis/quotaflow/internal/forecast"
	"github.com/smallbiznis/quotaflow/internal/licensing"
	"github.com/smallbiznis/quotaflow/internal/logger"
	"github.com/smallbiznis/quotaflow/internal/migration"
	"github.com/smallbiznis/quotaflow/internal/observability/metrics"
	"github.com/smallbiznis/quotaflow/internal/providers/notify"
	"github.com/smallbiznis/quotaflow/internal/quota"
	"github.com/smallbiznis/quotaflow/internal/ratelimit"
	"github.com/smallbiznis/quotaflow/internal/reporting"
	"github.com/smallbiznis/quotaflow/internal/scheduler"
	"github.com/smallbiznis/quotaflow/internal/server"
	"github.com/smallbiznis/quotaflow/internal/usage"
	"github.com/smallbiznis/quotaflow/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		licensing.Module,
		billing.Module,
		quota.Module,
		ratelimit.Module,
		usage.Module,
		aggregation.Module,
		forecast.Module,
		anomaly.Module,
		notify.Module,
		alert.Module,
		reporting.Module,

		// Background loop and HTTP surface
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
