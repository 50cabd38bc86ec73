package migration

import (
	aggdomain "github.com/smallbiznis/quotaflow/internal/aggregation/domain"
	alertdomain "github.com/smallbiznis/quotaflow/internal/alert/domain"
	anomalydomain "github.com/smallbiznis/quotaflow/internal/anomaly/domain"
	billingdomain "github.com/smallbiznis/quotaflow/internal/billing/domain"
	"github.com/smallbiznis/quotaflow/internal/config"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	usagedomain "github.com/smallbiznis/quotaflow/internal/usage/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}

		// The versioned SQL only targets postgres; sqlite and mysql installs
		// are dev setups where the model schema is authoritative.
		return conn.AutoMigrate(
			&quotadomain.Quota{},
			&quotadomain.QuotaCommit{},
			&usagedomain.UsageEvent{},
			&aggdomain.Aggregation{},
			&anomalydomain.Anomaly{},
			&alertdomain.Alert{},
			&alertdomain.Threshold{},
			&billingdomain.PendingOverageCharge{},
		)
	}),
)
