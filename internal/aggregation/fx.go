package aggregation

import (
	"github.com/smallbiznis/quotaflow/internal/aggregation/service"
	usagedomain "github.com/smallbiznis/quotaflow/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregation",
	fx.Provide(service.NewService),
	fx.Provide(NewQueue),
	fx.Provide(func(q *Queue) usagedomain.RollupEnqueuer { return q }),
)
