package alert

import (
	alertdomain "github.com/smallbiznis/quotaflow/internal/alert/domain"
	"github.com/smallbiznis/quotaflow/internal/alert/service"
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("alert.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) alertdomain.Service { return s }),
	fx.Provide(func(s *service.Service) quotadomain.ThresholdNotifier { return s }),
)
