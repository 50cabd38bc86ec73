package quota

import (
	quotadomain "github.com/smallbiznis/quotaflow/internal/quota/domain"
	"github.com/smallbiznis/quotaflow/internal/quota/service"
	"go.uber.org/fx"
)

type notifierParams struct {
	fx.In

	Quota    quotadomain.Service
	Notifier quotadomain.ThresholdNotifier `optional:"true"`
}

var Module = fx.Module("quota.service",
	fx.Provide(service.NewService),
	fx.Invoke(func(p notifierParams) {
		if p.Notifier == nil {
			return
		}
		if svc, ok := p.Quota.(*service.Service); ok {
			svc.SetThresholdNotifier(p.Notifier)
		}
	}),
)
