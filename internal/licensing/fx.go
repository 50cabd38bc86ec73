package licensing

import "go.uber.org/fx"

var Module = fx.Module("licensing",
	fx.Provide(func() Provider {
		return NewCachingProvider(NewStaticProvider(nil))
	}),
)
