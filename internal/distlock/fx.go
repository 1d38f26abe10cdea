package distlock

import "go.uber.org/fx"

var Module = fx.Module("dist.lock",
	fx.Provide(NewSchedulerMutex),
)
