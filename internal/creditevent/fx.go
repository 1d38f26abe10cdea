package creditevent

import (
	"go.uber.org/fx"
)

var Module = fx.Module("creditevent",
	fx.Provide(NewOutbox),
	fx.Provide(NewLogPublisher),
)
