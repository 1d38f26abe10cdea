package creditoverview

import (
	"github.com/smallbiznis/credo/internal/cache"
	"github.com/smallbiznis/credo/internal/creditoverview/service"
	"go.uber.org/fx"
)

var Module = fx.Module("creditoverview.service",
	fx.Provide(cache.NewOverviewCache),
	fx.Provide(service.NewService),
)
