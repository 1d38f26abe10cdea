package config

import "go.uber.org/fx"

// Module provides the env-derived Config and the hot-reloadable portfolio
// policy holder.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPortfolioPolicyHolder),
)
