package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/credo/internal/clock"
	"github.com/smallbiznis/credo/internal/cloudmetrics"
	"github.com/smallbiznis/credo/internal/config"
	"github.com/smallbiznis/credo/internal/credit"
	"github.com/smallbiznis/credo/internal/creditevent"
	"github.com/smallbiznis/credo/internal/distlock"
	"github.com/smallbiznis/credo/internal/observability"
	"github.com/smallbiznis/credo/internal/pool"
	"github.com/smallbiznis/credo/internal/scheduler"
	"github.com/smallbiznis/credo/pkg/db"
	"go.uber.org/fx"
)

// Worker-only deployment for cloud mode, where API replicas skip the
// embedded job loop.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		distlock.Module,
		cloudmetrics.Module,

		// Domain services the jobs drive
		scheduler.Module,
		credit.Module,
		pool.Module,
		creditevent.Module,

		fx.Invoke(cloudmetrics.RegisterInstrumentation),
		fx.Invoke(StartScheduler),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.InstanceID)
	if err != nil {
		panic(err)
	}
	return node
}

func StartScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.RunForever(runCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
