package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/credo/internal/clock"
	"github.com/smallbiznis/credo/internal/config"
	"github.com/smallbiznis/credo/internal/distlock"
	"github.com/smallbiznis/credo/internal/migration"
	"github.com/smallbiznis/credo/internal/observability"
	"github.com/smallbiznis/credo/internal/scheduler"
	"github.com/smallbiznis/credo/internal/server"
	"github.com/smallbiznis/credo/pkg/db"
	"go.uber.org/fx"
)

// Standalone deployment: API, embedded scheduler, and migrations in one
// process. server.Module carries config and the domain modules.
func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		distlock.Module,
		server.Module,

		scheduler.Module,
		migration.Module,
	)
	app.Run()
}

// RegisterSnowflake seeds the id generator from the configured instance id
// so scaled-out replicas never mint colliding ids.
func RegisterSnowflake(cfg config.Config) *snowflake.Node {
	node, err := snowflake.NewNode(cfg.InstanceID)
	if err != nil {
		panic(err)
	}
	return node
}
