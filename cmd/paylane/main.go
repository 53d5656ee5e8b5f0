package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/sessionlane/paylane/internal/clock"
	"github.com/sessionlane/paylane/internal/migration"
	"github.com/sessionlane/paylane/internal/scheduler"
	"github.com/sessionlane/paylane/internal/server"
	"github.com/sessionlane/paylane/pkg/cache"
	"github.com/sessionlane/paylane/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		cache.Module,
		migration.Module,
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
