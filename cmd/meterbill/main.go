package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/formlane/meterbill/internal/alert"
	"github.com/formlane/meterbill/internal/budget"
	"github.com/formlane/meterbill/internal/catalog"
	"github.com/formlane/meterbill/internal/clock"
	"github.com/formlane/meterbill/internal/config"
	"github.com/formlane/meterbill/internal/migration"
	"github.com/formlane/meterbill/internal/observability"
	"github.com/formlane/meterbill/internal/redisconn"
	"github.com/formlane/meterbill/internal/scheduler"
	"github.com/formlane/meterbill/internal/server"
	"github.com/formlane/meterbill/internal/usage"
	"github.com/formlane/meterbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisconn.Module,
		migration.Module,

		catalog.Module,
		budget.Module,
		usage.Module,
		alert.Module,
		scheduler.Module,

		server.Module,
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
