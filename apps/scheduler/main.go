package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/config"
	"github.com/smallbiznis/featurestore/internal/featurecache"
	"github.com/smallbiznis/featurestore/internal/featureset"
	"github.com/smallbiznis/featurestore/internal/materialization"
	"github.com/smallbiznis/featurestore/internal/notify"
	"github.com/smallbiznis/featurestore/internal/observability"
	"github.com/smallbiznis/featurestore/internal/redisclient"
	"github.com/smallbiznis/featurestore/internal/scheduler"
	"github.com/smallbiznis/featurestore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		fx.Decorate(schedulerOnly),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisclient.Module,
		notify.Module,

		// Domain services required by scheduler
		featureset.Module,
		materialization.Module,
		featurecache.Module,

		// No stream module!
		scheduler.Module,
	)
	app.Run()
}

func schedulerOnly(cfg config.Config) config.Config {
	cfg.Scheduler.Enabled = true
	return cfg
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(3)
	if err != nil {
		panic(err)
	}
	return node
}
