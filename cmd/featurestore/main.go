package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/featurestore/internal/clock"
	"github.com/smallbiznis/featurestore/internal/config"
	"github.com/smallbiznis/featurestore/internal/featurecache"
	"github.com/smallbiznis/featurestore/internal/featureset"
	"github.com/smallbiznis/featurestore/internal/materialization"
	"github.com/smallbiznis/featurestore/internal/migration"
	"github.com/smallbiznis/featurestore/internal/notify"
	"github.com/smallbiznis/featurestore/internal/observability"
	"github.com/smallbiznis/featurestore/internal/redisclient"
	"github.com/smallbiznis/featurestore/internal/scheduler"
	"github.com/smallbiznis/featurestore/internal/stream"
	"github.com/smallbiznis/featurestore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisclient.Module,
		notify.Module,

		// Schema must be current before the workers load their catalog.
		migration.Module,

		// Functional Domains
		featureset.Module,
		materialization.Module,
		featurecache.Module,

		// Workers, toggled by STREAM_ENABLED and SCHEDULER_ENABLED
		stream.Module,
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
