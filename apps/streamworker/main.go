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
	"github.com/smallbiznis/featurestore/internal/stream"
	"github.com/smallbiznis/featurestore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		fx.Decorate(streamOnly),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		redisclient.Module,
		notify.Module,

		// Domain services the processor reads and writes through
		featureset.Module,
		materialization.Module,
		featurecache.Module,

		// No scheduler and no migrations; the main binary owns the schema.
		stream.Module,
	)
	app.Run()
}

func streamOnly(cfg config.Config) config.Config {
	cfg.Stream.Enabled = true
	return cfg
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}
