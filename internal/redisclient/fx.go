package redisclient

import "go.uber.org/fx"

var Module = fx.Module("redis",
	fx.Provide(New),
	fx.Provide(NewLocker),
)
