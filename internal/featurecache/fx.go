package featurecache

import (
	"github.com/smallbiznis/featurestore/internal/featurecache/fasttier"
	"github.com/smallbiznis/featurestore/internal/featurecache/repository"
	"github.com/smallbiznis/featurestore/internal/featurecache/service"
	"go.uber.org/fx"
)

var Module = fx.Module("featurecache.service",
	fx.Provide(repository.Provide),
	fx.Provide(fasttier.Provide),
	fx.Provide(service.New),
)
