package featureset

import (
	"github.com/smallbiznis/featurestore/internal/featureset/repository"
	"github.com/smallbiznis/featurestore/internal/featureset/service"
	"go.uber.org/fx"
)

var Module = fx.Module("featureset.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
