package materialization

import (
	"github.com/smallbiznis/featurestore/internal/materialization/repository"
	"github.com/smallbiznis/featurestore/internal/materialization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("materialization.service",
	fx.Provide(repository.Provide),
	fx.Provide(repository.ProvideViewStore),
	fx.Provide(service.New),
)
