package region

import (
	"go.uber.org/fx"

	"github.com/pollstack/billing/internal/region/repository"
	"github.com/pollstack/billing/internal/region/service"
)

var Module = fx.Module("region.service",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
