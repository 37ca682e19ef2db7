package usage

import (
	"go.uber.org/fx"

	"github.com/pollstack/billing/internal/usage/repository"
	"github.com/pollstack/billing/internal/usage/service"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
