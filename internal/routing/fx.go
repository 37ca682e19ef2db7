package routing

import (
	"go.uber.org/fx"

	"github.com/pollstack/billing/internal/routing/service"
)

var Module = fx.Module("routing.service",
	fx.Provide(service.NewRandomSource),
	fx.Provide(service.NewService),
)
