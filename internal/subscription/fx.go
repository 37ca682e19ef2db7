package subscription

import (
	"go.uber.org/fx"

	"github.com/pollstack/billing/internal/subscription/repository"
	"github.com/pollstack/billing/internal/subscription/service"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
