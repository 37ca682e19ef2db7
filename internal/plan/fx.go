package plan

import (
	"go.uber.org/fx"

	"github.com/pollstack/billing/internal/plan/repository"
	"github.com/pollstack/billing/internal/plan/service"
)

var Module = fx.Module("plan.service",
	fx.Provide(repository.New),
	fx.Provide(service.NewService),
)
