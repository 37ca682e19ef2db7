package payment

import (
	"go.uber.org/fx"

	"github.com/pollstack/billing/internal/payment/adapters"
	"github.com/pollstack/billing/internal/payment/repository"
	paymentservice "github.com/pollstack/billing/internal/payment/service"
	"github.com/pollstack/billing/internal/payment/webhook"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.New),
	fx.Provide(adapters.NewRegistry),
	fx.Provide(paymentservice.NewService),
	fx.Provide(paymentservice.NewRouter),
	fx.Provide(webhook.NewService),
)
