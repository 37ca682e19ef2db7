package adapters

import (
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pollstack/billing/internal/config"
	"github.com/pollstack/billing/internal/payment/adapters/paddle"
	"github.com/pollstack/billing/internal/payment/adapters/stripe"
	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

// Registry holds the configured gateway adapters keyed by gateway.
type Registry struct {
	byGateway map[routingdomain.Gateway]paymentdomain.GatewayAdapter
}

func NewRegistry(p Params) *Registry {
	r := &Registry{byGateway: map[routingdomain.Gateway]paymentdomain.GatewayAdapter{}}
	r.register(stripe.New(p.Cfg.Stripe, p.Log))
	r.register(paddle.New(p.Cfg.Paddle, p.Log))
	return r
}

func (r *Registry) register(adapter paymentdomain.GatewayAdapter) {
	r.byGateway[adapter.Gateway()] = adapter
}

func (r *Registry) Get(gateway routingdomain.Gateway) (paymentdomain.GatewayAdapter, error) {
	adapter, ok := r.byGateway[gateway]
	if !ok {
		return nil, paymentdomain.ErrProviderNotFound
	}
	return adapter, nil
}

func (r *Registry) ByName(provider string) (paymentdomain.GatewayAdapter, error) {
	gateway, err := routingdomain.ParseGateway(strings.ToLower(strings.TrimSpace(provider)))
	if err != nil {
		return nil, paymentdomain.ErrProviderNotFound
	}
	return r.Get(gateway)
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.ByName(provider)
	return err == nil
}
