package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"

	regiondomain "github.com/pollstack/billing/internal/region/domain"
)

// Gateway names an external payment processor.
type Gateway string

const (
	GatewayStripe Gateway = "stripe"
	GatewayPaddle Gateway = "paddle"
)

func ParseGateway(value string) (Gateway, error) {
	switch Gateway(value) {
	case GatewayStripe, GatewayPaddle:
		return Gateway(value), nil
	default:
		return "", ErrUnknownGateway
	}
}

type GatewayOption struct {
	Gateway         Gateway `json:"gateway"`
	Recommended     bool    `json:"recommended"`
	Split           bool    `json:"split"`
	SplitPercentage int     `json:"split_percentage,omitempty"`
}

type Recommendation struct {
	CountryCode string              `json:"country_code"`
	CountryName string              `json:"country_name"`
	Region      regiondomain.Region `json:"region"`

	GatewayType   regiondomain.GatewayType `json:"gateway_type"`
	StripeEnabled bool                     `json:"stripe_enabled"`
	PaddleEnabled bool                     `json:"paddle_enabled"`
	Reason        string                   `json:"reason,omitempty"`

	// Regional price override; nil means the plan's base price applies.
	AmountCents *int64 `json:"amount_cents,omitempty"`
	Currency    string `json:"currency,omitempty"`

	AvailableGateways []GatewayOption `json:"available_gateways"`
}

type Selection struct {
	Gateway         Gateway             `json:"gateway"`
	SplitApplied    bool                `json:"split_applied"`
	SplitPercentage int                 `json:"split_percentage,omitempty"`
	Region          regiondomain.Region `json:"region"`
}

type PaymentMethod struct {
	Method string `json:"method"`
	Label  string `json:"label"`
}

// RandomSource supplies the coin flip for split policies. Injectable so tests
// can seed it; production draws are independent per request with no shared
// counter.
type RandomSource interface {
	Bool() bool
}

type Service interface {
	GetRecommendation(ctx context.Context, countryCode string, planID *snowflake.ID) (Recommendation, error)

	// SelectGatewayForPayment resolves the recommendation and picks the gateway
	// to charge through. Inconsistent stored policy flags fail fast with
	// region.ErrInconsistentPolicy instead of returning an arbitrary gateway.
	SelectGatewayForPayment(ctx context.Context, countryCode string, planID *snowflake.ID) (Selection, Recommendation, error)

	// PaymentMethods is the static per-gateway capability table.
	PaymentMethods(gateway Gateway) []PaymentMethod
}

var ErrUnknownGateway = errors.New("unknown_gateway")
