package domain

import (
	"context"
	"net/http"

	plandomain "github.com/pollstack/billing/internal/plan/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

// GatewayAdapter is the provider boundary. Adapters talk raw REST to the
// provider and never touch the database; persistence of whatever they mint
// (customers, prices) is the calling service's job.
type GatewayAdapter interface {
	Gateway() routingdomain.Gateway

	CreateOneTimePayment(ctx context.Context, input OneTimePaymentInput) (*PaymentArtifact, error)
	CreateRecurringPayment(ctx context.Context, input RecurringPaymentInput) (*PaymentArtifact, error)
	VerifyPayment(ctx context.Context, externalPaymentID string) (*VerificationResult, error)
	CancelSubscription(ctx context.Context, externalSubscriptionID string) error

	// CreatePlanPrice mints a provider price (and product, if the plan has
	// none yet) for the given amount. Provider prices are immutable.
	CreatePlanPrice(ctx context.Context, input PlanPriceInput) (*PlanPriceArtifact, error)

	VerifySignature(ctx context.Context, payload []byte, headers http.Header) error
	ParseEvent(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

type OneTimePaymentInput struct {
	UserID        string
	UserEmail     string
	Plan          plandomain.Plan
	AmountCents   int64
	Currency      string
	PaymentMethod string
	CountryCode   string
}

type RecurringPaymentInput struct {
	UserID        string
	UserEmail     string
	Plan          plandomain.Plan
	AmountCents   int64
	Currency      string
	PaymentMethod string
	CountryCode   string

	// ProviderCustomerID reuses an existing provider customer; empty means the
	// adapter creates one and reports it back in the artifact.
	ProviderCustomerID string
}

// PaymentArtifact is what a create call yields: the provider ids to persist
// and whatever the client needs to finish the payment.
type PaymentArtifact struct {
	ExternalPaymentID      string
	ExternalSubscriptionID string
	Status                 string

	ClientSecret string
	CheckoutURL  string

	ProviderCustomerID string
	ProviderPriceID    string
	ProviderProductID  string
}

type VerificationResult struct {
	ExternalPaymentID string
	Status            string
	AmountCents       int64
	Currency          string
}

type PlanPriceInput struct {
	Plan        plandomain.Plan
	AmountCents int64
	Currency    string
}

type PlanPriceArtifact struct {
	PriceID   string
	ProductID string
}
