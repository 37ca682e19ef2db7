package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"

	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

const (
	RouteTypeRecurring  = "recurring"
	RouteTypeOneTime    = "one_time"
	RouteTypePayAsYouGo = "pay_as_you_go"
)

type RouteRequest struct {
	// UserID and UserEmail come from the authenticated request headers, not
	// the body.
	UserID        string       `json:"-"`
	UserEmail     string       `json:"-"`
	PlanID        snowflake.ID `json:"plan_id" binding:"required"`
	CountryCode   string       `json:"country_code" binding:"required"`
	PaymentMethod string       `json:"payment_method"`
}

type RouteResult struct {
	Type      string       `json:"type"`
	PaymentID snowflake.ID `json:"payment_id,omitempty"`

	Gateway     routingdomain.Gateway `json:"gateway,omitempty"`
	AmountCents int64                 `json:"amount_cents"`
	Currency    string                `json:"currency"`

	ExternalPaymentID      string `json:"external_payment_id,omitempty"`
	ExternalSubscriptionID string `json:"external_subscription_id,omitempty"`
	ClientSecret           string `json:"client_secret,omitempty"`
	CheckoutURL            string `json:"checkout_url,omitempty"`

	Recommendation routingdomain.Recommendation `json:"recommendation"`
}

// Router is the payment entry point: resolve the plan, pick the gateway, call
// the adapter, persist the pending payment.
type Router interface {
	// RoutePayment rejects pay-as-you-go plans with ErrPayAsYouGoNotRoutable
	// before any gateway call or insert; those plans activate without a charge.
	RoutePayment(ctx context.Context, req RouteRequest) (RouteResult, error)

	// VerifyPayment re-checks a pending payment against its provider and
	// applies the resulting status.
	VerifyPayment(ctx context.Context, externalPaymentID string) (Payment, error)

	// CancelSubscription cancels the user's current subscription on its
	// provider, then locally.
	CancelSubscription(ctx context.Context, userID string) error
}

// Service reconciles normalized provider events into payment and subscription
// state. Every apply is idempotent.
type Service interface {
	ProcessEvent(ctx context.Context, event *PaymentEvent) error
}

// WebhookIngestor verifies, parses, and dispatches a raw provider webhook.
type WebhookIngestor interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}
