package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	regiondomain "github.com/pollstack/billing/internal/region/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// Payment is one charge attempt routed through a gateway. ExternalPaymentID is
// the provider-side id (Stripe payment intent, Paddle transaction) and is the
// idempotency key for webhook reconciliation.
type Payment struct {
	ID     snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID string       `json:"user_id" gorm:"type:text;not null;index"`
	PlanID snowflake.ID `json:"plan_id" gorm:"not null"`

	Gateway           routingdomain.Gateway `json:"gateway" gorm:"type:varchar(16);not null"`
	ExternalPaymentID string                `json:"external_payment_id" gorm:"type:text;not null;uniqueIndex"`

	AmountCents int64         `json:"amount_cents" gorm:"not null"`
	Currency    string        `json:"currency" gorm:"type:varchar(3);not null"`
	Status      PaymentStatus `json:"status" gorm:"type:varchar(16);not null"`

	CountryCode   string              `json:"country_code" gorm:"type:varchar(2)"`
	Region        regiondomain.Region `json:"region" gorm:"type:varchar(16)"`
	PaymentMethod string              `json:"payment_method" gorm:"type:varchar(32)"`
	SplitApplied  bool                `json:"split_applied" gorm:"not null"`

	// SubscriptionID links a recurring charge to the local subscription it
	// pays for, once that subscription exists.
	SubscriptionID *snowflake.ID  `json:"subscription_id" gorm:"index"`
	Metadata       datatypes.JSON `json:"metadata" gorm:"type:jsonb"`

	// ProviderUpdatedAt is the provider event timestamp of the last webhook
	// applied to this row. Older events must not overwrite newer state.
	ProviderUpdatedAt *time.Time `json:"provider_updated_at"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Payment) TableName() string { return "payments" }

// PaymentFailure is an append-only audit row. Failures never delete or mask
// the payment row they describe.
type PaymentFailure struct {
	ID                snowflake.ID          `json:"id" gorm:"primaryKey"`
	UserID            string                `json:"user_id" gorm:"type:text;not null;index"`
	Gateway           routingdomain.Gateway `json:"gateway" gorm:"type:varchar(16);not null"`
	ExternalPaymentID string                `json:"external_payment_id" gorm:"type:text;index"`
	Reason            string                `json:"reason" gorm:"type:text"`
	RawPayload        datatypes.JSON        `json:"raw_payload" gorm:"type:jsonb"`
	OccurredAt        time.Time             `json:"occurred_at" gorm:"not null"`
	CreatedAt         time.Time             `json:"created_at" gorm:"not null"`
}

func (PaymentFailure) TableName() string { return "payment_failures" }

// EventRecord deduplicates provider webhooks. The (provider, provider_event_id)
// pair is unique; a redelivered event hits the constraint and is acked without
// reapplying its effects.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:varchar(16);not null;uniqueIndex:idx_provider_event,priority:1"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:idx_provider_event,priority:2"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	UserID          string         `json:"user_id" gorm:"type:text;index"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_webhook_events" }

// ReconciliationReview queues events the reconciler refused to guess about,
// e.g. a first-time subscription webhook that names no known plan. The event
// is acked to the provider; an operator resolves the row.
type ReconciliationReview struct {
	ID                     snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider               string         `json:"provider" gorm:"type:varchar(16);not null"`
	ProviderEventID        string         `json:"provider_event_id" gorm:"type:text;not null"`
	UserID                 string         `json:"user_id" gorm:"type:text;index"`
	ExternalSubscriptionID string         `json:"external_subscription_id" gorm:"type:text"`
	Reason                 string         `json:"reason" gorm:"type:text;not null"`
	Payload                datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Resolved               bool           `json:"resolved" gorm:"not null"`
	CreatedAt              time.Time      `json:"created_at" gorm:"not null"`
}

func (ReconciliationReview) TableName() string { return "reconciliation_reviews" }

// GatewayCustomer maps a user to their provider-side customer object so repeat
// charges reuse it instead of minting duplicates.
type GatewayCustomer struct {
	ID                 snowflake.ID          `json:"id" gorm:"primaryKey"`
	UserID             string                `json:"user_id" gorm:"type:text;not null;uniqueIndex:idx_user_gateway,priority:1"`
	Gateway            routingdomain.Gateway `json:"gateway" gorm:"type:varchar(16);not null;uniqueIndex:idx_user_gateway,priority:2"`
	ProviderCustomerID string                `json:"provider_customer_id" gorm:"type:text;not null"`
	CreatedAt          time.Time             `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time             `json:"updated_at" gorm:"not null"`
}

func (GatewayCustomer) TableName() string { return "gateway_customers" }

const (
	EventTypePaymentSucceeded     = "payment_succeeded"
	EventTypePaymentFailed        = "payment_failed"
	EventTypeSubscriptionUpserted = "subscription_upserted"
	EventTypeSubscriptionCanceled = "subscription_canceled"
)

// PaymentEvent is the canonical event both gateway adapters parse webhooks
// into. The reconciler only ever sees this shape.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Type            string

	UserID                 string
	PlanID                 *snowflake.ID
	ExternalPaymentID      string
	ExternalSubscriptionID string

	AmountCents int64
	Currency    string

	// Provider-side subscription state, when the event carries one.
	SubscriptionStatus string
	PeriodStart        *time.Time
	PeriodEnd          *time.Time

	FailureReason string
	OccurredAt    time.Time
	RawPayload    []byte
}

// UnsupportedMethodError reports a payment method the selected gateway cannot
// take, without falling back to another gateway.
type UnsupportedMethodError struct {
	Gateway routingdomain.Gateway
	Method  string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("payment method %q not supported by %s", e.Method, e.Gateway)
}

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrStaleTimestamp        = errors.New("stale_webhook_timestamp")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrInvalidConfig         = errors.New("invalid_provider_config")
	ErrMissingUser           = errors.New("event_missing_user")
	ErrPaymentNotFound       = errors.New("payment_not_found")
	ErrPayAsYouGoNotRoutable = errors.New("pay_as_you_go_not_routable")
	ErrProvider              = errors.New("provider_request_failed")
)
