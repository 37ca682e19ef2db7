package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	plandomain "github.com/pollstack/billing/internal/plan/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPending  SubscriptionStatus = "pending"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
	SubscriptionStatusPaused   SubscriptionStatus = "paused"
)

// Subscription is a user's plan instance. The "current" subscription is the
// most recently created row for the user.
//
// Invariants: EndDate >= StartDate when both are set; canceled implies
// AutoRenew=false; pay-as-you-go subscriptions have no EndDate.
type Subscription struct {
	ID     snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID string       `json:"user_id" gorm:"type:text;not null;index"`
	PlanID snowflake.ID `json:"plan_id" gorm:"not null"`

	Status    SubscriptionStatus `json:"status" gorm:"type:varchar(16);not null"`
	StartDate time.Time          `json:"start_date" gorm:"not null"`
	EndDate   *time.Time         `json:"end_date"`

	Gateway                routingdomain.Gateway  `json:"gateway" gorm:"type:varchar(16)"`
	ExternalSubscriptionID *string                `json:"external_subscription_id" gorm:"type:text;index"`
	AutoRenew              bool                   `json:"auto_renew" gorm:"not null"`
	PaymentType            plandomain.PaymentType `json:"payment_type" gorm:"type:varchar(16);not null"`

	CanceledAt *time.Time `json:"canceled_at"`

	// ProviderUpdatedAt is the provider-side event timestamp of the last
	// webhook applied to this row. Gates last-write-wins under reordering.
	ProviderUpdatedAt *time.Time `json:"provider_updated_at"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "user_subscriptions" }

// ProviderEvent carries the subscription-relevant fields of a normalized
// webhook event.
type ProviderEvent struct {
	UserID                 string
	PlanID                 *snowflake.ID
	Gateway                routingdomain.Gateway
	ExternalSubscriptionID string
	Status                 string
	PeriodStart            *time.Time
	PeriodEnd              *time.Time
	OccurredAt             time.Time
}

type Service interface {
	GetCurrent(ctx context.Context, userID string) (Subscription, error)

	// ActivatePayAsYouGo creates an active, never-expiring subscription without
	// touching any gateway.
	ActivatePayAsYouGo(ctx context.Context, userID string, plan plandomain.Plan) (Subscription, error)

	// ActivateFromPayment upserts the user's subscription to active after a
	// successful payment for the plan, computing the period end from the plan
	// duration. Idempotent.
	ActivateFromPayment(ctx context.Context, userID string, plan plandomain.Plan, gateway routingdomain.Gateway, paidAt time.Time) (Subscription, error)

	// UpsertFromEvent applies a provider subscription.created/updated event.
	// Events older than the row's ProviderUpdatedAt are dropped. A first-time
	// event without a plan id is ErrPlanUnresolved, never a defaulted plan.
	UpsertFromEvent(ctx context.Context, ev ProviderEvent) (Subscription, error)

	// CancelFromEvent applies a provider cancellation. Forces AutoRenew=false.
	CancelFromEvent(ctx context.Context, ev ProviderEvent) error

	// MarkCanceled cancels the user's current subscription locally (the
	// provider-side cancel is the payment router's job).
	MarkCanceled(ctx context.Context, userID string, at time.Time) (Subscription, error)
}

var (
	ErrNoSubscription = errors.New("subscription_not_found")
	ErrInvalidUser    = errors.New("invalid_user")
	ErrPlanUnresolved = errors.New("subscription_plan_unresolved")
	ErrInvalidPeriod  = errors.New("invalid_subscription_period")
	ErrStaleEvent     = errors.New("stale_subscription_event")
)
