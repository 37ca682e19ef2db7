package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type PaymentType string

const (
	PaymentTypeRecurring  PaymentType = "recurring"
	PaymentTypeOneTime    PaymentType = "one_time"
	PaymentTypePayAsYouGo PaymentType = "pay_as_you_go"
)

func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTypeRecurring, PaymentTypeOneTime, PaymentTypePayAsYouGo:
		return true
	default:
		return false
	}
}

// Plan is a sellable subscription plan. Provider price ids are minted lazily:
// provider prices are immutable, so a price change always creates a new
// provider price while preserving the product.
type Plan struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	Name            string       `json:"plan_name" gorm:"type:text;not null;uniqueIndex"`
	AmountCents     int64        `json:"amount_cents" gorm:"not null"`
	Currency        string       `json:"currency" gorm:"type:varchar(3);not null;default:USD"`
	DurationDays    int          `json:"duration_days" gorm:"not null"`
	PaymentType     PaymentType  `json:"payment_type" gorm:"type:varchar(16);not null"`
	IsRecurring     bool         `json:"is_recurring" gorm:"not null"`
	BillingCycle    string       `json:"billing_cycle" gorm:"type:varchar(16)"`
	MaxElections    int          `json:"max_elections"`
	UnitAmountCents int64        `json:"unit_amount_cents"` // metered price per unit, pay-as-you-go plans only

	StripePriceID   string `json:"stripe_price_id" gorm:"type:text"`
	StripeProductID string `json:"stripe_product_id" gorm:"type:text"`
	PaddlePriceID   string `json:"paddle_price_id" gorm:"type:text"`
	PaddleProductID string `json:"paddle_product_id" gorm:"type:text"`

	ProcessingFeeBps int `json:"processing_fee_bps"`

	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Plan) TableName() string { return "subscription_plans" }

var (
	ErrPlanNotFound         = errors.New("plan_not_found")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidPaymentType   = errors.New("invalid_payment_type")
	ErrMissingProviderPrice = errors.New("plan_missing_provider_price")
)
