package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageCharge is one accrued pay-as-you-go line item. AmountCents is fixed at
// tracking time from the plan's unit price; later plan price changes do not
// reprice accrued usage.
type UsageCharge struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID         string       `json:"user_id" gorm:"type:text;not null;index"`
	SubscriptionID snowflake.ID `json:"subscription_id" gorm:"not null;index"`
	PlanID         snowflake.ID `json:"plan_id" gorm:"not null"`

	// ElectionID attributes the usage to the election it was incurred for;
	// empty for usage that is not election-scoped.
	ElectionID string `json:"election_id" gorm:"type:text;index"`
	UsageType  string `json:"usage_type" gorm:"type:varchar(32)"`

	Description     string `json:"description" gorm:"type:text"`
	Units           int64  `json:"units" gorm:"not null"`
	UnitAmountCents int64  `json:"unit_amount_cents" gorm:"not null"`
	AmountCents     int64  `json:"amount_cents" gorm:"not null"`
	Currency        string `json:"currency" gorm:"type:varchar(3);not null"`

	Settled   bool          `json:"settled" gorm:"not null;index"`
	PaymentID *snowflake.ID `json:"payment_id"`
	SettledAt *time.Time    `json:"settled_at"`

	OccurredAt time.Time `json:"occurred_at" gorm:"not null"`
	CreatedAt  time.Time `json:"created_at" gorm:"not null"`
}

func (UsageCharge) TableName() string { return "usage_charges" }

var (
	ErrInvalidUnits    = errors.New("invalid_usage_units")
	ErrNotMetered      = errors.New("plan_not_metered")
	ErrNothingToSettle = errors.New("no_unpaid_usage")
)
