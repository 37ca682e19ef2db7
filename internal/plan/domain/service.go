package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type CreatePlanRequest struct {
	Name             string `json:"plan_name" binding:"required"`
	AmountCents      int64  `json:"amount_cents" binding:"required"`
	Currency         string `json:"currency"`
	DurationDays     int    `json:"duration_days"`
	PaymentType      string `json:"payment_type" binding:"required"`
	BillingCycle     string `json:"billing_cycle"`
	MaxElections     int    `json:"max_elections"`
	UnitAmountCents  int64  `json:"unit_amount_cents"`
	ProcessingFeeBps int    `json:"processing_fee_bps"`
}

type ChangePriceRequest struct {
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Currency    string `json:"currency"`
}

type ProviderPriceIDs struct {
	StripePriceID   string
	StripeProductID string
	PaddlePriceID   string
	PaddleProductID string
}

type Service interface {
	Get(ctx context.Context, id snowflake.ID) (Plan, error)
	Create(ctx context.Context, req CreatePlanRequest) (Plan, error)

	// ChangePrice updates the plan amount and mints new provider-side price ids
	// for every gateway the plan is already provisioned on. Provider prices are
	// immutable; the product ids are preserved.
	ChangePrice(ctx context.Context, id snowflake.ID, req ChangePriceRequest) (Plan, error)

	// SetProviderPrice persists provider price/product ids minted elsewhere
	// (e.g. by the recurring-payment flow on first sale).
	SetProviderPrice(ctx context.Context, id snowflake.ID, ids ProviderPriceIDs) error
}
