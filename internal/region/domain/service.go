package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type UpsertCountryMappingRequest struct {
	CountryCode string `json:"country_code" binding:"required,len=2"`
	CountryName string `json:"country_name" binding:"required"`
	Region      string `json:"region" binding:"required"`
}

type UpsertPolicyRequest struct {
	GatewayType          string `json:"gateway_type" binding:"required"`
	StripeEnabled        bool   `json:"stripe_enabled"`
	PaddleEnabled        bool   `json:"paddle_enabled"`
	SplitPercentage      int    `json:"split_percentage"`
	RecommendationReason string `json:"recommendation_reason"`
}

type RegionalPriceInput struct {
	Region      string `json:"region" binding:"required"`
	AmountCents int64  `json:"amount_cents" binding:"required"`
	Currency    string `json:"currency" binding:"required,len=3"`
}

type Service interface {
	// ResolveCountry maps an ISO-2 country code (case-insensitive) to its
	// region mapping. Unknown countries are ErrCountryNotFound.
	ResolveCountry(ctx context.Context, countryCode string) (CountryRegionMapping, error)

	// PolicyForRegion returns the gateway policy for a region. A missing row is
	// a deployment error, surfaced as ErrPolicyNotConfigured.
	PolicyForRegion(ctx context.Context, region Region) (GatewayPolicy, error)

	// PriceOverride returns the regional price for a plan, or nil when the base
	// price applies.
	PriceOverride(ctx context.Context, planID snowflake.ID, region Region) (*RegionalPrice, error)

	UpsertCountryMapping(ctx context.Context, req UpsertCountryMappingRequest) (CountryRegionMapping, error)
	UpsertPolicy(ctx context.Context, region Region, req UpsertPolicyRequest) (GatewayPolicy, error)

	// ReplaceRegionalPrices replaces all regional prices of a plan in a single
	// transaction; on any invalid row nothing is written.
	ReplaceRegionalPrices(ctx context.Context, planID snowflake.ID, prices []RegionalPriceInput) ([]RegionalPrice, error)
}
