package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Region identifies a coarse geographic grouping of countries. It is a typed
// enum; the numeric index is derived, never parsed out of a display string.
type Region string

const (
	Region1 Region = "region_1"
	Region2 Region = "region_2"
	Region3 Region = "region_3"
	Region4 Region = "region_4"
	Region5 Region = "region_5"
	Region6 Region = "region_6"
	Region7 Region = "region_7"
	Region8 Region = "region_8"
)

var regionIndex = map[Region]int{
	Region1: 1, Region2: 2, Region3: 3, Region4: 4,
	Region5: 5, Region6: 6, Region7: 7, Region8: 8,
}

func (r Region) Valid() bool {
	_, ok := regionIndex[r]
	return ok
}

// Index returns the stable numeric id of the region.
func (r Region) Index() int {
	return regionIndex[r]
}

type GatewayType string

const (
	GatewayTypeStripeOnly GatewayType = "stripe_only"
	GatewayTypePaddleOnly GatewayType = "paddle_only"
	GatewayTypeSplit5050  GatewayType = "split_50_50"
)

type CountryRegionMapping struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	CountryCode string       `json:"country_code" gorm:"type:varchar(2);uniqueIndex;not null"`
	CountryName string       `json:"country_name" gorm:"type:text;not null"`
	Region      Region       `json:"region" gorm:"type:varchar(16);not null;index"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (CountryRegionMapping) TableName() string { return "country_region_mappings" }

// GatewayPolicy is the per-region gateway routing configuration. One row per
// region, upserted on region.
type GatewayPolicy struct {
	ID                   snowflake.ID `json:"id" gorm:"primaryKey"`
	Region               Region       `json:"region" gorm:"type:varchar(16);uniqueIndex;not null"`
	GatewayType          GatewayType  `json:"gateway_type" gorm:"type:varchar(32);not null"`
	StripeEnabled        bool         `json:"stripe_enabled" gorm:"not null"`
	PaddleEnabled        bool         `json:"paddle_enabled" gorm:"not null"`
	SplitPercentage      int          `json:"split_percentage" gorm:"not null;default:50"`
	RecommendationReason string       `json:"recommendation_reason" gorm:"type:text"`
	CreatedAt            time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt            time.Time    `json:"updated_at" gorm:"not null"`
}

func (GatewayPolicy) TableName() string { return "regional_gateway_configs" }

// Validate enforces the policy-shape invariant: a split policy requires both
// gateways enabled; a *_only policy requires exactly the named gateway.
func (p GatewayPolicy) Validate() error {
	if !p.Region.Valid() {
		return ErrInvalidRegion
	}
	switch p.GatewayType {
	case GatewayTypeStripeOnly:
		if !p.StripeEnabled || p.PaddleEnabled {
			return ErrInconsistentPolicy
		}
	case GatewayTypePaddleOnly:
		if !p.PaddleEnabled || p.StripeEnabled {
			return ErrInconsistentPolicy
		}
	case GatewayTypeSplit5050:
		if !p.StripeEnabled || !p.PaddleEnabled {
			return ErrInconsistentPolicy
		}
		if p.SplitPercentage <= 0 || p.SplitPercentage >= 100 {
			return ErrInconsistentPolicy
		}
	default:
		return ErrInvalidGatewayType
	}
	return nil
}

// RegionalPrice overrides a plan's base price inside one region. Absence means
// the base price applies.
type RegionalPrice struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	PlanID      snowflake.ID `json:"plan_id" gorm:"not null;uniqueIndex:idx_regional_price_plan_region"`
	Region      Region       `json:"region" gorm:"type:varchar(16);not null;uniqueIndex:idx_regional_price_plan_region"`
	AmountCents int64        `json:"amount_cents" gorm:"not null"`
	Currency    string       `json:"currency" gorm:"type:varchar(3);not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (RegionalPrice) TableName() string { return "regional_prices" }

var (
	ErrCountryNotFound     = errors.New("country_not_found")
	ErrInvalidCountryCode  = errors.New("invalid_country_code")
	ErrInvalidRegion       = errors.New("invalid_region")
	ErrInvalidGatewayType  = errors.New("invalid_gateway_type")
	ErrInconsistentPolicy  = errors.New("inconsistent_gateway_policy")
	ErrPolicyNotConfigured = errors.New("region_policy_not_configured")
	ErrInvalidPrice        = errors.New("invalid_regional_price")
)
