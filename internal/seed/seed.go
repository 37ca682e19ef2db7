package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	plandomain "github.com/pollstack/billing/internal/plan/domain"
	regiondomain "github.com/pollstack/billing/internal/region/domain"
)

type countrySeed struct {
	code   string
	name   string
	region regiondomain.Region
}

type policySeed struct {
	region      regiondomain.Region
	gatewayType regiondomain.GatewayType
	reason      string
}

var countrySeeds = []countrySeed{
	{"US", "United States", regiondomain.Region1},
	{"CA", "Canada", regiondomain.Region1},
	{"GB", "United Kingdom", regiondomain.Region1},
	{"AU", "Australia", regiondomain.Region1},
	{"DE", "Germany", regiondomain.Region2},
	{"FR", "France", regiondomain.Region2},
	{"NL", "Netherlands", regiondomain.Region2},
	{"ES", "Spain", regiondomain.Region2},
	{"IT", "Italy", regiondomain.Region2},
	{"IN", "India", regiondomain.Region3},
	{"ID", "Indonesia", regiondomain.Region3},
	{"PH", "Philippines", regiondomain.Region3},
	{"BR", "Brazil", regiondomain.Region4},
	{"MX", "Mexico", regiondomain.Region4},
	{"AR", "Argentina", regiondomain.Region4},
	{"JP", "Japan", regiondomain.Region5},
	{"KR", "South Korea", regiondomain.Region5},
	{"SG", "Singapore", regiondomain.Region5},
	{"ZA", "South Africa", regiondomain.Region6},
	{"NG", "Nigeria", regiondomain.Region6},
	{"KE", "Kenya", regiondomain.Region6},
	{"AE", "United Arab Emirates", regiondomain.Region7},
	{"SA", "Saudi Arabia", regiondomain.Region7},
	{"TR", "Turkey", regiondomain.Region7},
	{"PK", "Pakistan", regiondomain.Region8},
	{"BD", "Bangladesh", regiondomain.Region8},
	{"VN", "Vietnam", regiondomain.Region8},
}

var policySeeds = []policySeed{
	{regiondomain.Region1, regiondomain.GatewayTypeStripeOnly, "mature card markets clear cheapest through stripe"},
	{regiondomain.Region2, regiondomain.GatewayTypeStripeOnly, "eu vat handled via stripe tax"},
	{regiondomain.Region3, regiondomain.GatewayTypeSplit5050, "comparing auth rates between gateways"},
	{regiondomain.Region4, regiondomain.GatewayTypePaddleOnly, "paddle merchant-of-record covers local tax"},
	{regiondomain.Region5, regiondomain.GatewayTypeStripeOnly, "stripe has local acquiring here"},
	{regiondomain.Region6, regiondomain.GatewayTypePaddleOnly, "paddle handles cross-border settlement"},
	{regiondomain.Region7, regiondomain.GatewayTypeSplit5050, "comparing auth rates between gateways"},
	{regiondomain.Region8, regiondomain.GatewayTypePaddleOnly, "paddle merchant-of-record covers local tax"},
}

// Run seeds the routing reference data and a starter plan catalog. Every
// insert is conflict-tolerant so reruns are no-ops.
func Run(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := seedCountries(ctx, tx, node); err != nil {
			return err
		}
		if err := seedPolicies(ctx, tx, node); err != nil {
			return err
		}
		return seedPlans(ctx, tx, node)
	})
}

func seedCountries(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	now := time.Now().UTC()
	for _, seed := range countrySeeds {
		mapping := regiondomain.CountryRegionMapping{
			ID:          node.Generate(),
			CountryCode: seed.code,
			CountryName: seed.name,
			Region:      seed.region,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "country_code"}},
			DoNothing: true,
		}).Create(&mapping).Error; err != nil {
			return err
		}
	}
	return nil
}

func seedPolicies(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	now := time.Now().UTC()
	for _, seed := range policySeeds {
		policy := regiondomain.GatewayPolicy{
			ID:                   node.Generate(),
			Region:               seed.region,
			GatewayType:          seed.gatewayType,
			StripeEnabled:        seed.gatewayType != regiondomain.GatewayTypePaddleOnly,
			PaddleEnabled:        seed.gatewayType != regiondomain.GatewayTypeStripeOnly,
			RecommendationReason: seed.reason,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if seed.gatewayType == regiondomain.GatewayTypeSplit5050 {
			policy.SplitPercentage = 50
		}
		if err := policy.Validate(); err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "region"}},
			DoNothing: true,
		}).Create(&policy).Error; err != nil {
			return err
		}
	}
	return nil
}

func seedPlans(ctx context.Context, tx *gorm.DB, node *snowflake.Node) error {
	now := time.Now().UTC()
	plans := []plandomain.Plan{
		{
			ID:           node.Generate(),
			Name:         "Starter Pass",
			AmountCents:  999,
			Currency:     "USD",
			DurationDays: 30,
			PaymentType:  plandomain.PaymentTypeOneTime,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		{
			ID:           node.Generate(),
			Name:         "Pro Monthly",
			AmountCents:  2900,
			Currency:     "USD",
			DurationDays: 30,
			PaymentType:  plandomain.PaymentTypeRecurring,
			IsRecurring:  true,
			BillingCycle: "monthly",
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		{
			ID:           node.Generate(),
			Name:         "Pro Annual",
			AmountCents:  29900,
			Currency:     "USD",
			DurationDays: 365,
			PaymentType:  plandomain.PaymentTypeRecurring,
			IsRecurring:  true,
			BillingCycle: "yearly",
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		{
			ID:              node.Generate(),
			Name:            "Pay As You Go",
			AmountCents:     0,
			Currency:        "USD",
			PaymentType:     plandomain.PaymentTypePayAsYouGo,
			UnitAmountCents: 25,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}
	for i := range plans {
		if err := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoNothing: true,
		}).Create(&plans[i]).Error; err != nil {
			return err
		}
	}
	return nil
}
