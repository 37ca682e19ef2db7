package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/clock"
	"github.com/pollstack/billing/internal/region/domain"
	"github.com/pollstack/billing/internal/region/repository"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  repository.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  repository.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("region.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) ResolveCountry(ctx context.Context, countryCode string) (domain.CountryRegionMapping, error) {
	code := normalizeCountryCode(countryCode)
	if code == "" {
		return domain.CountryRegionMapping{}, domain.ErrInvalidCountryCode
	}

	mapping, err := s.repo.FindCountry(ctx, s.db, code)
	if err != nil {
		return domain.CountryRegionMapping{}, err
	}
	if mapping == nil {
		return domain.CountryRegionMapping{}, domain.ErrCountryNotFound
	}
	return *mapping, nil
}

func (s *Service) PolicyForRegion(ctx context.Context, region domain.Region) (domain.GatewayPolicy, error) {
	if !region.Valid() {
		return domain.GatewayPolicy{}, domain.ErrInvalidRegion
	}

	policy, err := s.repo.FindPolicy(ctx, s.db, region)
	if err != nil {
		return domain.GatewayPolicy{}, err
	}
	if policy == nil {
		// Missing policy rows are a deployment/data error, not user input.
		s.log.Error("region has no gateway policy", zap.String("region", string(region)))
		return domain.GatewayPolicy{}, domain.ErrPolicyNotConfigured
	}
	return *policy, nil
}

func (s *Service) PriceOverride(ctx context.Context, planID snowflake.ID, region domain.Region) (*domain.RegionalPrice, error) {
	if planID == 0 || !region.Valid() {
		return nil, nil
	}
	return s.repo.FindPrice(ctx, s.db, planID, region)
}

func (s *Service) UpsertCountryMapping(ctx context.Context, req domain.UpsertCountryMappingRequest) (domain.CountryRegionMapping, error) {
	code := normalizeCountryCode(req.CountryCode)
	if code == "" {
		return domain.CountryRegionMapping{}, domain.ErrInvalidCountryCode
	}
	region := domain.Region(strings.ToLower(strings.TrimSpace(req.Region)))
	if !region.Valid() {
		return domain.CountryRegionMapping{}, domain.ErrInvalidRegion
	}

	now := s.clock.Now(ctx)
	mapping := domain.CountryRegionMapping{
		ID:          s.genID.Generate(),
		CountryCode: code,
		CountryName: strings.TrimSpace(req.CountryName),
		Region:      region,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.UpsertCountry(ctx, s.db, &mapping); err != nil {
		return domain.CountryRegionMapping{}, err
	}

	stored, err := s.repo.FindCountry(ctx, s.db, code)
	if err != nil {
		return domain.CountryRegionMapping{}, err
	}
	return *stored, nil
}

func (s *Service) UpsertPolicy(ctx context.Context, region domain.Region, req domain.UpsertPolicyRequest) (domain.GatewayPolicy, error) {
	now := s.clock.Now(ctx)
	policy := domain.GatewayPolicy{
		ID:                   s.genID.Generate(),
		Region:               region,
		GatewayType:          domain.GatewayType(strings.ToLower(strings.TrimSpace(req.GatewayType))),
		StripeEnabled:        req.StripeEnabled,
		PaddleEnabled:        req.PaddleEnabled,
		SplitPercentage:      req.SplitPercentage,
		RecommendationReason: strings.TrimSpace(req.RecommendationReason),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if policy.GatewayType == domain.GatewayTypeSplit5050 && policy.SplitPercentage == 0 {
		policy.SplitPercentage = 50
	}
	if err := policy.Validate(); err != nil {
		return domain.GatewayPolicy{}, err
	}

	if err := s.repo.UpsertPolicy(ctx, s.db, &policy); err != nil {
		return domain.GatewayPolicy{}, err
	}

	stored, err := s.repo.FindPolicy(ctx, s.db, region)
	if err != nil {
		return domain.GatewayPolicy{}, err
	}
	return *stored, nil
}

func (s *Service) ReplaceRegionalPrices(ctx context.Context, planID snowflake.ID, inputs []domain.RegionalPriceInput) ([]domain.RegionalPrice, error) {
	if planID == 0 {
		return nil, domain.ErrInvalidPrice
	}

	now := s.clock.Now(ctx)
	prices := make([]domain.RegionalPrice, 0, len(inputs))
	for _, input := range inputs {
		region := domain.Region(strings.ToLower(strings.TrimSpace(input.Region)))
		if !region.Valid() {
			return nil, domain.ErrInvalidRegion
		}
		if input.AmountCents <= 0 || len(strings.TrimSpace(input.Currency)) != 3 {
			return nil, domain.ErrInvalidPrice
		}
		prices = append(prices, domain.RegionalPrice{
			ID:          s.genID.Generate(),
			PlanID:      planID,
			Region:      region,
			AmountCents: input.AmountCents,
			Currency:    strings.ToUpper(strings.TrimSpace(input.Currency)),
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.DeletePricesForPlan(ctx, tx, planID); err != nil {
			return err
		}
		return s.repo.InsertPrices(ctx, tx, prices)
	}); err != nil {
		return nil, err
	}

	return prices, nil
}

func normalizeCountryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 2 {
		return ""
	}
	return code
}
