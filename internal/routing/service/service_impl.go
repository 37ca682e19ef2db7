package service

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pollstack/billing/internal/observability"
	regiondomain "github.com/pollstack/billing/internal/region/domain"
	"github.com/pollstack/billing/internal/routing/domain"
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Regions regiondomain.Service
	Random  domain.RandomSource
	Metrics *observability.Metrics
}

type Service struct {
	log     *zap.Logger
	regions regiondomain.Service
	random  domain.RandomSource
	metrics *observability.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:     p.Log.Named("routing.service"),
		regions: p.Regions,
		random:  p.Random,
		metrics: p.Metrics,
	}
}

func (s *Service) GetRecommendation(ctx context.Context, countryCode string, planID *snowflake.ID) (domain.Recommendation, error) {
	mapping, err := s.regions.ResolveCountry(ctx, countryCode)
	if err != nil {
		return domain.Recommendation{}, err
	}

	policy, err := s.regions.PolicyForRegion(ctx, mapping.Region)
	if err != nil {
		return domain.Recommendation{}, err
	}

	rec := domain.Recommendation{
		CountryCode:   mapping.CountryCode,
		CountryName:   mapping.CountryName,
		Region:        mapping.Region,
		GatewayType:   policy.GatewayType,
		StripeEnabled: policy.StripeEnabled,
		PaddleEnabled: policy.PaddleEnabled,
		Reason:        policy.RecommendationReason,
	}

	switch policy.GatewayType {
	case regiondomain.GatewayTypeStripeOnly:
		rec.AvailableGateways = []domain.GatewayOption{
			{Gateway: domain.GatewayStripe, Recommended: true},
		}
	case regiondomain.GatewayTypePaddleOnly:
		rec.AvailableGateways = []domain.GatewayOption{
			{Gateway: domain.GatewayPaddle, Recommended: true},
		}
	case regiondomain.GatewayTypeSplit5050:
		rec.AvailableGateways = []domain.GatewayOption{
			{Gateway: domain.GatewayStripe, Recommended: true, Split: true, SplitPercentage: policy.SplitPercentage},
			{Gateway: domain.GatewayPaddle, Recommended: true, Split: true, SplitPercentage: 100 - policy.SplitPercentage},
		}
	}

	if planID != nil && *planID != 0 {
		override, err := s.regions.PriceOverride(ctx, *planID, mapping.Region)
		if err != nil {
			return domain.Recommendation{}, err
		}
		if override != nil {
			amount := override.AmountCents
			rec.AmountCents = &amount
			rec.Currency = override.Currency
		}
	}

	return rec, nil
}

func (s *Service) SelectGatewayForPayment(ctx context.Context, countryCode string, planID *snowflake.ID) (domain.Selection, domain.Recommendation, error) {
	rec, err := s.GetRecommendation(ctx, countryCode, planID)
	if err != nil {
		return domain.Selection{}, domain.Recommendation{}, err
	}

	selection := domain.Selection{Region: rec.Region}

	switch rec.GatewayType {
	case regiondomain.GatewayTypeSplit5050:
		// Independent Bernoulli(0.5) draw per request; no shared counter, so
		// only the statistical split over many requests is guaranteed.
		selection.SplitApplied = true
		if len(rec.AvailableGateways) > 0 {
			selection.SplitPercentage = rec.AvailableGateways[0].SplitPercentage
		}
		if s.random.Bool() {
			selection.Gateway = domain.GatewayStripe
		} else {
			selection.Gateway = domain.GatewayPaddle
		}
	default:
		// Stored *_only policies can drift out of shape; routing money on an
		// inconsistent row is worse than failing the request.
		switch {
		case rec.StripeEnabled && !rec.PaddleEnabled:
			selection.Gateway = domain.GatewayStripe
		case rec.PaddleEnabled && !rec.StripeEnabled:
			selection.Gateway = domain.GatewayPaddle
		default:
			s.log.Error("gateway policy flags inconsistent with policy type",
				zap.String("region", string(rec.Region)),
				zap.String("gateway_type", string(rec.GatewayType)))
			return domain.Selection{}, domain.Recommendation{}, regiondomain.ErrInconsistentPolicy
		}
	}

	s.metrics.GatewaySelections.WithLabelValues(string(selection.Gateway), string(rec.GatewayType)).Inc()
	return selection, rec, nil
}

var stripeMethods = []domain.PaymentMethod{
	{Method: "card", Label: "Credit/Debit Card"},
	{Method: "paypal", Label: "PayPal"},
	{Method: "google_pay", Label: "Google Pay"},
	{Method: "apple_pay", Label: "Apple Pay"},
}

var paddleMethods = []domain.PaymentMethod{
	{Method: "card", Label: "Credit/Debit Card"},
	{Method: "paypal", Label: "PayPal"},
}

func (s *Service) PaymentMethods(gateway domain.Gateway) []domain.PaymentMethod {
	switch gateway {
	case domain.GatewayStripe:
		return stripeMethods
	case domain.GatewayPaddle:
		return paddleMethods
	default:
		return nil
	}
}

// lockedRandomSource is the production random source: a seeded PRNG guarded by
// a mutex so concurrent requests can draw safely.
type lockedRandomSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomSource() domain.RandomSource {
	return &lockedRandomSource{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (s *lockedRandomSource) Bool() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Intn(2) == 0
}
