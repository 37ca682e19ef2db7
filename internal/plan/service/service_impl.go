package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/clock"
	"github.com/pollstack/billing/internal/payment/adapters"
	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	"github.com/pollstack/billing/internal/plan/domain"
	"github.com/pollstack/billing/internal/plan/repository"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     repository.Repository
	Adapters *adapters.Registry
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     repository.Repository
	adapters *adapters.Registry
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("plan.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		adapters: p.Adapters,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Plan, error) {
	if id == 0 {
		return domain.Plan{}, domain.ErrPlanNotFound
	}
	plan, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Plan{}, err
	}
	if plan == nil {
		return domain.Plan{}, domain.ErrPlanNotFound
	}
	return *plan, nil
}

func (s *Service) Create(ctx context.Context, req domain.CreatePlanRequest) (domain.Plan, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || req.AmountCents < 0 {
		return domain.Plan{}, domain.ErrInvalidPlan
	}
	paymentType := domain.PaymentType(strings.ToLower(strings.TrimSpace(req.PaymentType)))
	if !paymentType.Valid() {
		return domain.Plan{}, domain.ErrInvalidPaymentType
	}
	if paymentType == domain.PaymentTypePayAsYouGo && req.UnitAmountCents <= 0 {
		return domain.Plan{}, domain.ErrInvalidPlan
	}

	existing, err := s.repo.FindByName(ctx, s.db, name)
	if err != nil {
		return domain.Plan{}, err
	}
	if existing != nil {
		return domain.Plan{}, domain.ErrInvalidPlan
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := s.clock.Now(ctx)
	plan := domain.Plan{
		ID:               s.genID.Generate(),
		Name:             name,
		AmountCents:      req.AmountCents,
		Currency:         currency,
		DurationDays:     req.DurationDays,
		PaymentType:      paymentType,
		IsRecurring:      paymentType == domain.PaymentTypeRecurring,
		BillingCycle:     strings.TrimSpace(req.BillingCycle),
		MaxElections:     req.MaxElections,
		UnitAmountCents:  req.UnitAmountCents,
		ProcessingFeeBps: req.ProcessingFeeBps,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, s.db, &plan); err != nil {
		return domain.Plan{}, err
	}
	return plan, nil
}

func (s *Service) ChangePrice(ctx context.Context, id snowflake.ID, req domain.ChangePriceRequest) (domain.Plan, error) {
	if req.AmountCents <= 0 {
		return domain.Plan{}, domain.ErrInvalidPlan
	}

	plan, err := s.Get(ctx, id)
	if err != nil {
		return domain.Plan{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = plan.Currency
	}

	// Provider prices are immutable: mint a replacement on every gateway the
	// plan is already provisioned on, keeping the product.
	if plan.StripePriceID != "" {
		minted, err := s.mintPrice(ctx, routingdomain.GatewayStripe, plan, req.AmountCents, currency)
		if err != nil {
			return domain.Plan{}, err
		}
		if minted.PriceID != "" {
			plan.StripePriceID = minted.PriceID
		}
		if minted.ProductID != "" {
			plan.StripeProductID = minted.ProductID
		}
	}
	if plan.PaddlePriceID != "" {
		minted, err := s.mintPrice(ctx, routingdomain.GatewayPaddle, plan, req.AmountCents, currency)
		if err != nil {
			return domain.Plan{}, err
		}
		if minted.PriceID != "" {
			plan.PaddlePriceID = minted.PriceID
		}
		if minted.ProductID != "" {
			plan.PaddleProductID = minted.ProductID
		}
	}

	plan.AmountCents = req.AmountCents
	plan.Currency = currency
	plan.UpdatedAt = s.clock.Now(ctx)
	if err := s.repo.Update(ctx, s.db, &plan); err != nil {
		return domain.Plan{}, err
	}

	s.log.Info("plan price changed",
		zap.String("plan", plan.Name),
		zap.Int64("amount_cents", plan.AmountCents),
		zap.String("currency", plan.Currency))
	return plan, nil
}

func (s *Service) SetProviderPrice(ctx context.Context, id snowflake.ID, ids domain.ProviderPriceIDs) error {
	plan, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	changed := false
	if ids.StripePriceID != "" && ids.StripePriceID != plan.StripePriceID {
		plan.StripePriceID = ids.StripePriceID
		changed = true
	}
	if ids.StripeProductID != "" && ids.StripeProductID != plan.StripeProductID {
		plan.StripeProductID = ids.StripeProductID
		changed = true
	}
	if ids.PaddlePriceID != "" && ids.PaddlePriceID != plan.PaddlePriceID {
		plan.PaddlePriceID = ids.PaddlePriceID
		changed = true
	}
	if ids.PaddleProductID != "" && ids.PaddleProductID != plan.PaddleProductID {
		plan.PaddleProductID = ids.PaddleProductID
		changed = true
	}
	if !changed {
		return nil
	}

	plan.UpdatedAt = s.clock.Now(ctx)
	return s.repo.Update(ctx, s.db, &plan)
}

func (s *Service) mintPrice(ctx context.Context, gateway routingdomain.Gateway, plan domain.Plan, amountCents int64, currency string) (*paymentdomain.PlanPriceArtifact, error) {
	adapter, err := s.adapters.Get(gateway)
	if err != nil {
		return nil, err
	}
	minted, err := adapter.CreatePlanPrice(ctx, paymentdomain.PlanPriceInput{
		Plan:        plan,
		AmountCents: amountCents,
		Currency:    currency,
	})
	if err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidConfig) {
			// A gateway without credentials keeps its stale price id; the next
			// sale through it re-mints.
			s.log.Warn("skipping price mint for unconfigured gateway",
				zap.String("gateway", string(gateway)),
				zap.String("plan", plan.Name))
			return &paymentdomain.PlanPriceArtifact{}, nil
		}
		return nil, err
	}
	return minted, nil
}
