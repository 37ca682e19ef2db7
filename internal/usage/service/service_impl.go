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
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	subscriptiondomain "github.com/pollstack/billing/internal/subscription/domain"
	"github.com/pollstack/billing/internal/usage/domain"
	"github.com/pollstack/billing/internal/usage/repository"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          repository.Repository
	Plans         plandomain.Service
	Subscriptions subscriptiondomain.Service
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          repository.Repository
	plans         plandomain.Service
	subscriptions subscriptiondomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("usage.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		plans:         p.Plans,
		subscriptions: p.Subscriptions,
	}
}

func (s *Service) Track(ctx context.Context, req domain.TrackUsageRequest) (*domain.UsageCharge, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, subscriptiondomain.ErrInvalidUser
	}
	if req.Units <= 0 {
		return nil, domain.ErrInvalidUnits
	}

	subscription, err := s.subscriptions.GetCurrent(ctx, userID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrNoSubscription) {
			return nil, nil
		}
		return nil, err
	}
	if subscription.PaymentType != plandomain.PaymentTypePayAsYouGo ||
		subscription.Status != subscriptiondomain.SubscriptionStatusActive {
		// Usage on flat-rate plans is not billable per unit.
		return nil, nil
	}

	plan, err := s.plans.Get(ctx, subscription.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.UnitAmountCents <= 0 {
		return nil, domain.ErrNotMetered
	}

	now := s.clock.Now(ctx)
	charge := domain.UsageCharge{
		ID:              s.genID.Generate(),
		UserID:          userID,
		SubscriptionID:  subscription.ID,
		PlanID:          plan.ID,
		ElectionID:      strings.TrimSpace(req.ElectionID),
		UsageType:       strings.TrimSpace(req.UsageType),
		Description:     strings.TrimSpace(req.Description),
		Units:           req.Units,
		UnitAmountCents: plan.UnitAmountCents,
		AmountCents:     req.Units * plan.UnitAmountCents,
		Currency:        plan.Currency,
		OccurredAt:      now,
		CreatedAt:       now,
	}
	if err := s.repo.InsertCharge(ctx, s.db, &charge); err != nil {
		return nil, err
	}
	return &charge, nil
}

func (s *Service) UnpaidTotal(ctx context.Context, userID string) (domain.UnpaidSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.UnpaidSummary{}, subscriptiondomain.ErrInvalidUser
	}

	aggregate, err := s.repo.SumUnpaid(ctx, s.db, userID)
	if err != nil {
		return domain.UnpaidSummary{}, err
	}

	summary := domain.UnpaidSummary{
		UserID:      userID,
		TotalCents:  aggregate.TotalCents,
		ChargeCount: aggregate.ChargeCount,
	}
	if aggregate.ChargeCount > 0 {
		subscription, err := s.subscriptions.GetCurrent(ctx, userID)
		if err == nil {
			plan, planErr := s.plans.Get(ctx, subscription.PlanID)
			if planErr == nil {
				summary.Currency = plan.Currency
			}
		}
	}
	return summary, nil
}

func (s *Service) Settle(ctx context.Context, userID string, paymentID snowflake.ID) (domain.SettlementResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.SettlementResult{}, subscriptiondomain.ErrInvalidUser
	}

	now := s.clock.Now(ctx)
	var result domain.SettlementResult
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		aggregate, err := s.repo.SumUnpaid(ctx, tx, userID)
		if err != nil {
			return err
		}
		if aggregate.ChargeCount == 0 {
			return domain.ErrNothingToSettle
		}

		settled, err := s.repo.MarkSettled(ctx, tx, userID, paymentID, now)
		if err != nil {
			return err
		}
		result = domain.SettlementResult{
			UserID:       userID,
			PaymentID:    paymentID,
			SettledCents: aggregate.TotalCents,
			SettledCount: settled,
		}
		return nil
	}); err != nil {
		return domain.SettlementResult{}, err
	}

	s.log.Info("usage settled",
		zap.String("user_id", userID),
		zap.Int64("settled_cents", result.SettledCents),
		zap.Int64("charges", result.SettledCount))
	return result, nil
}
