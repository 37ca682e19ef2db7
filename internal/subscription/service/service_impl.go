package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/clock"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
	"github.com/pollstack/billing/internal/subscription/domain"
	"github.com/pollstack/billing/internal/subscription/repository"
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
		log:   p.Log.Named("subscription.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetCurrent(ctx context.Context, userID string) (domain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Subscription{}, domain.ErrInvalidUser
	}
	current, err := s.repo.FindCurrent(ctx, s.db, userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if current == nil {
		return domain.Subscription{}, domain.ErrNoSubscription
	}
	return *current, nil
}

func (s *Service) ActivatePayAsYouGo(ctx context.Context, userID string, plan plandomain.Plan) (domain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Subscription{}, domain.ErrInvalidUser
	}
	if plan.PaymentType != plandomain.PaymentTypePayAsYouGo {
		return domain.Subscription{}, plandomain.ErrInvalidPaymentType
	}

	// Re-activating the same plan is a no-op; usage keeps accruing on the
	// existing subscription.
	current, err := s.repo.FindCurrent(ctx, s.db, userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if current != nil && current.PlanID == plan.ID && current.Status == domain.SubscriptionStatusActive {
		return *current, nil
	}

	now := s.clock.Now(ctx)
	subscription := domain.Subscription{
		ID:          s.genID.Generate(),
		UserID:      userID,
		PlanID:      plan.ID,
		Status:      domain.SubscriptionStatusActive,
		StartDate:   now,
		EndDate:     nil,
		AutoRenew:   false,
		PaymentType: plan.PaymentType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
		return domain.Subscription{}, err
	}
	return subscription, nil
}

func (s *Service) ActivateFromPayment(ctx context.Context, userID string, plan plandomain.Plan, gateway routingdomain.Gateway, paidAt time.Time) (domain.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Subscription{}, domain.ErrInvalidUser
	}

	now := s.clock.Now(ctx)
	var endDate *time.Time
	if plan.DurationDays > 0 && plan.PaymentType != plandomain.PaymentTypePayAsYouGo {
		end := paidAt.AddDate(0, 0, plan.DurationDays)
		endDate = &end
	}

	current, err := s.repo.FindCurrent(ctx, s.db, userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if current != nil && current.PlanID == plan.ID && current.Status != domain.SubscriptionStatusCanceled {
		if current.Status == domain.SubscriptionStatusActive && current.StartDate.Equal(paidAt) {
			return *current, nil
		}
		current.Status = domain.SubscriptionStatusActive
		current.StartDate = paidAt
		current.EndDate = endDate
		current.Gateway = gateway
		current.AutoRenew = plan.IsRecurring
		current.UpdatedAt = now
		if err := s.repo.Update(ctx, s.db, current); err != nil {
			return domain.Subscription{}, err
		}
		return *current, nil
	}

	subscription := domain.Subscription{
		ID:          s.genID.Generate(),
		UserID:      userID,
		PlanID:      plan.ID,
		Status:      domain.SubscriptionStatusActive,
		StartDate:   paidAt,
		EndDate:     endDate,
		Gateway:     gateway,
		AutoRenew:   plan.IsRecurring,
		PaymentType: plan.PaymentType,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
		return domain.Subscription{}, err
	}
	return subscription, nil
}

func (s *Service) UpsertFromEvent(ctx context.Context, ev domain.ProviderEvent) (domain.Subscription, error) {
	if strings.TrimSpace(ev.ExternalSubscriptionID) == "" {
		return domain.Subscription{}, domain.ErrNoSubscription
	}

	existing, err := s.repo.FindByExternalID(ctx, s.db, ev.ExternalSubscriptionID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if existing == nil && strings.TrimSpace(ev.UserID) != "" {
		// ActivateFromPayment may have created the user's row before the
		// provider's subscription webhook arrived. Adopt that row and attach
		// the external id instead of inserting a twin for the same user.
		current, err := s.repo.FindCurrent(ctx, s.db, ev.UserID)
		if err != nil {
			return domain.Subscription{}, err
		}
		if current != nil && (current.ExternalSubscriptionID == nil || *current.ExternalSubscriptionID == "") {
			existing = current
		}
	}

	now := s.clock.Now(ctx)
	if existing == nil {
		if ev.PlanID == nil || *ev.PlanID == 0 {
			return domain.Subscription{}, domain.ErrPlanUnresolved
		}
		if strings.TrimSpace(ev.UserID) == "" {
			return domain.Subscription{}, domain.ErrInvalidUser
		}

		externalID := ev.ExternalSubscriptionID
		occurredAt := ev.OccurredAt
		subscription := domain.Subscription{
			ID:                     s.genID.Generate(),
			UserID:                 ev.UserID,
			PlanID:                 *ev.PlanID,
			Status:                 mapProviderStatus(ev.Status),
			StartDate:              startOrNow(ev.PeriodStart, now),
			EndDate:                ev.PeriodEnd,
			Gateway:                ev.Gateway,
			ExternalSubscriptionID: &externalID,
			AutoRenew:              true,
			PaymentType:            plandomain.PaymentTypeRecurring,
			ProviderUpdatedAt:      &occurredAt,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if subscription.Status == domain.SubscriptionStatusCanceled {
			subscription.AutoRenew = false
			subscription.CanceledAt = &occurredAt
		}
		if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
			return domain.Subscription{}, err
		}
		return subscription, nil
	}

	// Last write wins on the provider timeline, not delivery order.
	if existing.ProviderUpdatedAt != nil && !ev.OccurredAt.After(*existing.ProviderUpdatedAt) {
		return *existing, domain.ErrStaleEvent
	}

	occurredAt := ev.OccurredAt
	if existing.ExternalSubscriptionID == nil || *existing.ExternalSubscriptionID == "" {
		externalID := ev.ExternalSubscriptionID
		existing.ExternalSubscriptionID = &externalID
		if ev.Gateway != "" {
			existing.Gateway = ev.Gateway
		}
	}
	existing.Status = mapProviderStatus(ev.Status)
	if ev.PeriodStart != nil {
		existing.StartDate = *ev.PeriodStart
	}
	if ev.PeriodEnd != nil {
		existing.EndDate = ev.PeriodEnd
	}
	if ev.PlanID != nil && *ev.PlanID != 0 {
		existing.PlanID = *ev.PlanID
	}
	if existing.Status == domain.SubscriptionStatusCanceled {
		existing.AutoRenew = false
		if existing.CanceledAt == nil {
			existing.CanceledAt = &occurredAt
		}
	}
	existing.ProviderUpdatedAt = &occurredAt
	existing.UpdatedAt = now
	if err := s.repo.Update(ctx, s.db, existing); err != nil {
		return domain.Subscription{}, err
	}
	return *existing, nil
}

func (s *Service) CancelFromEvent(ctx context.Context, ev domain.ProviderEvent) error {
	existing, err := s.repo.FindByExternalID(ctx, s.db, ev.ExternalSubscriptionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return domain.ErrNoSubscription
	}
	if existing.ProviderUpdatedAt != nil && !ev.OccurredAt.After(*existing.ProviderUpdatedAt) {
		return domain.ErrStaleEvent
	}

	occurredAt := ev.OccurredAt
	existing.Status = domain.SubscriptionStatusCanceled
	existing.AutoRenew = false
	existing.CanceledAt = &occurredAt
	if ev.PeriodEnd != nil {
		existing.EndDate = ev.PeriodEnd
	}
	existing.ProviderUpdatedAt = &occurredAt
	existing.UpdatedAt = s.clock.Now(ctx)
	return s.repo.Update(ctx, s.db, existing)
}

func (s *Service) MarkCanceled(ctx context.Context, userID string, at time.Time) (domain.Subscription, error) {
	current, err := s.GetCurrent(ctx, userID)
	if err != nil {
		return domain.Subscription{}, err
	}
	if current.Status == domain.SubscriptionStatusCanceled {
		return current, nil
	}

	canceledAt := at
	current.Status = domain.SubscriptionStatusCanceled
	current.AutoRenew = false
	current.CanceledAt = &canceledAt
	current.UpdatedAt = s.clock.Now(ctx)
	if err := s.repo.Update(ctx, s.db, &current); err != nil {
		return domain.Subscription{}, err
	}
	return current, nil
}

func mapProviderStatus(status string) domain.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return domain.SubscriptionStatusActive
	case "canceled", "cancelled":
		return domain.SubscriptionStatusCanceled
	case "paused":
		return domain.SubscriptionStatusPaused
	default:
		return domain.SubscriptionStatusPending
	}
}

func startOrNow(start *time.Time, now time.Time) time.Time {
	if start != nil {
		return *start
	}
	return now
}
