package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/clock"
	"github.com/pollstack/billing/internal/observability"
	"github.com/pollstack/billing/internal/payment/domain"
	"github.com/pollstack/billing/internal/payment/repository"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
	subscriptiondomain "github.com/pollstack/billing/internal/subscription/domain"
	usagedomain "github.com/pollstack/billing/internal/usage/domain"
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
	Usage         usagedomain.Service
	Metrics       *observability.Metrics
}

// Service is the reconciler: it folds normalized provider events into payment
// and subscription rows. Redeliveries, reordering, and duplicates must all
// converge on the same final state.
type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          repository.Repository
	plans         plandomain.Service
	subscriptions subscriptiondomain.Service
	usage         usagedomain.Service
	metrics       *observability.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("payment.reconciler"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		plans:         p.Plans,
		subscriptions: p.Subscriptions,
		usage:         p.Usage,
		metrics:       p.Metrics,
	}
}

func (s *Service) ProcessEvent(ctx context.Context, event *domain.PaymentEvent) error {
	if event == nil || strings.TrimSpace(event.ProviderEventID) == "" {
		return domain.ErrInvalidEvent
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.clock.Now(ctx)
	}

	record := domain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		UserID:          event.UserID,
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      s.clock.Now(ctx),
	}
	inserted, err := s.repo.InsertEventRecord(ctx, nil, &record)
	if err != nil {
		return err
	}
	if !inserted {
		// Redelivery of an event already applied; ack without reapplying.
		s.log.Debug("duplicate webhook event",
			zap.String("provider", event.Provider),
			zap.String("event_id", event.ProviderEventID))
		s.metrics.WebhookEvents.WithLabelValues(event.Provider, event.Type, "duplicate").Inc()
		return nil
	}

	if err := s.apply(ctx, event); err != nil {
		// Release the dedup claim so the provider's retry can take another run.
		if deleteErr := s.repo.DeleteEventRecord(ctx, nil, &record); deleteErr != nil {
			s.log.Error("failed to release event record",
				zap.String("event_id", event.ProviderEventID), zap.Error(deleteErr))
		}
		s.metrics.WebhookEvents.WithLabelValues(event.Provider, event.Type, "error").Inc()
		return err
	}

	processedAt := s.clock.Now(ctx)
	record.ProcessedAt = &processedAt
	if err := s.repo.MarkEventProcessed(ctx, nil, &record); err != nil {
		s.log.Error("failed to stamp processed event",
			zap.String("event_id", event.ProviderEventID), zap.Error(err))
	}
	s.metrics.WebhookEvents.WithLabelValues(event.Provider, event.Type, "processed").Inc()
	return nil
}

func (s *Service) apply(ctx context.Context, event *domain.PaymentEvent) error {
	switch event.Type {
	case domain.EventTypePaymentSucceeded:
		return s.applyPaymentSucceeded(ctx, event)
	case domain.EventTypePaymentFailed:
		return s.applyPaymentFailed(ctx, event)
	case domain.EventTypeSubscriptionUpserted:
		return s.applySubscriptionUpserted(ctx, event)
	case domain.EventTypeSubscriptionCanceled:
		return s.applySubscriptionCanceled(ctx, event)
	default:
		return domain.ErrEventIgnored
	}
}

func (s *Service) applyPaymentSucceeded(ctx context.Context, event *domain.PaymentEvent) error {
	payment, err := s.upsertPaymentStatus(ctx, event, domain.PaymentStatusSucceeded)
	if err != nil {
		return err
	}
	if payment == nil {
		return nil
	}

	plan, err := s.plans.Get(ctx, payment.PlanID)
	if err != nil {
		if errors.Is(err, plandomain.ErrPlanNotFound) {
			return s.queueReview(ctx, event, "succeeded payment references unknown plan")
		}
		return err
	}

	// Settlement: a succeeded payment on a metered plan pays down the user's
	// accrued usage in the same reconciliation pass.
	if plan.PaymentType == plandomain.PaymentTypePayAsYouGo {
		if _, err := s.usage.Settle(ctx, payment.UserID, payment.ID); err != nil &&
			!errors.Is(err, usagedomain.ErrNothingToSettle) {
			return err
		}
		return nil
	}

	subscription, err := s.subscriptions.ActivateFromPayment(ctx, payment.UserID, plan, payment.Gateway, event.OccurredAt)
	if err != nil {
		return err
	}
	if payment.SubscriptionID == nil && subscription.ID != 0 {
		payment.SubscriptionID = &subscription.ID
		payment.UpdatedAt = s.clock.Now(ctx)
		if err := s.repo.UpdatePayment(ctx, nil, payment); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) applyPaymentFailed(ctx context.Context, event *domain.PaymentEvent) error {
	if _, err := s.upsertPaymentStatus(ctx, event, domain.PaymentStatusFailed); err != nil {
		return err
	}

	// The failure row is append-only audit; it is written even when the
	// payment row itself was stale-gated.
	failure := domain.PaymentFailure{
		ID:                s.genID.Generate(),
		UserID:            event.UserID,
		Gateway:           routingdomain.Gateway(event.Provider),
		ExternalPaymentID: event.ExternalPaymentID,
		Reason:            event.FailureReason,
		RawPayload:        datatypes.JSON(event.RawPayload),
		OccurredAt:        event.OccurredAt,
		CreatedAt:         s.clock.Now(ctx),
	}
	return s.repo.InsertFailure(ctx, nil, &failure)
}

// upsertPaymentStatus finds or creates the payment row for the event and moves
// it to the given status, unless a newer provider event already did. A nil
// payment with nil error means the event was parked for review.
func (s *Service) upsertPaymentStatus(ctx context.Context, event *domain.PaymentEvent, status domain.PaymentStatus) (*domain.Payment, error) {
	if strings.TrimSpace(event.ExternalPaymentID) == "" {
		return nil, domain.ErrInvalidEvent
	}

	now := s.clock.Now(ctx)
	payment, err := s.repo.FindPaymentByExternalID(ctx, nil, event.ExternalPaymentID)
	if err != nil {
		return nil, err
	}

	if payment == nil {
		// Webhook-first arrival (e.g. a renewal invoice): create the row from
		// the event, but only when it names a user and plan we can trust.
		if strings.TrimSpace(event.UserID) == "" || event.PlanID == nil || *event.PlanID == 0 {
			if err := s.queueReview(ctx, event, "payment event for unknown payment"); err != nil {
				return nil, err
			}
			return nil, nil
		}
		occurredAt := event.OccurredAt
		created := domain.Payment{
			ID:                s.genID.Generate(),
			UserID:            event.UserID,
			PlanID:            *event.PlanID,
			Gateway:           routingdomain.Gateway(event.Provider),
			ExternalPaymentID: event.ExternalPaymentID,
			AmountCents:       event.AmountCents,
			Currency:          event.Currency,
			Status:            status,
			ProviderUpdatedAt: &occurredAt,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.repo.InsertPayment(ctx, nil, &created); err != nil {
			return nil, err
		}
		return &created, nil
	}

	if payment.ProviderUpdatedAt != nil && !event.OccurredAt.After(*payment.ProviderUpdatedAt) {
		// Out-of-order delivery; the row already reflects a newer event.
		return payment, nil
	}

	occurredAt := event.OccurredAt
	payment.Status = status
	if event.AmountCents > 0 {
		payment.AmountCents = event.AmountCents
	}
	if event.Currency != "" {
		payment.Currency = event.Currency
	}
	payment.ProviderUpdatedAt = &occurredAt
	payment.UpdatedAt = now
	if err := s.repo.UpdatePayment(ctx, nil, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) applySubscriptionUpserted(ctx context.Context, event *domain.PaymentEvent) error {
	_, err := s.subscriptions.UpsertFromEvent(ctx, providerEvent(event))
	switch {
	case errors.Is(err, subscriptiondomain.ErrPlanUnresolved):
		// Never guess a plan for a subscription we did not initiate.
		return s.queueReview(ctx, event, "subscription event names no known plan")
	case errors.Is(err, subscriptiondomain.ErrStaleEvent):
		return nil
	default:
		return err
	}
}

func (s *Service) applySubscriptionCanceled(ctx context.Context, event *domain.PaymentEvent) error {
	err := s.subscriptions.CancelFromEvent(ctx, providerEvent(event))
	switch {
	case errors.Is(err, subscriptiondomain.ErrNoSubscription):
		return s.queueReview(ctx, event, "cancellation for unknown subscription")
	case errors.Is(err, subscriptiondomain.ErrStaleEvent):
		return nil
	default:
		return err
	}
}

func (s *Service) queueReview(ctx context.Context, event *domain.PaymentEvent, reason string) error {
	review := domain.ReconciliationReview{
		ID:                     s.genID.Generate(),
		Provider:               event.Provider,
		ProviderEventID:        event.ProviderEventID,
		UserID:                 event.UserID,
		ExternalSubscriptionID: event.ExternalSubscriptionID,
		Reason:                 reason,
		Payload:                datatypes.JSON(event.RawPayload),
		CreatedAt:              s.clock.Now(ctx),
	}
	if err := s.repo.InsertReview(ctx, nil, &review); err != nil {
		return err
	}
	s.log.Warn("event parked for reconciliation review",
		zap.String("provider", event.Provider),
		zap.String("event_id", event.ProviderEventID),
		zap.String("reason", reason))
	return nil
}

func providerEvent(event *domain.PaymentEvent) subscriptiondomain.ProviderEvent {
	return subscriptiondomain.ProviderEvent{
		UserID:                 event.UserID,
		PlanID:                 event.PlanID,
		Gateway:                routingdomain.Gateway(event.Provider),
		ExternalSubscriptionID: event.ExternalSubscriptionID,
		Status:                 event.SubscriptionStatus,
		PeriodStart:            event.PeriodStart,
		PeriodEnd:              event.PeriodEnd,
		OccurredAt:             event.OccurredAt,
	}
}
