package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/clock"
	"github.com/pollstack/billing/internal/observability"
	"github.com/pollstack/billing/internal/payment/adapters"
	"github.com/pollstack/billing/internal/payment/domain"
	"github.com/pollstack/billing/internal/payment/repository"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
	subscriptiondomain "github.com/pollstack/billing/internal/subscription/domain"
)

type RouterParams struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          repository.Repository
	Plans         plandomain.Service
	Routing       routingdomain.Service
	Subscriptions subscriptiondomain.Service
	Adapters      *adapters.Registry
	Metrics       *observability.Metrics
}

type Router struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          repository.Repository
	plans         plandomain.Service
	routing       routingdomain.Service
	subscriptions subscriptiondomain.Service
	adapters      *adapters.Registry
	metrics       *observability.Metrics
}

func NewRouter(p RouterParams) domain.Router {
	return &Router{
		db:            p.DB,
		log:           p.Log.Named("payment.router"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		plans:         p.Plans,
		routing:       p.Routing,
		subscriptions: p.Subscriptions,
		adapters:      p.Adapters,
		metrics:       p.Metrics,
	}
}

func (r *Router) RoutePayment(ctx context.Context, req domain.RouteRequest) (domain.RouteResult, error) {
	plan, err := r.plans.Get(ctx, req.PlanID)
	if err != nil {
		return domain.RouteResult{}, err
	}

	// Pay-as-you-go plans never reach a gateway here: nothing is charged up
	// front, so there is no adapter call and no payment row.
	if plan.PaymentType == plandomain.PaymentTypePayAsYouGo {
		r.metrics.PaymentsRouted.WithLabelValues("none", "rejected").Inc()
		return domain.RouteResult{}, domain.ErrPayAsYouGoNotRoutable
	}

	selection, recommendation, err := r.routing.SelectGatewayForPayment(ctx, req.CountryCode, &req.PlanID)
	if err != nil {
		return domain.RouteResult{}, err
	}

	if method := strings.TrimSpace(req.PaymentMethod); method != "" {
		if !methodSupported(r.routing.PaymentMethods(selection.Gateway), method) {
			// No silent fallback to the other gateway; the caller retries with
			// a method the selected gateway takes.
			return domain.RouteResult{}, &domain.UnsupportedMethodError{
				Gateway: selection.Gateway,
				Method:  method,
			}
		}
	}

	amountCents := plan.AmountCents
	currency := plan.Currency
	if recommendation.AmountCents != nil {
		amountCents = *recommendation.AmountCents
		currency = recommendation.Currency
	}

	adapter, err := r.adapters.Get(selection.Gateway)
	if err != nil {
		return domain.RouteResult{}, err
	}

	var artifact *domain.PaymentArtifact
	routeType := domain.RouteTypeOneTime
	switch plan.PaymentType {
	case plandomain.PaymentTypeRecurring:
		routeType = domain.RouteTypeRecurring
		artifact, err = r.createRecurring(ctx, adapter, selection.Gateway, req, plan, amountCents, currency)
	default:
		artifact, err = adapter.CreateOneTimePayment(ctx, domain.OneTimePaymentInput{
			UserID:        req.UserID,
			UserEmail:     req.UserEmail,
			Plan:          plan,
			AmountCents:   amountCents,
			Currency:      currency,
			PaymentMethod: req.PaymentMethod,
			CountryCode:   req.CountryCode,
		})
	}
	if err != nil {
		r.metrics.PaymentsRouted.WithLabelValues(string(selection.Gateway), "error").Inc()
		return domain.RouteResult{}, err
	}

	now := r.clock.Now(ctx)
	payment := domain.Payment{
		ID:                r.genID.Generate(),
		UserID:            req.UserID,
		PlanID:            plan.ID,
		Gateway:           selection.Gateway,
		ExternalPaymentID: artifact.ExternalPaymentID,
		AmountCents:       amountCents,
		Currency:          currency,
		Status:            domain.PaymentStatusPending,
		CountryCode:       recommendation.CountryCode,
		Region:            selection.Region,
		PaymentMethod:     strings.TrimSpace(req.PaymentMethod),
		SplitApplied:      selection.SplitApplied,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if artifact.ExternalSubscriptionID != "" {
		// The local subscription row does not exist yet; the provider-side id
		// keeps the linkage until reconciliation fills SubscriptionID.
		raw, marshalErr := json.Marshal(map[string]string{
			"external_subscription_id": artifact.ExternalSubscriptionID,
		})
		if marshalErr == nil {
			payment.Metadata = datatypes.JSON(raw)
		}
	}
	if err := r.repo.InsertPayment(ctx, nil, &payment); err != nil {
		return domain.RouteResult{}, err
	}

	r.metrics.PaymentsRouted.WithLabelValues(string(selection.Gateway), "ok").Inc()
	r.log.Info("payment routed",
		zap.String("user_id", req.UserID),
		zap.String("gateway", string(selection.Gateway)),
		zap.String("external_payment_id", artifact.ExternalPaymentID),
		zap.Int64("amount_cents", amountCents),
		zap.Bool("split_applied", selection.SplitApplied))

	return domain.RouteResult{
		Type:                   routeType,
		PaymentID:              payment.ID,
		Gateway:                selection.Gateway,
		AmountCents:            amountCents,
		Currency:               currency,
		ExternalPaymentID:      artifact.ExternalPaymentID,
		ExternalSubscriptionID: artifact.ExternalSubscriptionID,
		ClientSecret:           artifact.ClientSecret,
		CheckoutURL:            artifact.CheckoutURL,
		Recommendation:         recommendation,
	}, nil
}

func (r *Router) createRecurring(
	ctx context.Context,
	adapter domain.GatewayAdapter,
	gateway routingdomain.Gateway,
	req domain.RouteRequest,
	plan plandomain.Plan,
	amountCents int64,
	currency string,
) (*domain.PaymentArtifact, error) {
	customer, err := r.repo.FindGatewayCustomer(ctx, nil, req.UserID, gateway)
	if err != nil {
		return nil, err
	}
	providerCustomerID := ""
	if customer != nil {
		providerCustomerID = customer.ProviderCustomerID
	}

	artifact, err := adapter.CreateRecurringPayment(ctx, domain.RecurringPaymentInput{
		UserID:             req.UserID,
		UserEmail:          req.UserEmail,
		Plan:               plan,
		AmountCents:        amountCents,
		Currency:           currency,
		PaymentMethod:      req.PaymentMethod,
		CountryCode:        req.CountryCode,
		ProviderCustomerID: providerCustomerID,
	})
	if err != nil {
		return nil, err
	}

	// Persist whatever the adapter minted so the next sale reuses it.
	if artifact.ProviderCustomerID != "" && (customer == nil || customer.ProviderCustomerID != artifact.ProviderCustomerID) {
		now := r.clock.Now(ctx)
		if err := r.repo.UpsertGatewayCustomer(ctx, nil, &domain.GatewayCustomer{
			ID:                 r.genID.Generate(),
			UserID:             req.UserID,
			Gateway:            gateway,
			ProviderCustomerID: artifact.ProviderCustomerID,
			CreatedAt:          now,
			UpdatedAt:          now,
		}); err != nil {
			return nil, err
		}
	}
	if artifact.ProviderPriceID != "" || artifact.ProviderProductID != "" {
		ids := plandomain.ProviderPriceIDs{}
		switch gateway {
		case routingdomain.GatewayStripe:
			ids.StripePriceID = artifact.ProviderPriceID
			ids.StripeProductID = artifact.ProviderProductID
		case routingdomain.GatewayPaddle:
			ids.PaddlePriceID = artifact.ProviderPriceID
			ids.PaddleProductID = artifact.ProviderProductID
		}
		if err := r.plans.SetProviderPrice(ctx, plan.ID, ids); err != nil {
			return nil, err
		}
	}
	return artifact, nil
}

func (r *Router) VerifyPayment(ctx context.Context, externalPaymentID string) (domain.Payment, error) {
	payment, err := r.repo.FindPaymentByExternalID(ctx, nil, externalPaymentID)
	if err != nil {
		return domain.Payment{}, err
	}
	if payment == nil {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}

	adapter, err := r.adapters.Get(payment.Gateway)
	if err != nil {
		return domain.Payment{}, err
	}
	verified, err := adapter.VerifyPayment(ctx, externalPaymentID)
	if err != nil {
		return domain.Payment{}, err
	}

	status := mapProviderPaymentStatus(verified.Status)
	if status == payment.Status {
		return *payment, nil
	}

	payment.Status = status
	payment.UpdatedAt = r.clock.Now(ctx)
	if err := r.repo.UpdatePayment(ctx, nil, payment); err != nil {
		return domain.Payment{}, err
	}

	if status == domain.PaymentStatusSucceeded {
		plan, planErr := r.plans.Get(ctx, payment.PlanID)
		if planErr == nil {
			if _, err := r.subscriptions.ActivateFromPayment(ctx, payment.UserID, plan, payment.Gateway, payment.UpdatedAt); err != nil {
				r.log.Error("subscription activation after verify failed",
					zap.String("external_payment_id", externalPaymentID), zap.Error(err))
			}
		}
	}
	return *payment, nil
}

func (r *Router) CancelSubscription(ctx context.Context, userID string) error {
	subscription, err := r.subscriptions.GetCurrent(ctx, userID)
	if err != nil {
		return err
	}
	if subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
		return nil
	}

	if subscription.ExternalSubscriptionID != nil && *subscription.ExternalSubscriptionID != "" {
		adapter, err := r.adapters.Get(subscription.Gateway)
		if err != nil {
			return err
		}
		if err := adapter.CancelSubscription(ctx, *subscription.ExternalSubscriptionID); err != nil {
			return err
		}
	}

	_, err = r.subscriptions.MarkCanceled(ctx, userID, r.clock.Now(ctx))
	return err
}

func methodSupported(methods []routingdomain.PaymentMethod, method string) bool {
	for _, candidate := range methods {
		if candidate.Method == method {
			return true
		}
	}
	return false
}

func mapProviderPaymentStatus(status string) domain.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "succeeded", "completed", "paid":
		return domain.PaymentStatusSucceeded
	case "canceled", "cancelled", "failed", "declined":
		return domain.PaymentStatusFailed
	case "refunded":
		return domain.PaymentStatusRefunded
	default:
		return domain.PaymentStatusPending
	}
}
