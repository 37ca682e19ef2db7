package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/config"
	"github.com/pollstack/billing/internal/observability"
	"github.com/pollstack/billing/internal/payment/adapters"
	"github.com/pollstack/billing/internal/payment/domain"
	"github.com/pollstack/billing/internal/payment/repository"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	regiondomain "github.com/pollstack/billing/internal/region/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
	subscriptiondomain "github.com/pollstack/billing/internal/subscription/domain"
)

type routerFixture struct {
	router        domain.Router
	db            *gorm.DB
	repo          repository.Repository
	plans         *planServiceMock
	routing       *routingServiceMock
	subscriptions *subscriptionServiceMock
	node          *snowflake.Node
}

func newRouterFixture(t *testing.T, gatewayURL string) *routerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "router.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.Payment{},
		&domain.PaymentFailure{},
		&domain.EventRecord{},
		&domain.ReconciliationReview{},
		&domain.GatewayCustomer{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	registry := adapters.NewRegistry(adapters.Params{
		Cfg: config.Config{
			Stripe: config.StripeConfig{APIKey: "sk_test", WebhookSecret: "whsec", BaseURL: gatewayURL},
			Paddle: config.PaddleConfig{APIKey: "pdl_test", WebhookSecret: "pdlsec", BaseURL: gatewayURL},
		},
		Log: zap.NewNop(),
	})

	fixture := &routerFixture{
		db:            db,
		repo:          repository.New(db),
		plans:         &planServiceMock{},
		routing:       &routingServiceMock{},
		subscriptions: &subscriptionServiceMock{},
		node:          node,
	}
	fixture.router = NewRouter(RouterParams{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         fixedClock{now: testNow},
		Repo:          fixture.repo,
		Plans:         fixture.plans,
		Routing:       fixture.routing,
		Subscriptions: fixture.subscriptions,
		Adapters:      registry,
		Metrics:       observability.NewMetrics(),
	})
	return fixture
}

func stripeSelection() (routingdomain.Selection, routingdomain.Recommendation) {
	selection := routingdomain.Selection{
		Gateway: routingdomain.GatewayStripe,
		Region:  regiondomain.Region1,
	}
	recommendation := routingdomain.Recommendation{
		CountryCode:   "US",
		Region:        regiondomain.Region1,
		GatewayType:   regiondomain.GatewayTypeStripeOnly,
		StripeEnabled: true,
	}
	return selection, recommendation
}

func TestRoutePayment_PayAsYouGoIsRejected(t *testing.T) {
	f := newRouterFixture(t, "http://gateway.invalid")

	planID := f.node.Generate()
	f.plans.On("Get", mock.Anything, planID).Return(plandomain.Plan{
		ID:              planID,
		PaymentType:     plandomain.PaymentTypePayAsYouGo,
		UnitAmountCents: 25,
	}, nil)

	_, err := f.router.RoutePayment(context.Background(), domain.RouteRequest{
		UserID:      "user-1",
		PlanID:      planID,
		CountryCode: "US",
	})
	assert.ErrorIs(t, err, domain.ErrPayAsYouGoNotRoutable)

	// No gateway was consulted and no payment row written.
	f.routing.AssertNotCalled(t, "SelectGatewayForPayment", mock.Anything, mock.Anything, mock.Anything)
	var count int64
	require.NoError(t, f.db.Model(&domain.Payment{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestRoutePayment_UnsupportedMethodHasNoFallback(t *testing.T) {
	f := newRouterFixture(t, "http://gateway.invalid")

	planID := f.node.Generate()
	f.plans.On("Get", mock.Anything, planID).Return(plandomain.Plan{
		ID:          planID,
		AmountCents: 999,
		Currency:    "USD",
		PaymentType: plandomain.PaymentTypeOneTime,
	}, nil)

	selection, recommendation := stripeSelection()
	selection.Gateway = routingdomain.GatewayPaddle
	f.routing.On("SelectGatewayForPayment", mock.Anything, "US", mock.Anything).
		Return(selection, recommendation, nil)
	f.routing.On("PaymentMethods", routingdomain.GatewayPaddle).
		Return([]routingdomain.PaymentMethod{{Method: "card"}, {Method: "paypal"}})

	_, err := f.router.RoutePayment(context.Background(), domain.RouteRequest{
		UserID:        "user-1",
		PlanID:        planID,
		CountryCode:   "US",
		PaymentMethod: "google_pay",
	})

	var unsupported *domain.UnsupportedMethodError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, routingdomain.GatewayPaddle, unsupported.Gateway)
	assert.Equal(t, "google_pay", unsupported.Method)

	var count int64
	require.NoError(t, f.db.Model(&domain.Payment{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestRoutePayment_OneTimeThroughStripe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "999", r.PostForm.Get("amount"))
		fmt.Fprint(w, `{"id":"pi_route_1","status":"requires_payment_method","client_secret":"pi_route_1_secret"}`)
	}))
	defer server.Close()

	f := newRouterFixture(t, server.URL)

	planID := f.node.Generate()
	f.plans.On("Get", mock.Anything, planID).Return(plandomain.Plan{
		ID:          planID,
		Name:        "Starter Pass",
		AmountCents: 999,
		Currency:    "USD",
		PaymentType: plandomain.PaymentTypeOneTime,
	}, nil)

	selection, recommendation := stripeSelection()
	f.routing.On("SelectGatewayForPayment", mock.Anything, "US", mock.Anything).
		Return(selection, recommendation, nil)

	result, err := f.router.RoutePayment(context.Background(), domain.RouteRequest{
		UserID:      "user-1",
		PlanID:      planID,
		CountryCode: "US",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RouteTypeOneTime, result.Type)
	assert.Equal(t, routingdomain.GatewayStripe, result.Gateway)
	assert.Equal(t, int64(999), result.AmountCents)
	assert.Equal(t, "pi_route_1", result.ExternalPaymentID)
	assert.Equal(t, "pi_route_1_secret", result.ClientSecret)

	stored, err := f.repo.FindPaymentByExternalID(context.Background(), nil, "pi_route_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.PaymentStatusPending, stored.Status)
	assert.Equal(t, "US", stored.CountryCode)
	assert.Equal(t, regiondomain.Region1, stored.Region)
	assert.False(t, stored.SplitApplied)
}

func TestRoutePayment_RegionalPriceOverrideWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		// The regional price, not the plan base price, goes to the gateway.
		assert.Equal(t, "499", r.PostForm.Get("amount"))
		fmt.Fprint(w, `{"id":"pi_route_2","status":"requires_payment_method"}`)
	}))
	defer server.Close()

	f := newRouterFixture(t, server.URL)

	planID := f.node.Generate()
	f.plans.On("Get", mock.Anything, planID).Return(plandomain.Plan{
		ID:          planID,
		AmountCents: 999,
		Currency:    "USD",
		PaymentType: plandomain.PaymentTypeOneTime,
	}, nil)

	selection, recommendation := stripeSelection()
	override := int64(499)
	recommendation.AmountCents = &override
	recommendation.Currency = "USD"
	f.routing.On("SelectGatewayForPayment", mock.Anything, "IN", mock.Anything).
		Return(selection, recommendation, nil)

	result, err := f.router.RoutePayment(context.Background(), domain.RouteRequest{
		UserID:      "user-1",
		PlanID:      planID,
		CountryCode: "IN",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(499), result.AmountCents)

	stored, err := f.repo.FindPaymentByExternalID(context.Background(), nil, "pi_route_2")
	require.NoError(t, err)
	assert.Equal(t, int64(499), stored.AmountCents)
}

func TestRoutePayment_RecurringPersistsCustomerAndPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/customers":
			if r.Method == http.MethodGet {
				// No existing customer for the buyer's email.
				assert.Equal(t, "buyer@example.com", r.URL.Query().Get("email"))
				fmt.Fprint(w, `{"data":[]}`)
				return
			}
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "buyer@example.com", r.PostForm.Get("email"))
			fmt.Fprint(w, `{"id":"cus_route"}`)
		case "/v1/products":
			fmt.Fprint(w, `{"id":"prod_route"}`)
		case "/v1/prices":
			fmt.Fprint(w, `{"id":"price_route"}`)
		case "/v1/subscriptions":
			fmt.Fprint(w, `{"id":"sub_route","status":"incomplete","latest_invoice":{"payment_intent":{"id":"pi_route_3","client_secret":"s3"}}}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	f := newRouterFixture(t, server.URL)

	planID := f.node.Generate()
	f.plans.On("Get", mock.Anything, planID).Return(plandomain.Plan{
		ID:           planID,
		Name:         "Pro Monthly",
		AmountCents:  2900,
		Currency:     "USD",
		DurationDays: 30,
		PaymentType:  plandomain.PaymentTypeRecurring,
		IsRecurring:  true,
	}, nil)
	f.plans.On("SetProviderPrice", mock.Anything, planID, plandomain.ProviderPriceIDs{
		StripePriceID:   "price_route",
		StripeProductID: "prod_route",
	}).Return(nil).Once()

	selection, recommendation := stripeSelection()
	f.routing.On("SelectGatewayForPayment", mock.Anything, "US", mock.Anything).
		Return(selection, recommendation, nil)

	result, err := f.router.RoutePayment(context.Background(), domain.RouteRequest{
		UserID:      "user-1",
		UserEmail:   "buyer@example.com",
		PlanID:      planID,
		CountryCode: "US",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RouteTypeRecurring, result.Type)
	assert.Equal(t, "sub_route", result.ExternalSubscriptionID)
	assert.Equal(t, "pi_route_3", result.ExternalPaymentID)

	customer, err := f.repo.FindGatewayCustomer(context.Background(), nil, "user-1", routingdomain.GatewayStripe)
	require.NoError(t, err)
	require.NotNil(t, customer)
	assert.Equal(t, "cus_route", customer.ProviderCustomerID)

	// The pending row keeps the provider subscription id until reconciliation
	// resolves the local one.
	stored, err := f.repo.FindPaymentByExternalID(context.Background(), nil, "pi_route_3")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Nil(t, stored.SubscriptionID)
	assert.JSONEq(t, `{"external_subscription_id":"sub_route"}`, string(stored.Metadata))
	f.plans.AssertExpectations(t)
}

func TestRoutePayment_GatewayErrorWritesNoPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newRouterFixture(t, server.URL)

	planID := f.node.Generate()
	f.plans.On("Get", mock.Anything, planID).Return(plandomain.Plan{
		ID:          planID,
		AmountCents: 999,
		Currency:    "USD",
		PaymentType: plandomain.PaymentTypeOneTime,
	}, nil)

	selection, recommendation := stripeSelection()
	f.routing.On("SelectGatewayForPayment", mock.Anything, "US", mock.Anything).
		Return(selection, recommendation, nil)

	_, err := f.router.RoutePayment(context.Background(), domain.RouteRequest{
		UserID:      "user-1",
		PlanID:      planID,
		CountryCode: "US",
	})
	require.ErrorIs(t, err, domain.ErrProvider)

	var count int64
	require.NoError(t, f.db.Model(&domain.Payment{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestVerifyPayment_SuccessActivatesSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents/pi_verify", r.URL.Path)
		fmt.Fprint(w, `{"id":"pi_verify","status":"succeeded","amount":999,"currency":"usd"}`)
	}))
	defer server.Close()

	f := newRouterFixture(t, server.URL)

	planID := f.node.Generate()
	plan := plandomain.Plan{ID: planID, DurationDays: 30, PaymentType: plandomain.PaymentTypeOneTime}
	payment := domain.Payment{
		ID:                f.node.Generate(),
		UserID:            "user-1",
		PlanID:            planID,
		Gateway:           routingdomain.GatewayStripe,
		ExternalPaymentID: "pi_verify",
		AmountCents:       999,
		Currency:          "USD",
		Status:            domain.PaymentStatusPending,
		CreatedAt:         testNow,
		UpdatedAt:         testNow,
	}
	require.NoError(t, f.repo.InsertPayment(context.Background(), nil, &payment))

	f.plans.On("Get", mock.Anything, planID).Return(plan, nil)
	f.subscriptions.On("ActivateFromPayment", mock.Anything, "user-1", plan, routingdomain.GatewayStripe, mock.Anything).
		Return(subscriptiondomain.Subscription{}, nil).Once()

	verified, err := f.router.VerifyPayment(context.Background(), "pi_verify")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSucceeded, verified.Status)
	f.subscriptions.AssertExpectations(t)

	// A second verify sees the settled status and does not reactivate.
	_, err = f.router.VerifyPayment(context.Background(), "pi_verify")
	require.NoError(t, err)
	f.subscriptions.AssertNumberOfCalls(t, "ActivateFromPayment", 1)
}

func TestVerifyPayment_UnknownPayment(t *testing.T) {
	f := newRouterFixture(t, "http://gateway.invalid")

	_, err := f.router.VerifyPayment(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestCancelSubscription_CancelsProviderFirst(t *testing.T) {
	var canceled bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/v1/subscriptions/sub_cancel", r.URL.Path)
		canceled = true
		fmt.Fprint(w, `{"id":"sub_cancel","status":"canceled"}`)
	}))
	defer server.Close()

	f := newRouterFixture(t, server.URL)

	externalID := "sub_cancel"
	f.subscriptions.On("GetCurrent", mock.Anything, "user-1").Return(subscriptiondomain.Subscription{
		UserID:                 "user-1",
		Status:                 subscriptiondomain.SubscriptionStatusActive,
		Gateway:                routingdomain.GatewayStripe,
		ExternalSubscriptionID: &externalID,
	}, nil)
	f.subscriptions.On("MarkCanceled", mock.Anything, "user-1", testNow).
		Return(subscriptiondomain.Subscription{}, nil).Once()

	require.NoError(t, f.router.CancelSubscription(context.Background(), "user-1"))
	assert.True(t, canceled)
	f.subscriptions.AssertExpectations(t)
}

func TestCancelSubscription_AlreadyCanceledIsNoOp(t *testing.T) {
	f := newRouterFixture(t, "http://gateway.invalid")

	f.subscriptions.On("GetCurrent", mock.Anything, "user-1").Return(subscriptiondomain.Subscription{
		UserID: "user-1",
		Status: subscriptiondomain.SubscriptionStatusCanceled,
	}, nil)

	require.NoError(t, f.router.CancelSubscription(context.Background(), "user-1"))
	f.subscriptions.AssertNotCalled(t, "MarkCanceled", mock.Anything, mock.Anything, mock.Anything)
}
