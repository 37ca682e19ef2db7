package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pollstack/billing/internal/clock"
	"github.com/pollstack/billing/internal/config"
	"github.com/pollstack/billing/internal/migration"
	"github.com/pollstack/billing/internal/observability"
	"github.com/pollstack/billing/internal/payment/adapters"
	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	paymentrepo "github.com/pollstack/billing/internal/payment/repository"
	paymentservice "github.com/pollstack/billing/internal/payment/service"
	"github.com/pollstack/billing/internal/payment/webhook"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	planrepo "github.com/pollstack/billing/internal/plan/repository"
	planservice "github.com/pollstack/billing/internal/plan/service"
	regionrepo "github.com/pollstack/billing/internal/region/repository"
	regionservice "github.com/pollstack/billing/internal/region/service"
	routingservice "github.com/pollstack/billing/internal/routing/service"
	"github.com/pollstack/billing/internal/seed"
	subscriptionrepo "github.com/pollstack/billing/internal/subscription/repository"
	subscriptionservice "github.com/pollstack/billing/internal/subscription/service"
	usagerepo "github.com/pollstack/billing/internal/usage/repository"
	usageservice "github.com/pollstack/billing/internal/usage/service"
)

const e2eWebhookSecret = "whsec_e2e"

// newTestStack wires the full service graph against one sqlite database with
// the stripe adapter pointed at gatewayURL, seeded with the reference routing
// data and plan catalog.
func newTestStack(t *testing.T, gatewayURL string) (*gin.Engine, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "e2e.db")), &gorm.Config{TranslateError: true})
	require.NoError(t, err)
	require.NoError(t, migration.RunMigrations(db))
	require.NoError(t, seed.Run(db))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	log := zap.NewNop()
	metrics := observability.NewMetrics()
	clk := clock.SystemClock{}

	registry := adapters.NewRegistry(adapters.Params{
		Cfg: config.Config{
			Stripe: config.StripeConfig{APIKey: "sk_test", WebhookSecret: e2eWebhookSecret, BaseURL: gatewayURL},
			Paddle: config.PaddleConfig{APIKey: "pdl_test", WebhookSecret: e2eWebhookSecret, BaseURL: gatewayURL},
		},
		Log: log,
	})

	regions := regionservice.NewService(regionservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: regionrepo.New(db),
	})
	routing := routingservice.NewService(routingservice.Params{
		Log: log, Regions: regions, Random: routingservice.NewRandomSource(), Metrics: metrics,
	})
	plans := planservice.NewService(planservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: planrepo.New(db), Adapters: registry,
	})
	subscriptions := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: subscriptionrepo.New(db),
	})
	usage := usageservice.NewService(usageservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: usagerepo.New(db),
		Plans: plans, Subscriptions: subscriptions,
	})
	payments := paymentrepo.New(db)
	reconciler := paymentservice.NewService(paymentservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: payments,
		Plans: plans, Subscriptions: subscriptions, Usage: usage, Metrics: metrics,
	})
	router := paymentservice.NewRouter(paymentservice.RouterParams{
		DB: db, Log: log, GenID: node, Clock: clk, Repo: payments,
		Plans: plans, Routing: routing, Subscriptions: subscriptions,
		Adapters: registry, Metrics: metrics,
	})
	ingestor := webhook.NewService(webhook.Params{
		Log: log, PaymentSvc: reconciler, Adapters: registry, Metrics: metrics,
	})

	server := NewServer(Params{
		Log: log, Cfg: config.Config{}, Metrics: metrics,
		Regions: regions, Routing: routing, Plans: plans,
		Subscriptions: subscriptions, Usage: usage,
		Router: router, Webhooks: ingestor,
	})
	engine := NewEngine(log)
	server.RegisterRoutes(engine)
	return engine, db
}

func seededPlan(t *testing.T, db *gorm.DB, name string) plandomain.Plan {
	t.Helper()
	var plan plandomain.Plan
	require.NoError(t, db.Where("name = ?", name).First(&plan).Error)
	return plan
}

func doJSON(engine *gin.Engine, method, path, userID string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("x-user-id", userID)
		req.Header.Set("x-user-email", userID+"@example.test")
	}
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func signedStripeWebhook(engine *gin.Engine, payload []byte) *httptest.ResponseRecorder {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(e2eWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

// A German buyer routes through stripe (region_2 is stripe_only), the payment
// starts pending, and the succeeded webhook completes it exactly once.
func TestPaymentLifecycle_GermanyThroughStripe(t *testing.T) {
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		// The buyer's email rides along from the x-user-email header.
		assert.Equal(t, "user-e2e@example.test", r.PostForm.Get("receipt_email"))
		fmt.Fprint(w, `{"id":"pi_e2e","status":"requires_payment_method","client_secret":"pi_e2e_secret"}`)
	}))
	defer gateway.Close()

	engine, db := newTestStack(t, gateway.URL)
	plan := seededPlan(t, db, "Starter Pass")

	body := []byte(fmt.Sprintf(`{"plan_id":"%s","country_code":"DE"}`, plan.ID))
	rec := doJSON(engine, http.MethodPost, "/api/payments", "user-e2e", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var routed struct {
		Data paymentdomain.RouteResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &routed))
	assert.Equal(t, paymentdomain.RouteTypeOneTime, routed.Data.Type)
	assert.EqualValues(t, "stripe", routed.Data.Gateway)
	assert.Equal(t, "pi_e2e", routed.Data.ExternalPaymentID)

	var payment paymentdomain.Payment
	require.NoError(t, db.Where("external_payment_id = ?", "pi_e2e").First(&payment).Error)
	assert.Equal(t, paymentdomain.PaymentStatusPending, payment.Status)
	assert.Equal(t, "DE", payment.CountryCode)

	event := []byte(fmt.Sprintf(`{
		"id": "evt_e2e_1",
		"type": "payment_intent.succeeded",
		"created": %d,
		"data": {"object": {
			"id": "pi_e2e",
			"amount": 999,
			"currency": "usd",
			"metadata": {"user_id": "user-e2e"}
		}}
	}`, time.Now().Unix()))

	rec = signedStripeWebhook(engine, event)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	require.NoError(t, db.Where("external_payment_id = ?", "pi_e2e").First(&payment).Error)
	assert.Equal(t, paymentdomain.PaymentStatusSucceeded, payment.Status)

	// Redelivery acks without reapplying.
	rec = signedStripeWebhook(engine, event)
	require.Equal(t, http.StatusOK, rec.Code)

	var eventRows int64
	require.NoError(t, db.Model(&paymentdomain.EventRecord{}).Count(&eventRows).Error)
	assert.EqualValues(t, 1, eventRows)

	rec = doJSON(engine, http.MethodGet, "/api/subscriptions/current", "user-e2e", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var current struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	assert.Equal(t, "active", current.Data.Status)
}

// Stripe's webhook contract answers a bad signature with 400; Paddle's
// with 401. Neither forged event may reach the dedup ledger.
func TestWebhook_BadStripeSignatureIsBadRequest(t *testing.T) {
	engine, db := newTestStack(t, "http://gateway.invalid")

	payload := []byte(`{"id":"evt_forged","type":"payment_intent.succeeded","data":{"object":{"id":"pi_x"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=deadbeef", time.Now().Unix()))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var eventRows int64
	require.NoError(t, db.Model(&paymentdomain.EventRecord{}).Count(&eventRows).Error)
	assert.EqualValues(t, 0, eventRows)
}

func TestWebhook_BadPaddleSignatureIsUnauthorized(t *testing.T) {
	engine, db := newTestStack(t, "http://gateway.invalid")

	payload := []byte(`{"event_id":"evt_forged","event_type":"transaction.completed","data":{"id":"txn_x"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", bytes.NewReader(payload))
	req.Header.Set("Paddle-Signature", fmt.Sprintf("ts=%d;h1=deadbeef", time.Now().Unix()))
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var eventRows int64
	require.NoError(t, db.Model(&paymentdomain.EventRecord{}).Count(&eventRows).Error)
	assert.EqualValues(t, 0, eventRows)
}

func TestRoutePayment_RequiresUserHeader(t *testing.T) {
	engine, _ := newTestStack(t, "http://gateway.invalid")

	rec := doJSON(engine, http.MethodPost, "/api/payments", "", []byte(`{"plan_id":"1","country_code":"DE"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutePayment_PayAsYouGoActivatesWithoutGateway(t *testing.T) {
	engine, db := newTestStack(t, "http://gateway.invalid")
	plan := seededPlan(t, db, "Pay As You Go")

	body := []byte(fmt.Sprintf(`{"plan_id":"%s","country_code":"DE"}`, plan.ID))
	rec := doJSON(engine, http.MethodPost, "/api/payments", "user-payg", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			Type         string `json:"type"`
			Subscription struct {
				Status string `json:"status"`
			} `json:"subscription"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, paymentdomain.RouteTypePayAsYouGo, resp.Data.Type)
	assert.Equal(t, "active", resp.Data.Subscription.Status)

	var payments int64
	require.NoError(t, db.Model(&paymentdomain.Payment{}).Count(&payments).Error)
	assert.EqualValues(t, 0, payments)
}

func TestGetRecommendation_UnknownCountry(t *testing.T) {
	engine, _ := newTestStack(t, "http://gateway.invalid")

	rec := doJSON(engine, http.MethodGet, "/api/payments/recommendation?country=ZZ", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_RecordsRequestDuration(t *testing.T) {
	engine, _ := newTestStack(t, "http://gateway.invalid")

	rec := doJSON(engine, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(engine, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "billing_http_request_duration_seconds_bucket")
	assert.Contains(t, rec.Body.String(), `route="/healthz"`)
}
