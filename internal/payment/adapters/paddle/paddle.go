package paddle

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/pollstack/billing/internal/config"
	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	plandomain "github.com/pollstack/billing/internal/plan/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

// Adapter talks to the Paddle Billing REST API directly.
type Adapter struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	tolerance     time.Duration
	log           *zap.Logger
	client        *http.Client

	// now is swapped in tests to pin the signature freshness window.
	now func() time.Time
}

func New(cfg config.PaddleConfig, log *zap.Logger) *Adapter {
	tolerance := cfg.SignatureTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &Adapter{
		apiKey:        strings.TrimSpace(cfg.APIKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		tolerance:     tolerance,
		log:           log.Named("payment.paddle"),
		client:        &http.Client{Timeout: 10 * time.Second},
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (a *Adapter) Gateway() routingdomain.Gateway {
	return routingdomain.GatewayPaddle
}

func (a *Adapter) CreateOneTimePayment(ctx context.Context, input paymentdomain.OneTimePaymentInput) (*paymentdomain.PaymentArtifact, error) {
	return a.createTransaction(ctx, input.UserID, input.UserEmail, "", input.Plan, input.AmountCents, input.Currency)
}

func (a *Adapter) CreateRecurringPayment(ctx context.Context, input paymentdomain.RecurringPaymentInput) (*paymentdomain.PaymentArtifact, error) {
	// Paddle opens a checkout transaction for recurring plans too; the
	// subscription id arrives on the subscription.created webhook.
	return a.createTransaction(ctx, input.UserID, input.UserEmail, input.ProviderCustomerID, input.Plan, input.AmountCents, input.Currency)
}

func (a *Adapter) createTransaction(ctx context.Context, userID, email, customerID string, plan plandomain.Plan, amountCents int64, currency string) (*paymentdomain.PaymentArtifact, error) {
	priceID, err := resolvePriceID(plan)
	if err != nil {
		return nil, err
	}

	if customerID == "" && strings.TrimSpace(email) != "" {
		found, err := a.findOrCreateCustomer(ctx, userID, email)
		if err != nil {
			return nil, err
		}
		customerID = found
	}

	// The Paddle price object carries the amount; a regional override that
	// diverges from it needs a region-specific price minted via CreatePlanPrice.
	if amountCents != plan.AmountCents {
		a.log.Warn("amount override differs from paddle catalog price",
			zap.String("plan", plan.Name),
			zap.Int64("amount_cents", amountCents),
			zap.String("currency", currency))
	}

	body := map[string]any{
		"items": []map[string]any{
			{"price_id": priceID, "quantity": 1},
		},
		"custom_data": map[string]string{
			"user_id": userID,
			"plan_id": plan.ID.String(),
		},
	}
	if customerID != "" {
		body["customer_id"] = customerID
	}

	var resp paddleResponse[paddleTransaction]
	if err := a.do(ctx, http.MethodPost, "/transactions", body, &resp); err != nil {
		return nil, err
	}

	return &paymentdomain.PaymentArtifact{
		ExternalPaymentID:      resp.Data.ID,
		ExternalSubscriptionID: resp.Data.SubscriptionID,
		Status:                 resp.Data.Status,
		CheckoutURL:            resp.Data.Checkout.URL,
		ProviderCustomerID:     customerID,
		ProviderPriceID:        priceID,
	}, nil
}

// findOrCreateCustomer reuses the customer Paddle already has for the buyer's
// email before minting a new one.
func (a *Adapter) findOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	email = strings.TrimSpace(email)

	var list paddleResponse[[]paddleCustomer]
	path := "/customers?email=" + url.QueryEscape(email)
	if err := a.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return "", err
	}
	if len(list.Data) > 0 {
		return list.Data[0].ID, nil
	}

	body := map[string]any{
		"email":       email,
		"custom_data": map[string]string{"user_id": userID},
	}
	var resp paddleResponse[paddleCustomer]
	if err := a.do(ctx, http.MethodPost, "/customers", body, &resp); err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

func (a *Adapter) VerifyPayment(ctx context.Context, externalPaymentID string) (*paymentdomain.VerificationResult, error) {
	var resp paddleResponse[paddleTransaction]
	path := "/transactions/" + url.PathEscape(externalPaymentID)
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &paymentdomain.VerificationResult{
		ExternalPaymentID: resp.Data.ID,
		Status:            resp.Data.Status,
		AmountCents:       resp.Data.Details.Totals.TotalCents(),
		Currency:          strings.ToUpper(resp.Data.CurrencyCode),
	}, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, externalSubscriptionID string) error {
	path := "/subscriptions/" + url.PathEscape(externalSubscriptionID) + "/cancel"
	body := map[string]any{"effective_from": "immediately"}
	return a.do(ctx, http.MethodPost, path, body, nil)
}

func (a *Adapter) CreatePlanPrice(ctx context.Context, input paymentdomain.PlanPriceInput) (*paymentdomain.PlanPriceArtifact, error) {
	productID := strings.TrimSpace(input.Plan.PaddleProductID)
	if productID == "" {
		body := map[string]any{
			"name":         input.Plan.Name,
			"tax_category": "standard",
			"custom_data":  map[string]string{"plan_id": input.Plan.ID.String()},
		}
		var resp paddleResponse[paddleProduct]
		if err := a.do(ctx, http.MethodPost, "/products", body, &resp); err != nil {
			return nil, err
		}
		productID = resp.Data.ID
	}

	body := map[string]any{
		"description": input.Plan.Name,
		"product_id":  productID,
		"unit_price": map[string]string{
			// Paddle represents amounts as minor-unit strings.
			"amount":        strconv.FormatInt(input.AmountCents, 10),
			"currency_code": strings.ToUpper(input.Currency),
		},
	}
	if input.Plan.IsRecurring {
		interval, frequency := billingCycle(input.Plan.DurationDays)
		body["billing_cycle"] = map[string]any{
			"interval":  interval,
			"frequency": frequency,
		}
	}

	var resp paddleResponse[paddlePrice]
	if err := a.do(ctx, http.MethodPost, "/prices", body, &resp); err != nil {
		return nil, err
	}
	return &paymentdomain.PlanPriceArtifact{PriceID: resp.Data.ID, ProductID: productID}, nil
}

// VerifySignature checks the Paddle-Signature header: "ts=<unix>;h1=<hex>",
// where h1 = HMAC-SHA256(secret, "<ts>:<body>"). Both the MAC and the
// freshness window must hold.
func (a *Adapter) VerifySignature(ctx context.Context, payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get("Paddle-Signature"))
	if header == "" {
		return paymentdomain.ErrInvalidSignature
	}

	ts, signature, err := parseSignatureHeader(header)
	if err != nil {
		return err
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte(":"))
	_, _ = mac.Write(payload)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if !hmac.Equal(provided, expected) {
		return paymentdomain.ErrInvalidSignature
	}

	// Freshness is checked after the MAC so a forged timestamp cannot probe
	// the window with an invalid signature.
	age := a.now().Sub(time.Unix(ts, 0))
	if age < -a.tolerance || age > a.tolerance {
		return paymentdomain.ErrStaleTimestamp
	}
	return nil
}

func (a *Adapter) ParseEvent(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event paddleEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.EventID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.EventType) {
	case "transaction.completed", "transaction.paid":
		return a.parseTransactionEvent(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "transaction.payment_failed":
		return a.parseTransactionEvent(event, payload, paymentdomain.EventTypePaymentFailed)
	case "subscription.created", "subscription.activated", "subscription.updated":
		return a.parseSubscriptionEvent(event, payload, paymentdomain.EventTypeSubscriptionUpserted)
	case "subscription.canceled":
		return a.parseSubscriptionEvent(event, payload, paymentdomain.EventTypeSubscriptionCanceled)
	default:
		a.log.Debug("ignoring paddle event",
			zap.String("type", event.EventType),
			zap.String("event_id", event.EventID))
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parseTransactionEvent(event paddleEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var txn paddleTransaction
	if err := json.Unmarshal(event.Data, &txn); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(txn.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.PaymentEvent{
		Provider:               string(routingdomain.GatewayPaddle),
		ProviderEventID:        event.EventID,
		Type:                   eventType,
		UserID:                 txn.CustomData.UserID,
		PlanID:                 parseID(txn.CustomData.PlanID),
		ExternalPaymentID:      txn.ID,
		ExternalSubscriptionID: txn.SubscriptionID,
		AmountCents:            txn.Details.Totals.TotalCents(),
		Currency:               strings.ToUpper(strings.TrimSpace(txn.CurrencyCode)),
		OccurredAt:             event.Occurred(),
		RawPayload:             payload,
	}
	if eventType == paymentdomain.EventTypePaymentFailed {
		out.FailureReason = txn.Status
	}
	return out, nil
}

func (a *Adapter) parseSubscriptionEvent(event paddleEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var sub paddleSubscription
	if err := json.Unmarshal(event.Data, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.PaymentEvent{
		Provider:               string(routingdomain.GatewayPaddle),
		ProviderEventID:        event.EventID,
		Type:                   eventType,
		UserID:                 sub.CustomData.UserID,
		PlanID:                 parseID(sub.CustomData.PlanID),
		ExternalSubscriptionID: sub.ID,
		SubscriptionStatus:     sub.Status,
		OccurredAt:             event.Occurred(),
		RawPayload:             payload,
	}
	if sub.CurrentBillingPeriod != nil {
		out.PeriodStart = parseRFC3339(sub.CurrentBillingPeriod.StartsAt)
		out.PeriodEnd = parseRFC3339(sub.CurrentBillingPeriod.EndsAt)
	}
	return out, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, body any, out any) error {
	if a.apiKey == "" {
		return paymentdomain.ErrInvalidConfig
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: paddle %s %s: %v", paymentdomain.ErrProvider, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: paddle %s %s: status %d: %s",
			paymentdomain.ErrProvider, method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// resolvePriceID finds the Paddle price for a plan: the stored id if one was
// minted, otherwise the PADDLE_PRICE_<NAME> environment override keyed by the
// slugged plan name.
func resolvePriceID(plan plandomain.Plan) (string, error) {
	if id := strings.TrimSpace(plan.PaddlePriceID); id != "" {
		return id, nil
	}
	key := "PADDLE_PRICE_" + strings.ToUpper(strings.ReplaceAll(slug.Make(plan.Name), "-", "_"))
	if id := strings.TrimSpace(os.Getenv(key)); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: plan %q has no paddle price and %s is unset",
		plandomain.ErrMissingProviderPrice, plan.Name, key)
}

func billingCycle(durationDays int) (string, int) {
	switch {
	case durationDays >= 360:
		return "year", 1
	case durationDays >= 180:
		return "month", 6
	case durationDays >= 90:
		return "month", 3
	case durationDays >= 28:
		return "month", 1
	case durationDays > 0:
		return "day", durationDays
	default:
		return "month", 1
	}
}

func parseSignatureHeader(header string) (int64, string, error) {
	var tsRaw, signature string
	for _, part := range strings.Split(header, ";") {
		piece := strings.TrimSpace(part)
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		switch strings.TrimSpace(keyValue[0]) {
		case "ts":
			tsRaw = strings.TrimSpace(keyValue[1])
		case "h1":
			signature = strings.TrimSpace(keyValue[1])
		}
	}
	if tsRaw == "" || signature == "" {
		return 0, "", paymentdomain.ErrInvalidSignature
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return 0, "", paymentdomain.ErrInvalidSignature
	}
	return ts, signature, nil
}

func parseID(raw string) *snowflake.ID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return nil
	}
	return &id
}

func parseRFC3339(raw string) *time.Time {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	utc := parsed.UTC()
	return &utc
}

type paddleResponse[T any] struct {
	Data T `json:"data"`
}

type paddleEvent struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt string          `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

func (e paddleEvent) Occurred() time.Time {
	if at := parseRFC3339(e.OccurredAt); at != nil {
		return *at
	}
	return time.Now().UTC()
}

type paddleCustomData struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
}

type paddleTransaction struct {
	ID             string           `json:"id"`
	Status         string           `json:"status"`
	CurrencyCode   string           `json:"currency_code"`
	SubscriptionID string           `json:"subscription_id"`
	CustomData     paddleCustomData `json:"custom_data"`
	Checkout       struct {
		URL string `json:"url"`
	} `json:"checkout"`
	Details struct {
		Totals paddleTotals `json:"totals"`
	} `json:"details"`
}

type paddleTotals struct {
	Total string `json:"total"`
}

// TotalCents parses Paddle's minor-unit string amount.
func (t paddleTotals) TotalCents() int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(t.Total), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

type paddleSubscription struct {
	ID                   string           `json:"id"`
	Status               string           `json:"status"`
	CustomData           paddleCustomData `json:"custom_data"`
	CurrentBillingPeriod *struct {
		StartsAt string `json:"starts_at"`
		EndsAt   string `json:"ends_at"`
	} `json:"current_billing_period"`
}

type paddleCustomer struct {
	ID string `json:"id"`
}

type paddleProduct struct {
	ID string `json:"id"`
}

type paddlePrice struct {
	ID string `json:"id"`
}
