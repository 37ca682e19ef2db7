package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/pollstack/billing/internal/config"
	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
	routingdomain "github.com/pollstack/billing/internal/routing/domain"
)

// Adapter talks to the Stripe REST API directly. No SDK; the surface we need
// is a handful of endpoints and a webhook signature scheme.
type Adapter struct {
	apiKey        string
	webhookSecret string
	baseURL       string
	log           *zap.Logger
	client        *http.Client
}

func New(cfg config.StripeConfig, log *zap.Logger) *Adapter {
	return &Adapter{
		apiKey:        strings.TrimSpace(cfg.APIKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		log:           log.Named("payment.stripe"),
		client:        &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *Adapter) Gateway() routingdomain.Gateway {
	return routingdomain.GatewayStripe
}

func (a *Adapter) CreateOneTimePayment(ctx context.Context, input paymentdomain.OneTimePaymentInput) (*paymentdomain.PaymentArtifact, error) {
	data := url.Values{}
	data.Set("amount", strconv.FormatInt(input.AmountCents, 10))
	data.Set("currency", strings.ToLower(input.Currency))
	data.Set("metadata[user_id]", input.UserID)
	data.Set("metadata[plan_id]", input.Plan.ID.String())
	if email := strings.TrimSpace(input.UserEmail); email != "" {
		data.Set("receipt_email", email)
	}
	if method := stripeMethodType(input.PaymentMethod); method != "" {
		data.Set("payment_method_types[0]", method)
	} else {
		data.Set("automatic_payment_methods[enabled]", "true")
	}

	var intent stripePaymentIntent
	if err := a.do(ctx, http.MethodPost, "/v1/payment_intents", data, &intent); err != nil {
		return nil, err
	}

	return &paymentdomain.PaymentArtifact{
		ExternalPaymentID: intent.ID,
		Status:            intent.Status,
		ClientSecret:      intent.ClientSecret,
	}, nil
}

func (a *Adapter) CreateRecurringPayment(ctx context.Context, input paymentdomain.RecurringPaymentInput) (*paymentdomain.PaymentArtifact, error) {
	customerID := strings.TrimSpace(input.ProviderCustomerID)
	if customerID == "" {
		found, err := a.findOrCreateCustomer(ctx, input.UserID, input.UserEmail)
		if err != nil {
			return nil, err
		}
		customerID = found
	}

	priceID := input.Plan.StripePriceID
	productID := input.Plan.StripeProductID
	if priceID == "" {
		minted, err := a.CreatePlanPrice(ctx, paymentdomain.PlanPriceInput{
			Plan:        input.Plan,
			AmountCents: input.AmountCents,
			Currency:    input.Currency,
		})
		if err != nil {
			return nil, err
		}
		priceID = minted.PriceID
		productID = minted.ProductID
	}

	data := url.Values{}
	data.Set("customer", customerID)
	data.Set("items[0][price]", priceID)
	data.Set("payment_behavior", "default_incomplete")
	data.Set("payment_settings[save_default_payment_method]", "on_subscription")
	data.Set("expand[]", "latest_invoice.payment_intent")
	data.Set("metadata[user_id]", input.UserID)
	data.Set("metadata[plan_id]", input.Plan.ID.String())

	var sub stripeSubscription
	if err := a.do(ctx, http.MethodPost, "/v1/subscriptions", data, &sub); err != nil {
		return nil, err
	}

	artifact := &paymentdomain.PaymentArtifact{
		ExternalSubscriptionID: sub.ID,
		Status:                 sub.Status,
		ProviderCustomerID:     customerID,
		ProviderPriceID:        priceID,
		ProviderProductID:      productID,
	}
	if sub.LatestInvoice != nil {
		artifact.ExternalPaymentID = sub.LatestInvoice.PaymentIntentID()
		artifact.ClientSecret = sub.LatestInvoice.PaymentIntentClientSecret()
	}
	if artifact.ExternalPaymentID == "" {
		// The pending payment row needs a stable provider id to reconcile on.
		a.log.Warn("subscription created without expanded payment intent",
			zap.String("subscription_id", sub.ID))
		artifact.ExternalPaymentID = sub.ID
	}
	return artifact, nil
}

func (a *Adapter) VerifyPayment(ctx context.Context, externalPaymentID string) (*paymentdomain.VerificationResult, error) {
	var intent stripePaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(externalPaymentID)
	if err := a.do(ctx, http.MethodGet, path, nil, &intent); err != nil {
		return nil, err
	}
	return &paymentdomain.VerificationResult{
		ExternalPaymentID: intent.ID,
		Status:            intent.Status,
		AmountCents:       intent.Amount,
		Currency:          strings.ToUpper(intent.Currency),
	}, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, externalSubscriptionID string) error {
	path := "/v1/subscriptions/" + url.PathEscape(externalSubscriptionID)
	return a.do(ctx, http.MethodDelete, path, nil, nil)
}

func (a *Adapter) CreatePlanPrice(ctx context.Context, input paymentdomain.PlanPriceInput) (*paymentdomain.PlanPriceArtifact, error) {
	productID := strings.TrimSpace(input.Plan.StripeProductID)
	if productID == "" {
		data := url.Values{}
		data.Set("name", input.Plan.Name)
		data.Set("metadata[plan_id]", input.Plan.ID.String())
		var product stripeProduct
		if err := a.do(ctx, http.MethodPost, "/v1/products", data, &product); err != nil {
			return nil, err
		}
		productID = product.ID
	}

	data := url.Values{}
	data.Set("product", productID)
	data.Set("unit_amount", strconv.FormatInt(input.AmountCents, 10))
	data.Set("currency", strings.ToLower(input.Currency))
	if input.Plan.IsRecurring {
		interval, count := recurringInterval(input.Plan.DurationDays)
		data.Set("recurring[interval]", interval)
		data.Set("recurring[interval_count]", strconv.Itoa(count))
	}

	var price stripePrice
	if err := a.do(ctx, http.MethodPost, "/v1/prices", data, &price); err != nil {
		return nil, err
	}
	return &paymentdomain.PlanPriceArtifact{PriceID: price.ID, ProductID: productID}, nil
}

func (a *Adapter) VerifySignature(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) ParseEvent(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return a.parsePaymentIntentEvent(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "payment_intent.payment_failed":
		return a.parsePaymentIntentEvent(event, payload, paymentdomain.EventTypePaymentFailed)
	case "invoice.paid", "invoice.payment_succeeded":
		return a.parseInvoiceEvent(event, payload)
	case "customer.subscription.created", "customer.subscription.updated":
		return a.parseSubscriptionEvent(event, payload, paymentdomain.EventTypeSubscriptionUpserted)
	case "customer.subscription.deleted":
		return a.parseSubscriptionEvent(event, payload, paymentdomain.EventTypeSubscriptionCanceled)
	default:
		a.log.Debug("ignoring stripe event",
			zap.String("type", event.Type),
			zap.String("event_id", event.ID))
		return nil, paymentdomain.ErrEventIgnored
	}
}

func (a *Adapter) parsePaymentIntentEvent(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}

	out := &paymentdomain.PaymentEvent{
		Provider:          string(routingdomain.GatewayStripe),
		ProviderEventID:   event.ID,
		Type:              eventType,
		UserID:            metadataString(intent.Metadata, "user_id"),
		PlanID:            metadataID(intent.Metadata, "plan_id"),
		ExternalPaymentID: intent.ID,
		AmountCents:       amount,
		Currency:          strings.ToUpper(strings.TrimSpace(intent.Currency)),
		OccurredAt:        unixTime(intent.Created, event.Created),
		RawPayload:        payload,
	}
	if eventType == paymentdomain.EventTypePaymentFailed && intent.LastPaymentError != nil {
		out.FailureReason = strings.TrimSpace(intent.LastPaymentError.Message)
	}
	return out, nil
}

func (a *Adapter) parseInvoiceEvent(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	// Renewal invoices key the payment by their intent. The first invoice of a
	// default_incomplete subscription reconciles through the intent event, so
	// this apply is a no-op for it.
	externalPaymentID := invoice.PaymentIntentID()
	if externalPaymentID == "" {
		externalPaymentID = invoice.ID
	}

	metadata := invoice.SubscriptionDetails.Metadata
	return &paymentdomain.PaymentEvent{
		Provider:               string(routingdomain.GatewayStripe),
		ProviderEventID:        event.ID,
		Type:                   paymentdomain.EventTypePaymentSucceeded,
		UserID:                 metadataString(metadata, "user_id"),
		PlanID:                 metadataID(metadata, "plan_id"),
		ExternalPaymentID:      externalPaymentID,
		ExternalSubscriptionID: invoice.Subscription,
		AmountCents:            invoice.AmountPaid,
		Currency:               strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		OccurredAt:             unixTime(invoice.Created, event.Created),
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseSubscriptionEvent(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(sub.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	out := &paymentdomain.PaymentEvent{
		Provider:               string(routingdomain.GatewayStripe),
		ProviderEventID:        event.ID,
		Type:                   eventType,
		UserID:                 metadataString(sub.Metadata, "user_id"),
		PlanID:                 metadataID(sub.Metadata, "plan_id"),
		ExternalSubscriptionID: sub.ID,
		SubscriptionStatus:     sub.Status,
		OccurredAt:             unixTime(sub.Created, event.Created),
		RawPayload:             payload,
	}
	if sub.CurrentPeriodStart > 0 {
		start := time.Unix(sub.CurrentPeriodStart, 0).UTC()
		out.PeriodStart = &start
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		out.PeriodEnd = &end
	}
	return out, nil
}

// findOrCreateCustomer reuses the customer Stripe already has for the buyer's
// email before minting a new one.
func (a *Adapter) findOrCreateCustomer(ctx context.Context, userID, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email != "" {
		var list stripeCustomerList
		path := "/v1/customers?email=" + url.QueryEscape(email) + "&limit=1"
		if err := a.do(ctx, http.MethodGet, path, nil, &list); err != nil {
			return "", err
		}
		if len(list.Data) > 0 {
			return list.Data[0].ID, nil
		}
	}

	data := url.Values{}
	data.Set("metadata[user_id]", userID)
	if email != "" {
		data.Set("email", email)
	}

	var customer stripeCustomer
	if err := a.do(ctx, http.MethodPost, "/v1/customers", data, &customer); err != nil {
		return "", err
	}
	return customer.ID, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if a.apiKey == "" {
		return paymentdomain.ErrInvalidConfig
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: stripe %s %s: %v", paymentdomain.ErrProvider, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: stripe %s %s: status %d: %s",
			paymentdomain.ErrProvider, method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// stripeMethodType maps our method names onto Stripe payment_method_types.
// Wallet methods ride on card rails through the automatic flow.
func stripeMethodType(method string) string {
	switch method {
	case "card":
		return "card"
	case "paypal":
		return "paypal"
	default:
		return ""
	}
}

func recurringInterval(durationDays int) (string, int) {
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

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, paymentdomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}

func unixTime(primary, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	switch cast := metadata[key].(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	default:
		return ""
	}
}

func metadataID(metadata map[string]any, key string) *snowflake.ID {
	raw := metadataString(metadata, key)
	if raw == "" {
		return nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return nil
	}
	return &id
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID               string         `json:"id"`
	Amount           int64          `json:"amount"`
	AmountReceived   int64          `json:"amount_received"`
	Currency         string         `json:"currency"`
	Status           string         `json:"status"`
	ClientSecret     string         `json:"client_secret"`
	Created          int64          `json:"created"`
	Metadata         map[string]any `json:"metadata"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type stripeCustomer struct {
	ID string `json:"id"`
}

type stripeCustomerList struct {
	Data []stripeCustomer `json:"data"`
}

type stripeProduct struct {
	ID string `json:"id"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripeSubscription struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	Created            int64          `json:"created"`
	CurrentPeriodStart int64          `json:"current_period_start"`
	CurrentPeriodEnd   int64          `json:"current_period_end"`
	Metadata           map[string]any `json:"metadata"`
	LatestInvoice      *stripeInvoice `json:"latest_invoice"`
}

type stripeInvoice struct {
	ID                  string `json:"id"`
	Subscription        string `json:"subscription"`
	AmountPaid          int64  `json:"amount_paid"`
	Currency            string `json:"currency"`
	Created             int64  `json:"created"`
	PaymentIntent       any    `json:"payment_intent"`
	SubscriptionDetails struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"subscription_details"`
}

// PaymentIntentID handles both the plain-id and expanded-object forms.
func (i stripeInvoice) PaymentIntentID() string {
	switch pi := i.PaymentIntent.(type) {
	case string:
		return pi
	case map[string]any:
		if id, ok := pi["id"].(string); ok {
			return id
		}
	}
	return ""
}

func (i stripeInvoice) PaymentIntentClientSecret() string {
	if pi, ok := i.PaymentIntent.(map[string]any); ok {
		if secret, ok := pi["client_secret"].(string); ok {
			return secret
		}
	}
	return ""
}
