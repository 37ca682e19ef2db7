package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pollstack/billing/internal/observability"
	"github.com/pollstack/billing/internal/payment/adapters"
	paymentdomain "github.com/pollstack/billing/internal/payment/domain"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc paymentdomain.Service
	Adapters   *adapters.Registry
	Metrics    *observability.Metrics
}

// Service is the webhook front door: verify the signature, parse the payload
// into a canonical event, hand it to the reconciler. It never trusts a byte of
// the payload before the signature holds.
type Service struct {
	log        *zap.Logger
	paymentSvc paymentdomain.Service
	adapters   *adapters.Registry
	metrics    *observability.Metrics
}

func NewService(p Params) paymentdomain.WebhookIngestor {
	return &Service{
		log:        p.Log.Named("payment.webhook"),
		paymentSvc: p.PaymentSvc,
		adapters:   p.Adapters,
		metrics:    p.Metrics,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	adapter, err := s.adapters.ByName(provider)
	if err != nil {
		return paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	if err := adapter.VerifySignature(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.Error(err))
		s.metrics.WebhookEvents.WithLabelValues(provider, "unknown", "rejected").Inc()
		return err
	}

	event, err := adapter.ParseEvent(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.metrics.WebhookEvents.WithLabelValues(provider, "unknown", "ignored").Inc()
			return nil
		}
		s.log.Error("webhook parse failed",
			zap.String("provider", provider),
			zap.Int("payload_size", len(payload)),
			zap.Error(err))
		return err
	}

	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return s.paymentSvc.ProcessEvent(ctx, event)
}
