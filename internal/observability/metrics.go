package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the process-wide prometheus collectors. A dedicated registry is
// used so tests can construct isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	GatewaySelections *prometheus.CounterVec
	WebhookEvents     *prometheus.CounterVec
	PaymentsRouted    *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: registry,
		GatewaySelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_gateway_selections_total",
			Help: "Gateway selections by gateway and region policy.",
		}, []string{"gateway", "policy"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_webhook_events_total",
			Help: "Webhook events by provider, event type and processing result.",
		}, []string{"provider", "type", "result"}),
		PaymentsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_payments_routed_total",
			Help: "Payments dispatched to a gateway adapter, by gateway and result.",
		}, []string{"gateway", "result"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billing_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	registry.MustRegister(m.GatewaySelections, m.WebhookEvents, m.PaymentsRouted, m.HTTPDuration)
	return m
}
