package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message outcomes recorded by the pipeline.
const (
	OutcomeDelivered     = "delivered"
	OutcomeDenied        = "denied_allowlist"
	OutcomeRateLimited   = "rate_limited"
	OutcomeBlocked       = "blocked_validation"
	OutcomeDuplicate     = "duplicate"
	OutcomeDeliveryError = "delivery_error"
	OutcomeApology       = "apology"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	// Ingress metrics
	MessagesTotal   *prometheus.CounterVec
	WebhookRequests *prometheus.CounterVec
	QueueDepth      prometheus.Gauge

	// Security metrics
	SignatureFailures *prometheus.CounterVec
	RateLimitDenials  *prometheus.CounterVec
	ThreatsDetected   *prometheus.CounterVec
	SensitiveMasked   *prometheus.CounterVec

	// AI dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Heartbeat metrics
	HeartbeatCycles *prometheus.CounterVec
	HeartbeatTasks  *prometheus.CounterVec

	// Delivery metrics
	DeliveryTotal *prometheus.CounterVec
}

// New creates all gateway metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh
// prometheus.NewRegistry to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Messages by channel and pipeline outcome
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_messages_total",
				Help: "Messages processed by the ingress pipeline",
			},
			[]string{"channel", "outcome"},
		),

		// Raw webhook hits by channel and HTTP status
		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_webhook_requests_total",
				Help: "Inbound webhook requests by channel and response status",
			},
			[]string{"channel", "status"},
		),

		// Pipeline queue depth
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_pipeline_queue_depth",
				Help: "Messages waiting in the pipeline worker queue",
			},
		),

		// Signature verification failures
		SignatureFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_signature_failures_total",
				Help: "Webhook signature or token verification failures",
			},
			[]string{"channel"},
		),

		// Rate limit denials
		RateLimitDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_denials_total",
				Help: "Messages denied by the rate limiter",
			},
			[]string{"channel", "reason"}, // reason: window, cooldown, banned
		),

		// Input validation threats
		ThreatsDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_threats_detected_total",
				Help: "Suspicious input patterns detected by validation",
			},
			[]string{"channel", "threat"},
		),

		// Sensitive data maskings
		SensitiveMasked: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_sensitive_masked_total",
				Help: "Sensitive data patterns masked before storage",
			},
			[]string{"channel", "kind"},
		),

		// AI dispatch outcomes by tier
		DispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ai_dispatch_total",
				Help: "AI dispatch attempts by tier and outcome",
			},
			[]string{"tier", "outcome"}, // tier: openclaw, rest, fallback; outcome: ok, error, timeout, circuit_open
		),

		// AI dispatch latency by tier
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_ai_dispatch_duration_seconds",
				Help:    "AI dispatch latency by tier",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
			},
			[]string{"tier"},
		),

		// Heartbeat cycles
		HeartbeatCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_heartbeat_cycles_total",
				Help: "Heartbeat sweep cycles by result",
			},
			[]string{"result"}, // result: ok, skipped, error
		),

		// Heartbeat task handling
		HeartbeatTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_heartbeat_tasks_total",
				Help: "Heartbeat task deliveries by disposition",
			},
			[]string{"disposition"}, // disposition: delivered, suppressed, followup, error
		),

		// Outbound deliveries by channel
		DeliveryTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_delivery_total",
				Help: "Outbound message deliveries by channel and result",
			},
			[]string{"channel", "result"}, // result: ok, error
		),
	}
}

// RecordMessage records a pipeline outcome for a message
func (m *Metrics) RecordMessage(channel, outcome string) {
	m.MessagesTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordWebhook records an inbound webhook hit
func (m *Metrics) RecordWebhook(channel, status string) {
	m.WebhookRequests.WithLabelValues(channel, status).Inc()
}

// RecordSignatureFailure records a rejected webhook signature
func (m *Metrics) RecordSignatureFailure(channel string) {
	m.SignatureFailures.WithLabelValues(channel).Inc()
}

// RecordRateLimitDenial records a rate limiter rejection
func (m *Metrics) RecordRateLimitDenial(channel, reason string) {
	m.RateLimitDenials.WithLabelValues(channel, reason).Inc()
}

// RecordThreat records one detected threat pattern
func (m *Metrics) RecordThreat(channel, threat string) {
	m.ThreatsDetected.WithLabelValues(channel, threat).Inc()
}

// RecordMasked records one masked sensitive pattern
func (m *Metrics) RecordMasked(channel, kind string) {
	m.SensitiveMasked.WithLabelValues(channel, kind).Inc()
}

// RecordDispatch records an AI dispatch attempt and its latency
func (m *Metrics) RecordDispatch(tier, outcome string, seconds float64) {
	m.DispatchTotal.WithLabelValues(tier, outcome).Inc()
	m.DispatchDuration.WithLabelValues(tier).Observe(seconds)
}

// RecordHeartbeat records the result of one heartbeat cycle
func (m *Metrics) RecordHeartbeat(result string) {
	m.HeartbeatCycles.WithLabelValues(result).Inc()
}

// RecordHeartbeatTask records the disposition of one swept task
func (m *Metrics) RecordHeartbeatTask(disposition string) {
	m.HeartbeatTasks.WithLabelValues(disposition).Inc()
}

// RecordDelivery records an outbound delivery attempt
func (m *Metrics) RecordDelivery(channel string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.DeliveryTotal.WithLabelValues(channel, result).Inc()
}
