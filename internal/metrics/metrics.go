package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesSent tracks successful sends per provider
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Total number of messages accepted by the transport",
		},
		[]string{"provider"},
	)

	// MessagesFailed tracks terminal failures per provider and category
	MessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_failed_total",
			Help: "Total number of messages that reached a terminal failure",
		},
		[]string{"provider", "category"},
	)

	// MessagesRetried tracks messages rescheduled for another attempt
	MessagesRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_retried_total",
			Help: "Total number of messages rescheduled after a retryable failure",
		},
		[]string{"provider", "category"},
	)

	// MessagesCancelled tracks operator cancellations
	MessagesCancelled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_cancelled_total",
			Help: "Total number of messages cancelled",
		},
	)

	// MessagesBounced tracks bounce webhook events by hardness
	MessagesBounced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_bounced_total",
			Help: "Total number of bounce events processed",
		},
		[]string{"kind"},
	)

	// Complaints tracks spam complaint events
	Complaints = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_complaints_total",
			Help: "Total number of spam complaint events processed",
		},
	)

	// WebhookDuplicates tracks provider callbacks dropped by idempotency
	WebhookDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_webhook_duplicates_total",
			Help: "Total number of duplicate delivery events ignored",
		},
	)

	// BreakerTrips tracks circuit breaker open transitions per resource
	BreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_breaker_trips_total",
			Help: "Total number of circuit breaker trips",
		},
		[]string{"resource"},
	)

	// BreakerResets tracks circuit breaker close transitions per resource
	BreakerResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_breaker_resets_total",
			Help: "Total number of circuit breaker resets to closed",
		},
		[]string{"resource"},
	)

	// BreakerState exposes the current state per resource (0 closed, 1 open, 2 half-open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"resource"},
	)

	// RateLimitHits tracks sends counted against a provider's pacing windows
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_hits_total",
			Help: "Total number of sends recorded against provider rate windows",
		},
		[]string{"provider"},
	)

	// RateLimitRejections tracks batch selections skipped by pacing
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rate_limit_rejections_total",
			Help: "Total number of sends deferred by the provider rate limiter",
		},
		[]string{"provider"},
	)

	// QueueDepth tracks queued messages by status
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Number of queued messages by status",
		},
		[]string{"status"},
	)

	// SendDuration tracks transport send latency
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_send_duration_seconds",
			Help:    "Transport send duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// RetryDelay tracks computed backoff delays
	RetryDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_retry_delay_seconds",
			Help:    "Backoff delay before a retry in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
		[]string{"category"},
	)

	// WarmupSends tracks warm-up traffic per identity day band
	WarmupSends = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_warmup_sends_total",
			Help: "Total number of warm-up messages sent",
		},
	)
)
