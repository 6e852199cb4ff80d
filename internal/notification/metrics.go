package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TriggersHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_triggers_total",
		Help: "Change events seen by the dispatcher, by decision.",
	}, []string{"decision"})

	TokensDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_tokens_total",
		Help: "Tokens attempted per channel, by outcome.",
	}, []string{"channel", "outcome"})

	ChannelFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_channel_failures_total",
		Help: "Channel calls that failed as a whole (error, timeout or panic).",
	}, []string{"channel"})

	DeliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notification_delivery_latency_seconds",
		Help:    "Time from claim to terminal write.",
		Buckets: prometheus.DefBuckets,
	})

	ResolutionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_resolution_failures_total",
		Help: "User registration lookups that failed during resolution.",
	})

	PrunedRegistrations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_pruned_registrations_total",
		Help: "Registrations removed after a permanent token failure.",
	})

	SweepPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_sweep_promoted_total",
		Help: "Scheduled notifications promoted to sent.",
	})

	SweepRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notification_sweep_recovered_total",
		Help: "Stale claims closed with an interrupted terminal record.",
	})

	OutboxLag = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notification_outbox_lag",
		Help: "Unpublished change rows seen by the last relay poll.",
	})
)

func recordChannel(ct ChannelTally) {
	TokensDelivered.WithLabelValues(string(ct.Channel), "delivered").Add(float64(ct.Delivered))
	TokensDelivered.WithLabelValues(string(ct.Channel), "failed").Add(float64(ct.Failed))
	if ct.Error != "" {
		ChannelFailures.WithLabelValues(string(ct.Channel)).Inc()
	}
}

func startTimer() *prometheus.Timer {
	return prometheus.NewTimer(DeliveryLatency)
}
