package sender

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("smallbiznis-messaging/sender")

var (
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_messages_total",
		Help: "Recipients resolved by send workers and repair jobs.",
	}, []string{"result"})

	providerCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_provider_calls_total",
		Help: "Provider calls by kind and outcome.",
	}, []string{"kind", "outcome"})

	skippedRecipients = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_recipients_skipped_total",
		Help: "Recipients dropped before the provider call.",
	}, []string{"reason"})

	repairsScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sms_repairs_scheduled_total",
	})

	markerWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sms_sent_marker_write_failures_total",
	})
)

func init() {
	prometheus.MustRegister(
		messagesTotal,
		providerCalls,
		skippedRecipients,
		repairsScheduled,
		markerWriteFailures,
		linkCacheHits,
		linkCacheMiss,
	)
}

func providerOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsUnconfirmed(err):
		return "unconfirmed"
	case IsRetryable(err):
		return "retryable"
	default:
		return "rejected"
	}
}
