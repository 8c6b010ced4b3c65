package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventq_messages_received_total",
		Help: "Total number of queue messages handed to the consumer.",
	})

	MessageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventq_message_outcomes_total",
		Help: "Messages settled by the consumer, labelled by outcome (delete, backoff, requeue, decode_failure, error).",
	}, []string{"outcome"})

	BatchesDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eventq_batches_deferred_total",
		Help: "Batches that signalled failure to suppress acknowledgement of deferred messages. Not an error rate.",
	})

	MessageProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "eventq_message_processing_duration_seconds",
		Help:    "Time from receiving a message to settling it.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventq_events_published_total",
		Help: "Events published to the queue, labelled by origin (api, requeue).",
	}, []string{"origin"})

	QueueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventq_queue_operation_errors_total",
		Help: "Failed queue operations, labelled by operation.",
	}, []string{"op"})

	WebhookCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eventq_webhook_calls_total",
		Help: "Webhook notifications, labelled by result (success, failure).",
	}, []string{"result"})
)
