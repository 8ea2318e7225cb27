package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replydesk_webhook_events_total",
			Help: "Inbound webhook requests by outcome",
		},
		[]string{"outcome"},
	)

	MessagesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replydesk_messages_ingested_total",
			Help: "Messages written to the ledger by sender",
		},
		[]string{"sender"},
	)

	DuplicateMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "replydesk_duplicate_messages_total",
			Help: "Redelivered provider messages skipped by idempotent ingestion",
		},
	)

	RepliesGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replydesk_replies_generated_total",
			Help: "Draft replies by outcome",
		},
		[]string{"outcome"},
	)

	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replydesk_generation_duration_seconds",
			Help:    "Draft reply generation duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	RetrievalResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "replydesk_retrieval_results_count",
			Help:    "Knowledge entries retrieved per draft",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	Approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replydesk_approvals_total",
			Help: "Review decisions by action",
		},
		[]string{"action"},
	)

	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replydesk_deliveries_total",
			Help: "Outbound provider deliveries by outcome and auth scheme",
		},
		[]string{"outcome", "scheme"},
	)

	KnowledgeEntriesAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replydesk_knowledge_entries_added_total",
			Help: "Knowledge entries inserted by source",
		},
		[]string{"source"},
	)
)

func Init() {
	prometheus.MustRegister(WebhookEvents)
	prometheus.MustRegister(MessagesIngested)
	prometheus.MustRegister(DuplicateMessages)
	prometheus.MustRegister(RepliesGenerated)
	prometheus.MustRegister(GenerationDuration)
	prometheus.MustRegister(RetrievalResults)
	prometheus.MustRegister(Approvals)
	prometheus.MustRegister(Deliveries)
	prometheus.MustRegister(KnowledgeEntriesAdded)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
