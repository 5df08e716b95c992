package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Business metrics
	HandoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_handoffs_total",
			Help: "Total handoff requests accepted into the queue",
		},
		[]string{"channel"}, // "PORTAL", "WHATSAPP", ...
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_claims_total",
			Help: "Total conversation claim attempts",
		},
		[]string{"result"}, // "won" or "lost"
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	ConversationsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydesk_conversations_resolved_total",
			Help: "Total conversations resolved",
		},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relaydesk_rate_limit_hits_total",
			Help: "Total widget requests rejected by the rate limiter",
		},
	)

	// Transport metrics
	ConnectedAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydesk_connected_agents",
			Help: "Agent websockets currently connected",
		},
	)

	ConnectedCustomers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydesk_connected_customers",
			Help: "Customer websockets currently connected",
		},
	)
)
