// Package metrics exposes Prometheus instrumentation for the EventSub
// session, credential lifecycle, and overlay hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EventSub session metrics
var (
	// SessionState tracks the current session state
	// (0=disconnected, 1=connecting, 2=established, 3=closing, 4=reconnect pending).
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventsub_session_state",
			Help: "Current EventSub session state (0=disconnected, 1=connecting, 2=established, 3=closing, 4=reconnect pending)",
		},
	)

	// MessagesTotal tracks received EventSub frames by message kind.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_messages_total",
			Help: "Total EventSub messages received by kind",
		},
		[]string{"kind"},
	)

	// ReconnectsTotal tracks scheduled reconnect attempts.
	ReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventsub_reconnects_total",
			Help: "Total EventSub reconnect attempts scheduled",
		},
	)

	// SubscriptionsTotal tracks subscription-creation calls by status.
	SubscriptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventsub_subscriptions_total",
			Help: "Total EventSub subscription creations by status",
		},
		[]string{"status"},
	)
)

// Credential metrics
var (
	// TokenRefreshesTotal tracks refresh attempts by outcome
	// (success, revoked, transient).
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_token_refreshes_total",
			Help: "Total credential refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	// TokenValidationsTotal tracks introspection calls by outcome.
	TokenValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_token_validations_total",
			Help: "Total credential introspection calls by outcome",
		},
		[]string{"outcome"},
	)
)

// Overlay hub metrics
var (
	// HubClients tracks currently connected overlay clients.
	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connected_clients",
			Help: "Number of connected overlay WebSocket clients",
		},
	)

	// HubSlowClientsEvicted tracks clients dropped due to full send buffers.
	HubSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_clients_evicted_total",
			Help: "Total overlay clients evicted due to full send buffer",
		},
	)
)

// Domain metrics
var (
	// ParticipantsRegisteredTotal tracks accepted race registrations.
	ParticipantsRegisteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "race_participants_registered_total",
			Help: "Total race participants registered",
		},
	)

	// BetsPlacedTotal tracks accepted bets.
	BetsPlacedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "betting_bets_placed_total",
			Help: "Total bets placed",
		},
	)
)
