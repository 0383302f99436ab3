// Package metrics exposes the Prometheus collectors the login front-end
// updates as it accepts, authenticates, and hands off connections.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imap_login_connections_total",
			Help: "Total number of connections accepted.",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imap_login_connections_current",
			Help: "Current number of open connections.",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imap_login_connections_rejected_total",
			Help: "Connections rejected before a session was created.",
		},
		[]string{"reason"},
	)

	SessionsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imap_login_sessions_destroyed_total",
			Help: "Sessions torn down, labeled by reason.",
		},
		[]string{"reason"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imap_login_authentication_attempts_total",
			Help: "Authentication attempts, labeled by mechanism and result.",
		},
		[]string{"mechanism", "result"},
	)

	AuthBrokerCircuitState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imap_login_auth_broker_circuit_state",
			Help: "Auth broker circuit breaker state (0=closed, 1=half-open, 2=open).",
		},
	)

	BadCommandsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imap_login_bad_commands_total",
			Help: "Non-fatal protocol errors observed across all sessions.",
		},
	)

	TLSUpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imap_login_tls_upgrades_total",
			Help: "STARTTLS upgrade attempts, labeled by result.",
		},
		[]string{"result"},
	)

	BackendHandoffsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imap_login_backend_handoffs_total",
			Help: "Post-authentication backend handoff attempts, labeled by result.",
		},
		[]string{"result"},
	)

	RegistryEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imap_login_registry_evictions_total",
			Help: "Sessions evicted by the oldest-N batch eviction when the registry is full.",
		},
	)

	BackendBytesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imap_login_backend_bytes_relayed_total",
			Help: "Bytes relayed between client and backend after handoff, labeled by direction.",
		},
		[]string{"direction"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imap_login_command_duration_seconds",
			Help:    "Time spent handling a single command, labeled by command name.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)
