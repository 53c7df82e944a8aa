package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// IntentsReceived counts order intents accepted from the transport by agent.
var IntentsReceived = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coordinator_intents_received_total",
		Help: "Total number of order intents received from agents",
	},
	[]string{"agent"},
)

// IntentsDropped counts intents discarded before voting.
var IntentsDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coordinator_intents_dropped_total",
		Help: "Total number of order intents dropped before voting",
	},
	[]string{"reason"},
)

// Coordinations counts voting sessions that produced a decision.
var Coordinations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coordinator_coordinations_total",
		Help: "Total number of coordinated decisions produced by voting",
	},
	[]string{"strategy"},
)

// Abstentions counts voting sessions that closed without a decision.
var Abstentions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coordinator_abstentions_total",
		Help: "Total number of voting sessions that closed with no decision",
	},
	[]string{"reason"},
)

// OpenSessions tracks the number of voting sessions currently collecting.
var OpenSessions = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "coordinator_open_voting_sessions",
		Help: "Number of voting sessions currently collecting intents",
	},
)

// RiskViolations counts resized and blocked outcomes per rule.
var RiskViolations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coordinator_risk_violations_total",
		Help: "Total number of risk violations recorded",
	},
	[]string{"rule", "action"},
)

// KillSwitchEngaged is 1 while the emergency stop is active.
var KillSwitchEngaged = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "coordinator_kill_switch_engaged",
		Help: "Whether the emergency kill switch is currently engaged",
	},
)

// DecisionsPublished counts outcomes emitted downstream by final status.
var DecisionsPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coordinator_decisions_published_total",
		Help: "Total number of decision outcomes published downstream",
	},
	[]string{"status"},
)

// DuplicateOutcomes counts republished outcomes suppressed by idempotency.
var DuplicateOutcomes = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "coordinator_duplicate_outcomes_total",
		Help: "Total number of duplicate outcome publishes suppressed",
	},
)

// PublishRetries counts transport publish retry attempts.
var PublishRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "coordinator_publish_retries_total",
		Help: "Total number of publish retry attempts",
	},
)

// DeadLetters counts outcomes parked after retry exhaustion.
var DeadLetters = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "coordinator_dead_letters_total",
		Help: "Total number of outcomes dead-lettered after publish retries",
	},
)

func init() {
	prometheus.MustRegister(
		IntentsReceived, IntentsDropped,
		Coordinations, Abstentions, OpenSessions,
		RiskViolations, KillSwitchEngaged,
		DecisionsPublished, DuplicateOutcomes, PublishRetries, DeadLetters,
	)
}
