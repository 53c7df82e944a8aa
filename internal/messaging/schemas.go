package messaging

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MessageType defines the type of message being sent
type MessageType string

const (
	// Inbound events
	MsgOrderIntent      MessageType = "decision.order_intent"
	MsgSignalNormalized MessageType = "signal.normalized"

	// Outbound events
	MsgMetaDecision  MessageType = "decision.meta"
	MsgRiskViolation MessageType = "risk.violation"
	MsgAuditEvent    MessageType = "ops.audit"
)

// Topic defines Kafka topics for different message types
type Topic string

const (
	TopicOrderIntents   Topic = "decisions.order-intents"
	TopicSignals        Topic = "signals.normalized"
	TopicMetaDecisions  Topic = "decisions.meta"
	TopicRiskViolations Topic = "risk.violations"
	TopicAudit          Topic = "ops.audit"
)

// BaseMessage contains common fields for all messages
type BaseMessage struct {
	MessageID     string      `json:"message_id"`
	Type          MessageType `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	Version       string      `json:"version"`
	Source        string      `json:"source"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// OrderIntentMessage is a strategy agent's proposed trade as received on the
// wire. At-least-once delivery; duplicates for the same (agent_id,
// correlation_id) are resolved latest-wins by the consumer.
type OrderIntentMessage struct {
	BaseMessage
	AgentID    string                   `json:"agent_id" validate:"required"`
	Instrument string                   `json:"instrument" validate:"required"`
	Side       string                   `json:"side" validate:"required,oneof=buy sell"`
	Quantity   decimal.Decimal          `json:"quantity"`
	OrderType  string                   `json:"order_type"`
	Confidence float64                  `json:"confidence" validate:"gte=0,lte=1"`
	RiskParams *IntentRiskParamsMessage `json:"risk_params,omitempty"`
}

// IntentRiskParamsMessage carries optional per-intent caps.
type IntentRiskParamsMessage struct {
	MaxQuantity decimal.Decimal `json:"max_quantity"`
}

// SignalMessage is a normalized market signal; the coordinator only consumes
// the reference price for exposure valuation.
type SignalMessage struct {
	BaseMessage
	Instrument string          `json:"instrument" validate:"required"`
	Price      decimal.Decimal `json:"price"`
	SignalType string          `json:"signal_type,omitempty"`
}

// MetaDecisionMessage is the coordinated, risk-approved decision published
// for the execution engine.
type MetaDecisionMessage struct {
	BaseMessage
	Instrument          string          `json:"instrument"`
	Side                string          `json:"side"`
	Quantity            decimal.Decimal `json:"quantity"`
	OriginalQuantity    decimal.Decimal `json:"original_quantity"`
	Resized             bool            `json:"resized"`
	VotingStrategyUsed  string          `json:"voting_strategy_used"`
	ParticipatingAgents []string        `json:"participating_agents"`
	AggregateConfidence decimal.Decimal `json:"aggregate_confidence"`
	DecidedAt           time.Time       `json:"decided_at"`
}

// RiskViolationMessage records a blocked or down-sized decision.
type RiskViolationMessage struct {
	BaseMessage
	RuleName      string          `json:"rule_name"`
	Severity      string          `json:"severity"`
	Threshold     decimal.Decimal `json:"threshold"`
	ObservedValue decimal.Decimal `json:"observed_value"`
	ActionTaken   string          `json:"action_taken"`
	Instrument    string          `json:"instrument,omitempty"`
}

// AuditEventMessage records a control-plane mutation with operator identity.
type AuditEventMessage struct {
	BaseMessage
	Operator string                 `json:"operator"`
	Action   string                 `json:"action"`
	Target   string                 `json:"target,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// NewBaseMessage creates a new base message with common fields
func NewBaseMessage(msgType MessageType, source string, correlationID string) BaseMessage {
	return BaseMessage{
		MessageID:     uuid.New().String(),
		Type:          msgType,
		Timestamp:     time.Now().UTC(),
		Version:       "1.0",
		Source:        source,
		CorrelationID: correlationID,
	}
}
