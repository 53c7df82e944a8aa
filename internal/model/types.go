// Package model contains the core domain types shared by the coordination
// and risk packages.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a proposed trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known trade side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// OrderIntent is a single agent's proposed trade for one market event.
// Immutable once received; identified by (AgentID, CorrelationID).
type OrderIntent struct {
	CorrelationID string
	AgentID       string
	Instrument    string
	Side          Side
	Quantity      decimal.Decimal
	OrderType     string
	Confidence    decimal.Decimal
	RiskParams    *IntentRiskParams
	ReceivedAt    time.Time
}

// IntentRiskParams carries optional per-intent caps set by the agent.
type IntentRiskParams struct {
	MaxQuantity decimal.Decimal `json:"max_quantity"`
}

// CoordinatedDecision is the single voted-on trade surviving the consensus
// engine for one correlation id.
type CoordinatedDecision struct {
	CorrelationID       string
	Instrument          string
	Side                Side
	Quantity            decimal.Decimal
	VotingStrategyUsed  string
	ParticipatingAgents []string
	AggregateConfidence decimal.Decimal
	DecidedAt           time.Time
}

// SignedQuantity returns the decision quantity with the side's sign applied.
func (d CoordinatedDecision) SignedQuantity() decimal.Decimal {
	return d.Quantity.Mul(d.Side.Sign())
}

// Severity classifies a risk violation.
type Severity string

const (
	SeverityWarning   Severity = "warning"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

// ViolationAction describes what the risk engine did about a violation.
type ViolationAction string

const (
	ActionBlocked            ViolationAction = "blocked"
	ActionResized            ViolationAction = "resized"
	ActionAllowedWithWarning ViolationAction = "allowed_with_warning"
)

// RiskViolation records a blocked or down-sized decision.
type RiskViolation struct {
	CorrelationID string
	RuleName      string
	Severity      Severity
	Threshold     decimal.Decimal
	ObservedValue decimal.Decimal
	ActionTaken   ViolationAction
}

// Position is the running net exposure for one instrument. Owned exclusively
// by the position store; other components only ever see copies.
type Position struct {
	Instrument       string
	NetQuantity      decimal.Decimal
	AvgEntryPrice    decimal.Decimal
	MarkPrice        decimal.Decimal
	RealizedPnLToday decimal.Decimal
	TradingDay       int
	LastUpdated      time.Time
}

// Notional returns the absolute exposure of the position valued at the mark
// price, falling back to the average entry price before any mark is known.
func (p Position) Notional() decimal.Decimal {
	price := p.MarkPrice
	if price.IsZero() {
		price = p.AvgEntryPrice
	}
	return p.NetQuantity.Abs().Mul(price)
}

// ExposureBucket aggregates exposure across correlated instruments.
type ExposureBucket struct {
	BucketID          string
	MemberInstruments []string
	AggregateExposure decimal.Decimal
}

// KillSwitchState is a snapshot of the process-wide emergency flag.
type KillSwitchState struct {
	Engaged   bool      `json:"engaged"`
	Reason    string    `json:"reason,omitempty"`
	EngagedAt time.Time `json:"engaged_at,omitempty"`
	EngagedBy string    `json:"engaged_by,omitempty"`
}
