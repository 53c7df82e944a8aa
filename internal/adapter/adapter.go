// Package adapter deserializes and validates inbound transport messages and
// converts them to typed domain events for the voting engine and the
// position store.
package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/messaging"
	"github.com/quantmesh/coordinator/internal/model"
	"github.com/quantmesh/coordinator/internal/position"
	"github.com/quantmesh/coordinator/internal/voting"
	"github.com/quantmesh/coordinator/pkg/metrics"
)

// Adapter consumes order intents and normalized signals. Malformed input is
// dropped with a log entry and a counter; it never crashes the process or
// wedges the partition.
type Adapter struct {
	consumer messaging.Consumer
	engine   *voting.Engine
	store    *position.Store
	validate *validator.Validate
	logger   *zap.Logger
}

// New creates an event adapter.
func New(consumer messaging.Consumer, engine *voting.Engine, store *position.Store, logger *zap.Logger) *Adapter {
	return &Adapter{
		consumer: consumer,
		engine:   engine,
		store:    store,
		validate: validator.New(),
		logger:   logger,
	}
}

// Start subscribes the adapter to its inbound topics.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.consumer.Subscribe(ctx, messaging.TopicOrderIntents, "intents", a.handleIntent); err != nil {
		return err
	}
	return a.consumer.Subscribe(ctx, messaging.TopicSignals, "signals", a.handleSignal)
}

// handleIntent decodes one order-intent message and submits it to the
// voting engine. Delivery is at-least-once; the engine resolves duplicates
// per (agent_id, correlation_id) latest-wins.
func (a *Adapter) handleIntent(_ context.Context, msg *messaging.ReceivedMessage) error {
	var wire messaging.OrderIntentMessage
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		a.drop("unparseable", msg, err)
		return nil
	}
	if err := a.validate.Struct(wire); err != nil {
		a.drop("invalid_fields", msg, err)
		return nil
	}
	if wire.CorrelationID == "" {
		a.drop("missing_correlation_id", msg, nil)
		return nil
	}
	if wire.Quantity.Sign() <= 0 {
		a.drop("non_positive_quantity", msg, nil)
		return nil
	}

	intent := model.OrderIntent{
		CorrelationID: wire.CorrelationID,
		AgentID:       wire.AgentID,
		Instrument:    wire.Instrument,
		Side:          model.Side(wire.Side),
		Quantity:      wire.Quantity,
		OrderType:     wire.OrderType,
		Confidence:    decimal.NewFromFloat(wire.Confidence),
		ReceivedAt:    receivedAt(wire.Timestamp, msg.Timestamp),
	}
	if wire.RiskParams != nil {
		intent.RiskParams = &model.IntentRiskParams{MaxQuantity: wire.RiskParams.MaxQuantity}
	}

	metrics.IntentsReceived.WithLabelValues(intent.AgentID).Inc()
	a.logger.Debug("Order intent received",
		zap.String("correlation_id", intent.CorrelationID),
		zap.String("agent_id", intent.AgentID),
		zap.String("instrument", intent.Instrument),
		zap.String("side", string(intent.Side)))

	a.engine.Submit(intent)
	return nil
}

// handleSignal decodes one normalized signal; the coordinator only keeps
// the reference price, which values notional exposure in risk checks.
func (a *Adapter) handleSignal(_ context.Context, msg *messaging.ReceivedMessage) error {
	var wire messaging.SignalMessage
	if err := json.Unmarshal(msg.Value, &wire); err != nil {
		a.drop("unparseable", msg, err)
		return nil
	}
	if err := a.validate.Struct(wire); err != nil {
		a.drop("invalid_fields", msg, err)
		return nil
	}
	if wire.Price.Sign() <= 0 {
		a.drop("non_positive_price", msg, nil)
		return nil
	}

	if err := a.store.SetMarkPrice(wire.Instrument, wire.Price); err != nil {
		// A halted instrument refuses updates; that is an operator
		// problem, not a transport one.
		a.logger.Warn("Failed to record mark price",
			zap.Error(err),
			zap.String("instrument", wire.Instrument))
	}
	return nil
}

func (a *Adapter) drop(reason string, msg *messaging.ReceivedMessage, err error) {
	metrics.IntentsDropped.WithLabelValues(reason).Inc()
	a.logger.Warn("Dropped inbound message",
		zap.String("reason", reason),
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(err))
}

func receivedAt(wireTime, transportTime time.Time) time.Time {
	if !wireTime.IsZero() {
		return wireTime
	}
	if !transportTime.IsZero() {
		return transportTime
	}
	return time.Now().UTC()
}
