// Package publisher emits final decision outcomes and risk violations to the
// messaging transport, idempotently and with bounded retries.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/messaging"
	"github.com/quantmesh/coordinator/internal/risk"
	"github.com/quantmesh/coordinator/pkg/metrics"
)

// Config configures the decision publisher.
type Config struct {
	// Source identifies this service in outbound message envelopes.
	Source string `mapstructure:"source"`
	// IdempotencyTTL bounds how long a correlation id suppresses
	// republication.
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	// IdempotencyCapacity bounds the idempotency cache size.
	IdempotencyCapacity int `mapstructure:"idempotency_capacity"`
	// RetryBase, RetryCap and MaxAttempts shape the publish backoff.
	RetryBase   time.Duration `mapstructure:"retry_base"`
	RetryCap    time.Duration `mapstructure:"retry_cap"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// DefaultConfig returns the publisher defaults.
func DefaultConfig() Config {
	return Config{
		Source:              "decision-coordinator",
		IdempotencyTTL:      time.Hour,
		IdempotencyCapacity: 16384,
		RetryBase:           1 * time.Second,
		RetryCap:            60 * time.Second,
		MaxAttempts:         5,
	}
}

// Publisher publishes outcomes downstream. Publishing the same correlation
// id twice emits exactly one decisions.meta message.
type Publisher struct {
	cfg         Config
	producer    messaging.Producer
	deadLetters DeadLetterStore
	cache       *idemCache
	logger      *zap.Logger
}

// New creates a publisher.
func New(cfg Config, producer messaging.Producer, deadLetters DeadLetterStore, logger *zap.Logger) *Publisher {
	def := DefaultConfig()
	if cfg.Source == "" {
		cfg.Source = def.Source
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if cfg.IdempotencyCapacity <= 0 {
		cfg.IdempotencyCapacity = def.IdempotencyCapacity
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = def.RetryCap
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}

	return &Publisher{
		cfg:         cfg,
		producer:    producer,
		deadLetters: deadLetters,
		cache:       newIdemCache(cfg.IdempotencyTTL, cfg.IdempotencyCapacity),
		logger:      logger,
	}
}

// Run sweeps the idempotency cache until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	interval := p.cfg.IdempotencyTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cache.Sweep()
		}
	}
}

// Publish emits an outcome: approved and resized decisions to
// decisions.meta, the violations batched to risk.violations. A replay of an
// already-published correlation id is suppressed; a correlation id that ends
// in the dead-letter store is forgotten again so a redelivery may retry.
func (p *Publisher) Publish(ctx context.Context, outcome risk.Outcome) error {
	correlationID := outcome.Decision.CorrelationID

	if !p.cache.PutIfAbsent(correlationID) {
		metrics.DuplicateOutcomes.Inc()
		p.logger.Info("Suppressed duplicate outcome publish",
			zap.String("correlation_id", correlationID))
		return nil
	}

	if outcome.Status != risk.StatusBlocked {
		msg := p.metaDecisionMessage(outcome)
		err := p.withRetry(ctx, messaging.TopicMetaDecisions, correlationID, func() error {
			return p.producer.Publish(ctx, messaging.TopicMetaDecisions, correlationID, msg)
		})
		if err != nil {
			return p.deadLetter(ctx, outcome, err)
		}
	}

	if len(outcome.Violations) > 0 {
		batch := make([]messaging.BatchMessage, 0, len(outcome.Violations))
		for _, violation := range outcome.Violations {
			batch = append(batch, messaging.BatchMessage{
				Key: correlationID,
				Message: messaging.RiskViolationMessage{
					BaseMessage:   messaging.NewBaseMessage(messaging.MsgRiskViolation, p.cfg.Source, correlationID),
					RuleName:      violation.RuleName,
					Severity:      string(violation.Severity),
					Threshold:     violation.Threshold,
					ObservedValue: violation.ObservedValue,
					ActionTaken:   string(violation.ActionTaken),
					Instrument:    outcome.Decision.Instrument,
				},
			})
		}
		err := p.withRetry(ctx, messaging.TopicRiskViolations, correlationID, func() error {
			return p.producer.PublishBatch(ctx, messaging.TopicRiskViolations, batch)
		})
		if err != nil {
			return p.deadLetter(ctx, outcome, err)
		}
	}

	metrics.DecisionsPublished.WithLabelValues(string(outcome.Status)).Inc()
	return nil
}

func (p *Publisher) metaDecisionMessage(outcome risk.Outcome) messaging.MetaDecisionMessage {
	decision := outcome.Decision
	return messaging.MetaDecisionMessage{
		BaseMessage:         messaging.NewBaseMessage(messaging.MsgMetaDecision, p.cfg.Source, decision.CorrelationID),
		Instrument:          decision.Instrument,
		Side:                string(decision.Side),
		Quantity:            decision.Quantity,
		OriginalQuantity:    outcome.OriginalQuantity,
		Resized:             outcome.Status == risk.StatusResized,
		VotingStrategyUsed:  decision.VotingStrategyUsed,
		ParticipatingAgents: decision.ParticipatingAgents,
		AggregateConfidence: decision.AggregateConfidence,
		DecidedAt:           decision.DecidedAt,
	}
}

// withRetry retries transient transport failures with exponential backoff:
// base*2^n capped, bounded attempts.
func (p *Publisher) withRetry(ctx context.Context, topic messaging.Topic, key string, publish func() error) error {
	backoff := p.cfg.RetryBase
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		lastErr = publish()
		if lastErr == nil {
			return nil
		}

		metrics.PublishRetries.Inc()
		p.logger.Warn("Publish attempt failed",
			zap.Error(lastErr),
			zap.String("topic", string(topic)),
			zap.String("key", key),
			zap.Int("attempt", attempt))

		if attempt == p.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.cfg.RetryCap {
			backoff = p.cfg.RetryCap
		}
	}

	return fmt.Errorf("publish to %s exhausted %d attempts: %w", topic, p.cfg.MaxAttempts, lastErr)
}

// deadLetter parks an undeliverable outcome so it is never silently lost. The
// correlation id is released from the idempotency cache: only the dead-letter
// store holds the outcome, so a redelivery must be allowed to try again.
func (p *Publisher) deadLetter(ctx context.Context, outcome risk.Outcome, cause error) error {
	p.cache.Remove(outcome.Decision.CorrelationID)

	payload, err := json.Marshal(p.metaDecisionMessage(outcome))
	if err != nil {
		payload = []byte(fmt.Sprintf("{\"marshal_error\":%q}", err))
	}

	letter := DeadLetter{
		ID:            uuid.New().String(),
		CorrelationID: outcome.Decision.CorrelationID,
		Status:        string(outcome.Status),
		Payload:       payload,
		Reason:        cause.Error(),
		FailedAt:      time.Now().UTC(),
	}

	metrics.DeadLetters.Inc()
	p.logger.Error("Outcome dead-lettered after publish retries",
		zap.String("correlation_id", letter.CorrelationID),
		zap.String("status", letter.Status),
		zap.Error(cause))

	if addErr := p.deadLetters.Add(ctx, letter); addErr != nil {
		p.logger.Error("Failed to store dead letter",
			zap.Error(addErr),
			zap.String("correlation_id", letter.CorrelationID))
	}
	return cause
}

// DeadLetters exposes the dead-letter store for the control plane.
func (p *Publisher) DeadLetters() DeadLetterStore { return p.deadLetters }
