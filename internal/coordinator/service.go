// Package coordinator wires the decision pipeline: event adapter, voting
// engine, risk engine and publisher, with a single lifecycle.
package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/adapter"
	"github.com/quantmesh/coordinator/internal/messaging"
	"github.com/quantmesh/coordinator/internal/model"
	"github.com/quantmesh/coordinator/internal/publisher"
	"github.com/quantmesh/coordinator/internal/risk"
	"github.com/quantmesh/coordinator/internal/voting"
)

// Service runs the decision pipeline end to end. Each coordinated decision
// flows voting -> risk -> publish on the goroutine that closed its session,
// so decisions for one instrument are serialized by the position store, not
// by a global queue.
type Service struct {
	adapter   *adapter.Adapter
	votes     *voting.Engine
	riskEng   *risk.Engine
	publisher *publisher.Publisher
	consumer  messaging.Consumer
	producer  messaging.Producer
	logger    *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles the pipeline and installs the decision handler.
func New(
	adp *adapter.Adapter,
	votes *voting.Engine,
	riskEng *risk.Engine,
	pub *publisher.Publisher,
	consumer messaging.Consumer,
	producer messaging.Producer,
	logger *zap.Logger,
) *Service {
	s := &Service{
		adapter:   adp,
		votes:     votes,
		riskEng:   riskEng,
		publisher: pub,
		consumer:  consumer,
		producer:  producer,
		logger:    logger,
	}
	votes.SetHandler(s.handleDecision)
	return s
}

// Start begins consuming inbound topics and runs background maintenance.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.ctx, s.cancel = ctx, cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.publisher.Run(ctx)
	}()

	if err := s.adapter.Start(ctx); err != nil {
		s.cancel()
		return err
	}

	s.logger.Info("Decision coordinator started")
	return nil
}

// handleDecision gates a coordinated decision through risk and publishes the
// outcome. It runs on the service context so Stop cancels in-flight publish
// retries into the dead-letter store instead of leaving them hanging. Publish
// failures end there too, so the error is informational only.
func (s *Service) handleDecision(decision model.CoordinatedDecision) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	outcome := s.riskEng.Evaluate(ctx, decision)
	if err := s.publisher.Publish(ctx, outcome); err != nil {
		s.logger.Error("Failed to publish decision outcome",
			zap.Error(err),
			zap.String("correlation_id", decision.CorrelationID))
	}
}

// Stop drains the pipeline: stops accepting intents, cancels open voting
// sessions and closes the transport.
func (s *Service) Stop() {
	s.logger.Info("Stopping decision coordinator")

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.votes.Stop()

	if err := s.consumer.Close(); err != nil {
		s.logger.Error("Failed to close consumer", zap.Error(err))
	}
	if err := s.producer.Close(); err != nil {
		s.logger.Error("Failed to close producer", zap.Error(err))
	}

	s.wg.Wait()
	s.logger.Info("Decision coordinator stopped")
}
