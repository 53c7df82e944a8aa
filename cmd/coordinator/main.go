// Decision coordinator entrypoint. Wires the transport, the decision
// pipeline and the control plane, then runs until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/adapter"
	"github.com/quantmesh/coordinator/internal/config"
	"github.com/quantmesh/coordinator/internal/controlplane"
	"github.com/quantmesh/coordinator/internal/coordinator"
	"github.com/quantmesh/coordinator/internal/messaging"
	"github.com/quantmesh/coordinator/internal/position"
	"github.com/quantmesh/coordinator/internal/publisher"
	"github.com/quantmesh/coordinator/internal/risk"
	"github.com/quantmesh/coordinator/internal/voting"
	"github.com/quantmesh/coordinator/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("Starting decision coordinator",
		zap.String("environment", cfg.Environment),
		zap.String("voting_strategy", string(cfg.Voting.Strategy)),
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers))

	producer, err := messaging.NewKafkaProducer(&cfg.Kafka, log)
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	consumer, err := messaging.NewKafkaConsumer(&cfg.Kafka, log)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	store, err := position.NewStore(cfg.Position, log)
	if err != nil {
		return fmt.Errorf("failed to create position store: %w", err)
	}

	registry := controlplane.NewStrategyRegistry()
	votes := voting.NewEngine(cfg.Voting, registry, log)
	riskEngine := risk.NewEngine(store, risk.NewLimits(cfg.Risk), risk.NewKillSwitch(log), log)

	deadLetters := deadLetterStore(cfg, log)
	pub := publisher.New(cfg.Publisher, producer, deadLetters, log)

	adp := adapter.New(consumer, votes, store, log)
	service := coordinator.New(adp, votes, riskEngine, pub, consumer, producer, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}

	cp := controlplane.NewServer(log, registry, riskEngine, store, votes, deadLetters, producer)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: cp.Router(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Control plane listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serverErr:
		log.Error("Control plane server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Control plane shutdown failed", zap.Error(err))
	}

	service.Stop()
	return nil
}

// deadLetterStore picks the redis-backed store when redis is configured,
// otherwise an in-memory one.
func deadLetterStore(cfg *config.Config, log *zap.Logger) publisher.DeadLetterStore {
	if !cfg.Redis.Enabled {
		return publisher.NewMemoryDeadLetters()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log.Info("Using redis dead-letter store", zap.String("addr", cfg.Redis.Address))
	return publisher.NewRedisDeadLetters(client)
}
