package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig contains configuration for Kafka connection
type KafkaConfig struct {
	Brokers             []string      `json:"brokers" mapstructure:"brokers"`
	ReadTimeout         time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	BatchSize           int           `json:"batch_size" mapstructure:"batch_size"`
	BatchTimeout        time.Duration `json:"batch_timeout" mapstructure:"batch_timeout"`
	RequiredAcks        int           `json:"required_acks" mapstructure:"required_acks"`
	Compression         string        `json:"compression" mapstructure:"compression"`
	RetryMax            int           `json:"retry_max" mapstructure:"retry_max"`
	MaxMessageBytes     int           `json:"max_message_bytes" mapstructure:"max_message_bytes"`
	ConsumerGroupPrefix string        `json:"consumer_group_prefix" mapstructure:"consumer_group_prefix"`
}

// DefaultKafkaConfig returns defaults tuned for low-latency decision traffic.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:             []string{"localhost:9092"},
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        1 * time.Second,
		BatchSize:           100,
		BatchTimeout:        5 * time.Millisecond,
		RequiredAcks:        1,
		Compression:         "snappy",
		RetryMax:            3,
		MaxMessageBytes:     1048576, // 1MB
		ConsumerGroupPrefix: "coordinator",
	}
}

// Producer interface defines message publishing operations
type Producer interface {
	Publish(ctx context.Context, topic Topic, key string, message interface{}) error
	PublishBatch(ctx context.Context, topic Topic, messages []BatchMessage) error
	Close() error
}

// Consumer interface defines message consumption operations
type Consumer interface {
	Subscribe(ctx context.Context, topic Topic, groupSuffix string, handler MessageHandler) error
	Close() error
}

// MessageHandler defines the callback function for processing messages
type MessageHandler func(ctx context.Context, msg *ReceivedMessage) error

// ReceivedMessage represents a received message with metadata
type ReceivedMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Headers   map[string][]byte
	Offset    int64
	Partition int
	Timestamp time.Time
}

// BatchMessage represents a message in a batch operation
type BatchMessage struct {
	Key     string
	Message interface{}
}

// KafkaProducer implements Producer interface
type KafkaProducer struct {
	config  *KafkaConfig
	writers map[Topic]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewKafkaProducer creates a new Kafka producer. Writes are synchronous so
// that the decision publisher sees transport failures and can retry or
// dead-letter; async buffering would swallow them.
func NewKafkaProducer(config *KafkaConfig, logger *zap.Logger) (*KafkaProducer, error) {
	if config == nil {
		config = DefaultKafkaConfig()
	}

	return &KafkaProducer{
		config:  config,
		writers: make(map[Topic]*kafka.Writer),
		logger:  logger,
	}, nil
}

// getWriter returns or creates a writer for the specified topic
func (p *KafkaProducer) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	writer, exists := p.writers[topic]
	p.mu.RUnlock()

	if exists {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check pattern
	if writer, exists := p.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.config.Brokers...),
		Topic:        string(topic),
		Balancer:     &kafka.CRC32Balancer{}, // keeps one correlation id on one partition
		BatchSize:    p.config.BatchSize,
		BatchTimeout: p.config.BatchTimeout,
		ReadTimeout:  p.config.ReadTimeout,
		WriteTimeout: p.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:  p.config.RetryMax,
		BatchBytes:   int64(p.config.MaxMessageBytes),
	}

	switch p.config.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "snappy":
		writer.Compression = kafka.Snappy
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	default:
		writer.Compression = kafka.Snappy
	}

	p.writers[topic] = writer
	return writer
}

// Publish publishes a single message to the specified topic
func (p *KafkaProducer) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	writer := p.getWriter(topic)
	return writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
}

// PublishBatch publishes multiple messages in a single batch
func (p *KafkaProducer) PublishBatch(ctx context.Context, topic Topic, messages []BatchMessage) error {
	if len(messages) == 0 {
		return nil
	}

	kafkaMessages := make([]kafka.Message, len(messages))
	for i, msg := range messages {
		data, err := json.Marshal(msg.Message)
		if err != nil {
			return fmt.Errorf("failed to marshal message %d: %w", i, err)
		}

		kafkaMessages[i] = kafka.Message{
			Key:   []byte(msg.Key),
			Value: data,
			Time:  time.Now(),
		}
	}

	writer := p.getWriter(topic)
	return writer.WriteMessages(ctx, kafkaMessages...)
}

// Close closes the producer and all its writers
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for _, writer := range p.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
			p.logger.Error("Failed to close writer", zap.Error(err))
		}
	}

	return lastErr
}

// KafkaConsumer implements Consumer interface
type KafkaConsumer struct {
	config  *KafkaConfig
	readers map[string]*kafka.Reader
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewKafkaConsumer creates a new Kafka consumer
func NewKafkaConsumer(config *KafkaConfig, logger *zap.Logger) (*KafkaConsumer, error) {
	if config == nil {
		config = DefaultKafkaConfig()
	}

	return &KafkaConsumer{
		config:  config,
		readers: make(map[string]*kafka.Reader),
		logger:  logger,
	}, nil
}

// Subscribe consumes one topic with the configured consumer group and feeds
// each message to handler. Handler errors are logged, the offset is still
// committed: inbound intents are fire-and-forget and a poison message must
// not wedge the partition.
func (c *KafkaConsumer) Subscribe(ctx context.Context, topic Topic, groupSuffix string, handler MessageHandler) error {
	groupID := fmt.Sprintf("%s-%s", c.config.ConsumerGroupPrefix, groupSuffix)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.config.Brokers,
		Topic:    string(topic),
		GroupID:  groupID,
		MaxBytes: c.config.MaxMessageBytes,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			c.logger.Error(fmt.Sprintf(msg, args...))
		}),
	})

	c.mu.Lock()
	c.readers[groupID] = reader
	c.mu.Unlock()

	go func() {
		defer reader.Close()

		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				c.logger.Error("Failed to read message", zap.Error(err), zap.String("topic", string(topic)))
				continue
			}

			receivedMsg := &ReceivedMessage{
				Topic:     msg.Topic,
				Key:       string(msg.Key),
				Value:     msg.Value,
				Headers:   make(map[string][]byte),
				Offset:    msg.Offset,
				Partition: msg.Partition,
				Timestamp: msg.Time,
			}
			for _, header := range msg.Headers {
				receivedMsg.Headers[header.Key] = header.Value
			}

			if err := handler(ctx, receivedMsg); err != nil {
				c.logger.Error("Message handler failed",
					zap.Error(err),
					zap.String("topic", msg.Topic),
					zap.Int64("offset", msg.Offset))
			}
		}
	}()

	return nil
}

// Close closes all consumer readers
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for groupID, reader := range c.readers {
		if err := reader.Close(); err != nil {
			lastErr = err
			c.logger.Error("Failed to close reader", zap.Error(err), zap.String("group", groupID))
		}
	}

	return lastErr
}
