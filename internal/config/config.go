// Package config loads and validates coordinator configuration from YAML
// files and COORDINATOR_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/quantmesh/coordinator/internal/messaging"
	"github.com/quantmesh/coordinator/internal/position"
	"github.com/quantmesh/coordinator/internal/publisher"
	"github.com/quantmesh/coordinator/internal/risk"
	"github.com/quantmesh/coordinator/internal/voting"
)

// ServerConfig configures the control-plane HTTP server.
type ServerConfig struct {
	Host                    string        `mapstructure:"host"`
	Port                    int           `mapstructure:"port" validate:"gte=1,lte=65535"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

// RedisConfig configures the optional redis-backed dead-letter store.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Config is the full coordinator configuration.
type Config struct {
	Environment string                `mapstructure:"environment"`
	Server      ServerConfig          `mapstructure:"server"`
	Logging     LoggingConfig         `mapstructure:"logging"`
	Redis       RedisConfig           `mapstructure:"redis"`
	Kafka       messaging.KafkaConfig `mapstructure:"kafka"`
	Voting      voting.Config         `mapstructure:"voting"`
	Position    position.Config       `mapstructure:"position"`
	Risk        risk.LimitsConfig     `mapstructure:"risk"`
	Publisher   publisher.Config      `mapstructure:"publisher"`
}

// Load reads configuration from the given path (optional) plus environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("COORDINATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "./config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.graceful_shutdown_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")

	kafka := messaging.DefaultKafkaConfig()
	v.SetDefault("kafka.brokers", kafka.Brokers)
	v.SetDefault("kafka.read_timeout", kafka.ReadTimeout)
	v.SetDefault("kafka.write_timeout", kafka.WriteTimeout)
	v.SetDefault("kafka.batch_size", kafka.BatchSize)
	v.SetDefault("kafka.batch_timeout", kafka.BatchTimeout)
	v.SetDefault("kafka.required_acks", kafka.RequiredAcks)
	v.SetDefault("kafka.compression", kafka.Compression)
	v.SetDefault("kafka.retry_max", kafka.RetryMax)
	v.SetDefault("kafka.max_message_bytes", kafka.MaxMessageBytes)
	v.SetDefault("kafka.consumer_group_prefix", kafka.ConsumerGroupPrefix)

	v.SetDefault("voting.window", "250ms")
	v.SetDefault("voting.strategy", string(voting.StrategyMajority))
	v.SetDefault("voting.roster_size", 0)
	v.SetDefault("voting.quantity_tolerance", "0.10")

	v.SetDefault("position.daily_boundary_hour", 0)
	v.SetDefault("position.timezone", "UTC")

	v.SetDefault("risk.max_daily_loss", "0")
	v.SetDefault("risk.default_position_cap", "0")
	v.SetDefault("risk.default_bucket_cap", "0")
	v.SetDefault("risk.velocity_limit", 0)
	v.SetDefault("risk.velocity_window", "1m")
	v.SetDefault("risk.concentration_pct", "0")

	pub := publisher.DefaultConfig()
	v.SetDefault("publisher.source", pub.Source)
	v.SetDefault("publisher.idempotency_ttl", pub.IdempotencyTTL)
	v.SetDefault("publisher.idempotency_capacity", pub.IdempotencyCapacity)
	v.SetDefault("publisher.retry_base", pub.RetryBase)
	v.SetDefault("publisher.retry_cap", pub.RetryCap)
	v.SetDefault("publisher.max_attempts", pub.MaxAttempts)
}

// decodeHooks extends viper's defaults with decimal decoding so thresholds
// can be written as strings or numbers in YAML without float round-trips.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalDecodeHook(),
	)
}

func decimalDecodeHook() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			return decimal.NewFromString(value)
		case float64:
			return decimal.NewFromFloat(value), nil
		case int:
			return decimal.NewFromInt(int64(value)), nil
		case int64:
			return decimal.NewFromInt(value), nil
		default:
			return data, nil
		}
	}
}

func validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if _, err := voting.ParseStrategy(string(cfg.Voting.Strategy)); err != nil {
		return err
	}
	if cfg.Voting.Window <= 0 {
		return fmt.Errorf("voting window must be positive, got %s", cfg.Voting.Window)
	}
	if cfg.Position.DailyBoundaryHour < 0 || cfg.Position.DailyBoundaryHour > 23 {
		return fmt.Errorf("daily boundary hour must be within [0,23], got %d", cfg.Position.DailyBoundaryHour)
	}
	one := decimal.NewFromInt(1)
	if cfg.Risk.ConcentrationPct.Sign() < 0 || cfg.Risk.ConcentrationPct.GreaterThan(one) {
		return fmt.Errorf("concentration limit must be within [0,1], got %s", cfg.Risk.ConcentrationPct)
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker is required")
	}
	return nil
}
