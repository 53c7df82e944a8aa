package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Rule names as they appear in violation records and limit overrides.
const (
	RuleEmergencyStop     = "emergency_stop"
	RuleInstrumentBlocked = "instrument_blocked"
	RuleDailyLoss         = "daily_loss_limit"
	RulePositionCap       = "position_cap"
	RuleBucketCap         = "exposure_bucket_cap"
	RuleVelocity          = "order_velocity"
	RuleConcentration     = "concentration"
	RuleInvariant         = "invariant_violation"
)

// LimitsConfig holds the configured risk thresholds.
type LimitsConfig struct {
	// MaxDailyLoss is the positive magnitude of the daily-loss kill-switch
	// threshold; a zero value disables the rule.
	MaxDailyLoss decimal.Decimal `mapstructure:"max_daily_loss"`
	// DefaultPositionCap bounds |net quantity| per instrument unless a
	// per-instrument cap is set.
	DefaultPositionCap decimal.Decimal            `mapstructure:"default_position_cap"`
	PositionCaps       map[string]decimal.Decimal `mapstructure:"position_caps"`
	// DefaultBucketCap bounds notional exposure per correlation bucket.
	DefaultBucketCap decimal.Decimal            `mapstructure:"default_bucket_cap"`
	BucketCaps       map[string]decimal.Decimal `mapstructure:"bucket_caps"`
	// VelocityLimit is the maximum number of approved decisions per
	// instrument inside VelocityWindow.
	VelocityLimit  int           `mapstructure:"velocity_limit"`
	VelocityWindow time.Duration `mapstructure:"velocity_window"`
	// ConcentrationPct bounds one instrument's share of total portfolio
	// notional (0..1); zero disables.
	ConcentrationPct decimal.Decimal `mapstructure:"concentration_pct"`
}

// PositionCapFor returns the cap applying to an instrument.
func (c LimitsConfig) PositionCapFor(instrument string) decimal.Decimal {
	if cap, ok := c.PositionCaps[instrument]; ok {
		return cap
	}
	return c.DefaultPositionCap
}

// BucketCapFor returns the cap applying to an exposure bucket.
func (c LimitsConfig) BucketCapFor(bucket string) decimal.Decimal {
	if cap, ok := c.BucketCaps[bucket]; ok {
		return cap
	}
	return c.DefaultBucketCap
}

// Limits is the shared, runtime-mutable limit set. The control plane writes
// through Override while the engine reads snapshots, so an override applies
// atomically to the next evaluation.
type Limits struct {
	mu  sync.RWMutex
	cfg LimitsConfig
}

// NewLimits wraps a configured limit set.
func NewLimits(cfg LimitsConfig) *Limits {
	return &Limits{cfg: cfg}
}

// Snapshot returns a copy of the current limits.
func (l *Limits) Snapshot() LimitsConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()

	cfg := l.cfg
	cfg.PositionCaps = copyCaps(l.cfg.PositionCaps)
	cfg.BucketCaps = copyCaps(l.cfg.BucketCaps)
	return cfg
}

func copyCaps(in map[string]decimal.Decimal) map[string]decimal.Decimal {
	if in == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Override replaces the named rule's threshold at runtime.
func (l *Limits) Override(rule string, value decimal.Decimal) (LimitsConfig, error) {
	if value.Sign() < 0 {
		return LimitsConfig{}, fmt.Errorf("risk: limit for %s must be non-negative, got %s", rule, value)
	}

	l.mu.Lock()
	switch rule {
	case RuleDailyLoss:
		l.cfg.MaxDailyLoss = value
	case RulePositionCap:
		l.cfg.DefaultPositionCap = value
	case RuleBucketCap:
		l.cfg.DefaultBucketCap = value
	case RuleVelocity:
		l.cfg.VelocityLimit = int(value.IntPart())
	case RuleConcentration:
		if value.GreaterThan(decimal.NewFromInt(1)) {
			l.mu.Unlock()
			return LimitsConfig{}, fmt.Errorf("risk: concentration limit must be within [0,1], got %s", value)
		}
		l.cfg.ConcentrationPct = value
	default:
		l.mu.Unlock()
		return LimitsConfig{}, fmt.Errorf("risk: unknown rule %q", rule)
	}
	l.mu.Unlock()

	return l.Snapshot(), nil
}
