package risk

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/model"
	"github.com/quantmesh/coordinator/internal/position"
)

func d(value string) decimal.Decimal {
	out, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return out
}

func decision(instrument string, side model.Side, qty string) model.CoordinatedDecision {
	return model.CoordinatedDecision{
		CorrelationID:       "evt-1",
		Instrument:          instrument,
		Side:                side,
		Quantity:            d(qty),
		VotingStrategyUsed:  "majority",
		ParticipatingAgents: []string{"alpha", "beta"},
		DecidedAt:           time.Now(),
	}
}

func newTestEngine(t *testing.T, cfg LimitsConfig, storeCfg position.Config) (*Engine, *position.Store) {
	t.Helper()
	store, err := position.NewStore(storeCfg, zap.NewNop())
	require.NoError(t, err)
	engine := NewEngine(store, NewLimits(cfg), NewKillSwitch(zap.NewNop()), zap.NewNop())
	return engine, store
}

func violationRules(out Outcome) []string {
	rules := make([]string, len(out.Violations))
	for i, v := range out.Violations {
		rules[i] = v.RuleName
	}
	return rules
}

func TestApproveWithinLimits(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{DefaultPositionCap: d("10000")}, position.Config{})

	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "100"))
	assert.Equal(t, StatusApproved, out.Status)
	assert.Empty(t, out.Violations)
	assert.True(t, out.Decision.Quantity.Equal(d("100")))

	pos, ok := store.Snapshot("BTC-USD")
	require.True(t, ok)
	assert.True(t, pos.NetQuantity.Equal(d("100")))
}

func TestBlockedInstrumentRejectsDecisions(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{}, position.Config{})

	engine.BlockInstrument("BTC-USD")
	assert.Equal(t, []string{"BTC-USD"}, engine.BlockedInstruments())

	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "100"))
	assert.Equal(t, StatusBlocked, out.Status)
	assert.Equal(t, []string{RuleInstrumentBlocked}, violationRules(out))
	assert.Equal(t, model.ActionBlocked, out.Violations[0].ActionTaken)
	_, ok := store.Snapshot("BTC-USD")
	assert.False(t, ok, "a blocked decision must not touch the position store")

	// The block is per-instrument, not global.
	out = engine.Evaluate(context.Background(), decision("ETH-USD", model.SideBuy, "100"))
	assert.Equal(t, StatusApproved, out.Status)

	require.True(t, engine.UnblockInstrument("BTC-USD"))
	assert.False(t, engine.UnblockInstrument("BTC-USD"))
	out = engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "100"))
	assert.Equal(t, StatusApproved, out.Status)
}

func TestPositionCapResizesToBoundary(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{DefaultPositionCap: d("10000")}, position.Config{})

	_, err := store.TryApply("BTC-USD", d("9500"), d("1"))
	require.NoError(t, err)

	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "1000"))
	assert.Equal(t, StatusResized, out.Status)
	assert.True(t, out.Decision.Quantity.Equal(d("500")),
		"cap 10000 with net 9500 leaves 500, got %s", out.Decision.Quantity)
	assert.True(t, out.OriginalQuantity.Equal(d("1000")))
	assert.Equal(t, []string{RulePositionCap}, violationRules(out))
	assert.Equal(t, model.ActionResized, out.Violations[0].ActionTaken)

	pos, _ := store.Snapshot("BTC-USD")
	assert.True(t, pos.NetQuantity.Equal(d("10000")))
}

func TestPositionCapBlocksWhenNoHeadroom(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{DefaultPositionCap: d("10000")}, position.Config{})

	_, err := store.TryApply("BTC-USD", d("10000"), d("1"))
	require.NoError(t, err)

	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "1"))
	assert.Equal(t, StatusBlocked, out.Status)
	assert.True(t, out.Decision.Quantity.IsZero())
	assert.Equal(t, []string{RulePositionCap}, violationRules(out))

	pos, _ := store.Snapshot("BTC-USD")
	assert.True(t, pos.NetQuantity.Equal(d("10000")), "blocked decision must not move the position")
}

func TestReducingDecisionPassesCap(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{DefaultPositionCap: d("10000")}, position.Config{})

	_, err := store.TryApply("BTC-USD", d("10000"), d("1"))
	require.NoError(t, err)

	// Selling off a maxed long reduces risk; the cap must not stop it.
	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideSell, "4000"))
	assert.Equal(t, StatusApproved, out.Status)

	pos, _ := store.Snapshot("BTC-USD")
	assert.True(t, pos.NetQuantity.Equal(d("6000")))
}

func TestPerInstrumentCapOverridesDefault(t *testing.T) {
	engine, _ := newTestEngine(t, LimitsConfig{
		DefaultPositionCap: d("10000"),
		PositionCaps:       map[string]decimal.Decimal{"BTC-USD": d("10")},
	}, position.Config{})

	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "100"))
	assert.Equal(t, StatusResized, out.Status)
	assert.True(t, out.Decision.Quantity.Equal(d("10")))
}

func TestKillSwitchBlocksEverything(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{}, position.Config{})

	engine.KillSwitch().Engage("manual stop", "ops")

	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "1"))
	assert.Equal(t, StatusBlocked, out.Status)
	assert.Equal(t, []string{RuleEmergencyStop}, violationRules(out))
	assert.Equal(t, model.SeverityEmergency, out.Violations[0].Severity)

	_, ok := store.Snapshot("BTC-USD")
	assert.False(t, ok, "a blocked decision must not create a position")

	engine.KillSwitch().Clear("ops")
	out = engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "1"))
	assert.Equal(t, StatusApproved, out.Status)
}

func TestDailyLossBreachEngagesKillSwitch(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{MaxDailyLoss: d("500")}, position.Config{})

	// Realize a 600 loss: buy 10 at 100, sell 10 at 40.
	_, err := store.TryApply("BTC-USD", d("10"), d("100"))
	require.NoError(t, err)
	_, err = store.TryApply("BTC-USD", d("-10"), d("40"))
	require.NoError(t, err)

	out := engine.Evaluate(context.Background(), decision("ETH-USD", model.SideBuy, "1"))
	assert.Equal(t, StatusBlocked, out.Status)
	assert.Equal(t, []string{RuleDailyLoss}, violationRules(out))
	assert.True(t, engine.KillSwitch().Engaged(), "breach must engage the kill switch")
	assert.Equal(t, "risk-engine", engine.KillSwitch().State().EngagedBy)

	// Still blocked until an operator clears it, even on other instruments.
	out = engine.Evaluate(context.Background(), decision("SOL-USD", model.SideBuy, "1"))
	assert.Equal(t, StatusBlocked, out.Status)
	assert.Equal(t, []string{RuleEmergencyStop}, violationRules(out))
}

func TestVelocityLimitBlocksBurst(t *testing.T) {
	engine, _ := newTestEngine(t, LimitsConfig{
		VelocityLimit:  3,
		VelocityWindow: time.Minute,
	}, position.Config{})

	for i := 0; i < 3; i++ {
		out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "1"))
		require.Equal(t, StatusApproved, out.Status, "decision %d should pass", i)
	}

	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "1"))
	assert.Equal(t, StatusBlocked, out.Status)
	assert.Equal(t, []string{RuleVelocity}, violationRules(out))

	// Another instrument has its own counter.
	out = engine.Evaluate(context.Background(), decision("ETH-USD", model.SideBuy, "1"))
	assert.Equal(t, StatusApproved, out.Status)
}

func TestVelocityWindowSlides(t *testing.T) {
	engine, _ := newTestEngine(t, LimitsConfig{
		VelocityLimit:  1,
		VelocityWindow: time.Minute,
	}, position.Config{})

	current := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	engine.SetClock(func() time.Time { return current })

	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "1"))
	require.Equal(t, StatusApproved, out.Status)

	out = engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "1"))
	require.Equal(t, StatusBlocked, out.Status)

	current = current.Add(2 * time.Minute)
	out = engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "1"))
	assert.Equal(t, StatusApproved, out.Status)
}

func TestBucketCapResizesAcrossInstruments(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{
		BucketCaps: map[string]decimal.Decimal{"majors": d("1000")},
	}, position.Config{
		Buckets: map[string][]string{"majors": {"BTC-USD", "ETH-USD"}},
	})

	_, err := store.TryApply("ETH-USD", d("80"), d("10"))
	require.NoError(t, err)

	// BTC marks at 10; 800 of the 1000 bucket is used, so only 20 units fit.
	require.NoError(t, store.SetMarkPrice("BTC-USD", d("10")))
	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "100"))
	assert.Equal(t, StatusResized, out.Status)
	assert.True(t, out.Decision.Quantity.Equal(d("20")), "got %s", out.Decision.Quantity)
	assert.Equal(t, []string{RuleBucketCap}, violationRules(out))
}

func TestBucketCapBlocksWhenFull(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{
		BucketCaps: map[string]decimal.Decimal{"majors": d("1000")},
	}, position.Config{
		Buckets: map[string][]string{"majors": {"BTC-USD", "ETH-USD"}},
	})

	_, err := store.TryApply("ETH-USD", d("100"), d("10"))
	require.NoError(t, err)

	require.NoError(t, store.SetMarkPrice("BTC-USD", d("10")))
	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "5"))
	assert.Equal(t, StatusBlocked, out.Status)
	assert.Equal(t, []string{RuleBucketCap}, violationRules(out))
}

func TestConcentrationLimitResizes(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{ConcentrationPct: d("0.5")}, position.Config{})

	_, err := store.TryApply("ETH-USD", d("100"), d("10"))
	require.NoError(t, err)

	// Rest of portfolio is 1000 notional; at 50% the new instrument may reach
	// at most 1000 notional, i.e. 100 units at price 10.
	require.NoError(t, store.SetMarkPrice("BTC-USD", d("10")))
	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "500"))
	assert.Equal(t, StatusResized, out.Status)
	assert.True(t, out.Decision.Quantity.Equal(d("100")), "got %s", out.Decision.Quantity)
	assert.Equal(t, []string{RuleConcentration}, violationRules(out))
}

func TestConcentrationSkippedOnEmptyPortfolio(t *testing.T) {
	engine, _ := newTestEngine(t, LimitsConfig{ConcentrationPct: d("0.5")}, position.Config{})

	// First position is always 100% of the book; the rule must not wedge an
	// empty portfolio.
	out := engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "10"))
	assert.Equal(t, StatusApproved, out.Status)
	assert.Empty(t, out.Violations)
}

func TestSameInstrumentDecisionsSerialized(t *testing.T) {
	engine, store := newTestEngine(t, LimitsConfig{DefaultPositionCap: d("100")}, position.Config{})

	done := make(chan Outcome, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "80"))
		}()
	}
	first, second := <-done, <-done

	statuses := map[Status]int{first.Status: 1}
	statuses[second.Status]++
	assert.Equal(t, 1, statuses[StatusApproved], "exactly one decision fits fully")
	assert.Equal(t, 1, statuses[StatusResized], "the other is cut to the remaining 20")

	pos, _ := store.Snapshot("BTC-USD")
	assert.True(t, pos.NetQuantity.Equal(d("100")), "net must land exactly on the cap, got %s", pos.NetQuantity)
}

func TestRecentViolationsRetained(t *testing.T) {
	engine, _ := newTestEngine(t, LimitsConfig{DefaultPositionCap: d("1")}, position.Config{})

	for i := 0; i < 3; i++ {
		engine.Evaluate(context.Background(), decision("BTC-USD", model.SideBuy, "5"))
	}

	violations := engine.RecentViolations(10)
	require.NotEmpty(t, violations)
	assert.Equal(t, RulePositionCap, violations[0].RuleName)

	limited := engine.RecentViolations(1)
	assert.Len(t, limited, 1)
}

func TestLimitOverrides(t *testing.T) {
	limits := NewLimits(LimitsConfig{DefaultPositionCap: d("10")})

	cfg, err := limits.Override(RulePositionCap, d("50"))
	require.NoError(t, err)
	assert.True(t, cfg.DefaultPositionCap.Equal(d("50")))

	_, err = limits.Override(RuleConcentration, d("1.5"))
	assert.Error(t, err)

	_, err = limits.Override("made_up_rule", d("1"))
	assert.Error(t, err)

	_, err = limits.Override(RuleDailyLoss, d("-5"))
	assert.Error(t, err)
}
