package voting

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/model"
)

type decisionRecorder struct {
	mu        sync.Mutex
	decisions []model.CoordinatedDecision
	notify    chan struct{}
}

func newDecisionRecorder() *decisionRecorder {
	return &decisionRecorder{notify: make(chan struct{}, 16)}
}

func (r *decisionRecorder) handle(d model.CoordinatedDecision) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *decisionRecorder) all() []model.CoordinatedDecision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CoordinatedDecision(nil), r.decisions...)
}

func (r *decisionRecorder) waitOne(t *testing.T) model.CoordinatedDecision {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a decision")
	}
	decisions := r.all()
	require.NotEmpty(t, decisions)
	return decisions[len(decisions)-1]
}

type pausedSet map[string]bool

func (p pausedSet) IsPaused(agentID string) bool { return p[agentID] }

func newTestEngine(t *testing.T, cfg Config, paused PauseChecker) (*Engine, *decisionRecorder) {
	t.Helper()
	engine := NewEngine(cfg, paused, zap.NewNop())
	recorder := newDecisionRecorder()
	engine.SetHandler(recorder.handle)
	t.Cleanup(engine.Stop)
	return engine, recorder
}

func TestSessionDecidesAtDeadline(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:   20 * time.Millisecond,
		Strategy: StrategyMajority,
	}, nil)

	engine.Submit(intent("alpha", model.SideBuy, 100, 0.8))
	engine.Submit(intent("beta", model.SideBuy, 120, 0.6))

	decision := recorder.waitOne(t)
	assert.Equal(t, "evt-1", decision.CorrelationID)
	assert.Equal(t, model.SideBuy, decision.Side)
	assert.True(t, decision.Quantity.Equal(decimal.NewFromInt(110)))
	assert.Equal(t, 0, engine.OpenSessions())
}

func TestLoneIntentSessionIsReclaimed(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:   10 * time.Millisecond,
		Strategy: StrategyMajority,
	}, nil)

	engine.Submit(intent("alpha", model.SideBuy, 100, 0.8))
	require.Equal(t, 1, engine.OpenSessions())

	decision := recorder.waitOne(t)
	assert.Equal(t, []string{"alpha"}, decision.ParticipatingAgents)
	assert.Equal(t, 0, engine.OpenSessions())
}

func TestDuplicateAgentIntentReplacesPrior(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:   30 * time.Millisecond,
		Strategy: StrategyUnanimous,
	}, nil)

	first := intent("alpha", model.SideBuy, 100, 0.8)
	second := intent("alpha", model.SideBuy, 250, 0.9)
	engine.Submit(first)
	engine.Submit(second)

	decision := recorder.waitOne(t)
	assert.Equal(t, []string{"alpha"}, decision.ParticipatingAgents)
	assert.True(t, decision.Quantity.Equal(decimal.NewFromInt(250)),
		"latest intent from the same agent should win, got %s", decision.Quantity)
}

func TestLateIntentIsDroppedNotMerged(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:   10 * time.Millisecond,
		Strategy: StrategyMajority,
	}, nil)

	engine.Submit(intent("alpha", model.SideBuy, 100, 0.8))
	recorder.waitOne(t)

	// The session is closed; a straggler must not reopen it.
	engine.Submit(intent("beta", model.SideBuy, 500, 0.9))
	time.Sleep(30 * time.Millisecond)

	decisions := recorder.all()
	require.Len(t, decisions, 1)
	assert.Equal(t, []string{"alpha"}, decisions[0].ParticipatingAgents)
}

func TestEarlyExitOnFullAgreement(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:     10 * time.Second,
		Strategy:   StrategyMajority,
		RosterSize: 3,
	}, nil)

	engine.Submit(intent("alpha", model.SideBuy, 100, 0.8))
	engine.Submit(intent("beta", model.SideBuy, 105, 0.7))
	engine.Submit(intent("gamma", model.SideBuy, 102, 0.9))

	// The window is far away; only early exit can produce this decision.
	decision := recorder.waitOne(t)
	assert.Equal(t, model.SideBuy, decision.Side)
	assert.Len(t, decision.ParticipatingAgents, 3)
	assert.Equal(t, 0, engine.OpenSessions())
}

func TestEarlyExitWithPausedRosterMember(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:     10 * time.Second,
		Strategy:   StrategyMajority,
		RosterSize: 3,
	}, pausedSet{"gamma": true})

	engine.Submit(intent("gamma", model.SideSell, 500, 0.9))
	engine.Submit(intent("alpha", model.SideBuy, 100, 0.8))
	engine.Submit(intent("beta", model.SideBuy, 105, 0.7))

	// gamma is paused, so the two remaining agents form the full quorum and
	// the session must not wait out the long window.
	decision := recorder.waitOne(t)
	assert.Equal(t, model.SideBuy, decision.Side)
	assert.Equal(t, []string{"alpha", "beta"}, decision.ParticipatingAgents)
	assert.Equal(t, 0, engine.OpenSessions())
}

func TestNoEarlyExitOnWideQuantitySpread(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:     50 * time.Millisecond,
		Strategy:   StrategyMajority,
		RosterSize: 2,
	}, nil)

	engine.Submit(intent("alpha", model.SideBuy, 100, 0.8))
	engine.Submit(intent("beta", model.SideBuy, 200, 0.7))

	// Quantities disagree by 2x, so the session must wait out the window.
	assert.Equal(t, 1, engine.OpenSessions())
	recorder.waitOne(t)
}

func TestPausedAgentExcludedFromTally(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:   20 * time.Millisecond,
		Strategy: StrategyMajority,
	}, pausedSet{"gamma": true})

	engine.Submit(intent("alpha", model.SideBuy, 100, 0.8))
	engine.Submit(intent("beta", model.SideBuy, 120, 0.6))
	engine.Submit(intent("gamma", model.SideSell, 500, 0.9))

	decision := recorder.waitOne(t)
	assert.Equal(t, model.SideBuy, decision.Side)
	assert.Equal(t, []string{"alpha", "beta"}, decision.ParticipatingAgents)
}

func TestStrategySwitchAppliesToNextDecision(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:   20 * time.Millisecond,
		Strategy: StrategyMajority,
	}, nil)

	engine.SetStrategy(StrategyConfidenceWeighted)
	assert.Equal(t, StrategyConfidenceWeighted, engine.Strategy())

	engine.Submit(intent("alpha", model.SideBuy, 100, 0.8))
	decision := recorder.waitOne(t)
	assert.Equal(t, string(StrategyConfidenceWeighted), decision.VotingStrategyUsed)
}

func TestStopCancelsOpenSessions(t *testing.T) {
	engine := NewEngine(Config{
		Window:   10 * time.Second,
		Strategy: StrategyMajority,
	}, nil, zap.NewNop())
	recorder := newDecisionRecorder()
	engine.SetHandler(recorder.handle)

	engine.Submit(intent("alpha", model.SideBuy, 100, 0.8))
	require.Equal(t, 1, engine.OpenSessions())

	engine.Stop()
	assert.Equal(t, 0, engine.OpenSessions())

	// Submissions after Stop are dropped.
	engine.Submit(intent("beta", model.SideBuy, 100, 0.8))
	assert.Equal(t, 0, engine.OpenSessions())
	assert.Empty(t, recorder.all())
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	engine, recorder := newTestEngine(t, Config{
		Window:   20 * time.Millisecond,
		Strategy: StrategyMajority,
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			in := intent("alpha", model.SideBuy, 100, 0.8)
			in.CorrelationID = correlationID(n)
			engine.Submit(in)
		}(i)
	}
	wg.Wait()

	deadline := time.After(2 * time.Second)
	for i := 0; i < 8; i++ {
		select {
		case <-recorder.notify:
		case <-deadline:
			t.Fatal("timed out waiting for session decisions")
		}
	}

	seen := make(map[string]bool)
	for _, d := range recorder.all() {
		seen[d.CorrelationID] = true
	}
	assert.Len(t, seen, 8)
}

func correlationID(n int) string {
	return "evt-" + string(rune('a'+n))
}
