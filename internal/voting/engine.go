// Package voting groups order intents by correlation id into bounded
// collection windows and resolves each window into at most one coordinated
// decision.
package voting

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/model"
	"github.com/quantmesh/coordinator/pkg/metrics"
)

// DefaultWindow is the collection window applied when none is configured.
const DefaultWindow = 250 * time.Millisecond

// Config configures the consensus engine.
type Config struct {
	// Window bounds how long a session collects intents.
	Window time.Duration `mapstructure:"window"`
	// Strategy is the deployment-wide voting strategy.
	Strategy Strategy `mapstructure:"strategy"`
	// RosterSize is the number of agents expected to participate; once that
	// many unpaused agents agree, a session closes early.
	RosterSize int `mapstructure:"roster_size"`
	// QuantityTolerance is the maximum relative quantity spread still
	// counted as agreement for early exit (0.10 = 10%).
	QuantityTolerance decimal.Decimal `mapstructure:"quantity_tolerance"`
	// AgentWeights are the static weights used by the weighted strategy.
	AgentWeights map[string]decimal.Decimal `mapstructure:"agent_weights"`
}

// DecisionHandler receives each coordinated decision exactly once, by value.
type DecisionHandler func(decision model.CoordinatedDecision)

// PauseChecker reports whether a strategy agent is currently paused. Paused
// agents' intents are collected but excluded from tallies and quorum.
type PauseChecker interface {
	IsPaused(agentID string) bool
}

type sessionState int

const (
	sessionCollecting sessionState = iota
	sessionClosed
)

// session aggregates all intents for one correlation id. Sessions are
// independent: each has its own lock and deadline timer and never blocks
// another.
type session struct {
	mu            sync.Mutex
	correlationID string
	openedAt      time.Time
	deadline      time.Time
	intents       map[string]model.OrderIntent
	state         sessionState
	timer         *time.Timer
}

// Engine maintains one voting session per active correlation id.
type Engine struct {
	cfg     Config
	handler DecisionHandler
	paused  PauseChecker
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	stopped  bool
}

// NewEngine creates a consensus engine. paused may be nil when no control
// plane is attached.
func NewEngine(cfg Config, paused PauseChecker, logger *zap.Logger) *Engine {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.QuantityTolerance.IsZero() {
		cfg.QuantityTolerance = decimal.NewFromFloat(0.10)
	}
	return &Engine{
		cfg:      cfg,
		paused:   paused,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// SetHandler installs the downstream decision handler. Must be called before
// Submit.
func (e *Engine) SetHandler(handler DecisionHandler) {
	e.handler = handler
}

// SetClock replaces the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Strategy returns the currently active voting strategy.
func (e *Engine) Strategy() Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Strategy
}

// SetStrategy switches the voting strategy at runtime. Already-open sessions
// tally with whichever strategy is active when they close.
func (e *Engine) SetStrategy(strategy Strategy) {
	e.mu.Lock()
	e.cfg.Strategy = strategy
	e.mu.Unlock()
}

// OpenSessions returns the number of sessions currently collecting.
func (e *Engine) OpenSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Submit routes an intent into its correlation id's session, opening one
// with deadline now+W on first sight. A duplicate from the same agent
// replaces the prior intent. Intents arriving after the deadline are
// dropped, never folded into a closed vote.
func (e *Engine) Submit(intent model.OrderIntent) {
	sess, ok := e.sessionFor(intent.CorrelationID)
	if !ok {
		e.dropLate(intent)
		return
	}

	sess.mu.Lock()
	if sess.state == sessionClosed {
		sess.mu.Unlock()
		e.dropLate(intent)
		return
	}

	// The deadline is checked against the clock, not just the timer: a
	// stalled timer goroutine must not extend the window.
	if !e.now().Before(sess.deadline) {
		intents := e.closeLocked(sess)
		sess.mu.Unlock()
		e.decide(sess, intents, "deadline")
		e.dropLate(intent)
		return
	}

	sess.intents[intent.AgentID] = intent

	if e.earlyExitLocked(sess) {
		intents := e.closeLocked(sess)
		sess.mu.Unlock()
		e.decide(sess, intents, "early_exit")
		return
	}
	sess.mu.Unlock()
}

// sessionFor returns the open session for the correlation id, creating one
// when first seen. ok is false when the engine is stopped.
func (e *Engine) sessionFor(correlationID string) (*session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil, false
	}
	if sess, ok := e.sessions[correlationID]; ok {
		return sess, true
	}

	now := e.now()
	sess := &session{
		correlationID: correlationID,
		openedAt:      now,
		deadline:      now.Add(e.cfg.Window),
		intents:       make(map[string]model.OrderIntent),
	}
	sess.timer = time.AfterFunc(e.cfg.Window, func() { e.expire(sess) })
	e.sessions[correlationID] = sess
	metrics.OpenSessions.Set(float64(len(e.sessions)))
	return sess, true
}

// expire fires at the session deadline and closes the session with whatever
// intents it collected. Sessions never leak: even a lone intent that can
// never reach quorum is garbage-collected here.
func (e *Engine) expire(sess *session) {
	sess.mu.Lock()
	if sess.state == sessionClosed {
		sess.mu.Unlock()
		return
	}
	if remaining := sess.deadline.Sub(e.now()); remaining > 0 {
		// Spurious early fire; honor the monotonic deadline.
		sess.timer.Reset(remaining)
		sess.mu.Unlock()
		return
	}
	intents := e.closeLocked(sess)
	sess.mu.Unlock()
	e.decide(sess, intents, "deadline")
}

// closeLocked transitions the session to CLOSED and returns the intents that
// participate in the vote. Caller holds sess.mu.
func (e *Engine) closeLocked(sess *session) []model.OrderIntent {
	sess.state = sessionClosed
	if sess.timer != nil {
		sess.timer.Stop()
	}

	e.mu.Lock()
	delete(e.sessions, sess.correlationID)
	metrics.OpenSessions.Set(float64(len(e.sessions)))
	e.mu.Unlock()

	return e.activeIntents(sess)
}

// activeIntents filters out intents from paused agents. Caller holds sess.mu.
func (e *Engine) activeIntents(sess *session) []model.OrderIntent {
	intents := make([]model.OrderIntent, 0, len(sess.intents))
	for _, intent := range sess.intents {
		if e.paused != nil && e.paused.IsPaused(intent.AgentID) {
			continue
		}
		intents = append(intents, intent)
	}
	return intents
}

// earlyExitLocked reports whether the session already has a unanimous quorum:
// every unpaused agent of the roster has submitted, all agree on side, and
// the quantity spread is within tolerance. Paused agents that did submit
// shrink the required count, they can never vote anyway. Caller holds sess.mu.
func (e *Engine) earlyExitLocked(sess *session) bool {
	if e.cfg.RosterSize < 2 {
		return false
	}
	intents := e.activeIntents(sess)
	required := e.cfg.RosterSize - (len(sess.intents) - len(intents))
	if len(intents) < 2 || len(intents) < required {
		return false
	}

	side := intents[0].Side
	minQty, maxQty := intents[0].Quantity, intents[0].Quantity
	for _, intent := range intents[1:] {
		if intent.Side != side {
			return false
		}
		if intent.Quantity.LessThan(minQty) {
			minQty = intent.Quantity
		}
		if intent.Quantity.GreaterThan(maxQty) {
			maxQty = intent.Quantity
		}
	}

	limit := minQty.Mul(decimal.NewFromInt(1).Add(e.cfg.QuantityTolerance))
	return maxQty.LessThanOrEqual(limit)
}

// decide tallies a closed session and hands the decision downstream. Called
// without any lock held so slow downstream work never blocks other sessions.
func (e *Engine) decide(sess *session, intents []model.OrderIntent, trigger string) {
	if len(intents) == 0 {
		metrics.Abstentions.WithLabelValues("no_intents").Inc()
		e.logger.Debug("Voting session closed with no active intents",
			zap.String("correlation_id", sess.correlationID),
			zap.String("trigger", trigger))
		return
	}

	strategy := e.Strategy()
	decision, ok := strategy.tally(intents, e.cfg.AgentWeights, e.now())
	if !ok {
		metrics.Abstentions.WithLabelValues("no_consensus").Inc()
		e.logger.Info("Voting session abstained",
			zap.String("correlation_id", sess.correlationID),
			zap.String("strategy", string(strategy)),
			zap.Int("intents", len(intents)),
			zap.String("trigger", trigger))
		return
	}

	metrics.Coordinations.WithLabelValues(string(strategy)).Inc()
	e.logger.Info("Coordinated decision produced",
		zap.String("correlation_id", decision.CorrelationID),
		zap.String("instrument", decision.Instrument),
		zap.String("side", string(decision.Side)),
		zap.String("quantity", decision.Quantity.String()),
		zap.Strings("agents", decision.ParticipatingAgents),
		zap.String("trigger", trigger))

	if e.handler != nil {
		e.handler(decision)
	}
}

func (e *Engine) dropLate(intent model.OrderIntent) {
	metrics.IntentsDropped.WithLabelValues("late_arrival").Inc()
	e.logger.Info("Dropped late order intent",
		zap.String("correlation_id", intent.CorrelationID),
		zap.String("agent_id", intent.AgentID))
}

// Stop cancels every open session without deciding. Intents in flight after
// Stop are dropped.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.stopped = true
	open := make([]*session, 0, len(e.sessions))
	for id, sess := range e.sessions {
		open = append(open, sess)
		delete(e.sessions, id)
	}
	metrics.OpenSessions.Set(0)
	e.mu.Unlock()

	// Lock order is always session then engine, so sessions are closed
	// after releasing the engine lock.
	for _, sess := range open {
		sess.mu.Lock()
		sess.state = sessionClosed
		if sess.timer != nil {
			sess.timer.Stop()
		}
		sess.mu.Unlock()
	}
}
