// Package risk gates coordinated decisions against the portfolio risk model.
// Every decision passes through Evaluate before it may reach the publisher.
package risk

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/model"
	"github.com/quantmesh/coordinator/internal/position"
	"github.com/quantmesh/coordinator/pkg/metrics"
)

// Status is the result class of a risk evaluation.
type Status string

const (
	StatusApproved Status = "approved"
	StatusResized  Status = "resized"
	StatusBlocked  Status = "blocked"
)

// Outcome is the result of evaluating one coordinated decision. Blocked and
// resized outcomes are expected, first-class results, not errors.
type Outcome struct {
	Status           Status
	Decision         model.CoordinatedDecision
	OriginalQuantity decimal.Decimal
	Violations       []model.RiskViolation
}

// recentViolationsCap bounds the in-memory violation history served by the
// control plane.
const recentViolationsCap = 256

// Engine evaluates decisions against the configured limits and commits
// approved quantities to the position store. The evaluate-then-apply
// sequence runs inside one store transaction per instrument, so concurrent
// decisions on the same instrument are strictly ordered.
type Engine struct {
	store    *position.Store
	limits   *Limits
	ks       *KillSwitch
	velocity *velocityTracker
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	recent    []model.RiskViolation
	blocklist map[string]struct{}
}

// NewEngine creates a risk engine over the shared store, limits and kill
// switch.
func NewEngine(store *position.Store, limits *Limits, ks *KillSwitch, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		limits:    limits,
		ks:        ks,
		velocity:  newVelocityTracker(),
		logger:    logger,
		now:       time.Now,
		blocklist: make(map[string]struct{}),
	}
}

// BlockInstrument halts all decisions on an instrument until unblocked.
// Operator action, independent of the invariant-driven store halt.
func (e *Engine) BlockInstrument(instrument string) {
	e.mu.Lock()
	e.blocklist[instrument] = struct{}{}
	e.mu.Unlock()
	e.logger.Warn("Instrument blocked", zap.String("instrument", instrument))
}

// UnblockInstrument lifts an operator block and reports whether one existed.
func (e *Engine) UnblockInstrument(instrument string) bool {
	e.mu.Lock()
	_, ok := e.blocklist[instrument]
	delete(e.blocklist, instrument)
	e.mu.Unlock()
	if ok {
		e.logger.Info("Instrument unblocked", zap.String("instrument", instrument))
	}
	return ok
}

// BlockedInstruments returns the currently blocked instruments, sorted.
func (e *Engine) BlockedInstruments() []string {
	e.mu.Lock()
	out := make([]string, 0, len(e.blocklist))
	for instrument := range e.blocklist {
		out = append(out, instrument)
	}
	e.mu.Unlock()
	sort.Strings(out)
	return out
}

func (e *Engine) instrumentBlocked(instrument string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.blocklist[instrument]
	return ok
}

// SetClock replaces the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// KillSwitch exposes the shared kill switch for the control plane.
func (e *Engine) KillSwitch() *KillSwitch { return e.ks }

// Limits exposes the shared limit set for the control plane.
func (e *Engine) Limits() *Limits { return e.limits }

// RecentViolations returns the most recent violations, newest last.
func (e *Engine) RecentViolations(limit int) []model.RiskViolation {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.RiskViolation, n)
	copy(out, e.recent[len(e.recent)-n:])
	return out
}

func (e *Engine) recordViolation(v model.RiskViolation) {
	metrics.RiskViolations.WithLabelValues(v.RuleName, string(v.ActionTaken)).Inc()

	e.mu.Lock()
	e.recent = append(e.recent, v)
	if len(e.recent) > recentViolationsCap {
		e.recent = e.recent[len(e.recent)-recentViolationsCap:]
	}
	e.mu.Unlock()
}

// evaluation carries the mutable state of one Evaluate call.
type evaluation struct {
	decision   model.CoordinatedDecision
	quantity   decimal.Decimal
	violations []model.RiskViolation
}

func (ev *evaluation) violate(rule string, severity model.Severity, threshold, observed decimal.Decimal, action model.ViolationAction) model.RiskViolation {
	v := model.RiskViolation{
		CorrelationID: ev.decision.CorrelationID,
		RuleName:      rule,
		Severity:      severity,
		Threshold:     threshold,
		ObservedValue: observed,
		ActionTaken:   action,
	}
	ev.violations = append(ev.violations, v)
	return v
}

// Evaluate runs the fixed rule sequence against a coordinated decision and,
// when the outcome is approved or resized, applies the final quantity to the
// position store within the same per-instrument transaction.
func (e *Engine) Evaluate(ctx context.Context, decision model.CoordinatedDecision) Outcome {
	ev := &evaluation{decision: decision, quantity: decision.Quantity}

	outcome := e.evaluate(ctx, ev)

	for _, v := range outcome.Violations {
		e.recordViolation(v)
	}

	switch outcome.Status {
	case StatusApproved:
		e.logger.Info("Decision approved",
			zap.String("correlation_id", decision.CorrelationID),
			zap.String("instrument", decision.Instrument),
			zap.String("quantity", outcome.Decision.Quantity.String()))
	case StatusResized:
		e.logger.Warn("Decision resized",
			zap.String("correlation_id", decision.CorrelationID),
			zap.String("instrument", decision.Instrument),
			zap.String("original_quantity", decision.Quantity.String()),
			zap.String("final_quantity", outcome.Decision.Quantity.String()))
	case StatusBlocked:
		e.logger.Warn("Decision blocked",
			zap.String("correlation_id", decision.CorrelationID),
			zap.String("instrument", decision.Instrument),
			zap.String("rule", outcome.Violations[len(outcome.Violations)-1].RuleName))
	}

	return outcome
}

func (e *Engine) evaluate(ctx context.Context, ev *evaluation) Outcome {
	decision := ev.decision

	// Rule 1: kill switch short-circuits everything else.
	if out, tripped := e.killSwitchCheck(ev); tripped {
		return out
	}

	// Rule 2: operator instrument blocklist.
	if e.instrumentBlocked(decision.Instrument) {
		ev.violate(RuleInstrumentBlocked, model.SeverityCritical, decimal.Zero, decimal.Zero, model.ActionBlocked)
		return e.blocked(ev)
	}

	var outcome Outcome
	err := e.store.Locked(decision.Instrument, func(tx *position.Txn) error {
		outcome = e.evaluateLocked(tx, ev)
		return nil
	})
	if err != nil {
		if errors.Is(err, position.ErrInstrumentHalted) {
			// Fail closed: a poisoned instrument blocks all further
			// decisions rather than applying potentially corrupt state.
			ev.violate(RuleInvariant, model.SeverityEmergency, decimal.Zero, decimal.Zero, model.ActionBlocked)
			return e.blocked(ev)
		}
		e.logger.Error("Risk evaluation failed",
			zap.Error(err),
			zap.String("correlation_id", decision.CorrelationID))
		ev.violate(RuleInvariant, model.SeverityCritical, decimal.Zero, decimal.Zero, model.ActionBlocked)
		return e.blocked(ev)
	}
	return outcome
}

// killSwitchCheck is consulted before every rule so an engagement that lands
// mid-evaluation is observed on the next rule boundary.
func (e *Engine) killSwitchCheck(ev *evaluation) (Outcome, bool) {
	if !e.ks.Engaged() {
		return Outcome{}, false
	}
	ev.violate(RuleEmergencyStop, model.SeverityEmergency, decimal.Zero, decimal.Zero, model.ActionBlocked)
	return e.blocked(ev), true
}

func (e *Engine) evaluateLocked(tx *position.Txn, ev *evaluation) Outcome {
	decision := ev.decision
	limits := e.limits.Snapshot()
	pos := tx.Position()
	agg := tx.Aggregates()
	sign := decision.Side.Sign()
	price := referencePrice(pos)

	// Rule 3: daily loss limit; a breach engages the kill switch so it
	// persists until manually cleared.
	if limits.MaxDailyLoss.Sign() > 0 {
		threshold := limits.MaxDailyLoss.Neg()
		if agg.DailyRealizedPnL.LessThanOrEqual(threshold) {
			e.ks.Engage("daily loss limit breached", "risk-engine")
			ev.violate(RuleDailyLoss, model.SeverityCritical, threshold, agg.DailyRealizedPnL, model.ActionBlocked)
			return e.blocked(ev)
		}
	}

	if out, tripped := e.killSwitchCheck(ev); tripped {
		return out
	}

	// Rule 4: per-instrument position cap. Resize down to the cap boundary;
	// block only when nothing of the decision survives.
	if cap := limits.PositionCapFor(decision.Instrument); cap.Sign() > 0 {
		post := pos.NetQuantity.Add(ev.quantity.Mul(sign))
		if post.Abs().GreaterThan(cap) {
			allowed := cap.Sub(pos.NetQuantity.Mul(sign))
			if allowed.Sign() <= 0 {
				ev.violate(RulePositionCap, model.SeverityCritical, cap, post.Abs(), model.ActionBlocked)
				return e.blocked(ev)
			}
			ev.violate(RulePositionCap, model.SeverityWarning, cap, post.Abs(), model.ActionResized)
			ev.quantity = allowed
		}
	}

	if out, tripped := e.killSwitchCheck(ev); tripped {
		return out
	}

	// Rule 5: exposure bucket cap on post-decision aggregate notional.
	bucket := e.store.Bucket(decision.Instrument)
	if cap := limits.BucketCapFor(bucket); cap.Sign() > 0 {
		bucketRest := agg.BucketNotional[bucket].Sub(pos.Notional())
		postInst := pos.NetQuantity.Add(ev.quantity.Mul(sign)).Abs().Mul(price)
		if bucketRest.Add(postInst).GreaterThan(cap) {
			headroom := cap.Sub(bucketRest)
			allowed := decimal.Zero
			if headroom.Sign() > 0 {
				allowed = headroom.Div(price).Sub(pos.NetQuantity.Mul(sign))
			}
			if allowed.Sign() <= 0 {
				ev.violate(RuleBucketCap, model.SeverityCritical, cap, bucketRest.Add(postInst), model.ActionBlocked)
				return e.blocked(ev)
			}
			ev.violate(RuleBucketCap, model.SeverityWarning, cap, bucketRest.Add(postInst), model.ActionResized)
			ev.quantity = decimal.Min(ev.quantity, allowed)
		}
	}

	if out, tripped := e.killSwitchCheck(ev); tripped {
		return out
	}

	// Rule 6: order velocity. Rate-limits agent churn and feedback loops.
	if limits.VelocityLimit > 0 && limits.VelocityWindow > 0 {
		count := e.velocity.countRecent(decision.Instrument, e.now(), limits.VelocityWindow)
		if count >= limits.VelocityLimit {
			ev.violate(RuleVelocity, model.SeverityWarning,
				decimal.NewFromInt(int64(limits.VelocityLimit)),
				decimal.NewFromInt(int64(count)),
				model.ActionBlocked)
			return e.blocked(ev)
		}
	}

	if out, tripped := e.killSwitchCheck(ev); tripped {
		return out
	}

	// Rule 7: concentration against total portfolio notional. With no other
	// exposure any first trade is 100% of the book, so the rule only applies
	// once the rest of the portfolio carries notional.
	one := decimal.NewFromInt(1)
	if pct := limits.ConcentrationPct; pct.Sign() > 0 && pct.LessThan(one) {
		totalRest := agg.TotalNotional.Sub(pos.Notional())
		postInst := pos.NetQuantity.Add(ev.quantity.Mul(sign)).Abs().Mul(price)
		postTotal := totalRest.Add(postInst)
		if totalRest.Sign() > 0 && postInst.GreaterThan(pct.Mul(postTotal)) {
			maxInst := pct.Mul(totalRest).Div(one.Sub(pct))
			allowed := maxInst.Div(price).Sub(pos.NetQuantity.Mul(sign))
			observed := postInst.Div(postTotal)
			if allowed.Sign() <= 0 {
				ev.violate(RuleConcentration, model.SeverityCritical, pct, observed, model.ActionBlocked)
				return e.blocked(ev)
			}
			ev.violate(RuleConcentration, model.SeverityWarning, pct, observed, model.ActionResized)
			ev.quantity = decimal.Min(ev.quantity, allowed)
		}
	}

	if out, tripped := e.killSwitchCheck(ev); tripped {
		return out
	}

	// Commit the surviving quantity inside the same transaction.
	if _, err := tx.Apply(ev.quantity.Mul(sign), price); err != nil {
		ev.violate(RuleInvariant, model.SeverityEmergency, decimal.Zero, decimal.Zero, model.ActionBlocked)
		return e.blocked(ev)
	}
	e.velocity.record(decision.Instrument, e.now())

	final := decision
	final.Quantity = ev.quantity
	status := StatusApproved
	if !ev.quantity.Equal(decision.Quantity) {
		status = StatusResized
	}
	return Outcome{
		Status:           status,
		Decision:         final,
		OriginalQuantity: decision.Quantity,
		Violations:       ev.violations,
	}
}

func (e *Engine) blocked(ev *evaluation) Outcome {
	blocked := ev.decision
	blocked.Quantity = decimal.Zero
	return Outcome{
		Status:           StatusBlocked,
		Decision:         blocked,
		OriginalQuantity: ev.decision.Quantity,
		Violations:       ev.violations,
	}
}

// referencePrice values a decision for notional checks: the latest mark
// price when known, otherwise the average entry cost, otherwise 1 so a
// brand-new instrument is still quantity-limited.
func referencePrice(pos model.Position) decimal.Decimal {
	if pos.MarkPrice.Sign() > 0 {
		return pos.MarkPrice
	}
	if pos.AvgEntryPrice.Sign() > 0 {
		return pos.AvgEntryPrice
	}
	return decimal.NewFromInt(1)
}
