// Package position implements the position and exposure store, the single
// source of truth for net positions, notional exposure and daily realized
// P&L. All mutation funnels through per-instrument serialized transactions.
package position

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantmesh/coordinator/internal/model"
)

// ErrInstrumentHalted is returned once an instrument's state has been
// poisoned by an invariant violation. The engine fails closed: no further
// transactions are accepted for that instrument until restart.
var ErrInstrumentHalted = errors.New("position: instrument halted after invariant violation")

// DefaultBucket receives instruments without a configured exposure bucket.
const DefaultBucket = "other"

// Clock supplies the current time; injectable for daily-rollover tests.
type Clock func() time.Time

// Config configures the store.
type Config struct {
	// DailyBoundaryHour is the local hour at which realized P&L resets
	// (exchange midnight).
	DailyBoundaryHour int `mapstructure:"daily_boundary_hour"`
	// Timezone is the IANA name of the exchange timezone.
	Timezone string `mapstructure:"timezone"`
	// Buckets maps a bucket id to its member instruments.
	Buckets map[string][]string `mapstructure:"buckets"`
}

// PortfolioAggregates is a point-in-time view of portfolio-wide exposure.
type PortfolioAggregates struct {
	DailyRealizedPnL decimal.Decimal
	TotalNotional    decimal.Decimal
	BucketNotional   map[string]decimal.Decimal
}

type instrumentState struct {
	mu         sync.Mutex
	pos        model.Position
	halted     bool
	haltReason string
}

type aggregates struct {
	mu             sync.Mutex
	tradingDay     int
	dailyPnL       decimal.Decimal
	notional       map[string]decimal.Decimal
	totalNotional  decimal.Decimal
	bucketNotional map[string]decimal.Decimal
}

// Store holds per-instrument state, each entry serialized by its own mutex
// so unrelated instruments never contend. Aggregates live behind a separate
// lock that is only ever taken while at most one instrument lock is held.
type Store struct {
	mu          sync.RWMutex
	instruments map[string]*instrumentState

	agg aggregates

	bucketOf      map[string]string
	bucketMembers map[string][]string

	boundaryHour int
	loc          *time.Location
	now          Clock
	logger       *zap.Logger
}

// NewStore creates a position store.
func NewStore(cfg Config, logger *zap.Logger) (*Store, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
		}
	}

	s := &Store{
		instruments: make(map[string]*instrumentState),
		agg: aggregates{
			notional:       make(map[string]decimal.Decimal),
			bucketNotional: make(map[string]decimal.Decimal),
		},
		bucketOf:      make(map[string]string),
		bucketMembers: make(map[string][]string),
		boundaryHour:  cfg.DailyBoundaryHour,
		loc:           loc,
		now:           time.Now,
		logger:        logger,
	}

	for bucket, members := range cfg.Buckets {
		for _, instrument := range members {
			s.bucketOf[instrument] = bucket
		}
		sorted := append([]string(nil), members...)
		sort.Strings(sorted)
		s.bucketMembers[bucket] = sorted
	}

	return s, nil
}

// SetClock replaces the store's clock. Test hook.
func (s *Store) SetClock(now Clock) { s.now = now }

// Bucket returns the exposure bucket an instrument belongs to.
func (s *Store) Bucket(instrument string) string {
	if b, ok := s.bucketOf[instrument]; ok {
		return b
	}
	return DefaultBucket
}

// tradingDay maps a wall-clock instant to a trading-day counter, shifting by
// the configured boundary hour so the day ticks over at exchange midnight.
func (s *Store) tradingDay(t time.Time) int {
	shifted := t.In(s.loc).Add(-time.Duration(s.boundaryHour) * time.Hour)
	return int(shifted.Unix() / 86400)
}

func (s *Store) state(instrument string) *instrumentState {
	s.mu.RLock()
	ist, ok := s.instruments[instrument]
	s.mu.RUnlock()
	if ok {
		return ist
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ist, ok = s.instruments[instrument]; ok {
		return ist
	}
	ist = &instrumentState{pos: model.Position{
		Instrument:       instrument,
		NetQuantity:      decimal.Zero,
		AvgEntryPrice:    decimal.Zero,
		RealizedPnLToday: decimal.Zero,
		TradingDay:       s.tradingDay(s.now()),
	}}
	s.instruments[instrument] = ist
	return ist
}

// Txn is an in-progress transaction on a single instrument. It is only
// valid inside the callback passed to Locked.
type Txn struct {
	store      *Store
	ist        *instrumentState
	instrument string
	day        int
}

// Locked runs fn while holding the instrument's lock. The evaluate-then-apply
// sequence of the risk engine runs inside one such transaction, so two
// decisions for the same instrument are strictly ordered and the second sees
// the first's effect before it commits.
func (s *Store) Locked(instrument string, fn func(tx *Txn) error) error {
	ist := s.state(instrument)
	ist.mu.Lock()
	defer ist.mu.Unlock()

	if ist.halted {
		return ErrInstrumentHalted
	}

	day := s.tradingDay(s.now())
	s.rolloverLocked(ist, day)

	return fn(&Txn{store: s, ist: ist, instrument: instrument, day: day})
}

// rolloverLocked resets the instrument's daily P&L when the trading day has
// advanced since the last touch. Caller holds the instrument lock.
func (s *Store) rolloverLocked(ist *instrumentState, day int) {
	if ist.pos.TradingDay != day {
		ist.pos.RealizedPnLToday = decimal.Zero
		ist.pos.TradingDay = day
	}
}

// Position returns a copy of the transaction's current position.
func (t *Txn) Position() model.Position {
	return t.ist.pos
}

// Aggregates returns portfolio-wide exposure as of this transaction.
func (t *Txn) Aggregates() PortfolioAggregates {
	return t.store.aggregatesFor(t.day)
}

// Apply commits a signed quantity delta at the given price, recomputing the
// average entry cost on same-direction adds and realizing P&L against the
// stored average on reducing deltas. Crossing through zero re-opens the
// residual at the trade price.
func (t *Txn) Apply(delta, price decimal.Decimal) (model.Position, error) {
	if delta.IsZero() {
		return t.ist.pos, errors.New("position: zero delta")
	}
	if price.Sign() <= 0 {
		return t.ist.pos, fmt.Errorf("position: non-positive price %s for %s", price, t.instrument)
	}

	pos := t.ist.pos
	var realized decimal.Decimal

	net := pos.NetQuantity
	if net.IsZero() || net.Sign() == delta.Sign() {
		totalQty := net.Abs().Add(delta.Abs())
		pos.AvgEntryPrice = net.Abs().Mul(pos.AvgEntryPrice).
			Add(delta.Abs().Mul(price)).
			Div(totalQty)
		pos.NetQuantity = net.Add(delta)
	} else {
		closed := decimal.Min(net.Abs(), delta.Abs())
		direction := decimal.NewFromInt(int64(net.Sign()))
		realized = closed.Mul(price.Sub(pos.AvgEntryPrice)).Mul(direction)
		pos.RealizedPnLToday = pos.RealizedPnLToday.Add(realized)
		pos.NetQuantity = net.Add(delta)
		switch {
		case pos.NetQuantity.IsZero():
			pos.AvgEntryPrice = decimal.Zero
		case pos.NetQuantity.Sign() != net.Sign():
			pos.AvgEntryPrice = price
		}
	}

	pos.MarkPrice = price
	pos.LastUpdated = t.store.now()

	if pos.AvgEntryPrice.Sign() < 0 {
		t.halt(fmt.Sprintf("negative average entry price %s", pos.AvgEntryPrice))
		return t.ist.pos, ErrInstrumentHalted
	}

	t.ist.pos = pos
	t.store.updateAggregates(t.instrument, t.day, realized, pos.Notional())
	return pos, nil
}

// halt poisons the instrument. Caller holds the instrument lock.
func (t *Txn) halt(reason string) {
	t.ist.halted = true
	t.ist.haltReason = reason
	t.store.logger.Error("Instrument halted after invariant violation",
		zap.String("instrument", t.instrument),
		zap.String("reason", reason))
}

// TryApply atomically applies a signed quantity delta at the given price and
// returns the resulting position.
func (s *Store) TryApply(instrument string, delta, price decimal.Decimal) (model.Position, error) {
	var result model.Position
	err := s.Locked(instrument, func(tx *Txn) error {
		var applyErr error
		result, applyErr = tx.Apply(delta, price)
		return applyErr
	})
	return result, err
}

// SetMarkPrice records the latest reference price for an instrument,
// revaluing its notional exposure.
func (s *Store) SetMarkPrice(instrument string, price decimal.Decimal) error {
	if price.Sign() <= 0 {
		return fmt.Errorf("position: non-positive mark price %s for %s", price, instrument)
	}
	return s.Locked(instrument, func(tx *Txn) error {
		tx.ist.pos.MarkPrice = price
		s.updateAggregates(instrument, tx.day, decimal.Zero, tx.ist.pos.Notional())
		return nil
	})
}

// updateAggregates folds an instrument's realized P&L delta and new notional
// into the portfolio aggregates. Lock order is always instrument then
// aggregates, never the reverse.
func (s *Store) updateAggregates(instrument string, day int, realized, newNotional decimal.Decimal) {
	s.agg.mu.Lock()
	defer s.agg.mu.Unlock()

	s.rollAggregatesLocked(day)
	s.agg.dailyPnL = s.agg.dailyPnL.Add(realized)

	old := s.agg.notional[instrument]
	diff := newNotional.Sub(old)
	s.agg.notional[instrument] = newNotional
	s.agg.totalNotional = s.agg.totalNotional.Add(diff)

	bucket := s.Bucket(instrument)
	s.agg.bucketNotional[bucket] = s.agg.bucketNotional[bucket].Add(diff)
}

func (s *Store) rollAggregatesLocked(day int) {
	if s.agg.tradingDay != day {
		s.agg.dailyPnL = decimal.Zero
		s.agg.tradingDay = day
	}
}

func (s *Store) aggregatesFor(day int) PortfolioAggregates {
	s.agg.mu.Lock()
	defer s.agg.mu.Unlock()

	s.rollAggregatesLocked(day)

	buckets := make(map[string]decimal.Decimal, len(s.agg.bucketNotional))
	for bucket, notional := range s.agg.bucketNotional {
		buckets[bucket] = notional
	}
	return PortfolioAggregates{
		DailyRealizedPnL: s.agg.dailyPnL,
		TotalNotional:    s.agg.totalNotional,
		BucketNotional:   buckets,
	}
}

// Aggregates returns the current portfolio aggregates.
func (s *Store) Aggregates() PortfolioAggregates {
	return s.aggregatesFor(s.tradingDay(s.now()))
}

// ResetDaily zeroes realized P&L on every instrument and the portfolio
// aggregate without waiting for the boundary hour. Operator action, used
// after reconciliation or a drill.
func (s *Store) ResetDaily() {
	day := s.tradingDay(s.now())

	s.mu.RLock()
	states := make([]*instrumentState, 0, len(s.instruments))
	for _, ist := range s.instruments {
		states = append(states, ist)
	}
	s.mu.RUnlock()

	for _, ist := range states {
		ist.mu.Lock()
		ist.pos.RealizedPnLToday = decimal.Zero
		ist.pos.TradingDay = day
		ist.mu.Unlock()
	}

	s.agg.mu.Lock()
	s.agg.dailyPnL = decimal.Zero
	s.agg.tradingDay = day
	s.agg.mu.Unlock()
}

// Snapshot returns a copy of the instrument's position.
func (s *Store) Snapshot(instrument string) (model.Position, bool) {
	s.mu.RLock()
	ist, ok := s.instruments[instrument]
	s.mu.RUnlock()
	if !ok {
		return model.Position{}, false
	}

	ist.mu.Lock()
	defer ist.mu.Unlock()
	s.rolloverLocked(ist, s.tradingDay(s.now()))
	return ist.pos, true
}

// Snapshots returns copies of all positions, sorted by instrument.
func (s *Store) Snapshots() []model.Position {
	s.mu.RLock()
	names := make([]string, 0, len(s.instruments))
	for name := range s.instruments {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]model.Position, 0, len(names))
	for _, name := range names {
		if pos, ok := s.Snapshot(name); ok {
			out = append(out, pos)
		}
	}
	return out
}

// Buckets returns the current exposure of every configured bucket.
func (s *Store) Buckets() []model.ExposureBucket {
	agg := s.Aggregates()

	ids := make([]string, 0, len(s.bucketMembers)+1)
	for id := range s.bucketMembers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]model.ExposureBucket, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.ExposureBucket{
			BucketID:          id,
			MemberInstruments: s.bucketMembers[id],
			AggregateExposure: agg.BucketNotional[id],
		})
	}
	return out
}
