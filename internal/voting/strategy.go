package voting

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantmesh/coordinator/internal/model"
)

// Strategy selects how a voting session resolves conflicting intents. The
// set is closed and safety-critical, so dispatch is a single switch rather
// than a plugin registry.
type Strategy string

const (
	StrategyMajority           Strategy = "majority"
	StrategyWeighted           Strategy = "weighted"
	StrategyUnanimous          Strategy = "unanimous"
	StrategyConfidenceWeighted Strategy = "confidence_weighted"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyMajority, StrategyWeighted, StrategyUnanimous, StrategyConfidenceWeighted:
		return Strategy(name), nil
	}
	return "", fmt.Errorf("voting: unknown strategy %q", name)
}

// tally produces the session's coordinated decision from the given intents.
// ok is false when the strategy abstains. Intents are sorted by agent id
// first so the outcome is identical regardless of submission order.
func (s Strategy) tally(intents []model.OrderIntent, weights map[string]decimal.Decimal, decidedAt time.Time) (model.CoordinatedDecision, bool) {
	if len(intents) == 0 {
		return model.CoordinatedDecision{}, false
	}

	sorted := append([]model.OrderIntent(nil), intents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].AgentID < sorted[j].AgentID })

	switch s {
	case StrategyMajority:
		return tallyMajority(sorted, decidedAt)
	case StrategyWeighted:
		return tallyWeighted(sorted, weights, decidedAt)
	case StrategyUnanimous:
		return tallyUnanimous(sorted, decidedAt)
	case StrategyConfidenceWeighted:
		return tallyConfidenceWeighted(sorted, decidedAt)
	}
	return model.CoordinatedDecision{}, false
}

func splitBySide(intents []model.OrderIntent) (buys, sells []model.OrderIntent) {
	for _, intent := range intents {
		if intent.Side == model.SideBuy {
			buys = append(buys, intent)
		} else {
			sells = append(sells, intent)
		}
	}
	return buys, sells
}

// median returns the median quantity; for an even count, the mean of the two
// middle values.
func median(intents []model.OrderIntent) decimal.Decimal {
	quantities := make([]decimal.Decimal, len(intents))
	for i, intent := range intents {
		quantities[i] = intent.Quantity
	}
	sort.Slice(quantities, func(i, j int) bool { return quantities[i].LessThan(quantities[j]) })

	n := len(quantities)
	if n%2 == 1 {
		return quantities[n/2]
	}
	two := decimal.NewFromInt(2)
	return quantities[n/2-1].Add(quantities[n/2]).Div(two)
}

func agentIDs(intents []model.OrderIntent) []string {
	ids := make([]string, len(intents))
	for i, intent := range intents {
		ids[i] = intent.AgentID
	}
	return ids
}

func newDecision(winners []model.OrderIntent, strategy Strategy, quantity, confidence decimal.Decimal, decidedAt time.Time) model.CoordinatedDecision {
	return model.CoordinatedDecision{
		CorrelationID:       winners[0].CorrelationID,
		Instrument:          winners[0].Instrument,
		Side:                winners[0].Side,
		Quantity:            quantity,
		VotingStrategyUsed:  string(strategy),
		ParticipatingAgents: agentIDs(winners),
		AggregateConfidence: confidence,
		DecidedAt:           decidedAt,
	}
}

// tallyMajority: the side with strictly more intents wins, quantity is the
// median of the agreeing intents, ties abstain.
func tallyMajority(intents []model.OrderIntent, decidedAt time.Time) (model.CoordinatedDecision, bool) {
	buys, sells := splitBySide(intents)
	if len(buys) == len(sells) {
		return model.CoordinatedDecision{}, false
	}

	winners := buys
	if len(sells) > len(buys) {
		winners = sells
	}

	confidence := decimal.NewFromInt(int64(len(winners))).
		Div(decimal.NewFromInt(int64(len(intents))))
	return newDecision(winners, StrategyMajority, median(winners), confidence, decidedAt), true
}

// tallyWeighted: each intent carries its agent's configured static weight
// (default 1); the heavier side wins and quantity is the weighted average of
// the winning intents. Equal weight abstains.
func tallyWeighted(intents []model.OrderIntent, weights map[string]decimal.Decimal, decidedAt time.Time) (model.CoordinatedDecision, bool) {
	weightOf := func(intent model.OrderIntent) decimal.Decimal {
		if w, ok := weights[intent.AgentID]; ok {
			return w
		}
		return decimal.NewFromInt(1)
	}

	buys, sells := splitBySide(intents)
	sumWeights := func(side []model.OrderIntent) decimal.Decimal {
		total := decimal.Zero
		for _, intent := range side {
			total = total.Add(weightOf(intent))
		}
		return total
	}

	buyWeight, sellWeight := sumWeights(buys), sumWeights(sells)
	if buyWeight.Equal(sellWeight) {
		return model.CoordinatedDecision{}, false
	}

	winners, winWeight := buys, buyWeight
	if sellWeight.GreaterThan(buyWeight) {
		winners, winWeight = sells, sellWeight
	}
	if winWeight.Sign() <= 0 {
		return model.CoordinatedDecision{}, false
	}

	weightedQty := decimal.Zero
	for _, intent := range winners {
		weightedQty = weightedQty.Add(intent.Quantity.Mul(weightOf(intent)))
	}
	quantity := weightedQty.Div(winWeight)
	confidence := winWeight.Div(buyWeight.Add(sellWeight))
	return newDecision(winners, StrategyWeighted, quantity, confidence, decidedAt), true
}

// tallyUnanimous: any disagreement on side abstains.
func tallyUnanimous(intents []model.OrderIntent, decidedAt time.Time) (model.CoordinatedDecision, bool) {
	side := intents[0].Side
	confidence := decimal.Zero
	for _, intent := range intents {
		if intent.Side != side {
			return model.CoordinatedDecision{}, false
		}
		confidence = confidence.Add(intent.Confidence)
	}
	confidence = confidence.Div(decimal.NewFromInt(int64(len(intents))))
	return newDecision(intents, StrategyUnanimous, median(intents), confidence, decidedAt), true
}

// tallyConfidenceWeighted: weight is the intent's own confidence; the side
// with the higher summed confidence wins, quantity is the confidence-weighted
// average, and the aggregate confidence is the winning sum over the total
// intent count.
func tallyConfidenceWeighted(intents []model.OrderIntent, decidedAt time.Time) (model.CoordinatedDecision, bool) {
	buys, sells := splitBySide(intents)
	sumConfidence := func(side []model.OrderIntent) decimal.Decimal {
		total := decimal.Zero
		for _, intent := range side {
			total = total.Add(intent.Confidence)
		}
		return total
	}

	buyConf, sellConf := sumConfidence(buys), sumConfidence(sells)
	if buyConf.Equal(sellConf) {
		return model.CoordinatedDecision{}, false
	}

	winners, winConf := buys, buyConf
	if sellConf.GreaterThan(buyConf) {
		winners, winConf = sells, sellConf
	}
	if winConf.Sign() <= 0 {
		return model.CoordinatedDecision{}, false
	}

	weightedQty := decimal.Zero
	for _, intent := range winners {
		weightedQty = weightedQty.Add(intent.Quantity.Mul(intent.Confidence))
	}
	quantity := weightedQty.Div(winConf)
	aggregate := winConf.Div(decimal.NewFromInt(int64(len(intents))))
	return newDecision(winners, StrategyConfidenceWeighted, quantity, aggregate, decidedAt), true
}
