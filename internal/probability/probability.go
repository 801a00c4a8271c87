// Package probability defines the model contract consumed by the
// decision pipeline and two reference implementations: a constant
// source for controlled runs and an EMA-momentum source for realistic
// backtests. Both are deterministic and read only bars up to the
// evaluated index.
package probability

import (
	"errors"
	"math"

	"strategy-replay-engine/internal/gate"
	"strategy-replay-engine/internal/indicators"
	"strategy-replay-engine/internal/market"
)

var ErrInsufficientHistory = errors.New("insufficient history for probability model")

// Source supplies per-bar direction probabilities and confidences.
// Implementations must not read bars beyond index i.
type Source interface {
	Evaluate(bars []market.Bar, i int) (gate.Probabilities, gate.Confidences, error)
}

// Constant always returns the same outputs. Used to drive controlled
// replay scenarios.
type Constant struct {
	Probs gate.Probabilities
	Confs gate.Confidences
}

func (c Constant) Evaluate([]market.Bar, int) (gate.Probabilities, gate.Confidences, error) {
	return c.Probs, c.Confs, nil
}

// Momentum derives probabilities from fast/slow EMA separation and RSI.
// The mapping is a bounded squash of normalized momentum, so outputs
// always form a valid distribution.
type Momentum struct {
	FastPeriod int
	SlowPeriod int
	RSIPeriod  int
}

func NewMomentum() Momentum {
	return Momentum{FastPeriod: 12, SlowPeriod: 26, RSIPeriod: 14}
}

func (m Momentum) Evaluate(bars []market.Bar, i int) (gate.Probabilities, gate.Confidences, error) {
	if i < 0 || i >= len(bars) {
		return gate.Probabilities{}, gate.Confidences{}, ErrInsufficientHistory
	}
	window := bars[:i+1]
	if len(window) < m.SlowPeriod+1 {
		return gate.Probabilities{}, gate.Confidences{}, ErrInsufficientHistory
	}

	fast := indicators.EMA(window, m.FastPeriod)
	slow := indicators.EMA(window, m.SlowPeriod)
	if slow <= 0 {
		return gate.Probabilities{}, gate.Confidences{}, ErrInsufficientHistory
	}

	// Normalized momentum in roughly [-1, 1] after the tanh squash.
	momentum := math.Tanh((fast - slow) / slow * 50)

	rsi := indicators.RSI(window, m.RSIPeriod)
	rsiBias := (rsi - 50) / 50 // [-1, 1]

	score := 0.7*momentum + 0.3*rsiBias

	// Map score to a buy/sell/hold split centered on 1/3 each.
	buy := clampProb(1.0/3.0 + score/3.0)
	sell := clampProb(1.0/3.0 - score/3.0)
	hold := clampProb(1 - buy - sell)

	conf := math.Abs(score)
	return gate.Probabilities{Buy: buy, Sell: sell, Hold: hold},
		gate.Confidences{Buy: clampProb(conf * buy * 2), Sell: clampProb(conf * sell * 2)},
		nil
}

func clampProb(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
