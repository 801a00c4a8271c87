// Package levels computes retracement price levels anchored to a swing
// high/low. A frozen snapshot of these levels is captured when a
// position opens and drives the exit engine.
package levels

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"strategy-replay-engine/internal/market"
)

// Standard retracement ratios.
var DefaultRatios = []float64{0.236, 0.382, 0.5, 0.618, 0.786}

// Errors for swing/level validation
var (
	ErrInvertedSwing = errors.New("swing high is not above swing low")
	ErrLevelOutside  = errors.New("level outside swing bounds")
)

// Swing holds the price bounds anchoring a retracement grid.
type Swing struct {
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	HighTime time.Time `json:"high_time"`
	LowTime  time.Time `json:"low_time"`
}

// Range returns the swing extent in price units.
func (s Swing) Range() float64 {
	return s.High - s.Low
}

// Level is a single retracement line.
type Level struct {
	Ratio float64 `json:"ratio"`
	Price float64 `json:"price"`
}

// Grid maps retracement ratios to prices for one side.
type Grid struct {
	Side   market.Side `json:"side"`
	Swing  Swing       `json:"swing"`
	Levels []Level     `json:"levels"` // sorted by ratio ascending
}

// Compute builds the retracement grid for a swing and side. For LONG the
// ratio measures pullback depth from the swing high; SHORT mirrors from
// the swing low. Every level must land inside [low, high].
func Compute(swing Swing, side market.Side, ratios []float64) (*Grid, error) {
	if swing.High <= swing.Low {
		return nil, fmt.Errorf("%w: high %.8f low %.8f", ErrInvertedSwing, swing.High, swing.Low)
	}
	if len(ratios) == 0 {
		ratios = DefaultRatios
	}

	rng := swing.Range()
	grid := &Grid{Side: side, Swing: swing, Levels: make([]Level, 0, len(ratios))}

	for _, r := range ratios {
		var price float64
		if side == market.SideLong {
			price = swing.High - r*rng
		} else {
			price = swing.Low + r*rng
		}
		if price < swing.Low || price > swing.High {
			return nil, fmt.Errorf("%w: ratio %.3f price %.8f not in [%.8f, %.8f]",
				ErrLevelOutside, r, price, swing.Low, swing.High)
		}
		grid.Levels = append(grid.Levels, Level{Ratio: r, Price: price})
	}

	sort.Slice(grid.Levels, func(i, j int) bool {
		return grid.Levels[i].Ratio < grid.Levels[j].Ratio
	})

	return grid, nil
}

// At returns the price for a ratio, or false when the grid lacks it.
func (g *Grid) At(ratio float64) (float64, bool) {
	for _, l := range g.Levels {
		if l.Ratio == ratio {
			return l.Price, true
		}
	}
	return 0, false
}

// Nearest returns the grid level closest to price.
func (g *Grid) Nearest(price float64) (Level, bool) {
	if len(g.Levels) == 0 {
		return Level{}, false
	}
	best := g.Levels[0]
	bestDist := absf(price - best.Price)
	for _, l := range g.Levels[1:] {
		if d := absf(price - l.Price); d < bestDist {
			best, bestDist = l, d
		}
	}
	return best, true
}

// Validate re-checks the frozen grid invariant: every level inside the
// swing bounds and the swing itself not inverted.
func (g *Grid) Validate() error {
	if g.Swing.High <= g.Swing.Low {
		return ErrInvertedSwing
	}
	for _, l := range g.Levels {
		if l.Price < g.Swing.Low || l.Price > g.Swing.High {
			return fmt.Errorf("%w: ratio %.3f", ErrLevelOutside, l.Ratio)
		}
	}
	return nil
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
