package gate

import (
	"math"
	"sort"

	"strategy-replay-engine/internal/indicators"
	"strategy-replay-engine/internal/levels"
	"strategy-replay-engine/internal/market"
)

// minOverrideSamples is the confidence-history depth required before
// the adaptive override threshold is considered meaningful.
const minOverrideSamples = 10

// threshold resolves the probability/confidence threshold for the
// current regime, optionally shifted by the volatility zone.
func (c *Config) threshold(regime indicators.Regime, zone indicators.VolatilityZone) float64 {
	thr, ok := c.Thresholds[regime]
	if !ok {
		thr = 0.5
	}
	if c.ZoneAdjust != nil {
		thr += c.ZoneAdjust[zone]
	}
	return clamp01(thr)
}

// overrideThreshold computes the adaptive high-percentile confidence
// threshold from a rolling per-direction history, optionally scaled by
// regime. Returns false until enough history has accumulated.
func (c *Config) overrideThreshold(hist []float64, regime indicators.Regime) (float64, bool) {
	if len(hist) < minOverrideSamples || c.OverridePercentile <= 0 {
		return 0, false
	}

	sorted := append([]float64(nil), hist...)
	sort.Float64s(sorted)

	rank := c.OverridePercentile / 100 * float64(len(sorted)-1)
	idx := int(math.Ceil(rank))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	thr := sorted[idx]

	if c.RegimeOverrideScale != nil {
		if scale, ok := c.RegimeOverrideScale[regime]; ok && scale > 0 {
			thr *= scale
		}
	}
	return clamp01(thr), true
}

// nearOrBeyondLevel reports whether price has retraced to (or through)
// the 0.382 level of the swing for the candidate side. An unusable
// swing never confirms.
func nearOrBeyondLevel(price float64, side market.Side, swing levels.Swing, proximityPct float64) bool {
	grid, err := levels.Compute(swing, side, nil)
	if err != nil {
		return false
	}
	lvl, ok := grid.At(0.382)
	if !ok {
		return false
	}

	tol := price * proximityPct
	if side == market.SideLong {
		// Long wants a pullback near or below the retracement.
		return price <= lvl+tol
	}
	return price >= lvl-tol
}

// pushBounded appends v to hist keeping at most max entries,
// returning a fresh slice so states stay immutable.
func pushBounded(hist []float64, v float64, max int) []float64 {
	if max <= 0 {
		max = 200
	}
	out := make([]float64, 0, max)
	start := 0
	if len(hist) >= max {
		start = len(hist) - max + 1
	}
	out = append(out, hist[start:]...)
	return append(out, v)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
