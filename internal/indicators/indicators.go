// Package indicators computes technical features over a bounded trailing
// window "as of" its last bar. Every function sees only the bars it is
// given, so a value computed against bars[:i+1] is identical whether the
// full history exists or not.
package indicators

import (
	"math"
	"sort"

	"strategy-replay-engine/internal/market"
)

// ============================================================================
// MOVING AVERAGES
// ============================================================================

// SMA calculates the Simple Moving Average of closes over the last period bars.
func SMA(bars []market.Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	sum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].Close
	}
	return sum / float64(period)
}

// EMA calculates the Exponential Moving Average seeded with an SMA over
// the first period bars.
func EMA(bars []market.Bar, period int) float64 {
	if len(bars) < period || period <= 0 {
		return 0
	}

	ema := SMA(bars[:period], period)
	multiplier := 2.0 / float64(period+1)

	for i := period; i < len(bars); i++ {
		ema = (bars[i].Close * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// EMASlope returns the normalized slope of the EMA over the last
// lookback bars: (ema_now - ema_then) / (ema_then * lookback).
func EMASlope(bars []market.Bar, period, lookback int) float64 {
	if len(bars) < period+lookback || lookback <= 0 {
		return 0
	}

	now := EMA(bars, period)
	then := EMA(bars[:len(bars)-lookback], period)
	if then == 0 {
		return 0
	}
	return (now - then) / (then * float64(lookback))
}

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// ATR calculates the Average True Range over the last period bars.
func ATR(bars []market.Bar, period int) float64 {
	if len(bars) < period+1 || period <= 0 {
		return 0
	}

	trSum := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		high := bars[i].High
		low := bars[i].Low
		prevClose := bars[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)
		trSum += tr
	}
	return trSum / float64(period)
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI calculates the Relative Strength Index over the last period bars.
func RSI(bars []market.Bar, period int) float64 {
	if len(bars) < period+1 || period <= 0 {
		return 50.0 // neutral
	}

	gains := 0.0
	losses := 0.0
	for i := len(bars) - period; i < len(bars); i++ {
		change := bars[i].Close - bars[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ============================================================================
// VOLATILITY ZONES
// ============================================================================

// VolatilityZone buckets the current ATR against its own rolling history.
type VolatilityZone string

const (
	ZoneLow  VolatilityZone = "LOW"
	ZoneMid  VolatilityZone = "MID"
	ZoneHigh VolatilityZone = "HIGH"
)

// ATRPercentile ranks the current ATR within the ATR values of the last
// lookback bars and returns the percentile in [0, 100].
func ATRPercentile(bars []market.Bar, period, lookback int) float64 {
	if len(bars) < period+lookback+1 || lookback <= 1 {
		return 50.0
	}

	history := make([]float64, 0, lookback)
	for i := len(bars) - lookback; i <= len(bars); i++ {
		history = append(history, ATR(bars[:i], period))
	}

	current := history[len(history)-1]
	past := history[:len(history)-1]
	sorted := append([]float64(nil), past...)
	sort.Float64s(sorted)

	below := sort.SearchFloat64s(sorted, current)
	return float64(below) / float64(len(sorted)) * 100
}

// ClassifyVolatility maps an ATR percentile to a zone using the given
// low/high cut points (e.g. 33/66).
func ClassifyVolatility(percentile, lowCut, highCut float64) VolatilityZone {
	switch {
	case percentile < lowCut:
		return ZoneLow
	case percentile >= highCut:
		return ZoneHigh
	default:
		return ZoneMid
	}
}

// ============================================================================
// REGIME DETECTION
// ============================================================================

// Regime represents a market-condition classification.
type Regime string

const (
	RegimeBullish Regime = "BULLISH"
	RegimeBearish Regime = "BEARISH"
	RegimeRanging Regime = "RANGING"
)

// DetectRegime classifies the market using fast/slow EMA separation.
// EMAs within 0.5% of each other read as ranging.
func DetectRegime(bars []market.Bar, fastPeriod, slowPeriod int) Regime {
	if len(bars) < slowPeriod {
		return RegimeRanging
	}

	fast := EMA(bars, fastPeriod)
	slow := EMA(bars, slowPeriod)
	if slow == 0 {
		return RegimeRanging
	}

	separation := math.Abs(fast-slow) / slow * 100
	if separation < 0.5 {
		return RegimeRanging
	}
	if fast > slow {
		return RegimeBullish
	}
	return RegimeBearish
}

// ============================================================================
// SWING DETECTION
// ============================================================================

// SwingPoint is a local price extremum found in a window.
type SwingPoint struct {
	High     float64
	Low      float64
	HighIdx  int
	LowIdx   int
	BarsBack int // distance of the more recent extremum from the window end
}

// FindSwing locates the highest high and lowest low over the last
// lookback bars. Indices are relative to the given slice.
func FindSwing(bars []market.Bar, lookback int) (SwingPoint, bool) {
	if len(bars) == 0 || lookback <= 0 {
		return SwingPoint{}, false
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}

	sp := SwingPoint{High: bars[start].High, Low: bars[start].Low, HighIdx: start, LowIdx: start}
	for i := start; i < len(bars); i++ {
		if bars[i].High > sp.High {
			sp.High = bars[i].High
			sp.HighIdx = i
		}
		if bars[i].Low < sp.Low {
			sp.Low = bars[i].Low
			sp.LowIdx = i
		}
	}

	recent := sp.HighIdx
	if sp.LowIdx > recent {
		recent = sp.LowIdx
	}
	sp.BarsBack = len(bars) - 1 - recent

	if sp.High <= sp.Low {
		return sp, false
	}
	return sp, true
}
