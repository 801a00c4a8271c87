package indicators

import (
	"math"
	"testing"
	"time"

	"strategy-replay-engine/internal/market"
)

func trendBars(n int, start, step float64) []market.Bar {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	p := start
	for i := range bars {
		bars[i] = market.Bar{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     p,
			High:     p + 0.8,
			Low:      p - 0.8,
			Close:    p + step,
			Volume:   500,
		}
		p += step
	}
	return bars
}

func TestSMA(t *testing.T) {
	bars := trendBars(10, 100, 1)

	// Last 5 closes: 106..110
	got := SMA(bars, 5)
	want := (106.0 + 107 + 108 + 109 + 110) / 5
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected SMA %.4f, got %.4f", want, got)
	}

	if SMA(bars, 20) != 0 {
		t.Errorf("SMA with insufficient bars must be 0")
	}
}

func TestEMA_TracksTrend(t *testing.T) {
	// On a linear ramp the steady-state lags of EMA and SMA coincide,
	// so the fixture accelerates: recent closes pull the EMA ahead of
	// the evenly-weighted SMA.
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	up := make([]market.Bar, 100)
	for i := range up {
		c := 100 + 0.02*float64(i)*float64(i)
		up[i] = market.Bar{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     c - 0.5,
			High:     c + 0.8,
			Low:      c - 0.8,
			Close:    c,
			Volume:   500,
		}
	}

	ema := EMA(up, 20)
	sma := SMA(up, 20)
	if ema <= sma {
		t.Errorf("in an accelerating uptrend EMA (%.4f) should lead SMA (%.4f)", ema, sma)
	}
	last := up[len(up)-1].Close
	if ema >= last {
		t.Errorf("EMA (%.4f) should lag the last close (%.4f)", ema, last)
	}
}

func TestATR_Positive(t *testing.T) {
	bars := trendBars(50, 100, 0.5)
	atr := ATR(bars, 14)
	if atr <= 0 {
		t.Fatalf("expected positive ATR, got %f", atr)
	}
	// Range per bar is 1.6 plus the 0.5 drift gap
	if atr > 3 {
		t.Errorf("ATR %.4f implausibly large for the synthetic data", atr)
	}
}

func TestRSI_Extremes(t *testing.T) {
	up := trendBars(50, 100, 1)
	if rsi := RSI(up, 14); rsi != 100 {
		t.Errorf("pure uptrend should read RSI 100, got %.2f", rsi)
	}

	down := trendBars(50, 200, -1)
	if rsi := RSI(down, 14); rsi > 5 {
		t.Errorf("pure downtrend should read RSI near 0, got %.2f", rsi)
	}

	if rsi := RSI(up[:3], 14); rsi != 50 {
		t.Errorf("insufficient data must return neutral 50, got %.2f", rsi)
	}
}

func TestDetectRegime(t *testing.T) {
	if r := DetectRegime(trendBars(200, 100, 1), 20, 50); r != RegimeBullish {
		t.Errorf("uptrend should classify BULLISH, got %s", r)
	}
	if r := DetectRegime(trendBars(200, 500, -1), 20, 50); r != RegimeBearish {
		t.Errorf("downtrend should classify BEARISH, got %s", r)
	}
	if r := DetectRegime(trendBars(200, 100, 0), 20, 50); r != RegimeRanging {
		t.Errorf("flat series should classify RANGING, got %s", r)
	}
}

func TestClassifyVolatility(t *testing.T) {
	tests := []struct {
		pct  float64
		want VolatilityZone
	}{
		{10, ZoneLow},
		{33, ZoneMid},
		{50, ZoneMid},
		{66, ZoneHigh},
		{95, ZoneHigh},
	}
	for _, tt := range tests {
		if got := ClassifyVolatility(tt.pct, 33, 66); got != tt.want {
			t.Errorf("percentile %.0f: expected %s, got %s", tt.pct, tt.want, got)
		}
	}
}

func TestFindSwing(t *testing.T) {
	bars := trendBars(60, 100, 1)
	sp, ok := FindSwing(bars, 30)
	if !ok {
		t.Fatal("expected a valid swing")
	}
	if sp.High <= sp.Low {
		t.Fatalf("inverted swing: high %.2f low %.2f", sp.High, sp.Low)
	}
	// Uptrend: high is the last bar, low is the first bar of the lookback.
	if sp.HighIdx != len(bars)-1 {
		t.Errorf("expected swing high at last bar, got idx %d", sp.HighIdx)
	}
	if sp.LowIdx != len(bars)-30 {
		t.Errorf("expected swing low at window start, got idx %d", sp.LowIdx)
	}
	if sp.BarsBack != 0 {
		t.Errorf("most recent extremum is the last bar, BarsBack should be 0, got %d", sp.BarsBack)
	}
}

// The feature value "as of i" must not change when future bars exist.
func TestSnapshot_NoLookahead(t *testing.T) {
	bars := trendBars(300, 100, 0.3)
	cfg := DefaultConfig()

	for _, i := range []int{150, 200, 299} {
		full := NewFeatures(cfg, 256).Snapshot(bars[:i+1])
		trimmed := NewFeatures(cfg, 256).Snapshot(append([]market.Bar(nil), bars[:i+1]...))
		if full != trimmed {
			t.Errorf("snapshot as of %d differs between full and truncated history", i)
		}
	}
}
