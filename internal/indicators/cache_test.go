package indicators

import (
	"math"
	"testing"
	"time"

	"strategy-replay-engine/internal/market"
)

func cacheBars(n int) []market.Bar {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := range bars {
		p := 50.0 + math.Sin(float64(i)/7)*3
		bars[i] = market.Bar{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     p, High: p + 1, Low: p - 1, Close: p + 0.2, Volume: 10,
		}
	}
	return bars
}

func TestCache_HitMissCounters(t *testing.T) {
	c := NewCache(16)
	calls := 0
	compute := func() float64 { calls++; return 42 }

	if v := c.Value(7, compute); v != 42 {
		t.Fatalf("expected 42, got %f", v)
	}
	if v := c.Value(7, compute); v != 42 {
		t.Fatalf("expected 42 on hit, got %f", v)
	}
	if calls != 1 {
		t.Errorf("compute should run once, ran %d times", calls)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", hits, misses)
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c := NewCache(2)
	c.Value(1, func() float64 { return 1 })
	c.Value(2, func() float64 { return 2 })
	c.Value(1, func() float64 { return 1 }) // touch 1, making 2 the LRU
	c.Value(3, func() float64 { return 3 }) // evicts 2

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}

	recomputed := false
	c.Value(2, func() float64 { recomputed = true; return 2 })
	if !recomputed {
		t.Errorf("key 2 should have been evicted")
	}

	recomputed = false
	c.Value(1, func() float64 { recomputed = true; return 1 })
	// 1 may have been evicted by the re-insert of 2; only assert capacity held
	if c.Len() != 2 {
		t.Errorf("capacity must stay bounded at 2, got %d", c.Len())
	}
	_ = recomputed
}

// Repeated calls with an identical window must produce byte-identical output.
func TestSnapshot_Idempotent(t *testing.T) {
	bars := cacheBars(250)
	f := NewFeatures(DefaultConfig(), 512)

	a := f.Snapshot(bars)
	b := f.Snapshot(bars)
	copyBars := append([]market.Bar(nil), bars...)
	c := f.Snapshot(copyBars)

	for i, pair := range [][2]Snapshot{{a, b}, {a, c}} {
		x, y := pair[0], pair[1]
		if math.Float64bits(x.ATR) != math.Float64bits(y.ATR) ||
			math.Float64bits(x.TrendEMA) != math.Float64bits(y.TrendEMA) ||
			math.Float64bits(x.EMASlope) != math.Float64bits(y.EMASlope) ||
			math.Float64bits(x.RSI) != math.Float64bits(y.RSI) ||
			math.Float64bits(x.ATRPercentile) != math.Float64bits(y.ATRPercentile) {
			t.Errorf("snapshot %d not byte-identical", i)
		}
	}

	hits, _ := f.Cache().Stats()
	if hits == 0 {
		t.Errorf("second snapshot of the same window should hit the cache")
	}
}

func TestFingerprint_SuffixSensitivity(t *testing.T) {
	bars := cacheBars(100)

	a := fingerprint("atr", []int{14}, bars, 15)
	b := fingerprint("atr", []int{14}, bars, 15)
	if a != b {
		t.Fatal("fingerprint must be deterministic")
	}

	// Changing a bar outside the relevant suffix must not change the key.
	altered := append([]market.Bar(nil), bars...)
	altered[0].Close += 5
	if fingerprint("atr", []int{14}, altered, 15) != a {
		t.Errorf("bars outside the trailing slice must not affect the key")
	}

	// Changing a bar inside the suffix must change the key.
	altered2 := append([]market.Bar(nil), bars...)
	altered2[len(altered2)-1].Close += 5
	if fingerprint("atr", []int{14}, altered2, 15) == a {
		t.Errorf("bars inside the trailing slice must affect the key")
	}

	if fingerprint("ema", []int{14}, bars, 15) == a {
		t.Errorf("indicator name must affect the key")
	}
	if fingerprint("atr", []int{20}, bars, 15) == a {
		t.Errorf("parameters must affect the key")
	}
}
