package indicators

import (
	"strategy-replay-engine/internal/market"
)

// Config holds indicator periods shared by the gate and exit engines.
type Config struct {
	ATRPeriod     int `json:"atr_period"`
	TrendEMA      int `json:"trend_ema_period"`
	FastEMA       int `json:"fast_ema_period"`
	SlowEMA       int `json:"slow_ema_period"`
	RSIPeriod     int `json:"rsi_period"`
	SlopeLookback int `json:"slope_lookback"`
	VolLookback   int `json:"vol_lookback"`

	VolLowCut  float64 `json:"vol_low_cut"`
	VolHighCut float64 `json:"vol_high_cut"`
}

// DefaultConfig returns the standard indicator parameters.
func DefaultConfig() Config {
	return Config{
		ATRPeriod:     14,
		TrendEMA:      50,
		FastEMA:       20,
		SlowEMA:       50,
		RSIPeriod:     14,
		SlopeLookback: 5,
		VolLookback:   100,
		VolLowCut:     33,
		VolHighCut:    66,
	}
}

// Snapshot carries the per-bar feature values the engines consume.
type Snapshot struct {
	ATR           float64
	TrendEMA      float64
	EMASlope      float64
	RSI           float64
	ATRPercentile float64
	VolZone       VolatilityZone
	Regime        Regime
}

// Features computes snapshots through a per-run cache.
type Features struct {
	cfg   Config
	cache *Cache
}

// NewFeatures creates a feature computer with its own cache instance.
func NewFeatures(cfg Config, cacheCapacity int) *Features {
	return &Features{cfg: cfg, cache: NewCache(cacheCapacity)}
}

// Cache exposes the underlying cache for hit/miss reporting.
func (f *Features) Cache() *Cache {
	return f.cache
}

// Snapshot computes all features as of the last bar of the given window.
// Values are cached by a fingerprint of the trailing slice each
// indicator reads, so identical windows yield byte-identical results.
func (f *Features) Snapshot(bars []market.Bar) Snapshot {
	cfg := f.cfg

	atr := f.cache.Value(
		fingerprint("atr", []int{cfg.ATRPeriod}, bars, cfg.ATRPeriod+1),
		func() float64 { return ATR(bars, cfg.ATRPeriod) },
	)
	trendEMA := f.cache.Value(
		fingerprint("ema", []int{cfg.TrendEMA}, bars, len(bars)),
		func() float64 { return EMA(bars, cfg.TrendEMA) },
	)
	slope := f.cache.Value(
		fingerprint("ema_slope", []int{cfg.TrendEMA, cfg.SlopeLookback}, bars, len(bars)),
		func() float64 { return EMASlope(bars, cfg.TrendEMA, cfg.SlopeLookback) },
	)
	rsi := f.cache.Value(
		fingerprint("rsi", []int{cfg.RSIPeriod}, bars, cfg.RSIPeriod+1),
		func() float64 { return RSI(bars, cfg.RSIPeriod) },
	)
	pct := f.cache.Value(
		fingerprint("atr_pct", []int{cfg.ATRPeriod, cfg.VolLookback}, bars, cfg.ATRPeriod+cfg.VolLookback+1),
		func() float64 { return ATRPercentile(bars, cfg.ATRPeriod, cfg.VolLookback) },
	)

	return Snapshot{
		ATR:           atr,
		TrendEMA:      trendEMA,
		EMASlope:      slope,
		RSI:           rsi,
		ATRPercentile: pct,
		VolZone:       ClassifyVolatility(pct, cfg.VolLowCut, cfg.VolHighCut),
		Regime:        DetectRegime(bars, cfg.FastEMA, cfg.SlowEMA),
	}
}
