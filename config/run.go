package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"strategy-replay-engine/internal/exits"
	"strategy-replay-engine/internal/gate"
	"strategy-replay-engine/internal/indicators"
	"strategy-replay-engine/internal/market"
)

// Resolution errors surface before any bar runs.
var (
	ErrBadRiskMap   = errors.New("malformed risk map")
	ErrBadTimeframe = errors.New("unknown timeframe")
	ErrBadFraction  = errors.New("fraction out of range")
)

// ReplaySettings are the run-level parameters outside any single
// component.
type ReplaySettings struct {
	Symbol          string  `json:"symbol"`
	Timeframe       string  `json:"timeframe"`
	HTFTimeframe    string  `json:"htf_timeframe"` // empty disables HTF context
	StartingCapital float64 `json:"starting_capital"`
	CommissionRate  float64 `json:"commission_rate"`
	SlippageRate    float64 `json:"slippage_rate"`
	WarmupBars      int     `json:"warmup_bars"`
	LookbackWindow  int     `json:"lookback_window"` // bars of history fed to the indicator snapshot
	SwingLookback   int     `json:"swing_lookback"`
	Strict          bool    `json:"strict"` // abort on per-bar errors instead of skipping
	Debug           bool    `json:"debug"`  // keep the per-bar decision trail
	CacheCapacity   int     `json:"cache_capacity"`
}

// RunConfig is the fully-merged configuration one replay run consumes.
type RunConfig struct {
	Replay     ReplaySettings     `json:"replay"`
	Gate       gate.Config        `json:"gate"`
	Exits      exits.Config       `json:"exits"`
	Indicators indicators.Config  `json:"indicators"`
}

// DefaultRunConfig returns the baseline layer of the resolver.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Replay: ReplaySettings{
			Symbol:          "BTCUSDT",
			Timeframe:       "1h",
			HTFTimeframe:    "4h",
			StartingCapital: 10000,
			CommissionRate:  0.001,
			SlippageRate:    0.0005,
			WarmupBars:      60,
			LookbackWindow:  250,
			SwingLookback:   50,
			CacheCapacity:   1024,
		},
		Gate:       gate.DefaultConfig(),
		Exits:      exits.DefaultConfig(),
		Indicators: indicators.DefaultConfig(),
	}
}

// Resolve merges the baseline defaults, an optional champion layer, and
// optional caller overrides, in that order. Each layer is a partial
// JSON document; present fields win over the layer below. The merged
// result is validated once here so the replay engine never sees a
// malformed configuration.
func Resolve(champion, overrides json.RawMessage) (RunConfig, error) {
	cfg := DefaultRunConfig()

	for _, layer := range []json.RawMessage{champion, overrides} {
		if len(layer) == 0 {
			continue
		}
		if err := json.Unmarshal(layer, &cfg); err != nil {
			return RunConfig{}, fmt.Errorf("merging config layer: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

// Validate fails fast on configuration that would otherwise surface as
// a mid-run error.
func (c *RunConfig) Validate() error {
	if _, err := market.ParseTimeframe(c.Replay.Timeframe); err != nil {
		return fmt.Errorf("%w: %q", ErrBadTimeframe, c.Replay.Timeframe)
	}
	if c.Replay.HTFTimeframe != "" {
		if _, err := market.ParseTimeframe(c.Replay.HTFTimeframe); err != nil {
			return fmt.Errorf("%w: %q", ErrBadTimeframe, c.Replay.HTFTimeframe)
		}
	}
	if c.Replay.StartingCapital <= 0 {
		return errors.New("starting capital must be positive")
	}
	if c.Replay.WarmupBars < 1 {
		return errors.New("warmup must be at least one bar")
	}
	if c.Replay.LookbackWindow < c.Replay.WarmupBars {
		return errors.New("lookback window must cover at least the warmup")
	}
	if c.Replay.CommissionRate < 0 || c.Replay.SlippageRate < 0 {
		return errors.New("commission and slippage must be non-negative")
	}

	if len(c.Gate.RiskMap) == 0 {
		return fmt.Errorf("%w: empty", ErrBadRiskMap)
	}
	prev := -1.0
	for i, row := range c.Gate.RiskMap {
		thr, size := row[0], row[1]
		if thr < 0 || thr > 1 {
			return fmt.Errorf("%w: row %d threshold %.4f", ErrBadRiskMap, i, thr)
		}
		if thr <= prev {
			return fmt.Errorf("%w: thresholds not strictly ascending at row %d", ErrBadRiskMap, i)
		}
		if size <= 0 || size > 1 {
			return fmt.Errorf("%w: row %d size %.4f", ErrBadRiskMap, i, size)
		}
		prev = thr
	}

	for _, f := range []float64{c.Exits.FirstFraction, c.Exits.SecondFraction} {
		if f < 0 || f > 1 {
			return fmt.Errorf("%w: partial fraction %.4f", ErrBadFraction, f)
		}
	}
	switch c.Exits.Policy {
	case exits.PolicyFixed, exits.PolicyDynamic, exits.PolicyHybrid, "":
	default:
		return fmt.Errorf("unknown swing-update policy %q", c.Exits.Policy)
	}
	return nil
}
