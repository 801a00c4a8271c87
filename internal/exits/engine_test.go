package exits

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"strategy-replay-engine/internal/indicators"
	"strategy-replay-engine/internal/levels"
	"strategy-replay-engine/internal/market"
	"strategy-replay-engine/internal/position"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.StopLossPct = 0
	cfg.TakeProfitPct = 0
	cfg.MinConfidence = 0
	cfg.ExitOnRegime = false
	return cfg
}

func longPosition(t *testing.T, entry float64) *position.Position {
	t.Helper()
	grid, err := levels.Compute(levels.Swing{High: 110, Low: 90}, market.SideLong, nil)
	if err != nil {
		t.Fatal(err)
	}
	return &position.Position{
		Symbol:        "BTCUSDT",
		Side:          market.SideLong,
		InitialSize:   10,
		RemainingSize: 10,
		EntryPrice:    entry,
		EntryTime:     t0,
		Frozen:        grid,
		FrozenAt:      t0,
		Triggered:     make(map[string]bool),
	}
}

func barAt(price float64) market.Bar {
	return market.Bar{OpenTime: t0.Add(time.Hour), Open: price, High: price, Low: price, Close: price, Volume: 1}
}

func TestEvaluate_PartialFiresOncePerLevel(t *testing.T) {
	eng := NewEngine(quietConfig(), zerolog.Nop())
	pos := longPosition(t, 95)

	// Grid for swing 110/90 LONG: 0.5 level at 100, 0.382 at 102.36.
	snap := indicators.Snapshot{ATR: 1, TrendEMA: 100, EMASlope: 0.1}

	acts := eng.Evaluate(pos, BarContext{Bar: barAt(99.9), Snap: snap})
	if len(acts) != 1 || acts[0].Kind != KindPartialExit || acts[0].Reason != ReasonPartial05 {
		t.Fatalf("expected one partial_05, got %+v", acts)
	}
	if acts[0].Size != 3 { // 30% of initial 10
		t.Errorf("second leg takes 30%% of initial size, got %f", acts[0].Size)
	}

	// Same bar again: the level is spent.
	acts = eng.Evaluate(pos, BarContext{Bar: barAt(99.9), Snap: snap})
	for _, a := range acts {
		if a.Kind == KindPartialExit {
			t.Fatalf("level must fire at most once, got %+v", a)
		}
	}

	// Price reaches the 0.382 level: first leg fires at 40%.
	acts = eng.Evaluate(pos, BarContext{Bar: barAt(102.3), Snap: snap})
	if len(acts) != 1 || acts[0].Reason != ReasonPartial0382 || acts[0].Size != 4 {
		t.Fatalf("expected partial_0382 of size 4, got %+v", acts)
	}
}

func TestEvaluate_ShortMirrorsLevels(t *testing.T) {
	eng := NewEngine(quietConfig(), zerolog.Nop())

	grid, err := levels.Compute(levels.Swing{High: 110, Low: 90}, market.SideShort, nil)
	if err != nil {
		t.Fatal(err)
	}
	pos := &position.Position{
		Symbol: "BTCUSDT", Side: market.SideShort,
		InitialSize: 10, RemainingSize: 10,
		EntryPrice: 105, EntryTime: t0,
		Frozen: grid, FrozenAt: t0,
		Triggered: make(map[string]bool),
	}

	// SHORT grid 110/90: 0.618 level at 102.36, 0.5 at 100.
	snap := indicators.Snapshot{ATR: 1, TrendEMA: 103, EMASlope: -0.1}

	acts := eng.Evaluate(pos, BarContext{Bar: barAt(102.4), Snap: snap})
	if len(acts) != 1 || acts[0].Reason != ReasonPartial0618 || acts[0].Size != 4 {
		t.Fatalf("expected partial_0618 of size 4, got %+v", acts)
	}
}

func TestEvaluate_TrailingPromoteOnly(t *testing.T) {
	cfg := quietConfig()
	cfg.ATRMultiplier = 2
	eng := NewEngine(cfg, zerolog.Nop())
	pos := longPosition(t, 95)
	pos.Triggered[ReasonPartial05] = true
	pos.Triggered[ReasonPartial0382] = true

	// Base stop 100 - 2*1 = 98; the passed 0.786 level (94.28) is lower.
	eng.Evaluate(pos, BarContext{Bar: barAt(99), Snap: indicators.Snapshot{ATR: 1, TrendEMA: 100}})
	if pos.TrailingStop != 98 {
		t.Fatalf("expected initial stop 98, got %f", pos.TrailingStop)
	}

	// EMA drops: base loosens to 93, but the stop must not move down.
	eng.Evaluate(pos, BarContext{Bar: barAt(99), Snap: indicators.Snapshot{ATR: 1, TrendEMA: 95}})
	if pos.TrailingStop != 98 {
		t.Errorf("stop must never loosen, got %f", pos.TrailingStop)
	}

	// Price clears the 0.5 level at 100: stop promotes onto it.
	acts := eng.Evaluate(pos, BarContext{Bar: barAt(100.5), Snap: indicators.Snapshot{ATR: 1, TrendEMA: 100}})
	if pos.TrailingStop != 100 {
		t.Errorf("stop should promote to the passed level 100, got %f", pos.TrailingStop)
	}
	for _, a := range acts {
		if a.Kind == KindFullExit {
			t.Fatalf("no exit expected while price is above the stop: %+v", a)
		}
	}

	// Falling back through the promoted stop exits in full.
	acts = eng.Evaluate(pos, BarContext{Bar: barAt(99.5), Snap: indicators.Snapshot{ATR: 1, TrendEMA: 100}})
	if len(acts) != 1 || acts[0].Kind != KindFullExit || acts[0].Reason != ReasonTrailingStop {
		t.Fatalf("expected trailing_stop full exit, got %+v", acts)
	}
	if acts[0].Size != pos.RemainingSize {
		t.Errorf("full exit must close the remainder")
	}
}

func TestEvaluate_StructureBreakNeedsSlopeConfirm(t *testing.T) {
	cfg := quietConfig()
	cfg.ATRMultiplier = 4 // keep the trailing stop out of the way
	cfg.SlopeThreshold = 0.15
	eng := NewEngine(cfg, zerolog.Nop())

	pos := longPosition(t, 100)
	pos.Triggered[ReasonPartial05] = true
	pos.Triggered[ReasonPartial0382] = true

	// Key level for LONG is 0.618 at 97.64. Price below it, no slope
	// confirmation: structure holds.
	snap := indicators.Snapshot{ATR: 1, TrendEMA: 98, EMASlope: -0.05}
	acts := eng.Evaluate(pos, BarContext{Bar: barAt(97), Snap: snap})
	for _, a := range acts {
		if a.Kind == KindFullExit {
			t.Fatalf("break without slope confirmation must not exit: %+v", a)
		}
	}

	snap.EMASlope = -0.2
	acts = eng.Evaluate(pos, BarContext{Bar: barAt(97), Snap: snap})
	if len(acts) != 1 || acts[0].Reason != ReasonStructureBreak {
		t.Fatalf("expected structure_break, got %+v", acts)
	}
}

func TestEvaluate_ReachabilityGuard(t *testing.T) {
	cfg := quietConfig()
	eng := NewEngine(cfg, zerolog.Nop())

	grid, err := levels.Compute(levels.Swing{High: 1100, Low: 900}, market.SideLong, nil)
	if err != nil {
		t.Fatal(err)
	}
	pos := &position.Position{
		Symbol: "BTCUSDT", Side: market.SideLong,
		InitialSize: 10, RemainingSize: 10,
		EntryPrice: 505, EntryTime: t0,
		Frozen: grid, FrozenAt: t0,
		Triggered: make(map[string]bool),
	}

	// Nearest level hundreds away against ATR 10: not actionable.
	snap := indicators.Snapshot{ATR: 10, TrendEMA: 490}
	acts := eng.Evaluate(pos, BarContext{Bar: barAt(500), Snap: snap})
	if len(acts) != 1 || acts[0].Kind != KindNone || acts[0].Reason != ReasonUnreachable {
		t.Fatalf("expected a single unreachable_levels debug action, got %+v", acts)
	}
}

func TestEvaluate_FallbackTrailingWhenContextUnusable(t *testing.T) {
	cfg := quietConfig()
	cfg.ATRMultiplier = 2
	eng := NewEngine(cfg, zerolog.Nop())

	pos := longPosition(t, 100)
	pos.Frozen = nil // missing context

	snap := indicators.Snapshot{ATR: 1, TrendEMA: 100}
	acts := eng.Evaluate(pos, BarContext{Bar: barAt(99), Snap: snap})
	if len(acts) != 0 {
		t.Fatalf("price above the generic stop, expected no actions, got %+v", acts)
	}
	if pos.TrailingStop != 98 {
		t.Fatalf("expected generic stop 98, got %f", pos.TrailingStop)
	}

	acts = eng.Evaluate(pos, BarContext{Bar: barAt(97.5), Snap: snap})
	if len(acts) != 1 || acts[0].Reason != ReasonFallbackTrail {
		t.Fatalf("expected fallback_trailing full exit, got %+v", acts)
	}
}

func TestEvaluate_CorruptedGridFallsBack(t *testing.T) {
	eng := NewEngine(quietConfig(), zerolog.Nop())
	pos := longPosition(t, 100)

	// Corrupt the frozen grid: a level outside the swing bounds makes
	// the context unusable without surfacing an error.
	pos.Frozen.Levels[0].Price = 200

	snap := indicators.Snapshot{ATR: 1, TrendEMA: 100}
	eng.Evaluate(pos, BarContext{Bar: barAt(99), Snap: snap})
	if pos.TrailingStop != 98 {
		t.Errorf("corrupted context must use the generic stop, got %f", pos.TrailingStop)
	}
}

func TestEvaluate_SwingUpdatePolicies(t *testing.T) {
	fresh := levels.Swing{High: 120, Low: 95}

	tests := []struct {
		name     string
		policy   Policy
		age      int
		reanchor bool
	}{
		{"fixed never re-anchors", PolicyFixed, 0, false},
		{"dynamic re-anchors on improvement", PolicyDynamic, 100, true},
		{"hybrid rejects stale swings", PolicyHybrid, 100, false},
		{"hybrid accepts fresh swings", PolicyHybrid, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := quietConfig()
			cfg.Policy = tt.policy
			cfg.MinSwingImprovement = 0.10
			cfg.MaxSwingAgeBars = 50
			eng := NewEngine(cfg, zerolog.Nop())

			pos := longPosition(t, 100)
			pos.Triggered[ReasonPartial05] = true

			eng.Evaluate(pos, BarContext{
				Bar:          barAt(100),
				Snap:         indicators.Snapshot{ATR: 1, TrendEMA: 100},
				FreshSwing:   &fresh,
				SwingAgeBars: tt.age,
			})

			if tt.reanchor {
				if pos.Frozen.Swing.High != 120 {
					t.Errorf("expected re-anchored grid, still %f", pos.Frozen.Swing.High)
				}
				if len(pos.Triggered) != 0 {
					t.Errorf("re-anchoring must clear the triggered set")
				}
			} else {
				if pos.Frozen.Swing.High != 110 {
					t.Errorf("unexpected re-anchor to %f", pos.Frozen.Swing.High)
				}
				if !pos.Triggered[ReasonPartial05] {
					t.Errorf("triggered set must survive without re-anchor")
				}
			}
		})
	}
}

func TestEvaluate_DynamicIgnoresInsufficientImprovement(t *testing.T) {
	cfg := quietConfig()
	cfg.Policy = PolicyDynamic
	cfg.MinSwingImprovement = 0.10
	eng := NewEngine(cfg, zerolog.Nop())

	pos := longPosition(t, 100) // frozen range 20
	small := levels.Swing{High: 111, Low: 90}

	eng.Evaluate(pos, BarContext{
		Bar:        barAt(100),
		Snap:       indicators.Snapshot{ATR: 1, TrendEMA: 100},
		FreshSwing: &small,
	})
	if pos.Frozen.Swing.High != 110 {
		t.Errorf("a 5%% wider swing must not re-anchor at 10%% minimum")
	}
}

func TestEvaluate_FallbackRules(t *testing.T) {
	t.Run("stop loss", func(t *testing.T) {
		cfg := quietConfig()
		cfg.StopLossPct = 0.03
		cfg.ATRMultiplier = 10
		eng := NewEngine(cfg, zerolog.Nop())

		pos := longPosition(t, 100)
		pos.Triggered[ReasonPartial05] = true
		pos.Triggered[ReasonPartial0382] = true

		acts := eng.Evaluate(pos, BarContext{Bar: barAt(96.5), Snap: indicators.Snapshot{ATR: 1, TrendEMA: 100}})
		if len(acts) != 1 || acts[0].Reason != ReasonStopLoss {
			t.Fatalf("expected stop_loss, got %+v", acts)
		}
	})

	t.Run("confidence drop", func(t *testing.T) {
		cfg := quietConfig()
		cfg.MinConfidence = 0.3
		cfg.ATRMultiplier = 10
		eng := NewEngine(cfg, zerolog.Nop())

		pos := longPosition(t, 100)
		pos.Triggered[ReasonPartial05] = true
		pos.Triggered[ReasonPartial0382] = true

		acts := eng.Evaluate(pos, BarContext{
			Bar:        barAt(100.5),
			Snap:       indicators.Snapshot{ATR: 1, TrendEMA: 100, EMASlope: 0.1},
			Confidence: 0.2,
		})
		if len(acts) != 1 || acts[0].Reason != ReasonConfidenceDrop {
			t.Fatalf("expected confidence_drop, got %+v", acts)
		}
	})

	t.Run("regime flip", func(t *testing.T) {
		cfg := quietConfig()
		cfg.ExitOnRegime = true
		cfg.ATRMultiplier = 10
		eng := NewEngine(cfg, zerolog.Nop())

		pos := longPosition(t, 100)
		pos.Triggered[ReasonPartial05] = true
		pos.Triggered[ReasonPartial0382] = true

		acts := eng.Evaluate(pos, BarContext{
			Bar:  barAt(100.5),
			Snap: indicators.Snapshot{ATR: 1, TrendEMA: 100, EMASlope: 0.1, Regime: indicators.RegimeBearish},
		})
		if len(acts) != 1 || acts[0].Reason != ReasonRegimeFlip {
			t.Fatalf("expected regime_flip, got %+v", acts)
		}
	})
}
