// Package exits implements the per-bar exit state machine for an open
// position: retracement-level partials, a promote-only trailing stop,
// structure-break detection, and the generic fallback rules used when
// the frozen level context is unusable.
package exits

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"strategy-replay-engine/internal/indicators"
	"strategy-replay-engine/internal/levels"
	"strategy-replay-engine/internal/market"
	"strategy-replay-engine/internal/position"
)

// Policy selects how the frozen swing anchor may be replaced mid-trade.
type Policy string

const (
	// PolicyFixed never re-anchors: the grid frozen at entry is final.
	PolicyFixed Policy = "fixed"
	// PolicyDynamic re-anchors whenever a sufficiently wider swing appears.
	PolicyDynamic Policy = "dynamic"
	// PolicyHybrid re-anchors like dynamic but only on fresh swings.
	PolicyHybrid Policy = "hybrid"
)

// Kind classifies an emitted exit action.
type Kind int

const (
	KindNone Kind = iota
	KindPartialExit
	KindFullExit
)

func (k Kind) String() string {
	switch k {
	case KindPartialExit:
		return "partial_exit"
	case KindFullExit:
		return "full_exit"
	default:
		return "none"
	}
}

// Action is one instruction for the position tracker. KindNone actions
// carry debug context only and close nothing.
type Action struct {
	Kind   Kind
	Size   float64
	Price  float64
	Reason string
	Debug  string
}

// Exit reason codes recorded on the trade ledger.
const (
	ReasonPartial0382     = "partial_0382"
	ReasonPartial05       = "partial_05"
	ReasonPartial0618     = "partial_0618"
	ReasonTrailingStop    = "trailing_stop"
	ReasonStructureBreak  = "structure_break"
	ReasonStopLoss        = "stop_loss"
	ReasonTakeProfit      = "take_profit"
	ReasonConfidenceDrop  = "confidence_drop"
	ReasonRegimeFlip      = "regime_flip"
	ReasonUnreachable     = "unreachable_levels"
	ReasonFallbackTrail   = "fallback_trailing"
	ReasonEndOfHistory    = "end_of_history"
)

// BarContext is everything the engine may read for one bar besides the
// position itself.
type BarContext struct {
	Bar  market.Bar
	Snap indicators.Snapshot

	// Current directional confidence for the open side; feeds the
	// confidence-drop fallback rule.
	Confidence float64

	// Most recent swing candidate for the dynamic/hybrid policies and
	// its age in bars. Nil when no usable swing exists.
	FreshSwing   *levels.Swing
	SwingAgeBars int
}

// Config parameterizes the engine. DefaultConfig values match moderate
// intraday behavior.
type Config struct {
	Policy Policy `json:"policy"`

	FirstFraction  float64 `json:"first_fraction"`  // of initial size, first level
	SecondFraction float64 `json:"second_fraction"` // of initial size, second level

	ATRMultiplier float64 `json:"atr_multiplier"` // k in EMA ± k*ATR

	// Level proximity tolerance: max of pct-of-price and fraction-of-ATR,
	// widened by FarToleranceScale when price is far from every level.
	TolerancePct      float64 `json:"tolerance_pct"`
	ToleranceATR      float64 `json:"tolerance_atr"`
	FarToleranceScale float64 `json:"far_tolerance_scale"`

	// Structure break needs the slope to confirm the reversal.
	SlopeThreshold float64 `json:"slope_threshold"`

	// Nearest level further than this many ATRs is not actionable.
	MaxLevelATRDist float64 `json:"max_level_atr_dist"`

	// Re-anchoring: the new swing range must exceed the frozen one by
	// this fraction; hybrid additionally requires the swing to be fresh.
	MinSwingImprovement float64 `json:"min_swing_improvement"`
	MaxSwingAgeBars     int     `json:"max_swing_age_bars"`

	// Fallback full-exit rules. Zero disables a rule.
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	MinConfidence float64 `json:"min_confidence"`
	ExitOnRegime  bool    `json:"exit_on_regime_flip"`
}

// DefaultConfig returns the moderate defaults.
func DefaultConfig() Config {
	return Config{
		Policy:              PolicyFixed,
		FirstFraction:       0.40,
		SecondFraction:      0.30,
		ATRMultiplier:       2.0,
		TolerancePct:        0.002,
		ToleranceATR:        0.25,
		FarToleranceScale:   2.0,
		SlopeThreshold:      0.15,
		MaxLevelATRDist:     6.0,
		MinSwingImprovement: 0.10,
		MaxSwingAgeBars:     50,
		StopLossPct:         0.03,
		TakeProfitPct:       0,
		MinConfidence:       0,
		ExitOnRegime:        false,
	}
}

// partialLeg binds a retracement ratio to its ledger reason and size
// fraction. LONG takes the 0.382 then 0.5 levels; SHORT mirrors with
// 0.618 then 0.5.
type partialLeg struct {
	ratio    float64
	reason   string
	fraction float64
}

func (c *Config) legs(side market.Side) []partialLeg {
	if side == market.SideLong {
		return []partialLeg{
			{0.382, ReasonPartial0382, c.FirstFraction},
			{0.5, ReasonPartial05, c.SecondFraction},
		}
	}
	return []partialLeg{
		{0.618, ReasonPartial0618, c.FirstFraction},
		{0.5, ReasonPartial05, c.SecondFraction},
	}
}

// keyRatio anchors the structure-break rule: crossing back past this
// level against the position suggests the swing structure failed.
func keyRatio(side market.Side) float64 {
	if side == market.SideLong {
		return 0.618
	}
	return 0.382
}

// Engine evaluates exit rules for one position per bar. It mutates the
// position's trailing stop, triggered set, and frozen context (under
// dynamic/hybrid policies) but never the tracker; closes are returned
// as actions for the caller to apply.
type Engine struct {
	cfg Config
	log zerolog.Logger
}

func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = PolicyFixed
	}
	return &Engine{cfg: cfg, log: logger.With().Str("component", "exits").Logger()}
}

// Evaluate runs the per-bar rule sequence: re-anchor check, then
// partials, trailing update, structure break, and finally the fallback
// rules. A full exit short-circuits the rest of the sequence.
func (e *Engine) Evaluate(pos *position.Position, ctx BarContext) []Action {
	if pos == nil || pos.RemainingSize <= 0 {
		return nil
	}

	e.maybeReanchor(pos, ctx)

	price := ctx.Bar.Close
	usable := e.contextUsable(pos, ctx)

	var actions []Action

	if usable {
		guard := e.reachabilityGuard(pos, ctx)
		if guard != nil {
			actions = append(actions, *guard)
		} else {
			actions = append(actions, e.partials(pos, ctx)...)
		}

		e.updateTrailing(pos, ctx)
		if hit, stop := e.trailingHit(pos, price); hit {
			return append(actions, Action{
				Kind: KindFullExit, Size: pos.RemainingSize, Price: price,
				Reason: ReasonTrailingStop,
				Debug:  debugf("stop=%.8f", stop),
			})
		}

		if brk := e.structureBreak(pos, ctx); brk != nil {
			return append(actions, *brk)
		}
	} else {
		// Unusable frozen context: generic trailing stop only.
		e.updateFallbackTrailing(pos, ctx)
		if hit, stop := e.trailingHit(pos, price); hit {
			return append(actions, Action{
				Kind: KindFullExit, Size: pos.RemainingSize, Price: price,
				Reason: ReasonFallbackTrail,
				Debug:  debugf("stop=%.8f", stop),
			})
		}
	}

	if fb := e.fallback(pos, ctx); fb != nil {
		return append(actions, *fb)
	}
	return actions
}

// contextUsable re-validates the frozen grid every bar: a grid that was
// valid at freeze time can only become unusable through corruption, but
// a missing grid or a degenerate ATR forces the generic path.
func (e *Engine) contextUsable(pos *position.Position, ctx BarContext) bool {
	if pos.Frozen == nil {
		return false
	}
	if ctx.Snap.ATR <= 0 || math.IsNaN(ctx.Snap.ATR) {
		return false
	}
	return pos.Frozen.Validate() == nil
}

// maybeReanchor applies the swing-update policy. Re-anchoring replaces
// the frozen grid, clears the triggered-exit set, and is audit-logged.
func (e *Engine) maybeReanchor(pos *position.Position, ctx BarContext) {
	if e.cfg.Policy == PolicyFixed || ctx.FreshSwing == nil {
		return
	}
	if e.cfg.Policy == PolicyHybrid && e.cfg.MaxSwingAgeBars > 0 && ctx.SwingAgeBars > e.cfg.MaxSwingAgeBars {
		return
	}

	newRange := ctx.FreshSwing.Range()
	if newRange <= 0 {
		return
	}
	if pos.Frozen != nil {
		oldRange := pos.Frozen.Swing.Range()
		if newRange < oldRange*(1+e.cfg.MinSwingImprovement) {
			return
		}
	}

	grid, err := levels.Compute(*ctx.FreshSwing, pos.Side, nil)
	if err != nil {
		return
	}

	e.log.Info().
		Str("position_id", pos.ID).
		Str("policy", string(e.cfg.Policy)).
		Float64("old_range", rangeOrZero(pos.Frozen)).
		Float64("new_range", newRange).
		Time("bar", ctx.Bar.OpenTime).
		Msg("exit context re-anchored")

	pos.Frozen = grid
	pos.FrozenAt = ctx.Bar.OpenTime
	pos.Triggered = make(map[string]bool)
}

// reachabilityGuard returns a debug no-op when every untriggered level
// sits further than MaxLevelATRDist ATRs from price.
func (e *Engine) reachabilityGuard(pos *position.Position, ctx BarContext) *Action {
	if e.cfg.MaxLevelATRDist <= 0 {
		return nil
	}
	nearest := math.Inf(1)
	for _, leg := range e.cfg.legs(pos.Side) {
		if pos.Triggered[leg.reason] {
			continue
		}
		if lvl, ok := pos.Frozen.At(leg.ratio); ok {
			if d := math.Abs(ctx.Bar.Close - lvl); d < nearest {
				nearest = d
			}
		}
	}
	if math.IsInf(nearest, 1) {
		return nil
	}
	if nearest > e.cfg.MaxLevelATRDist*ctx.Snap.ATR {
		return &Action{
			Kind: KindNone, Reason: ReasonUnreachable,
			Debug: debugf("nearest=%.8f atr=%.8f", nearest, ctx.Snap.ATR),
		}
	}
	return nil
}

// partials fires each untriggered leg whose level price has reached
// within the adaptive tolerance. Fractions apply to the initial size.
func (e *Engine) partials(pos *position.Position, ctx BarContext) []Action {
	tol := e.tolerance(pos, ctx)
	price := ctx.Bar.Close

	var out []Action
	for _, leg := range e.cfg.legs(pos.Side) {
		if pos.Triggered[leg.reason] || leg.fraction <= 0 {
			continue
		}
		lvl, ok := pos.Frozen.At(leg.ratio)
		if !ok {
			continue
		}
		reached := false
		if pos.Side == market.SideLong {
			reached = price >= lvl-tol
		} else {
			reached = price <= lvl+tol
		}
		if !reached {
			continue
		}
		pos.Triggered[leg.reason] = true
		out = append(out, Action{
			Kind:   KindPartialExit,
			Size:   pos.InitialSize * leg.fraction,
			Price:  price,
			Reason: leg.reason,
			Debug:  debugf("level=%.8f tol=%.8f", lvl, tol),
		})
	}
	return out
}

// tolerance is the max of the pct-of-price and fraction-of-ATR bands,
// widened when price sits far from every level of the grid.
func (e *Engine) tolerance(pos *position.Position, ctx BarContext) float64 {
	tol := math.Max(ctx.Bar.Close*e.cfg.TolerancePct, ctx.Snap.ATR*e.cfg.ToleranceATR)
	if e.cfg.FarToleranceScale <= 1 {
		return tol
	}
	if lv, ok := pos.Frozen.Nearest(ctx.Bar.Close); ok {
		if math.Abs(ctx.Bar.Close-lv.Price) > 2*ctx.Snap.ATR {
			tol *= e.cfg.FarToleranceScale
		}
	}
	return tol
}

// updateTrailing recomputes the base EMA +/- k*ATR stop and promotes it
// toward any level price has already passed. Promotion only, never a
// loosening move.
func (e *Engine) updateTrailing(pos *position.Position, ctx BarContext) {
	base := trailBase(pos.Side, ctx.Snap, e.cfg.ATRMultiplier)
	candidate := base

	for _, lv := range pos.Frozen.Levels {
		if pos.Side == market.SideLong {
			// Price above a level means the level now backs the trade.
			if ctx.Bar.Close > lv.Price && lv.Price > candidate {
				candidate = lv.Price
			}
		} else {
			if ctx.Bar.Close < lv.Price && lv.Price < candidate {
				candidate = lv.Price
			}
		}
	}
	promote(pos, candidate)
}

// updateFallbackTrailing maintains the generic stop when the frozen
// grid is unusable.
func (e *Engine) updateFallbackTrailing(pos *position.Position, ctx BarContext) {
	if ctx.Snap.ATR <= 0 || math.IsNaN(ctx.Snap.ATR) || ctx.Snap.TrendEMA <= 0 {
		return
	}
	promote(pos, trailBase(pos.Side, ctx.Snap, e.cfg.ATRMultiplier))
}

func trailBase(side market.Side, snap indicators.Snapshot, k float64) float64 {
	if side == market.SideLong {
		return snap.TrendEMA - k*snap.ATR
	}
	return snap.TrendEMA + k*snap.ATR
}

// promote tightens the stop in the protective direction only.
func promote(pos *position.Position, candidate float64) {
	if candidate <= 0 || math.IsNaN(candidate) {
		return
	}
	if pos.TrailingStop == 0 {
		pos.TrailingStop = candidate
		return
	}
	if pos.Side == market.SideLong {
		if candidate > pos.TrailingStop {
			pos.TrailingStop = candidate
		}
	} else {
		if candidate < pos.TrailingStop {
			pos.TrailingStop = candidate
		}
	}
}

func (e *Engine) trailingHit(pos *position.Position, price float64) (bool, float64) {
	if pos.TrailingStop == 0 {
		return false, 0
	}
	if pos.Side == market.SideLong {
		return price <= pos.TrailingStop, pos.TrailingStop
	}
	return price >= pos.TrailingStop, pos.TrailingStop
}

// structureBreak fires a full exit when price crosses back past the key
// level against the position and the slope confirms the reversal.
func (e *Engine) structureBreak(pos *position.Position, ctx BarContext) *Action {
	lvl, ok := pos.Frozen.At(keyRatio(pos.Side))
	if !ok {
		return nil
	}
	price := ctx.Bar.Close

	broken := false
	if pos.Side == market.SideLong {
		broken = price < lvl && ctx.Snap.EMASlope < -e.cfg.SlopeThreshold
	} else {
		broken = price > lvl && ctx.Snap.EMASlope > e.cfg.SlopeThreshold
	}
	if !broken {
		return nil
	}
	return &Action{
		Kind: KindFullExit, Size: pos.RemainingSize, Price: price,
		Reason: ReasonStructureBreak,
		Debug:  debugf("key=%.8f slope=%.6f", lvl, ctx.Snap.EMASlope),
	}
}

// fallback applies the generic full-exit rules in a fixed order:
// stop-loss, take-profit, confidence drop, regime flip.
func (e *Engine) fallback(pos *position.Position, ctx BarContext) *Action {
	price := ctx.Bar.Close

	move := (price - pos.EntryPrice) / pos.EntryPrice
	if pos.Side == market.SideShort {
		move = -move
	}

	full := func(reason, debug string) *Action {
		return &Action{Kind: KindFullExit, Size: pos.RemainingSize, Price: price, Reason: reason, Debug: debug}
	}

	if e.cfg.StopLossPct > 0 && move <= -e.cfg.StopLossPct {
		return full(ReasonStopLoss, debugf("move=%.6f", move))
	}
	if e.cfg.TakeProfitPct > 0 && move >= e.cfg.TakeProfitPct {
		return full(ReasonTakeProfit, debugf("move=%.6f", move))
	}
	if e.cfg.MinConfidence > 0 && ctx.Confidence > 0 && ctx.Confidence < e.cfg.MinConfidence {
		return full(ReasonConfidenceDrop, debugf("conf=%.4f", ctx.Confidence))
	}
	if e.cfg.ExitOnRegime {
		if pos.Side == market.SideLong && ctx.Snap.Regime == indicators.RegimeBearish {
			return full(ReasonRegimeFlip, string(ctx.Snap.Regime))
		}
		if pos.Side == market.SideShort && ctx.Snap.Regime == indicators.RegimeBullish {
			return full(ReasonRegimeFlip, string(ctx.Snap.Regime))
		}
	}
	return nil
}

func debugf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

func rangeOrZero(g *levels.Grid) float64 {
	if g == nil {
		return 0
	}
	return g.Swing.Range()
}
