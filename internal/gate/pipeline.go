package gate

import (
	"fmt"
	"math"

	"strategy-replay-engine/internal/indicators"
	"strategy-replay-engine/internal/market"
)

// Decide evaluates the ordered gate sequence for one bar. The first
// rejecting gate returns NONE with its reason code. No external state
// is mutated; the successor state is returned.
func Decide(in Input, st State, cfg *Config) (Decision, State) {
	next := st
	next.BuyConfHist = pushBounded(st.BuyConfHist, in.Confs.Buy, cfg.ConfidenceHistory)
	next.SellConfHist = pushBounded(st.SellConfHist, in.Confs.Sell, cfg.ConfidenceHistory)

	thr := cfg.threshold(in.Regime, in.VolZone)
	next.Zone = ZoneSnapshot{VolZone: string(in.VolZone), Threshold: thr}

	// reject is the exit path for gates that fire before a flip
	// candidate has fully confirmed. Such a bar breaks any flip
	// sequence in progress, so the pending flip resets with it.
	reject := func(r Reason) (Decision, State) {
		if next.Cooldown > 0 {
			next.Cooldown--
		}
		next.PendingAction = ActionNone
		next.FlipStreak = 0
		return Decision{Action: ActionNone, Reason: r}, next
	}

	// rejectConfirmed is for gates that run after the candidate has
	// survived every confirmation. The bar still counts toward a flip
	// in progress, so the pending flip is kept.
	rejectConfirmed := func(r Reason) (Decision, State) {
		if next.Cooldown > 0 {
			next.Cooldown--
		}
		return Decision{Action: ActionNone, Reason: r}, next
	}

	// Gate 1: fail-safe on missing/invalid inputs.
	if !validProb(in.Probs.Buy) || !validProb(in.Probs.Sell) || !validProb(in.Probs.Hold) ||
		!validProb(in.Confs.Buy) || !validProb(in.Confs.Sell) ||
		math.IsNaN(in.Price) || in.Price <= 0 {
		return reject(ReasonInvalidInput)
	}

	// Gate 2: expected-value filter under the configured reward ratio.
	if cfg.RewardRatio > 0 {
		evBuy := in.Probs.Buy*cfg.RewardRatio - (1 - in.Probs.Buy)
		evSell := in.Probs.Sell*cfg.RewardRatio - (1 - in.Probs.Sell)
		if evBuy <= 0 && evSell <= 0 {
			return reject(ReasonNoPositiveEV)
		}
	}

	// Gate 3: external blocks.
	if in.Risk.EventHalt {
		return reject(ReasonEventHalt)
	}
	if in.Risk.RiskCapBreached {
		return reject(ReasonRiskCap)
	}

	// Gate 4: a directional regime disallows the opposing side.
	buyAllowed, sellAllowed := true, true
	if cfg.RegimeFilter {
		switch in.Regime {
		case indicators.RegimeBullish:
			sellAllowed = false
		case indicators.RegimeBearish:
			buyAllowed = false
		}
	}
	if !buyAllowed && in.Probs.Buy > in.Probs.Sell {
		return reject(ReasonRegimeBlock)
	}
	if !sellAllowed && in.Probs.Sell > in.Probs.Buy {
		return reject(ReasonRegimeBlock)
	}

	// Gate 5: regime/zone-adaptive probability threshold.
	buyClears := buyAllowed && in.Probs.Buy >= thr
	sellClears := sellAllowed && in.Probs.Sell >= thr
	if !buyClears && !sellClears {
		return reject(ReasonBelowThreshold)
	}

	// Gate 6: tie-break. Higher probability wins; an exact tie falls back
	// to the previous direction, then the regime-implied direction, then
	// rejects. This fallback order is the defense against a degenerate
	// constant-probability model causing permanent inaction.
	var candidate Action
	switch {
	case buyClears && !sellClears:
		candidate = ActionLong
	case sellClears && !buyClears:
		candidate = ActionShort
	case in.Probs.Buy > in.Probs.Sell:
		candidate = ActionLong
	case in.Probs.Sell > in.Probs.Buy:
		candidate = ActionShort
	default:
		candidate = tieBreak(st.LastAction, in.Regime)
		if candidate == ActionNone {
			return reject(ReasonTieUnresolved)
		}
	}

	side := market.SideLong
	conf := in.Confs.Buy
	confHist := st.BuyConfHist
	if candidate == ActionShort {
		side = market.SideShort
		conf = in.Confs.Sell
		confHist = st.SellConfHist
	}

	var overrides []string

	// Gate 7: higher-timeframe confirmation with adaptive-confidence
	// override. The override threshold comes from the rolling
	// per-direction history accumulated before this bar.
	if cfg.RequireHTF {
		blocked := false
		if in.HTFSwing == nil {
			blocked = cfg.HTFMissingBlocks
		} else {
			blocked = !nearOrBeyondLevel(in.Price, side, *in.HTFSwing, cfg.LevelProximityPct)
		}
		if blocked {
			ovr, ok := cfg.overrideThreshold(confHist, in.Regime)
			next.Zone.OverrideThreshold = ovr
			if ok && conf >= ovr {
				overrides = append(overrides,
					fmt.Sprintf("htf_confidence_override:p%.0f=%.4f conf=%.4f", cfg.OverridePercentile, ovr, conf))
			} else {
				return reject(ReasonHTFBlock)
			}
		}
	}

	// Gate 8: lower-timeframe confirmation; no override path.
	if cfg.RequireLTF && in.LTFSwing != nil {
		if !nearOrBeyondLevel(in.Price, side, *in.LTFSwing, cfg.LevelProximityPct) {
			return reject(ReasonLTFBlock)
		}
	}

	// Gate 9: confidence against the same threshold as gate 5.
	if conf < thr {
		return reject(ReasonLowConfidence)
	}

	// Gate 10: optional edge-size filter.
	if cfg.MinEdge > 0 && math.Abs(in.Probs.Buy-in.Probs.Sell) < cfg.MinEdge {
		return reject(ReasonThinEdge)
	}

	// Gate 11: hysteresis. A flip away from the standing direction needs
	// HysteresisSteps consecutive confirmed candidate bars before taking
	// effect. Any intervening bar rejected above resets the streak.
	if st.LastAction != ActionNone && candidate != st.LastAction && cfg.HysteresisSteps > 1 {
		if st.PendingAction == candidate {
			next.FlipStreak = st.FlipStreak + 1
		} else {
			next.PendingAction = candidate
			next.FlipStreak = 1
		}
		if next.FlipStreak < cfg.HysteresisSteps {
			return rejectConfirmed(ReasonHysteresis)
		}
	}

	// Gate 12: cooldown after any decision.
	if st.Cooldown > 0 {
		return rejectConfirmed(ReasonCooldown)
	}

	// Gate 13: sizing. Iterate the ascending table and keep overwriting
	// so the highest threshold met wins.
	size := 0.0
	for _, row := range cfg.RiskMap {
		if conf >= row[0] {
			size = row[1]
		}
	}
	if size <= 0 {
		return rejectConfirmed(ReasonZeroSize)
	}

	next.LastAction = candidate
	next.PendingAction = ActionNone
	next.FlipStreak = 0
	next.Cooldown = cfg.CooldownBars

	return Decision{
		Action:    candidate,
		Size:      size,
		Reason:    ReasonEntered,
		Overrides: overrides,
	}, next
}

// tieBreak resolves an exact probability tie: previous direction first,
// then the regime-implied direction, else none.
func tieBreak(last Action, regime indicators.Regime) Action {
	if last == ActionLong || last == ActionShort {
		return last
	}
	switch regime {
	case indicators.RegimeBullish:
		return ActionLong
	case indicators.RegimeBearish:
		return ActionShort
	}
	return ActionNone
}

func validProb(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}
