// Package gate implements the entry decision pipeline: an ordered gate
// sequence that turns per-bar model outputs and market context into an
// action and size. The pipeline is a pure function; all state threading
// happens through the returned next-state value.
package gate

import (
	"strategy-replay-engine/internal/indicators"
	"strategy-replay-engine/internal/levels"
)

// Action is the pipeline output direction.
type Action int

const (
	ActionNone Action = iota
	ActionLong
	ActionShort
)

func (a Action) String() string {
	switch a {
	case ActionLong:
		return "LONG"
	case ActionShort:
		return "SHORT"
	default:
		return "NONE"
	}
}

// Reason codes name the first gate that rejected a candidate.
type Reason string

const (
	ReasonEntered        Reason = "entered"
	ReasonInvalidInput   Reason = "invalid_input"
	ReasonNoPositiveEV   Reason = "no_positive_ev"
	ReasonEventHalt      Reason = "event_halt"
	ReasonRiskCap        Reason = "risk_cap"
	ReasonRegimeBlock    Reason = "regime_block"
	ReasonBelowThreshold Reason = "below_threshold"
	ReasonTieUnresolved  Reason = "tie_unresolved"
	ReasonHTFBlock       Reason = "htf_block"
	ReasonLTFBlock       Reason = "ltf_block"
	ReasonLowConfidence  Reason = "low_confidence"
	ReasonThinEdge       Reason = "thin_edge"
	ReasonHysteresis     Reason = "hysteresis"
	ReasonCooldown       Reason = "cooldown"
	ReasonZeroSize       Reason = "zero_size"
)

// Probabilities are the per-bar model outputs.
type Probabilities struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
	Hold float64 `json:"hold"`
}

// Confidences accompany the probabilities per direction.
type Confidences struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
}

// RiskContext carries external blocks evaluated at gate 3.
type RiskContext struct {
	EventHalt       bool `json:"event_halt"`
	RiskCapBreached bool `json:"risk_cap_breached"`
}

// Input bundles everything one Decide call may read.
type Input struct {
	Probs   Probabilities
	Confs   Confidences
	Regime  indicators.Regime
	VolZone indicators.VolatilityZone
	Price   float64
	Risk    RiskContext

	// Swing context for the confirmation gates; nil means missing.
	HTFSwing *levels.Swing
	LTFSwing *levels.Swing
}

// ZoneSnapshot is the per-bar threshold debug record kept in the state.
type ZoneSnapshot struct {
	VolZone           string  `json:"vol_zone"`
	Threshold         float64 `json:"threshold"`
	OverrideThreshold float64 `json:"override_threshold"`
}

// State is threaded bar-to-bar. It is replaced wholesale on every call
// and never mutated in place.
type State struct {
	LastAction    Action        `json:"last_action"`
	PendingAction Action        `json:"pending_action"`
	FlipStreak    int           `json:"flip_streak"`
	Cooldown      int           `json:"cooldown"`
	BuyConfHist   []float64     `json:"buy_conf_hist"`
	SellConfHist  []float64     `json:"sell_conf_hist"`
	Zone          ZoneSnapshot  `json:"zone"`
}

// NewState returns the empty run-start state.
func NewState() State {
	return State{}
}

// Decision is the pipeline output for one bar.
type Decision struct {
	Action    Action   `json:"action"`
	Size      float64  `json:"size"`
	Reason    Reason   `json:"reason"`
	Overrides []string `json:"overrides,omitempty"` // logged override trigger sources
}

// Config parameterizes every gate. Zero values disable the optional
// gates (edge filter, zone adaptivity, confirmations).
type Config struct {
	RewardRatio float64 `json:"reward_ratio"` // EV filter reward-per-risk

	// Base probability threshold per regime; also the confidence gate
	// threshold (gate 9 reuses gate 5's value).
	Thresholds map[indicators.Regime]float64 `json:"thresholds"`

	// Additive threshold adjustment per volatility zone; nil disables
	// zone adaptivity.
	ZoneAdjust map[indicators.VolatilityZone]float64 `json:"zone_adjust"`

	// Directional regimes disallow the opposing side entirely.
	RegimeFilter bool `json:"regime_filter"`

	MinEdge float64 `json:"min_edge"` // 0 disables the edge gate

	HysteresisSteps int `json:"hysteresis_steps"`
	CooldownBars    int `json:"cooldown_bars"`

	// Confirmation gates.
	RequireHTF        bool    `json:"require_htf"`
	RequireLTF        bool    `json:"require_ltf"`
	HTFMissingBlocks  bool    `json:"htf_missing_blocks"` // missing context blocks vs passes
	LevelProximityPct float64 `json:"level_proximity_pct"`

	// Adaptive confidence override for the HTF gate.
	ConfidenceHistory   int                            `json:"confidence_history"`
	OverridePercentile  float64                        `json:"override_percentile"`
	RegimeOverrideScale map[indicators.Regime]float64  `json:"regime_override_scale"`

	// Ascending confidence→size table; highest threshold met wins.
	RiskMap [][2]float64 `json:"risk_map"`
}

// DefaultConfig returns moderate gate parameters.
func DefaultConfig() Config {
	return Config{
		RewardRatio: 2.0,
		Thresholds: map[indicators.Regime]float64{
			indicators.RegimeBullish: 0.55,
			indicators.RegimeBearish: 0.55,
			indicators.RegimeRanging: 0.60,
		},
		ZoneAdjust: map[indicators.VolatilityZone]float64{
			indicators.ZoneLow:  -0.02,
			indicators.ZoneMid:  0,
			indicators.ZoneHigh: 0.03,
		},
		RegimeFilter:       true,
		HysteresisSteps:    2,
		CooldownBars:       3,
		RequireHTF:         true,
		RequireLTF:         true,
		HTFMissingBlocks:   false,
		LevelProximityPct:  0.004,
		ConfidenceHistory:  200,
		OverridePercentile: 90,
		RiskMap:            [][2]float64{{0.35, 0.05}, {0.55, 0.10}, {0.75, 0.15}},
	}
}
