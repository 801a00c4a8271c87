// Package replay walks a historical bar series through the decision
// pipeline, exit engine and position tracker, producing a structured
// report. One engine instance serves one run; bars are evaluated
// strictly in order on a single goroutine.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strategy-replay-engine/config"
	"strategy-replay-engine/internal/exits"
	"strategy-replay-engine/internal/gate"
	"strategy-replay-engine/internal/indicators"
	"strategy-replay-engine/internal/levels"
	"strategy-replay-engine/internal/market"
	"strategy-replay-engine/internal/metrics"
	"strategy-replay-engine/internal/position"
	"strategy-replay-engine/internal/probability"
)

var (
	ErrInsufficientHistory = errors.New("bar history shorter than warmup")
)

// progressEvery is the cancellation/progress check cadence in bars.
// Checks happen between bars, never mid-bar.
const progressEvery = 100

// Progress is the snapshot handed to the progress callback at every
// check point.
type Progress struct {
	Done   int
	Total  int
	Equity float64
	Trades int
}

// ProgressFunc receives a progress snapshot. Returning false requests
// a cooperative abort; the run still returns a well-formed partial
// report.
type ProgressFunc func(p Progress) bool

// Engine drives one backtest run.
type Engine struct {
	cfg config.RunConfig
	src probability.Source
	log zerolog.Logger
}

func New(cfg config.RunConfig, src probability.Source, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg: cfg,
		src: src,
		log: logger.With().Str("component", "replay").Logger(),
	}
}

// Run replays the series and returns the report. Input errors fail
// fast before any bar runs. Per-bar errors are skipped and counted
// unless strict mode is on, in which case the run aborts with the
// wrapped error.
func (e *Engine) Run(ctx context.Context, bars []market.Bar, progress ProgressFunc) (*Report, error) {
	if err := market.ValidateSeries(bars); err != nil {
		return nil, err
	}
	warmup := e.cfg.Replay.WarmupBars
	if len(bars) <= warmup {
		return nil, fmt.Errorf("%w: %d bars, warmup %d", ErrInsufficientHistory, len(bars), warmup)
	}

	var htfTF market.Timeframe
	if e.cfg.Replay.HTFTimeframe != "" {
		htfTF = market.Timeframe(e.cfg.Replay.HTFTimeframe)
		if _, err := market.ParseTimeframe(e.cfg.Replay.HTFTimeframe); err != nil {
			return nil, err
		}
	}

	runID := uuid.New()
	log := e.log.With().Str("run_id", runID.String()).Logger()

	report := &Report{
		RunID:        runID,
		Symbol:       e.cfg.Replay.Symbol,
		Timeframe:    e.cfg.Replay.Timeframe,
		HTFTimeframe: e.cfg.Replay.HTFTimeframe,
		StartedAt:    time.Now().UTC(),
		TotalBars:    len(bars),
		WarmupBars:   warmup,
	}

	features := indicators.NewFeatures(e.cfg.Indicators, e.cfg.Replay.CacheCapacity)
	tracker := position.NewTracker(
		e.cfg.Replay.StartingCapital,
		e.cfg.Replay.CommissionRate,
		e.cfg.Replay.SlippageRate,
		log,
	)
	exitEng := exits.NewEngine(e.cfg.Exits, log)
	state := gate.NewState()

	log.Info().
		Int("bars", len(bars)).
		Int("warmup", warmup).
		Str("symbol", e.cfg.Replay.Symbol).
		Msg("replay started")

	total := len(bars) - warmup
	lastSeen := len(bars) - 1
	for i := warmup; i < len(bars); i++ {
		done := i - warmup
		if done > 0 && done%progressEvery == 0 {
			if ctx.Err() != nil {
				report.Canceled = true
				lastSeen = i - 1
				break
			}
			if progress != nil && !progress(Progress{
				Done:   done,
				Total:  total,
				Equity: tracker.Equity(bars[i].Close),
				Trades: len(tracker.Trades()),
			}) {
				report.Canceled = true
				lastSeen = i - 1
				break
			}
		}

		if err := e.step(bars, i, htfTF, features, tracker, exitEng, &state, report); err != nil {
			if e.cfg.Replay.Strict {
				metrics.Runs.WithLabelValues("failed").Inc()
				return nil, fmt.Errorf("bar %d at %s: %w", i, bars[i].OpenTime.Format(time.RFC3339), err)
			}
			report.SkippedBars++
			metrics.BarsSkipped.Inc()
			log.Warn().Err(err).Int("bar", i).Msg("bar skipped")
			if e.cfg.Replay.Debug {
				report.Debug = append(report.Debug, BarDebug{
					Index: i, Time: bars[i].OpenTime, Price: bars[i].Close, Error: err.Error(),
				})
			}
		}
	}

	// Liquidate anything still open at the last bar the run actually
	// processed. A canceled run settles where it stopped; pricing the
	// exit off later bars would leak future data into the report.
	last := bars[lastSeen]
	if tracker.Position() != nil {
		side := tracker.Position().Side
		if _, err := tracker.Close(last.Close, exits.ReasonEndOfHistory, last.OpenTime); err == nil {
			metrics.Exits.WithLabelValues(exits.ReasonEndOfHistory, string(side)).Inc()
		}
		tracker.MarkToMarket(last.OpenTime, last.Close)
	}

	report.FinishedAt = time.Now().UTC()
	report.Summary = tracker.Summary()
	report.Trades = tracker.Trades()
	report.Equity = tracker.EquityCurve()
	report.Cache.Hits, report.Cache.Misses = features.Cache().Stats()

	outcome := "completed"
	if report.Canceled {
		outcome = "canceled"
	}
	metrics.Runs.WithLabelValues(outcome).Inc()

	log.Info().
		Int("trades", len(report.Trades)).
		Int("skipped", report.SkippedBars).
		Bool("canceled", report.Canceled).
		Float64("return_pct", report.Summary.TotalReturnPct).
		Msg("replay finished")

	return report, nil
}

// step evaluates one bar: exits for an open position first, then the
// entry pipeline, then a single mark-to-market.
func (e *Engine) step(
	bars []market.Bar,
	i int,
	htfTF market.Timeframe,
	features *indicators.Features,
	tracker *position.Tracker,
	exitEng *exits.Engine,
	state *gate.State,
	report *Report,
) error {
	bar := bars[i]
	window := market.Window(bars, i, e.cfg.Replay.LookbackWindow)

	probs, confs, err := e.src.Evaluate(bars, i)
	if err != nil {
		return fmt.Errorf("probability source: %w", err)
	}

	snap := features.Snapshot(window)

	htfSwing, ltfSwing, swingAge := e.swings(bars, i, htfTF)

	// Exits run before any new entry so one bar can close and re-enter
	// in the documented order.
	if pos := tracker.Position(); pos != nil {
		conf := confs.Buy
		if pos.Side == market.SideShort {
			conf = confs.Sell
		}
		fresh := ltfSwing
		actions := exitEng.Evaluate(pos, exits.BarContext{
			Bar:          bar,
			Snap:         snap,
			Confidence:   conf,
			FreshSwing:   fresh,
			SwingAgeBars: swingAge,
		})
		for _, a := range actions {
			switch a.Kind {
			case exits.KindPartialExit:
				if _, err := tracker.PartialClose(a.Size, a.Price, a.Reason, bar.OpenTime); err != nil {
					return fmt.Errorf("partial close: %w", err)
				}
				metrics.Exits.WithLabelValues(a.Reason, string(pos.Side)).Inc()
			case exits.KindFullExit:
				if _, err := tracker.Close(a.Price, a.Reason, bar.OpenTime); err != nil {
					return fmt.Errorf("close: %w", err)
				}
				metrics.Exits.WithLabelValues(a.Reason, string(pos.Side)).Inc()
			default:
				if e.cfg.Replay.Debug {
					report.Debug = append(report.Debug, BarDebug{
						Index: i, Time: bar.OpenTime, Price: bar.Close,
						Action: "noop", Reason: a.Reason,
					})
				}
			}
			if tracker.Position() == nil {
				break
			}
		}
	}

	if tracker.Position() == nil {
		decision, next := gate.Decide(gate.Input{
			Probs:    probs,
			Confs:    confs,
			Regime:   snap.Regime,
			VolZone:  snap.VolZone,
			Price:    bar.Close,
			HTFSwing: htfSwing,
			LTFSwing: ltfSwing,
		}, *state, &e.cfg.Gate)
		*state = next
		metrics.Decisions.WithLabelValues(string(decision.Reason)).Inc()

		if e.cfg.Replay.Debug {
			report.Debug = append(report.Debug, BarDebug{
				Index: i, Time: bar.OpenTime, Price: bar.Close,
				Action: decision.Action.String(), Reason: string(decision.Reason),
				Overrides: decision.Overrides, Zone: next.Zone,
			})
		}

		if decision.Action != gate.ActionNone {
			side := market.SideLong
			if decision.Action == gate.ActionShort {
				side = market.SideShort
			}
			units := tracker.Equity(bar.Close) * decision.Size / bar.Close
			frozen := e.freeze(side, htfSwing, ltfSwing)
			if _, err := tracker.Open(e.cfg.Replay.Symbol, side, units, bar.Close, bar.OpenTime, frozen); err != nil {
				return fmt.Errorf("open: %w", err)
			}
		}
	}

	tracker.MarkToMarket(bar.OpenTime, bar.Close)
	return nil
}

// swings derives the HTF and LTF swing context as of bar i. A missing
// or degenerate swing yields nil, which the gates treat per policy.
func (e *Engine) swings(bars []market.Bar, i int, htfTF market.Timeframe) (htf, ltf *levels.Swing, age int) {
	lookback := e.cfg.Replay.SwingLookback

	if sp, ok := indicators.FindSwing(bars[:i+1], lookback); ok {
		ltf = &levels.Swing{
			High:     sp.High,
			Low:      sp.Low,
			HighTime: bars[sp.HighIdx].OpenTime,
			LowTime:  bars[sp.LowIdx].OpenTime,
		}
		age = sp.BarsBack
	}

	if htfTF != "" {
		if htfBars, err := market.ResampleAsOf(bars, i, htfTF); err == nil {
			if sp, ok := indicators.FindSwing(htfBars, lookback); ok {
				htf = &levels.Swing{
					High:     sp.High,
					Low:      sp.Low,
					HighTime: htfBars[sp.HighIdx].OpenTime,
					LowTime:  htfBars[sp.LowIdx].OpenTime,
				}
			}
		}
	}
	return htf, ltf, age
}

// freeze captures the exit level grid at entry. HTF context is
// preferred; failing that the run-timeframe swing; failing both the
// position opens without a grid and the exit engine falls back to the
// generic trailing stop.
func (e *Engine) freeze(side market.Side, htf, ltf *levels.Swing) *levels.Grid {
	for _, sw := range []*levels.Swing{htf, ltf} {
		if sw == nil {
			continue
		}
		if grid, err := levels.Compute(*sw, side, nil); err == nil {
			return grid
		}
	}
	return nil
}
