// Package optimize runs independent replay candidates concurrently and
// keeps a leaderboard of the best results. Parallelism lives only here:
// each run is single-threaded and owns its own feature cache, so
// workers share nothing mutable.
package optimize

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"strategy-replay-engine/config"
	"strategy-replay-engine/internal/market"
	"strategy-replay-engine/internal/probability"
	"strategy-replay-engine/internal/replay"
)

// Candidate is one configuration to evaluate, expressed as a partial
// override layer on top of the resolver's defaults.
type Candidate struct {
	Name      string          `json:"name"`
	Overrides json.RawMessage `json:"overrides"`
}

// Result pairs a candidate with its run outcome.
type Result struct {
	Name   string          `json:"name"`
	Config config.RunConfig `json:"config"`
	Report *replay.Report  `json:"report,omitempty"`
	Err    error           `json:"-"`
	Pruned bool            `json:"pruned"`
}

// SourceFactory builds the probability source for one resolved run.
type SourceFactory func(cfg config.RunConfig) probability.Source

// Optimizer fans candidates out over a bounded worker pool.
type Optimizer struct {
	cfg     config.OptimizerConfig
	sources SourceFactory
	log     zerolog.Logger
}

func New(cfg config.OptimizerConfig, sources SourceFactory, logger zerolog.Logger) *Optimizer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Leaderboard <= 0 {
		cfg.Leaderboard = 20
	}
	return &Optimizer{
		cfg:     cfg,
		sources: sources,
		log:     logger.With().Str("component", "optimizer").Logger(),
	}
}

// Search evaluates all candidates against the same bar series and
// returns the leaderboard sorted by total return, best first. Failed
// candidates stay in the result set with Err recorded; canceled runs
// from pruning are flagged Pruned.
func (o *Optimizer) Search(ctx context.Context, bars []market.Bar, candidates []Candidate) []Result {
	if o.cfg.MaxRuns > 0 && len(candidates) > o.cfg.MaxRuns {
		candidates = candidates[:o.cfg.MaxRuns]
	}

	jobs := make(chan Candidate)
	results := make(chan Result, len(candidates))

	var wg sync.WaitGroup
	for w := 0; w < o.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cand := range jobs {
				results <- o.evaluate(ctx, bars, cand)
			}
		}()
	}

	for _, cand := range candidates {
		jobs <- cand
	}
	close(jobs)
	wg.Wait()
	close(results)

	out := make([]Result, 0, len(candidates))
	for r := range results {
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		return score(out[i]) > score(out[j])
	})
	if len(out) > o.cfg.Leaderboard {
		out = out[:o.cfg.Leaderboard]
	}

	o.log.Info().
		Int("candidates", len(candidates)).
		Int("kept", len(out)).
		Msg("search complete")
	return out
}

func (o *Optimizer) evaluate(ctx context.Context, bars []market.Bar, cand Candidate) Result {
	runCfg, err := config.Resolve(nil, cand.Overrides)
	if err != nil {
		return Result{Name: cand.Name, Err: err}
	}

	eng := replay.New(runCfg, o.sources(runCfg), o.log)

	pruneFloor := o.cfg.PruneEquity * runCfg.Replay.StartingCapital
	report, err := eng.Run(ctx, bars, func(p replay.Progress) bool {
		if o.cfg.PruneEquity > 0 && p.Done >= o.cfg.PruneAfterBars && p.Equity < pruneFloor {
			o.log.Debug().Str("candidate", cand.Name).Float64("equity", p.Equity).Msg("run pruned")
			return false
		}
		return true
	})
	if err != nil {
		return Result{Name: cand.Name, Config: runCfg, Err: err}
	}

	return Result{
		Name:   cand.Name,
		Config: runCfg,
		Report: report,
		Pruned: report.Canceled,
	}
}

// score orders the leaderboard: errored runs sink, pruned runs rank by
// their partial return like everything else.
func score(r Result) float64 {
	if r.Err != nil || r.Report == nil {
		return -1e18
	}
	return r.Report.Summary.TotalReturnPct
}
