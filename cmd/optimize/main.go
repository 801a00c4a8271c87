// Command optimize fans a candidate file out over the concurrent
// search and prints the leaderboard. The candidate file is a JSON
// array of {"name": ..., "overrides": {...}} entries.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"strategy-replay-engine/config"
	"strategy-replay-engine/internal/logging"
	"strategy-replay-engine/internal/market"
	"strategy-replay-engine/internal/optimize"
	"strategy-replay-engine/internal/probability"
)

func main() {
	_ = godotenv.Load()

	csvPath := flag.String("csv", "", "bar history CSV shared by all candidates")
	candidatesPath := flag.String("candidates", "", "JSON file with the candidate array")
	out := flag.String("out", "", "write the leaderboard JSON to this file")
	flag.Parse()

	appCfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.New(appCfg.LoggingConfig)

	if *csvPath == "" {
		*csvPath = appCfg.DataConfig.CSVPath
	}
	if *csvPath == "" {
		logger.Fatal().Msg("no CSV path given (-csv or DATA_CSV_PATH)")
	}
	if *candidatesPath == "" {
		logger.Fatal().Msg("no candidate file given (-candidates)")
	}

	data, err := os.ReadFile(*candidatesPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("read candidates")
	}
	var candidates []optimize.Candidate
	if err := json.Unmarshal(data, &candidates); err != nil {
		logger.Fatal().Err(err).Msg("parse candidates")
	}
	if len(candidates) == 0 {
		logger.Fatal().Msg("candidate file is empty")
	}

	bars, err := market.LoadCSV(*csvPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load bars")
	}
	logger.Info().
		Int("bars", len(bars)).
		Int("candidates", len(candidates)).
		Int("workers", appCfg.OptimizerConfig.Workers).
		Msg("search starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources := func(config.RunConfig) probability.Source { return probability.NewMomentum() }
	opt := optimize.New(appCfg.OptimizerConfig, sources, logger)
	results := opt.Search(ctx, bars, candidates)

	for rank, r := range results {
		ev := logger.Info().Int("rank", rank+1).Str("name", r.Name).Bool("pruned", r.Pruned)
		if r.Err != nil {
			ev.Str("error", r.Err.Error()).Msg("candidate failed")
			continue
		}
		ev.Float64("return_pct", r.Report.Summary.TotalReturnPct).
			Int("trades", r.Report.Summary.NumTrades).
			Float64("max_drawdown_pct", r.Report.Summary.MaxDrawdownPct).
			Msg("candidate")
	}

	if *out != "" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			logger.Fatal().Err(err).Msg("marshal leaderboard")
		}
		if err := os.WriteFile(*out, data, 0644); err != nil {
			logger.Fatal().Err(err).Msg("write leaderboard")
		}
		logger.Info().Str("file", *out).Msg("leaderboard written")
	}
}
