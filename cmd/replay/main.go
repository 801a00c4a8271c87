// Command replay runs one backtest over a CSV bar file and prints the
// summary. The optional -overrides file is a partial run-config layer
// applied on top of the defaults.
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
	"strategy-replay-engine/internal/probability"
	"strategy-replay-engine/internal/replay"
)

func main() {
	_ = godotenv.Load()

	csvPath := flag.String("csv", "", "bar history CSV (time,open,high,low,close,volume)")
	symbol := flag.String("symbol", "", "symbol label for the report")
	timeframe := flag.String("timeframe", "", "bar timeframe, e.g. 1h")
	htf := flag.String("htf", "", "higher timeframe for swing context, empty to disable")
	overridesPath := flag.String("overrides", "", "JSON file with a partial run-config layer")
	out := flag.String("out", "", "write the full report JSON to this file")
	debug := flag.Bool("debug", false, "record the per-bar decision trail")
	strict := flag.Bool("strict", false, "abort on the first per-bar error")
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

	var overrides json.RawMessage
	if *overridesPath != "" {
		data, err := os.ReadFile(*overridesPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("read overrides")
		}
		overrides = data
	}

	cfg, err := config.Resolve(nil, overrides)
	if err != nil {
		logger.Fatal().Err(err).Msg("resolve run config")
	}
	if *symbol != "" {
		cfg.Replay.Symbol = *symbol
	} else if appCfg.DataConfig.Symbol != "" {
		cfg.Replay.Symbol = appCfg.DataConfig.Symbol
	}
	if *timeframe != "" {
		cfg.Replay.Timeframe = *timeframe
	}
	if *htf != "" {
		cfg.Replay.HTFTimeframe = *htf
	}
	cfg.Replay.Debug = cfg.Replay.Debug || *debug
	cfg.Replay.Strict = cfg.Replay.Strict || *strict
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid run config")
	}

	bars, err := market.LoadCSV(*csvPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load bars")
	}
	logger.Info().Int("bars", len(bars)).Str("file", *csvPath).Msg("bars loaded")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := replay.New(cfg, probability.NewMomentum(), logger)
	report, err := eng.Run(ctx, bars, func(p replay.Progress) bool {
		logger.Debug().Int("done", p.Done).Int("total", p.Total).Float64("equity", p.Equity).Msg("progress")
		return true
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("run failed")
	}

	logger.Info().
		Int("trades", report.Summary.NumTrades).
		Float64("return_pct", report.Summary.TotalReturnPct).
		Float64("win_rate", report.Summary.WinRate).
		Float64("max_drawdown_pct", report.Summary.MaxDrawdownPct).
		Float64("final_equity", report.Summary.FinalEquity).
		Bool("canceled", report.Canceled).
		Msg("run complete")

	if *out != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			logger.Fatal().Err(err).Msg("marshal report")
		}
		if err := os.WriteFile(*out, data, 0644); err != nil {
			logger.Fatal().Err(err).Msg("write report")
		}
		logger.Info().Str("file", *out).Msg("report written")
	}
}
