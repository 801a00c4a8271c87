package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"strategy-replay-engine/config"
	"strategy-replay-engine/internal/api"
	"strategy-replay-engine/internal/events"
	"strategy-replay-engine/internal/logging"
	"strategy-replay-engine/internal/optimize"
	"strategy-replay-engine/internal/probability"
	"strategy-replay-engine/internal/store"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	if len(os.Args) > 1 && os.Args[1] == "generate-config" {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatal().Err(err).Msg("failed to write sample config")
		}
		log.Info().Str("file", "config.json").Msg("sample config written")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("structured logging initialized")

	eventBus := events.NewEventBus()

	var db *store.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = store.NewDB(cfg.DatabaseConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()

		migCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.RunMigrations(migCtx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("migrations failed")
		}
		cancel()
	} else {
		logger.Info().Msg("database disabled, reports will not persist")
	}

	var champions *store.ChampionStore
	if cfg.RedisConfig.Enabled {
		champions = store.NewChampionStore(cfg.RedisConfig, logger)
		defer champions.Close()
	}

	// Every run gets the momentum model; swap the factory to plug in a
	// different probability source.
	sources := optimize.SourceFactory(func(config.RunConfig) probability.Source {
		return probability.NewMomentum()
	})

	server := api.NewServer(
		cfg.ServerConfig,
		db,
		champions,
		eventBus,
		sources,
		cfg.OptimizerConfig,
		logger,
	)

	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("web server failed")
		}
	}()

	logger.Info().
		Str("host", cfg.ServerConfig.Host).
		Int("port", cfg.ServerConfig.Port).
		Msg("replay service started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second,
	)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down web server")
	}

	logger.Info().Msg("shutdown complete")
}
