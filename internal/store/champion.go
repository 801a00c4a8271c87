package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"strategy-replay-engine/config"
)

var (
	// ErrChampionNotFound means no champion layer exists under that name.
	ErrChampionNotFound = errors.New("champion config not found")
	// ErrLeaderboardNotFound means no leaderboard is cached under that name.
	ErrLeaderboardNotFound = errors.New("leaderboard not found")
)

// ChampionStore keeps named "best known" configuration layers in Redis.
// A nil client degrades gracefully: reads miss and writes are dropped,
// so runs proceed on defaults plus caller overrides.
type ChampionStore struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewChampionStore connects to Redis when enabled. Connection failure
// is logged and degrades to the disabled behavior rather than failing
// startup.
func NewChampionStore(cfg config.RedisConfig, logger zerolog.Logger) *ChampionStore {
	cs := &ChampionStore{
		ttl: cfg.TTL,
		log: logger.With().Str("component", "champion-store").Logger(),
	}
	if !cfg.Enabled {
		return cs
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		cs.log.Warn().Err(err).Msg("redis unreachable, champion configs disabled")
		return cs
	}

	cs.client = client
	cs.log.Info().Str("address", cfg.Address).Msg("champion store connected")
	return cs
}

func championKey(name string) string {
	return "champion:" + name
}

// Get returns the raw JSON layer stored under name.
func (cs *ChampionStore) Get(ctx context.Context, name string) (json.RawMessage, error) {
	if cs.client == nil || name == "" {
		return nil, ErrChampionNotFound
	}

	data, err := cs.client.Get(ctx, championKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrChampionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading champion %q: %w", name, err)
	}
	return json.RawMessage(data), nil
}

// Set stores a configuration layer under name. The layer must be valid
// JSON; full validation happens at resolve time against the defaults.
func (cs *ChampionStore) Set(ctx context.Context, name string, layer json.RawMessage) error {
	if cs.client == nil {
		return nil
	}
	if !json.Valid(layer) {
		return fmt.Errorf("champion %q: invalid JSON", name)
	}

	if err := cs.client.Set(ctx, championKey(name), []byte(layer), cs.ttl).Err(); err != nil {
		return fmt.Errorf("storing champion %q: %w", name, err)
	}
	cs.log.Info().Str("name", name).Msg("champion config stored")
	return nil
}

// Delete removes a stored layer.
func (cs *ChampionStore) Delete(ctx context.Context, name string) error {
	if cs.client == nil {
		return nil
	}
	return cs.client.Del(ctx, championKey(name)).Err()
}

func leaderboardKey(name string) string {
	return "leaderboard:" + name
}

// SetLeaderboard caches the latest optimizer leaderboard under name.
func (cs *ChampionStore) SetLeaderboard(ctx context.Context, name string, payload json.RawMessage) error {
	if cs.client == nil {
		return nil
	}
	if !json.Valid(payload) {
		return fmt.Errorf("leaderboard %q: invalid JSON", name)
	}

	if err := cs.client.Set(ctx, leaderboardKey(name), []byte(payload), cs.ttl).Err(); err != nil {
		return fmt.Errorf("storing leaderboard %q: %w", name, err)
	}
	return nil
}

// GetLeaderboard returns the cached leaderboard stored under name.
func (cs *ChampionStore) GetLeaderboard(ctx context.Context, name string) (json.RawMessage, error) {
	if cs.client == nil || name == "" {
		return nil, ErrLeaderboardNotFound
	}

	data, err := cs.client.Get(ctx, leaderboardKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrLeaderboardNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading leaderboard %q: %w", name, err)
	}
	return json.RawMessage(data), nil
}

// Close releases the Redis connection.
func (cs *ChampionStore) Close() {
	if cs.client != nil {
		_ = cs.client.Close()
	}
}
