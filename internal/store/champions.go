package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ChampionRow is one durable champion configuration entry.
type ChampionRow struct {
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveChampion upserts the durable copy of a champion layer. The Redis
// cache in front of this table is refreshed by the caller.
func (db *DB) SaveChampion(ctx context.Context, name string, layer json.RawMessage) error {
	if !json.Valid(layer) {
		return fmt.Errorf("champion %q: invalid JSON", name)
	}

	_, err := db.Pool.Exec(ctx, `
		INSERT INTO champions (name, config, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET config = $2, updated_at = NOW()`,
		name, []byte(layer),
	)
	if err != nil {
		return fmt.Errorf("saving champion %q: %w", name, err)
	}

	db.log.Info().Str("name", name).Msg("champion config saved")
	return nil
}

// GetChampion loads the durable copy of a champion layer.
func (db *DB) GetChampion(ctx context.Context, name string) (json.RawMessage, error) {
	var data []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT config FROM champions WHERE name = $1`, name,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrChampionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading champion %q: %w", name, err)
	}
	return json.RawMessage(data), nil
}

// DeleteChampion removes the durable copy.
func (db *DB) DeleteChampion(ctx context.Context, name string) error {
	if _, err := db.Pool.Exec(ctx, `DELETE FROM champions WHERE name = $1`, name); err != nil {
		return fmt.Errorf("deleting champion %q: %w", name, err)
	}
	return nil
}

// ListChampions returns the stored champion names, newest first.
func (db *DB) ListChampions(ctx context.Context) ([]ChampionRow, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT name, updated_at FROM champions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing champions: %w", err)
	}
	defer rows.Close()

	var out []ChampionRow
	for rows.Next() {
		var r ChampionRow
		if err := rows.Scan(&r.Name, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
