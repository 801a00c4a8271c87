package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"strategy-replay-engine/internal/market"
)

// SaveBars upserts a batch of bars. Duplicate timestamps are ignored so
// overlapping ingestion windows stay idempotent.
func (db *DB) SaveBars(ctx context.Context, symbol, timeframe string, bars []market.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO bars (symbol, timeframe, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, timeframe, open_time) DO NOTHING
	`
	for _, b := range bars {
		batch.Queue(query, symbol, timeframe, b.OpenTime, b.Open, b.High, b.Low, b.Close, b.Volume)
	}

	results := db.Pool.SendBatch(ctx, batch)
	defer results.Close()

	for range bars {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert bar: %w", err)
		}
	}
	return nil
}

// LoadBars returns the deduplicated, strictly time-ordered series for a
// symbol and timeframe. A zero to-time means "until the latest bar".
func (db *DB) LoadBars(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]market.Bar, error) {
	query := `
		SELECT open_time, open, high, low, close, volume
		FROM bars
		WHERE symbol = $1 AND timeframe = $2 AND open_time >= $3 AND ($4::timestamptz IS NULL OR open_time <= $4)
		ORDER BY open_time ASC
	`
	var toArg interface{}
	if !to.IsZero() {
		toArg = to
	}

	rows, err := db.Pool.Query(ctx, query, symbol, timeframe, from, toArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}
	defer rows.Close()

	var bars []market.Bar
	for rows.Next() {
		var b market.Bar
		if err := rows.Scan(&b.OpenTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Primary key already prevents duplicates, but a series assembled
	// from several ingestion sources is re-checked before replay.
	bars = market.Dedupe(bars)
	if err := market.ValidateSeries(bars); err != nil {
		return nil, err
	}
	return bars, nil
}
