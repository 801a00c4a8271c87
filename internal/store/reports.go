package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"strategy-replay-engine/internal/position"
	"strategy-replay-engine/internal/replay"
)

// ReportRow is the persisted run header returned by list queries.
type ReportRow struct {
	RunID          uuid.UUID `json:"run_id"`
	Symbol         string    `json:"symbol"`
	Timeframe      string    `json:"timeframe"`
	TotalReturnPct float64   `json:"total_return_pct"`
	NumTrades      int       `json:"num_trades"`
	WinRate        float64   `json:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Canceled       bool      `json:"canceled"`
}

// SaveReport persists a run report and its trade ledger in one
// transaction. The merged run configuration is stored alongside so any
// result can be reproduced.
func (db *DB) SaveReport(ctx context.Context, report *replay.Report, runConfig json.RawMessage) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO reports (
			run_id, symbol, timeframe, htf_timeframe, started_at, finished_at,
			total_bars, warmup_bars, skipped_bars, canceled,
			starting_capital, final_equity, total_return_pct,
			num_trades, win_rate, profit_factor, max_drawdown_pct,
			sharpe_ratio, sortino_ratio, total_commission, config
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`
	s := report.Summary
	_, err = tx.Exec(ctx, query,
		report.RunID, report.Symbol, report.Timeframe, nullable(report.HTFTimeframe),
		report.StartedAt, report.FinishedAt,
		report.TotalBars, report.WarmupBars, report.SkippedBars, report.Canceled,
		s.StartingCapital, s.FinalEquity, s.TotalReturnPct,
		s.NumTrades, s.WinRate, finiteOrZero(s.ProfitFactor), s.MaxDrawdownPct,
		s.SharpeRatio, s.SortinoRatio, s.TotalCommission, runConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to insert report: %w", err)
	}

	if len(report.Trades) > 0 {
		tradeQuery := `
			INSERT INTO report_trades (
				run_id, position_id, symbol, side, size,
				entry_price, entry_time, exit_price, exit_time,
				pnl, pnl_percent, commission, exit_reason, partial, remaining_size
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`
		for _, tr := range report.Trades {
			if _, err := tx.Exec(ctx, tradeQuery,
				report.RunID, tr.PositionID, tr.Symbol, tr.Side, tr.Size,
				tr.EntryPrice, tr.EntryTime, tr.ExitPrice, tr.ExitTime,
				tr.PnL, tr.PnLPercent, tr.Commission, tr.ExitReason, tr.Partial, tr.RemainingSize,
			); err != nil {
				return fmt.Errorf("failed to insert trade: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit report: %w", err)
	}

	db.log.Info().
		Str("run_id", report.RunID.String()).
		Int("trades", len(report.Trades)).
		Msg("report persisted")
	return nil
}

// GetReport loads a run header by id.
func (db *DB) GetReport(ctx context.Context, runID uuid.UUID) (*ReportRow, error) {
	query := `
		SELECT run_id, symbol, timeframe, total_return_pct, num_trades,
		       win_rate, profit_factor, max_drawdown_pct, canceled
		FROM reports WHERE run_id = $1
	`
	var row ReportRow
	err := db.Pool.QueryRow(ctx, query, runID).Scan(
		&row.RunID, &row.Symbol, &row.Timeframe, &row.TotalReturnPct,
		&row.NumTrades, &row.WinRate, &row.ProfitFactor, &row.MaxDrawdownPct, &row.Canceled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load report %s: %w", runID, err)
	}
	return &row, nil
}

// ListReports returns recent run headers for a symbol, newest first.
func (db *DB) ListReports(ctx context.Context, symbol string, limit int) ([]ReportRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT run_id, symbol, timeframe, total_return_pct, num_trades,
		       win_rate, profit_factor, max_drawdown_pct, canceled
		FROM reports
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := db.Pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []ReportRow
	for rows.Next() {
		var row ReportRow
		if err := rows.Scan(
			&row.RunID, &row.Symbol, &row.Timeframe, &row.TotalReturnPct,
			&row.NumTrades, &row.WinRate, &row.ProfitFactor, &row.MaxDrawdownPct, &row.Canceled,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetTrades loads the full trade ledger of a run in entry order.
func (db *DB) GetTrades(ctx context.Context, runID uuid.UUID) ([]position.Trade, error) {
	query := `
		SELECT position_id, symbol, side, size, entry_price, entry_time,
		       exit_price, exit_time, pnl, pnl_percent, commission,
		       exit_reason, partial, remaining_size
		FROM report_trades WHERE run_id = $1 ORDER BY id ASC
	`
	rows, err := db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trades: %w", err)
	}
	defer rows.Close()

	var trades []position.Trade
	for rows.Next() {
		var tr position.Trade
		if err := rows.Scan(
			&tr.PositionID, &tr.Symbol, &tr.Side, &tr.Size, &tr.EntryPrice, &tr.EntryTime,
			&tr.ExitPrice, &tr.ExitTime, &tr.PnL, &tr.PnLPercent, &tr.Commission,
			&tr.ExitReason, &tr.Partial, &tr.RemainingSize,
		); err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// finiteOrZero maps a +Inf profit factor to 0 for storage; the JSON
// report keeps the real value.
func finiteOrZero(v float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0
	}
	return v
}
