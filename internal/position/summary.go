package position

import "math"

// Summary aggregates run performance from the ledger and equity curve.
type Summary struct {
	StartingCapital float64 `json:"starting_capital"`
	FinalEquity     float64 `json:"final_equity"`
	TotalReturnPct  float64 `json:"total_return_pct"`

	NumTrades int     `json:"num_trades"`
	Wins      int     `json:"wins"`
	Losses    int     `json:"losses"`
	WinRate   float64 `json:"win_rate"`

	GrossProfit  float64 `json:"gross_profit"`
	GrossLoss    float64 `json:"gross_loss"`
	ProfitFactor float64 `json:"profit_factor"` // +Inf when gross loss is zero

	MaxDrawdownPct  float64 `json:"max_drawdown_pct"`
	SharpeRatio     float64 `json:"sharpe_ratio"`
	SortinoRatio    float64 `json:"sortino_ratio"`
	TotalCommission float64 `json:"total_commission"`
}

// Summary derives the performance report from the current ledger and
// equity curve.
func (t *Tracker) Summary() Summary {
	s := Summary{
		StartingCapital: t.startingCap,
		FinalEquity:     t.cash,
		NumTrades:       len(t.trades),
	}
	if n := len(t.equity); n > 0 {
		s.FinalEquity = t.equity[n-1].Equity
	}

	for _, tr := range t.trades {
		s.TotalCommission += tr.Commission
		if tr.PnL > 0 {
			s.Wins++
			s.GrossProfit += tr.PnL
		} else {
			s.Losses++
			s.GrossLoss += -tr.PnL
		}
	}

	if s.NumTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.NumTrades) * 100
	}

	switch {
	case s.GrossLoss > 0:
		s.ProfitFactor = s.GrossProfit / s.GrossLoss
	case s.GrossProfit > 0:
		s.ProfitFactor = math.Inf(1)
	}

	if t.startingCap > 0 {
		s.TotalReturnPct = (s.FinalEquity - t.startingCap) / t.startingCap * 100
	}

	s.MaxDrawdownPct = maxDrawdown(t.equity)
	s.SharpeRatio, s.SortinoRatio = riskAdjusted(t.trades)

	return s
}

// maxDrawdown measures the deepest percentage fall from the running peak.
func maxDrawdown(curve []EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}

	maxDD := 0.0
	peak := curve[0].Equity
	for _, p := range curve {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - p.Equity) / peak * 100
		if dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// riskAdjusted computes Sharpe and Sortino over per-trade returns with
// a zero risk-free rate.
func riskAdjusted(trades []Trade) (sharpe, sortino float64) {
	if len(trades) == 0 {
		return 0, 0
	}

	sum := 0.0
	for _, tr := range trades {
		sum += tr.PnLPercent
	}
	mean := sum / float64(len(trades))

	variance := 0.0
	downside := 0.0
	for _, tr := range trades {
		d := tr.PnLPercent - mean
		variance += d * d
		if tr.PnLPercent < 0 {
			downside += tr.PnLPercent * tr.PnLPercent
		}
	}

	std := math.Sqrt(variance / float64(len(trades)))
	if std > 0 {
		sharpe = mean / std
	}

	downDev := math.Sqrt(downside / float64(len(trades)))
	if downDev > 0 {
		sortino = mean / downDev
	}
	return sharpe, sortino
}
