// Package position owns the single open position's lifecycle, the
// append-only trade ledger and the equity curve of a replay run.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strategy-replay-engine/internal/levels"
	"strategy-replay-engine/internal/market"
)

// Errors for position lifecycle operations
var (
	ErrPositionOpen    = errors.New("a position is already open")
	ErrNoPosition      = errors.New("no open position")
	ErrInvalidSize     = errors.New("invalid size")
	ErrInvalidPrice    = errors.New("invalid price")
)

// closeEpsilon: a remaining size at or below this fraction of the
// initial size counts as fully closed.
const closeEpsilon = 1e-8

// PartialExit records one partial close against a position.
type PartialExit struct {
	Size   float64   `json:"size"`
	Price  float64   `json:"price"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// Position is the single open position of a run. The frozen grid is the
// exit context captured at entry; it is never refreshed unless the
// swing-update policy explicitly re-anchors it.
type Position struct {
	ID            string                 `json:"id"`
	Symbol        string                 `json:"symbol"`
	Side          market.Side            `json:"side"`
	InitialSize   float64                `json:"initial_size"`
	RemainingSize float64                `json:"remaining_size"`
	EntryPrice    float64                `json:"entry_price"` // slippage-adjusted fill
	EntryTime     time.Time              `json:"entry_time"`
	Partials      []PartialExit          `json:"partials"`
	Frozen        *levels.Grid           `json:"frozen,omitempty"`
	FrozenAt      time.Time              `json:"frozen_at"`
	TrailingStop  float64                `json:"trailing_stop"` // 0 = unset
	Triggered     map[string]bool        `json:"triggered"`     // fired exit levels
	Debug         map[string]interface{} `json:"debug,omitempty"`

	entryCommission float64
}

// Trade is one append-only ledger record. PnLPercent is always measured
// against the original entry notional so partial records plus the final
// close sum to the total trade return.
type Trade struct {
	ID            string                 `json:"id"`
	PositionID    string                 `json:"position_id"`
	Symbol        string                 `json:"symbol"`
	Side          market.Side            `json:"side"`
	Size          float64                `json:"size"`
	EntryPrice    float64                `json:"entry_price"`
	EntryTime     time.Time              `json:"entry_time"`
	ExitPrice     float64                `json:"exit_price"`
	ExitTime      time.Time              `json:"exit_time"`
	PnL           float64                `json:"pnl"`
	PnLPercent    float64                `json:"pnl_percent"`
	Commission    float64                `json:"commission"`
	ExitReason    string                 `json:"exit_reason"`
	Partial       bool                   `json:"partial"`
	RemainingSize float64                `json:"remaining_size"`
	Debug         map[string]interface{} `json:"debug,omitempty"`
}

// EquityPoint is one mark-to-market sample of the equity curve.
type EquityPoint struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`
}

// Tracker applies commission and adverse slippage on every transition
// and keeps the ledger append-only.
type Tracker struct {
	log            zerolog.Logger
	startingCap    float64
	cash           float64
	commissionRate float64
	slippageRate   float64

	pos    *Position
	trades []Trade
	equity []EquityPoint
}

// NewTracker creates a tracker with the given starting capital and
// per-fill commission/slippage rates.
func NewTracker(startingCapital, commissionRate, slippageRate float64, logger zerolog.Logger) *Tracker {
	return &Tracker{
		log:            logger.With().Str("component", "PositionTracker").Logger(),
		startingCap:    startingCapital,
		cash:           startingCapital,
		commissionRate: commissionRate,
		slippageRate:   slippageRate,
	}
}

// fillPrice worsens the quoted price adversely for the given order
// direction: buys fill higher, sells fill lower.
func (t *Tracker) fillPrice(price float64, buying bool) float64 {
	if buying {
		return price * (1 + t.slippageRate)
	}
	return price * (1 - t.slippageRate)
}

// Open creates the position at the slippage-adjusted fill, charges the
// entry commission and freezes the exit context.
func (t *Tracker) Open(symbol string, side market.Side, size, price float64, tm time.Time, frozen *levels.Grid) (*Position, error) {
	if t.pos != nil {
		return nil, ErrPositionOpen
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidSize, size)
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidPrice, price)
	}

	fill := t.fillPrice(price, side == market.SideLong)
	commission := fill * size * t.commissionRate
	t.cash -= commission

	t.pos = &Position{
		ID:              uuid.New().String(),
		Symbol:          symbol,
		Side:            side,
		InitialSize:     size,
		RemainingSize:   size,
		EntryPrice:      fill,
		EntryTime:       tm,
		FrozenAt:        tm,
		Frozen:          frozen,
		Triggered:       make(map[string]bool),
		entryCommission: commission,
	}

	t.log.Debug().
		Str("position_id", t.pos.ID).
		Str("side", string(side)).
		Float64("size", size).
		Float64("fill", fill).
		Msg("position opened")

	return t.pos, nil
}

// PartialClose realizes part of the position. The size is clamped to
// the remaining amount; when the remainder reaches ~0 the position is
// destroyed and the record retro-flagged as a full close.
func (t *Tracker) PartialClose(size, price float64, reason string, tm time.Time) (*Trade, error) {
	if t.pos == nil {
		return nil, ErrNoPosition
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: %f", ErrInvalidSize, size)
	}
	if size > t.pos.RemainingSize {
		size = t.pos.RemainingSize
	}

	trade := t.realize(size, price, reason, tm)
	trade.Partial = true

	t.pos.RemainingSize -= size
	t.pos.Partials = append(t.pos.Partials, PartialExit{Size: size, Price: trade.ExitPrice, Reason: reason, Time: tm})
	trade.RemainingSize = t.pos.RemainingSize

	t.trades = append(t.trades, *trade)

	if t.pos.RemainingSize <= closeEpsilon*t.pos.InitialSize {
		// Remainder is dust: this partial was in fact the full close.
		t.trades[len(t.trades)-1].Partial = false
		t.trades[len(t.trades)-1].RemainingSize = 0
		t.log.Debug().Str("position_id", t.pos.ID).Msg("partial close exhausted position")
		t.pos = nil
	}

	last := t.trades[len(t.trades)-1]
	return &last, nil
}

// Close realizes the whole remaining size and destroys the position.
func (t *Tracker) Close(price float64, reason string, tm time.Time) (*Trade, error) {
	if t.pos == nil {
		return nil, ErrNoPosition
	}

	trade := t.realize(t.pos.RemainingSize, price, reason, tm)
	trade.Partial = false
	trade.RemainingSize = 0
	t.trades = append(t.trades, *trade)

	t.log.Debug().
		Str("position_id", t.pos.ID).
		Str("reason", reason).
		Float64("pnl", trade.PnL).
		Msg("position closed")

	t.pos = nil
	last := t.trades[len(t.trades)-1]
	return &last, nil
}

// realize computes one ledger record for closing size units at the
// given quote. Entry commission is allocated pro-rata so the fragments
// sum to the fully-loaded trade PnL.
func (t *Tracker) realize(size, price float64, reason string, tm time.Time) *Trade {
	pos := t.pos
	fill := t.fillPrice(price, pos.Side == market.SideShort)

	var gross float64
	if pos.Side == market.SideLong {
		gross = (fill - pos.EntryPrice) * size
	} else {
		gross = (pos.EntryPrice - fill) * size
	}

	exitCommission := fill * size * t.commissionRate
	entryShare := pos.entryCommission * (size / pos.InitialSize)
	pnl := gross - exitCommission - entryShare

	t.cash += gross - exitCommission

	originalNotional := pos.EntryPrice * pos.InitialSize

	return &Trade{
		ID:         uuid.New().String(),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Size:       size,
		EntryPrice: pos.EntryPrice,
		EntryTime:  pos.EntryTime,
		ExitPrice:  fill,
		ExitTime:   tm,
		PnL:        pnl,
		PnLPercent: pnl / originalNotional * 100,
		Commission: exitCommission + entryShare,
		ExitReason: reason,
	}
}

// MarkToMarket records one equity sample at the given close price.
// The curve holds one point per bar; a second mark at the same
// timestamp replaces the earlier sample, so an end-of-history
// liquidation updates the final point instead of duplicating it.
func (t *Tracker) MarkToMarket(tm time.Time, price float64) {
	p := EquityPoint{Time: tm, Equity: t.Equity(price)}
	if n := len(t.equity); n > 0 && t.equity[n-1].Time.Equal(tm) {
		t.equity[n-1] = p
		return
	}
	t.equity = append(t.equity, p)
}

// Equity returns realized cash plus unrealized PnL at the given price.
func (t *Tracker) Equity(price float64) float64 {
	eq := t.cash
	if t.pos != nil {
		if t.pos.Side == market.SideLong {
			eq += (price - t.pos.EntryPrice) * t.pos.RemainingSize
		} else {
			eq += (t.pos.EntryPrice - price) * t.pos.RemainingSize
		}
	}
	return eq
}

// Position returns the open position, or nil when flat.
func (t *Tracker) Position() *Position {
	return t.pos
}

// Trades returns the append-only ledger.
func (t *Tracker) Trades() []Trade {
	return t.trades
}

// EquityCurve returns the mark-to-market samples collected so far.
func (t *Tracker) EquityCurve() []EquityPoint {
	return t.equity
}

// StartingCapital returns the configured starting capital.
func (t *Tracker) StartingCapital() float64 {
	return t.startingCap
}
