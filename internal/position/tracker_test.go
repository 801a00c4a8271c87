package position

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"strategy-replay-engine/internal/market"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker(commission, slippage float64) *Tracker {
	return NewTracker(10000, commission, slippage, zerolog.Nop())
}

func TestOpen_RejectsSecondPosition(t *testing.T) {
	tr := newTestTracker(0, 0)

	if _, err := tr.Open("BTCUSDT", market.SideLong, 1, 100, t0, nil); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := tr.Open("BTCUSDT", market.SideLong, 1, 100, t0, nil); !errors.Is(err, ErrPositionOpen) {
		t.Errorf("expected ErrPositionOpen, got %v", err)
	}
}

func TestOpen_AdverseSlippage(t *testing.T) {
	tr := newTestTracker(0, 0.001)

	pos, err := tr.Open("BTCUSDT", market.SideLong, 1, 100, t0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(pos.EntryPrice-100.1) > 1e-9 {
		t.Errorf("long entry should fill at 100.1, got %f", pos.EntryPrice)
	}

	tr2 := newTestTracker(0, 0.001)
	pos2, _ := tr2.Open("BTCUSDT", market.SideShort, 1, 100, t0, nil)
	if math.Abs(pos2.EntryPrice-99.9) > 1e-9 {
		t.Errorf("short entry should fill at 99.9, got %f", pos2.EntryPrice)
	}
}

func TestPartialClose_ClampsAndDestroysAtZero(t *testing.T) {
	tr := newTestTracker(0, 0)
	tr.Open("BTCUSDT", market.SideLong, 10, 100, t0, nil)

	tr1, err := tr.PartialClose(4, 110, "level_0382", t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !tr1.Partial || tr1.RemainingSize != 6 {
		t.Errorf("expected partial with remaining 6, got partial=%v remaining=%f", tr1.Partial, tr1.RemainingSize)
	}

	// Requesting more than remaining clamps to 6 and becomes the full close.
	tr2, err := tr.PartialClose(100, 120, "level_05", t0.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if tr2.Partial {
		t.Errorf("exhausting partial must be retro-flagged as full close")
	}
	if tr2.Size != 6 || tr2.RemainingSize != 0 {
		t.Errorf("expected clamped size 6 remaining 0, got %f / %f", tr2.Size, tr2.RemainingSize)
	}
	if tr.Position() != nil {
		t.Errorf("position must be destroyed at ~0 remaining")
	}
}

// sum(partial sizes) + final close size == initial size, and the summed
// PnL fragments equal one hypothetical full close at the size-weighted
// blended exit price.
func TestPartialExit_Conservation(t *testing.T) {
	const commission = 0.001
	const slippage = 0.0005

	tr := newTestTracker(commission, slippage)
	tr.Open("ETHUSDT", market.SideLong, 9, 1000, t0, nil)

	exits := []struct {
		size, price float64
	}{
		{3.6, 1050},
		{2.7, 1080},
	}
	for i, e := range exits {
		if _, err := tr.PartialClose(e.size, e.price, "partial", t0.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tr.Close(1100, "final", t0.Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}

	trades := tr.Trades()
	if len(trades) != 3 {
		t.Fatalf("expected 3 ledger records, got %d", len(trades))
	}

	var sizeSum, pnlSum, notionalExit float64
	for _, rec := range trades {
		sizeSum += rec.Size
		pnlSum += rec.PnL
		notionalExit += rec.ExitPrice * rec.Size
	}
	if math.Abs(sizeSum-9) > 1e-9 {
		t.Errorf("size conservation broken: %f != 9", sizeSum)
	}

	// Hypothetical single close of all 9 units at the blended exit price.
	blended := notionalExit / sizeSum
	entry := trades[0].EntryPrice
	gross := (blended - entry) * 9
	exitComm := blended * 9 * commission
	entryComm := entry * 9 * commission
	wantPnL := gross - exitComm - entryComm

	if math.Abs(pnlSum-wantPnL) > 1e-6 {
		t.Errorf("PnL fragments %.8f != blended full close %.8f", pnlSum, wantPnL)
	}

	// Percent fragments are all against the original notional, so they sum
	// to the total trade return.
	var pctSum float64
	for _, rec := range trades {
		pctSum += rec.PnLPercent
	}
	wantPct := wantPnL / (entry * 9) * 100
	if math.Abs(pctSum-wantPct) > 1e-6 {
		t.Errorf("PnL%% fragments %.8f != total %.8f", pctSum, wantPct)
	}
}

func TestShortPnL(t *testing.T) {
	tr := newTestTracker(0, 0)
	tr.Open("BTCUSDT", market.SideShort, 2, 100, t0, nil)

	rec, err := tr.Close(90, "take_profit", t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(rec.PnL-20) > 1e-9 {
		t.Errorf("short 2 @100 closed @90 should make 20, got %f", rec.PnL)
	}
}

func TestMarkToMarket_EquityCurve(t *testing.T) {
	tr := newTestTracker(0, 0)
	tr.MarkToMarket(t0, 100)

	tr.Open("BTCUSDT", market.SideLong, 10, 100, t0.Add(time.Minute), nil)
	tr.MarkToMarket(t0.Add(time.Minute), 105)

	curve := tr.EquityCurve()
	if len(curve) != 2 {
		t.Fatalf("expected 2 equity points, got %d", len(curve))
	}
	if math.Abs(curve[1].Equity-10050) > 1e-9 {
		t.Errorf("expected unrealized equity 10050, got %f", curve[1].Equity)
	}
}

func TestSummary_ProfitFactorInfinity(t *testing.T) {
	tr := newTestTracker(0, 0)
	tr.Open("BTCUSDT", market.SideLong, 1, 100, t0, nil)
	tr.Close(110, "take_profit", t0.Add(time.Hour))
	tr.MarkToMarket(t0.Add(time.Hour), 110)

	s := tr.Summary()
	if !math.IsInf(s.ProfitFactor, 1) {
		t.Errorf("profit factor must be +Inf with zero gross loss, got %f", s.ProfitFactor)
	}
	if s.WinRate != 100 {
		t.Errorf("expected 100%% win rate, got %f", s.WinRate)
	}
}

func TestSummary_MaxDrawdown(t *testing.T) {
	tr := newTestTracker(0, 0)
	// Synthesize an equity path through the tracker's own marking.
	for i, eq := range []float64{10000, 10500, 9500, 10800} {
		tr.equity = append(tr.equity, EquityPoint{Time: t0.Add(time.Duration(i) * time.Hour), Equity: eq})
	}

	s := tr.Summary()
	want := (10500.0 - 9500.0) / 10500.0 * 100
	if math.Abs(s.MaxDrawdownPct-want) > 1e-9 {
		t.Errorf("expected drawdown %.4f%%, got %.4f%%", want, s.MaxDrawdownPct)
	}
}

func TestClose_NoPosition(t *testing.T) {
	tr := newTestTracker(0, 0)
	if _, err := tr.Close(100, "x", t0); !errors.Is(err, ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
}
