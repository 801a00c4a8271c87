package probability

import (
	"errors"
	"testing"
	"time"

	"strategy-replay-engine/internal/market"
)

func series(n int, step float64) []market.Bar {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price += step
		bars[i] = market.Bar{
			OpenTime: t0.Add(time.Duration(i) * time.Hour),
			Open:     price, High: price + 0.5, Low: price - 0.5, Close: price, Volume: 1,
		}
	}
	return bars
}

func TestMomentum_InsufficientHistory(t *testing.T) {
	m := NewMomentum()
	bars := series(10, 0.1)

	if _, _, err := m.Evaluate(bars, 9); !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("short window: expected ErrInsufficientHistory, got %v", err)
	}
	if _, _, err := m.Evaluate(bars, 10); !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("out-of-range index: expected ErrInsufficientHistory, got %v", err)
	}
}

func TestMomentum_DirectionFollowsTrend(t *testing.T) {
	m := NewMomentum()

	up := series(100, 0.5)
	probs, confs, err := m.Evaluate(up, len(up)-1)
	if err != nil {
		t.Fatal(err)
	}
	if probs.Buy <= probs.Sell {
		t.Errorf("uptrend must favor buy: buy=%f sell=%f", probs.Buy, probs.Sell)
	}
	if confs.Buy <= confs.Sell {
		t.Errorf("uptrend must carry buy confidence: %f vs %f", confs.Buy, confs.Sell)
	}

	down := series(100, -0.4)
	probs, _, err = m.Evaluate(down, len(down)-1)
	if err != nil {
		t.Fatal(err)
	}
	if probs.Sell <= probs.Buy {
		t.Errorf("downtrend must favor sell: buy=%f sell=%f", probs.Buy, probs.Sell)
	}
}

func TestMomentum_OutputsFormDistribution(t *testing.T) {
	m := NewMomentum()
	bars := series(60, 0.2)

	for i := 30; i < len(bars); i++ {
		probs, confs, err := m.Evaluate(bars, i)
		if err != nil {
			continue
		}
		sum := probs.Buy + probs.Sell + probs.Hold
		if sum < 0.99 || sum > 1.01 {
			t.Fatalf("bar %d: probabilities sum to %f", i, sum)
		}
		for _, v := range []float64{probs.Buy, probs.Sell, probs.Hold, confs.Buy, confs.Sell} {
			if v < 0 || v > 1 {
				t.Fatalf("bar %d: value %f out of [0,1]", i, v)
			}
		}
	}
}

func TestConstant_Passthrough(t *testing.T) {
	c := Constant{}
	probs, confs, err := c.Evaluate(nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if probs.Buy != 0 || confs.Buy != 0 {
		t.Error("zero constant must return zero outputs")
	}
}
