package market

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Side represents the direction of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the opposing side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Bar represents a single OHLCV candle
type Bar struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Errors for series validation
var (
	ErrEmptySeries     = errors.New("bar series is empty")
	ErrUnorderedSeries = errors.New("bar series is not strictly time-ordered")
	ErrInvalidBar      = errors.New("bar contains invalid prices")
)

// ValidateSeries checks that bars are non-empty, strictly time-ordered
// and free of NaN/Inf or inverted OHLC values.
func ValidateSeries(bars []Bar) error {
	if len(bars) == 0 {
		return ErrEmptySeries
	}

	for i, b := range bars {
		if !validPrice(b.Open) || !validPrice(b.High) || !validPrice(b.Low) || !validPrice(b.Close) {
			return fmt.Errorf("%w: bar %d at %s", ErrInvalidBar, i, b.OpenTime.Format(time.RFC3339))
		}
		if b.High < b.Low {
			return fmt.Errorf("%w: bar %d high %.8f below low %.8f", ErrInvalidBar, i, b.High, b.Low)
		}
		if i > 0 && !bars[i-1].OpenTime.Before(b.OpenTime) {
			return fmt.Errorf("%w: bar %d at %s", ErrUnorderedSeries, i, b.OpenTime.Format(time.RFC3339))
		}
	}

	return nil
}

func validPrice(p float64) bool {
	return !math.IsNaN(p) && !math.IsInf(p, 0) && p > 0
}

// Dedupe returns a copy of bars with duplicate timestamps removed,
// keeping the first occurrence. Input must already be sorted by time.
func Dedupe(bars []Bar) []Bar {
	out := make([]Bar, 0, len(bars))
	for i, b := range bars {
		if i > 0 && !bars[i-1].OpenTime.Before(b.OpenTime) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Window returns the bounded lookback slice ending at index i:
// bars[max(0, i-size+1) : i+1]. It never includes bars after i.
func Window(bars []Bar, i, size int) []Bar {
	if i < 0 || i >= len(bars) || size <= 0 {
		return nil
	}
	start := i - size + 1
	if start < 0 {
		start = 0
	}
	return bars[start : i+1]
}
