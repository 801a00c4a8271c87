package market

import (
	"fmt"
	"time"
)

// Timeframe represents a chart timeframe
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1d  Timeframe = "1d"
)

var timeframeDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF1h:  time.Hour,
	TF4h:  4 * time.Hour,
	TF1d:  24 * time.Hour,
}

// ParseTimeframe validates a timeframe string and returns its duration.
func ParseTimeframe(s string) (time.Duration, error) {
	if d, ok := timeframeDurations[Timeframe(s)]; ok {
		return d, nil
	}
	return 0, fmt.Errorf("unknown timeframe %q", s)
}

// Resample aggregates bars into a higher timeframe. Each output bar
// covers one bucket aligned to the bucket duration; partial trailing
// buckets are emitted as-is so the last HTF bar reflects only data
// already seen.
func Resample(bars []Bar, tf Timeframe) ([]Bar, error) {
	bucket, ok := timeframeDurations[tf]
	if !ok {
		return nil, fmt.Errorf("unknown timeframe %q", tf)
	}
	if len(bars) == 0 {
		return nil, nil
	}

	var out []Bar
	var cur *Bar
	var curStart time.Time

	for _, b := range bars {
		start := b.OpenTime.Truncate(bucket)
		if cur == nil || !start.Equal(curStart) {
			if cur != nil {
				out = append(out, *cur)
			}
			nb := Bar{
				OpenTime: start,
				Open:     b.Open,
				High:     b.High,
				Low:      b.Low,
				Close:    b.Close,
				Volume:   b.Volume,
			}
			cur = &nb
			curStart = start
			continue
		}
		if b.High > cur.High {
			cur.High = b.High
		}
		if b.Low < cur.Low {
			cur.Low = b.Low
		}
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}

	return out, nil
}

// ResampleAsOf aggregates only bars up to and including index i, so the
// resulting HTF series carries no information from later bars.
func ResampleAsOf(bars []Bar, i int, tf Timeframe) ([]Bar, error) {
	if i < 0 || i >= len(bars) {
		return nil, fmt.Errorf("index %d out of range", i)
	}
	return Resample(bars[:i+1], tf)
}
