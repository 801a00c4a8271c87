package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LoadCSV reads a bar series from a CSV file with a header row. Column
// order does not matter; time may be RFC3339 or UNIX seconds. Rows
// whose time does not parse or whose OHLC fields are missing or not
// positive numbers are dropped. The result is sorted, deduplicated and
// validated.
func LoadCSV(path string) ([]Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []Bar
	var headers []string
	first := true

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if first {
			headers = rec
			first = false
			continue
		}

		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}

		ts := pick(row, "time", "timestamp", "open_time", "date")
		op := pick(row, "open")
		hp := pick(row, "high")
		lp := pick(row, "low")
		cp := pick(row, "close")
		vp := pick(row, "volume", "vol")
		if ts == "" || op == "" || cp == "" {
			continue
		}

		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		o, okO := parsePrice(op)
		h, okH := parsePrice(hp)
		l, okL := parsePrice(lp)
		c, okC := parsePrice(cp)
		if !okO || !okH || !okL || !okC {
			continue
		}
		v, _ := strconv.ParseFloat(vp, 64)
		out = append(out, Bar{OpenTime: tt, Open: o, High: h, Low: l, Close: c, Volume: v})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	out = Dedupe(out)
	if err := ValidateSeries(out); err != nil {
		return nil, fmt.Errorf("csv %s: %w", path, err)
	}
	return out, nil
}

// parseTimeFlexible supports RFC3339 or UNIX seconds.
func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

// parsePrice accepts only positive finite numbers. Empty or junk price
// fields mark the row for dropping rather than producing a zero bar
// that would later fail series validation.
func parsePrice(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func pick(row map[string]string, keys ...string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok && v != "" {
			return v
		}
	}
	return ""
}
