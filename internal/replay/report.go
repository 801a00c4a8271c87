package replay

import (
	"time"

	"github.com/google/uuid"

	"strategy-replay-engine/internal/gate"
	"strategy-replay-engine/internal/position"
)

// BarDebug is one per-bar record of the optional decision trail.
type BarDebug struct {
	Index     int               `json:"index"`
	Time      time.Time         `json:"time"`
	Price     float64           `json:"price"`
	Action    string            `json:"action"`
	Reason    string            `json:"reason"`
	Overrides []string          `json:"overrides,omitempty"`
	Zone      gate.ZoneSnapshot `json:"zone"`
	Error     string            `json:"error,omitempty"`
}

// CacheStats mirrors the per-run feature cache counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Report is the complete result of one replay run. A report is always
// well-formed: a canceled run carries everything processed so far with
// Canceled set.
type Report struct {
	RunID        uuid.UUID `json:"run_id"`
	Symbol       string    `json:"symbol"`
	Timeframe    string    `json:"timeframe"`
	HTFTimeframe string    `json:"htf_timeframe,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	TotalBars   int  `json:"total_bars"`
	WarmupBars  int  `json:"warmup_bars"`
	SkippedBars int  `json:"skipped_bars"`
	Canceled    bool `json:"canceled"`

	Summary position.Summary       `json:"summary"`
	Trades  []position.Trade       `json:"trades"`
	Equity  []position.EquityPoint `json:"equity"`

	Cache CacheStats `json:"cache"`

	Debug []BarDebug `json:"debug,omitempty"`
}
