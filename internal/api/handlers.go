package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"strategy-replay-engine/config"
	"strategy-replay-engine/internal/market"
	"strategy-replay-engine/internal/optimize"
	"strategy-replay-engine/internal/replay"
	"strategy-replay-engine/internal/store"
)

// BacktestRequest describes one replay run. Bars may be supplied inline
// for stateless use; otherwise they are loaded from the database using
// symbol, timeframe and the optional time range.
type BacktestRequest struct {
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	From      time.Time       `json:"from"`
	To        time.Time       `json:"to"`
	Champion  string          `json:"champion"`
	Overrides json.RawMessage `json:"overrides"`
	Bars      []market.Bar    `json:"bars,omitempty"`
	Async     bool            `json:"async"`
}

// OptimizeRequest fans a candidate set out over the optimizer against
// one shared bar series.
type OptimizeRequest struct {
	Symbol     string               `json:"symbol"`
	Timeframe  string               `json:"timeframe"`
	From       time.Time            `json:"from"`
	To         time.Time            `json:"to"`
	Bars       []market.Bar         `json:"bars,omitempty"`
	Candidates []optimize.Candidate `json:"candidates"`
}

// SaveBarsRequest ingests bar history into the database.
type SaveBarsRequest struct {
	Symbol    string       `json:"symbol"`
	Timeframe string       `json:"timeframe"`
	Bars      []market.Bar `json:"bars"`
}

// resolveRunConfig layers the named champion (if any) and the request
// overrides on top of the defaults, then applies the request's symbol
// and timeframe shorthand.
func (s *Server) resolveRunConfig(ctx context.Context, req BacktestRequest) (config.RunConfig, error) {
	var champion json.RawMessage
	if req.Champion != "" {
		layer, err := s.championLayer(ctx, req.Champion)
		if err != nil {
			return config.RunConfig{}, err
		}
		champion = layer
	}

	cfg, err := config.Resolve(champion, req.Overrides)
	if err != nil {
		return config.RunConfig{}, err
	}

	if req.Symbol != "" {
		cfg.Replay.Symbol = req.Symbol
	}
	if req.Timeframe != "" {
		cfg.Replay.Timeframe = req.Timeframe
	}
	if err := cfg.Validate(); err != nil {
		return config.RunConfig{}, err
	}
	return cfg, nil
}

// championLayer reads a champion config through the cache: Redis first,
// then the durable table, backfilling the cache on a hit.
func (s *Server) championLayer(ctx context.Context, name string) (json.RawMessage, error) {
	if s.champions == nil && s.db == nil {
		return nil, errors.New("champion store disabled")
	}

	if s.champions != nil {
		if layer, err := s.champions.Get(ctx, name); err == nil {
			return layer, nil
		} else if !errors.Is(err, store.ErrChampionNotFound) {
			s.log.Warn().Err(err).Str("name", name).Msg("champion cache read failed")
		}
	}

	if s.db == nil {
		return nil, store.ErrChampionNotFound
	}
	layer, err := s.db.GetChampion(ctx, name)
	if err != nil {
		return nil, err
	}
	if s.champions != nil {
		if err := s.champions.Set(ctx, name, layer); err != nil {
			s.log.Warn().Err(err).Str("name", name).Msg("champion cache backfill failed")
		}
	}
	return layer, nil
}

// loadBars prefers inline bars; otherwise reads the requested slice of
// history from the database.
func (s *Server) loadBars(ctx context.Context, symbol, timeframe string, from, to time.Time, inline []market.Bar) ([]market.Bar, error) {
	if len(inline) > 0 {
		return inline, nil
	}
	if s.db == nil {
		return nil, errors.New("no inline bars and database disabled")
	}
	return s.db.LoadBars(ctx, symbol, timeframe, from, to)
}

// handleRunBacktest resolves the run config, loads bars and executes
// the replay. Synchronous by default; async runs return 202 with a job
// id and stream their lifecycle over the event bus.
func (s *Server) handleRunBacktest(c *gin.Context) {
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	cfg, err := s.resolveRunConfig(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, store.ErrChampionNotFound) {
			errorResponse(c, http.StatusNotFound, "champion config not found: "+req.Champion)
			return
		}
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	bars, err := s.loadBars(c.Request.Context(), cfg.Replay.Symbol, cfg.Replay.Timeframe, req.From, req.To, req.Bars)
	if err != nil {
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
		return
	}

	select {
	case s.runSem <- struct{}{}:
	default:
		errorResponse(c, http.StatusTooManyRequests, "too many concurrent runs")
		return
	}

	if req.Async {
		jobID := uuid.New().String()
		go func() {
			defer func() { <-s.runSem }()
			s.executeAsync(jobID, cfg, bars)
		}()
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "accepted"})
		return
	}

	defer func() { <-s.runSem }()

	eng := replay.New(cfg, s.sources(cfg), s.log)
	report, err := eng.Run(c.Request.Context(), bars, nil)
	if err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.persistReport(report, cfg)
	successResponse(c, report)
}

// executeAsync runs one replay detached from the request, publishing
// lifecycle events keyed by the job id.
func (s *Server) executeAsync(jobID string, cfg config.RunConfig, bars []market.Bar) {
	if s.eventBus != nil {
		s.eventBus.PublishRunStarted(jobID, cfg.Replay.Symbol, len(bars))
	}

	eng := replay.New(cfg, s.sources(cfg), s.log)
	report, err := eng.Run(context.Background(), bars, func(p replay.Progress) bool {
		if s.eventBus != nil {
			s.eventBus.PublishRunProgress(jobID, p.Done, p.Total)
		}
		return true
	})
	if err != nil {
		s.log.Error().Err(err).Str("job_id", jobID).Msg("async run failed")
		if s.eventBus != nil {
			s.eventBus.PublishRunFailed(jobID, err)
		}
		return
	}

	s.persistReport(report, cfg)

	if s.eventBus != nil {
		for _, tr := range report.Trades {
			s.eventBus.PublishTradeClosed(jobID, tr.Symbol, tr.ExitReason, tr.PnL, tr.PnLPercent)
		}
		s.eventBus.PublishRunFinished(jobID, len(report.Trades), report.Summary.TotalReturnPct, report.Canceled)
	}
}

// persistReport stores the finished report when the database is
// enabled. Persistence failure is logged, never fatal to the run.
func (s *Server) persistReport(report *replay.Report, cfg config.RunConfig) {
	if s.db == nil {
		return
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal run config")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.db.SaveReport(ctx, report, cfgJSON); err != nil {
		s.log.Error().Err(err).Str("run_id", report.RunID.String()).Msg("save report")
	}
}

func (s *Server) handleListBacktests(c *gin.Context) {
	if s.db == nil {
		errorResponse(c, http.StatusServiceUnavailable, "database disabled")
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := s.db.ListReports(c.Request.Context(), c.Query("symbol"), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, rows)
}

func (s *Server) handleGetBacktest(c *gin.Context) {
	if s.db == nil {
		errorResponse(c, http.StatusServiceUnavailable, "database disabled")
		return
	}

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid run id")
		return
	}

	row, err := s.db.GetReport(c.Request.Context(), runID)
	if err != nil {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	successResponse(c, row)
}

func (s *Server) handleGetBacktestTrades(c *gin.Context) {
	if s.db == nil {
		errorResponse(c, http.StatusServiceUnavailable, "database disabled")
		return
	}

	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid run id")
		return
	}

	trades, err := s.db.GetTrades(c.Request.Context(), runID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, trades)
}

// handleOptimize runs the candidate search synchronously and returns
// the leaderboard. The optimizer owns its own parallelism; the request
// still counts as a single slot against the run semaphore.
func (s *Server) handleOptimize(c *gin.Context) {
	var req OptimizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Candidates) == 0 {
		errorResponse(c, http.StatusBadRequest, "no candidates supplied")
		return
	}

	bars, err := s.loadBars(c.Request.Context(), req.Symbol, req.Timeframe, req.From, req.To, req.Bars)
	if err != nil {
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
		return
	}

	select {
	case s.runSem <- struct{}{}:
	default:
		errorResponse(c, http.StatusTooManyRequests, "too many concurrent runs")
		return
	}
	defer func() { <-s.runSem }()

	opt := optimize.New(s.optCfg, s.sources, s.log)
	results := opt.Search(c.Request.Context(), bars, req.Candidates)

	// Errors do not round-trip through JSON; surface them as strings.
	type resultView struct {
		optimize.Result
		Error string `json:"error,omitempty"`
	}
	views := make([]resultView, len(results))
	for i, r := range results {
		views[i] = resultView{Result: r}
		if r.Err != nil {
			views[i].Error = r.Err.Error()
		}
	}

	if s.champions != nil {
		if payload, err := json.Marshal(views); err == nil {
			name := req.Symbol
			if name == "" {
				name = "latest"
			}
			if err := s.champions.SetLeaderboard(c.Request.Context(), name, payload); err != nil {
				s.log.Warn().Err(err).Msg("leaderboard cache write failed")
			}
		}
	}

	successResponse(c, views)
}

func (s *Server) handleSaveBars(c *gin.Context) {
	if s.db == nil {
		errorResponse(c, http.StatusServiceUnavailable, "database disabled")
		return
	}

	var req SaveBarsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Symbol == "" || req.Timeframe == "" || len(req.Bars) == 0 {
		errorResponse(c, http.StatusBadRequest, "symbol, timeframe and bars are required")
		return
	}
	if _, err := market.ParseTimeframe(req.Timeframe); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.db.SaveBars(c.Request.Context(), req.Symbol, req.Timeframe, req.Bars); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"saved": len(req.Bars)})
}

func (s *Server) handleLoadBars(c *gin.Context) {
	if s.db == nil {
		errorResponse(c, http.StatusServiceUnavailable, "database disabled")
		return
	}

	symbol := c.Query("symbol")
	timeframe := c.Query("timeframe")
	if symbol == "" || timeframe == "" {
		errorResponse(c, http.StatusBadRequest, "symbol and timeframe are required")
		return
	}

	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid from time")
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "invalid to time")
			return
		}
		to = t
	}

	bars, err := s.db.LoadBars(c.Request.Context(), symbol, timeframe, from, to)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, bars)
}

func (s *Server) handleGetChampion(c *gin.Context) {
	layer, err := s.championLayer(c.Request.Context(), c.Param("name"))
	if err != nil {
		if errors.Is(err, store.ErrChampionNotFound) {
			errorResponse(c, http.StatusNotFound, "champion config not found")
			return
		}
		errorResponse(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	successResponse(c, layer)
}

func (s *Server) handleListChampions(c *gin.Context) {
	if s.db == nil {
		errorResponse(c, http.StatusServiceUnavailable, "database disabled")
		return
	}

	rows, err := s.db.ListChampions(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, rows)
}

// handleSetChampion stores the request body as a champion override
// layer, write-through: durable table first, cache refresh after. The
// layer must resolve against the defaults before it is accepted, so a
// stored champion can never break later runs.
func (s *Server) handleSetChampion(c *gin.Context) {
	if s.champions == nil && s.db == nil {
		errorResponse(c, http.StatusServiceUnavailable, "champion store disabled")
		return
	}

	body, err := c.GetRawData()
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "unreadable body")
		return
	}
	if _, err := config.Resolve(body, nil); err != nil {
		errorResponse(c, http.StatusBadRequest, "champion layer does not resolve: "+err.Error())
		return
	}

	name := c.Param("name")
	if s.db != nil {
		if err := s.db.SaveChampion(c.Request.Context(), name, body); err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if s.champions != nil {
		if err := s.champions.Set(c.Request.Context(), name, body); err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	successResponse(c, gin.H{"name": name})
}

func (s *Server) handleDeleteChampion(c *gin.Context) {
	if s.champions == nil && s.db == nil {
		errorResponse(c, http.StatusServiceUnavailable, "champion store disabled")
		return
	}

	name := c.Param("name")
	if s.db != nil {
		if err := s.db.DeleteChampion(c.Request.Context(), name); err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if s.champions != nil {
		if err := s.champions.Delete(c.Request.Context(), name); err != nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
	}
	successResponse(c, gin.H{"name": name})
}

// handleGetLeaderboard returns the most recent cached leaderboard for
// the given name (defaults to "latest").
func (s *Server) handleGetLeaderboard(c *gin.Context) {
	if s.champions == nil {
		errorResponse(c, http.StatusServiceUnavailable, "champion store disabled")
		return
	}

	name := c.DefaultQuery("name", "latest")
	payload, err := s.champions.GetLeaderboard(c.Request.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrLeaderboardNotFound) {
			errorResponse(c, http.StatusNotFound, "no leaderboard cached under "+name)
			return
		}
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, payload)
}
