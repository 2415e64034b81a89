package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/backtest"
	"quantsim/internal/marketdata"
	"quantsim/internal/store"
	"quantsim/internal/util"
)

// BacktestDefaults seeds request fields the caller leaves empty.
type BacktestDefaults struct {
	InitialCapital decimal.Decimal
	SlippageBps    decimal.Decimal
	CommissionPct  decimal.Decimal
	ConflictWarn   int
}

// Server exposes the backtest engine over HTTP.
type Server struct {
	engine   *backtest.Engine
	sessions store.SessionStore
	data     marketdata.Provider
	calendar *util.TradingCalendar
	defaults BacktestDefaults
	log      *slog.Logger
}

// NewServer creates the API server. sessions and data may be nil; the
// endpoints that need them return 503.
func NewServer(
	engine *backtest.Engine,
	sessions store.SessionStore,
	data marketdata.Provider,
	defaults BacktestDefaults,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:   engine,
		sessions: sessions,
		data:     data,
		calendar: util.NewTradingCalendar(),
		defaults: defaults,
		log:      log.With("component", "httpapi"),
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/backtests", s.handleStart)
	mux.HandleFunc("GET /api/backtests", s.handleList)
	mux.HandleFunc("GET /api/backtests/{id}", s.handleGet)
	mux.HandleFunc("GET /api/backtests/{id}/progress", s.handleProgress)
	mux.HandleFunc("GET /api/backtests/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/backtests/{id}/result", s.handleResult)
	mux.HandleFunc("DELETE /api/backtests/{id}", s.handleCancel)
	mux.HandleFunc("POST /api/signals/preview", s.handlePreview)
	mux.HandleFunc("GET /api/market/status", s.handleMarketStatus)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Backtest lifecycle
// ---------------------------------------------------------------------------

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartBacktestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}

	cfg, err := s.buildConfig(r.Context(), &req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errNoDataProvider) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	sess, err := s.engine.Start(*cfg)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.log.Info("backtest started",
		"session", sess.ID,
		"strategy", cfg.Strategy.Name,
		"symbol", cfg.Strategy.Symbol,
		"bars", len(cfg.Bars))

	writeJSON(w, http.StatusAccepted, StartBacktestResponse{
		SessionID: sess.ID,
		Status:    string(sess.Status()),
		TotalBars: len(cfg.Bars),
	})
}

var errNoDataProvider = errors.New("no market data provider configured")

// buildConfig resolves a start request into an engine config, fetching
// bars unless the request carries them inline.
func (s *Server) buildConfig(ctx context.Context, req *StartBacktestRequest) (*backtest.Config, error) {
	if req.Strategy == nil {
		return nil, errors.New("strategy required")
	}

	bars := req.Bars
	if len(bars) == 0 {
		if req.Start.IsZero() || req.End.IsZero() {
			return nil, errors.New("start and end required when bars are not supplied")
		}
		if s.data == nil {
			return nil, errNoDataProvider
		}
		fetched, err := s.data.GetBars(ctx, req.Strategy.Symbol, req.Strategy.Timeframe, req.Start, req.End)
		if err != nil {
			return nil, fmt.Errorf("fetching bars: %w", err)
		}
		bars = fetched
	}

	cfg := backtest.Config{
		Strategy:              req.Strategy,
		Bars:                  bars,
		InitialCapital:        s.defaults.InitialCapital,
		SlippageBps:           s.defaults.SlippageBps,
		CommissionPct:         s.defaults.CommissionPct,
		EvalErrorIsNoSignal:   req.EvalErrorIsNoSignal,
		ConflictWarnThreshold: s.defaults.ConflictWarn,
	}
	if req.InitialCapital != nil {
		cfg.InitialCapital = *req.InitialCapital
	}
	if req.SlippageBps != nil {
		cfg.SlippageBps = *req.SlippageBps
	}
	if req.CommissionPct != nil {
		cfg.CommissionPct = *req.CommissionPct
	}
	return &cfg, nil
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	prog, err := s.engine.Progress(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, progressResponse(id, prog))
}

// handleEvents streams progress as server-sent events until the session
// reaches a terminal status or the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.engine.Progress(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		prog, err := s.engine.Progress(id)
		if err != nil {
			return
		}
		payload, _ := json.Marshal(progressResponse(id, prog))
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()

		if prog.Status.Terminal() {
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := s.engine.Result(id)
	switch {
	case errors.Is(err, backtest.ErrSessionNotFound):
		// Fall back to the store for sessions from earlier runs.
		s.storedResult(w, r, id)
		return
	case errors.Is(err, backtest.ErrStillRunning):
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	resp := ResultResponse{Result: res}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) storedResult(w http.ResponseWriter, r *http.Request, id string) {
	if s.sessions == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	rec, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if rec.Trades, err = s.sessions.GetTrades(r.Context(), id); err != nil {
		s.log.Warn("loading stored trades", "session", id, "error", err)
	}
	if rec.EquityCurve, err = s.sessions.GetEquityCurve(r.Context(), id); err != nil {
		s.log.Warn("loading stored equity curve", "session", id, "error", err)
	}
	writeJSON(w, http.StatusOK, storedResultResponse(rec))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "stopping"})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.engine.Session(id)
	if err == nil {
		writeJSON(w, http.StatusOK, sessionSummary(sess))
		return
	}
	if s.sessions != nil {
		rec, err := s.sessions.GetSession(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, recordSummary(rec))
			return
		}
	}
	writeError(w, http.StatusNotFound, "session not found")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	out := make([]SessionSummary, 0)
	seen := make(map[string]bool)
	for _, sess := range s.engine.Sessions() {
		out = append(out, sessionSummary(sess))
		seen[sess.ID] = true
	}
	if s.sessions != nil {
		recs, err := s.sessions.ListSessions(r.Context(), limit)
		if err != nil {
			s.log.Warn("listing stored sessions", "error", err)
		}
		for i := range recs {
			if !seen[recs[i].ID] {
				out = append(out, recordSummary(&recs[i]))
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: out})
}

// ---------------------------------------------------------------------------
// Signal preview and market status
// ---------------------------------------------------------------------------

// handlePreview evaluates a strategy once against a caller-supplied
// variable snapshot, without running a backtest.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if req.Strategy == nil {
		writeError(w, http.StatusBadRequest, "strategy required")
		return
	}
	sigs, err := backtest.EvaluateSignals(req.Strategy, req.Variables.Context())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PreviewResponse{
		Entry: sigs.Entry,
		Exit:  sigs.Exit,
		Stop:  sigs.Stop,
	})
}

func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	writeJSON(w, http.StatusOK, MarketStatusResponse{
		Open:      s.calendar.IsMarketOpen(now),
		NextOpen:  s.calendar.NextOpen(now),
		NextClose: s.calendar.NextClose(now),
	})
}

// ---------------------------------------------------------------------------
// Response shaping
// ---------------------------------------------------------------------------

func progressResponse(id string, prog backtest.Progress) ProgressResponse {
	return ProgressResponse{
		SessionID:     id,
		Status:        string(prog.Status),
		BarsProcessed: prog.BarsProcessed,
		TotalBars:     prog.TotalBars,
		Percentage:    prog.Percentage,
		ETASeconds:    prog.ETA.Seconds(),
	}
}

func sessionSummary(sess *backtest.Session) SessionSummary {
	sum := SessionSummary{
		ID:       sess.ID,
		Strategy: sess.Strategy.Name,
		Symbol:   sess.Strategy.Symbol,
		Status:   string(sess.Status()),
	}
	if t := sess.StartedAt(); !t.IsZero() {
		sum.StartedAt = &t
	}
	if t := sess.EndedAt(); !t.IsZero() {
		sum.EndedAt = &t
	}
	return sum
}

func recordSummary(rec *store.SessionRecord) SessionSummary {
	sum := SessionSummary{
		ID:       rec.ID,
		Strategy: rec.Strategy,
		Symbol:   rec.Symbol,
		Status:   rec.Status,
	}
	if !rec.StartedAt.IsZero() {
		t := rec.StartedAt
		sum.StartedAt = &t
	}
	if !rec.EndedAt.IsZero() {
		t := rec.EndedAt
		sum.EndedAt = &t
	}
	return sum
}

// storedResultResponse rebuilds a result view from a persisted record.
func storedResultResponse(rec *store.SessionRecord) ResultResponse {
	res := &backtest.Result{
		SessionID:    rec.ID,
		Strategy:     rec.Strategy,
		Symbol:       rec.Symbol,
		Trades:       rec.Trades,
		EquityCurve:  rec.EquityCurve,
		ConflictBars: rec.ConflictBars,
	}
	if d, err := decimal.NewFromString(rec.InitialCapital); err == nil {
		res.InitialCapital = d
	}
	if d, err := decimal.NewFromString(rec.FinalEquity); err == nil {
		res.FinalEquity = d
	}
	if rec.MetricsJSON != "" {
		json.Unmarshal([]byte(rec.MetricsJSON), &res.Metrics)
	}
	return ResultResponse{Result: res, Error: rec.Error}
}
