package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/backtest"
	"quantsim/internal/domain"
	"quantsim/internal/indicator"
	"quantsim/internal/indicator/builtin"
	"quantsim/internal/store"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func dailyBars(symbol string, prices ...string) []domain.Bar {
	bars := make([]domain.Bar, len(prices))
	for i, p := range prices {
		d := dec(p)
		bars[i] = domain.Bar{
			Symbol:    symbol,
			Timestamp: t0.AddDate(0, 0, i),
			Open:      d,
			High:      d,
			Low:       d,
			Close:     d,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func testStrategy(entry, exit string) *domain.StrategyDefinition {
	return &domain.StrategyDefinition{
		Name:           "api-test",
		Symbol:         "AAPL",
		Timeframe:      domain.Timeframe1Day,
		EntryCondition: entry,
		ExitCondition:  exit,
		Sizing: domain.PositionSizingConfig{
			Method:   domain.SizingFixed,
			Quantity: decimal.NewFromInt(1),
		},
		Risk: domain.RiskLimits{
			MaxPositionSizePct:     decimal.NewFromInt(1),
			MaxDailyLossPct:        decimal.NewFromInt(1),
			MaxDrawdownPct:         decimal.NewFromInt(1),
			MaxConcurrentPositions: 1,
		},
	}
}

func setupServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	engine := backtest.NewEngine(indicator.NewOrchestrator(builtin.NewCalculator()), 2, nil)
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	engine.SetRecorder(db)

	srv := NewServer(engine, db, nil, BacktestDefaults{
		InitialCapital: dec("10000"),
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return v
}

// startSession runs a full round-trip backtest through the API and waits
// for it to finish.
func startSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	req := StartBacktestRequest{
		Strategy: testStrategy("close >= 110", "close <= 90"),
		Bars:     dailyBars("AAPL", "100", "110", "110", "90", "90"),
	}
	resp := postJSON(t, ts.URL+"/api/backtests", req)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
	started := decodeBody[StartBacktestResponse](t, resp)
	if started.SessionID == "" {
		t.Fatal("empty session id")
	}
	if started.TotalBars != 5 {
		t.Errorf("TotalBars = %d, want 5", started.TotalBars)
	}
	waitDone(t, ts, started.SessionID)
	return started.SessionID
}

func waitDone(t *testing.T, ts *httptest.Server, id string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/api/backtests/" + id + "/progress")
		if err != nil {
			t.Fatalf("GET progress: %v", err)
		}
		prog := decodeBody[ProgressResponse](t, resp)
		if backtest.Status(prog.Status).Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never finished", id)
}

func TestStartAndResult(t *testing.T) {
	_, ts := setupServer(t)
	id := startSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/backtests/" + id + "/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	res := decodeBody[ResultResponse](t, resp)
	if res.Result == nil {
		t.Fatal("nil result")
	}
	if got := len(res.Result.Trades); got != 2 {
		t.Errorf("trades = %d, want 2", got)
	}
	if !res.Result.FinalEquity.Equal(dec("9980")) {
		t.Errorf("FinalEquity = %s, want 9980", res.Result.FinalEquity)
	}
}

func TestStartRejectsBadRequests(t *testing.T) {
	_, ts := setupServer(t)

	cases := []struct {
		name string
		req  StartBacktestRequest
		want int
	}{
		{"missing strategy", StartBacktestRequest{Bars: dailyBars("AAPL", "100")}, http.StatusBadRequest},
		{"no bars no range", StartBacktestRequest{Strategy: testStrategy("close > 0", "close < 0")}, http.StatusBadRequest},
		{
			"no data provider",
			StartBacktestRequest{
				Strategy: testStrategy("close > 0", "close < 0"),
				Start:    t0,
				End:      t0.AddDate(0, 0, 5),
			},
			http.StatusServiceUnavailable,
		},
		{
			"invalid condition",
			StartBacktestRequest{
				Strategy: testStrategy("close >", "close < 0"),
				Bars:     dailyBars("AAPL", "100"),
			},
			http.StatusUnprocessableEntity,
		},
	}
	for _, tc := range cases {
		resp := postJSON(t, ts.URL+"/api/backtests", tc.req)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%s: status = %d, want %d", tc.name, resp.StatusCode, tc.want)
		}
	}
}

func TestResultStillRunningConflict(t *testing.T) {
	_, ts := setupServer(t)

	prices := make([]string, 200000)
	for i := range prices {
		prices[i] = "100"
	}
	req := StartBacktestRequest{
		Strategy: testStrategy("close > 200", "close < 0"),
		Bars:     dailyBars("AAPL", prices...),
	}
	resp := postJSON(t, ts.URL+"/api/backtests", req)
	started := decodeBody[StartBacktestResponse](t, resp)

	res, err := http.Get(ts.URL + "/api/backtests/" + started.SessionID + "/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	res.Body.Close()
	// A 409 here requires the poll to land before the run finishes; a fast
	// run racing past us is fine too.
	if res.StatusCode != http.StatusConflict && res.StatusCode != http.StatusOK {
		t.Errorf("result status = %d, want 409 or 200", res.StatusCode)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/backtests/"+started.SessionID, nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusAccepted {
		t.Errorf("cancel status = %d, want %d", delResp.StatusCode, http.StatusAccepted)
	}
	waitDone(t, ts, started.SessionID)
}

func TestUnknownSession(t *testing.T) {
	_, ts := setupServer(t)
	for _, path := range []string{
		"/api/backtests/nope/progress",
		"/api/backtests/nope/result",
		"/api/backtests/nope",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s: status = %d, want %d", path, resp.StatusCode, http.StatusNotFound)
		}
	}
}

func TestListSessions(t *testing.T) {
	_, ts := setupServer(t)
	id := startSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/backtests")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	list := decodeBody[ListSessionsResponse](t, resp)
	found := false
	for _, s := range list.Sessions {
		if s.ID == id {
			found = true
			if s.Strategy != "api-test" || s.Symbol != "AAPL" {
				t.Errorf("summary = %+v", s)
			}
		}
	}
	if !found {
		t.Errorf("session %s missing from list", id)
	}
}

func TestStoredResultFallback(t *testing.T) {
	// A session persisted by an earlier process is still retrievable even
	// though the engine has no live record of it.
	srv, ts := setupServer(t)
	id := startSession(t, ts)

	engine := backtest.NewEngine(indicator.NewOrchestrator(builtin.NewCalculator()), 2, nil)
	srv2 := NewServer(engine, srv.sessions, nil, srv.defaults, nil)
	ts2 := httptest.NewServer(srv2.Handler())
	defer ts2.Close()

	resp, err := http.Get(ts2.URL + "/api/backtests/" + id + "/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stored result status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	res := decodeBody[ResultResponse](t, resp)
	if res.Result == nil || res.Result.SessionID != id {
		t.Fatalf("stored result = %+v", res.Result)
	}
	if got := len(res.Result.Trades); got != 2 {
		t.Errorf("stored trades = %d, want 2", got)
	}
	if got := len(res.Result.EquityCurve); got != 5 {
		t.Errorf("stored equity curve = %d points, want 5", got)
	}
}

func TestPreview(t *testing.T) {
	_, ts := setupServer(t)

	req := PreviewRequest{
		Strategy: testStrategy("rsi_14 < 30", "rsi_14 > 70"),
		Variables: PreviewVariables{
			Values: map[string]decimal.Decimal{"rsi_14": dec("25")},
		},
	}
	resp := postJSON(t, ts.URL+"/api/signals/preview", req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	out := decodeBody[PreviewResponse](t, resp)
	if !out.Entry || out.Exit {
		t.Errorf("signals = %+v, want entry only", out)
	}

	req.Variables = PreviewVariables{}
	resp = postJSON(t, ts.URL+"/api/signals/preview", req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("preview with missing vars: status = %d, want %d",
			resp.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestProgressEvents(t *testing.T) {
	_, ts := setupServer(t)
	id := startSession(t, ts)

	resp, err := http.Get(ts.URL + "/api/backtests/" + id + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	if !bytes.HasPrefix(buf[:n], []byte("data: ")) {
		t.Errorf("event frame = %q, want data: prefix", buf[:n])
	}
}

func TestMarketStatus(t *testing.T) {
	_, ts := setupServer(t)
	resp, err := http.Get(ts.URL + "/api/market/status")
	if err != nil {
		t.Fatalf("GET market status: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	out := decodeBody[MarketStatusResponse](t, resp)
	if out.NextOpen.IsZero() || out.NextClose.IsZero() {
		t.Errorf("market status = %+v, want next open/close set", out)
	}
	if !out.NextOpen.After(time.Now().Add(-time.Minute)) {
		t.Errorf("NextOpen = %s is in the past", out.NextOpen)
	}
}
