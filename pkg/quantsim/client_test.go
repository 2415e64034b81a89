package quantsim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStartProgressResult(t *testing.T) {
	progressCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/backtests", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(StartedBacktest{SessionID: "s1", Status: "queued", TotalBars: 10})
	})
	mux.HandleFunc("GET /api/backtests/s1/progress", func(w http.ResponseWriter, r *http.Request) {
		progressCalls++
		status := "running"
		if progressCalls >= 2 {
			status = "completed"
		}
		json.NewEncoder(w).Encode(Progress{SessionID: "s1", Status: status, TotalBars: 10})
	})
	mux.HandleFunc("GET /api/backtests/s1/result", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"result": map[string]any{"session_id": "s1", "final_equity": "10250"},
		})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewClient(ts.URL)
	ctx := context.Background()

	started, err := c.StartBacktest(ctx, map[string]any{"strategy": map[string]any{"name": "x"}})
	if err != nil {
		t.Fatalf("StartBacktest: %v", err)
	}
	if started.SessionID != "s1" || started.TotalBars != 10 {
		t.Errorf("started = %+v", started)
	}

	res, err := c.WaitForResult(ctx, "s1", time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForResult: %v", err)
	}
	if res.Result == nil || res.Result.FinalEquity != "10250" {
		t.Errorf("result = %+v", res.Result)
	}
	if progressCalls < 2 {
		t.Errorf("progressCalls = %d, want >= 2", progressCalls)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
	}))
	defer ts.Close()

	c := NewClient(ts.URL)
	_, err := c.Progress(context.Background(), "nope")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Message != "session not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestWaitForResultContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Progress{SessionID: "s1", Status: "running"})
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(ts.URL)
	_, err := c.WaitForResult(ctx, "s1", 10*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
