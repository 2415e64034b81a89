// Package backtest runs strategy simulations over historical bars: it owns
// the per-session mutable state (capital, open position, trade journal,
// equity curve), schedules sessions on a bounded pool, and computes
// performance metrics when a run finishes.
package backtest

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"quantsim/internal/domain"
)

// Status is the lifecycle state of a backtest session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the session can transition no further.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// validTransitions is the session state machine. Stopped is reachable only
// from queued/running; completed and failed only from running.
var validTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusRunning},
	StatusQueued:  {StatusRunning, StatusStopped},
	StatusRunning: {StatusCompleted, StatusFailed, StatusStopped},
}

// Config holds everything one backtest run needs.
type Config struct {
	Strategy       *domain.StrategyDefinition
	Bars           []domain.Bar
	InitialCapital decimal.Decimal
	SlippageBps    decimal.Decimal // price moved against the trader, in basis points
	CommissionPct  decimal.Decimal // fee as a fraction of notional, e.g. 0.001

	// EvalErrorIsNoSignal downgrades per-bar evaluation errors (such as an
	// undefined variable) to "no signal on this bar" instead of failing the
	// session.
	EvalErrorIsNoSignal bool

	// ConflictWarnThreshold escalates to a session-level warning once this
	// many bars have been skipped for signal conflicts. 0 disables the
	// warning.
	ConflictWarnThreshold int
}

// Progress is a pollable snapshot of a running session.
type Progress struct {
	Status        Status        `json:"status"`
	BarsProcessed int           `json:"bars_processed"`
	TotalBars     int           `json:"total_bars"`
	Percentage    float64       `json:"percentage"`
	ETA           time.Duration `json:"eta"`
}

// Session is one backtest run. The runner goroutine owns all simulation
// state; the fields guarded by mu are the only ones read from other
// goroutines (progress polling, cancellation, result retrieval).
type Session struct {
	ID       string
	Config   Config
	Strategy *domain.StrategyDefinition

	mu            sync.Mutex
	status        Status
	barsProcessed int
	totalBars     int
	startedAt     time.Time
	endedAt       time.Time
	failure       error
	result        *Result

	cancel chan struct{} // closed exactly once by Cancel
	once   sync.Once
}

func newSession(id string, cfg Config) *Session {
	return &Session{
		ID:        id,
		Config:    cfg,
		Strategy:  cfg.Strategy,
		status:    StatusPending,
		totalBars: len(cfg.Bars),
		cancel:    make(chan struct{}),
	}
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// transition moves the session to next, enforcing the state machine.
func (s *Session) transition(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range validTransitions[s.status] {
		if allowed == next {
			s.status = next
			switch next {
			case StatusRunning:
				s.startedAt = time.Now()
			case StatusCompleted, StatusFailed, StatusStopped:
				s.endedAt = time.Now()
			}
			return nil
		}
	}
	return fmt.Errorf("invalid session transition %s -> %s", s.status, next)
}

// Cancel requests a cooperative stop. Safe to call multiple times and in
// any state; terminal sessions ignore it.
func (s *Session) Cancel() {
	s.once.Do(func() { close(s.cancel) })
}

func (s *Session) cancelled() bool {
	select {
	case <-s.cancel:
		return true
	default:
		return false
	}
}

// Progress returns a consistent snapshot of the session's progress. The ETA
// extrapolates the observed per-bar rate; it is zero until the first bar
// completes.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{
		Status:        s.status,
		BarsProcessed: s.barsProcessed,
		TotalBars:     s.totalBars,
	}
	if s.totalBars > 0 {
		p.Percentage = 100 * float64(s.barsProcessed) / float64(s.totalBars)
	}
	if s.status == StatusRunning && s.barsProcessed > 0 {
		elapsed := time.Since(s.startedAt)
		perBar := elapsed / time.Duration(s.barsProcessed)
		p.ETA = perBar * time.Duration(s.totalBars-s.barsProcessed)
	}
	return p
}

func (s *Session) setBarsProcessed(n int) {
	s.mu.Lock()
	s.barsProcessed = n
	s.mu.Unlock()
}

func (s *Session) setResult(r *Result) {
	s.mu.Lock()
	s.result = r
	s.mu.Unlock()
}

func (s *Session) setFailure(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Snapshot returns the terminal result and failure, if any.
func (s *Session) Snapshot() (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.failure
}

// StartedAt and EndedAt report the running window; zero until reached.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}
