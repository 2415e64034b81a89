package backtest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"quantsim/internal/condition"
	"quantsim/internal/domain"
	"quantsim/internal/indicator"
	"quantsim/internal/signal"
)

var (
	// ErrStillRunning is returned when a result is requested for a session
	// that has not reached a terminal state.
	ErrStillRunning = errors.New("session still running")

	// ErrSessionNotFound is returned for an unknown session ID.
	ErrSessionNotFound = errors.New("session not found")
)

// Recorder persists terminal sessions. Implemented by the sqlite store; the
// engine works without one.
type Recorder interface {
	SaveResult(ctx context.Context, s *Session, r *Result) error
}

// Engine schedules backtest sessions on a bounded worker pool. Sessions past
// the pool size queue until a slot frees up.
type Engine struct {
	log      *slog.Logger
	calc     *indicator.Orchestrator
	sem      chan struct{}
	recorder Recorder

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewEngine creates an engine that runs at most maxConcurrent sessions at
// once. maxConcurrent below 1 is treated as 1.
func NewEngine(calc *indicator.Orchestrator, maxConcurrent int, log *slog.Logger) *Engine {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:      log.With("component", "backtest"),
		calc:     calc,
		sem:      make(chan struct{}, maxConcurrent),
		sessions: make(map[string]*Session),
	}
}

// SetRecorder wires a persistence sink for terminal sessions. Must be called
// before the first Start.
func (e *Engine) SetRecorder(r Recorder) { e.recorder = r }

// Start validates the configuration and launches a session. Validation
// failures (bad strategy, unparseable conditions, insufficient history)
// surface here and no session is created.
func (e *Engine) Start(cfg Config) (*Session, error) {
	if cfg.Strategy == nil {
		return nil, fmt.Errorf("start backtest: strategy is required")
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, fmt.Errorf("start backtest: %w", err)
	}
	if len(cfg.Bars) == 0 {
		return nil, fmt.Errorf("start backtest: no bars for %s", cfg.Strategy.Symbol)
	}
	if !cfg.InitialCapital.IsPositive() {
		return nil, fmt.Errorf("start backtest: initial capital must be positive, got %s", cfg.InitialCapital)
	}
	eval, err := signal.NewEvaluator(cfg.Strategy)
	if err != nil {
		return nil, fmt.Errorf("start backtest: %w", err)
	}
	if err := e.calc.ValidateHistory(cfg.Strategy.Indicators, cfg.Bars); err != nil {
		return nil, fmt.Errorf("start backtest: %w", err)
	}

	s := newSession(uuid.NewString(), cfg)
	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	if err := s.transition(StatusQueued); err != nil {
		return nil, err
	}
	e.log.Info("session queued",
		"session", s.ID, "strategy", cfg.Strategy.Name,
		"symbol", cfg.Strategy.Symbol, "bars", len(cfg.Bars))

	go e.runSession(s, eval)
	return s, nil
}

// runSession is the session's single owning goroutine: it holds all
// simulation state and is the only writer of the session's result.
func (e *Engine) runSession(s *Session, eval *signal.Evaluator) {
	if s.cancelled() {
		_ = s.transition(StatusStopped)
		e.log.Info("session cancelled while queued", "session", s.ID)
		return
	}
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-s.cancel:
		_ = s.transition(StatusStopped)
		e.log.Info("session cancelled while queued", "session", s.ID)
		return
	}

	if err := s.transition(StatusRunning); err != nil {
		e.log.Error("session start failed", "session", s.ID, "error", err)
		return
	}

	series, err := e.calc.ComputeAll(context.Background(), s.Strategy.Indicators, s.Config.Bars)
	if err != nil {
		s.setFailure(err)
		_ = s.transition(StatusFailed)
		e.log.Error("indicator computation failed", "session", s.ID, "error", err)
		return
	}

	sim := newSimulator(e.log.With("session", s.ID), s.Config, eval, series)

	for i, bar := range s.Config.Bars {
		if s.cancelled() {
			// Finish nothing further; the in-flight bar above already
			// completed, so the artifacts stay consistent.
			s.setResult(sim.result(s.ID))
			_ = s.transition(StatusStopped)
			e.log.Info("session stopped", "session", s.ID, "bars_processed", i)
			e.record(s)
			return
		}
		if err := sim.step(i, bar); err != nil {
			s.setResult(sim.result(s.ID)) // partial artifacts survive a failure
			s.setFailure(err)
			_ = s.transition(StatusFailed)
			e.log.Error("session failed", "session", s.ID, "bar", i, "error", err)
			e.record(s)
			return
		}
		s.setBarsProcessed(i + 1)
	}

	res := sim.result(s.ID)
	s.setResult(res)
	_ = s.transition(StatusCompleted)
	e.log.Info("session completed",
		"session", s.ID, "trades", len(res.Trades),
		"final_equity", res.FinalEquity, "conflict_bars", res.ConflictBars)
	e.record(s)
}

func (e *Engine) record(s *Session) {
	if e.recorder == nil {
		return
	}
	res, _ := s.Snapshot()
	if res == nil {
		return
	}
	if err := e.recorder.SaveResult(context.Background(), s, res); err != nil {
		e.log.Error("persist session result", "session", s.ID, "error", err)
	}
}

// Session returns a session by ID.
func (e *Engine) Session(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Sessions returns all known sessions in unspecified order.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	return out
}

// Progress reports the live progress of a session.
func (e *Engine) Progress(id string) (Progress, error) {
	s, err := e.Session(id)
	if err != nil {
		return Progress{}, err
	}
	return s.Progress(), nil
}

// Result returns the terminal result of a session. ErrStillRunning until the
// session reaches a terminal state; failed and stopped sessions may carry
// partial artifacts alongside their failure.
func (e *Engine) Result(id string) (*Result, error) {
	s, err := e.Session(id)
	if err != nil {
		return nil, err
	}
	if !s.Status().Terminal() {
		return nil, ErrStillRunning
	}
	res, failure := s.Snapshot()
	if failure != nil {
		return res, failure
	}
	return res, nil
}

// Cancel requests a cooperative stop of a session. Terminal sessions are
// left untouched.
func (e *Engine) Cancel(id string) error {
	s, err := e.Session(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// EvaluateSignals runs a strategy's conditions against an externally built
// context, outside any session. Used by live evaluation and ad-hoc checks.
func EvaluateSignals(strategy *domain.StrategyDefinition, ctx *condition.Context) (signal.Signals, error) {
	eval, err := signal.NewEvaluator(strategy)
	if err != nil {
		return signal.Signals{}, err
	}
	return eval.Evaluate(ctx)
}
