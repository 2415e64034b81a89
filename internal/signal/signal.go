// Package signal turns a strategy's parsed conditions plus a bar's market
// context into entry/exit/stop booleans and enforces the conflict rules
// between them.
package signal

import (
	"fmt"

	"github.com/shopspring/decimal"

	"quantsim/internal/condition"
	"quantsim/internal/domain"
)

// Signals is the outcome of evaluating a strategy's three conditions on one
// bar.
type Signals struct {
	Entry bool
	Exit  bool
	Stop  bool
}

// ConflictError reports that two signals fired on the same bar in a
// combination the caller must not act on: entry+exit or entry+stop.
// Exit+stop together is not a conflict; exit is dispatched first and closing
// the position satisfies both.
type ConflictError struct {
	First, Second domain.SignalType
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting signals: %s and %s fired on the same bar", e.First, e.Second)
}

// Evaluator holds a strategy's parsed conditions. Parse errors surface at
// construction, before any bar is processed.
type Evaluator struct {
	entry condition.Expr // nil when the strategy has no entry condition
	exit  condition.Expr
	stop  condition.Expr
}

// NewEvaluator parses the strategy's conditions. A missing condition is
// legal and always evaluates to false; a malformed one blocks activation.
func NewEvaluator(strategy *domain.StrategyDefinition) (*Evaluator, error) {
	parse := func(text string, which string) (condition.Expr, error) {
		if text == "" {
			return nil, nil
		}
		expr, err := condition.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%s condition: %w", which, err)
		}
		return expr, nil
	}

	e := &Evaluator{}
	var err error
	if e.entry, err = parse(strategy.EntryCondition, "entry"); err != nil {
		return nil, err
	}
	if e.exit, err = parse(strategy.ExitCondition, "exit"); err != nil {
		return nil, err
	}
	if e.stop, err = parse(strategy.StopCondition, "stop"); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate runs the three conditions against ctx and applies the conflict
// rules. On conflict the returned Signals is zero and the error is a
// *ConflictError.
func (e *Evaluator) Evaluate(ctx *condition.Context) (Signals, error) {
	var s Signals
	var err error

	if e.entry != nil {
		if s.Entry, err = condition.Evaluate(e.entry, ctx); err != nil {
			return Signals{}, fmt.Errorf("entry condition: %w", err)
		}
	}
	if e.exit != nil {
		if s.Exit, err = condition.Evaluate(e.exit, ctx); err != nil {
			return Signals{}, fmt.Errorf("exit condition: %w", err)
		}
	}
	if e.stop != nil {
		if s.Stop, err = condition.Evaluate(e.stop, ctx); err != nil {
			return Signals{}, fmt.Errorf("stop condition: %w", err)
		}
	}

	if s.Entry && s.Exit {
		return Signals{}, &ConflictError{First: domain.SignalEntry, Second: domain.SignalExit}
	}
	if s.Entry && s.Stop {
		return Signals{}, &ConflictError{First: domain.SignalEntry, Second: domain.SignalStop}
	}
	return s, nil
}

// BuildContext assembles the evaluation context for one bar: the reserved
// OHLCV names, price (an alias for close), timestamp and symbol, plus every
// indicator value. prev carries the previous bar's bindings for cross-over
// detection; pass nil on the first bar.
func BuildContext(bar domain.Bar, indicators map[string]decimal.Decimal, prev *condition.Context) *condition.Context {
	ctx := condition.NewContext()
	ctx.Set("open", bar.Open)
	ctx.Set("high", bar.High)
	ctx.Set("low", bar.Low)
	ctx.Set("close", bar.Close)
	ctx.Set("volume", bar.Volume)
	ctx.Set("price", bar.Close)
	ctx.Set("timestamp", decimal.NewFromInt(bar.Timestamp.Unix()))
	ctx.SetBool("symbol_"+bar.Symbol, true)
	for name, v := range indicators {
		ctx.Set(name, v)
	}
	if prev != nil {
		ctx.Prev = prev.Vars
	}
	return ctx
}
