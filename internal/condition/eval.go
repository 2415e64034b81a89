package condition

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Value is a variable binding in an evaluation context: either an exact
// decimal number or a boolean.
type Value struct {
	num    decimal.Decimal
	truth  bool
	isBool bool
}

// Number wraps a decimal as a context value.
func Number(d decimal.Decimal) Value {
	return Value{num: d}
}

// NumberFromFloat wraps a float64 as an exact-decimal context value.
func NumberFromFloat(f float64) Value {
	return Value{num: decimal.NewFromFloat(f)}
}

// Bool wraps a boolean as a context value.
func Bool(b bool) Value {
	return Value{truth: b, isBool: true}
}

// Context maps variable names to values for one evaluation. Prev, when
// non-nil, holds the immediately-previous bar's bindings and enables the
// cross-over predicates. A Context is rebuilt every bar.
type Context struct {
	Vars map[string]Value
	Prev map[string]Value
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{Vars: make(map[string]Value)}
}

// Set binds a numeric variable.
func (c *Context) Set(name string, d decimal.Decimal) {
	c.Vars[name] = Number(d)
}

// SetBool binds a boolean variable.
func (c *Context) SetBool(name string, b bool) {
	c.Vars[name] = Bool(b)
}

// lookup resolves a variable or fails with an undefined-variable error.
// Absent variables never default to zero: a strategy referencing a missing
// indicator must fail fast.
func (c *Context) lookup(name string) (Value, error) {
	v, ok := c.Vars[name]
	if !ok {
		return Value{}, &EvalError{Var: name}
	}
	return v, nil
}

// Evaluate runs a parsed expression against a context and returns its
// boolean result. Evaluation is deterministic: the same expression and
// context always produce the same result.
func Evaluate(expr Expr, ctx *Context) (bool, error) {
	v, err := eval(expr, ctx)
	if err != nil {
		return false, err
	}
	if !v.isBool {
		return false, &EvalError{Msg: fmt.Sprintf("expression %s yields a number, not a boolean", expr)}
	}
	return v.truth, nil
}

// eval walks the AST. The switch is exhaustive over the node types declared
// in ast.go; a new node type without a case here fails loudly at runtime.
func eval(expr Expr, ctx *Context) (Value, error) {
	switch e := expr.(type) {
	case *And:
		left, err := evalBool(e.Left, ctx)
		if err != nil {
			return Value{}, err
		}
		if !left {
			return Bool(false), nil
		}
		right, err := evalBool(e.Right, ctx)
		if err != nil {
			return Value{}, err
		}
		return Bool(right), nil

	case *Or:
		left, err := evalBool(e.Left, ctx)
		if err != nil {
			return Value{}, err
		}
		if left {
			return Bool(true), nil
		}
		right, err := evalBool(e.Right, ctx)
		if err != nil {
			return Value{}, err
		}
		return Bool(right), nil

	case *Not:
		inner, err := evalBool(e.Expr, ctx)
		if err != nil {
			return Value{}, err
		}
		return Bool(!inner), nil

	case *Compare:
		return evalCompare(e, ctx)

	case *NumberLit:
		return Number(e.Value), nil

	case *BoolLit:
		return Bool(e.Value), nil

	case *Variable:
		return ctx.lookup(e.Name)

	default:
		return Value{}, &EvalError{Msg: fmt.Sprintf("unknown expression node %T", expr)}
	}
}

func evalBool(expr Expr, ctx *Context) (bool, error) {
	v, err := eval(expr, ctx)
	if err != nil {
		return false, err
	}
	if !v.isBool {
		return false, &EvalError{Msg: fmt.Sprintf("operand %s is not a boolean", expr)}
	}
	return v.truth, nil
}

func evalCompare(e *Compare, ctx *Context) (Value, error) {
	left, err := eval(e.Left, ctx)
	if err != nil {
		return Value{}, err
	}
	right, err := eval(e.Right, ctx)
	if err != nil {
		return Value{}, err
	}

	// Booleans only support equality comparisons against booleans.
	if left.isBool || right.isBool {
		if !left.isBool || !right.isBool {
			return Value{}, &EvalError{Msg: fmt.Sprintf("cannot compare boolean and number in %s", e)}
		}
		switch e.Op {
		case OpEQ:
			return Bool(left.truth == right.truth), nil
		case OpNE:
			return Bool(left.truth != right.truth), nil
		default:
			return Value{}, &EvalError{Msg: fmt.Sprintf("operator %s is not defined for booleans", e.Op)}
		}
	}

	// Numeric comparison on the exact decimal representation, so literals
	// like 42100.05 compare cleanly at realistic price magnitudes.
	cmp := left.num.Cmp(right.num)
	switch e.Op {
	case OpLT:
		return Bool(cmp < 0), nil
	case OpGT:
		return Bool(cmp > 0), nil
	case OpLE:
		return Bool(cmp <= 0), nil
	case OpGE:
		return Bool(cmp >= 0), nil
	case OpEQ:
		return Bool(cmp == 0), nil
	case OpNE:
		return Bool(cmp != 0), nil
	default:
		return Value{}, &EvalError{Msg: fmt.Sprintf("unknown comparison operator %q", e.Op)}
	}
}

// ---------------------------------------------------------------------------
// Cross-over predicates
// ---------------------------------------------------------------------------

// CrossAbove reports whether series a crossed above series b on this bar:
// prev(a) <= prev(b) and now(a) > now(b). Both variables must be numeric and
// present in the current and previous contexts.
func CrossAbove(ctx *Context, a, b string) (bool, error) {
	nowA, nowB, prevA, prevB, err := crossOperands(ctx, a, b)
	if err != nil {
		return false, err
	}
	return prevA.Cmp(prevB) <= 0 && nowA.Cmp(nowB) > 0, nil
}

// CrossBelow reports whether series a crossed below series b on this bar:
// prev(a) >= prev(b) and now(a) < now(b).
func CrossBelow(ctx *Context, a, b string) (bool, error) {
	nowA, nowB, prevA, prevB, err := crossOperands(ctx, a, b)
	if err != nil {
		return false, err
	}
	return prevA.Cmp(prevB) >= 0 && nowA.Cmp(nowB) < 0, nil
}

func crossOperands(ctx *Context, a, b string) (nowA, nowB, prevA, prevB decimal.Decimal, err error) {
	get := func(vars map[string]Value, name string) (decimal.Decimal, error) {
		v, ok := vars[name]
		if !ok {
			return decimal.Decimal{}, &EvalError{Var: name}
		}
		if v.isBool {
			return decimal.Decimal{}, &EvalError{Msg: fmt.Sprintf("variable %q is not numeric", name)}
		}
		return v.num, nil
	}

	if ctx.Prev == nil {
		// No previous bar yet — the series cannot have crossed.
		err = &EvalError{Msg: "no previous-bar context for cross-over"}
		return
	}
	if nowA, err = get(ctx.Vars, a); err != nil {
		return
	}
	if nowB, err = get(ctx.Vars, b); err != nil {
		return
	}
	if prevA, err = get(ctx.Prev, a); err != nil {
		return
	}
	prevB, err = get(ctx.Prev, b)
	return
}
