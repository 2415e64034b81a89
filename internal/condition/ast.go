package condition

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Expr is a parsed condition expression. An Expr is built once per condition
// string and is safe for reuse across any number of evaluations and
// goroutines.
type Expr interface {
	exprNode()
	String() string
}

// CompareOp is a comparison operator in a Compare node.
type CompareOp string

const (
	OpLT CompareOp = "<"
	OpGT CompareOp = ">"
	OpLE CompareOp = "<="
	OpGE CompareOp = ">="
	OpEQ CompareOp = "=="
	OpNE CompareOp = "!="
)

// And is the conjunction of two sub-expressions.
type And struct {
	Left, Right Expr
}

// Or is the disjunction of two sub-expressions.
type Or struct {
	Left, Right Expr
}

// Not negates a sub-expression.
type Not struct {
	Expr Expr
}

// Compare applies a comparison operator to two operands.
type Compare struct {
	Op          CompareOp
	Left, Right Expr
}

// NumberLit is an exact-decimal numeric literal.
type NumberLit struct {
	Value decimal.Decimal
}

// BoolLit is a boolean literal.
type BoolLit struct {
	Value bool
}

// Variable references a context variable by name: an indicator name or one
// of the reserved bar fields (open, high, low, close, volume, price,
// timestamp, symbol).
type Variable struct {
	Name string
}

func (*And) exprNode()       {}
func (*Or) exprNode()        {}
func (*Not) exprNode()       {}
func (*Compare) exprNode()   {}
func (*NumberLit) exprNode() {}
func (*BoolLit) exprNode()   {}
func (*Variable) exprNode()  {}

func (e *And) String() string     { return fmt.Sprintf("(%s AND %s)", e.Left, e.Right) }
func (e *Or) String() string      { return fmt.Sprintf("(%s OR %s)", e.Left, e.Right) }
func (e *Not) String() string     { return fmt.Sprintf("(NOT %s)", e.Expr) }
func (e *Compare) String() string { return fmt.Sprintf("(%s %s %s)", e.Left, e.Op, e.Right) }
func (e *NumberLit) String() string {
	return e.Value.String()
}
func (e *BoolLit) String() string {
	if e.Value {
		return "true"
	}
	return "false"
}
func (e *Variable) String() string { return e.Name }

// ParseError describes a malformed condition string. It is surfaced to the
// strategy author and blocks activation; it is never silently ignored.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Pos, e.Msg)
}

// EvalError describes a failure while evaluating a well-formed expression.
// Var is set when the failure is a reference to a variable absent from the
// context; an undefined variable never silently defaults to zero.
type EvalError struct {
	Var string
	Msg string
}

func (e *EvalError) Error() string {
	if e.Var != "" {
		return fmt.Sprintf("undefined variable %q", e.Var)
	}
	return e.Msg
}

// IsUndefinedVariable reports whether err is an EvalError for a missing
// variable, returning its name.
func IsUndefinedVariable(err error) (string, bool) {
	if ee, ok := err.(*EvalError); ok && ee.Var != "" {
		return ee.Var, true
	}
	return "", false
}
