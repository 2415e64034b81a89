package condition

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse builds the AST for a condition string. The resulting Expr is
// immutable and reusable across evaluations.
func Parse(text string) (Expr, error) {
	p := &parser{tokens: tokenize(text)}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected token %q", tok.text)}
	}
	return expr, nil
}

type parser struct {
	tokens []token
	idx    int
}

func (p *parser) peek() token {
	return p.tokens[p.idx]
}

func (p *parser) next() token {
	tok := p.tokens[p.idx]
	if tok.kind != tokenEOF {
		p.idx++
	}
	return tok
}

// parseOr handles the lowest-precedence level. OR is right-associative:
// "a OR b OR c" parses as Or(a, Or(b, c)).
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokenOr {
		p.next()
		right, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		return &Or{Left: left, Right: right}, nil
	}
	return left, nil
}

// parseAnd is right-associative like parseOr.
func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokenAnd {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		return &And{Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.peek().kind == tokenNot {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Expr: inner}, nil
	}
	return p.parseComparison()
}

// parseComparison parses "primary [op primary]". Comparison operators do not
// chain: "a < b < c" is a parse error at the second operator.
func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind == tokenCompare {
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return &Compare{Op: CompareOp(tok.text), Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokenNumber:
		value, err := decimal.NewFromString(tok.text)
		if err != nil {
			return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("invalid number %q", tok.text)}
		}
		return &NumberLit{Value: value}, nil
	case tokenBool:
		return &BoolLit{Value: strings.EqualFold(tok.text, "true")}, nil
	case tokenIdent:
		return &Variable{Name: tok.text}, nil
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokenRParen {
			return nil, &ParseError{Pos: closing.pos, Msg: "expected closing parenthesis"}
		}
		return inner, nil
	case tokenEOF:
		return nil, &ParseError{Pos: tok.pos, Msg: "unexpected end of expression"}
	default:
		return nil, &ParseError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected token %q", tok.text)}
	}
}
