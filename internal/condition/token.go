// Package condition implements the boolean expression engine used by
// strategy entry/exit/stop rules: a tokenizer, a recursive-descent parser
// producing a reusable AST, and an evaluator over a per-bar variable context.
// The grammar is a small fixed set of operators, lowest precedence first:
// OR, AND, NOT, comparisons (< > <= >= == !=), then primaries (numeric or
// boolean literals, parenthesized sub-expressions, bare identifiers).
package condition

import "strings"

type tokenKind int

const (
	tokenIdent tokenKind = iota
	tokenNumber
	tokenBool
	tokenAnd
	tokenOr
	tokenNot
	tokenCompare // < > <= >= == !=
	tokenLParen
	tokenRParen
	tokenEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int // byte offset in the source text
}

// twoCharOps are always split out as their own tokens, even without
// surrounding whitespace.
var twoCharOps = []string{">=", "<=", "==", "!="}

// tokenize splits the condition text into tokens. Two-character comparison
// operators, single-character comparisons, and parentheses separate
// identifiers; everything else between separators is an identifier, number,
// or keyword.
func tokenize(text string) []token {
	var tokens []token
	i := 0
	n := len(text)

	flushIdent := func(start, end int) {
		if start >= end {
			return
		}
		word := text[start:end]
		tok := token{text: word, pos: start}
		switch strings.ToUpper(word) {
		case "AND":
			tok.kind = tokenAnd
		case "OR":
			tok.kind = tokenOr
		case "NOT":
			tok.kind = tokenNot
		case "TRUE", "FALSE":
			tok.kind = tokenBool
		default:
			if isNumeric(word) {
				tok.kind = tokenNumber
			} else {
				tok.kind = tokenIdent
			}
		}
		tokens = append(tokens, tok)
	}

	wordStart := i
	for i < n {
		c := text[i]

		// Whitespace ends the current word.
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			flushIdent(wordStart, i)
			i++
			wordStart = i
			continue
		}

		// Two-character operators.
		if i+1 < n {
			pair := text[i : i+2]
			matched := false
			for _, op := range twoCharOps {
				if pair == op {
					flushIdent(wordStart, i)
					tokens = append(tokens, token{kind: tokenCompare, text: op, pos: i})
					i += 2
					wordStart = i
					matched = true
					break
				}
			}
			if matched {
				continue
			}
		}

		// Single-character separators.
		switch c {
		case '<', '>':
			flushIdent(wordStart, i)
			tokens = append(tokens, token{kind: tokenCompare, text: string(c), pos: i})
			i++
			wordStart = i
			continue
		case '(':
			flushIdent(wordStart, i)
			tokens = append(tokens, token{kind: tokenLParen, text: "(", pos: i})
			i++
			wordStart = i
			continue
		case ')':
			flushIdent(wordStart, i)
			tokens = append(tokens, token{kind: tokenRParen, text: ")", pos: i})
			i++
			wordStart = i
			continue
		}

		i++
	}
	flushIdent(wordStart, n)

	tokens = append(tokens, token{kind: tokenEOF, pos: n})
	return tokens
}

// isNumeric reports whether word looks like a numeric literal: an optional
// leading sign followed by digits with at most one decimal point.
func isNumeric(word string) bool {
	if word == "" {
		return false
	}
	start := 0
	if word[0] == '-' || word[0] == '+' {
		if len(word) == 1 {
			return false
		}
		start = 1
	}
	dots := 0
	digits := 0
	for _, c := range word[start:] {
		switch {
		case c >= '0' && c <= '9':
			digits++
		case c == '.':
			dots++
			if dots > 1 {
				return false
			}
		default:
			return false
		}
	}
	return digits > 0
}
