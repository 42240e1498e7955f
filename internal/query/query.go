// Package query compiles boolean filter expressions used to select the
// active entity/operator subset.
//
// Grammar (the extension point — kept deliberately small):
//
//	query   := term ( ("," | "and") term )*
//	term    := ident op literal
//	op      := "=" | "==" | "!=" | "<" | "<=" | ">" | ">="
//	literal := True | False | number | "…" | '…' | "[" literal ("," literal)* "]"
//
// "all=True" matches any scope without a field of that name. "=" against a
// list literal is membership.
// Evaluation is pure; queries are recompiled on every use, never cached
// across document mutations.
package query

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ParseError reports malformed input with its byte position.
type ParseError struct {
	Pos int
	Msg string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("query syntax error at %d: %s", e.Pos, e.Msg)
}

type opKind int

const (
	opEq opKind = iota
	opNe
	opLt
	opLe
	opGt
	opGe
)

type term struct {
	key   string
	op    opKind
	value any
}

// Query is a compiled conjunction of field predicates.
type Query struct {
	source string
	terms  []term
}

func (q *Query) Source() string { return q.source }

// Lookup resolves field names to values in some scope (an operator's fields,
// the world snapshot, an entity's components).
type Lookup interface {
	Resolve(key string) (any, bool)
}

// LookupFunc adapts a plain function to Lookup.
type LookupFunc func(key string) (any, bool)

func (f LookupFunc) Resolve(key string) (any, bool) { return f(key) }

// Parse compiles a filter string.
func Parse(src string) (*Query, error) {
	p := &parser{src: src}
	q := &Query{source: src}
	p.skipSpace()
	if p.eof() {
		return nil, &ParseError{Pos: p.pos, Msg: "empty query"}
	}
	for {
		t, err := p.term()
		if err != nil {
			return nil, err
		}
		q.terms = append(q.terms, t)
		p.skipSpace()
		if p.eof() {
			return q, nil
		}
		if !p.separator() {
			return nil, &ParseError{Pos: p.pos, Msg: "expected ',' or 'and'"}
		}
	}
}

// Match evaluates the query against one scope. A key the scope resolves is
// compared normally, a field literally named "all" included. Only an
// unresolved "all" is the universal match; any other unresolved key fails.
func (q *Query) Match(scope Lookup) bool {
	for _, t := range q.terms {
		if got, ok := scope.Resolve(t.key); ok {
			if !matchTerm(t, got) {
				return false
			}
			continue
		}
		if t.key == "all" {
			want, ok := t.value.(bool)
			if ok && ((t.op == opEq && want) || (t.op == opNe && !want)) {
				continue
			}
		}
		return false
	}
	return true
}

func matchTerm(t term, got any) bool {
	switch t.op {
	case opEq:
		if list, ok := t.value.([]any); ok {
			for _, item := range list {
				if equalValue(got, item) {
					return true
				}
			}
			return false
		}
		return equalValue(got, t.value)
	case opNe:
		return !equalValue(got, t.value)
	default:
		a, okA := asNumber(got)
		b, okB := asNumber(t.value)
		if !okA || !okB {
			return false
		}
		switch t.op {
		case opLt:
			return a < b
		case opLe:
			return a <= b
		case opGt:
			return a > b
		case opGe:
			return a >= b
		}
	}
	return false
}

func equalValue(a, b any) bool {
	na, okA := asNumber(a)
	nb, okB := asNumber(b)
	if okA && okB {
		return na == nb
	}
	return a == b
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ── parser ────────────────────────────────────────────────────────

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) skipSpace() {
	for !p.eof() && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

// separator consumes "," or the word "and".
func (p *parser) separator() bool {
	if !p.eof() && p.src[p.pos] == ',' {
		p.pos++
		p.skipSpace()
		return true
	}
	if strings.HasPrefix(p.src[p.pos:], "and") {
		end := p.pos + 3
		if end >= len(p.src) || !isIdentChar(rune(p.src[end])) {
			p.pos = end
			p.skipSpace()
			return true
		}
	}
	return false
}

func (p *parser) term() (term, error) {
	p.skipSpace()
	key, err := p.ident()
	if err != nil {
		return term{}, err
	}
	p.skipSpace()
	op, err := p.operator()
	if err != nil {
		return term{}, err
	}
	p.skipSpace()
	val, err := p.literal()
	if err != nil {
		return term{}, err
	}
	return term{key: key, op: op, value: val}, nil
}

func (p *parser) ident() (string, error) {
	start := p.pos
	for !p.eof() && isIdentChar(rune(p.src[p.pos])) {
		p.pos++
	}
	if p.pos == start {
		return "", &ParseError{Pos: start, Msg: "expected field name"}
	}
	return p.src[start:p.pos], nil
}

func (p *parser) operator() (opKind, error) {
	rest := p.src[p.pos:]
	switch {
	case strings.HasPrefix(rest, "=="):
		p.pos += 2
		return opEq, nil
	case strings.HasPrefix(rest, "!="):
		p.pos += 2
		return opNe, nil
	case strings.HasPrefix(rest, "<="):
		p.pos += 2
		return opLe, nil
	case strings.HasPrefix(rest, ">="):
		p.pos += 2
		return opGe, nil
	case strings.HasPrefix(rest, "="):
		p.pos++
		return opEq, nil
	case strings.HasPrefix(rest, "<"):
		p.pos++
		return opLt, nil
	case strings.HasPrefix(rest, ">"):
		p.pos++
		return opGt, nil
	}
	return 0, &ParseError{Pos: p.pos, Msg: "expected comparison operator"}
}

func (p *parser) literal() (any, error) {
	if p.eof() {
		return nil, &ParseError{Pos: p.pos, Msg: "expected value"}
	}
	switch c := p.src[p.pos]; {
	case c == '[':
		return p.list()
	case c == '\'' || c == '"':
		return p.stringLit(c)
	case c == '-' || c == '+' || unicode.IsDigit(rune(c)):
		return p.number()
	default:
		word, err := p.ident()
		if err != nil {
			return nil, &ParseError{Pos: p.pos, Msg: "expected value"}
		}
		switch word {
		case "True", "true":
			return true, nil
		case "False", "false":
			return false, nil
		}
		// Bare words are string values, matching the relaxed form the
		// editor accepted for entity names.
		return word, nil
	}
}

func (p *parser) list() (any, error) {
	p.pos++ // '['
	var items []any
	p.skipSpace()
	if !p.eof() && p.src[p.pos] == ']' {
		p.pos++
		return items, nil
	}
	for {
		item, err := p.literal()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		p.skipSpace()
		if p.eof() {
			return nil, &ParseError{Pos: p.pos, Msg: "unterminated list"}
		}
		switch p.src[p.pos] {
		case ',':
			p.pos++
			p.skipSpace()
		case ']':
			p.pos++
			return items, nil
		default:
			return nil, &ParseError{Pos: p.pos, Msg: "expected ',' or ']'"}
		}
	}
}

func (p *parser) stringLit(quote byte) (any, error) {
	start := p.pos
	p.pos++
	for !p.eof() {
		if p.src[p.pos] == quote {
			s := p.src[start+1 : p.pos]
			p.pos++
			return s, nil
		}
		p.pos++
	}
	return nil, &ParseError{Pos: start, Msg: "unterminated string"}
}

func (p *parser) number() (any, error) {
	start := p.pos
	if p.src[p.pos] == '-' || p.src[p.pos] == '+' {
		p.pos++
	}
	for !p.eof() && (unicode.IsDigit(rune(p.src[p.pos])) || p.src[p.pos] == '.') {
		p.pos++
	}
	n, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, &ParseError{Pos: start, Msg: "malformed number"}
	}
	return n, nil
}

func isIdentChar(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
