package blobstore

import (
	"fmt"
	"strings"

	pkgerrors "github.com/clevi/pricestore/pkg/errors"
)

type compareOp string

const (
	opEq  compareOp = "="
	opGt  compareOp = ">"
	opGte compareOp = ">="
	opLt  compareOp = "<"
	opLte compareOp = "<="
)

type tagClause struct {
	key   string
	op    compareOp
	value string
}

// TagQuery is a parsed tag filter: clauses of the form "key" <op> 'value'
// joined with AND, optionally grouped in parentheses. Values compare as
// strings.
type TagQuery struct {
	clauses []tagClause
}

// ParseTagQuery parses expressions such as
//
//	"market" = 'lidl' AND ("day" >= '2024-05-01' AND "day" < '2024-06-01')
func ParseTagQuery(query string) (TagQuery, error) {
	p := &tagParser{input: query}
	var q TagQuery
	if err := p.expr(&q, 0); err != nil {
		return TagQuery{}, err
	}
	if !p.done() {
		return TagQuery{}, p.fail("unexpected ')'")
	}
	if len(q.clauses) == 0 {
		return TagQuery{}, pkgerrors.New(pkgerrors.CodeValidation, "tag query is empty")
	}
	return q, nil
}

const maxTagQueryDepth = 16

// expr parses terms joined with AND up to the end of input or, inside a
// group, up to the closing parenthesis, which is left for the caller.
func (p *tagParser) expr(q *TagQuery, depth int) error {
	terms := 0
	for {
		p.skipSpace()
		if p.done() || p.input[p.pos] == ')' {
			break
		}
		if terms > 0 {
			if !p.keyword("AND") {
				return p.fail("expected AND")
			}
			p.skipSpace()
		}
		if err := p.term(q, depth); err != nil {
			return err
		}
		terms++
	}
	if terms == 0 && depth > 0 {
		return p.fail("empty group")
	}
	return nil
}

func (p *tagParser) term(q *TagQuery, depth int) error {
	if p.done() || p.input[p.pos] != '(' {
		clause, err := p.clause()
		if err != nil {
			return err
		}
		q.clauses = append(q.clauses, clause)
		return nil
	}
	if depth >= maxTagQueryDepth {
		return p.fail("groups nested too deeply")
	}
	p.pos++
	if err := p.expr(q, depth+1); err != nil {
		return err
	}
	if p.done() {
		return p.fail("expected ')'")
	}
	p.pos++
	return nil
}

// Match reports whether tags satisfy every clause. A missing tag never matches.
func (q TagQuery) Match(tags map[string]string) bool {
	for _, c := range q.clauses {
		got, ok := tags[c.key]
		if !ok {
			return false
		}
		cmp := strings.Compare(got, c.value)
		switch c.op {
		case opEq:
			if cmp != 0 {
				return false
			}
		case opGt:
			if cmp <= 0 {
				return false
			}
		case opGte:
			if cmp < 0 {
				return false
			}
		case opLt:
			if cmp >= 0 {
				return false
			}
		case opLte:
			if cmp > 0 {
				return false
			}
		}
	}
	return true
}

type tagParser struct {
	input string
	pos   int
}

func (p *tagParser) done() bool { return p.pos >= len(p.input) }

func (p *tagParser) skipSpace() {
	for !p.done() && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t' || p.input[p.pos] == '\n') {
		p.pos++
	}
}

func (p *tagParser) fail(msg string) error {
	return pkgerrors.Newf(pkgerrors.CodeValidation, "tag query: %s at offset %d", msg, p.pos).
		WithDetails(map[string]string{"query": p.input})
}

func (p *tagParser) keyword(word string) bool {
	end := p.pos + len(word)
	if end > len(p.input) || !strings.EqualFold(p.input[p.pos:end], word) {
		return false
	}
	if end < len(p.input) && isKeyChar(p.input[end]) {
		return false
	}
	p.pos = end
	return true
}

func (p *tagParser) clause() (tagClause, error) {
	key, err := p.key()
	if err != nil {
		return tagClause{}, err
	}
	p.skipSpace()
	op, err := p.op()
	if err != nil {
		return tagClause{}, err
	}
	p.skipSpace()
	value, err := p.quoted('\'')
	if err != nil {
		return tagClause{}, err
	}
	return tagClause{key: key, op: op, value: value}, nil
}

func (p *tagParser) key() (string, error) {
	if p.done() {
		return "", p.fail("expected tag name")
	}
	if p.input[p.pos] == '"' {
		return p.quoted('"')
	}
	start := p.pos
	for !p.done() && isKeyChar(p.input[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		return "", p.fail("expected tag name")
	}
	return p.input[start:p.pos], nil
}

func (p *tagParser) op() (compareOp, error) {
	for _, op := range []compareOp{opGte, opLte, opEq, opGt, opLt} {
		if strings.HasPrefix(p.input[p.pos:], string(op)) {
			p.pos += len(op)
			return op, nil
		}
	}
	return "", p.fail("expected one of = > >= < <=")
}

func (p *tagParser) quoted(quote byte) (string, error) {
	if p.done() || p.input[p.pos] != quote {
		return "", p.fail(fmt.Sprintf("expected %c", quote))
	}
	p.pos++
	start := p.pos
	for !p.done() && p.input[p.pos] != quote {
		p.pos++
	}
	if p.done() {
		return "", p.fail("unterminated string")
	}
	value := p.input[start:p.pos]
	p.pos++
	return value, nil
}

func isKeyChar(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
