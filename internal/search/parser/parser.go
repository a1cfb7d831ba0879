// Package parser turns free-text search strings into query trees.
//
// The syntax is the conventional boolean one: bare terms are OR-ed, AND /
// && bind tighter than OR / ||, + marks a required clause and - ! NOT an
// excluded one. Quoted text is a phrase, parentheses group, body: and id:
// qualify a clause, id:[a TO b] is an inclusive id range and *:* matches
// every note.
package parser

import (
	"fmt"
	"math"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/analysis"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/search/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/errors"
)

// SyntaxError reports a malformed query. It matches errors.ErrQuerySyntax.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", apperrors.ErrQuerySyntax, e.Pos, e.Msg)
}

func (e *SyntaxError) Unwrap() error {
	return apperrors.ErrQuerySyntax
}

func syntaxErrorf(pos int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Parser is safe for concurrent use.
type Parser struct {
	analyzer *analysis.Analyzer
}

// New returns a parser that analyzes terms with a. It must be the analyzer
// the store indexes bodies with.
func New(a *analysis.Analyzer) *Parser {
	return &Parser{analyzer: a}
}

// Parse parses text. Terms that analyze to nothing, such as stop words, are
// dropped; a query left with no clauses matches nothing.
func (p *Parser) Parse(text string) (query.Query, error) {
	tokens, err := lex(text)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 1 {
		return nil, syntaxErrorf(0, "empty query")
	}
	st := &state{analyzer: p.analyzer, tokens: tokens}
	q, occur, err := st.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := st.peek(); tok.kind != tokEOF {
		return nil, syntaxErrorf(tok.pos, "unexpected %s", tok.kind)
	}
	switch {
	case q == nil:
		return &query.BooleanQuery{}, nil
	case occur != query.Should:
		return &query.BooleanQuery{Clauses: []query.Clause{{Query: q, Occur: occur}}}, nil
	}
	return q, nil
}

type state struct {
	analyzer *analysis.Analyzer
	tokens   []token
	pos      int
}

func (s *state) peek() token {
	return s.tokens[s.pos]
}

func (s *state) next() token {
	tok := s.tokens[s.pos]
	if tok.kind != tokEOF {
		s.pos++
	}
	return tok
}

func (s *state) expect(kind tokenKind) (token, error) {
	tok := s.next()
	if tok.kind != kind {
		return tok, syntaxErrorf(tok.pos, "expected %s, found %s", kind, tok.kind)
	}
	return tok, nil
}

// startsClause reports whether tok can begin a clause, which is how the
// implicit OR between adjacent clauses is recognised.
func startsClause(tok token) bool {
	switch tok.kind {
	case tokWord, tokPhrase, tokLParen, tokPlus, tokMinus, tokNot, tokTo:
		return true
	}
	return false
}

// parseOr parses clauses separated by OR, || or nothing.
func (s *state) parseOr() (query.Query, query.Occur, error) {
	var clauses []query.Clause
	for {
		q, occur, err := s.parseAnd()
		if err != nil {
			return nil, 0, err
		}
		if q != nil {
			clauses = append(clauses, query.Clause{Query: q, Occur: occur})
		}
		tok := s.peek()
		if tok.kind == tokOr {
			s.next()
			if !startsClause(s.peek()) {
				return nil, 0, syntaxErrorf(tok.pos, "%s must be followed by a clause", tok.text)
			}
			continue
		}
		if startsClause(tok) {
			continue
		}
		break
	}
	return combine(clauses)
}

// parseAnd parses clauses joined by AND or &&. Every operand becomes
// required unless it is excluded.
func (s *state) parseAnd() (query.Query, query.Occur, error) {
	q, occur, err := s.parseUnary()
	if err != nil {
		return nil, 0, err
	}
	if s.peek().kind != tokAnd {
		return q, occur, nil
	}
	var clauses []query.Clause
	add := func(q query.Query, occur query.Occur) {
		if q == nil {
			return
		}
		if occur != query.MustNot {
			occur = query.Must
		}
		clauses = append(clauses, query.Clause{Query: q, Occur: occur})
	}
	add(q, occur)
	for s.peek().kind == tokAnd {
		op := s.next()
		if !startsClause(s.peek()) {
			return nil, 0, syntaxErrorf(op.pos, "%s must be followed by a clause", op.text)
		}
		q, occur, err := s.parseUnary()
		if err != nil {
			return nil, 0, err
		}
		add(q, occur)
	}
	if len(clauses) == 0 {
		return nil, query.Should, nil
	}
	return &query.BooleanQuery{Clauses: clauses}, query.Should, nil
}

func (s *state) parseUnary() (query.Query, query.Occur, error) {
	tok := s.peek()
	var occur query.Occur
	switch tok.kind {
	case tokPlus:
		occur = query.Must
	case tokMinus, tokNot:
		occur = query.MustNot
	default:
		q, err := s.parsePrimary()
		return q, query.Should, err
	}
	s.next()
	if !startsClause(s.peek()) {
		return nil, 0, syntaxErrorf(tok.pos, "operator must be followed by a clause")
	}
	q, _, err := s.parseUnary()
	return q, occur, err
}

func (s *state) parsePrimary() (query.Query, error) {
	tok := s.next()
	switch tok.kind {
	case tokLParen:
		return s.parseGroup(tok)
	case tokPhrase:
		return s.phrase(tok.text), nil
	case tokWord, tokTo:
		if s.peek().kind == tokColon {
			s.next()
			return s.parseField(tok)
		}
		return s.term(tok.text), nil
	case tokEOF:
		return nil, syntaxErrorf(tok.pos, "unexpected end of query")
	}
	return nil, syntaxErrorf(tok.pos, "unexpected %s", tok.kind)
}

func (s *state) parseGroup(open token) (query.Query, error) {
	if s.peek().kind == tokRParen {
		return nil, syntaxErrorf(open.pos, "empty group")
	}
	q, occur, err := s.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := s.next(); tok.kind != tokRParen {
		if tok.kind == tokEOF {
			return nil, syntaxErrorf(open.pos, "unbalanced parenthesis")
		}
		return nil, syntaxErrorf(tok.pos, "expected ')', found %s", tok.kind)
	}
	if q != nil && occur != query.Should {
		q = &query.BooleanQuery{Clauses: []query.Clause{{Query: q, Occur: occur}}}
	}
	return q, nil
}

func (s *state) parseField(field token) (query.Query, error) {
	switch field.text {
	case query.FieldBody:
		tok := s.next()
		switch tok.kind {
		case tokWord, tokTo:
			return s.term(tok.text), nil
		case tokPhrase:
			return s.phrase(tok.text), nil
		case tokLParen:
			return s.parseGroup(tok)
		}
		return nil, syntaxErrorf(tok.pos, "expected term after %s:", field.text)
	case query.FieldID:
		tok := s.next()
		switch tok.kind {
		case tokWord:
			id, err := parseID(tok)
			if err != nil {
				return nil, err
			}
			return &query.PointQuery{ID: id}, nil
		case tokLBracket:
			return s.parseRange()
		}
		return nil, syntaxErrorf(tok.pos, "expected id or range after %s:", field.text)
	case "*":
		tok, err := s.expect(tokWord)
		if err != nil || tok.text != "*" {
			return nil, syntaxErrorf(field.pos, "only *:* may use the * field")
		}
		return &query.MatchAllQuery{}, nil
	}
	return nil, syntaxErrorf(field.pos, "unknown field %q", field.text)
}

// parseRange parses the remainder of "[lo TO hi]". A bound of * is open.
func (s *state) parseRange() (query.Query, error) {
	lo, err := s.rangeBound(0)
	if err != nil {
		return nil, err
	}
	if _, err := s.expect(tokTo); err != nil {
		return nil, err
	}
	hi, err := s.rangeBound(math.MaxUint64)
	if err != nil {
		return nil, err
	}
	if _, err := s.expect(tokRBracket); err != nil {
		return nil, err
	}
	return &query.PointRangeQuery{Lo: lo, Hi: hi}, nil
}

func (s *state) rangeBound(open uint64) (uint64, error) {
	tok, err := s.expect(tokWord)
	if err != nil {
		return 0, err
	}
	if tok.text == "*" {
		return open, nil
	}
	return parseID(tok)
}

func parseID(tok token) (uint64, error) {
	id, err := strconv.ParseUint(tok.text, 10, 64)
	if err != nil {
		return 0, syntaxErrorf(tok.pos, "invalid id %q", tok.text)
	}
	return id, nil
}

// term analyzes a bare term. A term that splits into several tokens matches
// any of them.
func (s *state) term(text string) query.Query {
	terms := s.analyzer.Terms(text)
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return &query.TermQuery{Term: terms[0]}
	}
	bq := &query.BooleanQuery{}
	for _, term := range terms {
		bq.Add(&query.TermQuery{Term: term}, query.Should)
	}
	return bq
}

func (s *state) phrase(text string) query.Query {
	tokens := s.analyzer.Analyze(text)
	switch len(tokens) {
	case 0:
		return nil
	case 1:
		return &query.TermQuery{Term: tokens[0].Term}
	}
	pq := &query.PhraseQuery{}
	for _, tok := range tokens {
		pq.Terms = append(pq.Terms, tok.Term)
		pq.Positions = append(pq.Positions, tok.Position)
	}
	return pq
}

// combine folds OR-level clauses. A single optional clause is returned
// as-is so that callers see the plain query.
func combine(clauses []query.Clause) (query.Query, query.Occur, error) {
	switch len(clauses) {
	case 0:
		return nil, query.Should, nil
	case 1:
		return clauses[0].Query, clauses[0].Occur, nil
	}
	return &query.BooleanQuery{Clauses: clauses}, query.Should, nil
}
