// Package query evaluates queries against a store snapshot: term, phrase,
// id point and range, match-all and boolean combinations, scored with BM25.
package query

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/segment"
)

// Field names understood by the engine.
const (
	FieldBody = "body"
	FieldID   = "id"
)

// Query is a node of a query tree. Evaluation yields the live documents it
// matches, keyed by global document number, with their scores.
type Query interface {
	fmt.Stringer
	execute(ctx context.Context, ec *execContext) (hits, error)
}

type hits map[int]float64

type execContext struct {
	reader  *index.Reader
	numDocs int64
	avgLen  float64
}

func newExecContext(r *index.Reader) *execContext {
	return &execContext{
		reader:  r,
		numDocs: int64(r.NumDocs()),
		avgLen:  r.AvgDocLength(),
	}
}

// TermQuery matches documents whose body contains Term. Term must already
// be analyzed.
type TermQuery struct {
	Term string
}

func (q *TermQuery) String() string { return FieldBody + ":" + q.Term }

func (q *TermQuery) execute(ctx context.Context, ec *execContext) (hits, error) {
	type match struct {
		doc    int
		freq   uint32
		length int
	}
	var matches []match
	for _, l := range ec.reader.Leaves() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		list, err := l.Postings(q.Term)
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			if l.IsDeleted(p.Doc) {
				continue
			}
			matches = append(matches, match{doc: l.Base + int(p.Doc), freq: p.Freq, length: l.DocLength(p.Doc)})
		}
	}
	out := make(hits, len(matches))
	idf := computeIDF(ec.numDocs, int64(len(matches)))
	for _, m := range matches {
		out[m.doc] = idf * computeTFNorm(float64(m.freq), float64(m.length), ec.avgLen)
	}
	return out, nil
}

// PhraseQuery matches documents containing Terms at the given relative
// Positions. Positions may have gaps where stop words were removed.
type PhraseQuery struct {
	Terms     []string
	Positions []int
}

func (q *PhraseQuery) String() string {
	return fmt.Sprintf("%s:%q", FieldBody, strings.Join(q.Terms, " "))
}

func (q *PhraseQuery) execute(ctx context.Context, ec *execContext) (hits, error) {
	if len(q.Terms) == 0 {
		return hits{}, nil
	}
	if len(q.Terms) == 1 {
		return (&TermQuery{Term: q.Terms[0]}).execute(ctx, ec)
	}
	type match struct {
		doc    int
		freq   int
		length int
	}
	var matches []match
	docFreq := make([]int64, len(q.Terms))
	for _, l := range ec.reader.Leaves() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lists := make([]map[uint32]segment.Posting, len(q.Terms))
		for i, term := range q.Terms {
			list, err := l.Postings(term)
			if err != nil {
				return nil, err
			}
			lists[i] = make(map[uint32]segment.Posting, len(list))
			for _, p := range list {
				if l.IsDeleted(p.Doc) {
					continue
				}
				lists[i][p.Doc] = p
			}
			docFreq[i] += int64(len(lists[i]))
		}
		for ord, first := range lists[0] {
			freq := phraseFreq(first, lists, q.Positions, ord)
			if freq > 0 {
				matches = append(matches, match{doc: l.Base + int(ord), freq: freq, length: l.DocLength(ord)})
			}
		}
	}
	var idf float64
	for _, df := range docFreq {
		idf += computeIDF(ec.numDocs, df)
	}
	out := make(hits, len(matches))
	for _, m := range matches {
		out[m.doc] = idf * computeTFNorm(float64(m.freq), float64(m.length), ec.avgLen)
	}
	return out, nil
}

// phraseFreq counts the start positions of first at which every other term
// of the phrase sits at its expected offset.
func phraseFreq(first segment.Posting, lists []map[uint32]segment.Posting, offsets []int, ord uint32) int {
	sets := make([]map[int]struct{}, len(lists))
	for i := 1; i < len(lists); i++ {
		p, ok := lists[i][ord]
		if !ok {
			return 0
		}
		sets[i] = make(map[int]struct{}, len(p.Positions))
		for _, pos := range p.Positions {
			sets[i][int(pos)] = struct{}{}
		}
	}
	freq := 0
	for _, start := range first.Positions {
		ok := true
		for i := 1; i < len(lists); i++ {
			if _, found := sets[i][int(start)+offsets[i]-offsets[0]]; !found {
				ok = false
				break
			}
		}
		if ok {
			freq++
		}
	}
	return freq
}

// PointQuery matches documents whose id equals ID.
type PointQuery struct {
	ID uint64
}

func (q *PointQuery) String() string { return FieldID + ":" + strconv.FormatUint(q.ID, 10) }

func (q *PointQuery) execute(ctx context.Context, ec *execContext) (hits, error) {
	out := hits{}
	for _, l := range ec.reader.Leaves() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, ord := range l.Lookup(q.ID) {
			if !l.IsDeleted(ord) {
				out[l.Base+int(ord)] = 1
			}
		}
	}
	return out, nil
}

// PointRangeQuery matches documents whose id lies in [Lo, Hi].
type PointRangeQuery struct {
	Lo, Hi uint64
}

func (q *PointRangeQuery) String() string {
	return fmt.Sprintf("%s:[%d TO %d]", FieldID, q.Lo, q.Hi)
}

func (q *PointRangeQuery) execute(ctx context.Context, ec *execContext) (hits, error) {
	out := hits{}
	if q.Lo > q.Hi {
		return out, nil
	}
	for _, l := range ec.reader.Leaves() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, ord := range l.Range(q.Lo, q.Hi) {
			if !l.IsDeleted(ord) {
				out[l.Base+int(ord)] = 1
			}
		}
	}
	return out, nil
}

// MatchAllQuery matches every live document with a constant score.
type MatchAllQuery struct{}

func (q *MatchAllQuery) String() string { return "*:*" }

func (q *MatchAllQuery) execute(ctx context.Context, ec *execContext) (hits, error) {
	out := make(hits, ec.numDocs)
	for _, l := range ec.reader.Leaves() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for ord := 0; ord < l.MaxDoc(); ord++ {
			if !l.IsDeleted(uint32(ord)) {
				out[l.Base+ord] = 1
			}
		}
	}
	return out, nil
}

type Occur int

const (
	Should Occur = iota
	Must
	MustNot
)

func (o Occur) prefix() string {
	switch o {
	case Must:
		return "+"
	case MustNot:
		return "-"
	default:
		return ""
	}
}

type Clause struct {
	Query Query
	Occur Occur
}

// BooleanQuery combines clauses. With at least one Must clause, a document
// must match all of them and Should clauses only add to its score. Without
// Must clauses, at least one Should clause must match. A query with only
// MustNot clauses matches every live document not excluded. An empty
// BooleanQuery matches nothing.
type BooleanQuery struct {
	Clauses []Clause
}

func (q *BooleanQuery) Add(sub Query, occur Occur) *BooleanQuery {
	q.Clauses = append(q.Clauses, Clause{Query: sub, Occur: occur})
	return q
}

func (q *BooleanQuery) String() string {
	parts := make([]string, len(q.Clauses))
	for i, c := range q.Clauses {
		s := c.Query.String()
		if _, nested := c.Query.(*BooleanQuery); nested {
			s = "(" + s + ")"
		}
		parts[i] = c.Occur.prefix() + s
	}
	return strings.Join(parts, " ")
}

func (q *BooleanQuery) execute(ctx context.Context, ec *execContext) (hits, error) {
	var must, should, mustNot []Query
	for _, c := range q.Clauses {
		switch c.Occur {
		case Must:
			must = append(must, c.Query)
		case MustNot:
			mustNot = append(mustNot, c.Query)
		default:
			should = append(should, c.Query)
		}
	}

	var out hits
	switch {
	case len(must) > 0:
		for i, sub := range must {
			h, err := sub.execute(ctx, ec)
			if err != nil {
				return nil, err
			}
			if i == 0 {
				out = h
				continue
			}
			for doc, score := range out {
				if s, ok := h[doc]; ok {
					out[doc] = score + s
				} else {
					delete(out, doc)
				}
			}
		}
		for _, sub := range should {
			h, err := sub.execute(ctx, ec)
			if err != nil {
				return nil, err
			}
			for doc := range out {
				out[doc] += h[doc]
			}
		}
	case len(should) > 0:
		out = hits{}
		for _, sub := range should {
			h, err := sub.execute(ctx, ec)
			if err != nil {
				return nil, err
			}
			for doc, s := range h {
				out[doc] += s
			}
		}
	case len(mustNot) > 0:
		var err error
		if out, err = (&MatchAllQuery{}).execute(ctx, ec); err != nil {
			return nil, err
		}
	default:
		return hits{}, nil
	}

	for _, sub := range mustNot {
		h, err := sub.execute(ctx, ec)
		if err != nil {
			return nil, err
		}
		for doc := range h {
			delete(out, doc)
		}
	}
	return out, nil
}
