package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index"
)

type ScoreDoc struct {
	Doc   int     `json:"doc"`
	Score float64 `json:"score"`
}

type TopDocs struct {
	TotalHits int        `json:"total_hits"`
	ScoreDocs []ScoreDoc `json:"score_docs"`
}

// Searcher runs queries against one reader. It does not own the reader.
type Searcher struct {
	reader *index.Reader
}

func NewSearcher(r *index.Reader) *Searcher {
	return &Searcher{reader: r}
}

func (s *Searcher) Reader() *index.Reader {
	return s.reader
}

// Search returns the n best matches of q, highest score first. Equal scores
// keep store order. n <= 0 returns every match.
func (s *Searcher) Search(ctx context.Context, q Query, n int) (*TopDocs, error) {
	h, err := q.execute(ctx, newExecContext(s.reader))
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", q, err)
	}
	docs := make([]ScoreDoc, 0, len(h))
	for doc, score := range h {
		docs = append(docs, ScoreDoc{Doc: doc, Score: score})
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Score != docs[j].Score {
			return docs[i].Score > docs[j].Score
		}
		return docs[i].Doc < docs[j].Doc
	})
	return topN(docs, n), nil
}

// SearchSorted returns the first n matches of q ordered by document id,
// descending when desc is set. n <= 0 returns every match.
func (s *Searcher) SearchSorted(ctx context.Context, q Query, n int, desc bool) (*TopDocs, error) {
	h, err := q.execute(ctx, newExecContext(s.reader))
	if err != nil {
		return nil, fmt.Errorf("executing %s: %w", q, err)
	}
	type keyed struct {
		ScoreDoc
		id uint64
	}
	docs := make([]keyed, 0, len(h))
	for doc, score := range h {
		id, err := s.reader.DocValue(doc)
		if err != nil {
			return nil, err
		}
		docs = append(docs, keyed{ScoreDoc: ScoreDoc{Doc: doc, Score: score}, id: id})
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].id != docs[j].id {
			return (docs[i].id > docs[j].id) == desc
		}
		return docs[i].Doc < docs[j].Doc
	})
	out := make([]ScoreDoc, len(docs))
	for i, d := range docs {
		out[i] = d.ScoreDoc
	}
	return topN(out, n), nil
}

// Doc loads the stored document behind a hit.
func (s *Searcher) Doc(doc int) (index.Document, error) {
	return s.reader.Document(doc)
}

func topN(docs []ScoreDoc, n int) *TopDocs {
	td := &TopDocs{TotalHits: len(docs), ScoreDocs: docs}
	if n > 0 && len(docs) > n {
		td.ScoreDocs = docs[:n]
	}
	return td
}
