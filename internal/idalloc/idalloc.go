// Package idalloc hands out note ids. The high-water mark is not persisted
// on its own; it is recovered from the largest id in the store at startup.
package idalloc

import (
	"context"
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/search/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/errors"
)

// Allocator is safe for concurrent use.
type Allocator struct {
	last atomic.Uint64
}

// New returns an allocator whose first Next returns start+1.
func New(start uint64) *Allocator {
	a := &Allocator{}
	a.last.Store(start)
	return a
}

// Recover seeds an allocator from the largest id visible to s, or 0 for an
// empty store. Deleted documents still held by a segment count too, so a
// deleted note's id is not reissued while its segment survives. A failed
// lookup is reported as ErrStoreUnavailable rather than defaulting to 0,
// which could hand out ids already in use.
func Recover(ctx context.Context, s *query.Searcher) (*Allocator, error) {
	td, err := s.SearchSorted(ctx, &query.MatchAllQuery{}, 1, true)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, err)
	}
	a := New(s.Reader().MaxID())
	if len(td.ScoreDocs) == 0 {
		return a, nil
	}
	doc, err := s.Doc(td.ScoreDocs[0].Doc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, err)
	}
	a.Observe(doc.ID)
	return a, nil
}

// Next returns a new id, strictly greater than every id returned before.
func (a *Allocator) Next() uint64 {
	return a.last.Add(1)
}

// Current returns the last id handed out or recovered.
func (a *Allocator) Current() uint64 {
	return a.last.Load()
}

// Observe raises the high-water mark to id if it is larger. Ids supplied
// from outside the allocator must be observed so that Next never returns
// them again.
func (a *Allocator) Observe(id uint64) {
	for {
		cur := a.last.Load()
		if id <= cur || a.last.CompareAndSwap(cur, id) {
			return
		}
	}
}
