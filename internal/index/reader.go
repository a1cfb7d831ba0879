package index

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/errors"
)

// Leaf is one segment as seen by a snapshot: the segment plus the set of
// ordinals deleted as of that snapshot. Base is the global document number
// of the segment's ordinal 0.
type Leaf struct {
	Base    int
	seg     *segment.Segment
	deleted *roaring.Bitmap
}

// MaxDoc returns the number of ordinals in the leaf, deleted ones included.
func (l Leaf) MaxDoc() int { return l.seg.DocCount() }

// IsDeleted reports whether ordinal ord is deleted in this snapshot.
func (l Leaf) IsDeleted(ord uint32) bool { return l.deleted.Contains(ord) }

// NumDeleted returns the number of deleted ordinals.
func (l Leaf) NumDeleted() int { return int(l.deleted.GetCardinality()) }

// Postings returns the term's postings, deleted documents included.
func (l Leaf) Postings(term string) (segment.PostingList, error) {
	list, err := l.seg.Postings(term)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrIO, err)
	}
	return list, nil
}

// Lookup returns the ordinals whose id equals id, deleted ones included.
func (l Leaf) Lookup(id uint64) []uint32 { return l.seg.Lookup(id) }

// Range returns the ordinals whose id lies in [lo, hi], deleted ones included.
func (l Leaf) Range(lo, hi uint64) []uint32 { return l.seg.Range(lo, hi) }

// DocValue returns the ordering id of ordinal ord.
func (l Leaf) DocValue(ord uint32) uint64 { return l.seg.DocValue(ord) }

// DocLength returns the analyzed length of ordinal ord.
func (l Leaf) DocLength(ord uint32) int { return l.seg.DocLength(ord) }

// snapshot is the shared, immutable state behind Readers of one commit.
type snapshot struct {
	generation  uint64
	maxID       uint64
	leaves      []Leaf
	maxDoc      int
	numDocs     int
	totalTokens int64
	refs        atomic.Int32
}

// newSnapshot takes a reference on every segment of leaves. The caller must
// hold its own reference on each segment for the duration of the call.
func newSnapshot(cp *segment.CommitPoint, leaves []*leaf) *snapshot {
	s := &snapshot{generation: cp.Generation, maxID: cp.MaxID, leaves: make([]Leaf, 0, len(leaves))}
	for _, l := range leaves {
		l.seg.IncRef()
		s.leaves = append(s.leaves, Leaf{Base: s.maxDoc, seg: l.seg, deleted: l.deleted})
		s.maxDoc += l.seg.DocCount()
		s.numDocs += l.seg.DocCount() - int(l.deleted.GetCardinality())
		s.totalTokens += l.seg.TotalTokens()
	}
	s.refs.Store(1)
	return s
}

func (s *snapshot) tryIncRef() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *snapshot) decRef() error {
	if s.refs.Add(-1) != 0 {
		return nil
	}
	var errs []error
	for _, l := range s.leaves {
		if err := l.seg.DecRef(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reader is a point-in-time view of the store as of one commit. Readers are
// safe for concurrent use and never block the writer. Close releases the
// snapshot; a Reader must not be used after Close.
type Reader struct {
	snap   *snapshot
	closed atomic.Bool
}

// Generation returns the commit generation the reader observes.
func (r *Reader) Generation() uint64 { return r.snap.generation }

// Leaves returns the reader's segments in store order.
func (r *Reader) Leaves() []Leaf { return r.snap.leaves }

// MaxDoc returns one more than the largest document number.
func (r *Reader) MaxDoc() int { return r.snap.maxDoc }

// NumDocs returns the number of live documents.
func (r *Reader) NumDocs() int { return r.snap.numDocs }

// AvgDocLength returns the mean analyzed length over every document
// physically present in the snapshot.
func (r *Reader) AvgDocLength() float64 {
	if r.snap.maxDoc == 0 {
		return 0
	}
	return float64(r.snap.totalTokens) / float64(r.snap.maxDoc)
}

// Document loads the stored fields of global document number doc.
func (r *Reader) Document(doc int) (Document, error) {
	l, ord, err := r.locate(doc)
	if err != nil {
		return Document{}, err
	}
	stored, err := l.seg.Document(ord)
	if err != nil {
		return Document{}, apperrors.Wrap(apperrors.ErrIO, err)
	}
	return Document{ID: stored.ID, Body: stored.Body}, nil
}

// DocValue returns the ordering id of global document number doc.
func (r *Reader) DocValue(doc int) (uint64, error) {
	l, ord, err := r.locate(doc)
	if err != nil {
		return 0, err
	}
	return l.DocValue(ord), nil
}

// MaxID returns the largest id the store has committed up to this
// snapshot, deleted documents included, or 0 if there are none. Stores
// written before the commit point recorded it fall back to the ids still
// present in the segments.
func (r *Reader) MaxID() uint64 {
	out := r.snap.maxID
	for _, l := range r.snap.leaves {
		for ord := 0; ord < l.MaxDoc(); ord++ {
			out = max(out, l.DocValue(uint32(ord)))
		}
	}
	return out
}

func (r *Reader) locate(doc int) (Leaf, uint32, error) {
	leaves := r.snap.leaves
	i := sort.Search(len(leaves), func(i int) bool {
		return leaves[i].Base+leaves[i].MaxDoc() > doc
	})
	if doc < 0 || i >= len(leaves) {
		return Leaf{}, 0, fmt.Errorf("document %d out of range [0, %d)", doc, r.snap.maxDoc)
	}
	return leaves[i], uint32(doc - leaves[i].Base), nil
}

// Close releases the reader's snapshot. It is safe to call more than once.
func (r *Reader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.snap.decRef()
}
