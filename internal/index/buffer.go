package index

import (
	"sort"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/analysis"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/segment"
)

// Buffer holds documents added since the last commit. It is owned by the
// store's writer and is not safe for concurrent use on its own.
type Buffer struct {
	docs  []bufferedDoc
	size  int64
	maxID uint64
}

type bufferedDoc struct {
	doc    Document
	tokens []analysis.Token
}

func newBuffer() *Buffer {
	return &Buffer{}
}

// Add appends an analyzed document.
func (b *Buffer) Add(doc Document, tokens []analysis.Token) {
	b.docs = append(b.docs, bufferedDoc{doc: doc, tokens: tokens})
	b.size += int64(len(doc.Body) + len(tokens)*16 + 64)
	b.maxID = max(b.maxID, doc.ID)
}

// DeleteID drops every buffered document with the given id and returns how
// many were removed.
func (b *Buffer) DeleteID(id uint64) int {
	kept := b.docs[:0]
	removed := 0
	for _, d := range b.docs {
		if d.doc.ID == id {
			removed++
			b.size -= int64(len(d.doc.Body) + len(d.tokens)*16 + 64)
			continue
		}
		kept = append(kept, d)
	}
	for i := len(kept); i < len(b.docs); i++ {
		b.docs[i] = bufferedDoc{}
	}
	b.docs = kept
	return removed
}

// Snapshot converts the buffered documents into segment input. Ordinals
// follow insertion order.
func (b *Buffer) Snapshot() *segment.Input {
	in := &segment.Input{
		Docs:    make([]segment.StoredDoc, 0, len(b.docs)),
		Lengths: make([]uint32, 0, len(b.docs)),
	}
	index := make(map[string]map[uint32]*segment.Posting)
	for i, d := range b.docs {
		ord := uint32(i)
		in.Docs = append(in.Docs, segment.StoredDoc{ID: d.doc.ID, Body: d.doc.Body})
		in.Lengths = append(in.Lengths, uint32(len(d.tokens)))
		for _, tok := range d.tokens {
			docs, ok := index[tok.Term]
			if !ok {
				docs = make(map[uint32]*segment.Posting)
				index[tok.Term] = docs
			}
			p, ok := docs[ord]
			if !ok {
				p = &segment.Posting{Doc: ord, Positions: make([]uint32, 0, 2)}
				docs[ord] = p
			}
			p.Freq++
			p.Positions = append(p.Positions, uint32(tok.Position))
		}
	}
	in.Terms = make([]segment.TermEntry, 0, len(index))
	for term, docs := range index {
		postings := make(segment.PostingList, 0, len(docs))
		for _, p := range docs {
			postings = append(postings, *p)
		}
		sort.Slice(postings, func(i, j int) bool {
			return postings[i].Doc < postings[j].Doc
		})
		in.Terms = append(in.Terms, segment.TermEntry{Term: term, Postings: postings})
	}
	sort.Slice(in.Terms, func(i, j int) bool {
		return in.Terms[i].Term < in.Terms[j].Term
	})
	return in
}

// Size returns an estimate of the buffer's memory footprint in bytes.
func (b *Buffer) Size() int64 {
	return b.size
}

// MaxID returns the largest id added since the last Reset, counting
// documents deleted from the buffer since.
func (b *Buffer) MaxID() uint64 {
	return b.maxID
}

// DocCount returns the number of buffered documents.
func (b *Buffer) DocCount() int {
	return len(b.docs)
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.docs = nil
	b.size = 0
	b.maxID = 0
}
