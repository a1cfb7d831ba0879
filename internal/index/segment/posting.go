package segment

import (
	"encoding/binary"
	"fmt"
)

// Posting records one document's occurrences of a term. Doc is the
// document's ordinal inside its segment.
type Posting struct {
	Doc       uint32
	Freq      uint32
	Positions []uint32
}

// PostingList is ordered by Doc ascending.
type PostingList []Posting

// TermEntry pairs a term with its postings.
type TermEntry struct {
	Term     string
	Postings PostingList
}

// StoredDoc is the retrievable part of a document: the stored id and body.
type StoredDoc struct {
	ID   uint64
	Body string
}

// encodePostings writes a delta/varint encoding of the list:
// count, then per posting the doc delta, frequency and position deltas.
func encodePostings(list PostingList) []byte {
	buf := make([]byte, 0, 8+len(list)*6)
	buf = binary.AppendUvarint(buf, uint64(len(list)))
	var prevDoc uint32
	for i, p := range list {
		delta := p.Doc
		if i > 0 {
			delta = p.Doc - prevDoc
		}
		prevDoc = p.Doc
		buf = binary.AppendUvarint(buf, uint64(delta))
		buf = binary.AppendUvarint(buf, uint64(p.Freq))
		var prevPos uint32
		for j, pos := range p.Positions {
			d := pos
			if j > 0 {
				d = pos - prevPos
			}
			prevPos = pos
			buf = binary.AppendUvarint(buf, uint64(d))
		}
	}
	return buf
}

func decodePostings(data []byte) (PostingList, error) {
	r := &uvarintReader{data: data}
	count := r.next()
	if r.err != nil {
		return nil, fmt.Errorf("decoding postings count: %w", r.err)
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("decoding postings: count %d exceeds block size %d", count, len(data))
	}
	list := make(PostingList, 0, count)
	var doc uint32
	for i := uint64(0); i < count; i++ {
		delta := uint32(r.next())
		if i == 0 {
			doc = delta
		} else {
			doc += delta
		}
		freq := uint32(r.next())
		if r.err != nil {
			return nil, fmt.Errorf("decoding posting %d: %w", i, r.err)
		}
		if uint64(freq) > uint64(len(data)) {
			return nil, fmt.Errorf("decoding posting %d: frequency %d exceeds block size", i, freq)
		}
		positions := make([]uint32, freq)
		var pos uint32
		for j := range positions {
			d := uint32(r.next())
			if j == 0 {
				pos = d
			} else {
				pos += d
			}
			positions[j] = pos
		}
		if r.err != nil {
			return nil, fmt.Errorf("decoding positions of posting %d: %w", i, r.err)
		}
		list = append(list, Posting{Doc: doc, Freq: freq, Positions: positions})
	}
	return list, nil
}

type uvarintReader struct {
	data []byte
	off  int
	err  error
}

func (r *uvarintReader) next() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		r.err = fmt.Errorf("malformed varint at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *uvarintReader) bytes(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.data)-r.off) {
		r.err = fmt.Errorf("truncated field at offset %d: want %d bytes", r.off, n)
		return nil
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b
}

func (r *uvarintReader) done() bool {
	return r.off >= len(r.data)
}
