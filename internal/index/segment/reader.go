package segment

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
)

// Segment is an open, immutable segment file. Dictionary, stored fields,
// points, doc values and lengths are held in memory; postings are read on
// demand. Segments are reference counted: the file is closed when the last
// reference is released, and removed from disk if the segment was marked
// obsolete.
type Segment struct {
	name        string
	path        string
	file        *os.File
	header      SegmentHeader
	dict        []DictEntry
	docs        []StoredDoc
	points      []point
	docValues   []uint64
	lengths     []uint32
	totalTokens int64

	refs     atomic.Int32
	obsolete atomic.Bool
}

// Open opens dir/name, verifies its checksum and loads its in-memory blocks.
// The returned segment holds one reference.
func Open(dir, name string) (*Segment, error) {
	path := filepath.Join(dir, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment file: %w", err)
	}
	s, err := load(f, name, path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment %s: %w", name, err)
	}
	s.refs.Store(1)
	return s, nil
}

func load(f *os.File, name, path string) (*Segment, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat: %w", err)
	}
	size := info.Size()
	if size < int64(HeaderSize+FooterSize) {
		return nil, fmt.Errorf("file too small: %d bytes", size)
	}
	headerBytes := make([]byte, HeaderSize)
	if _, err := f.ReadAt(headerBytes, 0); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	header, err := unmarshalHeader(headerBytes, size)
	if err != nil {
		return nil, err
	}
	footer := make([]byte, FooterSize)
	if _, err := f.ReadAt(footer, size-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("reading footer: %w", err)
	}
	if binary.LittleEndian.Uint32(footer[4:8]) != MagicBytes {
		return nil, fmt.Errorf("invalid footer magic")
	}
	crc := crc32.NewIEEE()
	body := io.NewSectionReader(f, int64(HeaderSize), size-int64(HeaderSize+FooterSize))
	if _, err := io.Copy(crc, body); err != nil {
		return nil, fmt.Errorf("checksumming body: %w", err)
	}
	if want := binary.LittleEndian.Uint32(footer[0:4]); crc.Sum32() != want {
		return nil, fmt.Errorf("checksum mismatch: got %08x, want %08x", crc.Sum32(), want)
	}

	s := &Segment{name: name, path: path, file: f, header: header}
	read := func(sec Section) ([]byte, error) {
		b := make([]byte, sec.Size)
		if _, err := f.ReadAt(b, sec.Offset); err != nil {
			return nil, err
		}
		return b, nil
	}

	dictBytes, err := read(header.Dict)
	if err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	if err := json.Unmarshal(dictBytes, &s.dict); err != nil {
		return nil, fmt.Errorf("parsing dictionary: %w", err)
	}

	n := int(header.DocCount)
	stored, err := read(header.Stored)
	if err != nil {
		return nil, fmt.Errorf("reading stored fields: %w", err)
	}
	if s.docs, err = decodeStored(stored, n, header.Flags&FlagZstd != 0); err != nil {
		return nil, err
	}

	pointBytes, err := read(header.Points)
	if err != nil {
		return nil, fmt.Errorf("reading points: %w", err)
	}
	if len(pointBytes) != n*pointSize {
		return nil, fmt.Errorf("points block has %d bytes for %d documents", len(pointBytes), n)
	}
	s.points = make([]point, n)
	for i := range s.points {
		s.points[i] = point{
			id:  binary.LittleEndian.Uint64(pointBytes[i*pointSize:]),
			ord: binary.LittleEndian.Uint32(pointBytes[i*pointSize+8:]),
		}
	}

	dv, err := read(header.DocValues)
	if err != nil {
		return nil, fmt.Errorf("reading doc values: %w", err)
	}
	if len(dv) != n*8 {
		return nil, fmt.Errorf("doc values block has %d bytes for %d documents", len(dv), n)
	}
	s.docValues = make([]uint64, n)
	for i := range s.docValues {
		s.docValues[i] = binary.LittleEndian.Uint64(dv[i*8:])
	}

	lens, err := read(header.Lengths)
	if err != nil {
		return nil, fmt.Errorf("reading lengths: %w", err)
	}
	if len(lens) != n*4 {
		return nil, fmt.Errorf("lengths block has %d bytes for %d documents", len(lens), n)
	}
	s.lengths = make([]uint32, n)
	for i := range s.lengths {
		s.lengths[i] = binary.LittleEndian.Uint32(lens[i*4:])
		s.totalTokens += int64(s.lengths[i])
	}
	return s, nil
}

func decodeStored(data []byte, n int, compressed bool) ([]StoredDoc, error) {
	if compressed {
		_, dec, err := codecs()
		if err != nil {
			return nil, fmt.Errorf("initialising zstd: %w", err)
		}
		if data, err = dec.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("decompressing stored fields: %w", err)
		}
	}
	r := &uvarintReader{data: data}
	docs := make([]StoredDoc, 0, n)
	for i := 0; i < n; i++ {
		id := r.next()
		body := r.bytes(r.next())
		if r.err != nil {
			return nil, fmt.Errorf("decoding stored document %d: %w", i, r.err)
		}
		docs = append(docs, StoredDoc{ID: id, Body: string(body)})
	}
	if !r.done() {
		return nil, fmt.Errorf("stored fields block has trailing bytes")
	}
	return docs, nil
}

// Name returns the segment's file name.
func (s *Segment) Name() string { return s.name }

// DocCount returns the number of documents written to the segment,
// including ones deleted since.
func (s *Segment) DocCount() int { return int(s.header.DocCount) }

// Terms returns the number of distinct terms.
func (s *Segment) Terms() int { return len(s.dict) }

// TotalTokens returns the sum of all document lengths.
func (s *Segment) TotalTokens() int64 { return s.totalTokens }

// Postings returns the postings of term, or nil if the term is absent.
func (s *Segment) Postings(term string) (PostingList, error) {
	idx := sort.Search(len(s.dict), func(i int) bool {
		return s.dict[i].Term >= term
	})
	if idx >= len(s.dict) || s.dict[idx].Term != term {
		return nil, nil
	}
	entry := s.dict[idx]
	data := make([]byte, entry.PostLen)
	if _, err := s.file.ReadAt(data, s.header.Postings.Offset+entry.PostOffset); err != nil {
		return nil, fmt.Errorf("reading postings for %q: %w", term, err)
	}
	list, err := decodePostings(data)
	if err != nil {
		return nil, fmt.Errorf("segment %s term %q: %w", s.name, term, err)
	}
	return list, nil
}

// Document returns the stored fields of ordinal ord.
func (s *Segment) Document(ord uint32) (StoredDoc, error) {
	if int(ord) >= len(s.docs) {
		return StoredDoc{}, fmt.Errorf("segment %s: ordinal %d out of range", s.name, ord)
	}
	return s.docs[ord], nil
}

// Lookup returns the ordinals whose id point equals id.
func (s *Segment) Lookup(id uint64) []uint32 {
	return s.Range(id, id)
}

// Range returns the ordinals whose id point lies in [lo, hi], ordered by id.
func (s *Segment) Range(lo, hi uint64) []uint32 {
	if lo > hi {
		return nil
	}
	start := sort.Search(len(s.points), func(i int) bool {
		return s.points[i].id >= lo
	})
	var ords []uint32
	for i := start; i < len(s.points) && s.points[i].id <= hi; i++ {
		ords = append(ords, s.points[i].ord)
	}
	return ords
}

// DocValue returns the ordering id of ordinal ord.
func (s *Segment) DocValue(ord uint32) uint64 {
	return s.docValues[ord]
}

// DocLength returns the analyzed token count of ordinal ord.
func (s *Segment) DocLength(ord uint32) int {
	return int(s.lengths[ord])
}

// IncRef adds a reference. It must only be called while another reference
// is held.
func (s *Segment) IncRef() {
	s.refs.Add(1)
}

// DecRef releases a reference, closing the file when none remain.
func (s *Segment) DecRef() error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return fmt.Errorf("segment %s: reference count below zero", s.name)
	}
	err := s.file.Close()
	if s.obsolete.Load() {
		if rmErr := os.Remove(s.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
			err = rmErr
		}
	}
	return err
}

// MarkObsolete schedules the file for removal once the last reference is
// released.
func (s *Segment) MarkObsolete() {
	s.obsolete.Store(true)
}
