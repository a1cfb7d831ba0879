package segment

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Input is the content of one segment. Document ordinals are indexes into
// Docs; Lengths holds the analyzed token count per ordinal and Terms must be
// sorted by term.
type Input struct {
	Docs    []StoredDoc
	Lengths []uint32
	Terms   []TermEntry
}

// WriteOptions controls segment encoding and durability.
type WriteOptions struct {
	Compress bool
	Sync     bool
}

// Writer serialises Inputs into new .spdx segment files.
type Writer struct {
	dataDir string
	opts    WriteOptions
}

// NewWriter creates a Writer that writes segments into the given directory.
func NewWriter(dataDir string, opts WriteOptions) *Writer {
	return &Writer{dataDir: dataDir, opts: opts}
}

// Write atomically creates segment file name from in. It writes to a .tmp
// file first and renames on success.
func (w *Writer) Write(name string, in *Input) error {
	if len(in.Docs) == 0 {
		return fmt.Errorf("cannot write empty segment")
	}
	if len(in.Lengths) != len(in.Docs) {
		return fmt.Errorf("segment %s: %d lengths for %d documents", name, len(in.Lengths), len(in.Docs))
	}
	finalPath := filepath.Join(w.dataDir, name)
	tmpPath := finalPath + TempExt

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp segment file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	header := SegmentHeader{
		Magic:     MagicBytes,
		Version:   FormatVersion,
		DocCount:  uint32(len(in.Docs)),
		TermCount: uint32(len(in.Terms)),
		CreatedAt: time.Now().Unix(),
	}
	if w.opts.Compress {
		header.Flags |= FlagZstd
	}
	if _, err := f.Write(make([]byte, HeaderSize)); err != nil {
		return fmt.Errorf("writing header placeholder: %w", err)
	}

	sw := &sectionWriter{w: bufio.NewWriter(f), crc: crc32.NewIEEE(), off: int64(HeaderSize)}

	dict := make([]DictEntry, 0, len(in.Terms))
	postingsStart := sw.off
	for _, entry := range in.Terms {
		data := encodePostings(entry.Postings)
		dict = append(dict, DictEntry{
			Term:       entry.Term,
			PostOffset: sw.off - postingsStart,
			PostLen:    len(data),
			DocFreq:    len(entry.Postings),
		})
		sw.write(data)
	}
	header.Postings = Section{Offset: postingsStart, Size: sw.off - postingsStart}

	stored, err := w.encodeStored(in.Docs)
	if err != nil {
		return err
	}
	header.Stored = sw.section(stored)
	header.Points = sw.section(encodePoints(in.Docs))
	header.DocValues = sw.section(encodeDocValues(in.Docs))
	header.Lengths = sw.section(encodeLengths(in.Lengths))

	dictData, err := json.Marshal(dict)
	if err != nil {
		return fmt.Errorf("marshaling dictionary: %w", err)
	}
	header.Dict = sw.section(dictData)

	if sw.err != nil {
		return fmt.Errorf("writing segment body: %w", sw.err)
	}
	if err := sw.w.Flush(); err != nil {
		return fmt.Errorf("flushing segment body: %w", err)
	}
	footer := make([]byte, FooterSize)
	binary.LittleEndian.PutUint32(footer[0:4], sw.crc.Sum32())
	binary.LittleEndian.PutUint32(footer[4:8], MagicBytes)
	if _, err := f.Write(footer); err != nil {
		return fmt.Errorf("writing footer: %w", err)
	}
	if _, err := f.WriteAt(header.marshal(), 0); err != nil {
		return fmt.Errorf("updating header: %w", err)
	}
	if w.opts.Sync {
		if err := f.Sync(); err != nil {
			return fmt.Errorf("syncing segment file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing segment file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		committed = true
		return fmt.Errorf("renaming segment file: %w", err)
	}
	committed = true
	return nil
}

func (w *Writer) encodeStored(docs []StoredDoc) ([]byte, error) {
	raw := make([]byte, 0, len(docs)*32)
	for _, d := range docs {
		raw = binary.AppendUvarint(raw, d.ID)
		raw = binary.AppendUvarint(raw, uint64(len(d.Body)))
		raw = append(raw, d.Body...)
	}
	if !w.opts.Compress {
		return raw, nil
	}
	enc, _, err := codecs()
	if err != nil {
		return nil, fmt.Errorf("initialising zstd: %w", err)
	}
	return enc.EncodeAll(raw, nil), nil
}

// point is one entry of the id point index.
type point struct {
	id  uint64
	ord uint32
}

const pointSize = 12

func encodePoints(docs []StoredDoc) []byte {
	points := make([]point, len(docs))
	for i, d := range docs {
		points[i] = point{id: d.ID, ord: uint32(i)}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].id != points[j].id {
			return points[i].id < points[j].id
		}
		return points[i].ord < points[j].ord
	})
	b := make([]byte, len(points)*pointSize)
	for i, p := range points {
		binary.LittleEndian.PutUint64(b[i*pointSize:], p.id)
		binary.LittleEndian.PutUint32(b[i*pointSize+8:], p.ord)
	}
	return b
}

func encodeDocValues(docs []StoredDoc) []byte {
	b := make([]byte, len(docs)*8)
	for i, d := range docs {
		binary.LittleEndian.PutUint64(b[i*8:], d.ID)
	}
	return b
}

func encodeLengths(lengths []uint32) []byte {
	b := make([]byte, len(lengths)*4)
	for i, l := range lengths {
		binary.LittleEndian.PutUint32(b[i*4:], l)
	}
	return b
}

type sectionWriter struct {
	w   *bufio.Writer
	crc hash.Hash32
	off int64
	err error
}

func (s *sectionWriter) write(b []byte) {
	if s.err != nil {
		return
	}
	n, err := s.w.Write(b)
	s.crc.Write(b[:n])
	s.off += int64(n)
	s.err = err
}

func (s *sectionWriter) section(b []byte) Section {
	start := s.off
	s.write(b)
	return Section{Offset: start, Size: int64(len(b))}
}
