package segment

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MagicBytes identifies a valid .spdx segment file.
const (
	MagicBytes    uint32 = 0x53504458
	FormatVersion uint32 = 2
	HeaderSize    int    = 128
	FooterSize    int    = 8

	// SegmentExt is the extension of immutable segment files.
	SegmentExt = ".spdx"
	// DeletesExt is the extension of per-segment deletion bitmaps.
	DeletesExt = ".del"
	// TempExt marks files that are still being written.
	TempExt = ".tmp"
)

// Header flags.
const (
	FlagZstd uint32 = 1 << iota
)

// Section locates one block of a segment file.
type Section struct {
	Offset int64
	Size   int64
}

// SegmentHeader is the fixed-size header written at the start of every segment.
type SegmentHeader struct {
	Magic     uint32
	Version   uint32
	DocCount  uint32
	TermCount uint32
	CreatedAt int64
	Flags     uint32

	Postings  Section
	Stored    Section
	Points    Section
	DocValues Section
	Lengths   Section
	Dict      Section
}

// DictEntry maps a term to its postings offset, length, and document frequency
// in the segment file.
type DictEntry struct {
	Term       string `json:"t"`
	PostOffset int64  `json:"o"`
	PostLen    int    `json:"l"`
	DocFreq    int    `json:"d"`
}

func (h *SegmentHeader) sections() []*Section {
	return []*Section{&h.Postings, &h.Stored, &h.Points, &h.DocValues, &h.Lengths, &h.Dict}
}

func (h *SegmentHeader) marshal() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], h.DocCount)
	binary.LittleEndian.PutUint32(b[12:16], h.TermCount)
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.CreatedAt))
	binary.LittleEndian.PutUint32(b[24:28], h.Flags)
	off := 32
	for _, s := range h.sections() {
		binary.LittleEndian.PutUint64(b[off:off+8], uint64(s.Offset))
		binary.LittleEndian.PutUint64(b[off+8:off+16], uint64(s.Size))
		off += 16
	}
	return b
}

func unmarshalHeader(b []byte, fileSize int64) (SegmentHeader, error) {
	var h SegmentHeader
	if len(b) < HeaderSize {
		return h, fmt.Errorf("short header: %d bytes", len(b))
	}
	h.Magic = binary.LittleEndian.Uint32(b[0:4])
	if h.Magic != MagicBytes {
		return h, fmt.Errorf("invalid segment file: bad magic bytes %x", h.Magic)
	}
	h.Version = binary.LittleEndian.Uint32(b[4:8])
	if h.Version != FormatVersion {
		return h, fmt.Errorf("unsupported segment version %d (expected %d)", h.Version, FormatVersion)
	}
	h.DocCount = binary.LittleEndian.Uint32(b[8:12])
	h.TermCount = binary.LittleEndian.Uint32(b[12:16])
	h.CreatedAt = int64(binary.LittleEndian.Uint64(b[16:24]))
	h.Flags = binary.LittleEndian.Uint32(b[24:28])
	off := 32
	limit := fileSize - int64(FooterSize)
	for _, s := range h.sections() {
		s.Offset = int64(binary.LittleEndian.Uint64(b[off : off+8]))
		s.Size = int64(binary.LittleEndian.Uint64(b[off+8 : off+16]))
		if s.Offset < int64(HeaderSize) || s.Size < 0 || s.Offset+s.Size > limit {
			return h, fmt.Errorf("section out of bounds: offset=%d size=%d file=%d", s.Offset, s.Size, fileSize)
		}
		off += 16
	}
	return h, nil
}

// SegmentFileName returns the file name of the segment with sequence number n.
func SegmentFileName(n uint64) string {
	return fmt.Sprintf("seg_%06d%s", n, SegmentExt)
}

// DeletesFileName returns the deletion bitmap file of segment name at
// deletion generation gen.
func DeletesFileName(name string, gen uint64) string {
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(name, SegmentExt), gen, DeletesExt)
}

// SyncDir fsyncs a directory so renames inside it are durable.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening directory for sync: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing directory %s: %w", dir, err)
	}
	return nil
}

// writeFileAtomic writes data to dir/name through a temp file and a rename.
func writeFileAtomic(dir, name string, data []byte, sync bool) error {
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + TempExt
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmpPath, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", tmpPath, err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("syncing %s: %w", tmpPath, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", tmpPath, err)
	}
	return nil
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

// codecs returns process-wide zstd codecs; EncodeAll/DecodeAll are safe for
// concurrent use.
func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec, zstdErr
}
