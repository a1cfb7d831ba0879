// Package index implements the embedded note store: a directory of
// immutable segments plus deletion bitmaps, tied together by a commit point.
// A single writer serializes adds, deletes and commits; readers are
// snapshots of the last commit and never block the writer.
package index

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/analysis"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/errors"
)

type Options struct {
	// SyncWrites fsyncs every written file and the directory on commit.
	SyncWrites bool
	// Compress stores document bodies zstd-compressed.
	Compress bool
	// StopWords drops English stop words at analysis time.
	StopWords bool
}

func DefaultOptions() Options {
	return Options{SyncWrites: true, Compress: true, StopWords: true}
}

// leaf is the writer's view of one committed segment. The store holds one
// reference on seg for as long as the leaf is part of the commit.
type leaf struct {
	seg     *segment.Segment
	deleted *roaring.Bitmap
	delGen  uint64
}

type Store struct {
	dir      string
	opts     Options
	analyzer *analysis.Analyzer
	writer   *segment.Writer
	lock     *segment.Lock
	logger   *slog.Logger

	mu      sync.Mutex
	closed  bool
	commit  *segment.CommitPoint
	leaves  []*leaf
	buffer  *Buffer
	deletes map[uint64]struct{}

	current atomic.Pointer[snapshot]
}

// Stats describes the store at its last commit plus pending writes.
type Stats struct {
	Generation     uint64
	Segments       int
	LiveDocs       int
	DeletedDocs    int
	BufferedDocs   int
	BufferedBytes  int64
	PendingDeletes int
}

// Open opens or creates the store in dir and takes its write lock. Any
// failure to obtain a consistent, exclusively held directory is reported as
// ErrStoreUnavailable.
func Open(dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, fmt.Errorf("creating store directory: %w", err))
	}
	lock, err := segment.AcquireLock(dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, err)
	}
	s := &Store{
		dir:      dir,
		opts:     opts,
		analyzer: analysis.New(opts.StopWords),
		writer:   segment.NewWriter(dir, segment.WriteOptions{Compress: opts.Compress, Sync: opts.SyncWrites}),
		lock:     lock,
		logger:   slog.Default().With("component", "store", "dir", dir),
		buffer:   newBuffer(),
		deletes:  make(map[uint64]struct{}),
	}
	if err := s.load(); err != nil {
		for _, l := range s.leaves {
			l.seg.DecRef()
		}
		lock.Release()
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, err)
	}
	s.removeUnreferenced()
	s.current.Store(newSnapshot(s.commit, s.leaves))

	s.logger.Info("store opened",
		"generation", s.commit.Generation,
		"segments", len(s.leaves),
		"live_docs", s.current.Load().numDocs,
	)
	return s, nil
}

func (s *Store) load() error {
	cp, err := segment.ReadCommit(s.dir)
	if err != nil {
		return err
	}
	s.commit = cp
	for _, ref := range cp.Segments {
		seg, err := segment.Open(s.dir, ref.Name)
		if err != nil {
			return err
		}
		l := &leaf{seg: seg, deleted: roaring.New(), delGen: ref.DelGen}
		s.leaves = append(s.leaves, l)
		if seg.DocCount() != ref.DocCount {
			return fmt.Errorf("segment %s holds %d documents, commit point records %d", ref.Name, seg.DocCount(), ref.DocCount)
		}
		if name := ref.DeletesFile(); name != "" {
			if l.deleted, err = segment.ReadDeletes(s.dir, name); err != nil {
				return err
			}
		}
		s.logger.Debug("loaded segment",
			"segment", ref.Name,
			"docs", seg.DocCount(),
			"deleted", l.deleted.GetCardinality(),
			"terms", seg.Terms(),
		)
	}
	return nil
}

// removeUnreferenced deletes index files left behind by an interrupted
// commit. Unknown files are left alone.
func (s *Store) removeUnreferenced() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("listing store directory", "error", err)
		return
	}
	live := s.commit.Files()
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isIndexFile(name) {
			continue
		}
		if _, ok := live[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Warn("removing unreferenced file", "file", name, "error", err)
			continue
		}
		s.logger.Info("removed unreferenced file", "file", name)
	}
}

func isIndexFile(name string) bool {
	return strings.HasSuffix(name, segment.SegmentExt) ||
		strings.HasSuffix(name, segment.DeletesExt) ||
		strings.HasSuffix(name, segment.TempExt) ||
		strings.HasPrefix(name, segment.CommitPrefix)
}

// Analyzer returns the analyzer used for document bodies. Queries must be
// analyzed the same way.
func (s *Store) Analyzer() *analysis.Analyzer {
	return s.analyzer
}

func (s *Store) Dir() string {
	return s.dir
}

// AddDocument buffers doc. It becomes visible to readers at the next commit.
func (s *Store) AddDocument(doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}
	s.addLocked(doc)
	return nil
}

func (s *Store) addLocked(doc Document) {
	s.buffer.Add(doc, s.analyzer.Analyze(doc.Body))
}

// DeleteDocuments marks every document whose id equals id as deleted,
// including ones buffered since the last commit. Deleting an id that does
// not exist is a no-op.
func (s *Store) DeleteDocuments(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}
	s.deleteLocked(id)
	return nil
}

func (s *Store) deleteLocked(id uint64) {
	s.buffer.DeleteID(id)
	s.deletes[id] = struct{}{}
}

// Batch is a group of deletes and adds applied and committed as a unit.
// Deletes are applied before adds, so a batch holding a delete and an add
// for the same id replaces the document.
type Batch struct {
	deletes  []uint64
	adds     []Document
	onCommit []func()
}

func (b *Batch) Delete(id uint64) {
	b.deletes = append(b.deletes, id)
}

func (b *Batch) Add(doc Document) {
	b.adds = append(b.adds, doc)
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return len(b.deletes) + len(b.adds)
}

// OnCommit registers fn to run once the batch has committed. Hooks run in
// registration order while the writer lock is still held, so hooks of
// successive batches run in commit order. fn must not call into the store.
func (b *Batch) OnCommit(fn func()) {
	b.onCommit = append(b.onCommit, fn)
}

// Apply applies b and commits. Either every change in the batch is durable
// and visible when Apply returns nil, or none of it is: a failed commit
// discards all pending changes, including ones buffered before the call.
func (s *Store) Apply(b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}
	for _, id := range b.deletes {
		s.deleteLocked(id)
	}
	for _, doc := range b.adds {
		s.addLocked(doc)
	}
	if err := s.commitLocked(); err != nil {
		return err
	}
	for _, fn := range b.onCommit {
		fn()
	}
	return nil
}

// Commit makes buffered adds and deletes durable and visible to readers
// opened afterwards. A commit with nothing pending does nothing.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrStoreClosed
	}
	return s.commitLocked()
}

// pendingCommit tracks what a commit in progress has written so that it can
// be undone.
type pendingCommit struct {
	point   *segment.CommitPoint
	leaves  []*leaf
	dropped []*leaf
	newSeg  *segment.Segment
	written []string
}

func (s *Store) commitLocked() error {
	if s.buffer.DocCount() == 0 && len(s.deletes) == 0 {
		return nil
	}
	start := time.Now()
	pc, err := s.prepareCommit()
	if err != nil {
		s.rollback(pc)
		return apperrors.Wrap(apperrors.ErrIO, err)
	}
	if pc == nil {
		s.resetPending()
		return nil
	}
	if err := segment.WriteCommit(s.dir, pc.point, s.opts.SyncWrites); err != nil {
		s.restoreCurrent()
		s.rollback(pc)
		return apperrors.Wrap(apperrors.ErrIO, err)
	}
	s.publish(pc)

	s.logger.Info("commit complete",
		"generation", pc.point.Generation,
		"segments", len(pc.leaves),
		"dropped_segments", len(pc.dropped),
		"live_docs", s.current.Load().numDocs,
		"duration", time.Since(start),
	)
	return nil
}

// prepareCommit writes the new segment and deletion files of the next
// generation. It returns nil, nil when the pending changes turn out to leave
// the committed state untouched.
func (s *Store) prepareCommit() (*pendingCommit, error) {
	gen := s.commit.Generation + 1
	pc := &pendingCommit{
		point: &segment.CommitPoint{
			Generation:  gen,
			NextSegment: s.commit.NextSegment,
			MaxID:       max(s.commit.MaxID, s.buffer.MaxID()),
			CommittedAt: time.Now().UTC(),
		},
	}

	changed := make(map[*leaf]bool)
	for _, l := range s.leaves {
		next := l
		for id := range s.deletes {
			for _, ord := range l.seg.Lookup(id) {
				if next.deleted.Contains(ord) {
					continue
				}
				if next == l {
					next = &leaf{seg: l.seg, deleted: l.deleted.Clone(), delGen: gen}
					changed[next] = true
				}
				next.deleted.Add(ord)
			}
		}
		if int(next.deleted.GetCardinality()) >= next.seg.DocCount() {
			pc.dropped = append(pc.dropped, next)
			continue
		}
		pc.leaves = append(pc.leaves, next)
	}

	if s.buffer.DocCount() > 0 {
		name := segment.SegmentFileName(pc.point.NextSegment)
		pc.point.NextSegment++
		pc.written = append(pc.written, name)
		if err := s.writer.Write(name, s.buffer.Snapshot()); err != nil {
			return pc, fmt.Errorf("writing segment: %w", err)
		}
		seg, err := segment.Open(s.dir, name)
		if err != nil {
			return pc, fmt.Errorf("opening new segment: %w", err)
		}
		pc.newSeg = seg
		pc.leaves = append(pc.leaves, &leaf{seg: seg, deleted: roaring.New()})
	} else if len(changed) == 0 && len(pc.dropped) == 0 && pc.point.MaxID == s.commit.MaxID {
		return nil, nil
	}

	for _, l := range pc.leaves {
		if changed[l] {
			name := segment.DeletesFileName(l.seg.Name(), gen)
			pc.written = append(pc.written, name)
			if err := segment.WriteDeletes(s.dir, name, l.deleted, s.opts.SyncWrites); err != nil {
				return pc, err
			}
		}
		pc.point.Segments = append(pc.point.Segments, segment.SegmentRef{
			Name:     l.seg.Name(),
			DocCount: l.seg.DocCount(),
			DelGen:   l.delGen,
			DelCount: int(l.deleted.GetCardinality()),
		})
	}
	if s.opts.SyncWrites {
		if err := segment.SyncDir(s.dir); err != nil {
			return pc, err
		}
	}
	return pc, nil
}

// restoreCurrent points CURRENT back at the last successful commit after a
// failed commit write.
func (s *Store) restoreCurrent() {
	var err error
	if s.commit.Generation == 0 {
		err = os.Remove(filepath.Join(s.dir, segment.CurrentFileName))
		if errors.Is(err, os.ErrNotExist) {
			err = nil
		}
	} else {
		err = segment.WriteCommit(s.dir, s.commit, s.opts.SyncWrites)
	}
	if err != nil {
		s.logger.Error("restoring commit pointer", "generation", s.commit.Generation, "error", err)
	}
}

// rollback discards pending changes and every file the failed commit wrote.
// The committed state is left as it was.
func (s *Store) rollback(pc *pendingCommit) {
	s.logger.Warn("rolling back commit",
		"buffered_docs", s.buffer.DocCount(),
		"buffered_bytes", s.buffer.Size(),
		"pending_deletes", len(s.deletes),
	)
	s.resetPending()
	if pc == nil {
		return
	}
	if pc.newSeg != nil {
		pc.newSeg.MarkObsolete()
		if err := pc.newSeg.DecRef(); err != nil {
			s.logger.Warn("releasing new segment", "error", err)
		}
	}
	pc.written = append(pc.written, segment.CommitFileName(pc.point.Generation))
	for _, name := range pc.written {
		err := os.Remove(filepath.Join(s.dir, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing file of failed commit", "file", name, "error", err)
		}
	}
}

// publish installs a written commit as the store's state and makes it
// visible to new readers.
func (s *Store) publish(pc *pendingCommit) {
	prev := s.commit
	s.commit = pc.point
	s.leaves = pc.leaves
	s.resetPending()

	old := s.current.Swap(newSnapshot(pc.point, pc.leaves))
	if old != nil {
		if err := old.decRef(); err != nil {
			s.logger.Warn("releasing previous snapshot", "error", err)
		}
	}
	for _, l := range pc.dropped {
		l.seg.MarkObsolete()
		if err := l.seg.DecRef(); err != nil {
			s.logger.Warn("releasing dropped segment", "segment", l.seg.Name(), "error", err)
		}
	}

	live := pc.point.Files()
	for name := range prev.Files() {
		if _, ok := live[name]; ok || strings.HasSuffix(name, segment.SegmentExt) {
			continue
		}
		err := os.Remove(filepath.Join(s.dir, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing superseded file", "file", name, "error", err)
		}
	}
}

func (s *Store) resetPending() {
	s.buffer.Reset()
	clear(s.deletes)
}

// OpenReader returns a snapshot of the last commit. The caller must Close
// it.
func (s *Store) OpenReader() (*Reader, error) {
	for {
		snap := s.current.Load()
		if snap == nil {
			return nil, apperrors.ErrStoreClosed
		}
		if snap.tryIncRef() {
			return &Reader{snap: snap}, nil
		}
	}
}

func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Stats{}, apperrors.ErrStoreClosed
	}
	st := Stats{
		Generation:     s.commit.Generation,
		Segments:       len(s.leaves),
		BufferedDocs:   s.buffer.DocCount(),
		BufferedBytes:  s.buffer.Size(),
		PendingDeletes: len(s.deletes),
	}
	for _, l := range s.leaves {
		del := int(l.deleted.GetCardinality())
		st.DeletedDocs += del
		st.LiveDocs += l.seg.DocCount() - del
	}
	return st, nil
}

// Close commits pending changes, releases the store's segments and its
// write lock. Readers still open keep their segments alive until they are
// closed. Calling Close again returns nil.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var errs []error
	if err := s.commitLocked(); err != nil {
		s.logger.Error("final commit on close failed", "error", err)
		errs = append(errs, err)
	}
	s.closed = true

	if snap := s.current.Swap(nil); snap != nil {
		if err := snap.decRef(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range s.leaves {
		if err := l.seg.DecRef(); err != nil {
			errs = append(errs, err)
		}
	}
	s.leaves = nil
	if err := s.lock.Release(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("store closed", "generation", s.commit.Generation)
	return errors.Join(errs...)
}
