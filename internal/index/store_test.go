package index

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/segment"
	apperrors "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/errors"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.SyncWrites = false
	return opts
}

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, testOptions())
	require.NoError(t, err)
	return s
}

// liveIDs returns the ids of every live document in r, in store order.
func liveIDs(t *testing.T, r *Reader) []uint64 {
	t.Helper()
	var ids []uint64
	for _, l := range r.Leaves() {
		for ord := 0; ord < l.MaxDoc(); ord++ {
			if l.IsDeleted(uint32(ord)) {
				continue
			}
			doc, err := r.Document(l.Base + ord)
			require.NoError(t, err)
			ids = append(ids, doc.ID)
		}
	}
	return ids
}

func readIDs(t *testing.T, s *Store) []uint64 {
	t.Helper()
	r, err := s.OpenReader()
	require.NoError(t, err)
	defer r.Close()
	return liveIDs(t, r)
}

func TestAddIsInvisibleUntilCommit(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.AddDocument(Document{ID: 1, Body: "sun"}))
	assert.Empty(t, readIDs(t, s))
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.BufferedDocs)
	assert.Positive(t, st.BufferedBytes)

	require.NoError(t, s.Commit())
	assert.Equal(t, []uint64{1}, readIDs(t, s))

	st, err = s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.BufferedBytes)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Equal(t, 1, st.Segments)
	assert.Equal(t, 1, st.LiveDocs)
}

func TestEmptyCommitIsNoop(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.Commit())
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Generation)

	require.NoError(t, s.DeleteDocuments(42))
	require.NoError(t, s.Commit())
	st, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Generation)
}

func TestDeleteAcrossSegments(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, s.AddDocument(Document{ID: id, Body: "note"}))
		require.NoError(t, s.Commit())
	}
	require.NoError(t, s.AddDocument(Document{ID: 4, Body: "note"}))
	require.NoError(t, s.AddDocument(Document{ID: 5, Body: "note"}))
	require.NoError(t, s.Commit())

	require.NoError(t, s.DeleteDocuments(2))
	require.NoError(t, s.DeleteDocuments(4))
	require.NoError(t, s.Commit())
	assert.Equal(t, []uint64{1, 3, 5}, readIDs(t, s))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Segments, "fully deleted segment is dropped")
	assert.Equal(t, 1, st.DeletedDocs)
	assert.Equal(t, 3, st.LiveDocs)

	gen := st.Generation
	require.NoError(t, s.DeleteDocuments(2))
	require.NoError(t, s.Commit())
	st, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, gen, st.Generation, "repeated delete leaves the store unchanged")
}

func TestDeleteDropsBufferedDocuments(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	require.NoError(t, s.AddDocument(Document{ID: 1, Body: "a"}))
	require.NoError(t, s.AddDocument(Document{ID: 2, Body: "b"}))
	require.NoError(t, s.DeleteDocuments(1))
	require.NoError(t, s.Commit())
	assert.Equal(t, []uint64{2}, readIDs(t, s))
}

func TestApplyReplacesDocument(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	var b Batch
	b.Add(Document{ID: 7, Body: "first"})
	require.NoError(t, s.Apply(&b))

	var replace Batch
	replace.Delete(7)
	replace.Add(Document{ID: 7, Body: "second"})
	assert.Equal(t, 2, replace.Len())
	require.NoError(t, s.Apply(&replace))

	r, err := s.OpenReader()
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 1, r.NumDocs())
	assert.Equal(t, []uint64{7}, liveIDs(t, r))

	last := r.Leaves()[len(r.Leaves())-1]
	doc, err := r.Document(last.Base)
	require.NoError(t, err)
	assert.Equal(t, Document{ID: 7, Body: "second"}, doc)
}

func TestFailedCommitRollsBack(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	var first Batch
	first.Add(Document{ID: 1, Body: "one"})
	first.Add(Document{ID: 2, Body: "two"})
	require.NoError(t, s.Apply(&first))

	blocker := filepath.Join(dir, segment.SegmentFileName(2))
	require.NoError(t, os.Mkdir(blocker, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "x"), nil, 0o644))

	hooked := false
	var failed Batch
	failed.Delete(1)
	failed.Add(Document{ID: 3, Body: "three"})
	failed.OnCommit(func() { hooked = true })
	assert.ErrorIs(t, s.Apply(&failed), apperrors.ErrIO)
	assert.False(t, hooked)
	assert.Equal(t, []uint64{1, 2}, readIDs(t, s))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Generation)
	assert.Zero(t, st.BufferedDocs)
	assert.Zero(t, st.PendingDeletes)
	for _, name := range []string{
		segment.SegmentFileName(2) + segment.TempExt,
		segment.DeletesFileName(segment.SegmentFileName(1), 2),
		segment.CommitFileName(2),
	} {
		assert.NoFileExists(t, filepath.Join(dir, name))
	}

	require.NoError(t, os.RemoveAll(blocker))
	var next Batch
	next.Delete(2)
	next.Add(Document{ID: 4, Body: "four"})
	require.NoError(t, s.Apply(&next))
	assert.Equal(t, []uint64{1, 4}, readIDs(t, s))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	assert.Equal(t, []uint64{1, 4}, readIDs(t, s))
}

func TestMaxIDSurvivesDroppedSegment(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.AddDocument(Document{ID: 1, Body: "kept"}))
	require.NoError(t, s.Commit())
	require.NoError(t, s.AddDocument(Document{ID: 9, Body: "gone"}))
	require.NoError(t, s.Commit())
	require.NoError(t, s.DeleteDocuments(9))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	r, err := s.OpenReader()
	require.NoError(t, err)
	defer r.Close()
	assert.Len(t, r.Leaves(), 1)
	assert.Equal(t, uint64(9), r.MaxID())
}

func TestCommitHooksRunInOrder(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	var calls []string
	var b Batch
	b.Add(Document{ID: 1, Body: "a"})
	b.OnCommit(func() { calls = append(calls, "first") })
	b.OnCommit(func() { calls = append(calls, "second") })
	require.NoError(t, s.Apply(&b))
	assert.Equal(t, []string{"first", "second"}, calls)

	var noop Batch
	noop.Delete(42)
	noop.OnCommit(func() { calls = append(calls, "noop") })
	require.NoError(t, s.Apply(&noop))
	assert.Equal(t, []string{"first", "second", "noop"}, calls)

	require.NoError(t, s.Close())
	var closed Batch
	closed.OnCommit(func() { calls = append(calls, "closed") })
	assert.ErrorIs(t, s.Apply(&closed), apperrors.ErrStoreClosed)
	assert.Len(t, calls, 3)
}

func TestReopenRecoversState(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	for id := uint64(1); id <= 4; id++ {
		require.NoError(t, s.AddDocument(Document{ID: id, Body: "persisted note"}))
	}
	require.NoError(t, s.Commit())
	require.NoError(t, s.DeleteDocuments(3))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	assert.Equal(t, []uint64{1, 2, 4}, readIDs(t, s))

	r, err := s.OpenReader()
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, uint64(2), r.Generation())
	assert.Equal(t, 4, r.MaxDoc())
	assert.InDelta(t, 2.0, r.AvgDocLength(), 1e-9)
}

func TestCloseCommitsPending(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.AddDocument(Document{ID: 9, Body: "late"}))
	require.NoError(t, s.Close())

	s = openStore(t, dir)
	defer s.Close()
	assert.Equal(t, []uint64{9}, readIDs(t, s))
}

func TestClosedStore(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.AddDocument(Document{ID: 1}), apperrors.ErrStoreClosed)
	assert.ErrorIs(t, s.DeleteDocuments(1), apperrors.ErrStoreClosed)
	assert.ErrorIs(t, s.Commit(), apperrors.ErrStoreClosed)
	assert.ErrorIs(t, s.Apply(&Batch{}), apperrors.ErrStoreClosed)
	_, err := s.OpenReader()
	assert.ErrorIs(t, err, apperrors.ErrStoreClosed)
	_, err = s.Stats()
	assert.ErrorIs(t, err, apperrors.ErrStoreClosed)
}

func TestSecondWriterIsRejected(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	_, err := Open(dir, testOptions())
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)

	require.NoError(t, s.Close())
	s2, err := Open(dir, testOptions())
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOpenUnusableLocation(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Open(file, testOptions())
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func TestOpenCorruptCommit(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.AddDocument(Document{ID: 1, Body: "x"}))
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, segment.CommitFileName(1)), []byte("{"), 0o644))
	_, err := Open(dir, testOptions())
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func TestOpenMissingSegment(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.AddDocument(Document{ID: 1, Body: "x"}))
	require.NoError(t, s.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, segment.SegmentFileName(1))))
	_, err := Open(dir, testOptions())
	assert.ErrorIs(t, err, apperrors.ErrStoreUnavailable)
}

func TestOpenRemovesLeftovers(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.AddDocument(Document{ID: 1, Body: "x"}))
	require.NoError(t, s.Close())

	stray := []string{segment.SegmentFileName(9), "seg_000009.spdx.tmp", segment.CommitFileName(5)}
	for _, name := range stray {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("junk"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("keep"), 0o644))

	s = openStore(t, dir)
	defer s.Close()
	for _, name := range stray {
		assert.NoFileExists(t, filepath.Join(dir, name))
	}
	assert.FileExists(t, filepath.Join(dir, "README"))
	assert.Equal(t, []uint64{1}, readIDs(t, s))
}

func TestReaderSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	defer s.Close()

	require.NoError(t, s.AddDocument(Document{ID: 1, Body: "old"}))
	require.NoError(t, s.Commit())

	r, err := s.OpenReader()
	require.NoError(t, err)

	require.NoError(t, s.DeleteDocuments(1))
	require.NoError(t, s.AddDocument(Document{ID: 2, Body: "new"}))
	require.NoError(t, s.Commit())

	assert.Equal(t, []uint64{1}, liveIDs(t, r), "old reader keeps its snapshot")
	assert.Equal(t, []uint64{2}, readIDs(t, s))

	// The dropped segment stays on disk until the old reader lets go.
	assert.FileExists(t, filepath.Join(dir, segment.SegmentFileName(1)))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.NoFileExists(t, filepath.Join(dir, segment.SegmentFileName(1)))
}

func TestReaderOutlivesStore(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.AddDocument(Document{ID: 3, Body: "kept"}))
	require.NoError(t, s.Commit())

	r, err := s.OpenReader()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	doc, err := r.Document(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), doc.ID)
	require.NoError(t, r.Close())
}

func TestReaderDocumentOutOfRange(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()
	r, err := s.OpenReader()
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Document(0)
	assert.Error(t, err)
	_, err = r.Document(-1)
	assert.Error(t, err)
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				var b Batch
				b.Add(Document{ID: uint64(w*100 + i + 1), Body: "concurrent body"})
				assert.NoError(t, s.Apply(&b))
			}
		}(w)
	}
	for rdr := 0; rdr < 4; rdr++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				r, err := s.OpenReader()
				if !assert.NoError(t, err) {
					return
				}
				assert.LessOrEqual(t, r.NumDocs(), 40)
				assert.NoError(t, r.Close())
			}
		}()
	}
	wg.Wait()
	assert.Len(t, readIDs(t, s), 40)
}
