// Package benchmark measures analysis, commit and search throughput of the
// note store.
package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/notes"
)

var vocabulary = []string{"moon", "sun", "truth", "segment", "commit", "reader", "phrase", "ranking"}

func noteBody(i int) string {
	return fmt.Sprintf("note %d about the %s and the %s, mentioning %s",
		i, vocabulary[i%len(vocabulary)], vocabulary[(i+2)%len(vocabulary)], vocabulary[(i+5)%len(vocabulary)])
}

func openStore(b *testing.B, sync bool) *index.Store {
	b.Helper()
	opts := index.DefaultOptions()
	opts.SyncWrites = sync
	store, err := index.Open(b.TempDir(), opts)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { store.Close() })
	return store
}

// BenchmarkApplyBatch measures commit throughput at several batch sizes.
// Every iteration writes one segment.
func BenchmarkApplyBatch(b *testing.B) {
	for _, size := range []int{1, 100, 1000} {
		b.Run(fmt.Sprintf("batch_%d", size), func(b *testing.B) {
			store := openStore(b, false)
			b.ReportAllocs()
			b.ResetTimer()
			id := uint64(0)
			for i := 0; i < b.N; i++ {
				var batch index.Batch
				for j := 0; j < size; j++ {
					id++
					batch.Add(index.Document{ID: id, Body: noteBody(int(id))})
				}
				if err := store.Apply(&batch); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkRepositorySave measures a durable save, including the fsyncs of
// the segment, commit point and directory.
func BenchmarkRepositorySave(b *testing.B) {
	for _, sync := range []bool{false, true} {
		b.Run(fmt.Sprintf("sync_%t", sync), func(b *testing.B) {
			repo, err := notes.NewRepository(context.Background(), openStore(b, sync))
			if err != nil {
				b.Fatal(err)
			}
			ctx := context.Background()
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := repo.Save(ctx, notes.New(noteBody(i))); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
