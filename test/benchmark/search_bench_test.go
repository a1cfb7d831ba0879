package benchmark

import (
	"context"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/analysis"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/notes"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/search/parser"
)

// loadRepository commits n notes spread over segments of 1000.
func loadRepository(b *testing.B, n int) *notes.Repository {
	b.Helper()
	store := openStore(b, false)
	var batch index.Batch
	for i := 1; i <= n; i++ {
		batch.Add(index.Document{ID: uint64(i), Body: noteBody(i)})
		if i%1000 == 0 || i == n {
			if err := store.Apply(&batch); err != nil {
				b.Fatal(err)
			}
			batch = index.Batch{}
		}
	}
	repo, err := notes.NewRepository(context.Background(), store)
	if err != nil {
		b.Fatal(err)
	}
	return repo
}

var benchQueries = []string{
	"moon",
	"moon sun",
	"+moon -truth",
	`"moon and the sun"`,
	"(segment OR commit) AND reader",
}

func BenchmarkSearch(b *testing.B) {
	repo := loadRepository(b, 10000)
	ctx := context.Background()
	for _, q := range benchQueries {
		b.Run(q, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				seq, err := repo.Search(ctx, q, 10)
				if err != nil {
					b.Fatal(err)
				}
				for range seq {
				}
			}
		})
	}
}

func BenchmarkSearchParallel(b *testing.B) {
	repo := loadRepository(b, 10000)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			seq, err := repo.Search(ctx, benchQueries[i%len(benchQueries)], 10)
			if err != nil {
				b.Error(err)
				return
			}
			for range seq {
			}
			i++
		}
	})
}

func BenchmarkFindByID(b *testing.B) {
	repo := loadRepository(b, 10000)
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := repo.FindByID(ctx, uint64(i%10000)+1); !ok {
			b.Fatal("note missing")
		}
	}
}

func BenchmarkParse(b *testing.B) {
	p := parser.New(analysis.New(true))
	for _, q := range benchQueries {
		b.Run(q, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := p.Parse(q); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
