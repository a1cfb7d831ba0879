package benchmark

import (
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index/analysis"
)

var sampleTexts = map[string]string{
	"short": "Three things cannot be long hidden: the sun, the moon and the truth.",
	"medium": `Notes are stored in immutable segments. Each commit writes the buffered
        notes as a new segment and records deletions as bitmaps, so readers opened
        before the commit keep seeing the old state until they are closed.`,
	"long": strings.Repeat(`A note body is lower-cased and split on anything that is not a
        letter or a digit. Stop words are dropped but still advance the position
        counter, which keeps phrase queries honest about the gaps between words. `, 20),
}

func BenchmarkAnalyze(b *testing.B) {
	for _, stopWords := range []bool{true, false} {
		a := analysis.New(stopWords)
		for name, text := range sampleTexts {
			suffix := "/keep_stop_words"
			if stopWords {
				suffix = "/drop_stop_words"
			}
			b.Run(name+suffix, func(b *testing.B) {
				b.ReportAllocs()
				b.SetBytes(int64(len(text)))
				for i := 0; i < b.N; i++ {
					_ = a.Analyze(text)
				}
			})
		}
	}
}
