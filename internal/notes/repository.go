// Package notes maps notes onto the index and implements the note
// repository: saving with id assignment, lookup by id, deletion, full-text
// search and listing. Every write is committed before it returns, so a
// successful Save is visible to every later read.
package notes

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/idalloc"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/index"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/search/cache"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/search/parser"
	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/search/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/tracing"
)

// EventSink receives note changes after they are committed, in commit
// order. It is called with the store's writer lock held and must not block.
type EventSink interface {
	Saved(id uint64, body string)
	Deleted(id uint64)
}

type Option func(*Repository)

// WithCache caches search results.
func WithCache(c *cache.QueryCache) Option {
	return func(r *Repository) { r.cache = c }
}

// WithEvents reports committed saves and deletes to sink.
func WithEvents(sink EventSink) Option {
	return func(r *Repository) { r.events = sink }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

// Repository is safe for concurrent use. It does not own the store; the
// caller that opened the store closes it.
type Repository struct {
	store   *index.Store
	ids     *idalloc.Allocator
	parser  *parser.Parser
	cache   *cache.QueryCache
	events  EventSink
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRepository recovers the id high-water mark from store. It fails with
// ErrStoreUnavailable when the store cannot be read.
func NewRepository(ctx context.Context, store *index.Store, opts ...Option) (*Repository, error) {
	r := &Repository{
		store:  store,
		parser: parser.New(store.Analyzer()),
		logger: logger.WithComponent("note-repository"),
	}
	for _, opt := range opts {
		opt(r)
	}

	reader, err := store.OpenReader()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStoreUnavailable, err)
	}
	defer reader.Close()
	ids, err := idalloc.Recover(ctx, query.NewSearcher(reader))
	if err != nil {
		return nil, err
	}
	r.ids = ids
	r.refreshGauges()

	r.logger.Info("note repository ready",
		"live_notes", reader.NumDocs(),
		"generation", reader.Generation(),
		"last_id", ids.Current(),
	)
	return r, nil
}

// LastID returns the largest id handed out or recovered so far.
func (r *Repository) LastID() uint64 {
	return r.ids.Current()
}

// Save stores note, assigning the next id when it has none. A note that
// already has an id replaces the stored note with that id. On failure the
// returned error wraps ErrNotSaved and nothing is guaranteed persisted.
func (r *Repository) Save(ctx context.Context, note Note) (Note, error) {
	log := logger.FromContext(ctx, r.logger)

	id, replacing := note.ID()
	if replacing {
		r.ids.Observe(id)
	} else {
		id = r.ids.Next()
		note = note.WithID(id)
	}

	var b index.Batch
	if replacing {
		b.Delete(id)
	}
	b.Add(index.Document{ID: id, Body: note.Body()})
	if r.events != nil {
		body := note.Body()
		b.OnCommit(func() { r.events.Saved(id, body) })
	}

	if err := ctx.Err(); err != nil {
		log.Warn("save abandoned", "id", id, "error", err)
		r.countSave("failed")
		return Note{}, apperrors.Wrap(apperrors.ErrNotSaved, err)
	}
	if err := r.apply(ctx, &b); err != nil {
		log.Error("save failed", "id", id, "error", err)
		r.countSave("failed")
		return Note{}, apperrors.Wrap(apperrors.ErrNotSaved, err)
	}

	if replacing {
		r.countSave("replaced")
	} else {
		r.countSave("created")
	}
	log.Debug("note saved", "id", id, "replaced", replacing)
	return note, nil
}

// FindByID returns the note with id. Read failures are logged and reported
// as not found.
func (r *Repository) FindByID(ctx context.Context, id uint64) (Note, bool) {
	found, err := r.withSearcher(func(s *query.Searcher) ([]Note, error) {
		return search(ctx, s, &query.PointQuery{ID: id}, 1)
	})
	if err != nil {
		logger.FromContext(ctx, r.logger).Error("find by id failed", "id", id, "error", err)
		return Note{}, false
	}
	if len(found) == 0 {
		return Note{}, false
	}
	return found[0], true
}

// Search returns the notes matching text, most relevant first, at most
// limit of them; limit <= 0 returns every match. A malformed query yields
// an error wrapping ErrQuerySyntax. Any other failure is logged and yields
// an empty sequence. The sequence can be ranged over once.
func (r *Repository) Search(ctx context.Context, text string, limit int) (iter.Seq[Note], error) {
	start := time.Now()
	log := logger.FromContext(ctx, r.logger)
	ctx, span := tracing.StartChildSpan(ctx, "notes.search")
	defer span.End()

	q, err := r.parser.Parse(text)
	if err != nil {
		r.countSearch("syntax_error")
		return once(nil), err
	}

	var cacheStatus string
	found, err := r.withSearcher(func(s *query.Searcher) ([]Note, error) {
		if r.cache == nil {
			cacheStatus = "none"
			return search(ctx, s, q, limit)
		}
		compute := func() (*cache.Result, error) {
			td, err := s.Search(ctx, q, limit)
			if err != nil {
				return nil, err
			}
			return loadHits(s, td)
		}
		res, hit, err := r.cache.GetOrCompute(ctx, s.Reader().Generation(), text, limit, compute)
		if err != nil {
			return nil, err
		}
		cacheStatus = "miss"
		if hit {
			cacheStatus = "hit"
		}
		out := make([]Note, len(res.Hits))
		for i, h := range res.Hits {
			out[i] = New(h.Body).WithID(h.ID)
		}
		return out, nil
	})
	if err != nil {
		log.Error("search failed", "query", text, "error", err)
		r.countSearch("error")
		return once(nil), nil
	}

	if r.metrics != nil {
		r.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
		r.metrics.SearchResultsCount.Observe(float64(len(found)))
	}
	if len(found) == 0 {
		r.countSearch("zero_result")
	} else {
		r.countSearch("hit")
	}
	span.SetAttr("cache", cacheStatus)
	span.SetAttr("results", len(found))
	log.Debug("search completed",
		"query", q.String(),
		"results", len(found),
		"cache", cacheStatus,
		"latency", time.Since(start),
	)
	return once(found), nil
}

// FindAll returns every note in store order. Read failures are logged and
// yield an empty sequence.
func (r *Repository) FindAll(ctx context.Context) iter.Seq[Note] {
	found, err := r.withSearcher(func(s *query.Searcher) ([]Note, error) {
		return search(ctx, s, &query.MatchAllQuery{}, 0)
	})
	if err != nil {
		logger.FromContext(ctx, r.logger).Error("find all failed", "error", err)
		return once(nil)
	}
	return once(found)
}

// Delete removes the note with id and commits. Deleting an unknown id is a
// no-op. Failures are logged, not returned.
func (r *Repository) Delete(ctx context.Context, id uint64) {
	var b index.Batch
	b.Delete(id)
	if r.events != nil {
		b.OnCommit(func() { r.events.Deleted(id) })
	}
	if err := r.apply(ctx, &b); err != nil {
		logger.FromContext(ctx, r.logger).Error("delete failed", "id", id, "error", err)
		r.countDelete("failed")
		return
	}
	r.countDelete("ok")
}

// DeleteNote deletes note by its id. A note without an id is ignored.
func (r *Repository) DeleteNote(ctx context.Context, note Note) {
	if id, ok := note.ID(); ok {
		r.Delete(ctx, id)
	}
}

func (r *Repository) apply(ctx context.Context, b *index.Batch) error {
	_, span := tracing.StartChildSpan(ctx, "store.apply")
	defer span.End()

	start := time.Now()
	err := r.store.Apply(b)
	if err != nil {
		span.SetAttr("error", err.Error())
	}
	if r.metrics != nil {
		r.metrics.CommitLatency.Observe(time.Since(start).Seconds())
	}
	if err == nil {
		r.refreshGauges()
	}
	return err
}

// withSearcher runs fn against a fresh reader, closing the reader once fn
// has loaded what it needs.
func (r *Repository) withSearcher(fn func(*query.Searcher) ([]Note, error)) ([]Note, error) {
	reader, err := r.store.OpenReader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return fn(query.NewSearcher(reader))
}

func search(ctx context.Context, s *query.Searcher, q query.Query, limit int) ([]Note, error) {
	td, err := s.Search(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return loadNotes(s, td)
}

func loadNotes(s *query.Searcher, td *query.TopDocs) ([]Note, error) {
	out := make([]Note, 0, len(td.ScoreDocs))
	for _, sd := range td.ScoreDocs {
		doc, err := s.Doc(sd.Doc)
		if err != nil {
			return nil, err
		}
		out = append(out, New(doc.Body).WithID(doc.ID))
	}
	return out, nil
}

func loadHits(s *query.Searcher, td *query.TopDocs) (*cache.Result, error) {
	res := &cache.Result{Hits: make([]cache.Hit, 0, len(td.ScoreDocs))}
	for _, sd := range td.ScoreDocs {
		doc, err := s.Doc(sd.Doc)
		if err != nil {
			return nil, err
		}
		res.Hits = append(res.Hits, cache.Hit{ID: doc.ID, Body: doc.Body, Score: sd.Score})
	}
	return res, nil
}

// once yields notes on the first range only; later ranges yield nothing.
func once(notes []Note) iter.Seq[Note] {
	var used atomic.Bool
	return func(yield func(Note) bool) {
		if used.Swap(true) {
			return
		}
		for _, n := range notes {
			if !yield(n) {
				return
			}
		}
	}
}

func (r *Repository) refreshGauges() {
	if r.metrics == nil {
		return
	}
	st, err := r.store.Stats()
	if err != nil {
		if !errors.Is(err, apperrors.ErrStoreClosed) {
			r.logger.Warn("reading store stats failed", "error", err)
		}
		return
	}
	r.metrics.LiveDocs.Set(float64(st.LiveDocs))
	r.metrics.Segments.Set(float64(st.Segments))
}

func (r *Repository) countSave(status string) {
	if r.metrics != nil {
		r.metrics.NoteSavesTotal.WithLabelValues(status).Inc()
	}
}

func (r *Repository) countDelete(status string) {
	if r.metrics != nil {
		r.metrics.NoteDeletesTotal.WithLabelValues(status).Inc()
	}
}

func (r *Repository) countSearch(resultType string) {
	if r.metrics != nil {
		r.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	}
}
