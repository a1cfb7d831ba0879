package api

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/notes"
	apperrors "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/middleware"
)

type fakeRepo struct {
	mu        sync.Mutex
	notes     map[uint64]notes.Note
	order     []uint64
	next      uint64
	saveErr   error
	searchErr error
	lastLimit int
	delay     time.Duration
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{notes: make(map[uint64]notes.Note)}
}

func (f *fakeRepo) Save(_ context.Context, n notes.Note) (notes.Note, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return notes.Note{}, f.saveErr
	}
	id, ok := n.ID()
	if !ok {
		f.next++
		id = f.next
		n = n.WithID(id)
	}
	if _, exists := f.notes[id]; !exists {
		f.order = append(f.order, id)
	}
	f.notes[id] = n
	return n, nil
}

func (f *fakeRepo) FindByID(_ context.Context, id uint64) (notes.Note, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.notes[id]
	return n, ok
}

func (f *fakeRepo) Search(_ context.Context, text string, limit int) (iter.Seq[notes.Note], error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.searchErr != nil {
		return slices.Values([]notes.Note(nil)), f.searchErr
	}
	var out []notes.Note
	for _, id := range f.order {
		if n, ok := f.notes[id]; ok && strings.Contains(n.Body(), text) {
			out = append(out, n)
		}
	}
	return slices.Values(out), nil
}

func (f *fakeRepo) limit() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastLimit
}

func (f *fakeRepo) FindAll(context.Context) iter.Seq[notes.Note] {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []notes.Note
	for _, id := range f.order {
		if n, ok := f.notes[id]; ok {
			out = append(out, n)
		}
	}
	return slices.Values(out)
}

func (f *fakeRepo) Delete(_ context.Context, id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.notes, id)
}

func newServer(t *testing.T, repo Repository, cfg RouterConfig) *httptest.Server {
	t.Helper()
	h := NewHandler(repo, Limits{DefaultLimit: 10, MaxResults: 50})
	srv := httptest.NewServer(NewRouter(h, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func TestCreateAndGetNote(t *testing.T) {
	srv := newServer(t, newFakeRepo(), RouterConfig{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/notes", `{"body":"the moon"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["id"])
	assert.Equal(t, "the moon", body["body"])
	assert.NotEmpty(t, resp.Header.Get(pkgmw.RequestIDHeader))

	resp, body = do(t, http.MethodGet, srv.URL+"/api/notes/1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "the moon", body["body"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/notes/2", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsBadInput(t *testing.T) {
	srv := newServer(t, newFakeRepo(), RouterConfig{})
	tests := []struct {
		name string
		body string
	}{
		{"id supplied", `{"id":5,"body":"x"}`},
		{"missing body", `{}`},
		{"malformed json", `{"body":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+"/api/notes", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCreateSaveFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.saveErr = apperrors.Wrap(apperrors.ErrNotSaved, apperrors.ErrIO)
	srv := newServer(t, repo, RouterConfig{})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/notes", `{"body":"x"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "note could not be saved", body["error"])
}

func TestUpdateNote(t *testing.T) {
	repo := newFakeRepo()
	srv := newServer(t, repo, RouterConfig{})
	do(t, http.MethodPost, srv.URL+"/api/notes", `{"body":"first"}`)

	resp, body := do(t, http.MethodPut, srv.URL+"/api/notes/1", `{"id":1,"body":"second"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "second", body["body"])

	resp, _ = do(t, http.MethodPut, srv.URL+"/api/notes/1", `{"body":"third"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	n, _ := repo.FindByID(context.Background(), 1)
	assert.Equal(t, "third", n.Body())

	resp, body = do(t, http.MethodPut, srv.URL+"/api/notes/1", `{"id":2,"body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "does not match")

	resp, body = do(t, http.MethodPut, srv.URL+"/api/notes/9", `{"body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "cannot supply your own id", body["error"])

	resp, _ = do(t, http.MethodPut, srv.URL+"/api/notes/abc", `{"body":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteNote(t *testing.T) {
	repo := newFakeRepo()
	srv := newServer(t, repo, RouterConfig{})
	do(t, http.MethodPost, srv.URL+"/api/notes", `{"body":"gone soon"}`)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/api/notes/1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/notes/1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := repo.FindByID(context.Background(), 1)
	assert.False(t, ok)
}

func TestListAndSearch(t *testing.T) {
	repo := newFakeRepo()
	srv := newServer(t, repo, RouterConfig{})
	for _, b := range []string{"sun", "moon", "sun and moon"} {
		do(t, http.MethodPost, srv.URL+"/api/notes", `{"body":"`+b+`"}`)
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/api/notes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(3), body["count"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/notes?query=moon", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, 10, repo.limit())

	do(t, http.MethodGet, srv.URL+"/api/notes?query=moon&limit=500", "")
	assert.Equal(t, 50, repo.limit())

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/notes?query=moon&limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/notes?query=nothing", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["notes"])
}

func TestSearchWithoutLimitIsUnbounded(t *testing.T) {
	repo := newFakeRepo()
	srv := httptest.NewServer(NewRouter(NewHandler(repo, Limits{MaxResults: 50}), RouterConfig{}))
	defer srv.Close()

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/notes?query=moon", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	repo.mu.Lock()
	assert.Zero(t, repo.lastLimit)
	repo.mu.Unlock()
}

func TestSearchSyntaxError(t *testing.T) {
	repo := newFakeRepo()
	repo.searchErr = apperrors.Wrap(apperrors.ErrQuerySyntax, assert.AnError)
	srv := newServer(t, repo, RouterConfig{})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/notes?query=%28", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "query syntax error")
}

func TestRequestTimeout(t *testing.T) {
	repo := newFakeRepo()
	repo.delay = 200 * time.Millisecond
	srv := newServer(t, repo, RouterConfig{Timeout: 20 * time.Millisecond})

	resp, body := do(t, http.MethodGet, srv.URL+"/api/notes?query=x", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "request timeout", body["error"])
}

func TestWritesAreNotCutOffByTimeout(t *testing.T) {
	repo := newFakeRepo()
	repo.delay = 100 * time.Millisecond
	srv := newServer(t, repo, RouterConfig{Timeout: 20 * time.Millisecond})

	resp, body := do(t, http.MethodPost, srv.URL+"/api/notes", `{"body":"slow"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "a committed save is reported as saved")
	assert.Equal(t, 1.0, body["id"])
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	checker := health.NewChecker()
	checker.Register("store", func(context.Context) health.ComponentHealth {
		return health.ComponentHealth{Status: health.StatusUp}
	})
	srv := newServer(t, newFakeRepo(), RouterConfig{Metrics: m, Health: checker})

	resp, body := do(t, http.MethodGet, srv.URL+"/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "up", body["status"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/health/live", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	do(t, http.MethodGet, srv.URL+"/api/notes/7", "")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/notes/{id}", "404")))
}

func TestRateLimitAndCORSOnNotesRoutes(t *testing.T) {
	checker := health.NewChecker()
	srv := newServer(t, newFakeRepo(), RouterConfig{
		Health:      checker,
		Limiter:     pkgmw.NewLimiter(0.1, 1),
		CORSOrigins: []string{"https://app.example"},
	})

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/notes", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/notes", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := do(t, http.MethodGet, srv.URL+"/api/notes", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate limit exceeded", body["error"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/health/live", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health routes are not limited")
}
