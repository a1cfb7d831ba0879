// Command loadtest drives a running notes service with a mix of searches
// and saves and prints throughput, latency percentiles and status codes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

var queries = []string{
	"moon",
	"moon sun",
	"+truth -failure",
	`"the moon"`,
	"segment OR commit",
	"reader AND snapshot",
	"id:[1 TO 100]",
}

var words = []string{"moon", "sun", "truth", "segment", "commit", "reader", "snapshot", "phrase", "ranking", "note"}

type stats struct {
	mu        sync.Mutex
	latencies map[string][]time.Duration
	codes     map[int]int
	failures  atomic.Int64
}

func newStats() *stats {
	return &stats{latencies: make(map[string][]time.Duration), codes: make(map[int]int)}
}

func (s *stats) record(op string, d time.Duration, code int, err error) {
	if err != nil {
		s.failures.Add(1)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies[op] = append(s.latencies[op], d)
	s.codes[code]++
}

type runner struct {
	client     *http.Client
	baseURL    string
	writeRatio float64
	stats      *stats
}

func (r *runner) randomBody() string {
	n := 5 + rand.IntN(10)
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(words[rand.IntN(len(words))])
	}
	return buf.String()
}

func (r *runner) save(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{"body": r.randomBody()})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/notes", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do("save", req)
}

func (r *runner) search(ctx context.Context) error {
	q := queries[rand.IntN(len(queries))]
	target := fmt.Sprintf("%s/api/notes?query=%s&limit=10", r.baseURL, url.QueryEscape(q))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return r.do("search", req)
}

func (r *runner) do(op string, req *http.Request) error {
	start := time.Now()
	resp, err := r.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if req.Context().Err() != nil {
			return nil
		}
		r.stats.record(op, elapsed, 0, err)
		return nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	r.stats.record(op, elapsed, resp.StatusCode, nil)
	return nil
}

func (r *runner) worker(ctx context.Context) error {
	for ctx.Err() == nil {
		var err error
		if rand.Float64() < r.writeRatio {
			err = r.save(ctx)
		} else {
			err = r.search(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	concurrency := int(cmd.Int("concurrency"))
	r := &runner{
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        concurrency * 2,
				MaxIdleConnsPerHost: concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:    cmd.String("url"),
		writeRatio: cmd.Float("write-ratio"),
		stats:      newStats(),
	}

	seed := int(cmd.Int("seed"))
	slog.Info("seeding notes", "count", seed)
	for i := 0; i < seed; i++ {
		if err := r.save(ctx); err != nil {
			return err
		}
	}
	r.stats = newStats()

	duration := cmd.Duration("duration")
	slog.Info("load test started",
		"target", r.baseURL,
		"concurrency", concurrency,
		"duration", duration,
		"write_ratio", r.writeRatio,
	)
	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	g, gCtx := errgroup.WithContext(runCtx)
	for w := 0; w < concurrency; w++ {
		g.Go(func() error { return r.worker(gCtx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return report(r.stats, duration)
}

func report(s *stats, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := int(s.failures.Load())
	for _, l := range s.latencies {
		total += len(l)
	}
	fmt.Printf("requests: %d (%.1f/s), transport failures: %d\n",
		total, float64(total)/duration.Seconds(), s.failures.Load())

	for _, op := range []string{"search", "save"} {
		l := s.latencies[op]
		if len(l) == 0 {
			continue
		}
		slices.Sort(l)
		fmt.Printf("%-7s n=%-7d p50=%-10s p90=%-10s p99=%-10s max=%s\n",
			op, len(l), percentile(l, 50), percentile(l, 90), percentile(l, 99), l[len(l)-1])
	}

	codes := make([]int, 0, len(s.codes))
	for code := range s.codes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, s.codes[code])
	}

	if total == 0 {
		return fmt.Errorf("no requests completed; is the service running?")
	}
	return nil
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

func main() {
	cmd := &cli.Command{
		Name:   "loadtest",
		Usage:  "Drive a notes service with concurrent searches and saves",
		Action: run,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "url", Value: "http://localhost:8080", Usage: "Base URL of the notes service"},
			&cli.IntFlag{Name: "concurrency", Value: 10, Usage: "Concurrent workers"},
			&cli.DurationFlag{Name: "duration", Value: 30 * time.Second, Usage: "Test duration"},
			&cli.FloatFlag{Name: "write-ratio", Value: 0.1, Usage: "Share of requests that save a note"},
			&cli.IntFlag{Name: "seed", Value: 1000, Usage: "Notes saved before the timed run"},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("load test failed", "error", err)
		os.Exit(1)
	}
}
