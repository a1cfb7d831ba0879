// Package events publishes note change events to Kafka. Events are
// buffered in memory and flushed in batches, either when the batch fills up
// or on a timer; publishing never blocks or fails a note operation.
package events

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/resilience"
)

type Type string

const (
	NoteSaved   Type = "note.saved"
	NoteDeleted Type = "note.deleted"
)

// Event is the JSON payload of one change. Body is empty for deletes.
type Event struct {
	Type Type      `json:"type"`
	ID   uint64    `json:"id"`
	Body string    `json:"body,omitempty"`
	At   time.Time `json:"at"`
}

// Decode parses a message value written by a Publisher.
func Decode(value []byte) (Event, error) {
	return kafka.DecodeJSON[Event](value)
}

// BatchProducer is the subset of kafka.Producer used by the publisher.
type BatchProducer interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publisher accumulates events and flushes them to Kafka. Events for one
// note share a partition key and flushes are serialized, so consumers see a
// note's events in the order they were tracked. At most one size-triggered
// flush runs in the background at a time.
type Publisher struct {
	producer      BatchProducer
	mu            sync.Mutex
	flushMu       sync.Mutex
	flushing      atomic.Bool
	buffer        []kafka.Event
	batchSize     int
	maxBuffered   int
	flushInterval time.Duration
	retry         resilience.RetryConfig
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
	done          chan struct{}
}

// NewPublisher creates a Publisher that flushes when the buffer reaches
// batchSize events or after flushInterval, whichever comes first. m may be
// nil.
func NewPublisher(producer BatchProducer, batchSize int, flushInterval time.Duration, m *metrics.Metrics) *Publisher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	return &Publisher{
		producer:      producer,
		buffer:        make([]kafka.Event, 0, batchSize),
		batchSize:     batchSize,
		maxBuffered:   batchSize * 10,
		flushInterval: flushInterval,
		retry:         resilience.RetryConfig{MaxAttempts: 3, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		metrics:       m,
		logger:        slog.Default().With("component", "event-publisher"),
		now:           time.Now,
		done:          make(chan struct{}),
	}
}

// Start launches the background flush loop, which stops with a final flush
// once ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	p.logger.Info("event publisher started",
		"batch_size", p.batchSize,
		"flush_interval", p.flushInterval,
	)
}

// Saved records that note id now has body.
func (p *Publisher) Saved(id uint64, body string) {
	p.track(Event{Type: NoteSaved, ID: id, Body: body, At: p.now().UTC()})
}

// Deleted records that note id was deleted.
func (p *Publisher) Deleted(id uint64) {
	p.track(Event{Type: NoteDeleted, ID: id, At: p.now().UTC()})
}

func (p *Publisher) track(ev Event) {
	p.mu.Lock()
	p.buffer = append(p.buffer, kafka.Event{Key: strconv.FormatUint(ev.ID, 10), Type: string(ev.Type), Value: ev})
	shouldFlush := len(p.buffer) >= p.batchSize
	p.mu.Unlock()

	if shouldFlush && p.flushing.CompareAndSwap(false, true) {
		go func() {
			defer p.flushing.Store(false)
			p.flush(context.Background())
		}()
	}
}

// Close waits for the flush loop started by Start to finish.
func (p *Publisher) Close() {
	<-p.done
}

// BufferLen returns the current number of buffered events.
func (p *Publisher) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Publisher) flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = make([]kafka.Event, 0, p.batchSize)
	p.mu.Unlock()

	err := resilience.Retry(ctx, "publish-note-events", p.retry, func() error {
		err := p.producer.PublishBatch(ctx, batch)
		if errors.Is(err, kafka.ErrEncoding) {
			return resilience.Permanent(err)
		}
		return err
	})
	if errors.Is(err, kafka.ErrEncoding) {
		p.logger.Error("event batch cannot be encoded, dropped", "batch_size", len(batch), "error", err)
		p.count("dropped", len(batch))
		return
	}
	if err != nil {
		p.logger.Error("event flush failed", "batch_size", len(batch), "error", err)
		p.count("failed", len(batch))

		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		if len(p.buffer) > p.maxBuffered {
			dropped := len(p.buffer) - p.maxBuffered
			p.buffer = p.buffer[dropped:]
			p.logger.Warn("event buffer overflow, oldest events dropped", "dropped", dropped)
			p.count("dropped", dropped)
		}
		p.mu.Unlock()
		return
	}
	p.count("ok", len(batch))
	p.logger.Debug("events flushed", "events", len(batch))
}

func (p *Publisher) count(status string, n int) {
	if p.metrics != nil {
		p.metrics.EventsPublishedTotal.WithLabelValues(status).Add(float64(n))
	}
}
