package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/resilience"
)

type recordingProducer struct {
	mu      sync.Mutex
	batches [][]kafka.Event
	failN   int
}

func (r *recordingProducer) PublishBatch(_ context.Context, events []kafka.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return errors.New("broker unavailable")
	}
	r.batches = append(r.batches, append([]kafka.Event(nil), events...))
	return nil
}

func (r *recordingProducer) events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, b := range r.batches {
		for _, e := range b {
			out = append(out, e.Value.(Event))
		}
	}
	return out
}

type rejectingProducer struct {
	calls atomic.Int32
}

func (r *rejectingProducer) PublishBatch(context.Context, []kafka.Event) error {
	r.calls.Add(1)
	return fmt.Errorf("%w \"1\": unsupported value", kafka.ErrEncoding)
}

func newTestPublisher(p BatchProducer, batchSize int) *Publisher {
	pub := NewPublisher(p, batchSize, time.Hour, nil)
	pub.retry = resilience.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	pub.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return pub
}

func TestFlushOnShutdown(t *testing.T) {
	rec := &recordingProducer{}
	pub := newTestPublisher(rec, 100)
	ctx, cancel := context.WithCancel(context.Background())
	pub.Start(ctx)

	pub.Saved(1, "sun")
	pub.Deleted(1)
	assert.Equal(t, 2, pub.BufferLen())

	cancel()
	pub.Close()

	got := rec.events()
	require.Len(t, got, 2)
	assert.Equal(t, Event{Type: NoteSaved, ID: 1, Body: "sun", At: pub.now()}, got[0])
	assert.Equal(t, NoteDeleted, got[1].Type)
	assert.Zero(t, pub.BufferLen())

	rec.mu.Lock()
	assert.Equal(t, "1", rec.batches[0][0].Key)
	rec.mu.Unlock()
}

func TestFlushWhenBatchFills(t *testing.T) {
	rec := &recordingProducer{}
	pub := newTestPublisher(rec, 2)
	pub.Saved(1, "a")
	pub.Saved(2, "b")

	assert.Eventually(t, func() bool { return len(rec.events()) == 2 }, time.Second, 5*time.Millisecond)
}

type slowFailingProducer struct {
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	calls       atomic.Int32
}

func (s *slowFailingProducer) PublishBatch(context.Context, []kafka.Event) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		cur := s.maxInFlight.Load()
		if n <= cur || s.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	s.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return errors.New("broker unavailable")
}

func TestBrokerOutageRunsOneBackgroundFlush(t *testing.T) {
	prod := &slowFailingProducer{}
	pub := newTestPublisher(prod, 10)
	before := runtime.NumGoroutine()

	for id := uint64(1); id <= 2000; id++ {
		pub.Saved(id, "x")
	}
	assert.LessOrEqual(t, runtime.NumGoroutine()-before, 2)

	assert.Eventually(t, func() bool { return !pub.flushing.Load() }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), prod.maxInFlight.Load())
	assert.LessOrEqual(t, pub.BufferLen(), pub.maxBuffered)
}

func TestRetryThenRequeue(t *testing.T) {
	rec := &recordingProducer{failN: 1}
	pub := newTestPublisher(rec, 100)
	pub.Saved(1, "a")
	pub.flush(context.Background())
	assert.Len(t, rec.events(), 1, "second attempt succeeds")

	rec.failN = 2
	pub.Saved(2, "b")
	pub.flush(context.Background())
	assert.Equal(t, 1, pub.BufferLen(), "failed batch is kept for the next flush")

	pub.flush(context.Background())
	assert.Len(t, rec.events(), 2)
}

func TestUnencodableBatchIsDroppedWithoutRetry(t *testing.T) {
	rej := &rejectingProducer{}
	pub := newTestPublisher(rej, 100)
	pub.Saved(1, "a")
	pub.flush(context.Background())
	assert.Equal(t, int32(1), rej.calls.Load())
	assert.Zero(t, pub.BufferLen())
}

func TestBufferOverflowDropsOldest(t *testing.T) {
	rec := &recordingProducer{failN: 1000}
	pub := newTestPublisher(rec, 1000)
	pub.maxBuffered = 3
	for id := uint64(1); id <= 5; id++ {
		pub.Saved(id, "x")
	}
	pub.flush(context.Background())
	require.Equal(t, 3, pub.BufferLen())

	pub.mu.Lock()
	first := pub.buffer[0].Value.(Event).ID
	pub.mu.Unlock()
	assert.Equal(t, uint64(3), first)
}

func TestDecode(t *testing.T) {
	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	data, err := json.Marshal(Event{Type: NoteSaved, ID: 9, Body: "moon", At: at})
	require.NoError(t, err)

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, Event{Type: NoteSaved, ID: 9, Body: "moon", At: at}, ev)

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}
