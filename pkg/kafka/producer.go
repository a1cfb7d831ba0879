package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/config"
)

// TypeHeader names the message header that carries Event.Type.
const TypeHeader = "event-type"

// ErrEncoding reports an event whose value cannot be written as JSON.
// Sending it again cannot succeed.
var ErrEncoding = errors.New("encoding event")

// Event is one message to publish. Events sharing a Key land on the same
// partition. Value is written as JSON; a non-empty Type is copied into the
// TypeHeader header so consumers can filter without decoding.
type Event struct {
	Key   string
	Type  string
	Value any
}

// Producer writes JSON events to one topic. Writes are synchronous and
// acknowledged by all in-sync replicas; retrying is left to the caller.
type Producer struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	logger  *slog.Logger
}

func NewProducer(cfg config.KafkaConfig) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			MaxAttempts:  1,
			RequiredAcks: kafka.RequireAll,
			Compression:  kafka.Zstd,
		},
		brokers: cfg.Brokers,
		topic:   cfg.Topic,
		logger:  slog.Default().With("component", "kafka-producer", "topic", cfg.Topic),
	}
}

// PublishBatch encodes events and writes them in one call. An encoding
// failure rejects the whole batch before anything is written.
func (p *Producer) PublishBatch(ctx context.Context, events []Event) error {
	msgs := make([]kafka.Message, len(events))
	for i, ev := range events {
		msg, err := encode(ev)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	start := time.Now()
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("writing %d messages to %s: %w", len(msgs), p.topic, err)
	}
	p.logger.Debug("batch published", "count", len(msgs), "latency", time.Since(start))
	return nil
}

// Ping dials the first reachable broker and checks that the topic has
// partitions. It serves as a health check.
func (p *Producer) Ping(ctx context.Context) error {
	var errs []error
	for _, broker := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		partitions, err := conn.ReadPartitions(p.topic)
		conn.Close()
		if err != nil {
			return fmt.Errorf("reading partitions of %s: %w", p.topic, err)
		}
		if len(partitions) == 0 {
			return fmt.Errorf("topic %s has no partitions", p.topic)
		}
		return nil
	}
	return fmt.Errorf("no kafka broker reachable: %w", errors.Join(errs...))
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func encode(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev.Value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w %q: %w", ErrEncoding, ev.Key, err)
	}
	msg := kafka.Message{Key: []byte(ev.Key), Value: value}
	if ev.Type != "" {
		msg.Headers = []kafka.Header{{Key: TypeHeader, Value: []byte(ev.Type)}}
	}
	return msg, nil
}
