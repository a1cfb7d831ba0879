// Package kafka wraps segmentio/kafka-go for the note event stream: a
// producer of keyed JSON events and a group consumer that commits an offset
// only after its handler accepted the message.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/config"
)

// Message is a received event.
type Message struct {
	Key       string
	Type      string
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time
}

// Handler processes one message. A returned error leaves the offset
// uncommitted; the message is logged and skipped.
type Handler func(ctx context.Context, msg Message) error

type Consumer struct {
	reader  *kafka.Reader
	handler Handler
	logger  *slog.Logger
}

// NewConsumer joins cfg.ConsumerGroup on cfg.Topic. fromStart replays the
// topic from its first retained offset when the group has no committed
// offset yet; otherwise only new events are read.
func NewConsumer(cfg config.KafkaConfig, fromStart bool, handler Handler) *Consumer {
	start := kafka.LastOffset
	if fromStart {
		start = kafka.FirstOffset
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    1,
			MaxBytes:    1 << 20,
			MaxWait:     500 * time.Millisecond,
			StartOffset: start,
		}),
		handler: handler,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", cfg.Topic),
	}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	c.logger.Info("consuming", "group", c.reader.Config().GroupID)
	for {
		raw, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("fetch failed", "error", err)
			continue
		}
		msg := toMessage(raw)
		if err := c.handler(ctx, msg); err != nil {
			c.logger.Warn("message skipped",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		if err := c.reader.CommitMessages(ctx, raw); err != nil && ctx.Err() == nil {
			c.logger.Error("commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

func toMessage(raw kafka.Message) Message {
	msg := Message{
		Key:       string(raw.Key),
		Value:     raw.Value,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Time:      raw.Time,
	}
	for _, h := range raw.Headers {
		if h.Key == TypeHeader {
			msg.Type = string(h.Value)
		}
	}
	return msg
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var out T
	if err := json.Unmarshal(value, &out); err != nil {
		return out, fmt.Errorf("decoding message: %w", err)
	}
	return out, nil
}
