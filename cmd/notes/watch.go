package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/Adithya-Monish-Kumar-K/notesearch/internal/events"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/logger"
)

// watch prints every note event on the configured topic as one JSON line.
// Stdout carries only events; logs go to stderr.
func watch(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	slog.SetDefault(logger.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
	if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
		return errors.New("watch needs kafka brokers and a topic")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := kafka.NewConsumer(cfg.Kafka, cmd.Bool("from-start"), printEvents(os.Stdout))
	return consumer.Run(ctx)
}

// printEvents writes each decoded event to w as one JSON line.
func printEvents(w io.Writer) kafka.Handler {
	enc := json.NewEncoder(w)
	return func(_ context.Context, msg kafka.Message) error {
		ev, err := events.Decode(msg.Value)
		if err != nil {
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
		return nil
	}
}
