package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"spamguard/internal/config"
	"spamguard/internal/model"
	"spamguard/internal/normalize"
)

const sourceKafka = "kafka"

// StartKafka consumes JSON visitor events from the configured topic.
func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.VisitorEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		backoff := 200 * time.Millisecond
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, backoff) {
					return
				}
				if backoff < 5*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = 200 * time.Millisecond
			ev, err := decodeMessage(m.Value)
			if err != nil {
				if logger != nil {
					logger.Warn("kafka decode error", "err", err, "offset", m.Offset)
				}
				continue
			}
			SendNonBlocking(ctx, out, ev, logger)
		}
	}()
}

func decodeMessage(value []byte) (model.VisitorEvent, error) {
	fields, err := ParseJSONBytes(value)
	if err != nil {
		return model.VisitorEvent{}, err
	}
	fields.Source = sourceKafka
	return normalize.Normalize(*fields, time.UTC)
}
