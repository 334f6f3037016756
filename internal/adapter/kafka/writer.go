package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/uroplatus666/geosensors-app/internal/config"
	"github.com/uroplatus666/geosensors-app/internal/domain"
)

// Writer publishes recomputed hourly aggregates to a Kafka topic.
// It implements pipeline.Notifier.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured aggregate topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// Publish sends one message per aggregate in a single WriteMessages call.
// Messages are keyed by datastream so one datastream's buckets stay ordered
// within a partition.
func (w *Writer) Publish(ctx context.Context, aggs []domain.HourlyAggregate) error {
	if len(aggs) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(aggs))
	for i := range aggs {
		msg, err := serializeToMessage(aggs[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d aggregates: %w", len(aggs), err)
	}
	w.logger.Debug("aggregates published", "topic", w.writer.Topic, "count", len(aggs))
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an HourlyAggregate into a Kafka message.
func serializeToMessage(agg domain.HourlyAggregate) (kafkago.Message, error) {
	data, err := json.Marshal(agg)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize hourly aggregate: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(agg.DatastreamID, 10)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte("hourly_aggregate")},
			{Key: "hour_bucket", Value: []byte(agg.Hour.UTC().Format(time.RFC3339))},
		},
	}, nil
}
