package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// SinkName identifies the publisher in metrics and logs.
const SinkName = "kafka"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces correlation records to a Kafka topic.
// It implements pipeline.RecordSink.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewPublisher creates a producer for topic. Records for the same key land
// on the same partition.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Publisher{writer: w, logger: logger}
}

// Name implements pipeline.RecordSink.
func (p *Publisher) Name() string { return SinkName }

// WriteCorrelations serializes and publishes the records in a single
// WriteMessages call.
func (p *Publisher) WriteCorrelations(ctx context.Context, recs []domain.CorrelationRecord) error {
	if len(recs) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(recs))
	for i := range recs {
		msg, err := serializeToMessage(recs[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d correlation records: %w", len(msgs), err)
	}
	p.logger.Debug("published correlation records", "count", len(msgs))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals a CorrelationRecord into a Kafka message keyed
// by its natural identity.
func serializeToMessage(rec domain.CorrelationRecord) (kafkago.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize correlation record: %w", err)
	}
	headers := []kafkago.Header{
		{Key: "h3_res6", Value: []byte(rec.Cell)},
		{Key: "weather_at", Value: []byte(rec.WeatherTime.UTC().Format(time.RFC3339))},
	}
	if rec.SummaryLabel != "" {
		headers = append(headers, kafkago.Header{Key: "weather_summary", Value: []byte(rec.SummaryLabel)})
	}
	return kafkago.Message{
		Key:     []byte(rec.Key()),
		Value:   data,
		Headers: headers,
	}, nil
}
