package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sampleRecord() domain.CorrelationRecord {
	at := time.Date(2025, 6, 1, 10, 10, 0, 0, time.UTC)
	return domain.CorrelationRecord{
		ObjectID:     "4ca123",
		Callsign:     "BAW1",
		ReportTime:   at,
		Cell:         "86195da4fffffff",
		WeatherTime:  at.Add(-10 * time.Minute),
		Observation:  domain.Payload(`{"weather":[{"main":"Rain"}]}`),
		SummaryLabel: "Rain",
	}
}

func TestSerializeToMessage(t *testing.T) {
	rec := sampleRecord()

	msg, err := serializeToMessage(rec)
	require.NoError(t, err)

	assert.Equal(t, []byte("4ca123|2025-06-01T10:10:00Z|86195da4fffffff"), msg.Key)
	assert.Contains(t, string(msg.Value), `"icao24":"4ca123"`)
	assert.Contains(t, string(msg.Value), `"weather":{"weather":[{"main":"Rain"}]}`)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "h3_res6", msg.Headers[0].Key)
	assert.Equal(t, "weather_at", msg.Headers[1].Key)
	assert.Equal(t, []byte("2025-06-01T10:00:00Z"), msg.Headers[1].Value)
	assert.Equal(t, []byte("Rain"), msg.Headers[2].Value)
}

func TestSerializeToMessage_NoSummary(t *testing.T) {
	rec := sampleRecord()
	rec.SummaryLabel = ""

	msg, err := serializeToMessage(rec)
	require.NoError(t, err)
	assert.Len(t, msg.Headers, 2)
}

func TestPublisher_WriteCorrelations(t *testing.T) {
	fw := &fakeWriter{}
	p := &Publisher{writer: fw, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	require.NoError(t, p.WriteCorrelations(context.Background(), nil))
	assert.Empty(t, fw.msgs)

	second := sampleRecord()
	second.ObjectID = "4ca999"
	require.NoError(t, p.WriteCorrelations(context.Background(), []domain.CorrelationRecord{sampleRecord(), second}))
	assert.Len(t, fw.msgs, 2)

	fw.err = errors.New("broker down")
	err := p.WriteCorrelations(context.Background(), []domain.CorrelationRecord{sampleRecord()})
	require.ErrorIs(t, err, fw.err)

	require.NoError(t, p.Close())
	assert.True(t, fw.closed)
	assert.Equal(t, SinkName, p.Name())
}
