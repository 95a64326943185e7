package export

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/couchcryptid/flight-weather-etl/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func records() []domain.CorrelationRecord {
	at := time.Date(2025, 6, 1, 10, 10, 0, 0, time.UTC)
	return []domain.CorrelationRecord{
		{ObjectID: "4ca123", Callsign: "BAW1", ReportTime: at, Cell: "86195da4fffffff",
			WeatherTime: at.Add(-10 * time.Minute), Observation: domain.Payload(`{"weather":[{"main":"Rain"}]}`), SummaryLabel: "Rain"},
		{ObjectID: "4ca999", ReportTime: at.Add(time.Hour), Cell: "86195da4fffffff",
			WeatherTime: at.Add(time.Hour), Observation: domain.Payload(`{}`)},
	}
}

func TestPartitionPrefix(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	assert.Equal(t, "dt=2025-06-01/hour=08", PartitionPrefix(time.Date(2025, 6, 1, 10, 0, 0, 0, loc)))
	assert.Equal(t, "dt=2025-05-31/hour=23", PartitionPrefix(time.Date(2025, 5, 31, 23, 59, 0, 0, time.UTC)))
}

func TestSink_DirTarget(t *testing.T) {
	root := t.TempDir()
	sink := NewSink(NewDirTarget(root), "run1", discard())

	require.NoError(t, sink.WriteCorrelations(context.Background(), records()))

	first := filepath.Join(root, "dt=2025-06-01", "hour=10", "flight_weather_hits-run1-001.parquet")
	second := filepath.Join(root, "dt=2025-06-01", "hour=11", "flight_weather_hits-run1-001.parquet")
	require.FileExists(t, first)
	require.FileExists(t, second)
	_, err := os.Stat(first + ".tmp")
	assert.True(t, os.IsNotExist(err))

	rows, err := parquet.ReadFile[Row](first)
	require.NoError(t, err)
	cs, label := "BAW1", "Rain"
	want := []Row{{
		ICAO24:         "4ca123",
		Callsign:       &cs,
		TsState:        time.Date(2025, 6, 1, 10, 10, 0, 0, time.UTC).UnixMilli(),
		H3Res6:         "86195da4fffffff",
		WeatherAt:      time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC).UnixMilli(),
		GapSeconds:     600,
		WeatherSummary: &label,
		Weather:        `{"weather":[{"main":"Rain"}]}`,
	}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}

	rows, err = parquet.ReadFile[Row](second)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Callsign)
}

type failingTarget struct{}

func (failingTarget) Put(context.Context, string, []byte) error { return errors.New("disk full") }

func TestSink_TargetError(t *testing.T) {
	sink := NewSink(failingTarget{}, "run1", discard())
	err := sink.WriteCorrelations(context.Background(), records())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	assert.NoError(t, sink.WriteCorrelations(context.Background(), nil))
	assert.Equal(t, SinkName, sink.Name())
}

// recordingTransport answers every S3 call with 200 and remembers the requests.
type recordingTransport struct {
	mu   sync.Mutex
	reqs []*http.Request
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.reqs = append(rt.reqs, req)
	rt.mu.Unlock()
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(http.NoBody),
		Header:     http.Header{"ETag": {`"etag"`}},
		Request:    req,
	}, nil
}

func TestSink_S3Target(t *testing.T) {
	rt := &recordingTransport{}
	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	target := newS3Target(awsCfg, S3Config{Bucket: "exports", Endpoint: "https://mock.s3.local", PathStyle: true},
		func(o *s3.Options) { o.HTTPClient = &http.Client{Transport: rt} })

	sink := NewSink(target, "run7", discard())
	require.NoError(t, sink.WriteCorrelations(context.Background(), records()[:1]))

	require.Len(t, rt.reqs, 1)
	assert.Equal(t, http.MethodPut, rt.reqs[0].Method)
	assert.Equal(t, "/exports/dt=2025-06-01/hour=10/flight_weather_hits-run7-001.parquet", rt.reqs[0].URL.Path)
}

func TestNewS3Target_RequiresBucket(t *testing.T) {
	_, err := NewS3Target(context.Background(), S3Config{})
	assert.Error(t, err)
}
