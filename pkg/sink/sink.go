package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// Sink stores and queries telemetry samples
type Sink interface {
	Write(ctx context.Context, samples ...types.TelemetrySample) error
	QueryLast(ctx context.Context, measurement string, tags map[string]string) (*Row, error)
	QueryRange(ctx context.Context, measurement string, tags map[string]string, start, end time.Time) ([]Row, error)
	Ping(ctx context.Context) error
	Close()
}

// Row is one pivoted query row: a timestamp with its fields and tags
type Row struct {
	Time   time.Time              `json:"time"`
	Values map[string]interface{} `json:"values"`
}

// Columns Flux adds to every record that are not part of the sample
var internalColumns = map[string]bool{
	"result":       true,
	"table":        true,
	"_start":       true,
	"_stop":        true,
	"_time":        true,
	"_measurement": true,
}

const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultRequestTimeout  = 10 * time.Second
)

// Option configures an InfluxSink
type Option func(*InfluxSink)

// WithRetry sets the write retry bound and the first backoff interval
func WithRetry(maxRetries uint64, initial time.Duration) Option {
	return func(s *InfluxSink) {
		s.maxRetries = maxRetries
		s.initialInterval = initial
	}
}

// InfluxSink writes samples to InfluxDB 2.x through the blocking write API
type InfluxSink struct {
	cfg             types.SinkConfig
	client          influxdb2.Client
	maxRetries      uint64
	initialInterval time.Duration
	logger          zerolog.Logger
}

// NewInfluxSink creates a sink for the given endpoint. No connection is made
// until the first call.
func NewInfluxSink(cfg types.SinkConfig, opts ...Option) (*InfluxSink, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, types.ConfigError("sink url is required", nil)
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, types.ConfigError("sink org and bucket are required", nil)
	}

	options := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(DefaultRequestTimeout / time.Second))

	s := &InfluxSink{
		cfg:             cfg,
		client:          influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, options),
		maxRetries:      DefaultMaxRetries,
		initialInterval: DefaultInitialInterval,
		logger: log.WithComponent("sink").With().
			Str("url", cfg.URL).
			Str("bucket", cfg.Bucket).
			Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Write stores samples. Transient failures are retried with exponential
// backoff up to the retry bound; client errors are not retried.
func (s *InfluxSink) Write(ctx context.Context, samples ...types.TelemetrySample) error {
	if len(samples) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(samples))
	for _, sample := range samples {
		points = append(points, influxdb2.NewPoint(sample.Measurement, sample.Tags, sample.Fields, sample.Timestamp))
	}

	writer := s.client.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, s.maxRetries), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := writer.WritePoint(ctx, points...)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Sink write failed, retrying")
		return err
	}, policy)
	if err != nil {
		return types.TransportError(fmt.Sprintf("write %d points", len(points)), err)
	}

	s.logger.Debug().Int("points", len(points)).Msg("Samples written")
	return nil
}

// retryable reports whether a write error may succeed on a later attempt
func retryable(err error) bool {
	var herr *influxhttp.Error
	if errors.As(err, &herr) {
		if herr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		return herr.StatusCode == 0 || herr.StatusCode >= 500
	}
	return true
}

// QueryLast returns the latest row of measurement matching tags, or a
// not_found error when nothing was written inside LastLookback
func (s *InfluxSink) QueryLast(ctx context.Context, measurement string, tags map[string]string) (*Row, error) {
	rows, err := s.query(ctx, BuildLastQuery(s.cfg.Bucket, measurement, tags, LastLookback))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, types.NotFoundError(fmt.Sprintf("no %s data", measurement))
	}

	// last() runs per series; the newest series wins
	latest := rows[0]
	for _, r := range rows[1:] {
		if r.Time.After(latest.Time) {
			latest = r
		}
	}
	return &latest, nil
}

// QueryRange returns every row of measurement matching tags in [start, end)
func (s *InfluxSink) QueryRange(ctx context.Context, measurement string, tags map[string]string, start, end time.Time) ([]Row, error) {
	if !end.After(start) {
		return nil, types.ConfigError("range end must be after start", nil)
	}

	rows, err := s.query(ctx, BuildRangeQuery(s.cfg.Bucket, measurement, tags, start, end))
	if err != nil {
		return nil, err
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Time.Before(rows[j].Time) })
	return rows, nil
}

func (s *InfluxSink) query(ctx context.Context, flux string) ([]Row, error) {
	result, err := s.client.QueryAPI(s.cfg.Org).Query(ctx, flux)
	if err != nil {
		return nil, types.TransportError("query", err)
	}
	defer result.Close()

	var rows []Row
	for result.Next() {
		record := result.Record()

		row := Row{Time: record.Time(), Values: make(map[string]interface{})}
		for k, v := range record.Values() {
			if internalColumns[k] {
				continue
			}
			row.Values[k] = v
		}
		rows = append(rows, row)
	}
	if result.Err() != nil {
		return nil, types.MalformedError("query result", result.Err())
	}

	return rows, nil
}

// Ping checks that the endpoint answers
func (s *InfluxSink) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return types.TransportError("ping", err)
	}
	if !ok {
		return types.TransportError("ping: endpoint not ready", nil)
	}
	return nil
}

// Close releases the underlying client
func (s *InfluxSink) Close() {
	s.client.Close()
}
