package influx

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"chamber_monitor/internal/model"
	"chamber_monitor/internal/push"
)

// Config holds the connection settings of one bucket.
type Config struct {
	URL     string
	Token   string
	Org     string
	Bucket  string
	Timeout time.Duration
}

func (c Config) validate() error {
	switch {
	case c.URL == "":
		return errors.New("influx url is required")
	case c.Org == "":
		return errors.New("influx org is required")
	case c.Bucket == "":
		return errors.New("influx bucket is required")
	}
	return nil
}

func (c Config) newClient() influxdb2.Client {
	opts := influxdb2.DefaultOptions()
	if c.Timeout > 0 {
		opts.SetHTTPRequestTimeout(uint(math.Ceil(c.Timeout.Seconds())))
	}
	return influxdb2.NewClientWithOptions(c.URL, c.Token, opts)
}

// Source reads gas readings from a bucket. It implements cycle.Source.
type Source struct {
	cfg    Config
	client influxdb2.Client
	query  api.QueryAPI
}

// NewSource connects lazily; no request is made until the first query.
func NewSource(cfg Config) (*Source, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := cfg.newClient()
	return &Source{cfg: cfg, client: client, query: client.QueryAPI(cfg.Org)}, nil
}

// Close releases the client.
func (s *Source) Close() {
	s.client.Close()
}

// Query runs q and returns one row per timestamp. Values that are not
// numeric, or fields absent from a row, become NaN.
func (s *Source) Query(ctx context.Context, q model.Query) (*model.Table, error) {
	flux := BuildQuery(s.cfg.Bucket, q)
	log.Debug().Str("query", flux).Msg("influx query")

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", q.Measurement, err)
	}
	defer result.Close()

	var rows []model.Row
	for result.Next() {
		rec := result.Record()
		values := make(map[model.Field]float64, len(q.Fields))
		for _, f := range q.Fields {
			if v, ok := toFloat(rec.ValueByKey(string(f))); ok {
				values[f] = v
			}
		}
		rows = append(rows, model.Row{Time: rec.Time(), Values: values})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("reading %s result: %w", q.Measurement, err)
	}
	return model.NewTable(rows, q.Fields...), nil
}

// Bounds returns the oldest and newest timestamps stored for the fields of a
// measurement.
func (s *Source) Bounds(ctx context.Context, measurement string, fields []model.Field) (model.TimeRange, bool, error) {
	first, ok, err := s.boundTime(ctx, boundQuery(s.cfg.Bucket, measurement, fields, "first"))
	if err != nil || !ok {
		return model.TimeRange{}, false, err
	}
	last, ok, err := s.boundTime(ctx, boundQuery(s.cfg.Bucket, measurement, fields, "last"))
	if err != nil || !ok {
		return model.TimeRange{}, false, err
	}
	return model.TimeRange{Start: first, End: last}, true, nil
}

func (s *Source) boundTime(ctx context.Context, flux string) (time.Time, bool, error) {
	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying bounds: %w", err)
	}
	defer result.Close()

	var ts time.Time
	found := false
	for result.Next() {
		if !found {
			ts = result.Record().Time().UTC()
			found = true
		}
	}
	if err := result.Err(); err != nil {
		return time.Time{}, false, fmt.Errorf("reading bounds: %w", err)
	}
	return ts, found, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Sink writes lag rows to a bucket. Each session owns its own client, which
// is released on Close.
type Sink struct {
	cfg Config
}

func NewSink(cfg Config) (*Sink, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Sink{cfg: cfg}, nil
}

// Open implements push.Sink.
func (s *Sink) Open(ctx context.Context) (push.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client := s.cfg.newClient()
	return &session{client: client, write: client.WriteAPIBlocking(s.cfg.Org, s.cfg.Bucket)}, nil
}

type session struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

func (w *session) Write(ctx context.Context, measurement string, records []model.Record) error {
	points := make([]*write.Point, 0, len(records))
	for _, r := range records {
		fields := make(map[string]interface{}, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		points = append(points, influxdb2.NewPoint(measurement, r.Tags, fields, r.Time))
	}
	if err := w.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("writing %d points to %s: %w", len(points), measurement, err)
	}
	return nil
}

func (w *session) Close() error {
	w.client.Close()
	return nil
}
