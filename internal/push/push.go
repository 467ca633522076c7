// Package push writes found lag times to a time-series sink.
package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"chamber_monitor/internal/cycle"
	"chamber_monitor/internal/metrics"
	"chamber_monitor/internal/model"
)

const (
	// DefaultMeasurement is where lag rows are written.
	DefaultMeasurement = "lags"
	// ChamberTag is the tag column carrying the chamber id.
	ChamberTag = "chamber_id"
	// LagField holds the lag in seconds.
	LagField = "lagtime_seconds"
)

// ErrNoLag is returned for a cycle whose lag search has not succeeded.
var ErrNoLag = errors.New("no lag found for cycle")

// Sink opens write sessions against a time-series store.
type Sink interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one open connection to a sink. Close releases it.
type Session interface {
	Write(ctx context.Context, measurement string, records []model.Record) error
	Close() error
}

// Record builds the row persisted for a cycle: close time, chamber tag and lag.
func Record(c *cycle.Cycle) model.Record {
	return model.Record{
		Time:   c.Close(),
		Tags:   map[string]string{ChamberTag: c.ChamberID},
		Fields: map[string]float64{LagField: c.LagSeconds()},
	}
}

// Failure is a cycle that could not be pushed.
type Failure struct {
	Key     string
	Chamber string
	Start   time.Time
	Err     error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Key, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Report summarizes a batch push.
type Report struct {
	Pushed   int
	Skipped  int
	Failures []Failure
	// Written holds the cycles whose lag reached the sink, in batch order.
	Written []*cycle.Cycle
}

// Pusher writes lag rows to a sink measurement.
type Pusher struct {
	Sink        Sink
	Measurement string
}

// New returns a Pusher writing to DefaultMeasurement.
func New(sink Sink) *Pusher {
	return &Pusher{Sink: sink, Measurement: DefaultMeasurement}
}

func (p *Pusher) measurement() string {
	if p.Measurement == "" {
		return DefaultMeasurement
	}
	return p.Measurement
}

// PushOne writes one cycle's lag in its own session.
func (p *Pusher) PushOne(ctx context.Context, c *cycle.Cycle) error {
	if !c.HasLag() {
		return ErrNoLag
	}
	sess, err := p.Sink.Open(ctx)
	if err != nil {
		metrics.SinkWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("opening sink session: %w", err)
	}
	defer closeSession(sess)
	return p.write(ctx, sess, c)
}

// PushAll loads every cycle, finds its lag and writes it, sequentially over
// one sink session. A failed cycle is recorded in the report and the batch
// continues. The returned error is set only when the session cannot be opened.
func (p *Pusher) PushAll(ctx context.Context, src cycle.Source, cycles []*cycle.Cycle) (Report, error) {
	var rep Report
	sess, err := p.Sink.Open(ctx)
	if err != nil {
		metrics.SinkWrites.WithLabelValues("error").Inc()
		return rep, fmt.Errorf("opening sink session: %w", err)
	}
	defer closeSession(sess)

	for _, c := range cycles {
		if err := ctx.Err(); err != nil {
			rep.Failures = append(rep.Failures, failure(c, err))
			continue
		}
		c.LoadData(ctx, src)
		if !c.FindLag() {
			rep.Skipped++
			rep.Failures = append(rep.Failures, failure(c, ErrNoLag))
			continue
		}
		if err := p.write(ctx, sess, c); err != nil {
			rep.Failures = append(rep.Failures, failure(c, err))
			continue
		}
		rep.Pushed++
		rep.Written = append(rep.Written, c)
	}

	log.Info().
		Int("pushed", rep.Pushed).
		Int("skipped", rep.Skipped).
		Int("failed", len(rep.Failures)).
		Msg("push batch finished")
	return rep, nil
}

// PushOne writes one cycle's lag to DefaultMeasurement of sink.
func PushOne(ctx context.Context, sink Sink, c *cycle.Cycle) error {
	return New(sink).PushOne(ctx, c)
}

// PushAll runs a batch push to DefaultMeasurement of sink.
func PushAll(ctx context.Context, src cycle.Source, sink Sink, cycles []*cycle.Cycle) (Report, error) {
	return New(sink).PushAll(ctx, src, cycles)
}

func (p *Pusher) write(ctx context.Context, sess Session, c *cycle.Cycle) error {
	if err := sess.Write(ctx, p.measurement(), []model.Record{Record(c)}); err != nil {
		metrics.SinkWrites.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("chamber", c.ChamberID).Time("start", c.Start()).Msg("sink write failed")
		return fmt.Errorf("writing lag: %w", err)
	}
	metrics.SinkWrites.WithLabelValues("ok").Inc()
	return nil
}

func failure(c *cycle.Cycle, err error) Failure {
	return Failure{Key: c.Key(), Chamber: c.ChamberID, Start: c.Start(), Err: err}
}

func closeSession(s Session) {
	if err := s.Close(); err != nil {
		log.Warn().Err(err).Msg("closing sink session")
	}
}
