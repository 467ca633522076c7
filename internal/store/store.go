// Package store is an in-memory time-series store. It serves as both the
// cycle data source and the lag sink when no external database is
// configured, and backs the tests of the layers above it.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chamber_monitor/internal/model"
	"chamber_monitor/internal/push"
)

// ErrClosed is returned by writes on a closed session.
var ErrClosed = errors.New("store session closed")

// Store holds records in memory, indexed by measurement.
type Store struct {
	mu      sync.RWMutex
	records map[string][]model.Record // keyed by measurement, sorted by time
}

func New() *Store {
	return &Store{records: make(map[string][]model.Record)}
}

// AddRecords appends records to a measurement, then sorts it by time.
func (s *Store) AddRecords(measurement string, records []model.Record) {
	if len(records) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		r.Time = r.Time.UTC()
		s.records[measurement] = append(s.records[measurement], r)
	}
	all := s.records[measurement]
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Time.Before(all[j].Time)
	})
}

// Measurements returns the measurement names, sorted.
func (s *Store) Measurements() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.records))
	for name := range s.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of records in a measurement.
func (s *Store) Count(measurement string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[measurement])
}

// TimeRange returns the oldest and newest record times of a measurement.
func (s *Store) TimeRange(measurement string) (model.TimeRange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[measurement]
	if len(all) == 0 {
		return model.TimeRange{}, false
	}
	return model.TimeRange{Start: all[0].Time, End: all[len(all)-1].Time}, true
}

// RecordsInRange returns a measurement's records between start and end,
// both inclusive.
func (s *Store) RecordsInRange(measurement string, start, end time.Time) []model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.records[measurement]
	if len(all) == 0 {
		return nil
	}

	startIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].Time.Before(start)
	})
	endIdx := sort.Search(len(all), func(i int) bool {
		return all[i].Time.After(end)
	})
	if startIdx >= endIdx {
		return nil
	}

	result := make([]model.Record, endIdx-startIdx)
	copy(result, all[startIdx:endIdx])
	return result
}

// Query implements cycle.Source. Records failing the tag filter are dropped;
// requested fields a record lacks become NaN.
func (s *Store) Query(ctx context.Context, q model.Query) (*model.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := s.RecordsInRange(q.Measurement, q.Start, q.End)
	rows := make([]model.Row, 0, len(records))
	for _, r := range records {
		if !q.Tag.Match(r.Tags) {
			continue
		}
		values := make(map[model.Field]float64, len(q.Fields))
		for _, f := range q.Fields {
			if v, ok := r.Fields[string(f)]; ok {
				values[f] = v
			}
		}
		rows = append(rows, model.Row{Time: r.Time, Values: values})
	}
	return model.NewTable(rows, q.Fields...), nil
}

// Open implements push.Sink.
func (s *Store) Open(ctx context.Context) (push.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &session{store: s}, nil
}

type session struct {
	store  *Store
	mu     sync.Mutex
	closed bool
}

func (w *session) Write(ctx context.Context, measurement string, records []model.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.store.AddRecords(measurement, records)
	return nil
}

func (w *session) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
