// Package cycle models one automated chamber measurement cycle: it fetches the
// cycle's gas concentrations once, scores the closed-chamber window by
// correlation, and searches for the lag between the nominal open instant and
// the concentration peak seen by the analyzer.
//
// Soft failures (no data, empty windows, weak correlation) never surface as
// errors; they mark the cycle invalid and record a Reason.
package cycle

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"chamber_monitor/internal/metrics"
	"chamber_monitor/internal/model"
)

// Source returns a time-indexed table for a query. A nil table or an error
// means the source has nothing for the interval.
type Source interface {
	Query(ctx context.Context, q model.Query) (*model.Table, error)
}

// Reason explains an automatic invalid verdict.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonSourceUnavailable Reason = "source_unavailable"
	ReasonNoData            Reason = "no_data"
	ReasonEmptyWindow       Reason = "empty_window"
	ReasonLowCorrelation    Reason = "low_correlation"
	ReasonDiagnostics       Reason = "diagnostics"
)

// Cycle is one measurement cycle of one chamber.
//
// Close, Open and LagSearchEnd are derived from the offsets and the lag on
// every call, as is CalcData from Data.
type Cycle struct {
	ChamberID string

	start time.Time
	end   time.Time

	closeOffset         time.Duration
	openOffset          time.Duration
	originalCloseOffset time.Duration
	originalOpenOffset  time.Duration

	lag       time.Duration
	gotLag    bool
	lagStatus LagStatus

	params      Params
	measurement string
	tag         *model.TagFilter
	loc         *time.Location

	data       *model.Table
	fetched    bool
	loadReason Reason

	correlation map[model.Field]float64
	scans       map[model.Field]Scan

	isValid             bool
	reason              Reason
	judged              bool
	manualValid         *bool
	hasDiagnosticErrors bool
	noDataInSource      bool
}

// Option configures a Cycle.
type Option func(*Cycle)

// WithParams overrides the scoring and lag search parameters.
func WithParams(p Params) Option {
	return func(c *Cycle) { c.params = p }
}

// WithMeasurement sets the source measurement name.
func WithMeasurement(name string) Option {
	return func(c *Cycle) { c.measurement = name }
}

// WithTagFilter restricts source queries to rows with matching tag values.
func WithTagFilter(tag string, values ...string) Option {
	return func(c *Cycle) { c.tag = &model.TagFilter{Tag: tag, Values: values} }
}

// WithLocation sets the display zone.
func WithLocation(loc *time.Location) Option {
	return func(c *Cycle) { c.loc = loc }
}

// New builds a cycle from its four nominal instants. The caller guarantees
// start <= close <= open <= end.
func New(chamberID string, start, close, open, end time.Time, opts ...Option) *Cycle {
	c := &Cycle{
		ChamberID:           chamberID,
		start:               start.UTC(),
		end:                 end.UTC(),
		closeOffset:         close.Sub(start),
		openOffset:          open.Sub(start),
		originalCloseOffset: close.Sub(start),
		originalOpenOffset:  open.Sub(start),
		params:              DefaultParams(),
		measurement:         DefaultMeasurement,
		loc:                 time.UTC,
		isValid:             true,
	}
	if loc, err := time.LoadLocation(DisplayZone); err == nil {
		c.loc = loc
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key identifies the cycle by chamber and start instant.
func (c *Cycle) Key() string {
	return fmt.Sprintf("%s@%d", c.ChamberID, c.start.Unix())
}

func (c *Cycle) Start() time.Time { return c.start }
func (c *Cycle) End() time.Time   { return c.end }

// Close is start + close offset + lag.
func (c *Cycle) Close() time.Time {
	return c.start.Add(c.closeOffset + c.lag)
}

// Open is start + open offset.
func (c *Cycle) Open() time.Time {
	return c.start.Add(c.openOffset)
}

// LagSearchEnd is the exclusive right edge of the lag search window.
func (c *Cycle) LagSearchEnd() time.Time {
	return c.Open().Add(c.params.LagSearchWindow)
}

// OriginalClose and OriginalOpen are the nominal instants from the schedule.
func (c *Cycle) OriginalClose() time.Time { return c.start.Add(c.originalCloseOffset) }
func (c *Cycle) OriginalOpen() time.Time  { return c.start.Add(c.originalOpenOffset) }

func (c *Cycle) CloseOffset() time.Duration         { return c.closeOffset }
func (c *Cycle) OpenOffset() time.Duration          { return c.openOffset }
func (c *Cycle) OriginalCloseOffset() time.Duration { return c.originalCloseOffset }
func (c *Cycle) OriginalOpenOffset() time.Duration  { return c.originalOpenOffset }

// Local converts t to the display zone.
func (c *Cycle) Local(t time.Time) time.Time {
	return t.In(c.loc)
}

func (c *Cycle) Params() Params { return c.params }

// Lag is the offset of the detected peak from the original open instant.
func (c *Cycle) Lag() time.Duration { return c.lag }

// LagSeconds is Lag in seconds; it may be negative.
func (c *Cycle) LagSeconds() float64 { return c.lag.Seconds() }

// HasLag reports whether FindLag has produced a result since the last ClearLag.
func (c *Cycle) HasLag() bool { return c.gotLag }

func (c *Cycle) LagStatus() LagStatus { return c.lagStatus }

// Data returns the fetched table, or nil before a successful LoadData.
func (c *Cycle) Data() *model.Table { return c.data }

// Fetched reports whether LoadData has queried the source.
func (c *Cycle) Fetched() bool { return c.fetched }

// CalcData is the scoring window [Close, Open) of Data: the close sample is
// included and the open sample is not.
func (c *Cycle) CalcData() *model.Table {
	if c.data == nil {
		return nil
	}
	return c.data.Slice(c.Close(), c.Open())
}

// Correlation returns r between elapsed time and the gas over CalcData.
func (c *Cycle) Correlation(gas model.Field) (float64, bool) {
	r, ok := c.correlation[gas]
	if !ok || math.IsNaN(r) {
		return math.NaN(), false
	}
	return r, true
}

// Scan returns the sliding-window correlation result for the gas.
func (c *Cycle) Scan(gas model.Field) Scan {
	return c.scans[gas]
}

// IsValid is the automatic verdict.
func (c *Cycle) IsValid() bool { return c.isValid }

// Reason explains an invalid automatic verdict.
func (c *Cycle) Reason() Reason { return c.reason }

// ManualValid returns the operator verdict and whether one is set.
func (c *Cycle) ManualValid() (valid bool, set bool) {
	if c.manualValid == nil {
		return false, false
	}
	return *c.manualValid, true
}

// Valid is the operator verdict when set, otherwise the automatic one.
func (c *Cycle) Valid() bool {
	if c.manualValid != nil {
		return *c.manualValid
	}
	return c.isValid
}

func (c *Cycle) HasDiagnosticErrors() bool { return c.hasDiagnosticErrors }
func (c *Cycle) NoDataInSource() bool      { return c.noDataInSource }

// LoadData fetches the cycle's gases and diagnostic flag over [start, end] and
// analyzes them. The source is queried at most once until Invalidate.
func (c *Cycle) LoadData(ctx context.Context, src Source) {
	if c.fetched {
		return
	}
	c.fetched = true

	fields := append(append([]model.Field{}, model.Gases...), model.FieldDiag)
	q := model.Query{
		Measurement: c.measurement,
		Fields:      fields,
		Start:       c.start,
		End:         c.end,
		Tag:         c.tag,
	}

	tbl, err := src.Query(ctx, q)
	switch {
	case err != nil:
		metrics.SourceQueries.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("chamber", c.ChamberID).Time("start", c.start).Msg("source query failed")
		c.markNoData(ReasonSourceUnavailable)
		return
	case tbl == nil:
		metrics.SourceQueries.WithLabelValues("none").Inc()
		c.markNoData(ReasonSourceUnavailable)
		return
	case tbl.Empty():
		metrics.SourceQueries.WithLabelValues("empty").Inc()
		log.Debug().Str("chamber", c.ChamberID).Time("start", c.start).Msg("no rows for cycle")
		c.markNoData(ReasonNoData)
		return
	}

	metrics.SourceQueries.WithLabelValues("ok").Inc()
	c.data = tbl
	c.Analyze()
}

func (c *Cycle) markNoData(reason Reason) {
	c.data = nil
	c.noDataInSource = true
	c.loadReason = reason
	c.setVerdict(false, reason)
}

// Invalidate drops the fetched data so the next LoadData queries again.
// Offsets, lag and the operator verdict are kept.
func (c *Cycle) Invalidate() {
	c.data = nil
	c.fetched = false
	c.loadReason = ReasonNone
	c.noDataInSource = false
	c.hasDiagnosticErrors = false
	c.correlation = nil
	c.scans = nil
	c.isValid = true
	c.reason = ReasonNone
	c.judged = false
}

// Analyze scores CalcData and recomputes the automatic verdict. It runs after
// every change to the data, the offsets or the lag.
func (c *Cycle) Analyze() {
	if !c.fetched {
		return
	}
	c.correlation = make(map[model.Field]float64, len(model.Gases))
	c.scans = make(map[model.Field]Scan, len(model.Gases))
	c.hasDiagnosticErrors = false

	if c.data.Empty() {
		reason := c.loadReason
		if reason == ReasonNone {
			reason = ReasonNoData
		}
		c.setVerdict(false, reason)
		return
	}

	calc := c.CalcData()
	if calc.HasColumn(model.FieldDiag) && calc.Sum(model.FieldDiag) != 0 {
		c.hasDiagnosticErrors = true
	}
	for _, gas := range model.Gases {
		c.correlation[gas] = windowCorrelation(calc, gas)
		c.scans[gas] = ScanCorrelation(c.data, gas, c.start, c.end, c.params.ScanWidth, c.params.ScanStep)
	}

	if calc.Empty() {
		c.setVerdict(false, ReasonEmptyWindow)
		return
	}
	if c.hasDiagnosticErrors && c.params.InvalidateOnDiagnostics {
		c.setVerdict(false, ReasonDiagnostics)
		return
	}
	r, ok := c.Correlation(c.params.ValidityGas)
	if !ok {
		c.setVerdict(false, ReasonLowCorrelation)
		return
	}
	if c.params.AbsoluteCorrelation {
		r = math.Abs(r)
	}
	if r < c.params.MinCorrelation {
		c.setVerdict(false, ReasonLowCorrelation)
		return
	}
	c.setVerdict(true, ReasonNone)
}

// setVerdict stores the automatic verdict and counts it when it differs from
// the previous one on the same data.
func (c *Cycle) setVerdict(valid bool, reason Reason) {
	changed := !c.judged || c.isValid != valid || c.reason != reason
	c.isValid = valid
	c.reason = reason
	c.judged = true
	if !changed {
		return
	}
	label := string(reason)
	if valid {
		label = "valid"
	}
	metrics.Validity.WithLabelValues(label).Inc()
}

// FindLag searches for the CH4 peak after the open instant and stores its
// offset from the original open instant as the lag. Once a lag is found,
// further calls return true without searching until ClearLag.
func (c *Cycle) FindLag() bool {
	if c.gotLag {
		metrics.LagSearches.WithLabelValues("cached").Inc()
		return true
	}
	if c.data.Empty() {
		metrics.LagSearches.WithLabelValues("no_data").Inc()
		reason := c.loadReason
		if reason == ReasonNone {
			reason = ReasonNoData
		}
		c.setVerdict(false, reason)
		return false
	}

	ts, status, ok := c.params.searchLag(c.data, c.Open())
	if !ok {
		metrics.LagSearches.WithLabelValues("empty_window").Inc()
		log.Debug().Str("chamber", c.ChamberID).Time("open", c.Open()).Msg("lag search window is empty")
		c.setVerdict(false, ReasonEmptyWindow)
		return false
	}

	c.lag = ts.Sub(c.OriginalOpen())
	c.gotLag = true
	c.lagStatus = status

	outcome := "found"
	switch {
	case status.Saturated:
		outcome = "saturated"
	case status.LeftEdgeExhausted:
		outcome = "left_edge_exhausted"
	}
	metrics.LagSearches.WithLabelValues(outcome).Inc()
	log.Debug().
		Str("chamber", c.ChamberID).
		Time("start", c.start).
		Float64("lag_s", c.LagSeconds()).
		Str("outcome", outcome).
		Msg("lag found")

	c.Analyze()
	return true
}

// ClearLag undoes FindLag and any offset edits: lag returns to zero and both
// offsets to their nominal values.
func (c *Cycle) ClearLag() {
	c.lag = 0
	c.gotLag = false
	c.lagStatus = LagStatus{}
	c.closeOffset = c.originalCloseOffset
	c.openOffset = c.originalOpenOffset
	c.Analyze()
}

// SetManualValidity records the operator verdict. The automatic verdict is
// left untouched.
func (c *Cycle) SetManualValidity(valid bool) {
	c.manualValid = &valid
}

// ClearManualValidity removes the operator verdict.
func (c *Cycle) ClearManualValidity() {
	c.manualValid = nil
}

// SetCloseOffset moves the nominal close instant relative to start.
func (c *Cycle) SetCloseOffset(d time.Duration) {
	c.closeOffset = d
	c.Analyze()
}

// SetOpenOffset moves the open instant relative to start.
func (c *Cycle) SetOpenOffset(d time.Duration) {
	c.openOffset = d
	c.Analyze()
}
