package cycle

import (
	"time"

	"chamber_monitor/internal/model"
)

// Lag search and scoring defaults. Earlier dashboard revisions disagreed on
// several of these, so each one is a named, overridable parameter.
const (
	// LagSearchWindow is the width of [open, lag_search_end).
	LagSearchWindow = 120 * time.Second

	// LeftEdgeStep is how far the search window moves back when the CH4
	// maximum is the first sample of the window.
	LeftEdgeStep = 10 * time.Second
	// MaxLeftEdgeRetries bounds the left-edge moves. Revisions used 5 and 12.
	MaxLeftEdgeRetries = 12

	// NearRightEdge is the peak offset from the window start at which the
	// signal is treated as still rising. Revisions used 100, 110 and 130s.
	NearRightEdge = 100 * time.Second
	// RightEdgeBackOffset is the extra back-offset added per saturation retry.
	RightEdgeBackOffset = 10 * time.Second
	// MaxRightEdgeRetries bounds the saturation retries.
	MaxRightEdgeRetries = 10

	// MinCorrelation is the correlation below which a cycle is invalid.
	MinCorrelation = 0.6
	// AbsoluteCorrelation selects |r| (true) or signed r (false) for validity.
	AbsoluteCorrelation = true

	// ScanWidth and ScanStep define the sliding correlation scan.
	ScanWidth = 3 * time.Minute
	ScanStep  = 20 * time.Second

	// InvalidateOnDiagnostics makes a non-zero DIAG sum in the scoring window
	// invalidate the cycle. When false the flag is only reported.
	InvalidateOnDiagnostics = false

	// DefaultMeasurement is the analyzer measurement in the source.
	DefaultMeasurement = "AC LICOR"
	// DisplayZone is the local zone used to present timestamps.
	DisplayZone = "Europe/Helsinki"
)

// Params tunes scoring and lag search for a cycle.
type Params struct {
	LagSearchWindow     time.Duration
	LeftEdgeStep        time.Duration
	MaxLeftEdgeRetries  int
	NearRightEdge       time.Duration
	RightEdgeBackOffset time.Duration
	MaxRightEdgeRetries int

	MinCorrelation      float64
	AbsoluteCorrelation bool
	ValidityGas         model.Field

	ScanWidth time.Duration
	ScanStep  time.Duration

	InvalidateOnDiagnostics bool
}

// DefaultParams returns the package defaults.
func DefaultParams() Params {
	return Params{
		LagSearchWindow:         LagSearchWindow,
		LeftEdgeStep:            LeftEdgeStep,
		MaxLeftEdgeRetries:      MaxLeftEdgeRetries,
		NearRightEdge:           NearRightEdge,
		RightEdgeBackOffset:     RightEdgeBackOffset,
		MaxRightEdgeRetries:     MaxRightEdgeRetries,
		MinCorrelation:          MinCorrelation,
		AbsoluteCorrelation:     AbsoluteCorrelation,
		ValidityGas:             model.FieldCH4,
		ScanWidth:               ScanWidth,
		ScanStep:                ScanStep,
		InvalidateOnDiagnostics: InvalidateOnDiagnostics,
	}
}
