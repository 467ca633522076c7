package cycle

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"chamber_monitor/internal/model"
)

// Pearson returns the Pearson correlation coefficient of x and y. Pairs where
// either value is NaN are skipped. It returns NaN when fewer than two pairs
// remain or either series is constant.
func Pearson(x, y []float64) float64 {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		xs = append(xs, x[i])
		ys = append(ys, y[i])
	}
	if len(xs) < 2 || constant(xs) || constant(ys) {
		return math.NaN()
	}
	return stat.Correlation(xs, ys, nil)
}

func constant(s []float64) bool {
	return floats.Min(s) == floats.Max(s)
}

// windowCorrelation correlates elapsed seconds with a field over the table.
func windowCorrelation(tbl *model.Table, f model.Field) float64 {
	if tbl.Empty() {
		return math.NaN()
	}
	return Pearson(tbl.Elapsed(tbl.Time(0)), tbl.Column(f))
}

// Scan is the strongest correlation found by sliding a fixed-width window
// across a cycle.
type Scan struct {
	// R is the signed coefficient of the window with the largest |r|.
	R float64
	// Offset is the window start relative to the cycle start.
	Offset time.Duration
	OK     bool
}

// MaxAbs returns |R|.
func (s Scan) MaxAbs() float64 {
	return math.Abs(s.R)
}

// ScanCorrelation slides a window of width over [from, to) in steps and
// reports the window with the largest |r| for the field.
func ScanCorrelation(tbl *model.Table, f model.Field, from, to time.Time, width, step time.Duration) Scan {
	var best Scan
	if width <= 0 || step <= 0 {
		return best
	}
	for off := time.Duration(0); !from.Add(off + width).After(to); off += step {
		r := windowCorrelation(tbl.Slice(from.Add(off), from.Add(off+width)), f)
		if math.IsNaN(r) {
			continue
		}
		if !best.OK || math.Abs(r) > best.MaxAbs() {
			best = Scan{R: r, Offset: off, OK: true}
		}
	}
	return best
}
