package cycle

import (
	"time"

	"chamber_monitor/internal/model"
)

// LagStatus describes how the lag search reached its result.
type LagStatus struct {
	// LeftEdgeRetries counts window moves made because the peak was the
	// first sample of the window.
	LeftEdgeRetries int
	// LeftEdgeExhausted is set when the peak was still the first sample
	// after the last allowed move (typically a flat signal).
	LeftEdgeExhausted bool
	// RightEdgeRetries counts saturation retries.
	RightEdgeRetries int
	// Saturated is set when no retry moved the peak away from the right
	// edge; the unshifted result is kept.
	Saturated bool
}

// window is a half-open search interval [from, to).
type window struct {
	from, to time.Time
}

func (w window) back(d time.Duration) window {
	return window{from: w.from.Add(-d), to: w.to.Add(-d)}
}

// peak returns the time of the first CH4 maximum in w and whether it is the
// window's first sample.
func peak(tbl *model.Table, w window) (ts time.Time, atLeftEdge bool, ok bool) {
	sub := tbl.Slice(w.from, w.to)
	idx, ok := sub.ArgMax(model.FieldCH4)
	if !ok {
		return time.Time{}, false, false
	}
	return sub.Time(idx), idx == 0, true
}

// lagResult is the outcome of one left-edge search.
type lagResult struct {
	peak    time.Time
	win     window
	retries int
	atEdge  bool
}

func (r lagResult) offset() time.Duration {
	return r.peak.Sub(r.win.from)
}

// leftEdgeSearch finds the CH4 peak in w, moving the whole window back by
// LeftEdgeStep while the peak is the window's first sample. Moving both edges
// gives the same maximum as widening the left edge only: everything dropped on
// the right is below the left-edge value that triggered the move.
func (p Params) leftEdgeSearch(tbl *model.Table, w window) (lagResult, bool) {
	ts, atEdge, ok := peak(tbl, w)
	if !ok {
		return lagResult{}, false
	}
	res := lagResult{peak: ts, win: w, atEdge: atEdge}
	for res.atEdge && res.retries < p.MaxLeftEdgeRetries {
		next := res.win.back(p.LeftEdgeStep)
		ts, atEdge, ok := peak(tbl, next)
		if !ok {
			break
		}
		res = lagResult{peak: ts, win: next, retries: res.retries + 1, atEdge: atEdge}
	}
	return res, true
}

// searchLag locates the CH4 peak that follows the nominal open instant.
// The window is half-open, [open, open+LagSearchWindow).
// ok is false when the search window holds no CH4 samples.
func (p Params) searchLag(tbl *model.Table, open time.Time) (time.Time, LagStatus, bool) {
	base := window{from: open, to: open.Add(p.LagSearchWindow)}

	first, ok := p.leftEdgeSearch(tbl, base)
	if !ok {
		return time.Time{}, LagStatus{}, false
	}

	res := first
	var status LagStatus
	if res.offset() >= p.NearRightEdge {
		resolved := false
		for j := 1; j <= p.MaxRightEdgeRetries; j++ {
			status.RightEdgeRetries = j
			next, ok := p.leftEdgeSearch(tbl, base.back(time.Duration(j)*p.RightEdgeBackOffset))
			if !ok {
				break
			}
			if next.offset() < p.NearRightEdge {
				res = next
				resolved = true
				break
			}
		}
		if !resolved {
			res = first
			status.Saturated = true
		}
	}

	status.LeftEdgeRetries = res.retries
	status.LeftEdgeExhausted = res.atEdge
	return res.peak, status, true
}
