package schedule

import "chamber_monitor/internal/cycle"

// Cursor is an operator's position in a selection. It is a value: navigation
// returns a new Cursor and the caller keeps it.
type Cursor struct {
	Chambers     []string `json:"chambers"`
	Index        int      `json:"index"`
	SkipReviewed bool     `json:"skip_reviewed"`
}

// Step moves delta positions through a selection of n cycles, wrapping at
// both ends.
func (c Cursor) Step(n, delta int) Cursor {
	if n <= 0 {
		c.Index = 0
		return c
	}
	c.Index = ((c.Index+delta)%n + n) % n
	return c
}

// Clamp keeps Index inside a selection of n cycles.
func (c Cursor) Clamp(n int) Cursor {
	switch {
	case n <= 0 || c.Index < 0:
		c.Index = 0
	case c.Index >= n:
		c.Index = n - 1
	}
	return c
}

// WithChambers changes the selection and rewinds to its first cycle.
func (c Cursor) WithChambers(chambers ...string) Cursor {
	c.Chambers = append([]string(nil), chambers...)
	c.Index = 0
	return c
}

// Select resolves the cursor's selection against s.
func (c Cursor) Select(s *Schedule) []*cycle.Cycle {
	sel := s.Select(c.Chambers...)
	if c.SkipReviewed {
		sel = Unreviewed(sel)
	}
	return sel
}

// Current returns the cycle under the cursor, the clamped cursor and the
// selection size.
func (c Cursor) Current(s *Schedule) (*cycle.Cycle, Cursor, int) {
	sel := c.Select(s)
	c = c.Clamp(len(sel))
	if len(sel) == 0 {
		return nil, c, 0
	}
	return sel[c.Index], c, len(sel)
}
