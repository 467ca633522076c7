package schedule

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chamber_monitor/internal/cycle"
)

// AllChambers selects every chamber.
const AllChambers = "All"

// Date is a calendar day in the schedule's zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// At returns the wall-clock time tod on d in loc. On daylight saving days
// this differs from local midnight plus the offset.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	h, m, sec := tod.Clock()
	return time.Date(d.Year, d.Month, d.Day, h, m, sec, 0, loc)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// PastDays returns the n days before now's date followed by now's date,
// oldest first.
func PastDays(n int, now time.Time, loc *time.Location) []Date {
	if n < 0 {
		n = 0
	}
	today := DateOf(now, loc)
	base := time.Date(today.Year, today.Month, today.Day, 12, 0, 0, 0, loc)
	days := make([]Date, 0, n+1)
	for i := n; i >= 0; i-- {
		days = append(days, DateOf(base.AddDate(0, 0, -i), loc))
	}
	return days
}

// Generate builds one cycle per (date, template), date-major and template
// order within a day, dropping cycles that start after now. Any invalid
// template aborts generation.
func Generate(templates []Template, dates []Date, now time.Time, loc *time.Location, opts ...cycle.Option) (*Schedule, error) {
	if err := ValidateAll(templates); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}

	s := &Schedule{}
	if len(dates) > 0 {
		s.from = dates[0].At(0, loc)
	}
	for _, d := range dates {
		for _, t := range templates {
			start := d.At(t.Start, loc)
			if start.After(now) {
				continue
			}
			c := cycle.New(t.Chamber, start, d.At(t.Close, loc), d.At(t.Open, loc), d.At(t.End, loc), opts...)
			s.add(c)
		}
	}
	return s, nil
}

// Schedule holds generated cycles in generation order with a per-chamber
// index.
type Schedule struct {
	// from is local midnight of the first generated day.
	from      time.Time
	cycles    []*cycle.Cycle
	chambers  []string
	byChamber map[string][]*cycle.Cycle
	keys      map[string]bool
}

func (s *Schedule) add(c *cycle.Cycle) bool {
	if s.byChamber == nil {
		s.byChamber = make(map[string][]*cycle.Cycle)
		s.keys = make(map[string]bool)
	}
	if s.keys[c.Key()] {
		return false
	}
	s.keys[c.Key()] = true
	s.cycles = append(s.cycles, c)
	if _, ok := s.byChamber[c.ChamberID]; !ok {
		s.chambers = append(s.chambers, c.ChamberID)
	}
	s.byChamber[c.ChamberID] = append(s.byChamber[c.ChamberID], c)
	return true
}

// Len returns the number of cycles.
func (s *Schedule) Len() int {
	if s == nil {
		return 0
	}
	return len(s.cycles)
}

// All returns every cycle in generation order.
func (s *Schedule) All() []*cycle.Cycle {
	if s == nil {
		return nil
	}
	out := make([]*cycle.Cycle, len(s.cycles))
	copy(out, s.cycles)
	return out
}

// Chambers returns chamber ids in first-seen order.
func (s *Schedule) Chambers() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.chambers))
	copy(out, s.chambers)
	return out
}

// ByChamber returns one chamber's cycles in generation order.
func (s *Schedule) ByChamber(id string) []*cycle.Cycle {
	if s == nil {
		return nil
	}
	src := s.byChamber[id]
	out := make([]*cycle.Cycle, len(src))
	copy(out, src)
	return out
}

// Select returns the cycles of the named chambers. A single chamber keeps
// generation order. No chambers, AllChambers, or several chambers give the
// union sorted by nominal open time.
func (s *Schedule) Select(chambers ...string) []*cycle.Cycle {
	if s == nil {
		return nil
	}
	ids := normalize(chambers)
	if len(ids) == 1 && ids[0] != AllChambers {
		return s.ByChamber(ids[0])
	}

	var out []*cycle.Cycle
	if len(ids) == 0 || contains(ids, AllChambers) {
		out = s.All()
	} else {
		want := make(map[string]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		for _, c := range s.cycles {
			if want[c.ChamberID] {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OriginalOpen().Before(out[j].OriginalOpen())
	})
	return out
}

// From returns local midnight of the first generated day, or the zero time
// for a schedule not built by Generate.
func (s *Schedule) From() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.from
}

// Merge moves s to other's day range. Cycles of s starting before other's
// first day are dropped and cycles of other that s does not hold yet are
// added. Existing instances, with their data and operator edits, are kept.
func (s *Schedule) Merge(other *Schedule) (added, dropped int) {
	if other == nil {
		return 0, 0
	}
	if !other.from.IsZero() {
		dropped = s.DropBefore(other.from)
		if s.from.Before(other.from) {
			s.from = other.from
		}
	}
	for _, c := range other.cycles {
		if s.add(c) {
			added++
		}
	}
	return added, dropped
}

// DropBefore removes cycles starting before t and returns how many were
// removed. Chambers left without cycles disappear from Chambers.
func (s *Schedule) DropBefore(t time.Time) int {
	if s == nil {
		return 0
	}
	kept := s.cycles[:0]
	var dropped []*cycle.Cycle
	for _, c := range s.cycles {
		if c.Start().Before(t) {
			dropped = append(dropped, c)
			continue
		}
		kept = append(kept, c)
	}
	if len(dropped) == 0 {
		return 0
	}
	for i := len(kept); i < len(s.cycles); i++ {
		s.cycles[i] = nil
	}
	s.cycles = kept
	for _, c := range dropped {
		delete(s.keys, c.Key())
	}

	s.byChamber = make(map[string][]*cycle.Cycle, len(s.byChamber))
	var chambers []string
	for _, c := range s.cycles {
		if _, ok := s.byChamber[c.ChamberID]; !ok {
			chambers = append(chambers, c.ChamberID)
		}
		s.byChamber[c.ChamberID] = append(s.byChamber[c.ChamberID], c)
	}
	s.chambers = chambers
	return len(dropped)
}

// Find returns the cycle with the given key.
func (s *Schedule) Find(key string) (*cycle.Cycle, bool) {
	if s == nil || !s.keys[key] {
		return nil, false
	}
	for _, c := range s.cycles {
		if c.Key() == key {
			return c, true
		}
	}
	return nil, false
}

// Unreviewed returns the cycles without an operator verdict, keeping order.
func Unreviewed(cycles []*cycle.Cycle) []*cycle.Cycle {
	var out []*cycle.Cycle
	for _, c := range cycles {
		if _, set := c.ManualValid(); !set {
			out = append(out, c)
		}
	}
	return out
}

func normalize(chambers []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, c := range chambers {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
