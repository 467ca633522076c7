// Package schedule turns daily chamber cycle templates into concrete
// measurement cycles and provides the selection and navigation helpers the
// operator views use.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MinLagSearchRoom is the gap required between OPEN and END so the lag search
// window fits inside the cycle.
const MinLagSearchRoom = 120 * time.Second

// TimeOfDay is an offset from local midnight.
type TimeOfDay time.Duration

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("time of day %q: want HH:MM or HH:MM:SS", s)
	}
	limits := []int{23, 59, 59}
	var total time.Duration
	units := []time.Duration{time.Hour, time.Minute, time.Second}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > limits[i] {
			return 0, fmt.Errorf("time of day %q: bad component %q", s, p)
		}
		total += time.Duration(n) * units[i]
	}
	return TimeOfDay(total), nil
}

// Duration returns the offset from midnight.
func (t TimeOfDay) Duration() time.Duration { return time.Duration(t) }

// Clock returns the hour, minute and second.
func (t TimeOfDay) Clock() (hour, minute, second int) {
	d := time.Duration(t)
	return int(d / time.Hour), int(d/time.Minute) % 60, int(d/time.Second) % 60
}

func (t TimeOfDay) String() string {
	h, m, s := t.Clock()
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// UnmarshalYAML accepts "HH:MM" and "HH:MM:SS" scalars.
func (t *TimeOfDay) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t TimeOfDay) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

// Template is one chamber's daily cycle.
type Template struct {
	Chamber string    `yaml:"chamber"`
	Start   TimeOfDay `yaml:"start"`
	Close   TimeOfDay `yaml:"close"`
	Open    TimeOfDay `yaml:"open"`
	End     TimeOfDay `yaml:"end"`
}

// ConfigError reports a malformed template.
type ConfigError struct {
	Chamber string
	Field   string
	Msg     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("chamber %q: %s: %s", e.Chamber, e.Field, e.Msg)
}

// Validate checks START <= CLOSE <= OPEN and that the lag search window after
// OPEN ends no later than END.
func Validate(t Template) error {
	if strings.TrimSpace(t.Chamber) == "" {
		return &ConfigError{Chamber: t.Chamber, Field: "chamber", Msg: "empty chamber id"}
	}
	if t.Close < t.Start {
		return &ConfigError{Chamber: t.Chamber, Field: "close", Msg: fmt.Sprintf("%s is before start %s", t.Close, t.Start)}
	}
	if t.Open < t.Close {
		return &ConfigError{Chamber: t.Chamber, Field: "open", Msg: fmt.Sprintf("%s is before close %s", t.Open, t.Close)}
	}
	if t.Open.Duration()+MinLagSearchRoom > t.End.Duration() {
		return &ConfigError{Chamber: t.Chamber, Field: "end", Msg: fmt.Sprintf("%s leaves less than %s after open %s", t.End, MinLagSearchRoom, t.Open)}
	}
	return nil
}

// ValidateAll validates every template and returns the first error.
func ValidateAll(templates []Template) error {
	for _, t := range templates {
		if err := Validate(t); err != nil {
			return err
		}
	}
	return nil
}
