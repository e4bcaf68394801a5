package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

var reClock = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	m := reClock.FindStringSubmatch(s)
	if len(m) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q (want HH:MM)", s)
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	if h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	if mi < 0 || mi > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: mi}, nil
}

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// seconds since midnight
func (t TimeOfDay) seconds() int { return t.Hour*3600 + t.Minute*60 }

// On returns the instant at t on the calendar day of day, in loc.
func (t TimeOfDay) On(day time.Time, loc *time.Location) time.Time {
	d := day.In(loc)
	return time.Date(d.Year(), d.Month(), d.Day(), t.Hour, t.Minute, 0, 0, loc)
}

// Spec is the daily schedule: a fixed time, or a random time inside a same-day window.
type Spec struct {
	Randomize   bool
	WindowStart TimeOfDay
	// WindowEnd is ignored unless Randomize is set.
	WindowEnd TimeOfDay
	// Location defaults to time.Local.
	Location *time.Location
}

// Validate reports an invalid window. Only randomized specs use WindowEnd.
func (s Spec) Validate() error {
	if err := validClock(s.WindowStart); err != nil {
		return fmt.Errorf("window start: %w", err)
	}
	if !s.Randomize {
		return nil
	}
	if err := validClock(s.WindowEnd); err != nil {
		return fmt.Errorf("window end: %w", err)
	}
	if s.WindowStart.seconds() > s.WindowEnd.seconds() {
		return fmt.Errorf("window start %s is after window end %s", s.WindowStart, s.WindowEnd)
	}
	return nil
}

func validClock(t TimeOfDay) error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("out of range %02d:%02d", t.Hour, t.Minute)
	}
	return nil
}

func (s Spec) location() *time.Location {
	if s.Location == nil {
		return time.Local
	}
	return s.Location
}

func (s Spec) String() string {
	tz := s.location().String()
	if s.Randomize {
		return fmt.Sprintf("random %s-%s %s", s.WindowStart, s.WindowEnd, tz)
	}
	return fmt.Sprintf("fixed %s %s", s.WindowStart, tz)
}

// LoadLocation resolves an IANA zone name; empty or "local" means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	n := strings.TrimSpace(name)
	if n == "" || strings.EqualFold(n, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(n)
}

// DateKey is the calendar date of t in loc, formatted YYYY-MM-DD.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(time.DateOnly)
}
