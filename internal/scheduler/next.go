package scheduler

import (
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Rand is the subset of *rand.Rand used for daily draws.
type Rand interface {
	Int63n(n int64) int64
}

// sharedRand draws from the goroutine-safe top-level math/rand source.
type sharedRand struct{}

func (sharedRand) Int63n(n int64) int64 { return rand.Int63n(n) }

// ComputeNextFire returns the next fire instant strictly after now.
//
// Fixed specs fire at WindowStart. Random specs draw a fresh second-granular
// instant in [WindowStart, WindowEnd] for each candidate day. Either way a
// passed instant rolls to the following day; nothing fires retroactively.
// A nil rng draws from the shared math/rand source.
func ComputeNextFire(now time.Time, spec Spec, rng Rand) time.Time {
	return nextFire(now, spec, rng, "")
}

// nextFire is ComputeNextFire that also skips skipDate (a day that already fired).
func nextFire(now time.Time, spec Spec, rng Rand, skipDate string) time.Time {
	if rng == nil {
		rng = sharedRand{}
	}
	loc := spec.location()
	local := now.In(loc)
	y, m, d := local.Date()
	// Three candidates cover "today already fired" plus a DST-shortened tomorrow.
	for i := 0; i < 3; i++ {
		day := time.Date(y, m, d+i, 12, 0, 0, 0, loc)
		if skipDate != "" && DateKey(day, loc) == skipDate {
			continue
		}
		at := instantOn(day, spec, rng, loc)
		if at.After(now) {
			return at
		}
	}
	return instantOn(time.Date(y, m, d+3, 12, 0, 0, 0, loc), spec, rng, loc)
}

func instantOn(day time.Time, spec Spec, rng Rand, loc *time.Location) time.Time {
	y, m, d := day.In(loc).Date()
	sec := spec.WindowStart.seconds()
	if spec.Randomize {
		span := int64(spec.WindowEnd.seconds() - sec)
		if span > 0 {
			sec += int(rng.Int63n(span + 1))
		}
	}
	// time.Date normalizes the seconds overflow on the wall clock, so DST days keep HH:MM.
	return time.Date(y, m, d, 0, 0, sec, 0, loc)
}

// DailySchedule adapts a Spec to cron.Schedule. Each Next call makes a fresh draw.
type DailySchedule struct {
	mu   sync.Mutex
	spec Spec
	rng  Rand
}

var _ cron.Schedule = (*DailySchedule)(nil)

// NewDailySchedule returns a schedule; a nil rng uses a time-seeded source.
func NewDailySchedule(spec Spec, rng Rand) *DailySchedule {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DailySchedule{spec: spec, rng: rng}
}

func (d *DailySchedule) Next(t time.Time) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ComputeNextFire(t, d.spec, d.rng)
}

// nextSkipping is Next that never returns an instant on skipDate.
func (d *DailySchedule) nextSkipping(t time.Time, skipDate string) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return nextFire(t, d.spec, d.rng, skipDate)
}

func (d *DailySchedule) Spec() Spec {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spec
}

// Preview lists one instant per day for the next n days after t. Random specs show one possible draw.
func (d *DailySchedule) Preview(t time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	skip := ""
	loc := d.Spec().location()
	for i := 0; i < n; i++ {
		t = d.nextSkipping(t, skip)
		skip = DateKey(t, loc)
		out = append(out, t)
	}
	return out
}
