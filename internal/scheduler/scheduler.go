package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/philornot/ai-reminder/internal/eventbus"
	"github.com/philornot/ai-reminder/internal/storage"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

// FireEvent is handed to the delivery pipeline once per calendar day.
type FireEvent struct {
	ID        string
	Date      string
	Scheduled time.Time
	At        time.Time
}

// FireFunc runs the delivery pipeline for one fire event.
type FireFunc func(ctx context.Context, ev FireEvent) error

// RecordStore persists the last fired date. storage.Store satisfies it.
type RecordStore interface {
	LastFire(ctx context.Context) (storage.FireRecord, bool, error)
	SaveFire(ctx context.Context, r storage.FireRecord) error
}

// Clock abstracts wall time so tests can drive wake-ups.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Options struct {
	Store RecordStore
	Bus   eventbus.Bus
	Log   logx.Logger
	Clock Clock
	Rand  Rand
	// FireTimeout bounds one delivery attempt (default 5m).
	FireTimeout time.Duration
}

// Scheduler fires fn at most once per calendar day according to its Spec.
type Scheduler struct {
	fire  FireFunc
	store RecordStore
	bus   eventbus.Bus
	log   logx.Logger
	clock Clock

	fireTimeout time.Duration

	mu      sync.Mutex
	sched   *DailySchedule
	rng     Rand
	changed chan struct{}
	next    time.Time
	last    storage.FireRecord
	hasLast bool
	fires   uint64
	skips   uint64
}

func New(spec Spec, fire FireFunc, opt Options) (*Scheduler, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if fire == nil {
		return nil, errors.New("scheduler: fire func is required")
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Clock == nil {
		opt.Clock = realClock{}
	}
	if opt.Rand == nil {
		opt.Rand = &lockedRand{r: rand.New(rand.NewSource(time.Now().UnixNano()))}
	}
	if opt.Store == nil {
		opt.Store = storage.NewMemory()
	}
	if opt.FireTimeout <= 0 {
		opt.FireTimeout = 5 * time.Minute
	}
	return &Scheduler{
		fire:        fire,
		store:       opt.Store,
		bus:         opt.Bus,
		log:         opt.Log,
		clock:       opt.Clock,
		fireTimeout: opt.FireTimeout,
		sched:       NewDailySchedule(spec, opt.Rand),
		rng:         opt.Rand,
		changed:     make(chan struct{}, 1),
	}, nil
}

// SetSpec atomically replaces the schedule; a sleeping Run loop recomputes.
func (s *Scheduler) SetSpec(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sched = NewDailySchedule(spec, s.rng)
	s.mu.Unlock()
	select {
	case s.changed <- struct{}{}:
	default:
	}
	s.log.Info("schedule replaced", logx.String("spec", spec.String()))
	return nil
}

func (s *Scheduler) schedule() *DailySchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// Run blocks until ctx ends. It never fires for an instant that passed before it started.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		sched := s.schedule()
		spec := sched.Spec()
		now := s.clock.Now()

		rec, _ := s.lastRecord(ctx)
		target := sched.nextSkipping(now, rec.Date)

		s.mu.Lock()
		s.next = target
		s.mu.Unlock()
		s.log.Info("next fire scheduled",
			logx.Time("at", target),
			logx.Duration("in", target.Sub(now).Round(time.Second)),
			logx.String("spec", spec.String()),
		)
		eventbus.Publish(s.bus, eventbus.SchedulerScheduled, target)

		reached, err := s.sleepUntil(ctx, target)
		if err != nil {
			return nil
		}
		if !reached {
			continue
		}
		s.wake(ctx, target, spec)
	}
}

// sleepUntil waits in bounded steps so suspend and clock jumps are noticed.
// reached=false means the spec changed and the target must be recomputed.
func (s *Scheduler) sleepUntil(ctx context.Context, target time.Time) (reached bool, err error) {
	for {
		now := s.clock.Now()
		if !now.Before(target) {
			return true, nil
		}
		d := target.Sub(now)
		if step := checkInterval(d); d > step {
			d = step
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.changed:
			return false, nil
		case <-s.clock.After(d):
		}
	}
}

// checkInterval is how long to sleep at most when remaining time is left.
func checkInterval(remaining time.Duration) time.Duration {
	switch {
	case remaining > time.Hour:
		return 5 * time.Minute
	case remaining > 10*time.Minute:
		return time.Minute
	default:
		return 10 * time.Second
	}
}

// wake fires for target unless its date already fired or the wall clock left that date.
// The record is written before delivery so a crash mid-delivery cannot cause a second send.
func (s *Scheduler) wake(ctx context.Context, target time.Time, spec Spec) bool {
	loc := spec.location()
	now := s.clock.Now()
	date := DateKey(target, loc)

	if now.Before(target) {
		return false
	}
	if today := DateKey(now, loc); today != date {
		s.skip(date, "missed: clock moved past the scheduled day", logx.String("today", today))
		return false
	}
	if rec, ok := s.lastRecord(ctx); ok && rec.Date == date {
		s.skip(date, "already fired today", logx.String("event_id", rec.EventID))
		return false
	}

	ev := FireEvent{ID: uuid.NewString(), Date: date, Scheduled: target, At: now}
	s.saveRecord(ctx, storage.FireRecord{Date: date, FiredAt: now, EventID: ev.ID})

	s.mu.Lock()
	s.fires++
	s.mu.Unlock()
	s.log.Info("firing",
		logx.String("event_id", ev.ID),
		logx.String("date", date),
		logx.Duration("late", now.Sub(target).Round(time.Millisecond)),
	)
	eventbus.Publish(s.bus, eventbus.SchedulerFired, ev)

	fctx, cancel := context.WithTimeout(ctx, s.fireTimeout)
	defer cancel()
	if err := s.safeFire(fctx, ev); err != nil {
		s.log.Warn("fire finished with error", logx.String("event_id", ev.ID), logx.Err(err))
	}
	return true
}

func (s *Scheduler) safeFire(ctx context.Context, ev FireEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in fire: %v", r)
		}
	}()
	return s.fire(ctx, ev)
}

func (s *Scheduler) skip(date, reason string, fields ...logx.Field) {
	s.mu.Lock()
	s.skips++
	s.mu.Unlock()
	s.log.Info("fire skipped", append([]logx.Field{logx.String("date", date), logx.String("reason", reason)}, fields...)...)
	eventbus.Publish(s.bus, eventbus.SchedulerSkipped, map[string]string{"date": date, "reason": reason})
}

// lastRecord merges the store with the in-process copy; the later date wins.
func (s *Scheduler) lastRecord(ctx context.Context) (storage.FireRecord, bool) {
	s.mu.Lock()
	mem, hasMem := s.last, s.hasLast
	s.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rec, ok, err := s.store.LastFire(rctx)
	if err != nil {
		s.log.Warn("fire record read failed; using in-memory copy", logx.Err(err))
		return mem, hasMem
	}
	if !ok || (hasMem && mem.Date > rec.Date) {
		return mem, hasMem
	}
	return rec, true
}

func (s *Scheduler) saveRecord(ctx context.Context, rec storage.FireRecord) {
	s.mu.Lock()
	s.last, s.hasLast = rec, true
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.store.SaveFire(wctx, rec); err != nil {
		s.log.Error("fire record write failed; restart may repeat today's delivery", logx.Err(err))
	}
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Spec      string    `json:"spec"`
	Next      time.Time `json:"next"`
	LastFired string    `json:"last_fired,omitempty"`
	Fires     uint64    `json:"fires"`
	Skips     uint64    `json:"skips"`
}

func (s *Scheduler) Snapshot(ctx context.Context) Snapshot {
	rec, _ := s.lastRecord(ctx)
	sched := s.schedule()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Spec:      sched.Spec().String(),
		Next:      s.next,
		LastFired: rec.Date,
		Fires:     s.fires,
		Skips:     s.skips,
	}
}

// Upcoming lists one possible fire instant for each of the next n days.
// Random specs draw fresh values; the pending fire is in Snapshot.Next.
func (s *Scheduler) Upcoming(n int) []time.Time {
	if n <= 0 {
		return nil
	}
	return s.schedule().Preview(s.clock.Now(), n)
}

// Location is the zone calendar dates are computed in.
func (s *Scheduler) Location() *time.Location { return s.schedule().Spec().location() }

// lockedRand makes a *rand.Rand safe to share between the loop and SetSpec/Preview.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Int63n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int63n(n)
}
