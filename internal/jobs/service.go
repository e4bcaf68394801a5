// Package jobs runs the daemon's periodic housekeeping on a cron.
package jobs

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "github.com/philornot/ai-reminder/pkg/logx"
)

const (
	defaultTimeout   = time.Minute
	maxStartupSpread = 30 * time.Second
)

// Func is one job body. ctx carries the job timeout.
type Func func(ctx context.Context) error

type def struct {
	name    string
	spec    string
	timeout time.Duration
	fn      Func
	entryID cron.EntryID

	runs    atomic.Uint64
	fails   atomic.Uint64
	lastErr atomic.Value // string
}

// Service owns a robfig/cron instance. Jobs never overlap with themselves and
// a panicking job is recovered.
type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*def
	ctx    context.Context
	cancel context.CancelFunc
}

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log: log.With(logx.String("comp", "jobs")),
		loc: loc,
		// SecondOptional allows both 5-field and 6-field specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Add registers a job. spec is a cron expression, a descriptor such as
// @daily, or "@every <duration>". Jobs added after Start are scheduled at once.
func (s *Service) Add(name, spec string, timeout time.Duration, fn Func) error {
	spec = strings.TrimSpace(spec)
	if name == "" || fn == nil {
		return fmt.Errorf("jobs: name and func are required")
	}
	if _, err := s.schedule(spec, name); err != nil {
		return fmt.Errorf("jobs: %s: bad spec %q: %w", name, spec, err)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	d := &def{name: name, spec: spec, timeout: timeout, fn: fn}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.defs {
		if old.name == name {
			return fmt.Errorf("jobs: duplicate job %q", name)
		}
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

// Reschedule changes the spec of an existing job.
func (s *Service) Reschedule(name, spec string) error {
	spec = strings.TrimSpace(spec)
	if _, err := s.schedule(spec, name); err != nil {
		return fmt.Errorf("jobs: %s: bad spec %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.name != name {
			continue
		}
		if d.spec == spec {
			return nil
		}
		d.spec = spec
		if s.c != nil {
			s.c.Remove(d.entryID)
			return s.addLocked(d)
		}
		return nil
	}
	return fmt.Errorf("jobs: unknown job %q", name)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	cl := logx.CronLogger(s.log)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, d := range s.defs {
		if err := s.addLocked(d); err != nil {
			s.log.Warn("job not scheduled", logx.String("job", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("jobs started", logx.Int("jobs", len(s.defs)), logx.String("tz", s.loc.String()))
}

// Stop stops triggering and waits for running jobs until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	cancel()
}

func (s *Service) addLocked(d *def) error {
	sched, err := s.schedule(d.spec, d.name)
	if err != nil {
		return err
	}
	base := s.ctx
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.run(base, d) }))
	return nil
}

// ValidateSpec reports whether spec would be accepted by Add.
func ValidateSpec(spec string) error {
	_, err := New(time.UTC, logx.Nop()).schedule(strings.TrimSpace(spec), "validate")
	return err
}

// schedule parses spec. Interval schedules get a random first-run spread so
// jobs registered together do not all fire at the same instant.
func (s *Service) schedule(spec, tag string) (cron.Schedule, error) {
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		every, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return nil, err
		}
		if every <= 0 {
			return nil, fmt.Errorf("non-positive interval")
		}
		return withSpread(every, time.Now(), tag), nil
	}
	return s.parser.Parse(spec)
}

func (s *Service) run(ctx context.Context, d *def) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	jctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	start := time.Now()
	err := d.fn(jctx)
	d.runs.Add(1)
	if err != nil {
		d.fails.Add(1)
		d.lastErr.Store(err.Error())
		s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return
	}
	d.lastErr.Store("")
	s.log.Debug("job done", logx.String("job", d.name), logx.Duration("took", time.Since(start)))
}

// RunNow executes a registered job synchronously, outside the cron.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *def
	for _, d := range s.defs {
		if d.name == name {
			target = d
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("jobs: unknown job %q", name)
	}
	jctx, cancel := context.WithTimeout(ctx, target.timeout)
	defer cancel()
	err := target.fn(jctx)
	target.runs.Add(1)
	if err != nil {
		target.fails.Add(1)
		target.lastErr.Store(err.Error())
	}
	return err
}

type JobInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
	Runs    uint64    `json:"runs"`
	Fails   uint64    `json:"fails"`
	LastErr string    `json:"last_err,omitempty"`
}

func (s *Service) Snapshot() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		it := JobInfo{Name: d.name, Spec: d.spec, Runs: d.runs.Load(), Fails: d.fails.Load()}
		if v, ok := d.lastErr.Load().(string); ok {
			it.LastErr = v
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	return out
}

// spreadSchedule overrides the first run of an interval schedule.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

var spreadSeq atomic.Uint64

func withSpread(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(spreadSeq.Add(1)) ^ int64(h.Sum64())))
	return &spreadSchedule{base: base, first: now.Add(every + time.Duration(rng.Int63n(int64(spread))))}
}
