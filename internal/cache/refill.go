package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philornot/ai-reminder/internal/eventbus"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

var ErrCircuitOpen = errors.New("cache: refill circuit open")

const (
	DefaultRefillInterval = time.Minute
	DefaultGenerateGap    = time.Second
	defaultGenTimeout     = 2 * time.Minute
	breakerTrip           = 3
	breakerMax            = 30 * time.Minute
)

// Generator produces one message text. provider.Gateway satisfies it.
type Generator interface {
	Generate(ctx context.Context) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context) (string, error) { return f(ctx) }

type RefillOptions struct {
	// Interval is the idle wait when the cache is full (default 1m).
	Interval time.Duration
	// Gap is the minimum pause between two generations (default 1s).
	Gap time.Duration
	// Timeout bounds a single Generate call (default 2m).
	Timeout time.Duration
	Log     logx.Logger
	Bus     eventbus.Bus
}

// Refiller keeps a Cache full by calling a Generator in the background.
type Refiller struct {
	cache *Cache
	gen   Generator
	log   logx.Logger
	bus   eventbus.Bus
	kick  chan struct{}
	brk   *breaker
	seq   atomic.Uint64

	mu       sync.Mutex
	interval time.Duration
	gap      time.Duration
	timeout  time.Duration

	generated atomic.Uint64
	failed    atomic.Uint64
	lastErr   atomic.Value // string
}

func NewRefiller(c *Cache, gen Generator, opt RefillOptions) *Refiller {
	if opt.Interval <= 0 {
		opt.Interval = DefaultRefillInterval
	}
	if opt.Gap < 0 {
		opt.Gap = 0
	}
	if opt.Timeout <= 0 {
		opt.Timeout = defaultGenTimeout
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	return &Refiller{
		cache:    c,
		gen:      gen,
		log:      opt.Log,
		bus:      opt.Bus,
		kick:     make(chan struct{}, 1),
		brk:      newBreaker(breakerTrip, opt.Interval, breakerMax),
		interval: opt.Interval,
		gap:      opt.Gap,
		timeout:  opt.Timeout,
	}
}

// SetTiming applies reloaded cadence settings. A non-positive interval or
// timeout, or a negative gap, keeps the current value. The timeout bounds the
// next Generate call; one already running keeps its deadline.
func (r *Refiller) SetTiming(interval, gap, timeout time.Duration) {
	r.mu.Lock()
	if interval > 0 {
		r.interval = interval
	}
	if gap >= 0 {
		r.gap = gap
	}
	if timeout > 0 {
		r.timeout = timeout
	}
	r.mu.Unlock()
	if interval > 0 {
		r.brk.setBase(interval)
	}
	r.Kick()
}

func (r *Refiller) timing() (interval, gap, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.interval, r.gap, r.timeout
}

// Kick wakes an idle Run loop. It never blocks.
func (r *Refiller) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// NextSeq reserves a generation sequence number. The on-demand path shares it with the loop.
func (r *Refiller) NextSeq() uint64 { return r.seq.Add(1) }

// Run refills until ctx ends. Generation errors never stop the loop.
func (r *Refiller) Run(ctx context.Context) error {
	r.log.Info("cache refill started", logx.Int("capacity", r.cache.Cap()))
	for {
		if ctx.Err() != nil {
			return nil
		}
		interval, gap, _ := r.timing()

		if open, until := r.brk.open(time.Now()); open {
			if !sleepCtx(ctx, time.Until(until), nil) {
				return nil
			}
			continue
		}

		if r.cache.Free() == 0 {
			if !sleepCtx(ctx, interval, r.kick) {
				return nil
			}
			continue
		}

		pushed, err := r.FillOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := gap
		if err != nil || !pushed {
			wait = max(gap, time.Second)
		}
		if !sleepCtx(ctx, wait, nil) {
			return nil
		}
	}
}

// FillOnce generates and pushes a single message if there is room.
func (r *Refiller) FillOnce(ctx context.Context) (bool, error) {
	if r.cache.Free() == 0 {
		return false, nil
	}
	if open, until := r.brk.open(time.Now()); open {
		return false, fmt.Errorf("%w until %s", ErrCircuitOpen, until.Format(time.TimeOnly))
	}
	_, _, timeout := r.timing()

	gctx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	text, err := r.gen.Generate(gctx)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		r.failed.Add(1)
		r.lastErr.Store(err.Error())
		cool := r.brk.record(time.Now(), err)
		fields := []logx.Field{logx.Err(err), logx.Int("consecutive", r.brk.failures())}
		if cool > 0 {
			fields = append(fields, logx.Duration("cooldown", cool))
			r.log.Warn("cache refill failing; backing off", fields...)
		} else {
			r.log.Warn("cache refill failed", fields...)
		}
		eventbus.Publish(r.bus, eventbus.CacheRefillFailed, err.Error())
		return false, err
	}
	r.brk.record(time.Now(), nil)

	m := Message{Text: text, Seq: r.NextSeq(), CreatedAt: time.Now()}
	if !r.cache.Push(m) {
		// Filled concurrently (resize or on-demand path); drop the extra.
		r.log.Debug("cache full after generation; message dropped", logx.Uint64("seq", m.Seq))
		return false, nil
	}
	r.generated.Add(1)
	r.log.Debug("cache refilled",
		logx.Uint64("seq", m.Seq),
		logx.Int("len", r.cache.Len()),
		logx.Duration("took", time.Since(start).Round(time.Millisecond)),
	)
	return true, nil
}

// Stats is a point-in-time view for status output.
type Stats struct {
	Len         int       `json:"len"`
	Cap         int       `json:"cap"`
	Generated   uint64    `json:"generated"`
	Failed      uint64    `json:"failed"`
	LastError   string    `json:"last_error,omitempty"`
	CircuitOpen bool      `json:"circuit_open"`
	OpenUntil   time.Time `json:"open_until,omitempty"`
}

func (r *Refiller) Stats() Stats {
	open, until := r.brk.open(time.Now())
	s := Stats{
		Len:         r.cache.Len(),
		Cap:         r.cache.Cap(),
		Generated:   r.generated.Load(),
		Failed:      r.failed.Load(),
		CircuitOpen: open,
		OpenUntil:   until,
	}
	if v, ok := r.lastErr.Load().(string); ok {
		s.LastError = v
	}
	return s
}

// sleepCtx waits d, returning early on wake. It returns false when ctx ended.
func sleepCtx(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-t.C:
		return true
	}
}
