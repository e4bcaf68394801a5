// Package delivery turns one scheduler fire into a sent message: it takes the
// oldest cached message (or generates one on demand), hands it to the
// notifier and records the outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/philornot/ai-reminder/internal/cache"
	"github.com/philornot/ai-reminder/internal/eventbus"
	"github.com/philornot/ai-reminder/internal/scheduler"
	"github.com/philornot/ai-reminder/internal/storage"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

const DefaultOnDemandTimeout = 90 * time.Second

var ErrBusy = errors.New("delivery: already in progress")

// Notifier is the subset of notifier.Service used here.
type Notifier interface {
	Deliver(ctx context.Context, text string) error
	NotifyDebug(ctx context.Context, severity logx.Level, event string, err error)
	PrimaryName() string
}

// Kicker wakes the refill loop after a pop. *cache.Refiller satisfies it.
type Kicker interface {
	Kick()
	NextSeq() uint64
}

type Options struct {
	Cache    *cache.Cache
	Refiller Kicker
	// Generator backs the on-demand path when the cache is empty.
	Generator cache.Generator
	Notifier  Notifier
	Store     storage.Store
	Bus       eventbus.Bus
	Log       logx.Logger

	OnDemandTimeout time.Duration
	// ProviderName labels audit entries; optional.
	ProviderName func() string
}

// Pipeline is safe for concurrent use; overlapping fires are rejected.
type Pipeline struct {
	cache    *cache.Cache
	refiller Kicker
	gen      cache.Generator
	notifier Notifier
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	provider func() string

	mu       sync.Mutex
	timeout  time.Duration
	sending  bool
	lastDone Result

	now func() time.Time
}

// Result describes the last completed fire.
type Result struct {
	EventID string    `json:"event_id"`
	Date    string    `json:"date"`
	Outcome string    `json:"outcome"`
	Source  string    `json:"source,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

func New(opt Options) (*Pipeline, error) {
	if opt.Cache == nil || opt.Notifier == nil {
		return nil, errors.New("delivery: cache and notifier are required")
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Store == nil {
		opt.Store = storage.NewMemory()
	}
	if opt.OnDemandTimeout <= 0 {
		opt.OnDemandTimeout = DefaultOnDemandTimeout
	}
	return &Pipeline{
		cache:    opt.Cache,
		refiller: opt.Refiller,
		gen:      opt.Generator,
		notifier: opt.Notifier,
		store:    opt.Store,
		bus:      opt.Bus,
		log:      opt.Log.With(logx.String("comp", "delivery")),
		provider: opt.ProviderName,
		timeout:  opt.OnDemandTimeout,
		now:      time.Now,
	}, nil
}

func (p *Pipeline) SetOnDemandTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultOnDemandTimeout
	}
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
}

// Last returns the most recent result (zero before the first fire).
func (p *Pipeline) Last() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDone
}

// Fire is a scheduler.FireFunc.
func (p *Pipeline) Fire(ctx context.Context, ev scheduler.FireEvent) error {
	p.mu.Lock()
	if p.sending {
		p.mu.Unlock()
		p.log.Warn("fire ignored, previous delivery still running", logx.String("event_id", ev.ID))
		return ErrBusy
	}
	p.sending = true
	timeout := p.timeout
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.sending = false
		p.mu.Unlock()
	}()

	start := p.now()
	entry := storage.DeliveryEntry{
		ID:      ev.ID,
		At:      start,
		Date:    ev.Date,
		Channel: p.notifier.PrimaryName(),
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if p.provider != nil {
		entry.Provider = p.provider()
	}
	log := p.log.With(logx.String("event_id", entry.ID), logx.String("date", ev.Date))

	msg, source, err := p.take(ctx, timeout, log)
	if err != nil {
		entry.Outcome = storage.OutcomeSkipped
		entry.Error = err.Error()
		entry.TookMS = p.now().Sub(start).Milliseconds()
		eventbus.Publish(p.bus, eventbus.DeliverySkipped, entry)
		p.finish(ctx, entry, log)
		return err
	}
	entry.Source = source
	entry.Seq = msg.Seq
	entry.Length = len([]rune(msg.Text))

	log.Info("sending reminder", logx.String("source", source), logx.Uint64("seq", msg.Seq), logx.Int("length", entry.Length))
	err = p.notifier.Deliver(ctx, msg.Text)
	entry.TookMS = p.now().Sub(start).Milliseconds()
	if err != nil {
		// The day is skipped; the message is not put back.
		entry.Outcome = storage.OutcomeFailed
		entry.Error = err.Error()
	} else {
		entry.Outcome = storage.OutcomeSent
	}
	p.finish(ctx, entry, log)
	return err
}

// take pops the oldest cached message or, on an empty cache, generates one.
func (p *Pipeline) take(ctx context.Context, timeout time.Duration, log logx.Logger) (cache.Message, string, error) {
	if m, ok := p.cache.Pop(); ok {
		if p.refiller != nil {
			p.refiller.Kick()
		}
		return m, "cache", nil
	}

	log.Warn("cache empty, generating on demand", logx.Duration("timeout", timeout))
	p.notifier.NotifyDebug(ctx, logx.LevelWarn, "Cache is empty, generating a message on demand", nil)
	eventbus.Publish(p.bus, eventbus.GenerationOnDemand, nil)
	if p.refiller != nil {
		p.refiller.Kick()
	}
	if p.gen == nil {
		err := fmt.Errorf("on-demand generation: %w", cache.ErrCacheEmpty)
		p.reportGenFailure(ctx, err, log)
		return cache.Message{}, "", err
	}

	gctx, cancel := context.WithTimeout(ctx, timeout)
	text, err := p.gen.Generate(gctx)
	cancel()
	if err != nil {
		err = fmt.Errorf("on-demand generation: %w", err)
		p.reportGenFailure(ctx, err, log)
		return cache.Message{}, "", err
	}
	m := cache.Message{Text: text, CreatedAt: p.now()}
	if p.refiller != nil {
		m.Seq = p.refiller.NextSeq()
	}
	return m, "on_demand", nil
}

func (p *Pipeline) reportGenFailure(ctx context.Context, err error, log logx.Logger) {
	log.Error("no message available, skipping today's reminder", logx.Err(err))
	eventbus.Publish(p.bus, eventbus.GenerationFailed, err.Error())
	p.notifier.NotifyDebug(context.WithoutCancel(ctx), logx.LevelError, "Failed to generate a message, reminder skipped", err)
}

func (p *Pipeline) finish(ctx context.Context, entry storage.DeliveryEntry, log logx.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	if err := p.store.AppendDelivery(sctx, entry); err != nil && !errors.Is(err, storage.ErrDisabled) {
		log.Warn("audit append failed", logx.Err(err))
	}
	cancel()

	p.mu.Lock()
	p.lastDone = Result{
		EventID: entry.ID,
		Date:    entry.Date,
		Outcome: entry.Outcome,
		Source:  entry.Source,
		At:      entry.At,
		Error:   entry.Error,
	}
	p.mu.Unlock()
	log.Info("fire finished", logx.String("outcome", entry.Outcome), logx.Int64("took_ms", entry.TookMS))
}

// FireNow runs the pipeline outside the schedule (manual trigger). It does not
// touch the fire record.
func (p *Pipeline) FireNow(ctx context.Context, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	now := p.now()
	return p.Fire(ctx, scheduler.FireEvent{
		ID:        uuid.NewString(),
		Date:      scheduler.DateKey(now, loc),
		Scheduled: now,
		At:        now,
	})
}
