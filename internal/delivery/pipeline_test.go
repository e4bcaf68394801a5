package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/philornot/ai-reminder/internal/cache"
	"github.com/philornot/ai-reminder/internal/eventbus"
	"github.com/philornot/ai-reminder/internal/scheduler"
	"github.com/philornot/ai-reminder/internal/storage"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

type debugEvent struct {
	level logx.Level
	event string
	err   error
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []string
	debug   []debugEvent
	failErr error
	block   chan struct{}
}

func (f *fakeNotifier) Deliver(ctx context.Context, text string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeNotifier) NotifyDebug(_ context.Context, level logx.Level, event string, err error) {
	f.mu.Lock()
	f.debug = append(f.debug, debugEvent{level, event, err})
	f.mu.Unlock()
}

func (f *fakeNotifier) PrimaryName() string { return "primary" }

type fakeKicker struct {
	kicks atomic.Int32
	seq   atomic.Uint64
}

func (k *fakeKicker) Kick()           { k.kicks.Add(1) }
func (k *fakeKicker) NextSeq() uint64 { return k.seq.Add(1) }

func event(date string) scheduler.FireEvent {
	at := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	return scheduler.FireEvent{ID: "ev-" + date, Date: date, Scheduled: at, At: at}
}

func TestFireUsesOldestCachedMessage(t *testing.T) {
	t.Parallel()
	c := cache.New(3, nil)
	c.Push(cache.Message{Text: "first", Seq: 1})
	c.Push(cache.Message{Text: "second", Seq: 2})
	n := &fakeNotifier{}
	k := &fakeKicker{}
	store := storage.NewMemory()
	p, err := New(Options{Cache: c, Refiller: k, Notifier: n, Store: store, ProviderName: func() string { return "groq" }})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Fire(context.Background(), event("2024-05-10")); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(n.sent) != 1 || n.sent[0] != "first" {
		t.Fatalf("sent = %q", n.sent)
	}
	if c.Len() != 1 || k.kicks.Load() != 1 {
		t.Fatalf("cache len = %d kicks = %d", c.Len(), k.kicks.Load())
	}
	rows, _ := store.RecentDeliveries(context.Background(), 10)
	if len(rows) != 1 || rows[0].Outcome != storage.OutcomeSent || rows[0].Source != "cache" || rows[0].Seq != 1 || rows[0].Provider != "groq" {
		t.Fatalf("audit = %+v", rows)
	}
	if last := p.Last(); last.Outcome != storage.OutcomeSent || last.EventID != "ev-2024-05-10" {
		t.Fatalf("last = %+v", last)
	}
}

func TestFireGeneratesOnDemandWhenEmpty(t *testing.T) {
	t.Parallel()
	c := cache.New(3, nil)
	n := &fakeNotifier{}
	k := &fakeKicker{}
	gen := cache.GeneratorFunc(func(ctx context.Context) (string, error) {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("on-demand generation without deadline")
		}
		return "fresh", nil
	})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	p, _ := New(Options{Cache: c, Refiller: k, Generator: gen, Notifier: n, Bus: bus, OnDemandTimeout: time.Second})
	if err := p.Fire(context.Background(), event("2024-05-10")); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(n.sent) != 1 || n.sent[0] != "fresh" {
		t.Fatalf("sent = %q", n.sent)
	}
	if len(n.debug) != 1 || n.debug[0].level != logx.LevelWarn {
		t.Fatalf("debug = %+v, want one warning", n.debug)
	}
	if p.Last().Source != "on_demand" {
		t.Fatalf("source = %q", p.Last().Source)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.GenerationOnDemand {
			t.Fatalf("event = %s", e.Type)
		}
	default:
		t.Fatal("no on-demand event")
	}
}

func TestFireSkipsWhenGenerationFails(t *testing.T) {
	t.Parallel()
	c := cache.New(3, nil)
	n := &fakeNotifier{}
	gen := cache.GeneratorFunc(func(ctx context.Context) (string, error) {
		return "", errors.New("provider down")
	})
	store := storage.NewMemory()
	p, _ := New(Options{Cache: c, Generator: gen, Notifier: n, Store: store})

	err := p.Fire(context.Background(), event("2024-05-10"))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(n.sent) != 0 {
		t.Fatalf("sent = %q", n.sent)
	}
	var levels []logx.Level
	for _, d := range n.debug {
		levels = append(levels, d.level)
	}
	if len(levels) != 2 || levels[0] != logx.LevelWarn || levels[1] != logx.LevelError {
		t.Fatalf("debug levels = %v", levels)
	}
	rows, _ := store.RecentDeliveries(context.Background(), 10)
	if len(rows) != 1 || rows[0].Outcome != storage.OutcomeSkipped {
		t.Fatalf("audit = %+v", rows)
	}
}

func TestFireFailedDeliveryDoesNotRequeue(t *testing.T) {
	t.Parallel()
	c := cache.New(3, nil)
	c.Push(cache.Message{Text: "only", Seq: 1})
	n := &fakeNotifier{failErr: errors.New("webhook gone")}
	store := storage.NewMemory()
	p, _ := New(Options{Cache: c, Notifier: n, Store: store})

	if err := p.Fire(context.Background(), event("2024-05-10")); err == nil {
		t.Fatal("expected delivery error")
	}
	if c.Len() != 0 {
		t.Fatalf("cache len = %d, message was put back", c.Len())
	}
	rows, _ := store.RecentDeliveries(context.Background(), 10)
	if len(rows) != 1 || rows[0].Outcome != storage.OutcomeFailed || rows[0].Error == "" {
		t.Fatalf("audit = %+v", rows)
	}
}

func TestFireRejectsOverlap(t *testing.T) {
	t.Parallel()
	c := cache.New(3, nil)
	c.Push(cache.Message{Text: "a"})
	c.Push(cache.Message{Text: "b"})
	n := &fakeNotifier{block: make(chan struct{})}
	p, _ := New(Options{Cache: c, Notifier: n})

	done := make(chan error, 1)
	go func() { done <- p.Fire(context.Background(), event("2024-05-10")) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := p.Fire(context.Background(), event("2024-05-10")); !errors.Is(err, ErrBusy) {
		t.Fatalf("overlapping Fire = %v, want ErrBusy", err)
	}
	close(n.block)
	if err := <-done; err != nil {
		t.Fatalf("first Fire = %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("cache len = %d", c.Len())
	}
}

func TestFireBoundsHungOnDemandGeneration(t *testing.T) {
	t.Parallel()
	c := cache.New(3, nil)
	n := &fakeNotifier{}
	gen := cache.GeneratorFunc(func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	store := storage.NewMemory()
	p, _ := New(Options{Cache: c, Generator: gen, Notifier: n, Store: store, OnDemandTimeout: 50 * time.Millisecond})

	start := time.Now()
	err := p.Fire(context.Background(), event("2024-05-10"))
	took := time.Since(start)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Fire = %v, want deadline exceeded", err)
	}
	if took > 2*time.Second {
		t.Fatalf("Fire took %v, on-demand timeout not applied", took)
	}
	if len(n.sent) != 0 {
		t.Fatalf("sent = %q", n.sent)
	}
	if len(n.debug) != 2 || n.debug[0].level != logx.LevelWarn || n.debug[1].level != logx.LevelError {
		t.Fatalf("debug = %+v, want warning then error", n.debug)
	}
	rows, _ := store.RecentDeliveries(context.Background(), 10)
	if len(rows) != 1 || rows[0].Outcome != storage.OutcomeSkipped {
		t.Fatalf("audit = %+v", rows)
	}
}
