package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/philornot/ai-reminder/internal/channel"
	"github.com/philornot/ai-reminder/internal/eventbus"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

type fakeChannel struct {
	name string

	mu    sync.Mutex
	sent  []string
	calls int
	errs  []error // consumed per call; nil entries succeed
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeChannel) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.sent...)
}

func newTestService(cfg Config, primary, debug channel.Channel, bus eventbus.Bus) *Service {
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, primary, debug, logx.Nop(), bus)
	s.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	s.now = func() time.Time { return time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC) }
	return s
}

func TestDeliverPermanentFailureReportsOnce(t *testing.T) {
	t.Parallel()
	primary := &fakeChannel{name: "primary", errs: []error{
		&channel.Error{Channel: "primary", Kind: channel.KindAuth, Status: 401, Err: errors.New("unauthorized")},
	}}
	debug := &fakeChannel{name: "debug"}
	s := newTestService(Config{RetryMax: 2, DebugLevel: logx.LevelDebug}, primary, debug, nil)

	err := s.Deliver(context.Background(), "Czas na lekturę!")
	var de *DeliveryError
	if !errors.As(err, &de) || de.Attempts != 1 || de.Temporary() {
		t.Fatalf("Deliver err = %#v", err)
	}
	if calls, _ := primary.snapshot(); calls != 1 {
		t.Fatalf("primary calls = %d, want 1", calls)
	}
	_, msgs := debug.snapshot()
	errorEvents := 0
	for _, m := range msgs {
		if strings.Contains(m, "**ERROR**") {
			errorEvents++
		}
	}
	if errorEvents != 1 || len(msgs) != 1 {
		t.Fatalf("debug msgs = %q, want exactly one error event", msgs)
	}
	if !strings.Contains(msgs[0], "```\nprimary: auth (status 401): unauthorized\n```") {
		t.Fatalf("debug msg missing fenced error: %q", msgs[0])
	}
}

func TestDeliverRetriesTemporary(t *testing.T) {
	t.Parallel()
	temp := &channel.Error{Channel: "primary", Kind: channel.KindServer, Status: 503, Err: errors.New("down")}
	primary := &fakeChannel{name: "primary", errs: []error{temp, temp}}
	debug := &fakeChannel{name: "debug"}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	s := newTestService(Config{RetryMax: 2, DebugLevel: logx.LevelInfo}, primary, debug, bus)
	if err := s.Deliver(context.Background(), "hello"); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if calls, sent := primary.snapshot(); calls != 3 || len(sent) != 1 {
		t.Fatalf("primary calls = %d sent = %q", calls, sent)
	}
	if _, msgs := debug.snapshot(); len(msgs) != 1 || !strings.HasPrefix(msgs[0], "[2024-05-10 15:30:00] **INFO**: Message delivered via primary") {
		t.Fatalf("debug msgs = %q", msgs)
	}
	select {
	case e := <-events:
		if e.Type != eventbus.DeliverySent || e.Data.(DeliveryEvent).Attempts != 3 {
			t.Fatalf("event = %+v", e)
		}
	default:
		t.Fatal("no delivery event")
	}
}

func TestDeliverRetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	temp := &channel.Error{Channel: "primary", Kind: channel.KindNetwork, Err: errors.New("reset")}
	primary := &fakeChannel{name: "primary", errs: []error{temp, temp, temp, temp}}
	s := newTestService(Config{RetryMax: 1}, primary, nil, nil)

	err := s.Deliver(context.Background(), "hello")
	var de *DeliveryError
	if !errors.As(err, &de) || de.Attempts != 2 || !de.Temporary() {
		t.Fatalf("err = %v", err)
	}
	if calls, _ := primary.snapshot(); calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestNotifyDebugThreshold(t *testing.T) {
	t.Parallel()
	debug := &fakeChannel{name: "debug"}
	s := newTestService(Config{DebugLevel: logx.LevelWarn}, &fakeChannel{name: "p"}, debug, nil)

	s.NotifyDebug(context.Background(), logx.LevelInfo, "startup", nil)
	s.NotifyDebug(context.Background(), logx.LevelDebug, "noise", nil)
	s.NotifyDebug(context.Background(), logx.LevelWarn, "cache empty", nil)
	s.NotifyDebug(context.Background(), logx.LevelError, "boom", errors.New("x"))

	_, msgs := debug.snapshot()
	if len(msgs) != 2 {
		t.Fatalf("msgs = %q", msgs)
	}
	if msgs[0] != "[2024-05-10 15:30:00] **WARNING**: cache empty" {
		t.Fatalf("msg[0] = %q", msgs[0])
	}
}

func TestNotifyDebugWithoutChannelIsSilent(t *testing.T) {
	t.Parallel()
	s := newTestService(Config{}, &fakeChannel{name: "p"}, nil, nil)
	s.NotifyDebug(context.Background(), logx.LevelError, "boom", nil)
	if h := s.History(); len(h) != 0 {
		t.Fatalf("history = %+v", h)
	}
}

func TestDebugWorkerDrainsOnStop(t *testing.T) {
	t.Parallel()
	debug := &fakeChannel{name: "debug"}
	s := newTestService(Config{DebugLevel: logx.LevelDebug, QueueSize: 16}, &fakeChannel{name: "p"}, debug, nil)
	s.Start(context.Background())
	if s.Supervisor() == nil {
		t.Fatal("worker not started")
	}
	for i := 0; i < 5; i++ {
		s.NotifyDebug(context.Background(), logx.LevelInfo, "tick", nil)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if calls, _ := debug.snapshot(); calls != 5 {
		t.Fatalf("debug calls = %d, want 5", calls)
	}
	if s.Supervisor() != nil {
		t.Fatal("supervisor not cleared after stop")
	}
}

func TestFormatDebug(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		level logx.Level
		err   error
		want  string
	}{
		{logx.LevelInfo, nil, "[2024-01-02 03:04:05] **INFO**: e"},
		{logx.LevelWarn, nil, "[2024-01-02 03:04:05] **WARNING**: e"},
		{logx.LevelError, errors.New("bad"), "[2024-01-02 03:04:05] **ERROR**: e\n```\nbad\n```"},
	}
	for _, tt := range tests {
		if got := FormatDebug(at, tt.level, "e", tt.err); got != tt.want {
			t.Fatalf("FormatDebug(%v) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestRetryDelayHonorsHintAndCap(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}
	if d := retryDelay(cfg, 1, 0); d < 700*time.Millisecond || d > 1300*time.Millisecond {
		t.Fatalf("first delay = %v", d)
	}
	if d := retryDelay(cfg, 1, 7*time.Second); d != 7*time.Second {
		t.Fatalf("hinted delay = %v", d)
	}
	if d := retryDelay(cfg, 10, time.Minute); d != 10*time.Second {
		t.Fatalf("capped delay = %v", d)
	}
}
