package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestLifecycleStates(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{notify: rec.notify, watchdog: func(bool) (time.Duration, error) { return 0, nil }}

	if ok, err := n.Ready(); !ok || err != nil {
		t.Fatalf("Ready = %v, %v", ok, err)
	}
	_, _ = n.Status("next fire 15:30")
	_, _ = n.Stopping()
	if rec.count("READY=1") != 1 || rec.count("STATUS=next fire 15:30") != 1 || rec.count("STOPPING=1") != 1 {
		t.Fatalf("states = %q", rec.states)
	}
	if err := n.RunWatchdog(context.Background(), nil); err != nil {
		t.Fatalf("disabled watchdog = %v", err)
	}
}

func TestWatchdogPingsWhileHealthy(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	n := &Notifier{notify: rec.notify, watchdog: func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }}
	if got := n.WatchdogInterval(); got != 10*time.Millisecond {
		t.Fatalf("interval = %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = n.RunWatchdog(ctx, func() bool { return true })
	if rec.count("WATCHDOG=1") < 3 {
		t.Fatalf("pings = %d", rec.count("WATCHDOG=1"))
	}

	rec2 := &recorder{}
	n.notify = rec2.notify
	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	_ = n.RunWatchdog(ctx2, func() bool { return false })
	if rec2.count("WATCHDOG=1") != 0 {
		t.Fatal("unhealthy process pinged the watchdog")
	}
}

func TestNotifyErrorWrapped(t *testing.T) {
	t.Parallel()
	boom := errors.New("socket gone")
	n := &Notifier{notify: func(bool, string) (bool, error) { return false, boom }}
	if _, err := n.Ready(); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
}
