package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/philornot/ai-reminder/internal/storage"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

func TestAddRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	noop := func(context.Context) error { return nil }
	tests := []struct {
		spec string
		ok   bool
	}{
		{"@every 1m", true},
		{"@daily", true},
		{"0 3 * * *", true},
		{"*/10 * * * * *", true},
		{"@every banana", false},
		{"@every -1s", false},
		{"61 * * * *", false},
	}
	for i, tt := range tests {
		err := s.Add("job"+string(rune('a'+i)), tt.spec, 0, noop)
		if (err == nil) != tt.ok {
			t.Fatalf("Add(%q) err = %v, want ok=%v", tt.spec, err, tt.ok)
		}
	}
	if err := s.Add("joba", "@daily", 0, noop); err == nil {
		t.Fatal("duplicate name accepted")
	}
}

func TestRunNowAndSnapshot(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	var calls atomic.Int32
	_ = s.Add("ok", "@hourly", time.Second, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("job ctx without deadline")
		}
		calls.Add(1)
		return nil
	})
	_ = s.Add("bad", "@hourly", time.Second, func(context.Context) error { return errors.New("nope") })

	if err := s.RunNow(context.Background(), "ok"); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(context.Background(), "bad"); err == nil {
		t.Fatal("expected error")
	}
	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("unknown job ran")
	}

	s.Start(context.Background())
	defer s.Stop(context.Background())
	snap := s.Snapshot()
	if len(snap) != 2 || snap[0].Runs != 1 || snap[1].Fails != 1 || snap[1].LastErr != "nope" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap[0].Next.IsZero() {
		t.Fatal("next run not populated after start")
	}
}

func TestCronRunsJob(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	ran := make(chan struct{}, 4)
	if err := s.Add("tick", "* * * * * *", time.Second, func(context.Context) error {
		ran <- struct{}{}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
}

func TestSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	sched := withSpread(time.Minute, now, "x")
	first := sched.Next(now)
	if first.Before(now.Add(time.Minute)) || first.After(now.Add(90*time.Second)) {
		t.Fatalf("first = %v", first)
	}
	if gap := sched.Next(first).Sub(first); gap < 59*time.Second || gap > time.Minute {
		t.Fatalf("second gap = %v", gap)
	}
}

func TestPruneJob(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()
	_ = store.AppendDelivery(ctx, storage.DeliveryEntry{ID: "old", At: time.Now().Add(-100 * 24 * time.Hour), Outcome: storage.OutcomeSent})
	_ = store.AppendDelivery(ctx, storage.DeliveryEntry{ID: "new", At: time.Now(), Outcome: storage.OutcomeSent})

	if err := PruneJob(store, 0, logx.Nop())(ctx); err != nil {
		t.Fatal(err)
	}
	rows, _ := store.RecentDeliveries(ctx, 10)
	if len(rows) != 1 || rows[0].ID != "new" {
		t.Fatalf("rows = %+v", rows)
	}
}

type kicker struct{ n atomic.Int32 }

func (k *kicker) Kick() { k.n.Add(1) }

func TestRefillKickAndHeartbeat(t *testing.T) {
	t.Parallel()
	k := &kicker{}
	if err := RefillKick(k)(context.Background()); err != nil || k.n.Load() != 1 {
		t.Fatalf("kick err = %v n = %d", err, k.n.Load())
	}
	probed := false
	hb := HeartbeatJob(logx.Nop(), func(context.Context) Heartbeat {
		probed = true
		return Heartbeat{CacheLen: 3, CacheCap: 10, NextFire: time.Now().Add(time.Hour)}
	})
	if err := hb(context.Background()); err != nil || !probed {
		t.Fatalf("heartbeat err = %v probed = %v", err, probed)
	}
	if Every(90*time.Second) != "@every 1m30s" {
		t.Fatalf("Every = %q", Every(90*time.Second))
	}
}
