package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/philornot/ai-reminder/internal/cache"
	"github.com/philornot/ai-reminder/internal/eventbus"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStatus(t *testing.T) {
	t.Parallel()
	src := func(context.Context) Report {
		return Report{Cache: cache.Stats{Len: 4, Cap: 10}, Storage: "memory"}
	}
	s := New(Config{Enabled: true}, src, nil, nil, logx.Nop())
	s.record(eventbus.Event{Type: eventbus.CachePushed, Time: time.Now()})
	s.record(eventbus.Event{Type: eventbus.SchedulerFired, Time: time.Now()})
	h := s.Router(Config{})

	if rec := get(t, h, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	rec := get(t, h, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rep struct {
		Cache   struct{ Len, Cap int }
		Storage string
		Events  []EventView
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Cache.Len != 4 || rep.Storage != "memory" {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Events) != 2 || rep.Events[0].Type != eventbus.SchedulerFired {
		t.Fatalf("events = %+v, want newest first", rep.Events)
	}
}

func TestHealthDegraded(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, func() error { return errors.New("scheduler loop died") }, nil, logx.Nop())
	if rec := get(t, s.Router(Config{}), "/healthz", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz = %d", rec.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	t.Parallel()
	const secret = "s3cret"
	s := New(Config{}, nil, nil, nil, logx.Nop())
	h := s.Router(Config{JWTSecret: secret, Pprof: true})

	good, err := IssueToken(secret, "ops", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	wrongKey, _ := IssueToken("other", "ops", time.Hour)
	expired, _ := IssueToken(secret, "ops", time.Nanosecond)
	time.Sleep(1100 * time.Millisecond)

	tests := []struct {
		path  string
		token string
		want  int
	}{
		{"/healthz", "", http.StatusOK},
		{"/status", "", http.StatusUnauthorized},
		{"/status", "garbage", http.StatusUnauthorized},
		{"/status", wrongKey, http.StatusUnauthorized},
		{"/status", expired, http.StatusUnauthorized},
		{"/status", good, http.StatusOK},
		{"/debug/pprof/cmdline", "", http.StatusUnauthorized},
		{"/debug/pprof/cmdline", good, http.StatusOK},
	}
	for _, tt := range tests {
		if rec := get(t, h, tt.path, tt.token); rec.Code != tt.want {
			t.Fatalf("GET %s (token %q) = %d, want %d", tt.path, tt.token, rec.Code, tt.want)
		}
	}
	if _, err := IssueToken("", "x", 0); err == nil {
		t.Fatal("empty secret accepted")
	}
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, nil, bus, logx.Nop())
	s.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for s.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server state not cleared")
	}
}

func TestRefusesPublicBindWithoutSecret(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:80":     true,
		"localhost:1":  true,
		"0.0.0.0:80":   false,
		":8080":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
