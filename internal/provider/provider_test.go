package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type stubBackend struct {
	name  string
	calls atomic.Int64
	fn    func(n int64) (string, error)
}

func (s *stubBackend) Name() string                  { return s.name }
func (s *stubBackend) Kind() string                  { return "stub" }
func (s *stubBackend) Model() string                 { return "stub-1" }
func (s *stubBackend) Probe(ctx context.Context) error { return nil }
func (s *stubBackend) Complete(ctx context.Context, prompt string) (string, error) {
	return s.fn(s.calls.Add(1))
}

func noSleep(t *testing.T, g *Gateway) *[]time.Duration {
	t.Helper()
	var waits []time.Duration
	g.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return &waits
}

const okText = "Hej Ola, czas na kilka stron Solaris!"

func TestGenerateRetriesTemporaryThenSucceeds(t *testing.T) {
	t.Parallel()
	b := &stubBackend{name: "primary", fn: func(n int64) (string, error) {
		if n <= 2 {
			return "", &ProviderError{Provider: "primary", Kind: KindServer, Status: 503}
		}
		return okText, nil
	}}
	g, err := NewGateway(Selection{Active: b}, Prompt{Template: "x"}, Options{Retry: RetryPolicy{Max: 3, Base: time.Second}})
	if err != nil {
		t.Fatal(err)
	}
	waits := noSleep(t, g)

	got, err := g.Generate(context.Background())
	if err != nil || got != okText {
		t.Fatalf("Generate = %q, %v", got, err)
	}
	if b.calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", b.calls.Load())
	}
	if st := g.Stats(); st.Retries != 2 {
		t.Fatalf("retries = %d, want 2", st.Retries)
	}
	if len(*waits) != 2 || (*waits)[1] <= (*waits)[0]/2 {
		t.Fatalf("waits = %v, want two growing delays", *waits)
	}
}

func TestGeneratePermanentErrorFailsFast(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		kind Kind
	}{
		{"auth", KindAuth},
		{"bad request", KindBadRequest},
		{"malformed", KindMalformed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := &stubBackend{name: "p", fn: func(int64) (string, error) {
				return "", &ProviderError{Provider: "p", Kind: tt.kind}
			}}
			g, _ := NewGateway(Selection{Active: b}, Prompt{}, Options{Retry: RetryPolicy{Max: 3}})
			noSleep(t, g)
			_, err := g.Generate(context.Background())
			if !IsKind(err, tt.kind) {
				t.Fatalf("err = %v, want kind %s", err, tt.kind)
			}
			if b.calls.Load() != 1 {
				t.Fatalf("calls = %d, want 1", b.calls.Load())
			}
		})
	}
}

func TestGenerateRetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	b := &stubBackend{name: "p", fn: func(int64) (string, error) {
		return "", &ProviderError{Provider: "p", Kind: KindRateLimit, RetryAfter: 7 * time.Second}
	}}
	g, _ := NewGateway(Selection{Active: b}, Prompt{}, Options{Retry: RetryPolicy{Max: 2, MaxDelay: 5 * time.Second}})
	waits := noSleep(t, g)
	if _, err := g.Generate(context.Background()); !IsKind(err, KindRateLimit) {
		t.Fatalf("err = %v", err)
	}
	if b.calls.Load() != 3 {
		t.Fatalf("calls = %d, want 1+2", b.calls.Load())
	}
	for _, w := range *waits {
		if w > 5*time.Second {
			t.Fatalf("wait %v exceeds max delay", w)
		}
	}
}

func TestGenerateFallsBackInOrder(t *testing.T) {
	t.Parallel()
	down := &stubBackend{name: "a", fn: func(int64) (string, error) {
		return "", &ProviderError{Provider: "a", Kind: KindNetwork}
	}}
	up := &stubBackend{name: "b", fn: func(int64) (string, error) { return okText, nil }}
	g, _ := NewGateway(Selection{Active: down, Fallbacks: []Backend{up}}, Prompt{}, Options{Retry: RetryPolicy{Max: 1}})
	noSleep(t, g)

	got, err := g.Generate(context.Background())
	if err != nil || got != okText {
		t.Fatalf("Generate = %q, %v", got, err)
	}
	if down.calls.Load() != 2 || up.calls.Load() != 1 {
		t.Fatalf("calls a=%d b=%d", down.calls.Load(), up.calls.Load())
	}
	if g.Stats().LastUsed != "b" {
		t.Fatalf("last used = %q", g.Stats().LastUsed)
	}
}

func TestGenerateRejectsTooShortOutput(t *testing.T) {
	t.Parallel()
	b := &stubBackend{name: "p", fn: func(int64) (string, error) { return "**ok**", nil }}
	g, _ := NewGateway(Selection{Active: b}, Prompt{}, Options{})
	if _, err := g.Generate(context.Background()); !IsKind(err, KindMalformed) {
		t.Fatalf("err = %v, want malformed", err)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	got := Render("{sender_name} -> {target_name}: {book_title} ({language}) {unknown}", map[string]string{
		"sender_name": "Filip",
		"target_name": "Ola",
		"book_title":  "Solaris",
		"language":    "Polish",
	})
	want := "Filip -> Ola: Solaris (Polish) {unknown}"
	if got != want {
		t.Fatalf("Render = %q, want %q", got, want)
	}
	if p := (Prompt{Vars: map[string]string{"target_name": "Ola"}}).Render(); !strings.Contains(p, "Ola") {
		t.Fatalf("default template not rendered: %q", p)
	}
}

func TestClean(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("Bardzo długie zdanie o książce bez końca ", 20) + ". Drugie zdanie tutaj. Trzecie."
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", "  Czas na czytanie, Ola!  ", "Czas na czytanie, Ola!", true},
		{"markdown", "**Hej** Ola, *czas* na `Solaris`!", "Hej Ola, czas na Solaris!", true},
		{"bullet", "1. Hej Ola, czytamy dziś?", "Hej Ola, czytamy dziś?", true},
		{"dash", "- Hej Ola, czytamy dziś?", "Hej Ola, czytamy dziś?", true},
		{"variants", "Hej Ola, czas na książkę!\n\nLub:\nInna wersja wiadomości.", "Hej Ola, czas na książkę!", true},
		{"english variants", "Time to read, Ola!\nAlternatively: another one here.", "Time to read, Ola!", true},
		{"numbered version", "Pierwsza wersja tekstu.\nWersja 2: druga wersja.", "Pierwsza wersja tekstu.", true},
		{"quoted", "\"Hej Ola, czas czytać!\"", "Hej Ola, czas czytać!", true},
		{"too short", "Hej!", "", false},
		{"empty", "   ", "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Clean(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("Clean(%q) = %q,%v want %q,%v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}

	got, ok := Clean(long)
	if !ok || len([]rune(got)) > maxMessageChars {
		t.Fatalf("long message not clamped: %d runes, ok=%v", len([]rune(got)), ok)
	}
}

func TestOpenAIBackendOverHTTP(t *testing.T) {
	t.Parallel()
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
			return
		}
		switch r.URL.Path {
		case "/v1/models":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"m","object":"model"}]}`))
		case "/v1/chat/completions":
			var body struct {
				Model string `json:"model"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			gotModel = body.Model
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"  Hej Ola, poczytajmy dziś Solaris!  "},"finish_reason":"stop"}]}`))
		case "/v1/overloaded/chat/completions":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("over capacity"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b, err := NewBackend(BackendConfig{Kind: "groq", APIKey: "good-key", BaseURL: srv.URL + "/v1/", Temperature: -1})
	if err != nil {
		t.Fatal(err)
	}
	if b.Model() != "llama-3.1-70b-versatile" {
		t.Fatalf("default model = %q", b.Model())
	}
	if err := b.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	text, err := b.Complete(context.Background(), "prompt")
	if err != nil || text != "Hej Ola, poczytajmy dziś Solaris!" {
		t.Fatalf("Complete = %q, %v", text, err)
	}
	if gotModel != "llama-3.1-70b-versatile" {
		t.Fatalf("model sent = %q", gotModel)
	}

	bad, _ := NewBackend(BackendConfig{Kind: "openai", APIKey: "bad-key", BaseURL: srv.URL + "/v1"})
	if err := bad.Probe(context.Background()); !IsKind(err, KindAuth) {
		t.Fatalf("bad key probe err = %v, want auth", err)
	}

	over, _ := NewBackend(BackendConfig{Kind: "openai", APIKey: "good-key", BaseURL: srv.URL + "/v1/overloaded"})
	_, err = over.Complete(context.Background(), "prompt")
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindServer || !pe.Temporary() {
		t.Fatalf("503 err = %v, want temporary server error", err)
	}
}

// geminiInvalidKey is what the OpenAI-compatible Gemini endpoint sends for a bad key.
const geminiInvalidKey = `[{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT","details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"API_KEY_INVALID","domain":"googleapis.com"}]}}]`

func geminiServer(t *testing.T, goodKey string) *httptest.Server {
	t.Helper()
	var fails atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer "+goodKey {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(geminiInvalidKey))
			return
		}
		switch r.URL.Path {
		case "/v1beta/openai/models":
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"models/gemini-1.5-flash","object":"model"}]}`))
		case "/v1beta/openai/chat/completions":
			if fails.Add(1) == 1 {
				w.Header().Set("Retry-After", "3")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`[{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}]`))
				return
			}
			var body struct {
				Model     string `json:"model"`
				MaxTokens int    `json:"max_tokens"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Model != "gemini-1.5-flash" || body.MaxTokens != DefaultMaxTokens {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`[{"error":{"code":400,"message":"bad body","status":"INVALID_ARGUMENT"}}]`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"g","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Ola, dziś czytamy Solaris!"},"finish_reason":"stop"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGeminiBackendOverHTTP(t *testing.T) {
	t.Parallel()
	srv := geminiServer(t, "g-key")
	base := srv.URL + "/v1beta/openai"

	b, err := NewBackend(BackendConfig{Kind: "google", APIKey: "g-key", BaseURL: base})
	if err != nil {
		t.Fatal(err)
	}
	if b.Kind() != "gemini" {
		t.Fatalf("kind = %q", b.Kind())
	}
	if err := b.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	_, err = b.Complete(context.Background(), "prompt")
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Kind != KindRateLimit || pe.RetryAfter != 3*time.Second {
		t.Fatalf("first call err = %#v", err)
	}
	text, err := b.Complete(context.Background(), "prompt")
	if err != nil || text != "Ola, dziś czytamy Solaris!" {
		t.Fatalf("Complete = %q, %v", text, err)
	}

	bad, _ := NewBackend(BackendConfig{Kind: "gemini", APIKey: "nope", BaseURL: base})
	err = bad.Probe(context.Background())
	if !errors.As(err, &pe) || pe.Kind != KindAuth || pe.Status != http.StatusBadRequest {
		t.Fatalf("bad key err = %v, want auth (http 400)", err)
	}
	if _, err := bad.Complete(context.Background(), "prompt"); !IsKind(err, KindAuth) {
		t.Fatalf("bad key complete err = %v, want auth", err)
	}
}

func TestGeminiAuthClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		auth bool
	}{
		{"compat array reason", geminiInvalidKey, true},
		{"bare object status", `{"error":{"code":403,"message":"denied","status":"PERMISSION_DENIED"}}`, true},
		{"expired key reason", `{"error":{"code":400,"message":"expired","status":"INVALID_ARGUMENT","details":[{"reason":"API_KEY_EXPIRED"}]}}`, true},
		{"plain bad request", `[{"error":{"code":400,"message":"bad body","status":"INVALID_ARGUMENT"}}]`, false},
		{"not google", `over capacity`, false},
	}
	for _, tt := range tests {
		err := &openai.RequestError{HTTPStatusCode: http.StatusBadRequest, Body: []byte(tt.body)}
		if got := googleAuthRejected(err); got != tt.auth {
			t.Fatalf("%s: googleAuthRejected = %v, want %v", tt.name, got, tt.auth)
		}
	}
	apiErr := &openai.APIError{HTTPStatusCode: http.StatusBadRequest, Message: "API key not valid. Please pass a valid API key."}
	if !googleAuthRejected(apiErr) {
		t.Fatal("APIError with invalid key message not classified as auth")
	}
}

func TestSelectSkipsGeminiWithInvalidKey(t *testing.T) {
	t.Parallel()
	gsrv := geminiServer(t, "g-key")
	osrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer osrv.Close()

	sel, err := Select(context.Background(), []BackendConfig{
		{Name: "gemini-bad", Kind: "gemini", APIKey: "wrong", BaseURL: gsrv.URL + "/v1beta/openai"},
		{Name: "openai-good", Kind: "openai", APIKey: "sk", BaseURL: osrv.URL},
	}, SelectOptions{Validate: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Active.Name() != "openai-good" {
		t.Fatalf("active = %s, want openai-good", sel.Active.Name())
	}
}

func TestSelectSkipsRejectedCredentials(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
	}))
	defer srv.Close()

	cfgs := []BackendConfig{
		{Name: "placeholder", Kind: "openai", APIKey: "YOUR_OPENAI_KEY_HERE", BaseURL: srv.URL},
		{Name: "rejected", Kind: "openai", APIKey: "bad", BaseURL: srv.URL},
		{Name: "good", Kind: "groq", APIKey: "good", BaseURL: srv.URL},
		{Name: "spare", Kind: "openai", APIKey: "good", BaseURL: srv.URL},
	}

	sel, err := Select(context.Background(), cfgs, SelectOptions{Validate: true})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.Active.Name() != "good" || len(sel.Fallbacks) != 0 {
		t.Fatalf("selection = %s + %d fallbacks", sel.Active.Name(), len(sel.Fallbacks))
	}

	sel, err = Select(context.Background(), cfgs, SelectOptions{Validate: true, Fallback: true})
	if err != nil || len(sel.Fallbacks) != 1 || sel.Fallbacks[0].Name() != "spare" {
		t.Fatalf("fallback selection = %+v, %v", sel, err)
	}

	_, err = Select(context.Background(), cfgs[:2], SelectOptions{Validate: true})
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestSelectAcceptsUnreachableBackend(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sel, err := Select(context.Background(), []BackendConfig{{Kind: "openai", APIKey: "k", BaseURL: url}},
		SelectOptions{Validate: true, ProbeTimeout: time.Second})
	if err != nil || sel.Active == nil {
		t.Fatalf("Select = %+v, %v", sel, err)
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	t.Parallel()
	p := RetryPolicy{Base: time.Second, MaxDelay: 5 * time.Second, Jitter: 0.0001}.withDefaults()
	for i, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second} {
		got := p.delay(i+1, errors.New("x"), nil)
		if got != want {
			t.Fatalf("delay(%d) = %v, want %v", i+1, got, want)
		}
	}
}
