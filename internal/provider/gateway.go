package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	logx "github.com/philornot/ai-reminder/pkg/logx"
)

type Options struct {
	Retry RetryPolicy
	// AttemptTimeout bounds one backend call (default 60s).
	AttemptTimeout time.Duration
	Log            logx.Logger
}

// Gateway renders the prompt and generates text through the active backend,
// retrying temporary failures and then walking the optional fallback chain.
type Gateway struct {
	log   logx.Logger
	rng   *lockedRand
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	active    Backend
	fallbacks []Backend
	prompt    Prompt
	retry     RetryPolicy
	timeout   time.Duration

	calls    atomic.Uint64
	retries  atomic.Uint64
	failures atomic.Uint64
	lastUsed atomic.Value // string
}

func NewGateway(sel Selection, prompt Prompt, opt Options) (*Gateway, error) {
	if sel.Active == nil {
		return nil, ErrNoBackend
	}
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.AttemptTimeout <= 0 {
		opt.AttemptTimeout = 60 * time.Second
	}
	return &Gateway{
		log:       opt.Log,
		rng:       newLockedRand(),
		sleep:     sleepCtx,
		active:    sel.Active,
		fallbacks: sel.Fallbacks,
		prompt:    prompt,
		retry:     opt.Retry.withDefaults(),
		timeout:   opt.AttemptTimeout,
	}, nil
}

// SetPrompt swaps the template and variables used by later Generate calls.
func (g *Gateway) SetPrompt(p Prompt) {
	g.mu.Lock()
	g.prompt = p
	g.mu.Unlock()
}

func (g *Gateway) SetRetry(p RetryPolicy, attemptTimeout time.Duration) {
	g.mu.Lock()
	g.retry = p.withDefaults()
	if attemptTimeout > 0 {
		g.timeout = attemptTimeout
	}
	g.mu.Unlock()
}

// Active is the backend tried first.
func (g *Gateway) Active() Backend {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

func (g *Gateway) snapshot() ([]Backend, Prompt, RetryPolicy, time.Duration) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	chain := make([]Backend, 0, 1+len(g.fallbacks))
	chain = append(chain, g.active)
	chain = append(chain, g.fallbacks...)
	return chain, g.prompt, g.retry, g.timeout
}

// Generate returns one cleaned reminder text.
func (g *Gateway) Generate(ctx context.Context) (string, error) {
	chain, prompt, retry, timeout := g.snapshot()
	text := prompt.Render()

	var lastErr error
	for i, b := range chain {
		out, err := g.generateWith(ctx, b, text, retry, timeout)
		if err == nil {
			g.lastUsed.Store(b.Name())
			return out, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(chain) {
			g.log.Warn("backend failed; trying fallback",
				logx.String("backend", b.Name()),
				logx.String("next", chain[i+1].Name()),
				logx.Err(err),
			)
		}
	}
	g.failures.Add(1)
	return "", lastErr
}

func (g *Gateway) generateWith(ctx context.Context, b Backend, prompt string, retry RetryPolicy, timeout time.Duration) (string, error) {
	for attempt := 0; ; attempt++ {
		g.calls.Add(1)
		actx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		raw, err := b.Complete(actx, prompt)
		cancel()

		if err == nil {
			msg, ok := Clean(raw)
			if !ok {
				return "", malformed(b.Name(), "completion unusable after cleanup (%d chars raw)", len(raw))
			}
			g.log.Debug("generated message",
				logx.String("backend", b.Name()),
				logx.String("model", b.Model()),
				logx.Int("chars", len([]rune(msg))),
				logx.Int("attempt", attempt+1),
				logx.Duration("took", time.Since(start).Round(time.Millisecond)),
			)
			return msg, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		if !IsTemporary(err) || attempt >= retry.Max {
			g.log.Warn("generation failed",
				logx.String("backend", b.Name()),
				logx.Int("attempts", attempt+1),
				logx.Bool("temporary", IsTemporary(err)),
				logx.Err(err),
			)
			return "", err
		}

		d := retry.delay(attempt+1, err, g.rng)
		g.retries.Add(1)
		g.log.Info("generation failed; retrying",
			logx.String("backend", b.Name()),
			logx.Int("retry", attempt+1),
			logx.Int("max", retry.Max),
			logx.Duration("in", d.Round(time.Millisecond)),
			logx.Err(err),
		)
		if serr := g.sleep(ctx, d); serr != nil {
			return "", errors.Join(err, serr)
		}
	}
}

// Stats is a point-in-time view for status output.
type Stats struct {
	Active    string   `json:"active"`
	Model     string   `json:"model"`
	Fallbacks []string `json:"fallbacks,omitempty"`
	LastUsed  string   `json:"last_used,omitempty"`
	Calls     uint64   `json:"calls"`
	Retries   uint64   `json:"retries"`
	Failures  uint64   `json:"failures"`
}

func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	s := Stats{Active: g.active.Name(), Model: g.active.Model()}
	for _, b := range g.fallbacks {
		s.Fallbacks = append(s.Fallbacks, b.Name())
	}
	g.mu.RUnlock()
	if v, ok := g.lastUsed.Load().(string); ok {
		s.LastUsed = v
	}
	s.Calls = g.calls.Load()
	s.Retries = g.retries.Load()
	s.Failures = g.failures.Load()
	return s
}
