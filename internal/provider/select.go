package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "github.com/philornot/ai-reminder/pkg/logx"
)

// Selection is the startup choice of backends.
type Selection struct {
	Active    Backend
	Fallbacks []Backend
}

type SelectOptions struct {
	// Validate probes each credential before accepting the backend.
	Validate bool
	// Fallback keeps every accepted backend after the first as a fallback chain.
	Fallback     bool
	ProbeTimeout time.Duration
	Log          logx.Logger
}

// Select picks the first backend whose credential validates. Order is config order.
//
// A probe that fails with auth rejects the backend. Any other probe failure
// (network, server) still accepts it, since the endpoint may recover by fire time.
func Select(ctx context.Context, cfgs []BackendConfig, opt SelectOptions) (Selection, error) {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.ProbeTimeout <= 0 {
		opt.ProbeTimeout = 15 * time.Second
	}

	var (
		sel     Selection
		reasons []string
	)
	for _, cfg := range cfgs {
		name := cfg.Name
		if name == "" {
			name = NormalizeKind(cfg.Kind)
		}
		if IsPlaceholder(cfg.APIKey) {
			reasons = append(reasons, name+": no api key")
			opt.Log.Warn("backend skipped: missing credential", logx.String("backend", name))
			continue
		}
		b, err := NewBackend(cfg)
		if err != nil {
			reasons = append(reasons, name+": "+err.Error())
			opt.Log.Warn("backend skipped", logx.String("backend", name), logx.Err(err))
			continue
		}

		if opt.Validate {
			pctx, cancel := context.WithTimeout(ctx, opt.ProbeTimeout)
			perr := b.Probe(pctx)
			cancel()
			if ctx.Err() != nil {
				return Selection{}, ctx.Err()
			}
			switch {
			case perr == nil:
			case IsKind(perr, KindAuth):
				reasons = append(reasons, name+": credential rejected")
				opt.Log.Warn("backend skipped: credential rejected", logx.String("backend", name), logx.Err(perr))
				continue
			default:
				opt.Log.Warn("backend probe inconclusive; accepting", logx.String("backend", name), logx.Err(perr))
			}
		}

		if sel.Active == nil {
			sel.Active = b
			opt.Log.Info("backend selected",
				logx.String("backend", b.Name()),
				logx.String("kind", b.Kind()),
				logx.String("model", b.Model()),
			)
			if !opt.Fallback {
				break
			}
			continue
		}
		sel.Fallbacks = append(sel.Fallbacks, b)
		opt.Log.Info("fallback backend added", logx.String("backend", b.Name()), logx.String("model", b.Model()))
	}

	if sel.Active == nil {
		if len(reasons) == 0 {
			return Selection{}, fmt.Errorf("%w: no backends configured", ErrNoBackend)
		}
		return Selection{}, fmt.Errorf("%w: %s", ErrNoBackend, strings.Join(reasons, "; "))
	}
	return sel, nil
}

// IsPlaceholder reports whether v is empty or a template value such as YOUR_API_KEY_HERE.
func IsPlaceholder(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return true
	}
	u := strings.ToUpper(v)
	return (strings.Contains(u, "YOUR_") && strings.HasSuffix(u, "_HERE")) || strings.HasPrefix(v, "${")
}
