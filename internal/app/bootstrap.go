package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/philornot/ai-reminder/internal/channel"
	"github.com/philornot/ai-reminder/internal/config"
	"github.com/philornot/ai-reminder/internal/provider"
)

// Check parses and validates the config file without touching the network.
// It returns a one-line summary for the operator.
func Check(path string) (string, error) {
	cfg, err := config.NewConfigManager(path).Parse()
	if err != nil {
		return "", err
	}
	set, err := mapSettings(cfg)
	if err != nil {
		return "", err
	}
	kinds := make([]string, 0, len(set.backends))
	for _, b := range set.backends {
		kinds = append(kinds, provider.NormalizeKind(b.Kind))
	}
	debug := "none"
	if set.debug != nil {
		debug = set.debug.Kind
	}
	return fmt.Sprintf("schedule=%q providers=%v primary=%s debug=%s storage=%s cache=%d",
		set.schedule.String(), kinds, set.primary.Kind, debug, set.storage.Driver, set.cacheSize), nil
}

// validator is installed on the ConfigManager: a config is accepted only if
// every component mapping succeeds.
func validator(_ context.Context, cfg *config.Config) error {
	_, err := mapSettings(cfg)
	return err
}

// newHTTPClient is shared by backends and channels. Per-call deadlines come
// from contexts; the client timeout is only a backstop.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Minute}
}

func buildChannels(set *settings, hc *http.Client) (primary, debug channel.Channel, err error) {
	primary, err = channel.Build("primary", set.primary, hc)
	if err != nil {
		return nil, nil, config.Wrap("notify.primary", err)
	}
	if set.debug == nil {
		return primary, nil, nil
	}
	debug, err = channel.Build("debug", *set.debug, hc)
	if err != nil {
		return nil, nil, config.Wrap("notify.debug", err)
	}
	return primary, debug, nil
}

// generationBudget bounds one background Generate call including its retries.
func generationBudget(set *settings) time.Duration {
	n := time.Duration(set.retry.Max)
	return set.llmTimeout*(n+1) + set.retry.MaxDelay*n
}
