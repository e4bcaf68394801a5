package app

import (
	"strconv"
	"strings"
	"time"

	"github.com/philornot/ai-reminder/internal/cache"
	"github.com/philornot/ai-reminder/internal/channel"
	"github.com/philornot/ai-reminder/internal/config"
	"github.com/philornot/ai-reminder/internal/jobs"
	"github.com/philornot/ai-reminder/internal/notifier"
	"github.com/philornot/ai-reminder/internal/provider"
	"github.com/philornot/ai-reminder/internal/scheduler"
	"github.com/philornot/ai-reminder/internal/status"
	"github.com/philornot/ai-reminder/internal/storage"
	logx "github.com/philornot/ai-reminder/pkg/logx"
)

const (
	defaultLLMTimeout = 60 * time.Second
	defaultLanguage   = "Polish"
)

// settings is a fully parsed configuration. Building one is also how a
// config is validated: any field a component cannot use fails here.
type settings struct {
	schedule        scheduler.Spec
	fireTimeout     time.Duration
	onDemandTimeout time.Duration

	backends      []provider.BackendConfig
	validateCreds bool
	fallback      bool
	llmTimeout    time.Duration
	retry         provider.RetryPolicy
	prompt        provider.Prompt

	cacheSize      int
	refillInterval time.Duration
	generateGap    time.Duration

	notifier notifier.Config
	primary  channel.Spec
	debug    *channel.Spec

	storage    storage.Config
	status     status.Config
	heartbeat  string
	pruneAfter time.Duration
	logging    logx.Config
}

func mapSettings(cfg *config.Config) (*settings, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	s := &settings{}
	var err error

	if s.schedule, err = mapSchedule(cfg.Reminder); err != nil {
		return nil, err
	}
	if s.fireTimeout, s.onDemandTimeout, err = mapReminderTimeouts(cfg.Reminder); err != nil {
		return nil, err
	}
	if err = mapLLM(cfg, s); err != nil {
		return nil, err
	}
	s.prompt = mapPrompt(cfg)
	if err = mapCache(cfg.Cache, s); err != nil {
		return nil, err
	}
	if s.notifier, err = mapNotifierConfig(cfg.Notify); err != nil {
		return nil, err
	}
	if s.primary, s.debug, err = mapChannels(cfg.Notify); err != nil {
		return nil, err
	}
	if s.storage, err = mapStorageConfig(cfg); err != nil {
		return nil, err
	}
	if s.status, err = mapStatusConfig(cfg.Status); err != nil {
		return nil, err
	}
	if s.heartbeat, s.pruneAfter, err = mapJobsConfig(cfg.Jobs); err != nil {
		return nil, err
	}
	s.logging = mapLogging(cfg.Logging)
	return s, nil
}

func mapLLM(cfg *config.Config, s *settings) error {
	l := cfg.LLM
	usable := 0
	for i, p := range l.Providers {
		if !provider.KnownKind(p.Kind) {
			return config.Errorf(field("llm.providers", i, "kind"), "unsupported kind %q (want openai, groq or gemini)", p.Kind)
		}
		temp := float32(-1)
		if p.Temperature != nil {
			temp = *p.Temperature
		}
		if !provider.IsPlaceholder(p.APIKey) {
			usable++
		}
		s.backends = append(s.backends, provider.BackendConfig{
			Name:        strings.TrimSpace(p.Name),
			Kind:        p.Kind,
			APIKey:      strings.TrimSpace(p.APIKey),
			Model:       strings.TrimSpace(p.Model),
			BaseURL:     strings.TrimSpace(p.BaseURL),
			MaxTokens:   p.MaxTokens,
			Temperature: temp,
		})
	}
	if usable == 0 {
		return config.Errorf("llm.providers", "no provider has an api_key set")
	}
	s.validateCreds = l.ValidateCredentials == nil || *l.ValidateCredentials
	s.fallback = l.Fallback

	var err error
	if s.llmTimeout, err = config.ParseDurationOrDefault("llm.timeout", l.Timeout, defaultLLMTimeout); err != nil {
		return err
	}
	s.retry.Max = config.IntOrDefault(l.RetryMax, provider.DefaultRetryMax)
	if s.retry.Base, err = config.ParseDurationOrDefault("llm.retry_base", l.RetryBase, provider.DefaultRetryBase); err != nil {
		return err
	}
	if s.retry.MaxDelay, err = config.ParseDurationOrDefault("llm.retry_max_delay", l.RetryMaxDelay, provider.DefaultRetryMaxDelay); err != nil {
		return err
	}
	if s.retry.MaxDelay < s.retry.Base {
		return config.Errorf("llm.retry_max_delay", "must be >= llm.retry_base")
	}
	return nil
}

// mapPrompt fills the built-in placeholders; prompt.variables may override them.
func mapPrompt(cfg *config.Config) provider.Prompt {
	r := cfg.Reminder
	lang := strings.TrimSpace(r.Language)
	if lang == "" {
		lang = defaultLanguage
	}
	vars := map[string]string{
		"sender_name": strings.TrimSpace(r.SenderName),
		"target_name": strings.TrimSpace(r.TargetName),
		"book_title":  strings.TrimSpace(r.BookTitle),
		"language":    lang,
	}
	for k, v := range cfg.Prompt.Variables {
		vars[k] = v
	}
	return provider.Prompt{Template: cfg.Prompt.Template, Vars: vars}
}

func mapCache(c config.CacheConfig, s *settings) error {
	s.cacheSize = c.Size
	if s.cacheSize == 0 {
		s.cacheSize = cache.DefaultSize
	}
	var err error
	if s.refillInterval, err = config.ParseDurationOrDefault("cache.refill_interval", c.RefillInterval, cache.DefaultRefillInterval); err != nil {
		return err
	}
	// an explicit "0s" gap is allowed
	if strings.TrimSpace(c.GenerateGap) == "" {
		s.generateGap = cache.DefaultGenerateGap
		return nil
	}
	s.generateGap, err = config.ParseDurationField("cache.generate_gap", c.GenerateGap)
	return err
}

func mapNotifierConfig(n config.NotifyConfig) (notifier.Config, error) {
	out := notifier.Config{
		RetryMax:   config.IntOrDefault(n.RetryMax, notifier.DefaultRetryMax),
		RatePerSec: n.RatePerSec,
	}
	out.DebugLevel = logx.LevelInfo
	if strings.TrimSpace(n.DebugLevel) != "" {
		lvl, ok := logx.ParseLevel(n.DebugLevel, logx.LevelInfo)
		if !ok {
			return notifier.Config{}, config.Errorf("notify.debug_level", "unknown level %q (want debug, info, warning or error)", n.DebugLevel)
		}
		out.DebugLevel = lvl
	}

	var err error
	if out.Timeout, err = config.ParseDurationOrDefault("notify.timeout", n.Timeout, notifier.DefaultTimeout); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationOrDefault("notify.retry_base", n.RetryBase, notifier.DefaultRetryBase); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapChannels(n config.NotifyConfig) (primary channel.Spec, debug *channel.Spec, err error) {
	if primary, err = mapChannel("notify.primary", n.Primary); err != nil {
		return channel.Spec{}, nil, err
	}
	if n.Debug == nil {
		return primary, nil, nil
	}
	d, err := mapChannel("notify.debug", *n.Debug)
	if err != nil {
		return channel.Spec{}, nil, err
	}
	// A debug block with only placeholder credentials means "no debug channel".
	if d.Kind == "" {
		return primary, nil, nil
	}
	return primary, &d, nil
}

// mapChannel checks that the block selected by kind is present and filled in.
// For notify.debug an unfilled block maps to an empty Spec instead of an error.
func mapChannel(path string, c config.ChannelConfig) (channel.Spec, error) {
	optional := path == "notify.debug"
	kind := strings.ToLower(strings.TrimSpace(c.Kind))
	if kind == "" {
		kind = "discord"
	}
	missing := func(f string) (channel.Spec, error) {
		if optional {
			return channel.Spec{}, nil
		}
		return channel.Spec{}, config.Errorf(path+"."+f, "required for kind %s", kind)
	}

	switch kind {
	case "discord":
		if c.Discord == nil || channel.IsPlaceholder(c.Discord.WebhookURL) {
			return missing("discord.webhook_url")
		}
		return channel.Spec{Kind: kind, Discord: &channel.DiscordConfig{
			WebhookURL: strings.TrimSpace(c.Discord.WebhookURL),
			Username:   strings.TrimSpace(c.Discord.Username),
		}}, nil
	case "telegram":
		if c.Telegram == nil || channel.IsPlaceholder(c.Telegram.Token) {
			return missing("telegram.token")
		}
		if c.Telegram.ChatID == 0 {
			return missing("telegram.chat_id")
		}
		return channel.Spec{Kind: kind, Telegram: &channel.TelegramConfig{
			Token:    strings.TrimSpace(c.Telegram.Token),
			ChatID:   c.Telegram.ChatID,
			ThreadID: c.Telegram.ThreadID,
		}}, nil
	case "sms", "twilio":
		if c.SMS == nil || channel.IsPlaceholder(c.SMS.AccountSID) || channel.IsPlaceholder(c.SMS.AuthToken) {
			return missing("sms.account_sid")
		}
		if strings.TrimSpace(c.SMS.From) == "" || strings.TrimSpace(c.SMS.To) == "" {
			return missing("sms.to")
		}
		return channel.Spec{Kind: "sms", SMS: &channel.SMSConfig{
			AccountSID: strings.TrimSpace(c.SMS.AccountSID),
			AuthToken:  strings.TrimSpace(c.SMS.AuthToken),
			From:       strings.TrimSpace(c.SMS.From),
			To:         strings.TrimSpace(c.SMS.To),
		}}, nil
	default:
		return channel.Spec{}, config.Errorf(path+".kind", "unsupported kind %q (want discord, telegram or sms)", c.Kind)
	}
}

func mapStatusConfig(sc *config.StatusConfig) (status.Config, error) {
	if sc == nil {
		return status.Config{}, nil
	}
	out := status.Config{
		Enabled:   sc.Enabled,
		Addr:      strings.TrimSpace(sc.Addr),
		JWTSecret: strings.TrimSpace(sc.JWTSecret),
		Pprof:     sc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = status.DefaultAddr
	}
	if out.JWTSecret != "" && len(out.JWTSecret) < 16 {
		return status.Config{}, config.Errorf("status.jwt_secret", "must be at least 16 characters")
	}
	return out, nil
}

func mapJobsConfig(jc *config.JobsConfig) (heartbeat string, pruneAfter time.Duration, err error) {
	heartbeat = jobs.Every(jobs.DefaultHeartbeat)
	pruneAfter = jobs.DefaultPruneAfter
	if jc == nil {
		return heartbeat, pruneAfter, nil
	}
	if hb := strings.TrimSpace(jc.Heartbeat); hb != "" {
		if err := jobs.ValidateSpec(hb); err != nil {
			return "", 0, config.Wrap("jobs.heartbeat", err)
		}
		heartbeat = hb
	}
	if pruneAfter, err = config.ParseDurationOrDefault("jobs.prune_after", jc.PruneAfter, jobs.DefaultPruneAfter); err != nil {
		return "", 0, err
	}
	return heartbeat, pruneAfter, nil
}

func mapLogging(l config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
	}
}

func field(list string, i int, name string) string {
	return list + "[" + strconv.Itoa(i) + "]." + name
}
