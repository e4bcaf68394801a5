package config

import (
	"strconv"
	"strings"
)

// Validate checks required fields and value ranges. It does not parse
// durations, clocks or zones; the consumers of those values do.
func Validate(cfg *Config) error {
	if cfg == nil {
		return Errorf("", "empty configuration")
	}

	r := cfg.Reminder
	if strings.TrimSpace(r.TargetName) == "" {
		return Errorf("reminder.target_name", "required")
	}
	if strings.TrimSpace(r.SenderName) == "" {
		return Errorf("reminder.sender_name", "required")
	}
	if strings.TrimSpace(r.TimeRange.Start) == "" {
		return Errorf("reminder.time_range.start", "required")
	}
	if r.RandomizeTime && strings.TrimSpace(r.TimeRange.End) == "" {
		return Errorf("reminder.time_range.end", "required when randomize_time is true")
	}

	if len(cfg.LLM.Providers) == 0 {
		return Errorf("llm.providers", "at least one provider is required")
	}
	for i, p := range cfg.LLM.Providers {
		if strings.TrimSpace(p.Kind) == "" {
			return Errorf(indexed("llm.providers", i, "kind"), "required")
		}
		if p.MaxTokens < 0 {
			return Errorf(indexed("llm.providers", i, "max_tokens"), "must be >= 0")
		}
		if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
			return Errorf(indexed("llm.providers", i, "temperature"), "must be within [0, 2]")
		}
	}
	if cfg.LLM.RetryMax != nil && *cfg.LLM.RetryMax < 0 {
		return Errorf("llm.retry_max", "must be >= 0")
	}

	if cfg.Cache.Size < 0 {
		return Errorf("cache.size", "must be >= 0")
	}

	n := cfg.Notify
	if n.RetryMax != nil && *n.RetryMax < 0 {
		return Errorf("notify.retry_max", "must be >= 0")
	}
	if n.RatePerSec < 0 {
		return Errorf("notify.rate_per_sec", "must be >= 0")
	}
	return nil
}

func indexed(list string, i int, field string) string {
	return list + "[" + strconv.Itoa(i) + "]." + field
}
