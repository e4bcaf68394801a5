package config

import (
	"errors"
	"testing"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	valid := func() *Config {
		return &Config{
			Reminder: ReminderConfig{TargetName: "Ola", SenderName: "Filip", TimeRange: TimeRange{Start: "15:30"}},
			LLM:      LLMConfig{Providers: []ProviderConfig{{Kind: "openai", APIKey: "sk"}}},
		}
	}
	neg := -1
	hot := float32(3)

	tests := []struct {
		name  string
		edit  func(c *Config)
		field string
	}{
		{"ok", func(*Config) {}, ""},
		{"sender", func(c *Config) { c.Reminder.SenderName = "" }, "reminder.sender_name"},
		{"start", func(c *Config) { c.Reminder.TimeRange.Start = "" }, "reminder.time_range.start"},
		{"end only when random", func(c *Config) { c.Reminder.RandomizeTime = true }, "reminder.time_range.end"},
		{"provider kind", func(c *Config) { c.LLM.Providers = append(c.LLM.Providers, ProviderConfig{}) }, "llm.providers[1].kind"},
		{"temperature", func(c *Config) { c.LLM.Providers[0].Temperature = &hot }, "llm.providers[0].temperature"},
		{"llm retry", func(c *Config) { c.LLM.RetryMax = &neg }, "llm.retry_max"},
		{"cache size", func(c *Config) { c.Cache.Size = -2 }, "cache.size"},
		{"notify rate", func(c *Config) { c.Notify.RatePerSec = -1 }, "notify.rate_per_sec"},
	}
	for _, tt := range tests {
		cfg := valid()
		tt.edit(cfg)
		err := Validate(cfg)
		if tt.field == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tt.name, err)
			}
			continue
		}
		var ce *ConfigError
		if !errors.As(err, &ce) || ce.Field != tt.field {
			t.Fatalf("%s: err = %v, want field %q", tt.name, err, tt.field)
		}
	}
	if err := Validate(nil); !IsConfigError(err) {
		t.Fatalf("nil config: %v", err)
	}
}
