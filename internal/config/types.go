package config

import (
	"hash/fnv"
)

// Config is the on-disk configuration (YAML or JSON).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
// String values may reference environment variables as ${NAME}.
type Config struct {
	Reminder ReminderConfig `json:"reminder"`
	LLM      LLMConfig      `json:"llm"`
	Prompt   PromptConfig   `json:"prompt"`
	Cache    CacheConfig    `json:"cache"`
	Notify   NotifyConfig   `json:"notify"`
	Logging  LoggingConfig  `json:"logging"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Status  *StatusConfig  `json:"status,omitempty"`
	Jobs    *JobsConfig    `json:"jobs,omitempty"`
}

// ReminderConfig describes who the message is for and when it goes out.
type ReminderConfig struct {
	TargetName string `json:"target_name"`
	SenderName string `json:"sender_name"`
	BookTitle  string `json:"book_title,omitempty"`
	Language   string `json:"language,omitempty"`

	// Timezone is an IANA name; empty means the host's local zone.
	Timezone      string    `json:"timezone,omitempty"`
	RandomizeTime bool      `json:"randomize_time"`
	TimeRange     TimeRange `json:"time_range"`

	OnDemandTimeout string `json:"on_demand_timeout,omitempty"`
	FireTimeout     string `json:"fire_timeout,omitempty"`
}

// TimeRange holds HH:MM bounds. With randomize_time=false only Start is used.
type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// LLMConfig lists generation backends in priority order.
//
// Defaults:
//   - timeout: "60s"
//   - retry_max: 3
//   - retry_base: "2s"
//   - retry_max_delay: "30s"
//   - validate_credentials: true
type LLMConfig struct {
	Providers []ProviderConfig `json:"providers"`

	// Fallback turns the validated providers after the active one into an ordered fallback chain.
	Fallback            bool  `json:"fallback,omitempty"`
	ValidateCredentials *bool `json:"validate_credentials,omitempty"`

	Timeout       string `json:"timeout,omitempty"`
	RetryMax      *int   `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

type ProviderConfig struct {
	// Name labels the backend in logs; defaults to Kind.
	Name string `json:"name,omitempty"`
	// Kind is one of: openai, groq, gemini.
	Kind        string   `json:"kind"`
	APIKey      string   `json:"api_key"`
	Model       string   `json:"model,omitempty"`
	BaseURL     string   `json:"base_url,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
}

// PromptConfig holds the template sent to the model.
// Placeholders look like {sender_name}; Variables adds custom ones.
type PromptConfig struct {
	Template  string            `json:"template"`
	Variables map[string]string `json:"variables,omitempty"`
}

type CacheConfig struct {
	Size           int    `json:"size,omitempty"`
	RefillInterval string `json:"refill_interval,omitempty"`
	GenerateGap    string `json:"generate_gap,omitempty"`
}

// NotifyConfig configures the primary and debug channels.
type NotifyConfig struct {
	Primary ChannelConfig  `json:"primary"`
	Debug   *ChannelConfig `json:"debug,omitempty"`

	// DebugLevel is one of: debug, info, warning, error (default: info).
	DebugLevel string `json:"debug_level,omitempty"`

	Timeout    string `json:"timeout,omitempty"`
	RetryMax   *int   `json:"retry_max,omitempty"`
	RetryBase  string `json:"retry_base,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ChannelConfig selects one delivery target. Kind decides which block is read.
type ChannelConfig struct {
	Kind     string           `json:"kind"`
	Discord  *DiscordChannel  `json:"discord,omitempty"`
	Telegram *TelegramChannel `json:"telegram,omitempty"`
	SMS      *SMSChannel      `json:"sms,omitempty"`
}

type DiscordChannel struct {
	WebhookURL string `json:"webhook_url"`
	Username   string `json:"username,omitempty"`
}

type TelegramChannel struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type SMSChannel struct {
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	From       string `json:"from"`
	To         string `json:"to"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LogFileConf `json:"file"`
}

type LogFileConf struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls persistence of the fire record and delivery audit.
//
// Driver values:
//   - "file": jsonl audit + json snapshot next to Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN in Dsn
//   - "none" or empty: in-memory only
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	Dsn         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// StatusConfig controls the optional HTTP status API.
type StatusConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"`
	JWTSecret string `json:"jwt_secret,omitempty"`
	Pprof     bool   `json:"pprof,omitempty"`
}

// JobsConfig controls housekeeping jobs.
type JobsConfig struct {
	// Heartbeat is a cron spec for the status log line (default "@hourly").
	Heartbeat string `json:"heartbeat,omitempty"`
	// PruneAfter drops audit rows older than this (default "2160h", 90 days).
	PruneAfter string `json:"prune_after,omitempty"`
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
