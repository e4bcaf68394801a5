package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/philornot/ai-reminder/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe structured attrs
// for logging. Credentials (API keys, tokens, webhook URLs) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Reminder, newCfg.Reminder) {
		r := newCfg.Reminder
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.Bool("reminder.randomize_time", r.RandomizeTime),
			logx.String("reminder.start", strings.TrimSpace(r.TimeRange.Start)),
			logx.String("reminder.end", strings.TrimSpace(r.TimeRange.End)),
			logx.String("reminder.timezone", strings.TrimSpace(r.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.LLM, newCfg.LLM) {
		changed = append(changed, "llm")
		kinds := make([]string, 0, len(newCfg.LLM.Providers))
		for _, p := range newCfg.LLM.Providers {
			kinds = append(kinds, strings.ToLower(strings.TrimSpace(p.Kind)))
		}
		attrs = append(attrs,
			logx.String("llm.providers", strings.Join(kinds, ",")),
			logx.Bool("llm.fallback", newCfg.LLM.Fallback),
		)
	}

	if !reflect.DeepEqual(oldCfg.Prompt, newCfg.Prompt) {
		changed = append(changed, "prompt")
		attrs = append(attrs,
			logx.Int("prompt.template_len", len(newCfg.Prompt.Template)),
			logx.Int("prompt.variables", len(newCfg.Prompt.Variables)),
		)
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.Int("cache.size", newCfg.Cache.Size),
			logx.String("cache.refill_interval", strings.TrimSpace(newCfg.Cache.RefillInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		debugKind := ""
		if newCfg.Notify.Debug != nil {
			debugKind = newCfg.Notify.Debug.Kind
		}
		attrs = append(attrs,
			logx.String("notify.primary", newCfg.Notify.Primary.Kind),
			logx.String("notify.debug", debugKind),
			logx.String("notify.debug_level", newCfg.Notify.DebugLevel),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	var oDriver, nDriver string
	if oldCfg.Storage != nil {
		oDriver = strings.TrimSpace(oldCfg.Storage.Driver)
	}
	if newCfg.Storage != nil {
		nDriver = strings.TrimSpace(newCfg.Storage.Driver)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver_old", oDriver),
			logx.String("storage.driver", nDriver),
		)
	}

	if !reflect.DeepEqual(oldCfg.Status, newCfg.Status) {
		changed = append(changed, "status")
		st := StatusConfig{}
		if newCfg.Status != nil {
			st = *newCfg.Status
		}
		attrs = append(attrs,
			logx.Bool("status.enabled", st.Enabled),
			logx.String("status.addr", st.Addr),
			logx.Bool("status.auth", strings.TrimSpace(st.JWTSecret) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
	}

	sort.Strings(changed)
	return changed, attrs
}
